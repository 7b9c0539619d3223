package staging

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how unprocessed batch items are retried.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts caps the number of retries per batch. Zero retries until
	// the store accepts every item or the context is cancelled.
	MaxAttempts int
}

// DefaultRetryPolicy starts at 50ms and doubles up to 5s, without a cap on
// the number of retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Window returns the backoff window for the given retry (0-based): the base
// delay doubled per retry, capped at MaxDelay.
func (p RetryPolicy) Window(retry int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retry; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) exhausted(retries int) bool {
	return p.MaxAttempts > 0 && retries >= p.MaxAttempts
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Jitter picks the actual delay inside a backoff window.
type Jitter func(window time.Duration) time.Duration

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FullJitter picks uniformly in [0, window].
func FullJitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(window) + 1))
}
