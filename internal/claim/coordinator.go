// Package claim coordinates exclusive processing of staging rows through
// conditional writes on the is_handled and is_processed flags.
//
// Flag states per row (is_handled, is_processed):
//
//	(0,0) unclaimed
//	(1,0) claimed, in progress
//	(1,1) processed
//
// (0,1) is not produced by this package and is not assumed impossible.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/metrics"
	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

var (
	// ErrClaimNotHeld is returned by MarkProcessed when the row was never
	// claimed. It is a caller bug and must not be retried.
	ErrClaimNotHeld = errors.New("row is not claimed")
	// ErrNoRowsFound is returned by GetUnprocessedByFile when nothing matches.
	ErrNoRowsFound = errors.New("no rows found")
)

// Coordinator implements claim, mark-processed and revert.
type Coordinator struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used for claimed_at/processed_at.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a coordinator over st.
func New(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: st, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) stamp() typedvalue.Value {
	return typedvalue.String(domain.FormatTimestamp(c.now()))
}

// Claim moves a row from unclaimed to claimed. It returns false, with no
// error, when another caller already holds the claim.
func (c *Coordinator) Claim(ctx context.Context, table, rowID string) (bool, error) {
	plan := store.NewUpdatePlan()
	plan.Set(domain.AttrIsHandled, domain.FlagSet)
	plan.Set(domain.AttrClaimedAt, c.stamp())

	err := c.store.UpdateItem(ctx, table, rowID, plan, store.Equals(domain.AttrIsHandled, domain.FlagUnset))
	if errors.Is(err, store.ErrConditionFailed) {
		metrics.ClaimOutcomes.WithLabelValues(metrics.OutcomeLost).Inc()
		c.logger.Debug("claim lost", zap.String("table", table), zap.String("row_id", rowID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim row %s: %w", rowID, err)
	}
	metrics.ClaimOutcomes.WithLabelValues(metrics.OutcomeWon).Inc()
	return true, nil
}

// MarkProcessed sets is_processed on a claimed row. A row that is not
// claimed yields ErrClaimNotHeld.
func (c *Coordinator) MarkProcessed(ctx context.Context, table, rowID string) error {
	plan := store.NewUpdatePlan()
	plan.Set(domain.AttrIsProcessed, domain.FlagSet)
	plan.Set(domain.AttrProcessedAt, c.stamp())

	err := c.store.UpdateItem(ctx, table, rowID, plan, store.Equals(domain.AttrIsHandled, domain.FlagSet))
	if errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("mark processed %s: %w", rowID, ErrClaimNotHeld)
	}
	if err != nil {
		return fmt.Errorf("failed to mark row %s processed: %w", rowID, err)
	}
	metrics.ClaimOutcomes.WithLabelValues(metrics.OutcomeProcessed).Inc()
	return nil
}

// RevertClaim releases a claim so the row can be claimed again. It reports
// false when the row was not claimed. is_processed is left untouched.
func (c *Coordinator) RevertClaim(ctx context.Context, table, rowID string) (bool, error) {
	plan := store.NewUpdatePlan()
	plan.Set(domain.AttrIsHandled, domain.FlagUnset)

	err := c.store.UpdateItem(ctx, table, rowID, plan, store.Equals(domain.AttrIsHandled, domain.FlagSet))
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to revert claim on row %s: %w", rowID, err)
	}
	metrics.ClaimOutcomes.WithLabelValues(metrics.OutcomeReverted).Inc()
	return true, nil
}

// Selector narrows GetUnprocessedByFile. Empty fields are not filtered on.
type Selector struct {
	FileID     string
	PolicyID   string
	DomainName string
}

func (s Selector) filter() store.Filter {
	f := store.Filter{
		domain.AttrIsProcessed: domain.FlagUnset,
		domain.AttrIsHandled:   domain.FlagUnset,
	}
	if s.FileID != "" {
		f[domain.AttrFileID] = typedvalue.String(s.FileID)
	}
	if s.PolicyID != "" {
		f[domain.AttrPolicyID] = typedvalue.String(s.PolicyID)
	}
	if s.DomainName != "" {
		f[domain.AttrDomainName] = typedvalue.String(s.DomainName)
	}
	return f
}

// GetUnprocessedByFile returns the unclaimed, unprocessed rows of a file. An
// empty result is ErrNoRowsFound.
func (c *Coordinator) GetUnprocessedByFile(ctx context.Context, table string, sel Selector) ([]typedvalue.Item, error) {
	items, err := c.store.Scan(ctx, table, sel.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to scan unprocessed rows for file %s: %w", sel.FileID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("file %s: %w", sel.FileID, ErrNoRowsFound)
	}
	return items, nil
}

// Process claims a row, runs fn and marks the row processed. If fn fails the
// claim is released and fn's error returned. claimed is false when the claim
// was lost, in which case fn is not called.
func (c *Coordinator) Process(ctx context.Context, table, rowID string, fn func(context.Context) error) (claimed bool, err error) {
	claimed, err = c.Claim(ctx, table, rowID)
	if err != nil || !claimed {
		return claimed, err
	}

	if fnErr := fn(ctx); fnErr != nil {
		if _, revertErr := c.RevertClaim(ctx, table, rowID); revertErr != nil {
			c.logger.Error("failed to release claim",
				zap.String("table", table),
				zap.String("row_id", rowID),
				zap.Error(revertErr),
			)
			return true, errors.Join(fnErr, revertErr)
		}
		return true, fnErr
	}
	return true, c.MarkProcessed(ctx, table, rowID)
}
