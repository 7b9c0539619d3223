// Package staging writes ingested rows into a staging table in bounded
// batches, retrying the items the store reports as unprocessed.
package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/metrics"
	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

var (
	// ErrMissingDomainName is returned when Meta.DomainName is blank.
	ErrMissingDomainName = errors.New("domain_name is required")
	// ErrRetriesExhausted is returned when RetryPolicy.MaxAttempts is reached
	// with items still unprocessed.
	ErrRetriesExhausted = errors.New("batch write retries exhausted")
)

// Config bounds batch size and preview length.
type Config struct {
	MaxBatchSize int
	PreviewLimit int
	Retry        RetryPolicy
}

// DefaultConfig returns batches of 25 and a 50-row preview.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 25,
		PreviewLimit: 50,
		Retry:        DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = def.PreviewLimit
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	return c
}

// Meta is the workflow metadata stamped on every row of one insert.
type Meta struct {
	OrganizationID string
	PolicyID       string
	DomainName     string
	FileID         string
	UploadedBy     string
	UploadedDate   time.Time
}

// Result summarizes an insert.
type Result struct {
	TotalInserted int
	RowIDs        []string
	Preview       []map[string]any
}

// Writer is the batch staging writer.
type Writer struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger

	Sleep  Sleeper
	Jitter Jitter
	Now    func() time.Time
	NewID  func() string
}

// NewWriter returns a writer over st. Zero config fields take defaults.
func NewWriter(st store.Store, cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: logger,
		Sleep:  SleepContext,
		Jitter: FullJitter,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

// Config returns the effective configuration.
func (w *Writer) Config() Config {
	return w.cfg
}

// Insert stages rows into table. Rows are written in input order, in batches
// of at most MaxBatchSize.
func (w *Writer) Insert(ctx context.Context, table string, rows []map[string]any, meta Meta) (Result, error) {
	if strings.TrimSpace(meta.DomainName) == "" {
		return Result{}, ErrMissingDomainName
	}
	if meta.UploadedDate.IsZero() {
		meta.UploadedDate = w.Now()
	}

	items := make([]typedvalue.Item, len(rows))
	result := Result{RowIDs: make([]string, len(rows))}
	for i, row := range rows {
		items[i] = w.buildItem(row, meta)
		result.RowIDs[i], _ = items[i].Text(domain.AttrID)
	}

	for start := 0; start < len(items); start += w.cfg.MaxBatchSize {
		end := min(start+w.cfg.MaxBatchSize, len(items))
		if err := w.writeBatch(ctx, table, items[start:end]); err != nil {
			return result, fmt.Errorf("failed to stage rows %d-%d: %w", start, end-1, err)
		}
		result.TotalInserted += end - start

		for _, item := range items[start:end] {
			if len(result.Preview) >= w.cfg.PreviewLimit {
				break
			}
			result.Preview = append(result.Preview, typedvalue.DecodeItem(item))
		}
	}

	metrics.RowsStaged.WithLabelValues(table).Add(float64(result.TotalInserted))
	w.logger.Info("staged rows",
		zap.String("table", table),
		zap.String("file_id", meta.FileID),
		zap.Int("rows", result.TotalInserted),
	)
	return result, nil
}

func (w *Writer) buildItem(row map[string]any, meta Meta) typedvalue.Item {
	item := typedvalue.EncodeItem(row)

	id, _ := item.Text(domain.AttrID)
	if id == "" {
		if raw, ok := row[domain.AttrID]; ok && raw != nil {
			id = fmt.Sprint(raw)
		}
	}
	if id == "" {
		id = w.NewID()
	}
	item[domain.AttrID] = typedvalue.String(id)

	setIfPresent(item, domain.AttrOrganizationID, meta.OrganizationID)
	setIfPresent(item, domain.AttrPolicyID, meta.PolicyID)
	setIfPresent(item, domain.AttrFileID, meta.FileID)
	setIfPresent(item, domain.AttrUploadedBy, meta.UploadedBy)
	item[domain.AttrDomainName] = typedvalue.String(meta.DomainName)
	item[domain.AttrUploadedDate] = typedvalue.String(domain.FormatTimestamp(meta.UploadedDate))
	item[domain.AttrIsProcessed] = domain.FlagUnset
	item[domain.AttrIsHandled] = domain.FlagUnset
	return item
}

func setIfPresent(item typedvalue.Item, attr, value string) {
	if value == "" {
		delete(item, attr)
		return
	}
	item[attr] = typedvalue.String(value)
}

// writeBatch submits one batch and retries whatever the store leaves
// unprocessed until nothing is left.
func (w *Writer) writeBatch(ctx context.Context, table string, batch []typedvalue.Item) error {
	pending := batch
	for retries := 0; ; retries++ {
		metrics.BatchWrites.Inc()
		unprocessed, err := w.store.BatchWriteItems(ctx, table, pending)
		switch {
		case err == nil:
			pending = unprocessed
		case errors.Is(err, store.ErrThrottled):
			// whole batch rejected, resubmit as is
		default:
			return fmt.Errorf("failed to write batch: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		if w.cfg.Retry.exhausted(retries) {
			return fmt.Errorf("%w: %d items unprocessed after %d retries", ErrRetriesExhausted, len(pending), retries)
		}

		window := w.cfg.Retry.Window(retries)
		delay := w.Jitter(window)
		w.logger.Warn("retrying unprocessed items",
			zap.String("table", table),
			zap.Int("attempt", retries+1),
			zap.Int("unprocessed", len(pending)),
			zap.Duration("delay", delay),
		)
		metrics.BatchRetries.Inc()
		if err := w.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("batch retry interrupted: %w", err)
		}
	}
}
