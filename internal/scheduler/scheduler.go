// Package scheduler drives files through UNPROCESSED -> PROCESSING ->
// COMPLETED, dispatching at most one file at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/rowstage/internal/claim"
	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/metrics"
	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

// Tick results, also used as metric labels.
const (
	ResultSkipped    = "skipped"
	ResultInFlight   = "in_flight"
	ResultIdle       = "idle"
	ResultDispatched = "dispatched"
	ResultCompleted  = "completed"
	ResultContended  = "contended"
	ResultError      = "error"
)

// Config names the tables and the poll interval.
type Config struct {
	Interval     time.Duration
	StagingTable string
	HeaderTable  string
}

// Scheduler is the periodic poll loop.
type Scheduler struct {
	cfg        Config
	store      store.Store
	claims     *claim.Coordinator
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// New returns a scheduler. A nil logger discards output.
func New(cfg Config, st store.Store, claims *claim.Coordinator, dispatcher Dispatcher, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		claims:     claims,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Run ticks every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll. Errors and panics are logged and counted, never
// returned or propagated.
func (s *Scheduler) Tick(ctx context.Context) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = ResultError
			s.logger.Error("scheduler tick panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		metrics.SchedulerTicks.WithLabelValues(result).Inc()
	}()

	result, err := s.tick(ctx)
	if err != nil {
		result = ResultError
		s.logger.Error("scheduler tick failed", zap.Error(err))
	}
	return result
}

func (s *Scheduler) tick(ctx context.Context) (string, error) {
	for _, table := range []string{s.cfg.StagingTable, s.cfg.HeaderTable} {
		ok, err := s.store.TableExists(ctx, table)
		if err != nil {
			return "", fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !ok {
			s.logger.Debug("table missing, skipping tick", zap.String("table", table))
			return ResultSkipped, nil
		}
	}

	inFlight, err := s.headersInStage(ctx, domain.StageProcessing)
	if err != nil {
		return "", err
	}
	if len(inFlight) > 0 {
		return s.checkInFlight(ctx, inFlight)
	}

	pending, err := s.headersInStage(ctx, domain.StageUnprocessed)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return ResultIdle, nil
	}
	return s.dispatch(ctx, pending[0])
}

// headersInStage returns headers in stage, oldest upload first.
func (s *Scheduler) headersInStage(ctx context.Context, stage domain.ProcessStage) ([]domain.HeaderRecord, error) {
	items, err := s.store.Scan(ctx, s.cfg.HeaderTable, store.Filter{
		domain.AttrProcessStage: typedvalue.String(string(stage)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s headers: %w", stage, err)
	}
	headers := make([]domain.HeaderRecord, 0, len(items))
	for _, item := range items {
		header, err := domain.HeaderRecordFromItem(item)
		if err != nil {
			s.logger.Warn("skipping malformed header", zap.Error(err))
			continue
		}
		headers = append(headers, header)
	}
	sort.SliceStable(headers, func(i, j int) bool {
		if !headers[i].UploadedDate.Equal(headers[j].UploadedDate) {
			return headers[i].UploadedDate.Before(headers[j].UploadedDate)
		}
		return headers[i].ID < headers[j].ID
	})
	return headers, nil
}

// checkInFlight completes PROCESSING headers whose rows are all processed.
// It never dispatches.
func (s *Scheduler) checkInFlight(ctx context.Context, headers []domain.HeaderRecord) (string, error) {
	result := ResultInFlight
	for _, header := range headers {
		remaining, err := s.store.Scan(ctx, s.cfg.StagingTable, store.Filter{
			domain.AttrFileID:      typedvalue.String(header.ID),
			domain.AttrIsProcessed: domain.FlagUnset,
		})
		if err != nil {
			return "", fmt.Errorf("failed to count remaining rows for %s: %w", header.ID, err)
		}
		if len(remaining) > 0 {
			continue
		}
		done, err := s.complete(ctx, header, domain.StageProcessing)
		if err != nil {
			return "", err
		}
		if done {
			result = ResultCompleted
		}
	}
	return result, nil
}

func (s *Scheduler) dispatch(ctx context.Context, header domain.HeaderRecord) (string, error) {
	logger := s.logger.With(zap.String("header_id", header.ID), zap.String("file_id", header.ID))

	rows, err := s.claims.GetUnprocessedByFile(ctx, s.cfg.StagingTable, claim.Selector{
		FileID:     header.ID,
		PolicyID:   header.PolicyID,
		DomainName: header.DomainName,
	})
	if errors.Is(err, claim.ErrNoRowsFound) {
		logger.Info("no unprocessed rows left, completing file")
		if _, err := s.complete(ctx, header, domain.StageUnprocessed); err != nil {
			return "", err
		}
		return ResultCompleted, nil
	}
	if err != nil {
		return "", err
	}

	moved, err := s.transition(ctx, header.ID, domain.StageUnprocessed, domain.StageProcessing, domain.FileStatusDispatched)
	if err != nil {
		return "", err
	}
	if !moved {
		logger.Info("header changed stage concurrently, skipping")
		return ResultContended, nil
	}

	payload, err := json.Marshal(newDispatch(header, rows))
	if err != nil {
		s.revert(ctx, header.ID, logger)
		return "", fmt.Errorf("failed to encode dispatch for %s: %w", header.ID, err)
	}
	if err := s.publish(ctx, payload); err != nil {
		metrics.Dispatches.WithLabelValues("failed").Inc()
		s.revert(ctx, header.ID, logger)
		return "", fmt.Errorf("failed to publish file %s: %w", header.ID, err)
	}

	metrics.Dispatches.WithLabelValues("ok").Inc()
	logger.Info("dispatched file", zap.Int("rows", len(rows)))
	return ResultDispatched, nil
}

// publish turns a dispatcher panic into an error so the header is reverted
// like any other failed publish.
func (s *Scheduler) publish(ctx context.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panicked: %v", r)
		}
	}()
	return s.dispatcher.Publish(ctx, payload)
}

func newDispatch(header domain.HeaderRecord, rows []typedvalue.Item) Dispatch {
	d := Dispatch{
		HeaderID:       header.ID,
		FileID:         header.ID,
		DomainName:     header.DomainName,
		PolicyID:       header.PolicyID,
		OrganizationID: header.OrganizationID,
		RowIDs:         make([]string, 0, len(rows)),
		Rows:           make([]map[string]any, 0, len(rows)),
	}
	for _, row := range rows {
		id, _ := row.Text(domain.AttrID)
		d.RowIDs = append(d.RowIDs, id)
		d.Rows = append(d.Rows, typedvalue.DecodeItem(row))
	}
	return d
}

// revert puts a header back to UNPROCESSED after a failed publish. Failure
// here is only logged.
func (s *Scheduler) revert(ctx context.Context, headerID string, logger *zap.Logger) {
	if _, err := s.transition(ctx, headerID, domain.StageProcessing, domain.StageUnprocessed, domain.FileStatusUploaded); err != nil {
		logger.Error("failed to revert header stage", zap.Error(err))
	}
}

func (s *Scheduler) complete(ctx context.Context, header domain.HeaderRecord, from domain.ProcessStage) (bool, error) {
	done, err := s.transition(ctx, header.ID, from, domain.StageCompleted, domain.FileStatusCompleted)
	if err == nil && done {
		s.logger.Info("file completed", zap.String("header_id", header.ID))
	}
	return done, err
}

// transition moves a header between stages with a conditional write guarded
// by the expected current stage. It reports false when the guard failed.
func (s *Scheduler) transition(ctx context.Context, headerID string, from, to domain.ProcessStage, status domain.FileStatus) (bool, error) {
	plan := store.NewUpdatePlan()
	plan.Set(domain.AttrProcessStage, typedvalue.String(string(to)))
	plan.Set(domain.AttrFileStatus, typedvalue.String(string(status)))
	processed := domain.FlagUnset
	if to == domain.StageCompleted {
		processed = domain.FlagSet
	}
	plan.Set(domain.AttrIsProcessed, processed)
	plan.Set(domain.AttrUpdatedDate, typedvalue.String(domain.FormatTimestamp(s.now())))

	err := s.store.UpdateItem(ctx, s.cfg.HeaderTable, headerID, plan,
		store.Equals(domain.AttrProcessStage, typedvalue.String(string(from))))
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to move header %s from %s to %s: %w", headerID, from, to, err)
	}
	return true, nil
}
