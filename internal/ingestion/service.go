package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/rowstage/internal/auth"
	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/metrics"
	"github.com/rpattn/rowstage/internal/repository"
	"github.com/rpattn/rowstage/internal/staging"
	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
	"github.com/rpattn/rowstage/internal/update"
)

var (
	// ErrInvalidInput marks caller errors. They are never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEmptyFile is returned when an upload has no data rows.
	ErrEmptyFile = errors.New("file is empty")
	// ErrRowNotFound is returned when an edited row does not exist.
	ErrRowNotFound = errors.New("row not found")
)

// IsValidation reports whether err is a caller error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyFile) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, staging.ErrMissingDomainName)
}

const payloadFileName = "api-payload"

// Tables names the staging and header tables.
type Tables struct {
	Staging string
	Header  string
}

// Service ingests files and payloads into the staging table and applies row
// edits.
type Service struct {
	store   store.Store
	writer  *staging.Writer
	builder *update.Builder
	logRepo repository.IngestionLogRepository
	tables  Tables
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewService creates a new ingestion service. logRepo may be nil.
func NewService(
	st store.Store,
	writer *staging.Writer,
	builder *update.Builder,
	logRepo repository.IngestionLogRepository,
	tables Tables,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   st,
		writer:  writer,
		builder: builder,
		logRepo: logRepo,
		tables:  tables,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// FileRequest describes a file upload.
type FileRequest struct {
	OrganizationID string
	UserID         string
	DomainName     string
	PolicyID       string
	FileName       string
	Data           io.Reader
}

// PayloadRequest carries a raw JSON ingest body.
type PayloadRequest struct {
	OrganizationID string
	UserID         string
	Body           []byte
}

// Summary is returned by both ingest calls.
type Summary struct {
	FileID        string           `json:"fileId"`
	FileName      string           `json:"fileName"`
	DomainName    string           `json:"domainName"`
	TotalRows     int              `json:"totalRows"`
	TotalInserted int              `json:"totalInserted"`
	Preview       []map[string]any `json:"preview"`
}

// EditResult describes an applied row edit.
type EditResult struct {
	RowID         string `json:"rowId"`
	ChangedFields int    `json:"changedFields"`
	Diff          string `json:"diff,omitempty"`
}

// IngestFile parses an uploaded CSV or XLSX file and stages its rows under a
// new header record.
func (s *Service) IngestFile(ctx context.Context, req FileRequest) (summary Summary, err error) {
	start := s.now()
	defer func() { s.observe("file", start, err) }()
	defer func() {
		if err != nil {
			s.logIngestionError(ctx, req.OrganizationID, req.DomainName, req.FileName, err)
		}
	}()

	if strings.TrimSpace(req.DomainName) == "" {
		return summary, fmt.Errorf("%w: domain name is required", ErrInvalidInput)
	}
	if req.Data == nil {
		return summary, fmt.Errorf("%w: data reader is required", ErrInvalidInput)
	}

	parsed, err := ParseFile(req.FileName, req.Data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return summary, err
		}
		return summary, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(parsed) == 0 {
		return summary, ErrEmptyFile
	}

	rows := make([]map[string]any, len(parsed))
	for i, row := range parsed {
		rows[i] = row
	}
	return s.stage(ctx, rows, domain.HeaderRecord{
		FileName:       req.FileName,
		DomainName:     strings.TrimSpace(req.DomainName),
		OrganizationID: req.OrganizationID,
		PolicyID:       req.PolicyID,
		UploadedBy:     req.UserID,
	})
}

// IngestPayload stages the single row carried by a JSON payload.
func (s *Service) IngestPayload(ctx context.Context, req PayloadRequest) (summary Summary, err error) {
	start := s.now()
	defer func() { s.observe("payload", start, err) }()

	payload, err := ParsePayload(req.Body)
	if err != nil {
		return summary, err
	}
	uploadedBy := payload.UploadedBy
	if uploadedBy == "" {
		uploadedBy = req.UserID
	}

	summary, err = s.stage(ctx, []map[string]any{payload.Row}, domain.HeaderRecord{
		FileName:       payloadFileName,
		DomainName:     payload.DomainName,
		OrganizationID: req.OrganizationID,
		PolicyID:       payload.PolicyID,
		UploadedBy:     uploadedBy,
	})
	if err != nil {
		s.logIngestionError(ctx, req.OrganizationID, payload.DomainName, payloadFileName, err)
	}
	return summary, err
}

// stage writes rows and then the header that owns them.
func (s *Service) stage(ctx context.Context, rows []map[string]any, header domain.HeaderRecord) (Summary, error) {
	now := s.now()
	header.ID = s.newID()

	result, err := s.writer.Insert(ctx, s.tables.Staging, rows, staging.Meta{
		OrganizationID: header.OrganizationID,
		PolicyID:       header.PolicyID,
		DomainName:     header.DomainName,
		FileID:         header.ID,
		UploadedBy:     header.UploadedBy,
		UploadedDate:   now,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to stage rows: %w", err)
	}

	header.TotalRowsCount = result.TotalInserted
	header.ProcessStage = domain.StageUnprocessed
	header.FileStatus = domain.FileStatusUploaded
	header.UploadedDate = now
	header.UpdatedDate = now
	if err := s.store.PutItem(ctx, s.tables.Header, header.Item()); err != nil {
		return Summary{}, fmt.Errorf("failed to create header record: %w", err)
	}

	s.logger.Info("ingested file",
		zap.String("file_id", header.ID),
		zap.String("file_name", header.FileName),
		zap.String("domain_name", header.DomainName),
		zap.Int("rows", result.TotalInserted),
	)
	return Summary{
		FileID:        header.ID,
		FileName:      header.FileName,
		DomainName:    header.DomainName,
		TotalRows:     len(rows),
		TotalInserted: result.TotalInserted,
		Preview:       result.Preview,
	}, nil
}

// UpdateRow applies desired column values to a staged row. A real change
// invalidates the row and sends its file back to UNPROCESSED; if the header
// cannot be reset the row edit is rolled back.
func (s *Service) UpdateRow(ctx context.Context, rowID string, desired map[string]any) (EditResult, error) {
	if strings.TrimSpace(rowID) == "" {
		return EditResult{}, fmt.Errorf("%w: row id is required", ErrInvalidInput)
	}
	desired, err := normalizeEdit(desired)
	if err != nil {
		return EditResult{}, err
	}

	current, ok, err := s.store.GetItem(ctx, s.tables.Staging, rowID)
	if err != nil {
		return EditResult{}, fmt.Errorf("failed to load row %s: %w", rowID, err)
	}
	if !ok {
		return EditResult{}, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	// Rows of another organization are reported as missing.
	if org, scoped := current.Text(domain.AttrOrganizationID); scoped {
		if err := auth.EnforceOrganizationScope(ctx, org); err != nil {
			return EditResult{}, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
		}
	}

	plan := s.builder.BuildUpdate(desired, current)
	result := EditResult{RowID: rowID, ChangedFields: plan.Changed}
	if plan.Empty() {
		return result, nil
	}

	exists := store.Equals(domain.AttrID, typedvalue.String(rowID))
	if err := s.store.UpdateItem(ctx, s.tables.Staging, rowID, plan, exists); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return EditResult{}, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
		}
		return EditResult{}, fmt.Errorf("failed to update row %s: %w", rowID, err)
	}
	after := plan.Apply(current)

	if fileID, _ := current.Text(domain.AttrFileID); fileID != "" {
		if err := s.resetHeader(ctx, fileID); err != nil {
			s.rollback(ctx, rowID, current, after)
			return EditResult{}, err
		}
	}

	result.Diff = domain.DiffRowSnapshots(domain.NewRowSnapshot(current), domain.NewRowSnapshot(after))
	return result, nil
}

// normalizeEdit maps edited column names onto their stored form. Two names
// that normalize to the same column are rejected.
func normalizeEdit(desired map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(desired))
	origin := make(map[string]string, len(desired))
	for _, key := range sortedKeys(desired) {
		name := domain.NormalizeColumnName(key)
		if name == "" {
			return nil, fmt.Errorf("%w: empty column name", ErrInvalidInput)
		}
		if domain.IsWorkflowAttr(name) {
			return nil, fmt.Errorf("%w: attribute %s cannot be edited", ErrInvalidInput, name)
		}
		if prev, dup := origin[name]; dup {
			return nil, fmt.Errorf("%w: columns %q and %q both map to %s", ErrInvalidInput, prev, key, name)
		}
		origin[name] = key
		out[name] = desired[key]
	}
	return out, nil
}

func (s *Service) resetHeader(ctx context.Context, fileID string) error {
	plan := s.builder.InvalidateHeader()
	err := s.store.UpdateItem(ctx, s.tables.Header, fileID, plan, store.Equals(domain.AttrID, typedvalue.String(fileID)))
	if errors.Is(err, store.ErrConditionFailed) {
		s.logger.Warn("header record missing for edited row", zap.String("file_id", fileID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reset header %s: %w", fileID, err)
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, rowID string, before, after typedvalue.Item) {
	plan := s.builder.BuildRollback(before, after)
	if plan.Empty() {
		return
	}
	if err := s.store.UpdateItem(ctx, s.tables.Staging, rowID, plan, nil); err != nil {
		s.logger.Error("failed to roll back row edit", zap.String("row_id", rowID), zap.Error(err))
	}
}

// IngestionLogs lists recorded failures. It returns nothing when no log
// repository is configured.
func (s *Service) IngestionLogs(ctx context.Context, organizationID, domainName, fileName string, limit, offset int) ([]domain.IngestionLogEntry, error) {
	if s.logRepo == nil {
		return []domain.IngestionLogEntry{}, nil
	}
	return s.logRepo.List(ctx, organizationID, domainName, fileName, limit, offset)
}

func (s *Service) observe(source string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if IsValidation(err) {
			result = "rejected"
		}
	}
	metrics.IngestRequests.WithLabelValues(source, result).Inc()
	metrics.IngestDuration.WithLabelValues(source).Observe(s.now().Sub(start).Seconds())
}

func (s *Service) logIngestionError(ctx context.Context, organizationID, domainName, fileName string, err error) {
	s.logger.Warn("ingest failed",
		zap.String("file_name", fileName),
		zap.String("domain_name", domainName),
		zap.Error(err),
	)
	if s.logRepo == nil || err == nil {
		return
	}
	entry := domain.IngestionLogEntry{
		OrganizationID: organizationID,
		DomainName:     domainName,
		FileName:       fileName,
		ErrorMessage:   err.Error(),
	}
	if recErr := s.logRepo.Record(ctx, entry); recErr != nil {
		s.logger.Error("failed to record ingestion log", zap.Error(recErr))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
