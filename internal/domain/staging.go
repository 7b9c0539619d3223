package domain

import (
	"fmt"
	"time"

	"github.com/rpattn/rowstage/internal/typedvalue"
)

// Workflow attributes carried by every staging row.
const (
	AttrID             = "id"
	AttrOrganizationID = "organization_id"
	AttrPolicyID       = "policy_id"
	AttrDomainName     = "domain_name"
	AttrFileID         = "file_id"
	AttrUploadedBy     = "uploaded_by"
	AttrUploadedDate   = "uploaded_date"
	AttrUpdatedDate    = "updated_date"
	AttrIsProcessed    = "is_processed"
	AttrIsHandled      = "is_handled"
	AttrClaimedAt      = "claimed_at"
	AttrProcessedAt    = "processed_at"
)

// Header record attributes.
const (
	AttrFileName       = "file_name"
	AttrTotalRowsCount = "total_rows_count"
	AttrProcessStage   = "process_stage"
	AttrFileStatus     = "file_status"
)

// ProcessStage tracks a file through the scheduler.
type ProcessStage string

const (
	StageUnprocessed ProcessStage = "UNPROCESSED"
	StageProcessing  ProcessStage = "PROCESSING"
	StageCompleted   ProcessStage = "COMPLETED"
)

// FileStatus is the coarse upload status shown to users.
type FileStatus string

const (
	FileStatusUploaded   FileStatus = "UPLOADED"
	FileStatusDispatched FileStatus = "DISPATCHED"
	FileStatusCompleted  FileStatus = "COMPLETED"
	FileStatusFailed     FileStatus = "FAILED"
)

// Flag values for is_handled / is_processed.
var (
	FlagUnset = typedvalue.IntNumber(0)
	FlagSet   = typedvalue.IntNumber(1)
)

// TimestampLayout is the text form used for every stored timestamp.
const TimestampLayout = time.RFC3339Nano

// FormatTimestamp renders t in the stored form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// workflowAttrs are excluded from StagingRow.Columns.
var workflowAttrs = map[string]struct{}{
	AttrID: {}, AttrOrganizationID: {}, AttrPolicyID: {}, AttrDomainName: {},
	AttrFileID: {}, AttrUploadedBy: {}, AttrUploadedDate: {}, AttrUpdatedDate: {},
	AttrIsProcessed: {}, AttrIsHandled: {}, AttrClaimedAt: {}, AttrProcessedAt: {},
}

// IsWorkflowAttr reports whether name is bookkeeping rather than row content.
func IsWorkflowAttr(name string) bool {
	_, ok := workflowAttrs[name]
	return ok
}

// StagingRow is a decoded view of one ingested record.
type StagingRow struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	PolicyID       string         `json:"policy_id,omitempty"`
	DomainName     string         `json:"domain_name"`
	FileID         string         `json:"file_id,omitempty"`
	UploadedBy     string         `json:"uploaded_by,omitempty"`
	UploadedDate   string         `json:"uploaded_date,omitempty"`
	IsHandled      bool           `json:"is_handled"`
	IsProcessed    bool           `json:"is_processed"`
	ClaimedAt      string         `json:"claimed_at,omitempty"`
	ProcessedAt    string         `json:"processed_at,omitempty"`
	Columns        map[string]any `json:"columns"`
}

// StagingRowFromItem decodes a stored item.
func StagingRowFromItem(item typedvalue.Item) StagingRow {
	row := StagingRow{Columns: map[string]any{}}
	row.ID, _ = item.Text(AttrID)
	row.OrganizationID, _ = item.Text(AttrOrganizationID)
	row.PolicyID, _ = item.Text(AttrPolicyID)
	row.DomainName, _ = item.Text(AttrDomainName)
	row.FileID, _ = item.Text(AttrFileID)
	row.UploadedBy, _ = item.Text(AttrUploadedBy)
	row.UploadedDate, _ = item.Text(AttrUploadedDate)
	row.ClaimedAt, _ = item.Text(AttrClaimedAt)
	row.ProcessedAt, _ = item.Text(AttrProcessedAt)
	row.IsHandled = flagSet(item[AttrIsHandled])
	row.IsProcessed = flagSet(item[AttrIsProcessed])
	for key, value := range item {
		if IsWorkflowAttr(key) {
			continue
		}
		row.Columns[key] = typedvalue.Decode(value)
	}
	return row
}

func flagSet(v typedvalue.Value) bool {
	return typedvalue.Equal(v, FlagSet)
}

// HeaderRecord is the per-file bookkeeping record owned by the scheduler.
type HeaderRecord struct {
	ID             string       `json:"id"`
	FileName       string       `json:"file_name"`
	DomainName     string       `json:"domain_name"`
	OrganizationID string       `json:"organization_id,omitempty"`
	PolicyID       string       `json:"policy_id,omitempty"`
	UploadedBy     string       `json:"uploaded_by,omitempty"`
	TotalRowsCount int          `json:"total_rows_count"`
	ProcessStage   ProcessStage `json:"process_stage"`
	FileStatus     FileStatus   `json:"file_status"`
	IsProcessed    bool         `json:"is_processed"`
	UploadedDate   time.Time    `json:"uploaded_date"`
	UpdatedDate    time.Time    `json:"updated_date"`
}

// Item renders the header for storage. The header id doubles as the file id
// stamped on its rows.
func (h HeaderRecord) Item() typedvalue.Item {
	item := typedvalue.Item{
		AttrID:             typedvalue.String(h.ID),
		AttrFileID:         typedvalue.String(h.ID),
		AttrFileName:       typedvalue.Encode(h.FileName),
		AttrDomainName:     typedvalue.String(h.DomainName),
		AttrTotalRowsCount: typedvalue.IntNumber(int64(h.TotalRowsCount)),
		AttrProcessStage:   typedvalue.String(string(h.ProcessStage)),
		AttrFileStatus:     typedvalue.String(string(h.FileStatus)),
		AttrIsProcessed:    FlagUnset,
		AttrUploadedDate:   typedvalue.String(FormatTimestamp(h.UploadedDate)),
		AttrUpdatedDate:    typedvalue.String(FormatTimestamp(h.UpdatedDate)),
	}
	if h.IsProcessed {
		item[AttrIsProcessed] = FlagSet
	}
	if h.OrganizationID != "" {
		item[AttrOrganizationID] = typedvalue.String(h.OrganizationID)
	}
	if h.PolicyID != "" {
		item[AttrPolicyID] = typedvalue.String(h.PolicyID)
	}
	if h.UploadedBy != "" {
		item[AttrUploadedBy] = typedvalue.String(h.UploadedBy)
	}
	return item
}

// HeaderRecordFromItem decodes a stored header.
func HeaderRecordFromItem(item typedvalue.Item) (HeaderRecord, error) {
	var h HeaderRecord
	var ok bool
	if h.ID, ok = item.Text(AttrID); !ok {
		return HeaderRecord{}, fmt.Errorf("header record missing %s", AttrID)
	}
	h.FileName, _ = item.Text(AttrFileName)
	h.DomainName, _ = item.Text(AttrDomainName)
	h.OrganizationID, _ = item.Text(AttrOrganizationID)
	h.PolicyID, _ = item.Text(AttrPolicyID)
	h.UploadedBy, _ = item.Text(AttrUploadedBy)
	stage, _ := item.Text(AttrProcessStage)
	h.ProcessStage = ProcessStage(stage)
	status, _ := item.Text(AttrFileStatus)
	h.FileStatus = FileStatus(status)
	h.IsProcessed = flagSet(item[AttrIsProcessed])
	if n, found := item.Num(AttrTotalRowsCount); found {
		if v, isInt := n.Int64(); isInt {
			h.TotalRowsCount = int(v)
		}
	}
	h.UploadedDate = parseTimestamp(item, AttrUploadedDate)
	h.UpdatedDate = parseTimestamp(item, AttrUpdatedDate)
	return h, nil
}

func parseTimestamp(item typedvalue.Item, attr string) time.Time {
	text, ok := item.Text(attr)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(TimestampLayout, text)
	if err != nil {
		return time.Time{}
	}
	return ts
}
