package domain

import (
	"time"

	"github.com/google/uuid"
)

// IngestionLogEntry captures an ingest call that was rejected or failed.
type IngestionLogEntry struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	DomainName     string    `json:"domain_name"`
	FileName       string    `json:"file_name"`
	RowNumber      *int      `json:"row_number,omitempty"`
	ErrorMessage   string    `json:"error_message"`
	CreatedAt      time.Time `json:"created_at"`
}
