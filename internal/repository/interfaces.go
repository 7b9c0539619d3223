package repository

import (
	"context"

	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/store"
)

// IngestionLogRepository stores ingestion errors for observability.
type IngestionLogRepository interface {
	Record(ctx context.Context, entry domain.IngestionLogEntry) error
	List(ctx context.Context, organizationID string, domainName string, fileName string, limit int, offset int) ([]domain.IngestionLogEntry, error)
}

// TableProvisioner creates item tables by name.
type TableProvisioner interface {
	EnsureTable(ctx context.Context, table string) error
}

// ItemStore is a store.Store that can also create its own tables.
type ItemStore interface {
	store.Store
	TableProvisioner
}
