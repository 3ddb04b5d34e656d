package repository

import (
	"context"

	"byorlhub-license-api/internal/model"
)

// AccountRepository defines site account data access methods.
type AccountRepository interface {
	// GetAccountByID retrieves a registered account by its id.
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)

	// Close closes the repository connection.
	Close() error
}

// AuditLogRepository defines issuance audit trail access methods.
type AuditLogRepository interface {
	// RecordIssuance appends one issued key to the audit trail.
	RecordIssuance(ctx context.Context, entry model.IssuanceAudit) error

	// RecentIssuances returns the newest entries, most recent first.
	RecentIssuances(ctx context.Context, limit int) ([]model.IssuanceAudit, error)

	// Close closes the repository connection.
	Close() error
}
