package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// SQLiteAuditLogRepository implements AuditLogRepository using SQLite.
// WAL mode keeps concurrent reads cheap while issuance writes trickle in.
type SQLiteAuditLogRepository struct {
	db  *sql.DB
	log *logrus.Logger
	mu  sync.Mutex
}

// NewSQLiteAuditLogRepository creates a new SQLite audit log repository.
// dbPath is the path to the SQLite database file (e.g., "./data/audit.db").
func NewSQLiteAuditLogRepository(dbPath string, log *logrus.Logger) (*SQLiteAuditLogRepository, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := createAuditTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Infof("[AuditLogRepository] Initialized with database: %s", dbPath)
	return &SQLiteAuditLogRepository{db: db, log: log}, nil
}

func createAuditTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS issuance_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key TEXT NOT NULL,
		username TEXT NOT NULL,
		product_id TEXT NOT NULL,
		transaction_id TEXT DEFAULT '',
		claim_method TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		expiry_date DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_audit_username ON issuance_audit(username);
	CREATE INDEX IF NOT EXISTS idx_audit_issued_at ON issuance_audit(issued_at);
	`
	_, err := db.Exec(query)
	return err
}

// RecordIssuance appends one issued key to the audit trail.
func (r *SQLiteAuditLogRepository) RecordIssuance(ctx context.Context, entry model.IssuanceAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `
		INSERT INTO issuance_audit (license_key, username, product_id, transaction_id, claim_method, issued_at, expiry_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	var expiry interface{}
	if !entry.ExpiryDate.IsZero() {
		expiry = entry.ExpiryDate.UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		entry.Key,
		entry.Username,
		entry.ProductID,
		entry.TransactionID,
		entry.ClaimMethod,
		entry.IssuedAt.UTC(),
		expiry,
	)
	if err != nil {
		return fmt.Errorf("failed to record issuance: %w", err)
	}
	return nil
}

// RecentIssuances returns the newest entries, most recent first.
func (r *SQLiteAuditLogRepository) RecentIssuances(ctx context.Context, limit int) ([]model.IssuanceAudit, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, license_key, username, product_id, transaction_id, claim_method, issued_at, expiry_date
		FROM issuance_audit
		ORDER BY id DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []model.IssuanceAudit
	for rows.Next() {
		var entry model.IssuanceAudit
		var issuedAt time.Time
		var expiry sql.NullTime
		if err := rows.Scan(
			&entry.ID,
			&entry.Key,
			&entry.Username,
			&entry.ProductID,
			&entry.TransactionID,
			&entry.ClaimMethod,
			&issuedAt,
			&expiry,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entry.IssuedAt = issuedAt
		if expiry.Valid {
			entry.ExpiryDate = expiry.Time
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit rows: %w", err)
	}

	return entries, nil
}

// Close closes the repository connection.
func (r *SQLiteAuditLogRepository) Close() error {
	return r.db.Close()
}

var _ AuditLogRepository = (*SQLiteAuditLogRepository)(nil)
