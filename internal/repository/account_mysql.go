package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/model"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = fmt.Errorf("account not found")

// MySQLAccountRepository implements AccountRepository using MySQL. The
// accounts table is owned by the registration service; this repository
// only reads it.
type MySQLAccountRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewMySQLAccountRepository creates a new MySQL account repository.
func NewMySQLAccountRepository(db *sql.DB, log *logrus.Logger) *MySQLAccountRepository {
	return &MySQLAccountRepository{db: db, log: log}
}

// GetAccountByID retrieves a registered account by its id.
func (r *MySQLAccountRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	query := `SELECT id, username, COALESCE(roblox_username, ''), created_at FROM accounts WHERE id = ? LIMIT 1`

	var account model.Account
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Username,
		&account.RobloxUsername,
		&account.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}

	return &account, nil
}

// Close closes the repository connection.
func (r *MySQLAccountRepository) Close() error {
	return r.db.Close()
}

var _ AccountRepository = (*MySQLAccountRepository)(nil)
