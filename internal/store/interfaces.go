package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// ErrInsufficientBalance is returned by LedgerStore.Deduct when the combined
// balance is lower than the requested amount (or the account does not exist).
var ErrInsufficientBalance = errors.New("insufficient balance")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// UserStore resolves callers for authentication.
type UserStore interface {
	// CreateUser inserts a new user with the hash of their API key.
	CreateUser(ctx context.Context, user *User, hashedKey string) error

	// GetUserByAPIKeyHash returns a user by API key hash.
	GetUserByAPIKeyHash(ctx context.Context, hash string) (*User, error)
}

// LedgerStore persists credit accounts and their transaction log.
// Every mutating method writes exactly one CreditTransaction in the same
// database transaction as the balance change.
type LedgerStore interface {
	// Deduct subtracts amount with a single conditional update, draining the
	// primary pool before the secondary one. Returns ErrInsufficientBalance
	// without side effects when the combined balance is short.
	Deduct(ctx context.Context, userID uuid.UUID, amount int64, feature, description string) (*CreditTransaction, error)

	// Credit unconditionally adds to each pool and records an adjustment.
	Credit(ctx context.Context, userID uuid.UUID, primary, secondary int64, feature, description string) (*CreditTransaction, error)

	// SetBalance overwrites both pools and records a set transaction.
	SetBalance(ctx context.Context, userID uuid.UUID, primary, secondary int64, description string) (*CreditTransaction, error)

	// GetAccount returns sql.ErrNoRows when the user has never held credits.
	GetAccount(ctx context.Context, userID uuid.UUID) (*CreditAccount, error)

	// ListTransactions returns newest first.
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]CreditTransaction, error)

	// UsageByFeature sums deductions per feature tag.
	UsageByFeature(ctx context.Context, userID uuid.UUID) ([]FeatureUsage, error)
}
