// Package store contains the database layer for genplane.
package store

import (
	"time"

	"github.com/google/uuid"
)

// User is the authenticated caller. Profile data lives in the social backend;
// only the API key hash needed for request authentication is kept here.
type User struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// CreditAccount holds a user's spendable credits in two pools.
// The primary pool (subscription credits) is always drained before the
// secondary pool (purchased packs).
type CreditAccount struct {
	UserID           uuid.UUID
	PrimaryBalance   int64
	SecondaryBalance int64
	UpdatedAt        time.Time
}

// Total returns the spendable balance across both pools.
func (a CreditAccount) Total() int64 {
	return a.PrimaryBalance + a.SecondaryBalance
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionDeduction  TransactionType = "deduction"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionSet        TransactionType = "set"
)

// CreditTransaction is an immutable, append-only ledger row.
// Amount is signed: deductions are negative, adjustments positive.
type CreditTransaction struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Type           TransactionType
	Amount         int64
	PrimaryDelta   int64
	SecondaryDelta int64
	BalanceAfter   int64
	Feature        string
	Description    string
	CreatedAt      time.Time
}

// FeatureUsage aggregates deducted credits by feature tag.
type FeatureUsage struct {
	Feature string
	Credits int64
	Count   int64
}
