// Package credits is the credit ledger: atomic deduction before metered work,
// compensating refunds, administrative resets and read-only reporting.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"genplane/internal/store"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientCredits is returned when the combined balance is below the cost.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("credit amount must be positive")
	// ErrPageOutOfRange is returned for pages whose offset cannot be represented.
	ErrPageOutOfRange = errors.New("page out of range")
)

// RefundPolicy decides which pool a refund is credited to.
type RefundPolicy string

const (
	// RefundPrimary credits the whole refund to the primary pool.
	RefundPrimary RefundPolicy = "primary"
	// RefundTracked returns to each pool exactly what was drawn from it.
	RefundTracked RefundPolicy = "tracked"
)

// ParseRefundPolicy maps a config value to a policy. Empty means primary.
func ParseRefundPolicy(s string) (RefundPolicy, error) {
	switch RefundPolicy(s) {
	case "", RefundPrimary:
		return RefundPrimary, nil
	case RefundTracked:
		return RefundTracked, nil
	default:
		return "", fmt.Errorf("unknown refund policy %q", s)
	}
}

// Deduction describes a successful TryDeduct. It is the input to Refund.
type Deduction struct {
	TransactionID uuid.UUID
	Amount        int64
	FromPrimary   int64
	FromSecondary int64
	Balance       int64
}

// Balance is a point-in-time view of an account.
type Balance struct {
	Primary   int64
	Secondary int64
}

func (b Balance) Total() int64 {
	return b.Primary + b.Secondary
}

// Page is one page of transaction history.
type Page struct {
	Transactions []store.CreditTransaction
	Page         int
	PageSize     int
}

const maxPageSize = 100

// maxPage keeps (page-1)*maxPageSize within an int32 OFFSET.
const maxPage = math.MaxInt32/maxPageSize + 1

type Ledger struct {
	store  store.LedgerStore
	policy RefundPolicy
}

func NewLedger(s store.LedgerStore, policy RefundPolicy) *Ledger {
	if policy == "" {
		policy = RefundPrimary
	}
	return &Ledger{store: s, policy: policy}
}

func (l *Ledger) Policy() RefundPolicy {
	return l.policy
}

// TryDeduct atomically removes amount from the user's balance, primary pool
// first. The check and the write are one storage operation.
func (l *Ledger) TryDeduct(ctx context.Context, userID uuid.UUID, amount int64, feature, description string) (Deduction, error) {
	if amount <= 0 {
		return Deduction{}, ErrInvalidAmount
	}

	entry, err := l.store.Deduct(ctx, userID, amount, feature, description)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return Deduction{}, ErrInsufficientCredits
		}
		return Deduction{}, fmt.Errorf("deduct %d credits: %w", amount, err)
	}

	return Deduction{
		TransactionID: entry.ID,
		Amount:        amount,
		FromPrimary:   -entry.PrimaryDelta,
		FromSecondary: -entry.SecondaryDelta,
		Balance:       entry.BalanceAfter,
	}, nil
}

// Refund reverses a prior deduction in full and returns the new total balance.
// Callers must invoke it at most once per deduction.
func (l *Ledger) Refund(ctx context.Context, userID uuid.UUID, d Deduction, feature, reason string) (int64, error) {
	if d.Amount <= 0 {
		return 0, ErrInvalidAmount
	}

	primary, secondary := d.Amount, int64(0)
	if l.policy == RefundTracked {
		primary, secondary = d.FromPrimary, d.FromSecondary
	}

	entry, err := l.store.Credit(ctx, userID, primary, secondary, feature, reason)
	if err != nil {
		return 0, fmt.Errorf("refund %d credits: %w", d.Amount, err)
	}
	return entry.BalanceAfter, nil
}

// SetBalance overwrites both pools.
func (l *Ledger) SetBalance(ctx context.Context, userID uuid.UUID, primary, secondary int64, reason string) (Balance, error) {
	if primary < 0 || secondary < 0 {
		return Balance{}, ErrInvalidAmount
	}
	if _, err := l.store.SetBalance(ctx, userID, primary, secondary, reason); err != nil {
		return Balance{}, fmt.Errorf("set balance: %w", err)
	}
	return Balance{Primary: primary, Secondary: secondary}, nil
}

// Balance returns a zero balance for users that never held credits.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, nil
		}
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return Balance{Primary: account.PrimaryBalance, Secondary: account.SecondaryBalance}, nil
}

// History pages through the transaction log, newest first. page is 1-based.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page > maxPage {
		return Page{}, ErrPageOutOfRange
	}

	txs, err := l.store.ListTransactions(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list transactions: %w", err)
	}
	if txs == nil {
		txs = []store.CreditTransaction{}
	}
	return Page{Transactions: txs, Page: page, PageSize: pageSize}, nil
}

func (l *Ledger) UsageByFeature(ctx context.Context, userID uuid.UUID) ([]store.FeatureUsage, error) {
	usage, err := l.store.UsageByFeature(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("usage by feature: %w", err)
	}
	if usage == nil {
		usage = []store.FeatureUsage{}
	}
	return usage, nil
}
