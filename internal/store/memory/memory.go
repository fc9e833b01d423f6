// Package memory implements the store interfaces in process memory.
// It backs local development and tests; data does not survive a restart.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"genplane/internal/store"

	"github.com/google/uuid"
)

// Store is a mutex-guarded implementation of store.UserStore and store.LedgerStore.
type Store struct {
	mu           sync.Mutex
	users        map[string]store.User // keyed by API key hash
	accounts     map[uuid.UUID]*store.CreditAccount
	transactions map[uuid.UUID][]store.CreditTransaction
	now          func() time.Time
}

func New() *Store {
	return &Store{
		users:        make(map[string]store.User),
		accounts:     make(map[uuid.UUID]*store.CreditAccount),
		transactions: make(map[uuid.UUID][]store.CreditTransaction),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user *store.User, hashedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[hashedKey] = *user
	return nil
}

func (s *Store) GetUserByAPIKeyHash(ctx context.Context, hash string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[hash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

// Deduct checks and mutates under one lock acquisition, the in-memory
// equivalent of the conditional UPDATE in the postgres store.
func (s *Store) Deduct(ctx context.Context, userID uuid.UUID, amount int64, feature, description string) (*store.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok || a.Total() < amount {
		return nil, store.ErrInsufficientBalance
	}

	fromPrimary := min(a.PrimaryBalance, amount)
	fromSecondary := amount - fromPrimary
	a.PrimaryBalance -= fromPrimary
	a.SecondaryBalance -= fromSecondary
	a.UpdatedAt = s.now()

	return s.appendLocked(store.CreditTransaction{
		UserID:         userID,
		Type:           store.TransactionDeduction,
		Amount:         -amount,
		PrimaryDelta:   -fromPrimary,
		SecondaryDelta: -fromSecondary,
		BalanceAfter:   a.Total(),
		Feature:        feature,
		Description:    description,
	}), nil
}

func (s *Store) Credit(ctx context.Context, userID uuid.UUID, primary, secondary int64, feature, description string) (*store.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.accountLocked(userID)
	a.PrimaryBalance += primary
	a.SecondaryBalance += secondary
	a.UpdatedAt = s.now()

	return s.appendLocked(store.CreditTransaction{
		UserID:         userID,
		Type:           store.TransactionAdjustment,
		Amount:         primary + secondary,
		PrimaryDelta:   primary,
		SecondaryDelta: secondary,
		BalanceAfter:   a.Total(),
		Feature:        feature,
		Description:    description,
	}), nil
}

func (s *Store) SetBalance(ctx context.Context, userID uuid.UUID, primary, secondary int64, description string) (*store.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.accountLocked(userID)
	oldPrimary, oldSecondary := a.PrimaryBalance, a.SecondaryBalance
	a.PrimaryBalance = primary
	a.SecondaryBalance = secondary
	a.UpdatedAt = s.now()

	return s.appendLocked(store.CreditTransaction{
		UserID:         userID,
		Type:           store.TransactionSet,
		Amount:         (primary + secondary) - (oldPrimary + oldSecondary),
		PrimaryDelta:   primary - oldPrimary,
		SecondaryDelta: secondary - oldSecondary,
		BalanceAfter:   a.Total(),
		Feature:        "admin",
		Description:    description,
	}), nil
}

func (s *Store) GetAccount(ctx context.Context, userID uuid.UUID) (*store.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]store.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.transactions[userID]
	if offset < 0 || offset >= len(all) {
		return nil, nil
	}
	var out []store.CreditTransaction
	// stored oldest first, returned newest first
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) UsageByFeature(ctx context.Context, userID uuid.UUID) ([]store.FeatureUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byFeature := make(map[string]*store.FeatureUsage)
	for _, t := range s.transactions[userID] {
		if t.Type != store.TransactionDeduction {
			continue
		}
		u, ok := byFeature[t.Feature]
		if !ok {
			u = &store.FeatureUsage{Feature: t.Feature}
			byFeature[t.Feature] = u
		}
		u.Credits += -t.Amount
		u.Count++
	}

	usage := make([]store.FeatureUsage, 0, len(byFeature))
	for _, u := range byFeature {
		usage = append(usage, *u)
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Credits != usage[j].Credits {
			return usage[i].Credits > usage[j].Credits
		}
		return usage[i].Feature < usage[j].Feature
	})
	return usage, nil
}

func (s *Store) accountLocked(userID uuid.UUID) *store.CreditAccount {
	a, ok := s.accounts[userID]
	if !ok {
		a = &store.CreditAccount{UserID: userID}
		s.accounts[userID] = a
	}
	return a
}

func (s *Store) appendLocked(t store.CreditTransaction) *store.CreditTransaction {
	t.ID = uuid.New()
	t.CreatedAt = s.now()
	s.transactions[t.UserID] = append(s.transactions[t.UserID], t)
	return &t
}
