package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"genplane/internal/store"

	"github.com/google/uuid"
)

// Deduct runs the conditional debit and the ledger insert in one transaction.
// The UPDATE re-checks the balance predicate against the latest row version,
// so concurrent deductions for the same user can never both pass it.
func (s *Store) Deduct(ctx context.Context, userID uuid.UUID, amount int64, feature, description string) (*store.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		WITH prior AS (
			SELECT user_id, primary_balance
			FROM credit_accounts
			WHERE user_id = $1
			FOR UPDATE
		)
		UPDATE credit_accounts a
		SET primary_balance   = a.primary_balance - LEAST(a.primary_balance, $2::bigint),
		    secondary_balance = a.secondary_balance - ($2::bigint - LEAST(a.primary_balance, $2::bigint)),
		    updated_at        = NOW()
		FROM prior
		WHERE a.user_id = prior.user_id
		  AND a.primary_balance + a.secondary_balance >= $2::bigint
		RETURNING a.primary_balance, a.secondary_balance, LEAST(prior.primary_balance, $2::bigint)
	`

	var newPrimary, newSecondary, fromPrimary int64
	err = tx.QueryRowContext(ctx, query, userID, amount).Scan(&newPrimary, &newSecondary, &fromPrimary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInsufficientBalance
		}
		return nil, fmt.Errorf("deduct credits for %s: %w", userID, err)
	}

	entry := &store.CreditTransaction{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           store.TransactionDeduction,
		Amount:         -amount,
		PrimaryDelta:   -fromPrimary,
		SecondaryDelta: -(amount - fromPrimary),
		BalanceAfter:   newPrimary + newSecondary,
		Feature:        feature,
		Description:    description,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit adds to both pools, creating the account row when missing.
func (s *Store) Credit(ctx context.Context, userID uuid.UUID, primary, secondary int64, feature, description string) (*store.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO credit_accounts (user_id, primary_balance, secondary_balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET primary_balance   = credit_accounts.primary_balance + EXCLUDED.primary_balance,
		    secondary_balance = credit_accounts.secondary_balance + EXCLUDED.secondary_balance,
		    updated_at        = NOW()
		RETURNING primary_balance, secondary_balance
	`

	var newPrimary, newSecondary int64
	if err := tx.QueryRowContext(ctx, query, userID, primary, secondary).Scan(&newPrimary, &newSecondary); err != nil {
		return nil, fmt.Errorf("credit %s: %w", userID, err)
	}

	entry := &store.CreditTransaction{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           store.TransactionAdjustment,
		Amount:         primary + secondary,
		PrimaryDelta:   primary,
		SecondaryDelta: secondary,
		BalanceAfter:   newPrimary + newSecondary,
		Feature:        feature,
		Description:    description,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// SetBalance overwrites both pools. The recorded amount is the net change.
func (s *Store) SetBalance(ctx context.Context, userID uuid.UUID, primary, secondary int64, description string) (*store.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var oldPrimary, oldSecondary int64
	err = tx.QueryRowContext(ctx,
		"SELECT primary_balance, secondary_balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE",
		userID,
	).Scan(&oldPrimary, &oldSecondary)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock account %s: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, primary_balance, secondary_balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET primary_balance = EXCLUDED.primary_balance,
		    secondary_balance = EXCLUDED.secondary_balance,
		    updated_at = NOW()
	`, userID, primary, secondary)
	if err != nil {
		return nil, fmt.Errorf("set balance for %s: %w", userID, err)
	}

	entry := &store.CreditTransaction{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           store.TransactionSet,
		Amount:         (primary + secondary) - (oldPrimary + oldSecondary),
		PrimaryDelta:   primary - oldPrimary,
		SecondaryDelta: secondary - oldSecondary,
		BalanceAfter:   primary + secondary,
		Feature:        "admin",
		Description:    description,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) GetAccount(ctx context.Context, userID uuid.UUID) (*store.CreditAccount, error) {
	query := "SELECT user_id, primary_balance, secondary_balance, updated_at FROM credit_accounts WHERE user_id = $1"

	var a store.CreditAccount
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&a.UserID, &a.PrimaryBalance, &a.SecondaryBalance, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]store.CreditTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, primary_delta, secondary_delta, balance_after, feature, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.CreditTransaction
	for rows.Next() {
		var e store.CreditTransaction
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Type, &e.Amount, &e.PrimaryDelta, &e.SecondaryDelta,
			&e.BalanceAfter, &e.Feature, &e.Description, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *Store) UsageByFeature(ctx context.Context, userID uuid.UUID) ([]store.FeatureUsage, error) {
	query := `
		SELECT feature, SUM(-amount), COUNT(*)
		FROM credit_transactions
		WHERE user_id = $1 AND type = $2
		GROUP BY feature
		ORDER BY SUM(-amount) DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, store.TransactionDeduction)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []store.FeatureUsage
	for rows.Next() {
		var u store.FeatureUsage
		if err := rows.Scan(&u.Feature, &u.Credits, &u.Count); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}

	return usage, rows.Err()
}

func insertTransaction(ctx context.Context, executor store.DBTransaction, e *store.CreditTransaction) error {
	_, err := executor.ExecContext(ctx, `
		INSERT INTO credit_transactions
			(id, user_id, type, amount, primary_delta, secondary_delta, balance_after, feature, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		e.ID, e.UserID, e.Type, e.Amount, e.PrimaryDelta, e.SecondaryDelta,
		e.BalanceAfter, e.Feature, e.Description, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append credit transaction: %w", err)
	}
	return nil
}
