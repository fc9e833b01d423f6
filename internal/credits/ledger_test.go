package credits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"genplane/internal/store"
	"genplane/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, policy RefundPolicy, primary, secondary int64) (*Ledger, *memory.Store, uuid.UUID) {
	t.Helper()
	s := memory.New()
	l := NewLedger(s, policy)
	userID := uuid.New()
	_, err := l.SetBalance(context.Background(), userID, primary, secondary, "seed")
	require.NoError(t, err)
	return l, s, userID
}

func TestTryDeduct_NoDoubleSpend(t *testing.T) {
	cases := []struct {
		balance, cost int64
		callers       int
	}{
		{balance: 160, cost: 160, callers: 10},
		{balance: 1000, cost: 160, callers: 50},
		{balance: 159, cost: 160, callers: 8},
		{balance: 10000, cost: 7, callers: 2000},
	}

	for _, tc := range cases {
		l, _, userID := seeded(t, RefundPrimary, tc.balance, 0)
		ctx := context.Background()

		var ok, insufficient atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < tc.callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.TryDeduct(ctx, userID, tc.cost, "image_to_video", "")
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrInsufficientCredits):
					insufficient.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		want := min(tc.balance/tc.cost, int64(tc.callers))
		assert.Equal(t, want, ok.Load(), "balance=%d cost=%d", tc.balance, tc.cost)
		assert.Equal(t, int64(tc.callers)-want, insufficient.Load())

		b, err := l.Balance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tc.balance-want*tc.cost, b.Total())
	}
}

func TestTryDeduct_InvalidAmount(t *testing.T) {
	l, _, userID := seeded(t, RefundPrimary, 100, 0)
	_, err := l.TryDeduct(context.Background(), userID, 0, "f", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.TryDeduct(context.Background(), userID, -5, "f", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTryDeduct_DrainsPrimaryBeforeSecondary(t *testing.T) {
	l, _, userID := seeded(t, RefundPrimary, 100, 200)
	ctx := context.Background()

	d, err := l.TryDeduct(ctx, userID, 60, "f", "")
	require.NoError(t, err)
	assert.Equal(t, int64(60), d.FromPrimary)
	assert.Equal(t, int64(0), d.FromSecondary)

	d, err = l.TryDeduct(ctx, userID, 60, "f", "")
	require.NoError(t, err)
	assert.Equal(t, int64(40), d.FromPrimary)
	assert.Equal(t, int64(20), d.FromSecondary)
	assert.Equal(t, int64(180), d.Balance)

	b, err := l.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, Balance{Primary: 0, Secondary: 180}, b)
}

func TestRefund_PrimaryPolicy(t *testing.T) {
	l, _, userID := seeded(t, RefundPrimary, 100, 100)
	ctx := context.Background()

	d, err := l.TryDeduct(ctx, userID, 160, "image_to_video", "")
	require.NoError(t, err)

	total, err := l.Refund(ctx, userID, d, "image_to_video", "stage 2 failed")
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)

	// the whole refund lands in primary, so the pool split shifts
	b, err := l.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, Balance{Primary: 160, Secondary: 40}, b)
}

func TestRefund_TrackedPolicy(t *testing.T) {
	l, _, userID := seeded(t, RefundTracked, 100, 100)
	ctx := context.Background()

	d, err := l.TryDeduct(ctx, userID, 160, "image_to_video", "")
	require.NoError(t, err)

	total, err := l.Refund(ctx, userID, d, "image_to_video", "stage 2 failed")
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)

	b, err := l.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, Balance{Primary: 100, Secondary: 100}, b)
}

func TestRefund_WritesOneAdjustment(t *testing.T) {
	l, _, userID := seeded(t, RefundPrimary, 160, 0)
	ctx := context.Background()

	d, err := l.TryDeduct(ctx, userID, 160, "image_to_video", "")
	require.NoError(t, err)
	_, err = l.Refund(ctx, userID, d, "image_to_video", "stage 1 failed")
	require.NoError(t, err)

	page, err := l.History(ctx, userID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	assert.Equal(t, store.TransactionAdjustment, page.Transactions[0].Type)
	assert.Equal(t, int64(160), page.Transactions[0].Amount)
	assert.Equal(t, "stage 1 failed", page.Transactions[0].Description)
	assert.Equal(t, store.TransactionDeduction, page.Transactions[1].Type)
	assert.Equal(t, int64(-160), page.Transactions[1].Amount)
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	l := NewLedger(memory.New(), RefundPrimary)
	b, err := l.Balance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Total())
}

func TestHistory_ClampsPaging(t *testing.T) {
	l, _, userID := seeded(t, RefundPrimary, 10, 0)
	page, err := l.History(context.Background(), userID, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, maxPageSize, page.PageSize)
	assert.Len(t, page.Transactions, 1)

	_, err = l.History(context.Background(), userID, 500000000000000001, 20)
	assert.ErrorIs(t, err, ErrPageOutOfRange)

	last, err := l.History(context.Background(), userID, maxPage, maxPageSize)
	require.NoError(t, err)
	assert.Empty(t, last.Transactions)
}

func TestSetBalance_RejectsNegative(t *testing.T) {
	l := NewLedger(memory.New(), RefundPrimary)
	_, err := l.SetBalance(context.Background(), uuid.New(), -1, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestParseRefundPolicy(t *testing.T) {
	p, err := ParseRefundPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RefundPrimary, p)

	p, err = ParseRefundPolicy("tracked")
	require.NoError(t, err)
	assert.Equal(t, RefundTracked, p)

	_, err = ParseRefundPolicy("split")
	assert.Error(t, err)
}
