package ledger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/entitlement/internal/pagination"
	"github.com/merchantos/entitlement/internal/subscription"
)

func newTestService(t *testing.T) (*Service, *subscription.MemoryStore, *subscription.Subscription) {
	t.Helper()

	subs := subscription.NewMemoryStore()
	sub := &subscription.Subscription{
		ID:        "sub_test",
		SellerID:  "seller_1",
		PlanID:    "plan_pro",
		Status:    subscription.StatusActive,
		StartDate: time.Now(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, subs.Assign(context.Background(), sub))

	store := NewMemoryStore(subs)
	svc := NewService(store, subs, slog.New(slog.DiscardHandler))
	return svc, subs, sub
}

func TestCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	svc, subs, sub := newTestService(t)

	entry, err := svc.Credit(ctx, sub.ID, 50, "plan purchase", "pur_1", "purchase")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Seq)
	assert.Equal(t, int64(0), entry.BalanceBefore)
	assert.Equal(t, int64(50), entry.BalanceAfter)
	assert.Equal(t, "seller_1", entry.SellerID)

	entry, err = svc.Debit(ctx, sub.ID, 20, "promotion.create", "confirmed spend", "seller_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Seq)
	assert.Equal(t, int64(50), entry.BalanceBefore)
	assert.Equal(t, int64(30), entry.BalanceAfter)

	got, err := subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.TotalCreditsRemaining())
	assert.Equal(t, int64(50), got.TotalCredited)
	assert.Equal(t, int64(20), got.TotalDebited)
	assert.Equal(t, int64(2), got.LastSeq)
}

func TestDebitInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	svc, subs, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 10, "grant", "", "plan")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, sub.ID, 20, "promotion.create", "spend", "seller_1")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Balance untouched, no entry written.
	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(10), got.TotalCreditsRemaining())

	page, err := svc.History(ctx, sub.ID, pagination.Normalize(1, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestDebitSpendsAllocatedBeforeBonus(t *testing.T) {
	ctx := context.Background()
	svc, subs, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 30, "grant", "", "plan")
	require.NoError(t, err)
	_, err = svc.Bonus(ctx, sub.ID, 20, "top-up")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, sub.ID, 40, "bulk-upload.import", "spend", "seller_1")
	require.NoError(t, err)

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(30), got.CreditsUsed)
	assert.Equal(t, int64(10), got.BonusCredits)
	assert.Equal(t, int64(10), got.TotalCreditsRemaining())
}

func TestRefundRestoresDebit(t *testing.T) {
	ctx := context.Background()
	svc, subs, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 50, "grant", "", "plan")
	require.NoError(t, err)
	debit, err := svc.Debit(ctx, sub.ID, 20, "survey.create", "spend", "seller_1")
	require.NoError(t, err)

	entry, err := svc.Refund(ctx, sub.ID, 20, "survey.create", "reversal", debit.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), entry.BalanceBefore)
	assert.Equal(t, int64(50), entry.BalanceAfter)

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(50), got.TotalCreditsRemaining())
	assert.Equal(t, int64(0), got.CreditsUsed)
}

func TestRevokeBonusOnlyTouchesBonus(t *testing.T) {
	ctx := context.Background()
	svc, subs, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 50, "grant", "", "plan")
	require.NoError(t, err)
	_, err = svc.Bonus(ctx, sub.ID, 20, "top-up")
	require.NoError(t, err)

	entry, err := svc.RevokeBonus(ctx, sub.ID, 15, "clawback")
	require.NoError(t, err)
	assert.Equal(t, int64(70), entry.BalanceBefore)
	assert.Equal(t, int64(55), entry.BalanceAfter)

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(5), got.BonusCredits)
	assert.Equal(t, int64(50), got.CreditsRemaining())

	// Allocated credits are not revocable.
	_, err = svc.RevokeBonus(ctx, sub.ID, 10, "clawback")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestResetRegrantsCredits(t *testing.T) {
	ctx := context.Background()
	svc, subs, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 50, "grant", "", "plan")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, sub.ID, 30, "promotion.create", "spend", "seller_1")
	require.NoError(t, err)

	// A renewal reset is a credit: the balance goes up by the reset amount.
	entry, err := svc.Reset(ctx, sub.ID, 100, "renewal")
	require.NoError(t, err)
	assert.Equal(t, TypeReset, entry.Type)
	assert.Equal(t, int64(100), entry.Amount)
	assert.Equal(t, int64(20), entry.BalanceBefore)
	assert.Equal(t, int64(120), entry.BalanceAfter)

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(150), got.CreditsAllocated)
	assert.Equal(t, int64(120), got.TotalCreditsRemaining())
	assert.Equal(t, int64(150), got.TotalCredited)
	assert.Equal(t, int64(30), got.TotalDebited)
}

func TestResetRequiresPositiveAmount(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newTestService(t)

	_, err := svc.Reset(ctx, sub.ID, 0, "renewal")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Reset(ctx, sub.ID, -10, "renewal")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestInvalidAmount(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 0, "nothing", "", "plan")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Debit(ctx, sub.ID, -5, "x.y", "spend", "seller_1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestUnknownSubscription(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Credit(ctx, "sub_missing", 10, "grant", "", "plan")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

// Two concurrent debits of 30 against a balance of 40: exactly one must
// succeed and the final balance must be 10.
func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	svc, subs, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 40, "grant", "", "plan")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Debit(ctx, sub.ID, 30, "promotion.create", "spend", "seller_1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(10), got.TotalCreditsRemaining())
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 100, "grant", "", "plan")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = svc.Debit(ctx, sub.ID, 10, "promotion.create", "spend", "seller_1")
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, sub.ID, pagination.Normalize(1, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.Total)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, int64(6), page.Entries[0].Seq)
	assert.Equal(t, int64(5), page.Entries[1].Seq)
	assert.Equal(t, int64(50), page.Balance)
	assert.Equal(t, int64(100), page.TotalCredited)
	assert.Equal(t, int64(50), page.TotalDebited)

	page2, err := svc.History(ctx, sub.ID, pagination.Normalize(2, 3))
	require.NoError(t, err)
	require.Len(t, page2.Entries, 3)
	assert.Equal(t, int64(3), page2.Entries[0].Seq)
}

func TestAuditConsistency(t *testing.T) {
	ctx := context.Background()
	svc, _, sub := newTestService(t)

	_, err := svc.Credit(ctx, sub.ID, 100, "grant", "", "plan")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, sub.ID, 30, "promotion.create", "spend", "seller_1")
	require.NoError(t, err)
	_, err = svc.Bonus(ctx, sub.ID, 10, "top-up")
	require.NoError(t, err)
	_, err = svc.Reset(ctx, sub.ID, 40, "renewal")
	require.NoError(t, err)

	report, err := svc.Audit(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(120), report.Balance)
	assert.Equal(t, int64(150), report.Recomputed.TotalCredited)
	assert.Equal(t, int64(30), report.Recomputed.TotalDebited)
	assert.Equal(t, int64(4), report.Recomputed.Count)
}
