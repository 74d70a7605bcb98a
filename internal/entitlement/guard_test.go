package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/entitlement/internal/ledger"
	"github.com/merchantos/entitlement/internal/plan"
	"github.com/merchantos/entitlement/internal/subscription"
)

type fakePlans struct {
	p *plan.Plan
}

func (f *fakePlans) Get(_ context.Context, planID string) (*plan.Plan, error) {
	if f.p == nil || f.p.ID != planID {
		return nil, plan.ErrPlanNotFound
	}
	return f.p, nil
}

func newTestGuard(t *testing.T, balance int64) (*Guard, *subscription.MemoryStore, *subscription.Subscription) {
	t.Helper()
	ctx := context.Background()

	subs := subscription.NewMemoryStore()
	sub := &subscription.Subscription{
		ID:        "sub_guard",
		SellerID:  "seller_1",
		PlanID:    "plan_pro",
		Status:    subscription.StatusActive,
		StartDate: time.Now(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, subs.Assign(ctx, sub))

	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(subs), subs, slog.New(slog.DiscardHandler))
	if balance > 0 {
		_, err := ledgerSvc.Credit(ctx, sub.ID, balance, "grant", "", "plan")
		require.NoError(t, err)
	}

	g := NewGuard(subs, &fakePlans{p: testPlan(t)}, ledgerSvc, slog.New(slog.DiscardHandler))
	return g, subs, sub
}

func TestBeginStates(t *testing.T) {
	ctx := context.Background()

	t.Run("module access confirms immediately", func(t *testing.T) {
		g, _, _ := newTestGuard(t, 0)
		sess, err := g.Begin(ctx, "seller_1", "dashboard", "view", "")
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, sess.State)
		assert.True(t, sess.Decision.IsModuleAccess)
	})

	t.Run("affordable metered action awaits confirmation", func(t *testing.T) {
		g, _, _ := newTestGuard(t, 50)
		sess, err := g.Begin(ctx, "seller_1", "promotion", "create", "")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingConfirmation, sess.State)
		assert.Equal(t, int64(20), sess.Decision.CreditCost)
		assert.Equal(t, int64(50), sess.Decision.CreditsRemaining)
	})

	t.Run("unaffordable metered action is denied", func(t *testing.T) {
		g, _, _ := newTestGuard(t, 10)
		sess, err := g.Begin(ctx, "seller_1", "promotion", "create", "")
		require.NoError(t, err)
		assert.Equal(t, StateDenied, sess.State)
	})

	t.Run("zero cost feature confirms immediately", func(t *testing.T) {
		g, _, _ := newTestGuard(t, 0)
		sess, err := g.Begin(ctx, "seller_1", "export", "csv", "")
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, sess.State)
	})
}

func TestCancelLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	g, subs, sub := newTestGuard(t, 50)

	_, err := g.Begin(ctx, "seller_1", "promotion", "create", "")
	require.NoError(t, err)

	g.Cancel("seller_1")

	_, ok := g.Session("seller_1")
	assert.False(t, ok)

	got, err := subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.TotalCreditsRemaining())
	assert.Equal(t, int64(0), got.TotalDebited)
}

func TestConfirmAndSpendDebitsOnce(t *testing.T) {
	ctx := context.Background()
	g, subs, sub := newTestGuard(t, 50)

	_, err := g.Begin(ctx, "seller_1", "promotion", "create", "")
	require.NoError(t, err)

	out, err := g.ConfirmAndSpend(ctx, "seller_1", "promotion", "create", "")
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, StateConfirmed, out.State)
	assert.NotEmpty(t, out.TransactionID)
	assert.Equal(t, int64(30), out.BalanceAfter)

	got, err := subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.TotalCreditsRemaining())
	assert.Equal(t, int64(20), got.TotalDebited)
	assert.Equal(t, int64(2), got.LastSeq)
}

func TestConfirmModuleAccessSpendsNothing(t *testing.T) {
	ctx := context.Background()
	g, subs, sub := newTestGuard(t, 50)

	out, err := g.ConfirmAndSpend(ctx, "seller_1", "dashboard", "view", "")
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Empty(t, out.TransactionID)

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(50), got.TotalCreditsRemaining())
}

func TestConfirmWithoutGrantIsDeniedNotError(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t, 50)

	out, err := g.ConfirmAndSpend(ctx, "seller_1", "nonexistent", "anything", "")
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, StateDenied, out.State)
}

func TestConfirmInsufficientCreditsAtSpendTime(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t, 5)

	// survey.create is time-bound so access survives a thin balance, but
	// the 10-credit debit itself must fail.
	_, err := g.ConfirmAndSpend(ctx, "seller_1", "survey", "create", "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	sess, ok := g.Session("seller_1")
	require.True(t, ok)
	assert.Equal(t, StateDenied, sess.State)
}

// Two tabs confirming the same metered action at once: the ledger
// serializes the debits, so the balance and debit totals always match the
// number of successes.
func TestConcurrentConfirmsSingleDebit(t *testing.T) {
	ctx := context.Background()
	g, subs, sub := newTestGuard(t, 40)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.ConfirmAndSpend(ctx, "seller_1", "survey", "create", "")
		}(i)
	}
	wg.Wait()

	// Every success must have a matching debit on the books.
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
		}
	}

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(40-10*int64(succeeded)), got.TotalCreditsRemaining())
	assert.Equal(t, int64(10)*int64(succeeded), got.TotalDebited)
}

func TestConcurrentConfirmsOverThinBalance(t *testing.T) {
	ctx := context.Background()
	g, subs, sub := newTestGuard(t, 30)

	// promotion.create costs 20: two confirms race over a balance that
	// covers only one.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.ConfirmAndSpend(ctx, "seller_1", "promotion", "create", "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Equal(t, int64(10), got.TotalCreditsRemaining())
}

func TestSessionReplacedOnContextChange(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t, 50)

	sess, err := g.Begin(ctx, "seller_1", "promotion", "create", "")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, sess.State)

	// Navigating to another context replaces the pending session.
	sess, err = g.Begin(ctx, "seller_1", "dashboard", "view", "")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, sess.State)

	current, ok := g.Session("seller_1")
	require.True(t, ok)
	assert.Equal(t, "dashboard", current.Page)
}

func TestMissingSubscriptionDenies(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t, 50)

	d, err := g.Resolve(ctx, "seller_unknown", "dashboard", "view", "")
	require.NoError(t, err)
	assert.False(t, d.HasAccess)
	assert.Equal(t, ReasonNoActiveSubscription, d.Reason)
}

func TestPruneSessions(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(t, 50)

	_, err := g.Begin(ctx, "seller_1", "dashboard", "view", "")
	require.NoError(t, err)

	assert.Equal(t, 0, g.PruneSessions(time.Hour))
	assert.Equal(t, 1, g.PruneSessions(0))

	_, ok := g.Session("seller_1")
	assert.False(t, ok)
}
