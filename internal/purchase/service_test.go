package purchase

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/entitlement/internal/gateway"
	"github.com/merchantos/entitlement/internal/ledger"
	"github.com/merchantos/entitlement/internal/pagination"
	"github.com/merchantos/entitlement/internal/plan"
	"github.com/merchantos/entitlement/internal/subscription"
)

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	plans  plan.Store
	subs   *subscription.Service
	ledger *ledger.Service
	gw     *gateway.CheckoutGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	plans := plan.NewMemoryStore()
	require.NoError(t, plan.Seed(ctx, plans))

	logger := slog.New(slog.DiscardHandler)
	subStore := subscription.NewMemoryStore()
	subSvc := subscription.NewService(subStore, plans, logger)
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(subStore), subStore, logger)
	gw := gateway.NewCheckoutGateway("key_test", "test-secret")

	store := NewMemoryStore()
	svc := NewService(store, plans, subSvc, ledgerSvc, gw, logger)
	return &testEnv{svc: svc, store: store, plans: plans, subs: subSvc, ledger: ledgerSvc, gw: gw}
}

func TestInitiateFreePlanSkipsGateway(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	result, err := env.svc.Initiate(ctx, "seller_1", "plan_free")
	require.NoError(t, err)
	assert.True(t, result.IsFreePlan)
	assert.Nil(t, result.Intent)
	assert.Nil(t, result.Order)
	require.NotNil(t, result.Subscription)
	assert.Equal(t, "plan_free", result.Subscription.PlanID)
	assert.Equal(t, int64(100), result.Subscription.TotalCreditsRemaining())

	// Exactly one ledger entry: the plan grant.
	page, err := env.ledger.History(ctx, result.Subscription.ID, pagination.Normalize(1, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, ledger.TypeCredit, page.Entries[0].Type)
	assert.Equal(t, int64(100), page.Entries[0].Amount)
}

func TestInitiatePaidPlanCreatesIntent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	result, err := env.svc.Initiate(ctx, "seller_1", "plan_pro_monthly")
	require.NoError(t, err)
	assert.False(t, result.IsFreePlan)
	assert.Nil(t, result.Subscription)
	require.NotNil(t, result.Intent)
	require.NotNil(t, result.Order)
	assert.Equal(t, StatusCreated, result.Intent.Status)
	assert.Equal(t, result.Order.ID, result.Intent.GatewayOrderID)
	assert.Equal(t, int64(4900), result.Intent.Amount)
	assert.Equal(t, "checkout", result.Intent.GatewayProvider)

	// Nothing is assigned or credited before verification.
	_, err = env.subs.GetCurrent(ctx, "seller_1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestVerifyHappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	initiated, err := env.svc.Initiate(ctx, "seller_1", "plan_pro_monthly")
	require.NoError(t, err)

	orderID := initiated.Order.ID
	result, err := env.svc.Verify(ctx, gateway.ConfirmationPayload{
		OrderID:   orderID,
		PaymentID: "pay_1",
		Signature: env.gw.Sign(orderID, "pay_1"),
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, StatusVerified, result.Intent.Status)
	assert.Equal(t, "pay_1", result.Intent.GatewayPaymentID)
	assert.NotEmpty(t, result.Intent.TransactionID)
	require.NotNil(t, result.Subscription)
	assert.Equal(t, "plan_pro_monthly", result.Subscription.PlanID)
	assert.Equal(t, int64(1000), result.Subscription.TotalCreditsRemaining())
	assert.Equal(t, result.Subscription.ID, result.Intent.SubscriptionID)

	current, err := env.subs.GetCurrent(ctx, "seller_1")
	require.NoError(t, err)
	assert.Equal(t, result.Subscription.ID, current.ID)
}

func TestVerifyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	initiated, err := env.svc.Initiate(ctx, "seller_1", "plan_pro_monthly")
	require.NoError(t, err)

	payload := gateway.ConfirmationPayload{
		OrderID:   initiated.Order.ID,
		PaymentID: "pay_1",
		Signature: env.gw.Sign(initiated.Order.ID, "pay_1"),
	}

	first, err := env.svc.Verify(ctx, payload)
	require.NoError(t, err)
	second, err := env.svc.Verify(ctx, payload)
	require.NoError(t, err)

	assert.False(t, first.AlreadyProcessed)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.Intent.ID, second.Intent.ID)

	// No second assignment, no second credit.
	sub, err := env.subs.GetCurrent(ctx, "seller_1")
	require.NoError(t, err)
	assert.Equal(t, first.Subscription.ID, sub.ID)
	assert.Equal(t, int64(1000), sub.TotalCreditsRemaining())
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	initiated, err := env.svc.Initiate(ctx, "seller_1", "plan_pro_monthly")
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, gateway.ConfirmationPayload{
		OrderID:   initiated.Order.ID,
		PaymentID: "pay_1",
		Signature: "forged",
	})
	assert.ErrorIs(t, err, gateway.ErrSignatureInvalid)

	// The intent is dead and stays dead, even for a later valid signature.
	intent, err := env.svc.GetIntent(ctx, initiated.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, intent.Status)
	assert.NotEmpty(t, intent.FailureReason)

	_, err = env.svc.Verify(ctx, gateway.ConfirmationPayload{
		OrderID:   initiated.Order.ID,
		PaymentID: "pay_1",
		Signature: env.gw.Sign(initiated.Order.ID, "pay_1"),
	})
	assert.ErrorIs(t, err, ErrIntentFailed)

	// No subscription was assigned.
	_, err = env.subs.GetCurrent(ctx, "seller_1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestVerifyUnknownOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.Verify(ctx, gateway.ConfirmationPayload{
		OrderID:   "ord_missing",
		PaymentID: "pay_1",
		Signature: env.gw.Sign("ord_missing", "pay_1"),
	})
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

// Duplicate webhook deliveries racing the dashboard's verify call: exactly
// one caller wins the verified transition and credits the grant.
func TestVerifyConcurrentDeliveriesCreditOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	initiated, err := env.svc.Initiate(ctx, "seller_1", "plan_pro_monthly")
	require.NoError(t, err)

	payload := gateway.ConfirmationPayload{
		OrderID:   initiated.Order.ID,
		PaymentID: "pay_1",
		Signature: env.gw.Sign(initiated.Order.ID, "pay_1"),
	}

	const callers = 4
	var wg sync.WaitGroup
	results := make([]*VerifyResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Verify(ctx, payload)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if !results[i].AlreadyProcessed {
			winners++
		}
		// Every caller, winner or duplicate, gets the full result.
		assert.NotEmpty(t, results[i].Intent.SubscriptionID, "caller %d", i)
		require.NotNil(t, results[i].Subscription, "caller %d", i)
	}
	assert.Equal(t, 1, winners)

	sub, err := env.subs.GetCurrent(ctx, "seller_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sub.TotalCreditsRemaining())
	assert.Equal(t, int64(1000), sub.TotalCredited)
}

// A duplicate delivery that lands between the verified flip and the
// winner's follow-up write must still come back with the subscription once
// the winner finishes.
func TestVerifyDuplicateSeesAssignmentAfterGap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	initiated, err := env.svc.Initiate(ctx, "seller_1", "plan_pro_monthly")
	require.NoError(t, err)
	orderID := initiated.Order.ID

	// Flip the intent to verified without the follow-up write, the state a
	// racing winner leaves mid-flight.
	_, won, err := env.store.MarkVerified(ctx, orderID, "pay_1")
	require.NoError(t, err)
	require.True(t, won)

	go func() {
		time.Sleep(40 * time.Millisecond)
		p, _ := env.plans.Get(ctx, "plan_pro_monthly")
		sub, _ := env.subs.AssignPlan(ctx, "seller_1", p, false)
		intent, _ := env.store.GetByOrderID(ctx, orderID)
		intent.SubscriptionID = sub.ID
		_ = env.store.Update(ctx, intent)
	}()

	result, err := env.svc.Verify(ctx, gateway.ConfirmationPayload{
		OrderID:   orderID,
		PaymentID: "pay_1",
		Signature: env.gw.Sign(orderID, "pay_1"),
	})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.NotEmpty(t, result.Intent.SubscriptionID)
	require.NotNil(t, result.Subscription)
}

func TestStaleIntents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	initiated, err := env.svc.Initiate(ctx, "seller_1", "plan_pro_monthly")
	require.NoError(t, err)

	stale, err := env.svc.StaleIntents(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = env.svc.StaleIntents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, initiated.Intent.ID, stale[0].ID)
}
