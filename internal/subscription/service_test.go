package subscription

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/entitlement/internal/plan"
)

type stubPlans struct {
	plans map[string]*plan.Plan
}

func (s *stubPlans) Get(_ context.Context, planID string) (*plan.Plan, error) {
	p, ok := s.plans[planID]
	if !ok {
		return nil, plan.ErrPlanNotFound
	}
	return p, nil
}

// stubLedger credits the store directly so the re-read after a grant sees
// the balance, the way the real ledger's balance projection does.
type stubLedger struct {
	store  *MemoryStore
	grants int
}

func (l *stubLedger) GrantPlanCredits(ctx context.Context, subscriptionID string, amount int64, _, _ string) error {
	l.grants++
	return l.store.Mutate(ctx, subscriptionID, func(sub *Subscription) error {
		sub.CreditsAllocated += amount
		sub.TotalCredited += amount
		sub.LastSeq++
		return nil
	})
}

type recordingEvents struct {
	updates []string
}

func (e *recordingEvents) SubscriptionUpdated(sellerID, subscriptionID, planID string) {
	e.updates = append(e.updates, sellerID+":"+planID)
}

func newTestSetup(t *testing.T) (*Service, *MemoryStore, *stubLedger, *recordingEvents) {
	t.Helper()

	store := NewMemoryStore()
	plans := &stubPlans{plans: map[string]*plan.Plan{
		"plan_free": {ID: "plan_free", Name: "Free", CreditsGranted: 100},
		"plan_pro":  {ID: "plan_pro", Name: "Pro", CreditsGranted: 1000, DurationDays: 30, Price: 4900},
	}}
	svc := NewService(store, plans, slog.New(slog.DiscardHandler))

	lg := &stubLedger{store: store}
	svc.SetLedger(lg)
	events := &recordingEvents{}
	svc.SetEvents(events)
	return svc, store, lg, events
}

func TestGetCurrentAutoAssignsFreePlan(t *testing.T) {
	ctx := context.Background()
	svc, _, lg, _ := newTestSetup(t)
	svc.SetDefaultFreePlan("plan_free")

	sub, err := svc.GetCurrent(ctx, "seller_new")
	require.NoError(t, err)
	assert.Equal(t, "plan_free", sub.PlanID)
	assert.True(t, sub.IsAutoAssigned)
	assert.Equal(t, int64(100), sub.TotalCreditsRemaining())
	assert.Equal(t, 1, lg.grants)

	// A second lookup finds the existing subscription; no second grant.
	again, err := svc.GetCurrent(ctx, "seller_new")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
	assert.Equal(t, 1, lg.grants)
}

func TestGetCurrentWithoutDefaultPlan(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestSetup(t)

	_, err := svc.GetCurrent(ctx, "seller_new")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetCurrentUnknownDefaultPlan(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestSetup(t)
	svc.SetDefaultFreePlan("plan_missing")

	_, err := svc.GetCurrent(ctx, "seller_new")
	assert.ErrorIs(t, err, plan.ErrPlanNotFound)
}

func TestAssignPlanDates(t *testing.T) {
	ctx := context.Background()
	svc, _, _, events := newTestSetup(t)

	sub, err := svc.AssignPlan(ctx, "seller_1", &plan.Plan{ID: "plan_free"}, false)
	require.NoError(t, err)
	assert.True(t, sub.EndDate.IsZero())
	assert.False(t, sub.IsAutoAssigned)

	sub, err = svc.AssignPlan(ctx, "seller_1", &plan.Plan{ID: "plan_pro", DurationDays: 30}, false)
	require.NoError(t, err)
	require.False(t, sub.EndDate.IsZero())
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), sub.EndDate, time.Minute)
	assert.Equal(t, sub.EndDate, sub.RenewalDate)

	assert.Equal(t, []string{"seller_1:plan_free", "seller_1:plan_pro"}, events.updates)
}

func TestAssignPlanSupersedesThroughService(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestSetup(t)

	first, err := svc.AssignPlan(ctx, "seller_1", &plan.Plan{ID: "plan_free"}, true)
	require.NoError(t, err)
	second, err := svc.AssignPlan(ctx, "seller_1", &plan.Plan{ID: "plan_pro", DurationDays: 30}, false)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	current, err := store.GetCurrent(ctx, "seller_1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	old, err := store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, old.Status)
}

func TestExpireDueThroughService(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestSetup(t)

	sub := newActive("sub_old", "seller_1")
	sub.EndDate = time.Now().Add(-time.Minute)
	require.NoError(t, store.Assign(ctx, sub))

	n, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
