package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/entitlement/internal/plan"
	"github.com/merchantos/entitlement/internal/subscription"
)

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()

	modules, err := plan.IndexModules([]plan.ModuleGrant{
		{Page: "dashboard", Enabled: true},
		{Page: "reports", Enabled: false},
	})
	require.NoError(t, err)

	features, err := plan.IndexFeatures([]plan.Feature{
		{Page: "promotion", Action: "create", CreditCost: 20, Enabled: true, ExpiresOnCreditsExhausted: true},
		{Page: "survey", Action: "create", CreditCost: 10, Enabled: true},
		{Page: "export", Action: "csv", CreditCost: 0, Enabled: true},
		{Page: "legacy", Action: "run", CreditCost: 5, Enabled: false},
	})
	require.NoError(t, err)

	staffModules, err := plan.IndexModules([]plan.ModuleGrant{{Page: "analytics", Enabled: true}})
	require.NoError(t, err)
	staffFeatures, err := plan.IndexFeatures([]plan.Feature{
		{Page: "orders", Action: "export", CreditCost: 15, Enabled: true},
	})
	require.NoError(t, err)

	return &plan.Plan{
		ID:       "plan_pro",
		Name:     "Pro",
		PlanType: plan.TypePeriodicShort,
		Modules:  modules,
		Features: features,
		RoleAccess: map[string]plan.RoleGrant{
			"staff": {RoleID: "staff", Modules: staffModules, Features: staffFeatures},
		},
	}
}

func activeSub(balance int64) *subscription.Subscription {
	return &subscription.Subscription{
		ID:               "sub_1",
		SellerID:         "seller_1",
		PlanID:           "plan_pro",
		Status:           subscription.StatusActive,
		StartDate:        time.Now().Add(-time.Hour),
		CreditsAllocated: balance,
	}
}

func TestResolveMeteredFeatureAffordable(t *testing.T) {
	d := Resolve(activeSub(50), testPlan(t), "promotion", "create", "", time.Now())

	assert.True(t, d.HasAccess)
	assert.Equal(t, int64(20), d.CreditCost)
	assert.True(t, d.CanAfford)
	assert.Equal(t, int64(50), d.CreditsRemaining)
	assert.False(t, d.IsModuleAccess)
	assert.Equal(t, ReasonGranted, d.Reason)
}

func TestResolveMeteredFeatureUnaffordable(t *testing.T) {
	d := Resolve(activeSub(10), testPlan(t), "promotion", "create", "", time.Now())

	// Credits remain, so access holds; the 20-credit spend does not.
	assert.True(t, d.HasAccess)
	assert.False(t, d.CanAfford)
	assert.Equal(t, int64(10), d.CreditsRemaining)
}

func TestResolveExhaustedCreditsCloseFeature(t *testing.T) {
	d := Resolve(activeSub(0), testPlan(t), "promotion", "create", "", time.Now())

	assert.False(t, d.HasAccess)
	assert.Equal(t, ReasonCreditsExhausted, d.Reason)
}

func TestResolveTimeBoundFeatureSurvivesEmptyBalance(t *testing.T) {
	// survey.create is time-bound: access rides on the subscription, only
	// affordability suffers.
	d := Resolve(activeSub(0), testPlan(t), "survey", "create", "", time.Now())

	assert.True(t, d.HasAccess)
	assert.False(t, d.CanAfford)
	assert.Equal(t, int64(10), d.CreditCost)
}

func TestResolveModuleAccessNeverMetered(t *testing.T) {
	d := Resolve(activeSub(0), testPlan(t), "dashboard", "view", "", time.Now())

	assert.True(t, d.HasAccess)
	assert.True(t, d.IsModuleAccess)
	assert.True(t, d.CanAfford)
	assert.Equal(t, int64(0), d.CreditCost)
	assert.Equal(t, ReasonModuleAccess, d.Reason)
}

func TestResolveDisabledGrantsDeny(t *testing.T) {
	d := Resolve(activeSub(100), testPlan(t), "reports", "view", "", time.Now())
	assert.False(t, d.HasAccess)
	assert.Equal(t, ReasonNoGrant, d.Reason)

	d = Resolve(activeSub(100), testPlan(t), "legacy", "run", "", time.Now())
	assert.False(t, d.HasAccess)
	assert.Equal(t, ReasonNoGrant, d.Reason)
}

func TestResolveZeroCostFeatureIsNotModuleAccess(t *testing.T) {
	d := Resolve(activeSub(0), testPlan(t), "export", "csv", "", time.Now())

	assert.True(t, d.HasAccess)
	assert.True(t, d.CanAfford)
	assert.Equal(t, int64(0), d.CreditCost)
	assert.False(t, d.IsModuleAccess)
}

func TestResolveRoleScopedGrants(t *testing.T) {
	p := testPlan(t)

	// Explicit role sees its grants.
	d := Resolve(activeSub(50), p, "analytics", "view", "staff", time.Now())
	assert.True(t, d.HasAccess)
	assert.True(t, d.IsModuleAccess)

	d = Resolve(activeSub(50), p, "orders", "export", "staff", time.Now())
	assert.True(t, d.HasAccess)
	assert.Equal(t, int64(15), d.CreditCost)

	// A different role sees nothing.
	d = Resolve(activeSub(50), p, "analytics", "view", "intern", time.Now())
	assert.False(t, d.HasAccess)

	// No role supplied: every role's grants are considered.
	d = Resolve(activeSub(50), p, "analytics", "view", "", time.Now())
	assert.True(t, d.HasAccess)
	d = Resolve(activeSub(50), p, "orders", "export", "", time.Now())
	assert.True(t, d.HasAccess)
}

func TestResolveInactiveSubscriptionDeniesEverything(t *testing.T) {
	p := testPlan(t)
	now := time.Now()

	for _, sub := range []*subscription.Subscription{
		nil,
		{Status: subscription.StatusExpired, CreditsAllocated: 100},
		{Status: subscription.StatusCancelled, CreditsAllocated: 100},
		// Still marked active but past its end date.
		{Status: subscription.StatusActive, CreditsAllocated: 100, EndDate: now.Add(-time.Hour)},
	} {
		d := Resolve(sub, p, "dashboard", "view", "", now)
		assert.False(t, d.HasAccess)
		assert.Equal(t, ReasonNoActiveSubscription, d.Reason)
	}
}

func TestResolveDeterministic(t *testing.T) {
	p := testPlan(t)
	sub := activeSub(50)
	now := time.Now()

	first := Resolve(sub, p, "orders", "export", "", now)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Resolve(sub, p, "orders", "export", "", now))
	}
}
