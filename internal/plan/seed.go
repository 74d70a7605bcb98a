package plan

import (
	"context"
	"time"
)

// DefaultCatalogue returns the built-in plans loaded at boot when the store
// is empty. The free plan carries a small credit grant so new sellers can
// try metered features before upgrading.
func DefaultCatalogue() []*Plan {
	now := time.Now()

	sellerModules := []ModuleGrant{
		{Page: "dashboard", Enabled: true},
		{Page: "products", Enabled: true},
		{Page: "orders", Enabled: true},
	}

	free := &Plan{
		ID:             "plan_free",
		Name:           "Free",
		PlanType:       TypeFree,
		Price:          0,
		Currency:       "MYR",
		CreditsGranted: 100,
		DurationDays:   0, // no expiry
		Features: mustIndexFeatures([]Feature{
			{Page: "promotion", Action: "create", CreditCost: 20, Enabled: true, ExpiresOnCreditsExhausted: true},
			{Page: "survey", Action: "create", CreditCost: 10, Enabled: true, ExpiresOnCreditsExhausted: true},
		}),
		Modules:   mustIndexModules(sellerModules),
		CreatedAt: now,
		UpdatedAt: now,
	}

	monthly := &Plan{
		ID:             "plan_pro_monthly",
		Name:           "Pro Monthly",
		PlanType:       TypePeriodicShort,
		Price:          4900,
		Currency:       "MYR",
		CreditsGranted: 1000,
		DurationDays:   30,
		Modules: mustIndexModules(append([]ModuleGrant{
			{Page: "analytics", Enabled: true},
		}, sellerModules...)),
		Features: mustIndexFeatures([]Feature{
			{Page: "promotion", Action: "create", CreditCost: 20, Enabled: true},
			{Page: "survey", Action: "create", CreditCost: 10, Enabled: true},
			{Page: "survey", Action: "publish", CreditCost: 5, Enabled: true},
			{Page: "bulk-upload", Action: "import", CreditCost: 50, Enabled: true},
		}),
		RoleAccess: map[string]RoleGrant{
			"staff": {
				RoleID: "staff",
				Modules: mustIndexModules([]ModuleGrant{
					{Page: "orders", Enabled: true},
				}),
				Features: mustIndexFeatures([]Feature{
					{Page: "promotion", Action: "create", CreditCost: 20, Enabled: true},
				}),
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	yearly := &Plan{
		ID:             "plan_pro_yearly",
		Name:           "Pro Yearly",
		PlanType:       TypePeriodicLong,
		Price:          49900,
		Currency:       "MYR",
		CreditsGranted: 15000,
		DurationDays:   365,
		Modules:        monthly.Modules,
		Features:       monthly.Features,
		RoleAccess:     monthly.RoleAccess,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return []*Plan{free, monthly, yearly}
}

// Seed inserts the default catalogue for any plan id not already present.
func Seed(ctx context.Context, store Store) error {
	for _, p := range DefaultCatalogue() {
		if _, err := store.Get(ctx, p.ID); err == nil {
			continue
		}
		if err := store.Put(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func mustIndexModules(grants []ModuleGrant) map[string]ModuleGrant {
	m, err := IndexModules(grants)
	if err != nil {
		panic(err)
	}
	return m
}

func mustIndexFeatures(features []Feature) map[string]Feature {
	m, err := IndexFeatures(features)
	if err != nil {
		panic(err)
	}
	return m
}
