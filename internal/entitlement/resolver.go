// Package entitlement decides whether a seller may perform an action and
// orchestrates the confirmation step before metered actions spend credits.
package entitlement

import (
	"sort"
	"time"

	"github.com/merchantos/entitlement/internal/plan"
	"github.com/merchantos/entitlement/internal/subscription"
)

// Reason explains a Decision to the caller, mainly so the dashboard can
// pick the right prompt (upgrade vs. top-up vs. plain denial).
type Reason string

const (
	ReasonGranted              Reason = "granted"
	ReasonModuleAccess         Reason = "module_access"
	ReasonNoActiveSubscription Reason = "no_active_subscription"
	ReasonNoGrant              Reason = "no_grant"
	ReasonCreditsExhausted     Reason = "credits_exhausted"
)

// Decision is the result of resolving one (page, action) request.
type Decision struct {
	HasAccess        bool   `json:"hasAccess"`
	CreditCost       int64  `json:"creditCost"`
	CanAfford        bool   `json:"canAfford"`
	CreditsRemaining int64  `json:"creditsRemaining"`
	IsModuleAccess   bool   `json:"isModuleAccess"`
	Reason           Reason `json:"reason"`
}

// Resolve is a pure function of its inputs: it never errors and has no side
// effects, so it can run concurrently against any consistent snapshot of
// subscription and plan.
//
// Resolution order, first match wins:
//  1. inactive or missing subscription denies everything
//  2. module grants (flat page access, never metered)
//  3. feature grants, direct entries before role-scoped ones
//
// When roleID is empty, role-scoped grants from every role are considered
// (checked in sorted role order so the result is deterministic). Callers
// that need role-specific denial must pass the caller's role.
func Resolve(sub *subscription.Subscription, p *plan.Plan, page, action, roleID string, now time.Time) Decision {
	if sub == nil || p == nil || !sub.IsActive(now) {
		return Decision{Reason: ReasonNoActiveSubscription}
	}

	remaining := sub.TotalCreditsRemaining()

	if moduleGranted(p, page, roleID) {
		return Decision{
			HasAccess:        true,
			CanAfford:        true,
			CreditsRemaining: remaining,
			IsModuleAccess:   true,
			Reason:           ReasonModuleAccess,
		}
	}

	feature, found := findFeature(p, page, action, roleID)
	if !found {
		return Decision{CreditsRemaining: remaining, Reason: ReasonNoGrant}
	}

	d := Decision{
		CreditCost:       feature.CreditCost,
		CreditsRemaining: remaining,
		CanAfford:        remaining >= feature.CreditCost,
		Reason:           ReasonGranted,
	}
	if feature.ExpiresOnCreditsExhausted {
		d.HasAccess = remaining > 0
		if !d.HasAccess {
			d.Reason = ReasonCreditsExhausted
		}
	} else {
		// Time-bound feature: access rides on the subscription being
		// active, which step 1 already established.
		d.HasAccess = true
	}
	return d
}

func moduleGranted(p *plan.Plan, page, roleID string) bool {
	if g, ok := p.Modules[page]; ok && g.Enabled {
		return true
	}
	for _, role := range rolesToCheck(p, roleID) {
		if g, ok := role.Modules[page]; ok && g.Enabled {
			return true
		}
	}
	return false
}

func findFeature(p *plan.Plan, page, action, roleID string) (plan.Feature, bool) {
	key := plan.FeatureKey(page, action)
	if f, ok := p.Features[key]; ok && f.Enabled {
		return f, true
	}
	for _, role := range rolesToCheck(p, roleID) {
		if f, ok := role.Features[key]; ok && f.Enabled {
			return f, true
		}
	}
	return plan.Feature{}, false
}

// rolesToCheck returns the role scopes to consult: just the caller's role
// when one is supplied, otherwise every role in a stable order.
func rolesToCheck(p *plan.Plan, roleID string) []plan.RoleGrant {
	if roleID != "" {
		if role, ok := p.RoleAccess[roleID]; ok {
			return []plan.RoleGrant{role}
		}
		return nil
	}

	ids := make([]string, 0, len(p.RoleAccess))
	for id := range p.RoleAccess {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	roles := make([]plan.RoleGrant, len(ids))
	for i, id := range ids {
		roles[i] = p.RoleAccess[id]
	}
	return roles
}
