// Package plan holds the subscription plan catalogue.
//
// A plan describes what a subscription grants: enabled modules (flat page
// access), enabled features (per-action grants that may carry a credit
// cost), and optional per-role overrides. Plans are immutable from the
// engine's perspective; editing them is an administrative operation that
// happens outside this service.
package plan

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPlanNotFound   = errors.New("plan: not found")
	ErrDuplicateGrant = errors.New("plan: duplicate module or feature grant")
)

// Type identifies the billing shape of a plan.
type Type string

const (
	TypeFree          Type = "free"
	TypePeriodicShort Type = "periodic-short"
	TypePeriodicLong  Type = "periodic-long"
)

// ModuleGrant is a flat, non-metered grant to an entire page.
type ModuleGrant struct {
	Page    string `json:"page"`
	Enabled bool   `json:"enabled"`
}

// Feature is a grant to a single (page, action) pair, optionally metered.
type Feature struct {
	Page                      string `json:"page"`
	Action                    string `json:"action"`
	CreditCost                int64  `json:"creditCost"`
	Enabled                   bool   `json:"enabled"`
	ExpiresOnCreditsExhausted bool   `json:"expiresOnCreditsExhausted"`
}

// RoleGrant scopes extra modules/features to a single role.
type RoleGrant struct {
	RoleID   string                 `json:"roleId"`
	Modules  map[string]ModuleGrant `json:"modules"`
	Features map[string]Feature     `json:"features"`
}

// Plan is one version of the catalogue entry a subscription binds to.
//
// Modules is keyed by page and Features by FeatureKey(page, action), so a
// lookup is a single map access and "first match wins" is unambiguous:
// the maps cannot hold duplicate entries per scope.
type Plan struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	PlanType       Type                   `json:"planType"`
	Price          int64                  `json:"price"` // minor currency units; 0 = free
	Currency       string                 `json:"currency"`
	CreditsGranted int64                  `json:"creditsGranted"`
	DurationDays   int                    `json:"durationDays"`
	Modules        map[string]ModuleGrant `json:"modules"`
	Features       map[string]Feature     `json:"features"`
	RoleAccess     map[string]RoleGrant   `json:"roleAccess,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// FeatureKey builds the map key for a (page, action) feature grant.
func FeatureKey(page, action string) string {
	return page + "." + action
}

// IsFree reports whether purchasing this plan skips the payment gateway.
func (p *Plan) IsFree() bool {
	return p.Price == 0
}

// IndexModules builds the page-keyed module map from a stored list,
// rejecting duplicate pages within one scope.
func IndexModules(grants []ModuleGrant) (map[string]ModuleGrant, error) {
	out := make(map[string]ModuleGrant, len(grants))
	for _, g := range grants {
		if _, dup := out[g.Page]; dup {
			return nil, ErrDuplicateGrant
		}
		out[g.Page] = g
	}
	return out, nil
}

// IndexFeatures builds the (page,action)-keyed feature map from a stored
// list, rejecting duplicate pairs within one scope.
func IndexFeatures(features []Feature) (map[string]Feature, error) {
	out := make(map[string]Feature, len(features))
	for _, f := range features {
		key := FeatureKey(f.Page, f.Action)
		if _, dup := out[key]; dup {
			return nil, ErrDuplicateGrant
		}
		out[key] = f
	}
	return out, nil
}

// Store persists the plan catalogue.
type Store interface {
	Get(ctx context.Context, id string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
	Put(ctx context.Context, p *Plan) error
}
