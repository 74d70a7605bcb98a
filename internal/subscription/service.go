package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantos/entitlement/internal/idgen"
	"github.com/merchantos/entitlement/internal/plan"
)

const cacheTTL = 5 * time.Minute

// PlanProvider fetches plans from the catalogue.
type PlanProvider interface {
	Get(ctx context.Context, planID string) (*plan.Plan, error)
}

// Ledger grants credits to a subscription. Implemented by an adapter over
// the ledger service; only the ledger mutates credit balances.
type Ledger interface {
	GrantPlanCredits(ctx context.Context, subscriptionID string, amount int64, description, referenceID string) error
}

// Events is told about plan assignments so connected dashboards can drop
// their cached subscription view. Implementations must not block.
type Events interface {
	SubscriptionUpdated(sellerID, subscriptionID, planID string)
}

// Cache is an optional read-through cache for the current-subscription
// lookup. Writes to a seller's subscription must invalidate the entry.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Service provides subscription business logic.
type Service struct {
	store             Store
	plans             PlanProvider
	ledger            Ledger
	cache             Cache  // nil disables caching
	events            Events // nil disables notifications
	defaultFreePlanID string
	logger            *slog.Logger
}

// NewService creates a new subscription service.
func NewService(store Store, plans PlanProvider, logger *slog.Logger) *Service {
	return &Service{store: store, plans: plans, logger: logger}
}

// SetLedger wires the credit granter used for free-plan auto-assignment.
// Set after construction because the ledger itself is built on this
// service's store.
func (s *Service) SetLedger(l Ledger) { s.ledger = l }

// SetCache enables the current-subscription cache.
func (s *Service) SetCache(c Cache) { s.cache = c }

// SetEvents wires the plan-assignment notification hook.
func (s *Service) SetEvents(e Events) { s.events = e }

// SetDefaultFreePlan enables auto-assignment of the given plan on first lookup.
func (s *Service) SetDefaultFreePlan(planID string) { s.defaultFreePlanID = planID }

func cacheKey(sellerID string) string {
	return "subscription:current:" + sellerID
}

// GetCurrent returns the seller's active subscription. When no subscription
// exists and a default free plan is configured, one is auto-assigned.
func (s *Service) GetCurrent(ctx context.Context, sellerID string) (*Subscription, error) {
	if s.cache != nil {
		var cached Subscription
		if hit, err := s.cache.Get(ctx, cacheKey(sellerID), &cached); err == nil && hit {
			return &cached, nil
		}
	}

	sub, err := s.store.GetCurrent(ctx, sellerID)
	if err == ErrNotFound && s.defaultFreePlanID != "" {
		sub, err = s.autoAssignFreePlan(ctx, sellerID)
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey(sellerID), sub, cacheTTL); err != nil {
			s.logger.Warn("failed to cache subscription", "seller", sellerID, "error", err)
		}
	}
	return sub, nil
}

func (s *Service) autoAssignFreePlan(ctx context.Context, sellerID string) (*Subscription, error) {
	p, err := s.plans.Get(ctx, s.defaultFreePlanID)
	if err != nil {
		return nil, fmt.Errorf("default free plan: %w", err)
	}

	sub, err := s.AssignPlan(ctx, sellerID, p, true)
	if err != nil {
		return nil, err
	}

	if s.ledger != nil && p.CreditsGranted > 0 {
		if err := s.ledger.GrantPlanCredits(ctx, sub.ID, p.CreditsGranted, "free plan auto-assignment", p.ID); err != nil {
			return nil, fmt.Errorf("grant free plan credits: %w", err)
		}
		// Re-read so the returned record reflects the ledger credit.
		return s.store.GetByID(ctx, sub.ID)
	}
	return sub, nil
}

// AssignPlan creates a fresh active subscription for the seller, superseding
// any existing active one. Credits are NOT granted here; callers append the
// matching ledger credit so every balance change has a transaction.
func (s *Service) AssignPlan(ctx context.Context, sellerID string, p *plan.Plan, autoAssigned bool) (*Subscription, error) {
	now := time.Now()
	sub := &Subscription{
		ID:             idgen.WithPrefix("sub_"),
		SellerID:       sellerID,
		PlanID:         p.ID,
		Status:         StatusActive,
		StartDate:      now,
		IsAutoAssigned: autoAssigned,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.DurationDays > 0 {
		sub.EndDate = now.AddDate(0, 0, p.DurationDays)
		sub.RenewalDate = sub.EndDate
	}

	if err := s.store.Assign(ctx, sub); err != nil {
		return nil, fmt.Errorf("assign plan: %w", err)
	}
	s.InvalidateCurrent(ctx, sellerID)
	if s.events != nil {
		s.events.SubscriptionUpdated(sellerID, sub.ID, p.ID)
	}

	s.logger.Info("subscription assigned",
		"seller", sellerID, "plan", p.ID, "subscription", sub.ID, "auto", autoAssigned)
	return sub, nil
}

// GetByID returns a subscription by id.
func (s *Service) GetByID(ctx context.Context, id string) (*Subscription, error) {
	return s.store.GetByID(ctx, id)
}

// InvalidateCurrent drops the cached current-subscription entry for a
// seller. Called after every write that touches the seller's balance or
// plan binding.
func (s *Service) InvalidateCurrent(ctx context.Context, sellerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(sellerID)); err != nil {
		s.logger.Warn("failed to invalidate subscription cache", "seller", sellerID, "error", err)
	}
}

// ExpireDue flips active subscriptions past their end date to expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	return s.store.ExpireDue(ctx, time.Now(), 500)
}
