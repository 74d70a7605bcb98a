package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/merchantos/entitlement/internal/ledger"
	"github.com/merchantos/entitlement/internal/metrics"
	"github.com/merchantos/entitlement/internal/plan"
	"github.com/merchantos/entitlement/internal/subscription"
	"github.com/merchantos/entitlement/internal/traces"
)

// SessionState is the confirmation state of one seller's page-access session.
type SessionState string

const (
	StateUnconfirmed          SessionState = "unconfirmed"
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	StateConfirmed            SessionState = "confirmed"
	StateDenied               SessionState = "denied"
)

// Session tracks the confirmation state for one (seller, page, action)
// context. Navigating to a different context replaces the session, so a
// confirmation never carries over to an unrelated gated action.
type Session struct {
	SellerID  string       `json:"sellerId"`
	Page      string       `json:"page"`
	Action    string       `json:"action"`
	RoleID    string       `json:"roleId,omitempty"`
	State     SessionState `json:"state"`
	Decision  Decision     `json:"decision"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (s *Session) sameContext(page, action string) bool {
	return s.Page == page && s.Action == action
}

// SubscriptionSource yields the seller's current subscription.
// Satisfied by the subscription service.
type SubscriptionSource interface {
	GetCurrent(ctx context.Context, sellerID string) (*subscription.Subscription, error)
}

// PlanSource yields plans by id. Satisfied by the plan store.
type PlanSource interface {
	Get(ctx context.Context, planID string) (*plan.Plan, error)
}

// Debiter spends credits. Satisfied by the ledger service.
type Debiter interface {
	Debit(ctx context.Context, subscriptionID string, amount int64, feature, description, referenceID string) (*ledger.Transaction, error)
}

// Outcome is the result of a guard operation.
type Outcome struct {
	Allowed       bool         `json:"allowed"`
	State         SessionState `json:"state"`
	Decision      Decision     `json:"decision"`
	TransactionID string       `json:"transactionId,omitempty"`
	BalanceAfter  int64        `json:"balanceAfter"`
}

// Guard orchestrates entitlement resolution with the confirmation step for
// metered actions. The confirmation happens before the ledger debit, so the
// only serialized section is the debit itself.
type Guard struct {
	subs   SubscriptionSource
	plans  PlanSource
	ledger Debiter
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // sellerID -> current session
}

// NewGuard creates a new credit-gated action guard.
func NewGuard(subs SubscriptionSource, plans PlanSource, ledger Debiter, logger *slog.Logger) *Guard {
	return &Guard{
		subs:     subs,
		plans:    plans,
		ledger:   ledger,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// resolve loads the seller's subscription and plan and resolves the request.
// A missing subscription is a denial, not an error.
func (g *Guard) resolve(ctx context.Context, sellerID, page, action, roleID string) (Decision, *subscription.Subscription, error) {
	sub, err := g.subs.GetCurrent(ctx, sellerID)
	if err == subscription.ErrNotFound {
		return Decision{Reason: ReasonNoActiveSubscription}, nil, nil
	}
	if err != nil {
		return Decision{}, nil, err
	}

	p, err := g.plans.Get(ctx, sub.PlanID)
	if err == plan.ErrPlanNotFound {
		// A dangling plan reference grants nothing.
		return Decision{Reason: ReasonNoActiveSubscription}, nil, nil
	}
	if err != nil {
		return Decision{}, nil, err
	}

	d := Resolve(sub, p, page, action, roleID, time.Now())
	metrics.ResolutionsTotal.WithLabelValues(string(d.Reason)).Inc()
	return d, sub, nil
}

// Resolve answers "may seller perform action on page" without touching any
// session state or spending anything.
func (g *Guard) Resolve(ctx context.Context, sellerID, page, action, roleID string) (Decision, error) {
	d, _, err := g.resolve(ctx, sellerID, page, action, roleID)
	return d, err
}

// Begin enters a gated page/action context: it resolves entitlement and
// establishes the seller's session in the resulting state. Metered actions
// land in AwaitingConfirmation with a cost and balance-after preview; the
// caller then either confirms (ConfirmAndSpend) or cancels.
func (g *Guard) Begin(ctx context.Context, sellerID, page, action, roleID string) (*Session, error) {
	d, _, err := g.resolve(ctx, sellerID, page, action, roleID)
	if err != nil {
		return nil, err
	}

	state := StateDenied
	switch {
	case d.IsModuleAccess, d.HasAccess && d.CreditCost == 0:
		state = StateConfirmed
	case d.HasAccess && d.CreditCost > 0 && d.CanAfford:
		state = StateAwaitingConfirmation
	}

	sess := &Session{
		SellerID:  sellerID,
		Page:      page,
		Action:    action,
		RoleID:    roleID,
		State:     state,
		Decision:  d,
		UpdatedAt: time.Now(),
	}

	g.mu.Lock()
	g.sessions[sellerID] = sess
	g.mu.Unlock()
	return sess, nil
}

// Cancel abandons the seller's pending confirmation. The ledger is never
// touched, so there is no partial debit to unwind.
func (g *Guard) Cancel(sellerID string) {
	g.mu.Lock()
	delete(g.sessions, sellerID)
	g.mu.Unlock()
}

// Session returns the seller's current session, if any.
func (g *Guard) Session(sellerID string) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sellerID]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// ConfirmAndSpend is the seller's explicit consent to spend: it re-resolves
// entitlement at confirmation time (an earlier canAfford does not survive
// concurrent spends) and, for metered actions, performs the debit. The
// ledger enforces affordability atomically, so of two concurrent confirms
// racing over the same balance at most the affordable one succeeds; the
// loser gets ledger.ErrInsufficientCredits.
func (g *Guard) ConfirmAndSpend(ctx context.Context, sellerID, page, action, roleID string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "guard.confirm_and_spend",
		traces.SellerID(sellerID),
		traces.Feature(plan.FeatureKey(page, action)))
	defer span.End()

	d, sub, err := g.resolve(ctx, sellerID, page, action, roleID)
	if err != nil {
		return nil, err
	}

	if !d.HasAccess {
		g.setSession(sellerID, page, action, roleID, StateDenied, d)
		return &Outcome{State: StateDenied, Decision: d, BalanceAfter: d.CreditsRemaining}, nil
	}

	out := &Outcome{Allowed: true, State: StateConfirmed, Decision: d, BalanceAfter: d.CreditsRemaining}

	if d.CreditCost > 0 && !d.IsModuleAccess {
		feature := plan.FeatureKey(page, action)
		entry, err := g.ledger.Debit(ctx, sub.ID, d.CreditCost, feature,
			"confirmed spend on "+feature, sellerID)
		if err != nil {
			if err == ledger.ErrInsufficientCredits {
				d.CanAfford = false
				g.setSession(sellerID, page, action, roleID, StateDenied, d)
			}
			return nil, err
		}
		out.TransactionID = entry.ID
		out.BalanceAfter = entry.BalanceAfter

		g.logger.Info("gated action confirmed",
			"seller", sellerID, "feature", feature,
			"cost", d.CreditCost, "balance", entry.BalanceAfter,
			"transaction", entry.ID)
	}

	g.setSession(sellerID, page, action, roleID, StateConfirmed, d)
	return out, nil
}

func (g *Guard) setSession(sellerID, page, action, roleID string, state SessionState, d Decision) {
	g.mu.Lock()
	g.sessions[sellerID] = &Session{
		SellerID:  sellerID,
		Page:      page,
		Action:    action,
		RoleID:    roleID,
		State:     state,
		Decision:  d,
		UpdatedAt: time.Now(),
	}
	g.mu.Unlock()
}

// PruneSessions drops sessions idle longer than maxAge. Called from the
// background sweep.
func (g *Guard) PruneSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	g.mu.Lock()
	defer g.mu.Unlock()

	pruned := 0
	for id, sess := range g.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(g.sessions, id)
			pruned++
		}
	}
	return pruned
}
