package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantos/entitlement/internal/gateway"
	"github.com/merchantos/entitlement/internal/idgen"
	"github.com/merchantos/entitlement/internal/ledger"
	"github.com/merchantos/entitlement/internal/metrics"
	"github.com/merchantos/entitlement/internal/plan"
	"github.com/merchantos/entitlement/internal/subscription"
	"github.com/merchantos/entitlement/internal/traces"
)

// PlanSource yields plans by id. Satisfied by the plan store.
type PlanSource interface {
	Get(ctx context.Context, planID string) (*plan.Plan, error)
}

// Service drives the purchase flow end to end.
type Service struct {
	store  Store
	plans  PlanSource
	subs   *subscription.Service
	ledger *ledger.Service
	gw     gateway.Gateway
	logger *slog.Logger
}

// NewService creates a new purchase service.
func NewService(store Store, plans PlanSource, subs *subscription.Service, lg *ledger.Service, gw gateway.Gateway, logger *slog.Logger) *Service {
	return &Service{store: store, plans: plans, subs: subs, ledger: lg, gw: gw, logger: logger}
}

// InitiateResult is the outcome of starting a purchase. Free plans skip the
// gateway entirely: the subscription is assigned and credited immediately.
type InitiateResult struct {
	IsFreePlan   bool                       `json:"isFreePlan"`
	Intent       *Intent                    `json:"intent,omitempty"`
	Order        *gateway.Order             `json:"order,omitempty"`
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
}

// Initiate starts a purchase of planID for the seller.
func (s *Service) Initiate(ctx context.Context, sellerID, planID string) (*InitiateResult, error) {
	p, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	if p.IsFree() {
		sub, _, err := s.assignAndCredit(ctx, sellerID, p, "", "plan")
		if err != nil {
			return nil, err
		}
		metrics.PurchasesTotal.WithLabelValues("free_plan_assigned").Inc()
		s.logger.Info("free plan assigned", "seller", sellerID, "plan", planID, "subscription", sub.ID)
		return &InitiateResult{IsFreePlan: true, Subscription: sub}, nil
	}

	order, err := s.gw.CreateOrder(ctx, gateway.CreateOrderParams{
		Amount:   p.Price,
		Currency: p.Currency,
		PlanID:   p.ID,
		SellerID: sellerID,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}

	now := time.Now()
	intent := &Intent{
		ID:              idgen.WithPrefix("pur_"),
		SellerID:        sellerID,
		PlanID:          p.ID,
		Status:          StatusCreated,
		GatewayProvider: s.gw.Provider(),
		GatewayOrderID:  order.ID,
		Amount:          p.Price,
		Currency:        p.Currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	metrics.PurchasesTotal.WithLabelValues("created").Inc()
	s.logger.Info("purchase initiated",
		"seller", sellerID, "plan", planID, "intent", intent.ID,
		"order", order.ID, "amount", p.Price, "provider", s.gw.Provider())
	return &InitiateResult{Intent: intent, Order: order}, nil
}

// VerifyResult is the outcome of a verification call. AlreadyProcessed is
// set when a duplicate delivery observed an earlier successful verification.
type VerifyResult struct {
	Intent           *Intent                    `json:"intent"`
	Subscription     *subscription.Subscription `json:"subscription,omitempty"`
	AlreadyProcessed bool                       `json:"alreadyProcessed"`
}

// Verify processes a gateway confirmation. It is idempotent: however many
// times the same payment is confirmed, at most one subscription assignment
// and one ledger credit happen. The winner of the verified transition does
// the work; every other caller gets the existing result.
func (s *Service) Verify(ctx context.Context, payload gateway.ConfirmationPayload) (*VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.verify")
	defer span.End()

	intent, err := s.store.GetByOrderID(ctx, payload.OrderID)
	if err != nil {
		return nil, err
	}

	if intent.Status == StatusVerified {
		return s.existingResult(ctx, intent)
	}
	if intent.Status == StatusFailed {
		return nil, ErrIntentFailed
	}

	if err := s.gw.VerifyConfirmation(ctx, payload); err != nil {
		if err == gateway.ErrSignatureInvalid {
			intent.Status = StatusFailed
			intent.FailureReason = "signature verification failed"
			if updateErr := s.store.Update(ctx, intent); updateErr != nil {
				s.logger.Error("failed to mark intent failed", "intent", intent.ID, "error", updateErr)
			}
			metrics.PurchasesTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("purchase signature rejected",
				"seller", intent.SellerID, "intent", intent.ID, "order", payload.OrderID)
		}
		return nil, err
	}

	intent, won, err := s.store.MarkVerified(ctx, payload.OrderID, payload.PaymentID)
	if err != nil {
		return nil, err
	}
	if !won {
		if intent.Status == StatusFailed {
			return nil, ErrIntentFailed
		}
		return s.existingResult(ctx, intent)
	}

	p, err := s.plans.Get(ctx, intent.PlanID)
	if err != nil {
		return nil, err
	}

	sub, txnID, err := s.assignAndCredit(ctx, intent.SellerID, p, intent.ID, "purchase")
	if err != nil {
		intent.Status = StatusFailed
		intent.FailureReason = err.Error()
		if updateErr := s.store.Update(ctx, intent); updateErr != nil {
			s.logger.Error("failed to mark intent failed", "intent", intent.ID, "error", updateErr)
		}
		return nil, err
	}

	intent.SubscriptionID = sub.ID
	intent.TransactionID = txnID
	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}

	metrics.PurchasesTotal.WithLabelValues("verified").Inc()
	s.logger.Info("purchase verified",
		"seller", intent.SellerID, "intent", intent.ID, "plan", intent.PlanID,
		"subscription", sub.ID, "payment", payload.PaymentID)
	return &VerifyResult{Intent: intent, Subscription: sub}, nil
}

// assignAndCredit creates the subscription for the plan and appends its
// grant as a single credit entry. referenceID links the entry to the
// purchase intent ("" for direct free-plan assignment, where the plan id
// serves as the reference).
func (s *Service) assignAndCredit(ctx context.Context, sellerID string, p *plan.Plan, referenceID, referenceType string) (*subscription.Subscription, string, error) {
	sub, err := s.subs.AssignPlan(ctx, sellerID, p, false)
	if err != nil {
		return nil, "", err
	}

	txnID := ""
	if p.CreditsGranted > 0 {
		ref := referenceID
		if ref == "" {
			ref = p.ID
		}
		entry, err := s.ledger.Credit(ctx, sub.ID, p.CreditsGranted,
			"plan purchase: "+p.Name, ref, referenceType)
		if err != nil {
			return nil, "", fmt.Errorf("credit plan grant: %w", err)
		}
		txnID = entry.ID
	}

	s.subs.InvalidateCurrent(ctx, sellerID)
	sub, err = s.subs.GetByID(ctx, sub.ID)
	return sub, txnID, err
}

func (s *Service) existingResult(ctx context.Context, intent *Intent) (*VerifyResult, error) {
	// The verified flip and the write of SubscriptionID are two store
	// operations, so a concurrent duplicate can observe the gap between
	// them. Re-read briefly before answering without the subscription.
	for i := 0; i < 5 && intent.Status == StatusVerified && intent.SubscriptionID == ""; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		fresh, err := s.store.GetByID(ctx, intent.ID)
		if err != nil {
			break
		}
		intent = fresh
	}

	result := &VerifyResult{Intent: intent, AlreadyProcessed: true}
	if intent.SubscriptionID != "" {
		sub, err := s.subs.GetByID(ctx, intent.SubscriptionID)
		if err == nil {
			result.Subscription = sub
		}
	}
	return result, nil
}

// GetIntent returns an intent by id.
func (s *Service) GetIntent(ctx context.Context, id string) (*Intent, error) {
	return s.store.GetByID(ctx, id)
}

// StaleIntents lists abandoned checkouts older than maxAge.
func (s *Service) StaleIntents(ctx context.Context, maxAge time.Duration, limit int) ([]*Intent, error) {
	return s.store.ListStale(ctx, time.Now().Add(-maxAge), limit)
}
