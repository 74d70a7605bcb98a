package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/merchantos/entitlement/internal/idgen"
	"github.com/merchantos/entitlement/internal/metrics"
	"github.com/merchantos/entitlement/internal/pagination"
	"github.com/merchantos/entitlement/internal/subscription"
	"github.com/merchantos/entitlement/internal/traces"
)

// Notifier is told after every applied transaction so interested parties
// (websocket clients, cache invalidation) can react. Implementations must
// not block.
type Notifier interface {
	CreditsChanged(sellerID, subscriptionID string, balance int64)
}

// Service provides ledger business logic on top of a Store.
type Service struct {
	store    Store
	subs     subscription.Store
	notifier Notifier // nil disables notifications
	logger   *slog.Logger
}

// NewService creates a new ledger service.
func NewService(store Store, subs subscription.Store, logger *slog.Logger) *Service {
	return &Service{store: store, subs: subs, logger: logger}
}

// SetNotifier wires the post-apply notification hook.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Credit grants plan credits to a subscription, typically after a verified
// purchase. referenceID links the entry back to its cause.
func (s *Service) Credit(ctx context.Context, subscriptionID string, amount int64, description, referenceID, referenceType string) (*Transaction, error) {
	return s.apply(ctx, &Transaction{
		SubscriptionID: subscriptionID,
		Type:           TypeCredit,
		Amount:         amount,
		Description:    description,
		ReferenceID:    referenceID,
		ReferenceType:  referenceType,
	})
}

// Bonus grants administrative top-up credits.
func (s *Service) Bonus(ctx context.Context, subscriptionID string, amount int64, description string) (*Transaction, error) {
	return s.apply(ctx, &Transaction{
		SubscriptionID: subscriptionID,
		Type:           TypeBonus,
		Amount:         amount,
		Description:    description,
	})
}

// RevokeBonus takes back previously granted bonus credits. Fails with
// ErrInsufficientCredits when fewer bonus credits remain than asked.
func (s *Service) RevokeBonus(ctx context.Context, subscriptionID string, amount int64, description string) (*Transaction, error) {
	return s.apply(ctx, &Transaction{
		SubscriptionID: subscriptionID,
		Type:           TypeRevoke,
		Amount:         amount,
		Description:    description,
	})
}

// Debit spends credits for a metered feature. Fails with
// ErrInsufficientCredits when the spendable balance is too low.
func (s *Service) Debit(ctx context.Context, subscriptionID string, amount int64, feature, description, referenceID string) (*Transaction, error) {
	return s.apply(ctx, &Transaction{
		SubscriptionID: subscriptionID,
		Type:           TypeDebit,
		Amount:         amount,
		Feature:        feature,
		Description:    description,
		ReferenceID:    referenceID,
		ReferenceType:  "action",
	})
}

// Refund reverses a prior debit, restoring the credits it spent.
func (s *Service) Refund(ctx context.Context, subscriptionID string, amount int64, feature, description, referenceID string) (*Transaction, error) {
	return s.apply(ctx, &Transaction{
		SubscriptionID: subscriptionID,
		Type:           TypeRefund,
		Amount:         amount,
		Feature:        feature,
		Description:    description,
		ReferenceID:    referenceID,
		ReferenceType:  "transaction",
	})
}

// Reset re-grants allocated credits for a renewal cycle. It behaves like a
// credit but carries its own type so renewals stay distinguishable from
// purchase grants in the log.
func (s *Service) Reset(ctx context.Context, subscriptionID string, amount int64, description string) (*Transaction, error) {
	return s.apply(ctx, &Transaction{
		SubscriptionID: subscriptionID,
		Type:           TypeReset,
		Amount:         amount,
		Description:    description,
		ReferenceType:  "renewal",
	})
}

func (s *Service) apply(ctx context.Context, entry *Transaction) (*Transaction, error) {
	if entry.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry.ID = idgen.WithPrefix("txn_")
	return s.applyEntry(ctx, entry)
}

func (s *Service) applyEntry(ctx context.Context, entry *Transaction) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.apply",
		traces.SubscriptionID(entry.SubscriptionID),
		traces.Amount(entry.Amount))
	defer span.End()

	applied, err := s.store.Apply(ctx, entry)
	if err != nil {
		if err == ErrInsufficientCredits {
			metrics.DebitsDeniedTotal.Inc()
		}
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(applied.Type)).Inc()
	s.logger.Info("ledger transaction applied",
		"transaction", applied.ID,
		"subscription", applied.SubscriptionID,
		"seller", applied.SellerID,
		"type", applied.Type,
		"amount", applied.Amount,
		"balance", applied.BalanceAfter,
		"seq", applied.Seq)

	if s.notifier != nil {
		s.notifier.CreditsChanged(applied.SellerID, applied.SubscriptionID, applied.BalanceAfter)
	}
	return applied, nil
}

// HistoryPage is one page of a subscription's transaction log plus the
// authoritative running totals from the subscription row.
type HistoryPage struct {
	Entries       []*Transaction `json:"entries"`
	Total         int64          `json:"total"`
	Page          int            `json:"page"`
	Limit         int            `json:"limit"`
	Balance       int64          `json:"balance"`
	TotalCredited int64          `json:"totalCredited"`
	TotalDebited  int64          `json:"totalDebited"`
}

// History returns a page of the subscription's log, newest first. The
// totals come from the subscription row's running aggregates, not from
// summing the log, so they are consistent regardless of the page window.
func (s *Service) History(ctx context.Context, subscriptionID string, p pagination.Params) (*HistoryPage, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	entries, total, err := s.store.History(ctx, subscriptionID, p)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	return &HistoryPage{
		Entries:       entries,
		Total:         total,
		Page:          p.Page,
		Limit:         p.Limit,
		Balance:       sub.TotalCreditsRemaining(),
		TotalCredited: sub.TotalCredited,
		TotalDebited:  sub.TotalDebited,
	}, nil
}

// AuditReport compares the subscription row's cached aggregates against
// sums recomputed from the transaction log.
type AuditReport struct {
	SubscriptionID string      `json:"subscriptionId"`
	Consistent     bool        `json:"consistent"`
	Balance        int64       `json:"balance"`
	Cached         *Aggregates `json:"cached"`
	Recomputed     *Aggregates `json:"recomputed"`
	LastSeq        int64       `json:"lastSeq"`
}

// Audit recomputes the log aggregates and checks them against the cached
// totals and the balance identity credited - debited == remaining.
func (s *Service) Audit(ctx context.Context, subscriptionID string) (*AuditReport, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	recomputed, err := s.store.Aggregates(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	cached := &Aggregates{
		TotalCredited: sub.TotalCredited,
		TotalDebited:  sub.TotalDebited,
		Count:         sub.LastSeq,
	}
	balance := sub.TotalCreditsRemaining()

	consistent := cached.TotalCredited == recomputed.TotalCredited &&
		cached.TotalDebited == recomputed.TotalDebited &&
		cached.Count == recomputed.Count &&
		balance == recomputed.TotalCredited-recomputed.TotalDebited

	if !consistent {
		s.logger.Warn("ledger audit mismatch",
			"subscription", subscriptionID,
			"cached_credited", cached.TotalCredited,
			"recomputed_credited", recomputed.TotalCredited,
			"cached_debited", cached.TotalDebited,
			"recomputed_debited", recomputed.TotalDebited)
	}

	return &AuditReport{
		SubscriptionID: subscriptionID,
		Consistent:     consistent,
		Balance:        balance,
		Cached:         cached,
		Recomputed:     recomputed,
		LastSeq:        sub.LastSeq,
	}, nil
}
