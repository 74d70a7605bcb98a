// Package ledger is the append-only credit transaction log.
//
// Every balance change on a subscription happens here: credits granted on
// purchase, bonus top-ups, metered debits, refunds, and renewal resets. Each transaction snapshots the spendable balance before and after
// it applied, and carries a per-subscription sequence number, so history
// can be replayed and the cached balance on the subscription row audited.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/merchantos/entitlement/internal/pagination"
	"github.com/merchantos/entitlement/internal/subscription"
)

var (
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// Type classifies a ledger transaction.
type Type string

const (
	TypeCredit Type = "credit" // plan purchase grant
	TypeBonus  Type = "bonus"  // administrative top-up
	TypeDebit  Type = "debit"  // metered feature spend
	TypeRefund Type = "refund" // reversal of a prior debit
	TypeRevoke Type = "revoke" // reversal of a bonus top-up
	TypeReset  Type = "reset"  // credit re-grant on plan renewal
)

// Transaction is one immutable entry in a subscription's credit log.
type Transaction struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscriptionId"`
	SellerID       string `json:"sellerId"`

	// Seq orders transactions within one subscription, starting at 1.
	Seq    int64 `json:"seq"`
	Type   Type  `json:"type"`
	Amount int64 `json:"amount"`

	// Spendable balance snapshots taken atomically with the apply.
	BalanceBefore int64 `json:"balanceBefore"`
	BalanceAfter  int64 `json:"balanceAfter"`

	Description string `json:"description,omitempty"`
	// Feature is the page.action tag for debits and refunds.
	Feature string `json:"feature,omitempty"`
	// ReferenceID/ReferenceType link the entry to its cause, e.g. a
	// purchase intent or the plan that granted the credits.
	ReferenceID   string `json:"referenceId,omitempty"`
	ReferenceType string `json:"referenceType,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Aggregates are per-type sums recomputed from the transaction log,
// used to audit the running totals cached on the subscription row.
type Aggregates struct {
	TotalCredited int64 `json:"totalCredited"`
	TotalDebited  int64 `json:"totalDebited"`
	Count         int64 `json:"count"`
}

// Store persists transactions and applies their balance effects atomically.
type Store interface {
	// Apply atomically applies entry against its subscription's balance and
	// appends it to the log. The store fills Seq, SellerID, the balance
	// snapshots, and CreatedAt. A debit that exceeds the spendable balance
	// fails with ErrInsufficientCredits and leaves no trace.
	Apply(ctx context.Context, entry *Transaction) (*Transaction, error)
	// History returns entries for a subscription, newest first, plus the
	// total entry count.
	History(ctx context.Context, subscriptionID string, p pagination.Params) ([]*Transaction, int64, error)
	// Aggregates recomputes per-type sums from the log.
	Aggregates(ctx context.Context, subscriptionID string) (*Aggregates, error)
}

// applyBalances mutates sub according to entry and fills the entry's
// derived fields. Both stores funnel their balance math through here so
// memory and postgres mode cannot drift.
//
// Debits consume allocated credits first and only then bonus credits.
func applyBalances(sub *subscription.Subscription, e *Transaction) error {
	before := sub.TotalCreditsRemaining()

	switch e.Type {
	case TypeCredit, TypeReset:
		sub.CreditsAllocated += e.Amount
		sub.TotalCredited += e.Amount
	case TypeBonus:
		sub.BonusCredits += e.Amount
		sub.TotalCredited += e.Amount
	case TypeDebit:
		if before < e.Amount {
			return ErrInsufficientCredits
		}
		fromAllocated := min(e.Amount, sub.CreditsRemaining())
		sub.CreditsUsed += fromAllocated
		sub.BonusCredits -= e.Amount - fromAllocated
		sub.TotalDebited += e.Amount
	case TypeRefund:
		back := min(e.Amount, sub.CreditsUsed)
		sub.CreditsUsed -= back
		sub.BonusCredits += e.Amount - back
		sub.TotalCredited += e.Amount
	case TypeRevoke:
		// Only bonus credits are revocable; allocated credits stay.
		if sub.BonusCredits < e.Amount {
			return ErrInsufficientCredits
		}
		sub.BonusCredits -= e.Amount
		sub.TotalDebited += e.Amount
	default:
		return fmt.Errorf("ledger: unknown transaction type %q", e.Type)
	}

	sub.LastSeq++
	e.Seq = sub.LastSeq
	e.SellerID = sub.SellerID
	e.BalanceBefore = before
	e.BalanceAfter = sub.TotalCreditsRemaining()
	return nil
}
