// Package subscription tracks each seller's current plan binding.
//
// A seller has at most one active subscription at a time. Plan changes never
// mutate the old record in place: the previous row is superseded and a fresh
// row created, so the ledger history keeps pointing at the subscription it
// was written against.
//
// The credit columns (creditsAllocated, creditsUsed, bonusCredits and the
// running aggregates) are cached projections of the ledger; only the ledger
// package mutates them.
package subscription

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("subscription: not found")
	ErrVersionConflict = errors.New("subscription: concurrent update conflict")
)

// Status represents a subscription's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusPending   Status = "pending"
)

// Subscription binds a seller to one plan version.
type Subscription struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`
	PlanID   string `json:"planId"` // foreign key only; the plan is fetched, never embedded
	Status   Status `json:"status"`

	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate,omitzero"` // zero = no expiry (free plan)
	RenewalDate time.Time `json:"renewalDate,omitzero"`

	CreditsAllocated int64 `json:"creditsAllocated"`
	CreditsUsed      int64 `json:"creditsUsed"`
	BonusCredits     int64 `json:"bonusCredits"`

	// Running ledger aggregates, reconciled against the transaction log on audit.
	TotalCredited int64 `json:"totalCredited"`
	TotalDebited  int64 `json:"totalDebited"`

	// LastSeq is the sequence number of the most recent ledger transaction.
	LastSeq int64 `json:"lastSeq"`

	IsAutoAssigned bool `json:"isAutoAssigned"`

	// Version guards optimistic-concurrency updates.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreditsRemaining is the unspent part of the allocated credits.
func (s *Subscription) CreditsRemaining() int64 {
	return s.CreditsAllocated - s.CreditsUsed
}

// TotalCreditsRemaining is the spendable balance including bonus credits.
func (s *Subscription) TotalCreditsRemaining() int64 {
	return s.CreditsRemaining() + s.BonusCredits
}

// IsActive reports whether the subscription grants anything at the given
// time. A row still marked active but past its end date is treated as
// inactive even if the expiry sweep has not caught up yet.
func (s *Subscription) IsActive(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	return s.EndDate.IsZero() || now.Before(s.EndDate)
}

// Store persists subscription records.
type Store interface {
	GetByID(ctx context.Context, id string) (*Subscription, error)
	// GetCurrent returns the seller's active subscription, or ErrNotFound.
	GetCurrent(ctx context.Context, sellerID string) (*Subscription, error)
	// Assign inserts sub and supersedes any existing active subscription for
	// the same seller (marking it cancelled) in a single atomic step.
	Assign(ctx context.Context, sub *Subscription) error
	// Update persists status/date changes guarded by the record version.
	Update(ctx context.Context, sub *Subscription) error
	// ExpireDue marks active subscriptions past their end date as expired
	// and returns how many rows were flipped.
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}
