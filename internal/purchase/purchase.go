// Package purchase runs the plan payment flow: opening a gateway order,
// verifying the signed confirmation exactly once, and turning a verified
// payment into a subscription plus its ledger credit.
package purchase

import (
	"context"
	"errors"
	"time"
)

var (
	ErrIntentNotFound = errors.New("purchase: intent not found")
	ErrIntentFailed   = errors.New("purchase: intent already failed")
)

// Status is the lifecycle state of a purchase intent.
type Status string

const (
	StatusCreated    Status = "created"
	StatusAuthorized Status = "authorized"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

// Intent tracks one attempted plan purchase through the gateway handshake.
// An abandoned checkout simply leaves the intent in created/authorized;
// nothing is credited until verification succeeds.
type Intent struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`
	PlanID   string `json:"planId"`
	Status   Status `json:"status"`

	GatewayProvider  string `json:"gatewayProvider"`
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId,omitempty"`

	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`

	// Set when verification succeeds.
	SubscriptionID string `json:"subscriptionId,omitempty"`
	TransactionID  string `json:"transactionId,omitempty"`

	FailureReason string `json:"failureReason,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	VerifiedAt time.Time `json:"verifiedAt,omitzero"`
}

// Finalized reports whether the intent reached a terminal state.
func (i *Intent) Finalized() bool {
	return i.Status == StatusVerified || i.Status == StatusFailed
}

// Store persists purchase intents.
type Store interface {
	Create(ctx context.Context, intent *Intent) error
	GetByID(ctx context.Context, id string) (*Intent, error)
	GetByOrderID(ctx context.Context, orderID string) (*Intent, error)
	// MarkVerified atomically transitions the intent for orderID from
	// created/authorized to verified, recording the gateway payment id.
	// It returns the post-transition intent and whether this call won the
	// transition; a caller that lost observes the already-final intent.
	MarkVerified(ctx context.Context, orderID, paymentID string) (*Intent, bool, error)
	// Update persists non-transition fields (verification results, failure
	// reasons).
	Update(ctx context.Context, intent *Intent) error
	// ListStale returns non-finalized intents created before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Intent, error)
}
