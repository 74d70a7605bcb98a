// Package gateway abstracts the external payment provider behind the small
// contract the purchase flow needs: create an order, and verify a signed
// confirmation payload exactly once.
package gateway

import (
	"context"
	"errors"
)

var ErrSignatureInvalid = errors.New("gateway: signature verification failed")

// CreateOrderParams describes the order to open with the provider.
type CreateOrderParams struct {
	Amount   int64  // minor currency units
	Currency string
	PlanID   string
	SellerID string
}

// Order is what the client needs to drive the provider's checkout UI.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"keyId,omitempty"`
	Provider string `json:"provider"`
}

// ConfirmationPayload is the signed result the checkout hands back after
// the seller completes (or the provider settles) a payment.
type ConfirmationPayload struct {
	OrderID   string `json:"orderId" binding:"required"`
	PaymentID string `json:"paymentId" binding:"required"`
	Signature string `json:"signature"`
}

// Gateway is implemented per payment provider.
type Gateway interface {
	Provider() string
	CreateOrder(ctx context.Context, params CreateOrderParams) (*Order, error)
	// VerifyConfirmation validates the payload against the provider.
	// A forged or mismatched payload fails with ErrSignatureInvalid.
	VerifyConfirmation(ctx context.Context, payload ConfirmationPayload) error
}
