package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/merchantos/entitlement/internal/idgen"
)

// Compile-time check that CheckoutGateway implements Gateway.
var _ Gateway = (*CheckoutGateway)(nil)

// CheckoutGateway implements the hosted-checkout handshake: orders are
// created locally and the provider signs "orderID|paymentID" with a shared
// secret. Verification recomputes the HMAC and compares in constant time.
type CheckoutGateway struct {
	keyID  string
	secret []byte
}

// NewCheckoutGateway creates an HMAC-signed checkout gateway.
func NewCheckoutGateway(keyID, secret string) *CheckoutGateway {
	return &CheckoutGateway{keyID: keyID, secret: []byte(secret)}
}

func (g *CheckoutGateway) Provider() string { return "checkout" }

func (g *CheckoutGateway) CreateOrder(ctx context.Context, params CreateOrderParams) (*Order, error) {
	return &Order{
		ID:       idgen.WithPrefix("ord_"),
		Amount:   params.Amount,
		Currency: params.Currency,
		KeyID:    g.keyID,
		Provider: g.Provider(),
	}, nil
}

func (g *CheckoutGateway) VerifyConfirmation(ctx context.Context, payload ConfirmationPayload) error {
	expected := g.Sign(payload.OrderID, payload.PaymentID)
	if !hmac.Equal([]byte(expected), []byte(payload.Signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign produces the hex HMAC-SHA256 signature the provider attaches to a
// confirmation. Exported for the checkout simulator and tests.
func (g *CheckoutGateway) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
