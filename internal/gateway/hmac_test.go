package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutGatewayRoundtrip(t *testing.T) {
	ctx := context.Background()
	gw := NewCheckoutGateway("key_test", "shared-secret")

	order, err := gw.CreateOrder(ctx, CreateOrderParams{
		Amount:   4900,
		Currency: "MYR",
		PlanID:   "plan_pro_monthly",
		SellerID: "seller_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "key_test", order.KeyID)
	assert.Equal(t, "checkout", order.Provider)
	assert.NotEmpty(t, order.ID)

	err = gw.VerifyConfirmation(ctx, ConfirmationPayload{
		OrderID:   order.ID,
		PaymentID: "pay_1",
		Signature: gw.Sign(order.ID, "pay_1"),
	})
	assert.NoError(t, err)
}

func TestCheckoutGatewayRejectsTampering(t *testing.T) {
	ctx := context.Background()
	gw := NewCheckoutGateway("key_test", "shared-secret")
	sig := gw.Sign("ord_1", "pay_1")

	cases := map[string]ConfirmationPayload{
		"wrong order":     {OrderID: "ord_2", PaymentID: "pay_1", Signature: sig},
		"wrong payment":   {OrderID: "ord_1", PaymentID: "pay_2", Signature: sig},
		"empty signature": {OrderID: "ord_1", PaymentID: "pay_1"},
		"garbage":         {OrderID: "ord_1", PaymentID: "pay_1", Signature: "deadbeef"},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, gw.VerifyConfirmation(ctx, payload), ErrSignatureInvalid)
		})
	}
}

func TestCheckoutGatewaySecretMatters(t *testing.T) {
	ctx := context.Background()
	a := NewCheckoutGateway("key_test", "secret-a")
	b := NewCheckoutGateway("key_test", "secret-b")

	err := b.VerifyConfirmation(ctx, ConfirmationPayload{
		OrderID:   "ord_1",
		PaymentID: "pay_1",
		Signature: a.Sign("ord_1", "pay_1"),
	})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}
