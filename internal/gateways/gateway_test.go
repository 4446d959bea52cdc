package gateways

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/apperr"
)

func TestRegistry(t *testing.T) {
	sbx := NewSandbox("s")
	reg := NewRegistry(Sandbox, sbx, NewPaystack(PaystackConfig{SecretKey: "sk"}))

	g, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, Sandbox, g.Name())

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownGateway)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	tr, err := reg.Transferer(Paystack)
	require.NoError(t, err)
	assert.NotNil(t, tr)

	assert.Equal(t, []Name{Paystack, Sandbox}, reg.Names())
}

type initOnly struct{ Gateway }

func (initOnly) Name() Name { return "initonly" }

func TestRegistry_TransfersUnsupported(t *testing.T) {
	reg := NewRegistry("initonly", initOnly{})
	_, err := reg.Transferer("initonly")
	assert.ErrorIs(t, err, ErrTransfersUnsupported)
}

func TestParseName(t *testing.T) {
	assert.Equal(t, Paystack, ParseName("  PayStack "))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1050050), minorUnits(decimal.RequireFromString("10500.50")))
	assert.True(t, fromMinorUnits(1050050).Equal(decimal.RequireFromString("10500.50")))
}

func TestSafeReference(t *testing.T) {
	assert.Equal(t, "esc_abc-seller", safeReference("esc_abc:seller"))
}

func TestStatusErrorClassification(t *testing.T) {
	assert.ErrorIs(t, &StatusError{Gateway: Paystack, Status: 503}, apperr.ErrGatewayUnavailable)
	assert.ErrorIs(t, &StatusError{Gateway: Paystack, Status: 429}, apperr.ErrGatewayUnavailable)
	assert.ErrorIs(t, &StatusError{Gateway: Paystack, Status: 400}, ErrRejected)
	assert.False(t, errors.Is(&StatusError{Gateway: Paystack, Status: 400}, apperr.ErrGatewayUnavailable))
	assert.True(t, IsNotFound(&StatusError{Gateway: Paystack, Status: 404}))
}

func TestSandbox_PaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	sbx := NewSandbox("secret")

	_, err := sbx.InitializePayment(ctx, InitRequest{Reference: "SANDBOX-1", Amount: decimal.NewFromInt(500), Currency: "NGN"})
	require.NoError(t, err)

	res, err := sbx.VerifyPayment(ctx, VerifyRequest{Reference: "SANDBOX-1"})
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, res.Status)

	sbx.MarkPaid("SANDBOX-1")
	res, err = sbx.VerifyPayment(ctx, VerifyRequest{Reference: "SANDBOX-1"})
	require.NoError(t, err)
	assert.Equal(t, PaymentSuccess, res.Status)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(500)))

	sbx.SetVerifyError(ErrUnavailable)
	_, err = sbx.VerifyPayment(ctx, VerifyRequest{Reference: "SANDBOX-1"})
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
}

func TestSandbox_SignatureAndParse(t *testing.T) {
	sbx := NewSandbox("secret")
	body := []byte(`{"id":"evt_1","event":"charge.success","reference":"SANDBOX-1"}`)

	assert.True(t, sbx.VerifyWebhookSignature(body, sbx.Sign(body)))
	assert.False(t, sbx.VerifyWebhookSignature(body, "deadbeef"))
	assert.False(t, sbx.VerifyWebhookSignature(body, ""))

	n, err := sbx.ParseNotification(body)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", n.EventID)
	assert.True(t, n.Success)

	_, err = sbx.ParseNotification([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedNotification)
}

func TestSandbox_TransferIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sbx := NewSandbox("secret")
	req := TransferRequest{Kind: TransferPayout, Reference: "esc_1:seller", Amount: decimal.NewFromInt(10), Currency: "NGN"}

	for i := 0; i < 3; i++ {
		res, err := sbx.Transfer(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, TransferSuccess, res.Status)
	}
	assert.Equal(t, 3, sbx.TransferCalls("esc_1:seller"))
	assert.Equal(t, 1, sbx.MoneyMoved("esc_1:seller"))
}
