package gateways

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
)

func newPaystackServer(t *testing.T, handler http.HandlerFunc) (*PaystackGateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPaystack(PaystackConfig{
		SecretKey: "sk_test",
		BaseURL:   srv.URL,
		Transport: Transport{Breaker: NewBreaker(2, time.Minute)},
	}), srv
}

func TestPaystack_InitializePayment(t *testing.T) {
	var got map[string]any
	gw, _ := newPaystackServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"authorization_url":"https://checkout.paystack.com/x","access_code":"ac_1","reference":"PAYSTACK-ABC-1"}}`))
	})

	res, err := gw.InitializePayment(context.Background(), InitRequest{
		Reference: "PAYSTACK-ABC-1",
		Amount:    decimal.RequireFromString("1500.25"),
		Currency:  "NGN",
		Email:     "buyer@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/x", res.AuthorizationURL)
	assert.Equal(t, float64(150025), got["amount"])
}

func TestPaystack_VerifyPayment(t *testing.T) {
	gw, _ := newPaystackServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/PAYSTACK-ABC-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":true,"data":{"id":42,"status":"success","reference":"PAYSTACK-ABC-1","amount":150025,"currency":"NGN"}}`))
	})

	res, err := gw.VerifyPayment(context.Background(), VerifyRequest{Reference: "PAYSTACK-ABC-1"})
	require.NoError(t, err)
	assert.Equal(t, PaymentSuccess, res.Status)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("1500.25")))
	assert.Equal(t, "42", res.GatewayReference)
}

func TestPaystack_ServerErrorIsUnavailableAndTripsBreaker(t *testing.T) {
	var hits atomic.Int32
	gw, _ := newPaystackServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		_, err := gw.VerifyPayment(context.Background(), VerifyRequest{Reference: "R"})
		assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	}
	// Threshold is 2: the third call is rejected by the open circuit.
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, circuitbreaker.StateOpen, gw.client.breaker.State(string(Paystack)))
}

func TestPaystack_ClientErrorDoesNotTripBreaker(t *testing.T) {
	gw, _ := newPaystackServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid key"}`))
	})

	for i := 0; i < 3; i++ {
		_, err := gw.VerifyPayment(context.Background(), VerifyRequest{Reference: "R"})
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, circuitbreaker.StateClosed, gw.client.breaker.State(string(Paystack)))
}

func TestPaystack_WebhookSignature(t *testing.T) {
	gw := NewPaystack(PaystackConfig{SecretKey: "sk_test"})
	body := []byte(`{"event":"charge.success","data":{"id":7,"reference":"PAYSTACK-ABC-1","status":"success"}}`)

	mac := hmac.New(sha512.New, []byte("sk_test"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, gw.VerifyWebhookSignature(body, sig))
	assert.False(t, gw.VerifyWebhookSignature(append(body, ' '), sig))

	n, err := gw.ParseNotification(body)
	require.NoError(t, err)
	assert.Equal(t, "charge.success:7", n.EventID)
	assert.Equal(t, "PAYSTACK-ABC-1", n.Reference)
	assert.True(t, n.Success)
}

func TestPaystack_TransferReusesExisting(t *testing.T) {
	var created atomic.Int32
	gw, _ := newPaystackServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transfer/verify/esc_1-seller":
			_, _ = w.Write([]byte(`{"status":true,"data":{"status":"success","transfer_code":"TRF_1","reference":"esc_1-seller"}}`))
		default:
			created.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	res, err := gw.Transfer(context.Background(), TransferRequest{
		Kind:      TransferPayout,
		Reference: "esc_1:seller",
		Amount:    decimal.NewFromInt(100),
		Currency:  "NGN",
		Recipient: &Recipient{AccountName: "Seller", BankCode: "058", AccountNumber: "0123456789"},
	})
	require.NoError(t, err)
	assert.Equal(t, TransferSuccess, res.Status)
	assert.Equal(t, "TRF_1", res.GatewayReference)
	assert.Equal(t, int32(0), created.Load())
}

func TestPaystack_TransferCreatesWhenMissing(t *testing.T) {
	gw, _ := newPaystackServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transfer/verify/esc_1-seller":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":false,"message":"Transfer not found"}`))
		case "/transferrecipient":
			_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_1"}}`))
		case "/transfer":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "RCP_1", body["recipient"])
			assert.Equal(t, "esc_1-seller", body["reference"])
			_, _ = w.Write([]byte(`{"status":true,"data":{"status":"pending","transfer_code":"TRF_2"}}`))
		}
	})

	res, err := gw.Transfer(context.Background(), TransferRequest{
		Kind:      TransferPayout,
		Reference: "esc_1:seller",
		Amount:    decimal.NewFromInt(100),
		Currency:  "NGN",
		Recipient: &Recipient{AccountName: "Seller", BankCode: "058", AccountNumber: "0123456789"},
	})
	require.NoError(t, err)
	assert.Equal(t, TransferPending, res.Status)
}
