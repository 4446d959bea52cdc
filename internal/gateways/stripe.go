package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
)

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint (tests, stripe-mock).
	BaseURL string
	Transport
}

// StripeGateway implements Gateway and Transferer with PaymentIntents,
// Connect transfers and refunds.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	breaker       *circuitbreaker.Breaker
}

var (
	_ Gateway    = (*StripeGateway)(nil)
	_ Transferer = (*StripeGateway)(nil)
)

// NewStripe creates a Stripe gateway.
func NewStripe(cfg StripeConfig) *StripeGateway {
	var backends *stripe.Backends
	if cfg.BaseURL != "" || cfg.HTTPClient != nil {
		bc := &stripe.BackendConfig{HTTPClient: cfg.HTTPClient}
		if cfg.BaseURL != "" {
			bc.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
		}
		backends = stripe.NewBackendsWithConfig(bc)
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewBreaker(5, DefaultTimeout*2)
	}
	return &StripeGateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		breaker:       breaker,
	}
}

func (s *StripeGateway) Name() Name              { return Stripe }
func (s *StripeGateway) SignatureHeader() string { return "Stripe-Signature" }

// classify maps stripe-go errors onto the gateway error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return fmt.Errorf("stripe: %w: %s", ErrUnavailable, se.Msg)
		}
		return fmt.Errorf("stripe: %w: %s", ErrRejected, se.Msg)
	}
	return fmt.Errorf("stripe: %w: %v", ErrUnavailable, err)
}

func (s *StripeGateway) run(ctx context.Context, op string, fn func() error) error {
	return instrument(ctx, Stripe, s.breaker, op, func(context.Context) error {
		return classify(fn())
	})
}

// InitializePayment creates a PaymentIntent. The client secret is returned as
// the access code; Stripe has no hosted URL for a bare intent.
func (s *StripeGateway) InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(minorUnits(req.Amount)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("escrowId", req.EscrowID)
	params.SetIdempotencyKey("init-" + req.Reference)

	var pi *stripe.PaymentIntent
	err := s.run(ctx, "initialize", func() error {
		var err error
		pi, err = s.api.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &InitResult{
		AuthorizationURL: req.CallbackURL,
		AccessCode:       pi.ClientSecret,
		GatewayReference: pi.ID,
	}, nil
}

// VerifyPayment fetches the PaymentIntent by id, or searches by our reference.
func (s *StripeGateway) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	var pi *stripe.PaymentIntent
	err := s.run(ctx, "verify", func() error {
		if req.GatewayReference != "" {
			params := &stripe.PaymentIntentParams{}
			params.Context = ctx
			var err error
			pi, err = s.api.PaymentIntents.Get(req.GatewayReference, params)
			return err
		}
		params := &stripe.PaymentIntentSearchParams{}
		params.Context = ctx
		params.Query = fmt.Sprintf("metadata['reference']:'%s'", req.Reference)
		iter := s.api.PaymentIntents.Search(params)
		if iter.Next() {
			pi = iter.PaymentIntent()
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	if pi == nil {
		return &VerifyResult{Status: PaymentPending, Message: "payment intent not found"}, nil
	}

	status := PaymentPending
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = PaymentSuccess
	case stripe.PaymentIntentStatusCanceled:
		status = PaymentFailed
	}
	raw, _ := json.Marshal(pi)
	return &VerifyResult{
		Status:           status,
		Amount:           fromMinorUnits(pi.AmountReceived),
		Currency:         strings.ToUpper(string(pi.Currency)),
		GatewayReference: pi.ID,
		Message:          string(pi.Status),
		Raw:              raw,
	}, nil
}

// VerifyWebhookSignature validates the Stripe-Signature header, including its
// timestamp tolerance.
func (s *StripeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	if s.webhookSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayload(body, signature, s.webhookSecret) == nil
}

// ParseNotification reads a Stripe event. payment_intent.succeeded reports a payment.
func (s *StripeGateway) ParseNotification(body []byte) (*Notification, error) {
	var evt stripe.Event
	if err := json.Unmarshal(body, &evt); err != nil || evt.ID == "" {
		return nil, fmt.Errorf("stripe: %w", ErrMalformedNotification)
	}
	n := &Notification{EventID: evt.ID, EventType: string(evt.Type)}
	if evt.Data != nil && strings.HasPrefix(string(evt.Type), "payment_intent.") {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err == nil {
			n.Reference = pi.Metadata["reference"]
		}
	}
	n.Success = evt.Type == "payment_intent.succeeded"
	return n, nil
}

// Transfer sends a Connect transfer to the seller's account, or refunds the
// buyer's PaymentIntent. The payout reference is the Stripe idempotency key.
func (s *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Kind == TransferRefund {
		return s.refund(ctx, req)
	}
	if req.Recipient == nil || req.Recipient.ExternalID == "" {
		return nil, fmt.Errorf("%w: stripe transfer requires a connected account", ErrRejected)
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(minorUnits(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Recipient.ExternalID),
		Description:   stripe.String(req.Reason),
		TransferGroup: stripe.String(req.PaymentReference),
	}
	params.Context = ctx
	params.AddMetadata("reference", req.Reference)
	params.SetIdempotencyKey(req.Reference)

	var tr *stripe.Transfer
	err := s.run(ctx, "transfer", func() error {
		var err error
		tr, err = s.api.Transfers.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tr.Reversed {
		return &TransferResult{Status: TransferFailed, GatewayReference: tr.ID, Message: "transfer reversed"}, nil
	}
	return &TransferResult{Status: TransferSuccess, GatewayReference: tr.ID}, nil
}

func (s *StripeGateway) refund(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.GatewayPaymentReference == "" {
		return nil, fmt.Errorf("%w: stripe refund requires the payment intent id", ErrRejected)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.GatewayPaymentReference),
		Amount:        stripe.Int64(minorUnits(req.Amount)),
	}
	params.Context = ctx
	params.AddMetadata("reference", req.Reference)
	params.SetIdempotencyKey(req.Reference)

	var rf *stripe.Refund
	err := s.run(ctx, "refund", func() error {
		var err error
		rf, err = s.api.Refunds.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	status := TransferPending
	switch rf.Status {
	case stripe.RefundStatusSucceeded:
		status = TransferSuccess
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = TransferFailed
	}
	return &TransferResult{Status: status, GatewayReference: rf.ID}, nil
}
