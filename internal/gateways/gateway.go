// Package gateways talks to payment providers.
//
// Every provider implements Gateway: start a checkout, verify a payment
// server-to-server, and authenticate and parse its webhook notifications.
// Providers that can move money out (payouts to sellers, refunds to buyers)
// also implement Transferer. Escrow logic never depends on a provider's wire
// format; it only sees the types in this file.
package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
)

// Errors
var (
	ErrUnknownGateway       = fmt.Errorf("unknown payment gateway: %w", apperr.ErrNotFound)
	ErrTransfersUnsupported = errors.New("gateway does not support transfers")
	// ErrUnavailable wraps apperr.ErrGatewayUnavailable: network failures,
	// timeouts, 5xx responses and an open circuit. Callers retry these.
	ErrUnavailable = fmt.Errorf("gateway request failed: %w", apperr.ErrGatewayUnavailable)
	// ErrRejected is a definitive refusal (4xx or a failed status in the body).
	ErrRejected = errors.New("gateway rejected request")
	// ErrMalformedNotification is returned by ParseNotification for bodies it cannot read.
	ErrMalformedNotification = errors.New("malformed webhook notification")
)

// Name identifies a provider.
type Name string

const (
	Paystack    Name = "paystack"
	Flutterwave Name = "flutterwave"
	Monnify     Name = "monnify"
	Stripe      Name = "stripe"
	Sandbox     Name = "sandbox"
)

// ParseName normalizes s into a Name. It does not check registration.
func ParseName(s string) Name {
	return Name(strings.ToLower(strings.TrimSpace(s)))
}

// InitRequest starts a checkout for an escrow payment.
type InitRequest struct {
	Reference   string
	EscrowID    string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	CustomerID  string
	Description string
	CallbackURL string
}

// InitResult is the provider's checkout handle.
type InitResult struct {
	AuthorizationURL string          `json:"authorizationUrl"`
	AccessCode       string          `json:"accessCode,omitempty"`
	GatewayReference string          `json:"gatewayReference,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// VerifyRequest identifies a payment to look up.
type VerifyRequest struct {
	Reference        string
	GatewayReference string
}

// PaymentStatus is the provider's view of a payment.
type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
	PaymentPending PaymentStatus = "pending"
)

// VerifyResult is the authoritative state of a payment as reported by the provider.
type VerifyResult struct {
	Status           PaymentStatus
	Amount           decimal.Decimal
	Currency         string
	GatewayReference string
	Message          string
	Raw              json.RawMessage
}

// Notification is the provider-independent content of a webhook.
type Notification struct {
	EventID   string
	EventType string
	Reference string
	// Success is true when the event claims the payment succeeded. It is a
	// hint only: reconciliation always verifies with the provider.
	Success bool
}

// Gateway is the capability every provider implements.
type Gateway interface {
	Name() Name
	InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error)
	VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string
	VerifyWebhookSignature(body []byte, signature string) bool
	ParseNotification(body []byte) (*Notification, error)
}

// TransferKind distinguishes seller payouts from buyer refunds.
type TransferKind string

const (
	TransferPayout TransferKind = "payout"
	TransferRefund TransferKind = "refund"
)

// Recipient is a payout destination.
type Recipient struct {
	AccountName   string `json:"accountName"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	// ExternalID is a provider-side handle (Paystack recipient code, Stripe account id).
	ExternalID string `json:"externalId,omitempty"`
}

// TransferRequest moves money out of the platform. Reference is the
// idempotency key: repeating a request with the same reference never
// moves money twice.
type TransferRequest struct {
	Kind                    TransferKind
	Reference               string
	Amount                  decimal.Decimal
	Currency                string
	Recipient               *Recipient
	PaymentReference        string
	GatewayPaymentReference string
	Reason                  string
}

// TransferStatus is the provider's view of a transfer.
type TransferStatus string

const (
	TransferSuccess TransferStatus = "success"
	TransferPending TransferStatus = "pending"
	TransferFailed  TransferStatus = "failed"
)

// TransferResult is the outcome of a transfer request.
type TransferResult struct {
	Status           TransferStatus
	GatewayReference string
	Message          string
}

// Transferer is implemented by providers that can pay out and refund.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// Registry holds the configured providers.
type Registry struct {
	gateways map[Name]Gateway
	def      Name
}

// NewRegistry creates a registry. def is used when a caller names no gateway.
func NewRegistry(def Name, gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Name]Gateway, len(gws)), def: def}
	for _, g := range gws {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the gateway registered under name.
func (r *Registry) Get(name Name) (Gateway, error) {
	if name == "" {
		name = r.def
	}
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return g, nil
}

// Transferer returns the transfer capability of the named gateway.
func (r *Registry) Transferer(name Name) (Transferer, error) {
	g, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	t, ok := g.(Transferer)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrTransfersUnsupported)
	}
	return t, nil
}

// Default returns the default gateway name.
func (r *Registry) Default() Name { return r.def }

// Names returns the registered gateway names in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// minorUnits converts a major-unit amount into integer minor units (kobo, cents).
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// fromMinorUnits converts integer minor units back into a major-unit amount.
func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// safeReference maps an idempotency key ("esc_x:seller") onto the
// [A-Za-z0-9_-] alphabet providers accept for transfer references.
func safeReference(ref string) string {
	return strings.ReplaceAll(ref, ":", "-")
}
