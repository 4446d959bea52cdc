package gateways

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// SandboxGateway is an in-process provider for development and tests.
// Payments stay pending until MarkPaid or SetPaymentStatus is called, and
// failures can be injected for verification and transfers.
type SandboxGateway struct {
	secret string

	mu          sync.Mutex
	payments    map[string]*sandboxPayment
	transfers   map[string]*TransferResult
	moved       map[string]int
	calls       map[string]int
	verifyErr   error
	transferErr error
	transferSt  TransferStatus
}

type sandboxPayment struct {
	status   PaymentStatus
	amount   decimal.Decimal
	currency string
}

var (
	_ Gateway    = (*SandboxGateway)(nil)
	_ Transferer = (*SandboxGateway)(nil)
)

// NewSandbox creates a sandbox gateway signing webhooks with secret.
func NewSandbox(secret string) *SandboxGateway {
	return &SandboxGateway{
		secret:     secret,
		payments:   make(map[string]*sandboxPayment),
		transfers:  make(map[string]*TransferResult),
		moved:      make(map[string]int),
		calls:      make(map[string]int),
		transferSt: TransferSuccess,
	}
}

func (s *SandboxGateway) Name() Name              { return Sandbox }
func (s *SandboxGateway) SignatureHeader() string { return "x-sandbox-signature" }

// InitializePayment records a pending payment.
func (s *SandboxGateway) InitializePayment(_ context.Context, req InitRequest) (*InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[req.Reference] = &sandboxPayment{status: PaymentPending, amount: req.Amount, currency: req.Currency}
	return &InitResult{
		AuthorizationURL: "https://sandbox.escrowd.local/checkout/" + req.Reference,
		GatewayReference: "sbx_" + req.Reference,
	}, nil
}

// VerifyPayment reports the recorded payment state.
func (s *SandboxGateway) VerifyPayment(_ context.Context, req VerifyRequest) (*VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	p, ok := s.payments[req.Reference]
	if !ok {
		return &VerifyResult{Status: PaymentFailed, Message: "unknown reference"}, nil
	}
	return &VerifyResult{
		Status:           p.status,
		Amount:           p.amount,
		Currency:         p.currency,
		GatewayReference: "sbx_" + req.Reference,
	}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 hex digest of the body.
func (s *SandboxGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return verifyHex(sha256.New, s.secret, body, signature)
}

// Sign returns the signature the sandbox expects for body.
func (s *SandboxGateway) Sign(body []byte) string {
	return signHex(sha256.New, s.secret, body)
}

// SandboxEvent is the sandbox webhook body.
type SandboxEvent struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Reference string `json:"reference"`
}

// ParseNotification reads a SandboxEvent. "charge.success" reports a payment.
func (s *SandboxGateway) ParseNotification(body []byte) (*Notification, error) {
	var evt SandboxEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.ID == "" {
		return nil, fmt.Errorf("sandbox: %w", ErrMalformedNotification)
	}
	return &Notification{
		EventID:   evt.ID,
		EventType: evt.Event,
		Reference: evt.Reference,
		Success:   evt.Event == "charge.success",
	}, nil
}

// Transfer records a payout or refund. A reference that already succeeded
// returns the earlier result without moving money again.
func (s *SandboxGateway) Transfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Reference]++
	if s.transferErr != nil {
		return nil, s.transferErr
	}
	if prev, ok := s.transfers[req.Reference]; ok && prev.Status == TransferSuccess {
		return prev, nil
	}
	res := &TransferResult{Status: s.transferSt, GatewayReference: "sbx_tr_" + req.Reference}
	s.transfers[req.Reference] = res
	if res.Status == TransferSuccess {
		s.moved[req.Reference]++
	}
	return res, nil
}

// MarkPaid settles a payment for the amount it was initialized with.
func (s *SandboxGateway) MarkPaid(reference string) {
	s.SetPaymentStatus(reference, PaymentSuccess)
}

// SetPaymentStatus changes what VerifyPayment reports for reference.
func (s *SandboxGateway) SetPaymentStatus(reference string, status PaymentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[reference]; ok {
		p.status = status
		return
	}
	s.payments[reference] = &sandboxPayment{status: status}
}

// SetPaidAmount overrides the amount VerifyPayment reports for reference.
func (s *SandboxGateway) SetPaidAmount(reference string, amount decimal.Decimal, currency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if !ok {
		p = &sandboxPayment{status: PaymentPending}
		s.payments[reference] = p
	}
	p.amount, p.currency = amount, currency
}

// SetVerifyError makes VerifyPayment fail with err until cleared with nil.
func (s *SandboxGateway) SetVerifyError(err error) {
	s.mu.Lock()
	s.verifyErr = err
	s.mu.Unlock()
}

// SetTransferOutcome makes subsequent transfers return status, or fail with err.
func (s *SandboxGateway) SetTransferOutcome(status TransferStatus, err error) {
	s.mu.Lock()
	s.transferSt, s.transferErr = status, err
	s.mu.Unlock()
}

// TransferCalls is the number of Transfer calls made for reference.
func (s *SandboxGateway) TransferCalls(reference string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[reference]
}

// MoneyMoved is the number of times a transfer for reference actually paid out.
func (s *SandboxGateway) MoneyMoved(reference string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moved[reference]
}
