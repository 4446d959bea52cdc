// Package payments collects buyer payments and reconciles gateway webhooks.
//
// A webhook is never trusted for money facts. The Reconciler stores every
// notification before acting on it, asks the gateway for the payment's real
// status, and only then completes the payment, moves the escrow to paid and
// appends the ledger row, all in one store transaction. Anything that could
// succeed later (gateway down, verification pending) is handed to the
// webhook.reprocess queue.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
)

var (
	ErrPaymentNotFound   = fmt.Errorf("payment not found: %w", apperr.ErrNotFound)
	ErrEventNotFound     = fmt.Errorf("webhook event not found: %w", apperr.ErrNotFound)
	ErrPaymentInProgress = fmt.Errorf("a payment is already in progress for this escrow: %w", apperr.ErrConflict)
	ErrAlreadyCompleted  = fmt.Errorf("payment already completed: %w", apperr.ErrConflict)
	ErrInvalidSignature  = fmt.Errorf("webhook signature mismatch: %w", apperr.ErrWebhookInvalid)
	ErrNotBuyer          = fmt.Errorf("only the buyer can pay for an escrow: %w", apperr.ErrForbidden)
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInitialized Status = "initialized"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRefunded    Status = "refunded"
)

// Live reports whether a payment can still complete.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusInitialized
}

// Payment is a buyer's payment into an escrow. (Gateway, Reference) is unique.
type Payment struct {
	ID               string          `json:"id"`
	EscrowID         string          `json:"escrowId"`
	PayerID          string          `json:"payerId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Gateway          gateways.Name   `json:"gateway"`
	Reference        string          `json:"reference"`
	GatewayReference string          `json:"gatewayReference,omitempty"`
	AuthorizationURL string          `json:"authorizationUrl,omitempty"`
	Status           Status          `json:"status"`
	FailureReason    string          `json:"failureReason,omitempty"`
	GatewayResponse  json.RawMessage `json:"-"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// WebhookEvent is one inbound gateway notification, stored before it is acted on.
type WebhookEvent struct {
	ID              string        `json:"id"`
	Gateway         gateways.Name `json:"gateway"`
	EventID         string        `json:"eventId,omitempty"`
	EventType       string        `json:"eventType"`
	Reference       string        `json:"reference,omitempty"`
	Payload         []byte        `json:"-"`
	Signature       string        `json:"-"`
	IsProcessed     bool          `json:"isProcessed"`
	ProcessedAt     *time.Time    `json:"processedAt,omitempty"`
	ProcessingError string        `json:"processingError,omitempty"`
	ReceivedAt      time.Time     `json:"receivedAt"`
}

// Completion is the all-or-nothing write that confirms a payment.
type Completion struct {
	PaymentID        string
	EscrowID         string
	EventID          string
	GatewayReference string
	GatewayResponse  json.RawMessage
	At               time.Time
	Ledger           *ledger.Transaction
}

// Store persists payments and webhook events.
type Store interface {
	jobs.Enqueuer
	GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error)

	// InitializePayment inserts p and records its reference and gateway on
	// the escrow, which must still be waiting_for_payment. A second live
	// payment for the escrow returns ErrPaymentInProgress.
	InitializePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByReference(ctx context.Context, gateway gateways.Name, reference string) (*Payment, error)
	ListPaymentsByEscrow(ctx context.Context, escrowID string) ([]*Payment, error)

	// CompletePayment marks the payment completed, moves the escrow
	// waiting_for_payment -> paid, appends the ledger row and marks the event
	// processed in one transaction. It returns ErrAlreadyCompleted or
	// escrow.ErrConflict without writing anything when a guard fails.
	CompletePayment(ctx context.Context, c Completion) error
	// FailPayment marks a non-completed payment failed and the event processed.
	FailPayment(ctx context.Context, paymentID, eventID, reason string, response json.RawMessage, at time.Time) error

	SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)
	// MarkWebhookProcessed sets is_processed with an optional processing error.
	MarkWebhookProcessed(ctx context.Context, id string, at time.Time, processingError string) error
	// RecordWebhookError stores a processing error without marking the event processed.
	RecordWebhookError(ctx context.Context, id, processingError string) error
	// ListStaleWebhooks returns unprocessed events without a recorded error
	// received before the cutoff, oldest first.
	ListStaleWebhooks(ctx context.Context, before time.Time, limit int) ([]*WebhookEvent, error)
}
