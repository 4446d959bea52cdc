// Package payouts moves money out of escrow: seller payouts and buyer refunds.
//
// Every movement is a Payout row keyed by (escrow, leg), so one escrow can pay
// each party at most once. Rows are created alongside the escrow or dispute
// change that requires them, together with a payout.execute job; the Executor
// performs the transfer with the row's reference as the idempotency key.
package payouts

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
)

var (
	ErrPayoutNotFound  = fmt.Errorf("payout not found: %w", apperr.ErrNotFound)
	ErrAccountNotFound = fmt.Errorf("payout account not found: %w", apperr.ErrNotFound)
	ErrNotFailed       = fmt.Errorf("only failed payouts can be retried: %w", apperr.ErrStateInvalid)
	ErrLegExists       = fmt.Errorf("payout leg already exists: %w", apperr.ErrConflict)
)

// Leg identifies which party a payout pays.
type Leg string

const (
	LegBuyer  Leg = "buyer"
	LegSeller Leg = "seller"
)

// Kind distinguishes a payout to the seller from a refund to the buyer.
type Kind string

const (
	KindPayout Kind = "payout"
	KindRefund Kind = "refund"
)

// Status is the lifecycle state of a payout.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Payout is one money movement out of an escrow. Refunds are issued against
// the buyer's original payment (PaymentReference, GatewayPaymentReference).
type Payout struct {
	ID                      string              `json:"id"`
	EscrowID                string              `json:"escrowId"`
	DisputeID               string              `json:"disputeId,omitempty"`
	Leg                     Leg                 `json:"leg"`
	Kind                    Kind                `json:"kind"`
	RecipientID             string              `json:"recipientId"`
	Recipient               *gateways.Recipient `json:"recipient,omitempty"`
	Amount                  decimal.Decimal     `json:"amount"`
	Currency                string              `json:"currency"`
	Gateway                 gateways.Name       `json:"gateway"`
	PaymentReference        string              `json:"paymentReference,omitempty"`
	GatewayPaymentReference string              `json:"-"`
	Reference               string              `json:"reference"`
	GatewayReference        string              `json:"gatewayReference,omitempty"`
	Status                  Status              `json:"status"`
	LastError               string              `json:"lastError,omitempty"`
	CompletedAt             *time.Time          `json:"completedAt,omitempty"`
	CreatedAt               time.Time           `json:"createdAt"`
	UpdatedAt               time.Time           `json:"updatedAt"`
}

// Reference is the idempotency key of a leg.
func Reference(escrowID string, leg Leg) string {
	return escrowID + ":" + string(leg)
}

// LedgerType is the ledger row type recorded when the payout completes.
func (p *Payout) LedgerType() ledger.Type {
	if p.Kind == KindRefund {
		return ledger.TypeRefund
	}
	return ledger.TypePayout
}

// LedgerEntry builds the ledger row for a completed payout.
func (p *Payout) LedgerEntry(at time.Time) *ledger.Transaction {
	return ledger.New(p.EscrowID, p.LedgerType(), p.Amount, p.Currency, string(p.Gateway), p.Reference, at)
}

// Spec describes a leg to create.
type Spec struct {
	EscrowID                string
	DisputeID               string
	Leg                     Leg
	Kind                    Kind
	RecipientID             string
	Amount                  decimal.Decimal
	Currency                string
	Gateway                 gateways.Name
	PaymentReference        string
	GatewayPaymentReference string
}

// New builds a pending payout and the job that executes it.
func New(spec Spec, at time.Time, maxAttempts int) (*Payout, *jobs.Job, error) {
	p := &Payout{
		ID:                      idgen.WithPrefix(idgen.PrefixPayout),
		EscrowID:                spec.EscrowID,
		DisputeID:               spec.DisputeID,
		Leg:                     spec.Leg,
		Kind:                    spec.Kind,
		RecipientID:             spec.RecipientID,
		Amount:                  spec.Amount,
		Currency:                spec.Currency,
		Gateway:                 spec.Gateway,
		PaymentReference:        spec.PaymentReference,
		GatewayPaymentReference: spec.GatewayPaymentReference,
		Reference:               Reference(spec.EscrowID, spec.Leg),
		Status:                  StatusPending,
		CreatedAt:               at,
		UpdatedAt:               at,
	}
	job, err := NewJob(p, at, maxAttempts)
	if err != nil {
		return nil, nil, err
	}
	return p, job, nil
}

// JobPayload is the payload of a payout.execute job.
type JobPayload struct {
	PayoutID string `json:"payoutId"`
}

// NewJob builds the payout.execute job for p, deduplicated on the leg reference.
func NewJob(p *Payout, at time.Time, maxAttempts int) (*jobs.Job, error) {
	job, err := jobs.New(jobs.QueuePayoutExecute, p.Reference, JobPayload{PayoutID: p.ID})
	if err != nil {
		return nil, err
	}
	if maxAttempts > 0 {
		job.MaxAttempts = maxAttempts
	}
	job.RunAt, job.CreatedAt, job.UpdatedAt = at, at, at
	return job, nil
}

// Account is where a user's payouts are sent.
type Account struct {
	UserID        string        `json:"userId"`
	Gateway       gateways.Name `json:"gateway,omitempty"`
	AccountName   string        `json:"accountName"`
	BankCode      string        `json:"bankCode"`
	AccountNumber string        `json:"accountNumber"`
	ExternalID    string        `json:"externalId,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Recipient snapshots the account for a transfer.
func (a *Account) Recipient() *gateways.Recipient {
	return &gateways.Recipient{
		AccountName:   a.AccountName,
		BankCode:      a.BankCode,
		AccountNumber: a.AccountNumber,
		ExternalID:    a.ExternalID,
	}
}

// Store persists payouts and payout accounts.
type Store interface {
	GetPayout(ctx context.Context, id string) (*Payout, error)
	GetPayoutByLeg(ctx context.Context, escrowID string, leg Leg) (*Payout, error)
	ListPayoutsByEscrow(ctx context.Context, escrowID string) ([]*Payout, error)
	// MarkPayoutProcessing records the recipient snapshot before money moves.
	MarkPayoutProcessing(ctx context.Context, id string, recipient *gateways.Recipient, at time.Time) error
	// CompletePayout marks the payout completed and, when entry is non-nil,
	// appends it to the ledger in the same transaction.
	CompletePayout(ctx context.Context, id, gatewayReference string, at time.Time, entry *ledger.Transaction) error
	FailPayout(ctx context.Context, id, lastError string, at time.Time) error
	// RetryPayout moves a failed payout back to pending and enqueues job.
	RetryPayout(ctx context.Context, id string, job *jobs.Job, at time.Time) error
	GetPayoutAccount(ctx context.Context, userID string) (*Account, error)
	SavePayoutAccount(ctx context.Context, account *Account) error
}
