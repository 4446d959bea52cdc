// Package escrow holds buyer funds until delivery is confirmed.
//
// Flow:
//  1. Either party initiates: pending -> waiting_for_payment
//  2. Gateway confirms the buyer's payment: waiting_for_payment -> paid
//  3. Seller marks delivered, buyer confirms receipt
//  4. Admin releases: received -> released, seller payout leg scheduled
//  5. Cancellation after payment schedules a buyer refund leg
//  6. Unpaid escrows past their deadline are expired by the Sweeper
//
// Every state change is a conditional update on the stored state; a lost
// race surfaces as ErrConflict rather than an overwrite.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/payouts"
)

var (
	ErrEscrowNotFound    = fmt.Errorf("escrow not found: %w", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("transition not allowed: %w", apperr.ErrStateInvalid)
	ErrNotParty          = fmt.Errorf("not a party to this escrow: %w", apperr.ErrForbidden)
	ErrWrongActor        = fmt.Errorf("not permitted to perform this transition: %w", apperr.ErrForbidden)
	ErrConflict          = fmt.Errorf("escrow state changed concurrently: %w", apperr.ErrConflict)
)

// State is the lifecycle state of an escrow.
type State string

const (
	StatePending           State = "pending"
	StateWaitingForPayment State = "waiting_for_payment"
	StatePaid              State = "paid"
	StateDelivered         State = "delivered"
	StateReceived          State = "received"
	StateReleased          State = "released"
	StateCancelled         State = "cancelled"
	StateExpired           State = "expired"
	StateDisputed          State = "disputed"
)

// States lists every state in lifecycle order.
var States = []State{
	StatePending, StateWaitingForPayment, StatePaid, StateDelivered, StateReceived,
	StateReleased, StateCancelled, StateExpired, StateDisputed,
}

// ExpiryReason is recorded on escrows expired by the sweeper.
const ExpiryReason = "Expired - payment not completed within time limit"

// Escrow is a held-funds transaction between a buyer and a seller.
type Escrow struct {
	ID                      string          `json:"id"`
	BuyerID                 string          `json:"buyerId"`
	SellerID                string          `json:"sellerId"`
	InitiatorID             string          `json:"initiatorId"`
	Amount                  decimal.Decimal `json:"amount"`
	Currency                string          `json:"currency"`
	State                   State           `json:"state"`
	Description             string          `json:"description,omitempty"`
	PaymentReference        string          `json:"paymentReference,omitempty"`
	PaymentGateway          gateways.Name   `json:"paymentGateway,omitempty"`
	PaymentGatewayReference string          `json:"-"`
	ExpiresAt               time.Time       `json:"expiresAt"`
	PaidAt                  *time.Time      `json:"paidAt,omitempty"`
	DeliveredAt             *time.Time      `json:"deliveredAt,omitempty"`
	ReceivedAt              *time.Time      `json:"receivedAt,omitempty"`
	ReleasedAt              *time.Time      `json:"releasedAt,omitempty"`
	CancelledAt             *time.Time      `json:"cancelledAt,omitempty"`
	CancellationReason      string          `json:"cancellationReason,omitempty"`
	CancelledBy             string          `json:"cancelledBy,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// IsParty reports whether userID is the buyer or the seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID)
}

// Counterparty returns the other party for userID.
func (e *Escrow) Counterparty(userID string) string {
	if userID == e.BuyerID {
		return e.SellerID
	}
	return e.BuyerID
}

// Apply sets the state and the timestamp column that belongs to it. Stores
// call it after their conditional update succeeds so both views agree.
func (e *Escrow) Apply(to State, actor, reason string, at time.Time) {
	e.State = to
	e.UpdatedAt = at
	switch to {
	case StatePaid:
		e.PaidAt = &at
	case StateDelivered:
		e.DeliveredAt = &at
	case StateReceived:
		e.ReceivedAt = &at
	case StateReleased:
		e.ReleasedAt = &at
	case StateCancelled, StateExpired:
		e.CancelledAt = &at
		e.CancellationReason = reason
		e.CancelledBy = actor
	}
}

// TransitionRequest is one conditional state change plus the rows that must
// be written with it.
type TransitionRequest struct {
	EscrowID string
	From     State
	To       State
	Actor    auth.Actor
	At       time.Time
	Reason   string
	Payouts  []*payouts.Payout
	Jobs     []*jobs.Job
	Ledger   []*ledger.Transaction
}

// ListFilter selects escrows for List. An empty UserID lists every escrow.
type ListFilter struct {
	UserID string
	State  State
	Cursor *pagination.Cursor
	Limit  int
}

// Store persists escrows.
type Store interface {
	CreateEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	// ListEscrows returns up to Limit+1 rows ordered by created_at DESC, id DESC.
	ListEscrows(ctx context.Context, f ListFilter) ([]*Escrow, error)
	// ListExpiredEscrows returns waiting_for_payment escrows with expires_at < now.
	ListExpiredEscrows(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	// TransitionEscrow updates the state only if it still equals req.From and
	// writes the payouts, jobs and ledger rows in the same transaction.
	// It returns ErrConflict when the stored state differs.
	TransitionEscrow(ctx context.Context, req TransitionRequest) (*Escrow, error)
	ListLedgerByEscrow(ctx context.Context, escrowID string) ([]*ledger.Transaction, error)
}
