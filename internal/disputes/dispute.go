// Package disputes gates disputed escrows and splits their funds.
//
// Resolution is a two-step write. Resolve records the admin's split, moves
// the dispute to under_review and schedules one payout leg per non-zero
// side, each keyed by (escrow, leg) so a retried transfer is recognized by
// the gateway. Finalize runs after every leg settles; once all legs of the
// dispute are completed it resolves the dispute, moves the escrow to its
// terminal state and appends the ledger rows in one transaction.
package disputes

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/payouts"
)

var (
	ErrDisputeNotFound = fmt.Errorf("dispute not found: %w", apperr.ErrNotFound)
	ErrDisputeOpen     = fmt.Errorf("escrow already has an open dispute: %w", apperr.ErrConflict)
	ErrAlreadyResolved = fmt.Errorf("dispute already resolved: %w", apperr.ErrStateInvalid)
	ErrSplitMismatch   = fmt.Errorf("dispute is being resolved with a different split: %w", apperr.ErrConflict)
	ErrNotAdmin        = fmt.Errorf("only admins can resolve disputes: %w", apperr.ErrForbidden)
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Resolution is the admin's decision.
type Resolution string

const (
	FavorBuyer    Resolution = "favor_buyer"
	FavorSeller   Resolution = "favor_seller"
	PartialBuyer  Resolution = "partial_buyer"
	PartialSeller Resolution = "partial_seller"
	Refund        Resolution = "refund"
)

// Dispute is a party's challenge to an escrow.
type Dispute struct {
	ID           string          `json:"id"`
	EscrowID     string          `json:"escrowId"`
	RaisedBy     string          `json:"raisedBy"`
	Reason       string          `json:"reason"`
	Description  string          `json:"description"`
	Status       Status          `json:"status"`
	Resolution   Resolution      `json:"resolution,omitempty"`
	BuyerAmount  decimal.Decimal `json:"buyerAmount"`
	SellerAmount decimal.Decimal `json:"sellerAmount"`
	AdminNotes   string          `json:"adminNotes,omitempty"`
	ResolvedBy   string          `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// SameSplit reports whether d was decided as resolution with these amounts.
func (d *Dispute) SameSplit(resolution Resolution, buyer, seller decimal.Decimal) bool {
	return d.Resolution == resolution && d.BuyerAmount.Equal(buyer) && d.SellerAmount.Equal(seller)
}

// Split computes the buyer and seller amounts for a resolution. Partial
// resolutions take the caller's amounts, which must not exceed the escrow.
func Split(resolution Resolution, amount decimal.Decimal, buyer, seller *decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	switch resolution {
	case FavorBuyer, Refund:
		return amount, decimal.Zero, nil
	case FavorSeller:
		return decimal.Zero, amount, nil
	case PartialBuyer, PartialSeller:
		if buyer == nil || seller == nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("buyerAmount and sellerAmount are required for %s: %w", resolution, apperr.ErrValidation)
		}
		if buyer.IsNegative() || seller.IsNegative() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("amounts must not be negative: %w", apperr.ErrValidation)
		}
		total := buyer.Add(*seller)
		if total.GreaterThan(amount) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("split %s exceeds escrow amount %s: %w", total, amount, apperr.ErrValidation)
		}
		if !total.IsPositive() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("split must pay at least one party: %w", apperr.ErrValidation)
		}
		return *buyer, *seller, nil
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("unknown resolution %q: %w", resolution, apperr.ErrValidation)
}

// Decision is the write that starts a resolution.
type Decision struct {
	DisputeID    string
	Resolution   Resolution
	BuyerAmount  decimal.Decimal
	SellerAmount decimal.Decimal
	AdminNotes   string
	ResolvedBy   string
	At           time.Time
	Payouts      []*payouts.Payout
	Jobs         []*jobs.Job
	MaxAttempts  int
}

// Finalization is the write that ends a resolution.
type Finalization struct {
	DisputeID string
	Escrow    escrow.TransitionRequest
}

// ListFilter selects disputes.
type ListFilter struct {
	EscrowID string
	Status   Status
	Cursor   *pagination.Cursor
	Limit    int
}

// Store persists disputes.
type Store interface {
	GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error)
	ListPayoutsByEscrow(ctx context.Context, escrowID string) ([]*payouts.Payout, error)

	// OpenDispute inserts d and applies the escrow transition in one transaction.
	OpenDispute(ctx context.Context, d *Dispute, t escrow.TransitionRequest) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// ListDisputes returns up to Limit+1 rows ordered by created_at DESC, id DESC.
	ListDisputes(ctx context.Context, f ListFilter) ([]*Dispute, error)
	// BeginResolution records the split and inserts the legs and their jobs
	// when the dispute is open. When it is already under review with the same
	// split, failed legs go back to pending and their jobs are re-enqueued;
	// completed legs are left alone. A different split returns ErrSplitMismatch.
	BeginResolution(ctx context.Context, d Decision) (*Dispute, error)
	// FinalizeResolution resolves an under_review dispute, applies the escrow
	// transition and appends its ledger rows. ErrAlreadyResolved when done.
	FinalizeResolution(ctx context.Context, f Finalization) error
}

// legsOf returns the payouts belonging to dispute id.
func legsOf(all []*payouts.Payout, id string) []*payouts.Payout {
	var legs []*payouts.Payout
	for _, p := range all {
		if p.DisputeID == id {
			legs = append(legs, p)
		}
	}
	return legs
}

// ledgerRows builds one ledger row per settled leg.
func ledgerRows(legs []*payouts.Payout, at time.Time) []*ledger.Transaction {
	rows := make([]*ledger.Transaction, 0, len(legs))
	for _, p := range legs {
		rows = append(rows, p.LedgerEntry(at))
	}
	return rows
}
