// Package ledger records money movements for escrows.
//
// Rows are append-only: a payment row when the buyer's funds are confirmed,
// a payout row when the seller is paid, a refund row when the buyer is
// refunded. The store enforces (type, reference) uniqueness so a replayed
// webhook or retried payout can never record the same movement twice.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/idgen"
)

// ErrDuplicate is returned by stores when a (type, reference) row already exists.
var ErrDuplicate = fmt.Errorf("ledger entry already recorded: %w", apperr.ErrConflict)

// Type is the kind of money movement.
type Type string

const (
	TypePayment Type = "payment"
	TypePayout  Type = "payout"
	TypeRefund  Type = "refund"
)

// StatusCompleted is the only status a ledger row is written with.
const StatusCompleted = "completed"

// Transaction is one ledger row.
type Transaction struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrowId"`
	Type        Type            `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Gateway     string          `json:"gateway"`
	Reference   string          `json:"reference"`
	Status      string          `json:"status"`
	ProcessedAt time.Time       `json:"processedAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// New builds a completed ledger row.
func New(escrowID string, typ Type, amount decimal.Decimal, currency, gateway, reference string, at time.Time) *Transaction {
	return &Transaction{
		ID:          idgen.WithPrefix(idgen.PrefixLedger),
		EscrowID:    escrowID,
		Type:        typ,
		Amount:      amount,
		Currency:    currency,
		Gateway:     gateway,
		Reference:   reference,
		Status:      StatusCompleted,
		ProcessedAt: at,
		CreatedAt:   at,
	}
}

// Store reads ledger rows. Writes happen inside the composite store
// operations that change escrow, payment, payout or dispute state.
type Store interface {
	ListLedgerByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error)
}

// Summary totals the ledger rows of one escrow.
type Summary struct {
	Paid     decimal.Decimal `json:"paid"`
	PaidOut  decimal.Decimal `json:"paidOut"`
	Refunded decimal.Decimal `json:"refunded"`
	Held     decimal.Decimal `json:"held"`
}

// Summarize totals txs. Held is what was paid in and has not yet left.
func Summarize(txs []*Transaction) Summary {
	var s Summary
	for _, tx := range txs {
		switch tx.Type {
		case TypePayment:
			s.Paid = s.Paid.Add(tx.Amount)
		case TypePayout:
			s.PaidOut = s.PaidOut.Add(tx.Amount)
		case TypeRefund:
			s.Refunded = s.Refunded.Add(tx.Amount)
		}
	}
	s.Held = s.Paid.Sub(s.PaidOut).Sub(s.Refunded)
	return s
}
