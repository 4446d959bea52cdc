package store

import (
	"github.com/mbd888/escrowd/internal/disputes"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/fraud"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/payments"
	"github.com/mbd888/escrowd/internal/payouts"
)

// Store is the union of the domain stores. Both backends implement it.
type Store interface {
	escrow.Store
	payments.Store
	payouts.Store
	disputes.Store
	ledger.Store
	jobs.Store
	fraud.Store
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
