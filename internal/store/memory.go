// Package store persists escrowd state.
//
// Memory and Postgres implement every domain Store interface (escrow,
// payments, payouts, disputes, ledger, jobs, fraud) on one backend, so a
// composite write such as "move the escrow to released, insert the seller
// leg and its job" commits or fails as a unit. Every escrow state change is
// conditional on the state the caller read.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/disputes"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/fraud"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/payments"
	"github.com/mbd888/escrowd/internal/payouts"
)

var (
	// ErrDuplicateID is returned when a row with the same primary key exists.
	ErrDuplicateID = fmt.Errorf("record already exists: %w", apperr.ErrConflict)
	// ErrNotUnderReview is returned when finalizing a dispute that was never resolved.
	ErrNotUnderReview = fmt.Errorf("dispute is not under review: %w", apperr.ErrStateInvalid)
	// ErrPaymentReferenceExists is returned for a second payment with the same (gateway, reference).
	ErrPaymentReferenceExists = fmt.Errorf("payment reference already used: %w", apperr.ErrConflict)
	// ErrPayoutSettled is returned when a settled payout is moved back to processing.
	ErrPayoutSettled = fmt.Errorf("payout already settled: %w", apperr.ErrStateInvalid)
)

// Memory is an in-memory store for development and tests. One mutex guards
// everything, which makes every composite write atomic.
type Memory struct {
	mu       sync.Mutex
	escrows  map[string]*escrow.Escrow
	payments map[string]*payments.Payment
	events   map[string]*payments.WebhookEvent
	payouts  map[string]*payouts.Payout
	accounts map[string]*payouts.Account
	disputes map[string]*disputes.Dispute
	ledger   []*ledger.Transaction
	jobs     map[string]*jobs.Job
	dedupe   map[string]string // queue|dedupe_key -> job id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		escrows:  make(map[string]*escrow.Escrow),
		payments: make(map[string]*payments.Payment),
		events:   make(map[string]*payments.WebhookEvent),
		payouts:  make(map[string]*payouts.Payout),
		accounts: make(map[string]*payouts.Account),
		disputes: make(map[string]*disputes.Dispute),
		jobs:     make(map[string]*jobs.Job),
		dedupe:   make(map[string]string),
	}
}

// -----------------------------------------------------------------------------
// Escrows
// -----------------------------------------------------------------------------

func (m *Memory) CreateEscrow(_ context.Context, e *escrow.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; ok {
		return ErrDuplicateID
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *Memory) GetEscrow(_ context.Context, id string) (*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListEscrows(_ context.Context, f escrow.ListFilter) ([]*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*escrow.Escrow
	for _, e := range m.escrows {
		if f.UserID != "" && !e.IsParty(f.UserID) {
			continue
		}
		if f.State != "" && e.State != f.State {
			continue
		}
		if !f.Cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return page(out, f.Limit), nil
}

func (m *Memory) ListExpiredEscrows(_ context.Context, now time.Time, limit int) ([]*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*escrow.Escrow
	for _, e := range m.escrows {
		if e.State == escrow.StateWaitingForPayment && e.ExpiresAt.Before(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionEscrow(_ context.Context, req escrow.TransitionRequest) (*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTransition(req); err != nil {
		return nil, err
	}
	e := m.applyTransition(req)
	cp := *e
	return &cp, nil
}

// checkTransition validates req without writing. Caller holds m.mu.
func (m *Memory) checkTransition(req escrow.TransitionRequest) error {
	e, ok := m.escrows[req.EscrowID]
	if !ok {
		return escrow.ErrEscrowNotFound
	}
	if e.State != req.From {
		return escrow.ErrConflict
	}
	return m.checkRows(req.Payouts, req.Ledger)
}

// checkRows enforces the payout (escrow, leg) and ledger (type, reference)
// unique keys. Caller holds m.mu.
func (m *Memory) checkRows(legs []*payouts.Payout, rows []*ledger.Transaction) error {
	for _, p := range legs {
		for _, existing := range m.payouts {
			if existing.EscrowID == p.EscrowID && existing.Leg == p.Leg {
				return payouts.ErrLegExists
			}
		}
	}
	for _, tx := range rows {
		if m.hasLedgerRow(tx.Type, tx.Reference) {
			return ledger.ErrDuplicate
		}
	}
	return nil
}

// applyTransition writes a validated transition. Caller holds m.mu.
func (m *Memory) applyTransition(req escrow.TransitionRequest) *escrow.Escrow {
	e := m.escrows[req.EscrowID]
	e.Apply(req.To, req.Actor.ID, req.Reason, req.At)
	m.insertRows(req.Payouts, req.Jobs, req.Ledger)
	return e
}

// insertRows writes payouts, jobs and ledger rows. Caller holds m.mu.
func (m *Memory) insertRows(legs []*payouts.Payout, js []*jobs.Job, rows []*ledger.Transaction) {
	for _, p := range legs {
		cp := *p
		m.payouts[p.ID] = &cp
	}
	for _, j := range js {
		m.enqueueLocked(j)
	}
	for _, tx := range rows {
		cp := *tx
		m.ledger = append(m.ledger, &cp)
	}
}

func (m *Memory) hasLedgerRow(typ ledger.Type, reference string) bool {
	for _, tx := range m.ledger {
		if tx.Type == typ && tx.Reference == reference {
			return true
		}
	}
	return false
}

func (m *Memory) ListLedgerByEscrow(_ context.Context, escrowID string) ([]*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Transaction
	for _, tx := range m.ledger {
		if tx.EscrowID == escrowID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreationStats summarizes the escrows userID initiated.
func (m *Memory) CreationStats(_ context.Context, userID, currency string, since time.Time) (fraud.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats fraud.Stats
	total := decimal.Zero
	for _, e := range m.escrows {
		if e.InitiatorID != userID {
			continue
		}
		if !e.CreatedAt.Before(since) {
			stats.RecentCount++
		}
		if e.Currency == currency {
			stats.TotalCount++
			total = total.Add(e.Amount)
		}
	}
	if stats.TotalCount > 0 {
		stats.AverageAmount = total.Div(decimal.NewFromInt(int64(stats.TotalCount)))
	}
	return stats, nil
}

// -----------------------------------------------------------------------------
// Payments and webhook events
// -----------------------------------------------------------------------------

func (m *Memory) InitializePayment(_ context.Context, p *payments.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[p.EscrowID]
	if !ok {
		return escrow.ErrEscrowNotFound
	}
	if e.State != escrow.StateWaitingForPayment {
		return escrow.ErrConflict
	}
	for _, existing := range m.payments {
		if existing.EscrowID == p.EscrowID && existing.Status.Live() {
			return payments.ErrPaymentInProgress
		}
		if existing.Gateway == p.Gateway && existing.Reference == p.Reference {
			return ErrPaymentReferenceExists
		}
	}
	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicateID
	}

	cp := *p
	m.payments[p.ID] = &cp
	e.PaymentReference = p.Reference
	e.PaymentGateway = p.Gateway
	e.UpdatedAt = p.CreatedAt
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, payments.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetPaymentByReference(_ context.Context, gateway gateways.Name, reference string) (*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Gateway == gateway && p.Reference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payments.ErrPaymentNotFound
}

func (m *Memory) ListPaymentsByEscrow(_ context.Context, escrowID string) ([]*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payments.Payment
	for _, p := range m.payments {
		if p.EscrowID == escrowID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CompletePayment(_ context.Context, c payments.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[c.PaymentID]
	if !ok {
		return payments.ErrPaymentNotFound
	}
	if p.Status == payments.StatusCompleted {
		return payments.ErrAlreadyCompleted
	}
	e, ok := m.escrows[c.EscrowID]
	if !ok {
		return escrow.ErrEscrowNotFound
	}
	if e.State != escrow.StateWaitingForPayment {
		return escrow.ErrConflict
	}
	if c.Ledger != nil && m.hasLedgerRow(c.Ledger.Type, c.Ledger.Reference) {
		return ledger.ErrDuplicate
	}

	at := c.At
	p.Status = payments.StatusCompleted
	p.GatewayReference = c.GatewayReference
	p.GatewayResponse = cloneRaw(c.GatewayResponse)
	p.CompletedAt = &at
	p.UpdatedAt = at

	e.Apply(escrow.StatePaid, "system", "", at)
	e.PaymentGatewayReference = c.GatewayReference

	if c.Ledger != nil {
		m.insertRows(nil, nil, []*ledger.Transaction{c.Ledger})
	}
	if ev, ok := m.events[c.EventID]; ok {
		ev.IsProcessed = true
		ev.ProcessedAt = &at
		ev.ProcessingError = ""
	}
	return nil
}

func (m *Memory) FailPayment(_ context.Context, paymentID, eventID, reason string, response json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return payments.ErrPaymentNotFound
	}
	if p.Status == payments.StatusCompleted {
		return payments.ErrAlreadyCompleted
	}
	p.Status = payments.StatusFailed
	p.FailureReason = reason
	p.GatewayResponse = cloneRaw(response)
	p.UpdatedAt = at
	if ev, ok := m.events[eventID]; ok {
		ev.IsProcessed = true
		ev.ProcessedAt = &at
	}
	return nil
}

func (m *Memory) SaveWebhookEvent(_ context.Context, ev *payments.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return ErrDuplicateID
	}
	cp := *ev
	cp.Payload = cloneRaw(ev.Payload)
	m.events[ev.ID] = &cp
	return nil
}

func (m *Memory) GetWebhookEvent(_ context.Context, id string) (*payments.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, payments.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) MarkWebhookProcessed(_ context.Context, id string, at time.Time, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return payments.ErrEventNotFound
	}
	ev.IsProcessed = true
	ev.ProcessedAt = &at
	ev.ProcessingError = processingError
	return nil
}

func (m *Memory) RecordWebhookError(_ context.Context, id, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return payments.ErrEventNotFound
	}
	ev.ProcessingError = processingError
	return nil
}

func (m *Memory) ListStaleWebhooks(_ context.Context, before time.Time, limit int) ([]*payments.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payments.WebhookEvent
	for _, ev := range m.events {
		if !ev.IsProcessed && ev.ProcessingError == "" && ev.ReceivedAt.Before(before) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Payouts
// -----------------------------------------------------------------------------

func (m *Memory) GetPayout(_ context.Context, id string) (*payouts.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, payouts.ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetPayoutByLeg(_ context.Context, escrowID string, leg payouts.Leg) (*payouts.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payouts {
		if p.EscrowID == escrowID && p.Leg == leg {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payouts.ErrPayoutNotFound
}

func (m *Memory) ListPayoutsByEscrow(_ context.Context, escrowID string) ([]*payouts.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payouts.Payout
	for _, p := range m.payouts {
		if p.EscrowID == escrowID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Leg < out[j].Leg })
	return out, nil
}

func (m *Memory) MarkPayoutProcessing(_ context.Context, id string, recipient *gateways.Recipient, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return payouts.ErrPayoutNotFound
	}
	if p.Status == payouts.StatusCompleted || p.Status == payouts.StatusFailed {
		return ErrPayoutSettled
	}
	p.Status = payouts.StatusProcessing
	if recipient != nil {
		r := *recipient
		p.Recipient = &r
	}
	p.UpdatedAt = at
	return nil
}

func (m *Memory) CompletePayout(_ context.Context, id, gatewayReference string, at time.Time, entry *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return payouts.ErrPayoutNotFound
	}
	if p.Status == payouts.StatusCompleted {
		return nil
	}
	var rows []*ledger.Transaction
	if entry != nil {
		if m.hasLedgerRow(entry.Type, entry.Reference) {
			return ledger.ErrDuplicate
		}
		rows = append(rows, entry)
	}
	p.Status = payouts.StatusCompleted
	p.GatewayReference = gatewayReference
	p.LastError = ""
	p.CompletedAt = &at
	p.UpdatedAt = at
	m.insertRows(nil, nil, rows)
	return nil
}

func (m *Memory) FailPayout(_ context.Context, id, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return payouts.ErrPayoutNotFound
	}
	if p.Status == payouts.StatusCompleted {
		return ErrPayoutSettled
	}
	p.Status = payouts.StatusFailed
	p.LastError = lastError
	p.UpdatedAt = at
	return nil
}

func (m *Memory) RetryPayout(_ context.Context, id string, job *jobs.Job, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return payouts.ErrPayoutNotFound
	}
	if p.Status != payouts.StatusFailed {
		return payouts.ErrNotFailed
	}
	p.Status = payouts.StatusPending
	p.LastError = ""
	p.UpdatedAt = at
	m.enqueueLocked(job)
	return nil
}

func (m *Memory) GetPayoutAccount(_ context.Context, userID string) (*payouts.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, payouts.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) SavePayoutAccount(_ context.Context, account *payouts.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *account
	m.accounts[account.UserID] = &cp
	return nil
}

// -----------------------------------------------------------------------------
// Disputes
// -----------------------------------------------------------------------------

func (m *Memory) OpenDispute(_ context.Context, d *disputes.Dispute, t escrow.TransitionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.EscrowID == d.EscrowID && existing.Status != disputes.StatusResolved {
			return disputes.ErrDisputeOpen
		}
	}
	if _, ok := m.disputes[d.ID]; ok {
		return ErrDuplicateID
	}
	if err := m.checkTransition(t); err != nil {
		return err
	}
	m.applyTransition(t)
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *Memory) GetDispute(_ context.Context, id string) (*disputes.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, disputes.ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDisputes(_ context.Context, f disputes.ListFilter) ([]*disputes.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*disputes.Dispute
	for _, d := range m.disputes {
		if f.EscrowID != "" && d.EscrowID != f.EscrowID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if !f.Cursor.After(d.CreatedAt, d.ID) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return page(out, f.Limit), nil
}

func (m *Memory) BeginResolution(_ context.Context, dec disputes.Decision) (*disputes.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[dec.DisputeID]
	if !ok {
		return nil, disputes.ErrDisputeNotFound
	}
	switch d.Status {
	case disputes.StatusResolved:
		return nil, disputes.ErrAlreadyResolved
	case disputes.StatusUnderReview:
		if !d.SameSplit(dec.Resolution, dec.BuyerAmount, dec.SellerAmount) {
			return nil, disputes.ErrSplitMismatch
		}
		for _, p := range m.payouts {
			if p.DisputeID != d.ID || p.Status != payouts.StatusFailed {
				continue
			}
			job, err := payouts.NewJob(p, dec.At, dec.MaxAttempts)
			if err != nil {
				return nil, err
			}
			p.Status = payouts.StatusPending
			p.LastError = ""
			p.UpdatedAt = dec.At
			m.enqueueLocked(job)
		}
	default:
		if err := m.checkRows(dec.Payouts, nil); err != nil {
			return nil, err
		}
		d.Status = disputes.StatusUnderReview
		d.Resolution = dec.Resolution
		d.BuyerAmount = dec.BuyerAmount
		d.SellerAmount = dec.SellerAmount
		d.AdminNotes = dec.AdminNotes
		d.ResolvedBy = dec.ResolvedBy
		d.UpdatedAt = dec.At
		m.insertRows(dec.Payouts, dec.Jobs, nil)
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) FinalizeResolution(_ context.Context, f disputes.Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[f.DisputeID]
	if !ok {
		return disputes.ErrDisputeNotFound
	}
	switch d.Status {
	case disputes.StatusResolved:
		return disputes.ErrAlreadyResolved
	case disputes.StatusOpen:
		return ErrNotUnderReview
	}
	if err := m.checkTransition(f.Escrow); err != nil {
		return err
	}
	m.applyTransition(f.Escrow)
	at := f.Escrow.At
	d.Status = disputes.StatusResolved
	d.ResolvedAt = &at
	d.UpdatedAt = at
	return nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func (m *Memory) EnqueueJob(_ context.Context, job *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueLocked(job)
	return nil
}

// enqueueLocked inserts job, or revives the dead job holding its dedupe key.
// Caller holds m.mu.
func (m *Memory) enqueueLocked(job *jobs.Job) {
	key := string(job.Queue) + "|" + job.DedupeKey
	if id, ok := m.dedupe[key]; ok {
		existing := m.jobs[id]
		if existing.Status != jobs.StatusDead {
			return
		}
		existing.Status = jobs.StatusPending
		existing.Payload = cloneRaw(job.Payload)
		existing.Attempts = 0
		existing.MaxAttempts = job.MaxAttempts
		existing.RunAt = job.RunAt
		existing.LockedUntil = nil
		existing.LastError = ""
		existing.CompletedAt = nil
		existing.UpdatedAt = job.UpdatedAt
		return
	}
	cp := *job
	cp.Payload = cloneRaw(job.Payload)
	if cp.Status == "" {
		cp.Status = jobs.StatusPending
	}
	m.jobs[job.ID] = &cp
	m.dedupe[key] = job.ID
}

func (m *Memory) ClaimJobs(_ context.Context, queue jobs.Queue, now time.Time, lease time.Duration, limit int) ([]*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runnable []*jobs.Job
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		due := j.Status == jobs.StatusPending && !j.RunAt.After(now)
		expired := j.Status == jobs.StatusRunning && j.LockedUntil != nil && j.LockedUntil.Before(now)
		if due || expired {
			runnable = append(runnable, j)
		}
	}
	sort.Slice(runnable, func(i, k int) bool { return runnable[i].RunAt.Before(runnable[k].RunAt) })
	if limit > 0 && len(runnable) > limit {
		runnable = runnable[:limit]
	}

	until := now.Add(lease)
	out := make([]*jobs.Job, 0, len(runnable))
	for _, j := range runnable {
		j.Status = jobs.StatusRunning
		j.Attempts++
		j.LockedUntil = &until
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	j.Status = jobs.StatusCompleted
	j.LockedUntil = nil
	j.CompletedAt = &at
	j.UpdatedAt = at
	return nil
}

func (m *Memory) RetryJob(_ context.Context, id string, at, runAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	j.Status = jobs.StatusPending
	j.RunAt = runAt
	j.LockedUntil = nil
	j.LastError = lastError
	j.UpdatedAt = at
	return nil
}

func (m *Memory) BuryJob(_ context.Context, id string, at time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	j.Status = jobs.StatusDead
	j.LockedUntil = nil
	j.LastError = lastError
	j.UpdatedAt = at
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ListDeadJobs(_ context.Context, queue jobs.Queue, limit int) ([]*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*jobs.Job
	for _, j := range m.jobs {
		if j.Status == jobs.StatusDead && (queue == "" || j.Queue == queue) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ReviveJob(_ context.Context, id string, at time.Time) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if j.Status != jobs.StatusDead {
		return nil, jobs.ErrNotDead
	}
	j.Status = jobs.StatusPending
	j.Attempts = 0
	j.RunAt = at
	j.LastError = ""
	j.UpdatedAt = at
	cp := *j
	return &cp, nil
}

func (m *Memory) JobStats(_ context.Context) ([]jobs.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[jobs.QueueStats]int)
	for _, j := range m.jobs {
		counts[jobs.QueueStats{Queue: j.Queue, Status: j.Status}]++
	}
	out := make([]jobs.QueueStats, 0, len(counts))
	for k, n := range counts {
		k.Count = n
		out = append(out, k)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Queue != out[k].Queue {
			return out[i].Queue < out[k].Queue
		}
		return out[i].Status < out[k].Status
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

// newerFirst orders by created_at DESC, id DESC.
func newerFirst(ai time.Time, aid string, bi time.Time, bid string) bool {
	if ai.Equal(bi) {
		return aid > bid
	}
	return ai.After(bi)
}

// page trims to limit+1 rows so callers can detect a next page.
func page[T any](rows []T, limit int) []T {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return rows
}

func cloneRaw(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
