package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/disputes"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/payments"
	"github.com/mbd888/escrowd/internal/payouts"
)

// runSuite exercises a backend. open returns an empty store per subtest.
func runSuite(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"TransitionIsConditional", testTransitionIsConditional},
		{"TransitionIsAtomic", testTransitionIsAtomic},
		{"ConcurrentTransitionsOneWins", testConcurrentTransitions},
		{"ListEscrowsPages", testListEscrowsPages},
		{"ListExpiredEscrows", testListExpiredEscrows},
		{"PaymentLifecycle", testPaymentLifecycle},
		{"CompletePaymentGuards", testCompletePaymentGuards},
		{"StaleWebhooks", testStaleWebhooks},
		{"PayoutLifecycle", testPayoutLifecycle},
		{"DisputeResolution", testDisputeResolution},
		{"JobQueue", testJobQueue},
		{"CreationStats", testCreationStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

var (
	ctx = context.Background()
	t0  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newEscrow(t *testing.T, s Store, id string, state escrow.State, created time.Time) *escrow.Escrow {
	t.Helper()
	e := &escrow.Escrow{
		ID:          id,
		BuyerID:     "usr_buyer",
		SellerID:    "usr_seller",
		InitiatorID: "usr_buyer",
		Amount:      decimal.NewFromInt(5000),
		Currency:    "NGN",
		State:       state,
		ExpiresAt:   created.Add(7 * 24 * time.Hour),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, s.CreateEscrow(ctx, e))
	return e
}

func leg(t *testing.T, e *escrow.Escrow, l payouts.Leg, disputeID string, amount int64) (*payouts.Payout, *jobs.Job) {
	t.Helper()
	kind := payouts.KindPayout
	recipient := e.SellerID
	if l == payouts.LegBuyer {
		kind = payouts.KindRefund
		recipient = e.BuyerID
	}
	p, job, err := payouts.New(payouts.Spec{
		EscrowID:    e.ID,
		DisputeID:   disputeID,
		Leg:         l,
		Kind:        kind,
		RecipientID: recipient,
		Amount:      decimal.NewFromInt(amount),
		Currency:    e.Currency,
		Gateway:     gateways.Sandbox,
	}, t0, 3)
	require.NoError(t, err)
	return p, job
}

func testTransitionIsConditional(t *testing.T, s Store) {
	newEscrow(t, s, "esc_1", escrow.StateWaitingForPayment, t0)

	at := t0.Add(time.Hour)
	e, err := s.TransitionEscrow(ctx, escrow.TransitionRequest{
		EscrowID: "esc_1", From: escrow.StateWaitingForPayment, To: escrow.StateExpired,
		Actor: auth.System, At: at, Reason: escrow.ExpiryReason,
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.StateExpired, e.State)
	require.NotNil(t, e.CancelledAt)
	assert.Equal(t, "system", e.CancelledBy)
	assert.Equal(t, escrow.ExpiryReason, e.CancellationReason)

	_, err = s.TransitionEscrow(ctx, escrow.TransitionRequest{
		EscrowID: "esc_1", From: escrow.StateWaitingForPayment, To: escrow.StateCancelled,
		Actor: auth.Actor{ID: "usr_buyer", Role: auth.RoleUser}, At: at,
	})
	assert.ErrorIs(t, err, escrow.ErrConflict)

	_, err = s.TransitionEscrow(ctx, escrow.TransitionRequest{EscrowID: "esc_missing", From: escrow.StatePaid, To: escrow.StateDelivered, At: at})
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

func testTransitionIsAtomic(t *testing.T, s Store) {
	e := newEscrow(t, s, "esc_1", escrow.StateDelivered, t0)
	p1, j1 := leg(t, e, payouts.LegSeller, "", 5000)

	_, err := s.TransitionEscrow(ctx, escrow.TransitionRequest{
		EscrowID: e.ID, From: escrow.StateDelivered, To: escrow.StateReceived, At: t0,
		Payouts: []*payouts.Payout{p1}, Jobs: []*jobs.Job{j1},
	})
	require.NoError(t, err)

	p2, j2 := leg(t, e, payouts.LegSeller, "", 5000)
	_, err = s.TransitionEscrow(ctx, escrow.TransitionRequest{
		EscrowID: e.ID, From: escrow.StateReceived, To: escrow.StateReleased, At: t0,
		Payouts: []*payouts.Payout{p2}, Jobs: []*jobs.Job{j2},
	})
	require.ErrorIs(t, err, payouts.ErrLegExists)

	got, err := s.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReceived, got.State, "failed write must not move the escrow")

	legs, err := s.ListPayoutsByEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, p1.ID, legs[0].ID)
}

func testConcurrentTransitions(t *testing.T, s Store) {
	newEscrow(t, s, "esc_1", escrow.StatePaid, t0)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionEscrow(ctx, escrow.TransitionRequest{
				EscrowID: "esc_1", From: escrow.StatePaid, To: escrow.StateDelivered, At: t0,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, escrow.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), conflicts.Load())
}

func testListEscrowsPages(t *testing.T, s Store) {
	newEscrow(t, s, "esc_a", escrow.StatePaid, t0)
	newEscrow(t, s, "esc_b", escrow.StatePaid, t0.Add(time.Minute))
	newEscrow(t, s, "esc_c", escrow.StateCancelled, t0.Add(2*time.Minute))

	rows, err := s.ListEscrows(ctx, escrow.ListFilter{UserID: "usr_seller", Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 3, "limit+1 rows signal another page")
	assert.Equal(t, "esc_c", rows[0].ID)

	cur := &pagination.Cursor{CreatedAt: rows[1].CreatedAt, ID: rows[1].ID}
	rows, err = s.ListEscrows(ctx, escrow.ListFilter{UserID: "usr_seller", Limit: 2, Cursor: cur})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "esc_a", rows[0].ID)

	rows, err = s.ListEscrows(ctx, escrow.ListFilter{UserID: "usr_other", Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.ListEscrows(ctx, escrow.ListFilter{State: escrow.StateCancelled, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "esc_c", rows[0].ID)
}

func testListExpiredEscrows(t *testing.T, s Store) {
	newEscrow(t, s, "esc_old", escrow.StateWaitingForPayment, t0.Add(-10*24*time.Hour))
	newEscrow(t, s, "esc_new", escrow.StateWaitingForPayment, t0)
	newEscrow(t, s, "esc_paid", escrow.StatePaid, t0.Add(-10*24*time.Hour))

	rows, err := s.ListExpiredEscrows(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "esc_old", rows[0].ID)
}

func newPayment(id, escrowID, ref string) *payments.Payment {
	return &payments.Payment{
		ID:        id,
		EscrowID:  escrowID,
		PayerID:   "usr_buyer",
		Amount:    decimal.NewFromInt(5000),
		Currency:  "NGN",
		Gateway:   gateways.Sandbox,
		Reference: ref,
		Status:    payments.StatusInitialized,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func testPaymentLifecycle(t *testing.T, s Store) {
	newEscrow(t, s, "esc_1", escrow.StateWaitingForPayment, t0)

	require.NoError(t, s.InitializePayment(ctx, newPayment("pay_1", "esc_1", "SANDBOX-esc_1-1")))
	err := s.InitializePayment(ctx, newPayment("pay_2", "esc_1", "SANDBOX-esc_1-2"))
	require.ErrorIs(t, err, payments.ErrPaymentInProgress)

	e, err := s.GetEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, "SANDBOX-esc_1-1", e.PaymentReference)
	assert.Equal(t, gateways.Sandbox, e.PaymentGateway)

	ev := &payments.WebhookEvent{ID: "whe_1", Gateway: gateways.Sandbox, EventType: "charge.success", Reference: "SANDBOX-esc_1-1", Payload: []byte(`{}`), ReceivedAt: t0}
	require.NoError(t, s.SaveWebhookEvent(ctx, ev))

	at := t0.Add(time.Minute)
	c := payments.Completion{
		PaymentID: "pay_1", EscrowID: "esc_1", EventID: "whe_1",
		GatewayReference: "gw_123", GatewayResponse: json.RawMessage(`{"status":"success"}`), At: at,
		Ledger: ledger.New("esc_1", ledger.TypePayment, decimal.NewFromInt(5000), "NGN", "sandbox", "SANDBOX-esc_1-1", at),
	}
	require.NoError(t, s.CompletePayment(ctx, c))
	require.ErrorIs(t, s.CompletePayment(ctx, c), payments.ErrAlreadyCompleted)

	p, err := s.GetPaymentByReference(ctx, gateways.Sandbox, "SANDBOX-esc_1-1")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCompleted, p.Status)
	assert.Equal(t, "gw_123", p.GatewayReference)

	e, err = s.GetEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePaid, e.State)
	assert.Equal(t, "gw_123", e.PaymentGatewayReference)
	require.NotNil(t, e.PaidAt)

	txs, err := s.ListLedgerByEscrow(ctx, "esc_1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(5000)))

	stored, err := s.GetWebhookEvent(ctx, "whe_1")
	require.NoError(t, err)
	assert.True(t, stored.IsProcessed)

	err = s.FailPayment(ctx, "pay_1", "", "late failure", nil, at)
	assert.ErrorIs(t, err, payments.ErrAlreadyCompleted)

	list, err := s.ListPaymentsByEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testCompletePaymentGuards(t *testing.T, s Store) {
	newEscrow(t, s, "esc_1", escrow.StateWaitingForPayment, t0)
	require.NoError(t, s.InitializePayment(ctx, newPayment("pay_1", "esc_1", "SANDBOX-esc_1-1")))

	_, err := s.TransitionEscrow(ctx, escrow.TransitionRequest{
		EscrowID: "esc_1", From: escrow.StateWaitingForPayment, To: escrow.StateExpired, Actor: auth.System, At: t0,
	})
	require.NoError(t, err)

	err = s.CompletePayment(ctx, payments.Completion{
		PaymentID: "pay_1", EscrowID: "esc_1", At: t0,
		Ledger: ledger.New("esc_1", ledger.TypePayment, decimal.NewFromInt(5000), "NGN", "sandbox", "SANDBOX-esc_1-1", t0),
	})
	require.ErrorIs(t, err, escrow.ErrConflict)

	p, err := s.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusInitialized, p.Status, "guard failure must not complete the payment")

	txs, err := s.ListLedgerByEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Empty(t, txs)

	require.NoError(t, s.FailPayment(ctx, "pay_1", "", "escrow expired", json.RawMessage(`{"status":"failed"}`), t0))
	p, err = s.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusFailed, p.Status)
	assert.Equal(t, "escrow expired", p.FailureReason)
}

func testStaleWebhooks(t *testing.T, s Store) {
	old := t0.Add(-time.Hour)
	for _, ev := range []*payments.WebhookEvent{
		{ID: "whe_stale", Gateway: gateways.Paystack, Payload: []byte(`{}`), ReceivedAt: old},
		{ID: "whe_done", Gateway: gateways.Paystack, Payload: []byte(`{}`), ReceivedAt: old},
		{ID: "whe_errored", Gateway: gateways.Paystack, Payload: []byte(`{}`), ReceivedAt: old},
		{ID: "whe_fresh", Gateway: gateways.Paystack, Payload: []byte(`{}`), ReceivedAt: t0},
	} {
		require.NoError(t, s.SaveWebhookEvent(ctx, ev))
	}
	require.NoError(t, s.MarkWebhookProcessed(ctx, "whe_done", t0, ""))
	require.NoError(t, s.RecordWebhookError(ctx, "whe_errored", "gateway unavailable"))

	stale, err := s.ListStaleWebhooks(ctx, t0.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "whe_stale", stale[0].ID)

	assert.ErrorIs(t, s.MarkWebhookProcessed(ctx, "whe_missing", t0, ""), payments.ErrEventNotFound)
}

func testPayoutLifecycle(t *testing.T, s Store) {
	e := newEscrow(t, s, "esc_1", escrow.StateReceived, t0)
	p, job := leg(t, e, payouts.LegSeller, "", 5000)
	_, err := s.TransitionEscrow(ctx, escrow.TransitionRequest{
		EscrowID: e.ID, From: escrow.StateReceived, To: escrow.StateReleased, Actor: auth.System, At: t0,
		Payouts: []*payouts.Payout{p}, Jobs: []*jobs.Job{job},
	})
	require.NoError(t, err)

	recipient := &gateways.Recipient{AccountName: "Ada Seller", BankCode: "058", AccountNumber: "0123456789"}
	require.NoError(t, s.MarkPayoutProcessing(ctx, p.ID, recipient, t0))

	require.NoError(t, s.FailPayout(ctx, p.ID, "bank rejected", t0))
	failed, err := s.GetPayoutByLeg(ctx, e.ID, payouts.LegSeller)
	require.NoError(t, err)
	assert.Equal(t, payouts.StatusFailed, failed.Status)
	assert.Equal(t, "bank rejected", failed.LastError)
	require.NotNil(t, failed.Recipient)
	assert.Equal(t, "0123456789", failed.Recipient.AccountNumber)

	retryJob, err := payouts.NewJob(failed, t0, 3)
	require.NoError(t, err)
	require.NoError(t, s.RetryPayout(ctx, p.ID, retryJob, t0))
	assert.ErrorIs(t, s.RetryPayout(ctx, p.ID, retryJob, t0), payouts.ErrNotFailed)

	entry := p.LedgerEntry(t0)
	require.NoError(t, s.CompletePayout(ctx, p.ID, "trf_1", t0, entry))
	require.NoError(t, s.CompletePayout(ctx, p.ID, "trf_1", t0, entry), "completing twice is a no-op")

	done, err := s.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payouts.StatusCompleted, done.Status)
	assert.Equal(t, "trf_1", done.GatewayReference)

	txs, err := s.ListLedgerByEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TypePayout, txs[0].Type)

	assert.ErrorIs(t, s.MarkPayoutProcessing(ctx, p.ID, nil, t0), ErrPayoutSettled)

	_, err = s.GetPayoutAccount(ctx, "usr_seller")
	require.ErrorIs(t, err, payouts.ErrAccountNotFound)
	acct := &payouts.Account{UserID: "usr_seller", AccountName: "Ada Seller", BankCode: "058", AccountNumber: "0123456789", UpdatedAt: t0}
	require.NoError(t, s.SavePayoutAccount(ctx, acct))
	acct.AccountNumber = "9876543210"
	require.NoError(t, s.SavePayoutAccount(ctx, acct))
	got, err := s.GetPayoutAccount(ctx, "usr_seller")
	require.NoError(t, err)
	assert.Equal(t, "9876543210", got.AccountNumber)
}

func testDisputeResolution(t *testing.T, s Store) {
	e := newEscrow(t, s, "esc_1", escrow.StateDelivered, t0)
	buyer := auth.Actor{ID: "usr_buyer", Role: auth.RoleUser}
	open := escrow.TransitionRequest{EscrowID: e.ID, From: escrow.StateDelivered, To: escrow.StateDisputed, Actor: buyer, At: t0}

	d := &disputes.Dispute{
		ID: "dsp_1", EscrowID: e.ID, RaisedBy: buyer.ID, Reason: "item not as described",
		Description: "the item arrived broken and unusable", Status: disputes.StatusOpen, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.OpenDispute(ctx, d, open))

	dup := *d
	dup.ID = "dsp_2"
	require.ErrorIs(t, s.OpenDispute(ctx, &dup, open), disputes.ErrDisputeOpen)

	got, err := s.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateDisputed, got.State)

	buyerLeg, buyerJob := leg(t, e, payouts.LegBuyer, d.ID, 2000)
	sellerLeg, sellerJob := leg(t, e, payouts.LegSeller, d.ID, 3000)
	dec := disputes.Decision{
		DisputeID: d.ID, Resolution: disputes.PartialBuyer,
		BuyerAmount: decimal.NewFromInt(2000), SellerAmount: decimal.NewFromInt(3000),
		AdminNotes: "split after review of evidence", ResolvedBy: "usr_admin", At: t0, MaxAttempts: 3,
		Payouts: []*payouts.Payout{buyerLeg, sellerLeg}, Jobs: []*jobs.Job{buyerJob, sellerJob},
	}
	resolved, err := s.BeginResolution(ctx, dec)
	require.NoError(t, err)
	assert.Equal(t, disputes.StatusUnderReview, resolved.Status)

	other := dec
	other.SellerAmount = decimal.NewFromInt(2500)
	_, err = s.BeginResolution(ctx, other)
	require.ErrorIs(t, err, disputes.ErrSplitMismatch)

	// The buyer leg fails and its job is dead-lettered; re-resolving with the
	// same split revives it.
	require.NoError(t, s.FailPayout(ctx, buyerLeg.ID, "account closed", t0))
	require.NoError(t, s.BuryJob(ctx, buyerJob.ID, t0, "account closed"))
	require.NoError(t, s.CompletePayout(ctx, sellerLeg.ID, "trf_s", t0, nil))

	_, err = s.BeginResolution(ctx, dec)
	require.NoError(t, err)
	revived, err := s.GetPayout(ctx, buyerLeg.ID)
	require.NoError(t, err)
	assert.Equal(t, payouts.StatusPending, revived.Status)
	seller, err := s.GetPayout(ctx, sellerLeg.ID)
	require.NoError(t, err)
	assert.Equal(t, payouts.StatusCompleted, seller.Status)
	job, err := s.GetJob(ctx, buyerJob.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)

	require.NoError(t, s.CompletePayout(ctx, buyerLeg.ID, "trf_b", t0, nil))
	fin := disputes.Finalization{DisputeID: d.ID, Escrow: escrow.TransitionRequest{
		EscrowID: e.ID, From: escrow.StateDisputed, To: escrow.StateReleased, Actor: auth.System, At: t0.Add(time.Hour),
		Ledger: []*ledger.Transaction{buyerLeg.LedgerEntry(t0), sellerLeg.LedgerEntry(t0)},
	}}
	require.NoError(t, s.FinalizeResolution(ctx, fin))
	require.ErrorIs(t, s.FinalizeResolution(ctx, fin), disputes.ErrAlreadyResolved)

	final, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, disputes.StatusResolved, final.Status)
	require.NotNil(t, final.ResolvedAt)

	got, err = s.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, got.State)

	txs, err := s.ListLedgerByEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	list, err := s.ListDisputes(ctx, disputes.ListFilter{EscrowID: e.ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testJobQueue(t *testing.T, s Store) {
	job, err := jobs.New(jobs.QueueWebhookReprocess, "webhook:whe_1", map[string]string{"eventId": "whe_1"})
	require.NoError(t, err)
	job.RunAt, job.CreatedAt, job.UpdatedAt = t0, t0, t0
	require.NoError(t, s.EnqueueJob(ctx, job))

	dup, err := jobs.New(jobs.QueueWebhookReprocess, "webhook:whe_1", map[string]string{"eventId": "whe_1"})
	require.NoError(t, err)
	dup.RunAt, dup.CreatedAt, dup.UpdatedAt = t0, t0, t0
	require.NoError(t, s.EnqueueJob(ctx, dup))

	claimed, err := s.ClaimJobs(ctx, jobs.QueueWebhookReprocess, t0, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "dedupe key collapses the second enqueue")
	assert.Equal(t, job.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := s.ClaimJobs(ctx, jobs.QueueWebhookReprocess, t0.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased job is not claimed twice")

	expired, err := s.ClaimJobs(ctx, jobs.QueueWebhookReprocess, t0.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1, "expired lease is reclaimed")
	assert.Equal(t, 2, expired[0].Attempts)

	retriedAt := t0.Add(150 * time.Second)
	require.NoError(t, s.RetryJob(ctx, job.ID, retriedAt, t0.Add(time.Hour), "timeout"))
	retried, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, retried.UpdatedAt.Equal(retriedAt), "updatedAt comes from the caller's clock, got %s", retried.UpdatedAt)
	assert.True(t, retried.RunAt.Equal(t0.Add(time.Hour)))
	none, err := s.ClaimJobs(ctx, jobs.QueueWebhookReprocess, t0.Add(3*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "retry waits for run_at")

	_, err = s.ReviveJob(ctx, job.ID, t0)
	require.ErrorIs(t, err, jobs.ErrNotDead)

	require.NoError(t, s.BuryJob(ctx, job.ID, t0, "gave up"))
	dead, err := s.ListDeadJobs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "gave up", dead[0].LastError)

	require.NoError(t, s.EnqueueJob(ctx, dup))
	revived, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, revived.Status)
	assert.Equal(t, 0, revived.Attempts)

	fresh, err := s.ClaimJobs(ctx, jobs.QueueWebhookReprocess, t0, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.NoError(t, s.CompleteJob(ctx, job.ID, t0))

	stats, err := s.JobStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, jobs.StatusCompleted, stats[0].Status)
	assert.Equal(t, 1, stats[0].Count)

	assert.ErrorIs(t, s.CompleteJob(ctx, "job_missing", t0), jobs.ErrJobNotFound)
}

func testCreationStats(t *testing.T, s Store) {
	newEscrow(t, s, "esc_1", escrow.StatePaid, t0.Add(-48*time.Hour))
	newEscrow(t, s, "esc_2", escrow.StatePaid, t0.Add(-30*time.Minute))
	newEscrow(t, s, "esc_3", escrow.StatePaid, t0.Add(-10*time.Minute))

	stats, err := s.CreationStats(ctx, "usr_buyer", "NGN", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RecentCount)
	assert.Equal(t, 3, stats.TotalCount)
	assert.True(t, stats.AverageAmount.Equal(decimal.NewFromInt(5000)), "average %s", stats.AverageAmount)

	none, err := s.CreationStats(ctx, "usr_seller", "NGN", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, none.TotalCount)
}
