package payments_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/payments"
	"github.com/mbd888/escrowd/internal/store"
)

var (
	buyer  = auth.Actor{ID: "usr_buyer", Role: auth.RoleUser, Email: "buyer@example.com"}
	seller = auth.Actor{ID: "usr_seller", Role: auth.RoleUser}
)

type fixture struct {
	mem        *store.Memory
	sandbox    *gateways.SandboxGateway
	service    *payments.Service
	reconciler *payments.Reconciler
	escrow     *escrow.Escrow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	sbx := gateways.NewSandbox("whsec_test")
	registry := gateways.NewRegistry(gateways.Sandbox, sbx)

	e, err := escrow.NewService(mem, escrow.DefaultConfig()).Initiate(context.Background(), buyer, escrow.InitiateRequest{
		CounterpartyID: seller.ID,
		Role:           escrow.RoleBuyer,
		Amount:         decimal.NewFromInt(50000),
		Currency:       "NGN",
	})
	require.NoError(t, err)

	// References embed the clock's milliseconds; keep them distinct.
	base, tick := time.Now().UTC(), 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	return &fixture{
		mem:        mem,
		sandbox:    sbx,
		service:    payments.NewService(mem, registry).WithClock(clock),
		reconciler: payments.NewReconciler(mem, registry, slog.New(slog.NewTextHandler(io.Discard, nil))),
		escrow:     e,
	}
}

func (f *fixture) initialize(t *testing.T) *payments.Payment {
	t.Helper()
	p, err := f.service.Initialize(context.Background(), buyer, payments.InitializeRequest{EscrowID: f.escrow.ID})
	require.NoError(t, err)
	return p
}

func (f *fixture) webhook(eventID, event, reference string) ([]byte, string) {
	body := []byte(fmt.Sprintf(`{"id":%q,"event":%q,"reference":%q}`, eventID, event, reference))
	return body, f.sandbox.Sign(body)
}

func (f *fixture) state(t *testing.T) escrow.State {
	t.Helper()
	e, err := f.mem.GetEscrow(context.Background(), f.escrow.ID)
	require.NoError(t, err)
	return e.State
}

func (f *fixture) reprocessJobs(t *testing.T) []*jobs.Job {
	t.Helper()
	claimed, err := f.mem.ClaimJobs(context.Background(), jobs.QueueWebhookReprocess, time.Now().Add(time.Minute), time.Minute, 10)
	require.NoError(t, err)
	return claimed
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)

	assert.Equal(t, payments.StatusInitialized, p.Status)
	assert.Equal(t, gateways.Sandbox, p.Gateway)
	assert.True(t, p.Amount.Equal(f.escrow.Amount))
	assert.Contains(t, p.AuthorizationURL, p.Reference)
	assert.Regexp(t, `^SANDBOX-`, p.Reference)

	e, err := f.mem.GetEscrow(context.Background(), f.escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Reference, e.PaymentReference)
	assert.Equal(t, gateways.Sandbox, e.PaymentGateway)

	_, err = f.service.Initialize(context.Background(), buyer, payments.InitializeRequest{EscrowID: f.escrow.ID})
	assert.ErrorIs(t, err, payments.ErrPaymentInProgress)
}

func TestInitialize_Guards(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Initialize(context.Background(), seller, payments.InitializeRequest{EscrowID: f.escrow.ID})
	assert.ErrorIs(t, err, payments.ErrNotBuyer)

	_, err = f.service.Initialize(context.Background(), buyer, payments.InitializeRequest{EscrowID: f.escrow.ID, Gateway: "paypal"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.service.Initialize(context.Background(), buyer, payments.InitializeRequest{})
	status, _ := apperr.Status(err)
	assert.Equal(t, 400, status)

	_, err = f.service.Initialize(context.Background(), buyer, payments.InitializeRequest{EscrowID: "esc_missing"})
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

// A confirmed payment moves the escrow to paid exactly once, however many
// times the gateway delivers the notification.
func TestInitialize_ConcurrentCheckoutsCollapse(t *testing.T) {
	f := newFixture(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		inFlight  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Initialize(context.Background(), buyer, payments.InitializeRequest{EscrowID: f.escrow.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, payments.ErrPaymentInProgress):
				inFlight++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 7, inFlight)
	list, err := f.mem.ListPaymentsByEscrow(context.Background(), f.escrow.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWebhook_CompletesOnceUnderReplay(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	f.sandbox.MarkPaid(p.Reference)

	body, sig := f.webhook("evt_1", "charge.success", p.Reference)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, sig))
	}

	assert.Equal(t, escrow.StatePaid, f.state(t))
	got, err := f.service.GetByReference(context.Background(), buyer, p.Reference)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	rows, err := f.mem.ListLedgerByEscrow(context.Background(), f.escrow.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.TypePayment, rows[0].Type)
	assert.Equal(t, p.Reference, rows[0].Reference)
	assert.Empty(t, f.reprocessJobs(t))
}

func TestWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	f.sandbox.MarkPaid(p.Reference)

	body, _ := f.webhook("evt_1", "charge.success", p.Reference)
	err := f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, "deadbeef")
	assert.ErrorIs(t, err, payments.ErrInvalidSignature)

	err = f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, "")
	assert.ErrorIs(t, err, payments.ErrInvalidSignature)
	assert.Equal(t, escrow.StateWaitingForPayment, f.state(t))
}

func TestWebhook_AmountMismatchFailsPayment(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	f.sandbox.SetPaidAmount(p.Reference, decimal.NewFromInt(100), "NGN")
	f.sandbox.MarkPaid(p.Reference)

	body, sig := f.webhook("evt_1", "charge.success", p.Reference)
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, sig))

	assert.Equal(t, escrow.StateWaitingForPayment, f.state(t))
	got, err := f.mem.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "amount mismatch")

	rows, _ := f.mem.ListLedgerByEscrow(context.Background(), f.escrow.ID)
	assert.Empty(t, rows)

	// The buyer can try again once the failed attempt is closed.
	_, err = f.service.Initialize(context.Background(), buyer, payments.InitializeRequest{EscrowID: f.escrow.ID})
	assert.NoError(t, err)
}

func TestWebhook_UnknownReferenceIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	body, sig := f.webhook("evt_1", "charge.success", "SANDBOX-nothing")
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, sig))
	assert.Empty(t, f.reprocessJobs(t))
}

func TestWebhook_MalformedBodyIsRecorded(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":"charge.success"}`)
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, f.sandbox.Sign(body)))
	assert.Empty(t, f.reprocessJobs(t))
}

func TestWebhook_PendingVerificationIsReprocessed(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)

	body, sig := f.webhook("evt_1", "charge.success", p.Reference)
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, sig))
	assert.Equal(t, escrow.StateWaitingForPayment, f.state(t))

	queued := f.reprocessJobs(t)
	require.Len(t, queued, 1)

	// Still pending: the job fails and will be retried.
	assert.Error(t, f.reconciler.HandleReprocess(context.Background(), queued[0]))

	f.sandbox.MarkPaid(p.Reference)
	require.NoError(t, f.reconciler.HandleReprocess(context.Background(), queued[0]))
	assert.Equal(t, escrow.StatePaid, f.state(t))
}

func TestWebhook_FailureNoticeForOpenPaymentIsIgnored(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)

	body, sig := f.webhook("evt_1", "charge.failed", p.Reference)
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, sig))
	assert.Empty(t, f.reprocessJobs(t))

	got, _ := f.mem.GetPayment(context.Background(), p.ID)
	assert.Equal(t, payments.StatusInitialized, got.Status)
}

func TestWebhook_GatewayOutageDeadLetters(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	f.sandbox.SetVerifyError(fmt.Errorf("%w: connection reset", apperr.ErrGatewayUnavailable))

	body, sig := f.webhook("evt_1", "charge.success", p.Reference)
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, sig))

	queued := f.reprocessJobs(t)
	require.Len(t, queued, 1)
	cause := f.reconciler.HandleReprocess(context.Background(), queued[0])
	require.Error(t, cause)

	f.reconciler.DeadLetter(context.Background(), queued[0], cause)
	var payload payments.ReprocessPayload
	require.NoError(t, queued[0].Decode(&payload))
	ev, err := f.mem.GetWebhookEvent(context.Background(), payload.EventID)
	require.NoError(t, err)
	assert.False(t, ev.IsProcessed)
	assert.Contains(t, ev.ProcessingError, "connection reset")
}

func TestWebhook_EscrowNoLongerPayable(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	f.sandbox.MarkPaid(p.Reference)

	_, err := escrow.NewService(f.mem, escrow.DefaultConfig()).Cancel(context.Background(), f.escrow.ID, buyer, "")
	require.NoError(t, err)

	body, sig := f.webhook("evt_1", "charge.success", p.Reference)
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), gateways.Sandbox, body, sig))
	assert.Equal(t, escrow.StateCancelled, f.state(t))

	rows, _ := f.mem.ListLedgerByEscrow(context.Background(), f.escrow.ID)
	assert.Empty(t, rows)
}

func TestHandleReprocess_MissingEventIsPermanent(t *testing.T) {
	f := newFixture(t)
	job, err := jobs.New(jobs.QueueWebhookReprocess, "webhook:evt_gone", payments.ReprocessPayload{EventID: "whk_gone"})
	require.NoError(t, err)

	err = f.reconciler.HandleReprocess(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	require.NoError(t, f.mem.SaveWebhookEvent(context.Background(), &payments.WebhookEvent{
		ID: "whk_old", Gateway: gateways.Sandbox, Reference: "SANDBOX-x", ReceivedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, f.mem.SaveWebhookEvent(context.Background(), &payments.WebhookEvent{
		ID: "whk_new", Gateway: gateways.Sandbox, Reference: "SANDBOX-y", ReceivedAt: now,
	}))

	require.NoError(t, f.reconciler.RecoverStale(context.Background(), now))
	queued := f.reprocessJobs(t)
	require.Len(t, queued, 1)
	assert.Equal(t, "webhook:whk_old", queued[0].DedupeKey)
}
