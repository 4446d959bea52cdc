package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// errVerifyPending means the gateway has not settled the payment yet.
var errVerifyPending = errors.New("payment verification pending at gateway")

// Webhook outcomes reported in metrics.
const (
	outcomeInvalid    = "invalid_signature"
	outcomeMalformed  = "malformed"
	outcomeUnknown    = "unknown_reference"
	outcomeReplay     = "replay"
	outcomeIgnored    = "ignored"
	outcomeCompleted  = "completed"
	outcomeFailed     = "failed"
	outcomeMismatch   = "mismatch"
	outcomeNotPayable = "not_payable"
	outcomeRetry      = "retry"
)

// DefaultVerifyTimeout bounds the independent verification call.
const DefaultVerifyTimeout = 10 * time.Second

// ReprocessPayload is the payload of a webhook.reprocess job.
type ReprocessPayload struct {
	EventID string `json:"eventId"`
}

// Reconciler turns gateway notifications into payment completions.
type Reconciler struct {
	store         Store
	gateways      *gateways.Registry
	notifier      notify.Publisher
	logger        *slog.Logger
	verifyTimeout time.Duration
	staleAfter    time.Duration
	maxAttempts   int
	now           func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(store Store, registry *gateways.Registry, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:         store,
		gateways:      registry,
		notifier:      notify.Discard,
		logger:        logger,
		verifyTimeout: DefaultVerifyTimeout,
		staleAfter:    5 * time.Minute,
		maxAttempts:   jobs.DefaultMaxAttempts,
		now:           time.Now,
	}
}

// WithNotifier adds a publisher for payment events.
func (r *Reconciler) WithNotifier(n notify.Publisher) *Reconciler {
	r.notifier = n
	return r
}

// WithVerifyTimeout bounds each gateway verification call.
func (r *Reconciler) WithVerifyTimeout(d time.Duration) *Reconciler {
	if d > 0 {
		r.verifyTimeout = d
	}
	return r
}

// WithMaxAttempts sets the attempt limit of reprocess jobs.
func (r *Reconciler) WithMaxAttempts(n int) *Reconciler {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// HandleWebhook authenticates and records a notification, then reconciles
// it. Only an unknown gateway or a bad signature is returned to the caller;
// every other problem is recorded on the event or queued for reprocessing.
func (r *Reconciler) HandleWebhook(ctx context.Context, name gateways.Name, body []byte, signature string) error {
	gw, err := r.gateways.Get(name)
	if err != nil {
		return err
	}
	if signature == "" || !gw.VerifyWebhookSignature(body, signature) {
		metrics.WebhookEventsTotal.WithLabelValues(string(name), outcomeInvalid).Inc()
		r.logger.Warn("webhook signature rejected", "gateway", name)
		return ErrInvalidSignature
	}

	now := r.now().UTC()
	ev := &WebhookEvent{
		ID:         idgen.WithPrefix(idgen.PrefixWebhook),
		Gateway:    gw.Name(),
		Payload:    body,
		Signature:  signature,
		ReceivedAt: now,
	}
	n, parseErr := gw.ParseNotification(body)
	if parseErr == nil {
		ev.EventID, ev.EventType, ev.Reference = n.EventID, n.EventType, n.Reference
	}
	if err := r.store.SaveWebhookEvent(ctx, ev); err != nil {
		// Nothing was recorded; let the sender retry.
		return fmt.Errorf("failed to store webhook event: %w", err)
	}

	if parseErr != nil {
		r.finish(ctx, ev, outcomeMalformed, parseErr.Error())
		return nil
	}
	err = r.Process(ctx, ev)
	if errors.Is(err, errVerifyPending) && !n.Success {
		// A non-success notice for a payment that is still open changes nothing.
		r.finish(ctx, ev, outcomeIgnored, "")
		return nil
	}
	if err != nil {
		r.logger.Warn("webhook reconciliation deferred", "eventId", ev.ID, "reference", ev.Reference, "error", err)
		if qerr := r.enqueueReprocess(ctx, ev.ID); qerr != nil {
			r.logger.Error("failed to queue webhook reprocess", "eventId", ev.ID, "error", qerr)
		}
	}
	return nil
}

// Process reconciles a stored event. A nil return means the event reached a
// final outcome and was marked processed; an error means it should be retried.
func (r *Reconciler) Process(ctx context.Context, ev *WebhookEvent) (err error) {
	ctx, span := traces.StartSpan(ctx, "payments.reconcile",
		traces.Gateway(string(ev.Gateway)), traces.Reference(ev.Reference))
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.WithLabelValues(string(ev.Gateway)).Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	if ev.IsProcessed {
		return nil
	}

	p, err := r.store.GetPaymentByReference(ctx, ev.Gateway, ev.Reference)
	if errors.Is(err, apperr.ErrNotFound) {
		r.finish(ctx, ev, outcomeUnknown, "")
		return nil
	}
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusCompleted:
		r.finish(ctx, ev, outcomeReplay, "")
		return nil
	case StatusFailed, StatusRefunded:
		r.finish(ctx, ev, outcomeIgnored, "payment is "+string(p.Status))
		return nil
	}

	gw, err := r.gateways.Get(p.Gateway)
	if err != nil {
		r.finish(ctx, ev, outcomeIgnored, err.Error())
		return nil
	}

	vctx, cancel := context.WithTimeout(ctx, r.verifyTimeout)
	res, err := gw.VerifyPayment(vctx, gateways.VerifyRequest{Reference: p.Reference, GatewayReference: p.GatewayReference})
	cancel()
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Gateway), outcomeRetry).Inc()
		return fmt.Errorf("verify %s: %w", p.Reference, err)
	}

	now := r.now().UTC()
	switch res.Status {
	case gateways.PaymentPending:
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Gateway), outcomeRetry).Inc()
		return errVerifyPending
	case gateways.PaymentFailed:
		return r.fail(ctx, ev, p, outcomeFailed, "gateway reported failure: "+res.Message, res, now)
	}

	if !res.Amount.Equal(p.Amount) || !strings.EqualFold(res.Currency, p.Currency) {
		reason := fmt.Sprintf("amount mismatch: expected %s %s, gateway reported %s %s",
			p.Amount, p.Currency, res.Amount, res.Currency)
		return r.fail(ctx, ev, p, outcomeMismatch, reason, res, now)
	}

	e, err := r.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return err
	}
	if e.State != escrow.StateWaitingForPayment {
		r.finish(ctx, ev, outcomeNotPayable, "escrow no longer payable: state is "+string(e.State))
		return nil
	}

	gwRef := res.GatewayReference
	if gwRef == "" {
		gwRef = p.GatewayReference
	}
	err = r.store.CompletePayment(ctx, Completion{
		PaymentID:        p.ID,
		EscrowID:         p.EscrowID,
		EventID:          ev.ID,
		GatewayReference: gwRef,
		GatewayResponse:  res.Raw,
		At:               now,
		Ledger:           ledger.New(p.EscrowID, ledger.TypePayment, p.Amount, p.Currency, string(p.Gateway), p.Reference, now),
	})
	if errors.Is(err, apperr.ErrConflict) {
		// Lost a race with a duplicate delivery or a state change. Re-read to
		// record the right outcome.
		return r.afterConflict(ctx, ev, p)
	}
	if err != nil {
		return err
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Gateway), outcomeCompleted).Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(escrow.StateWaitingForPayment), string(escrow.StatePaid)).Inc()
	r.logger.Info("payment completed", "escrowId", p.EscrowID, "reference", p.Reference, "amount", p.Amount.String())
	r.notifier.Publish(ctx, notify.NewEvent(notify.EventEscrowPaid, e.ID, now, e.BuyerID, e.SellerID).
		With("amount", p.Amount.String()).
		With("currency", p.Currency))
	return nil
}

func (r *Reconciler) afterConflict(ctx context.Context, ev *WebhookEvent, p *Payment) error {
	current, err := r.store.GetPaymentByReference(ctx, p.Gateway, p.Reference)
	if err != nil {
		return err
	}
	if current.Status == StatusCompleted {
		r.finish(ctx, ev, outcomeReplay, "")
		return nil
	}
	e, err := r.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return err
	}
	r.finish(ctx, ev, outcomeNotPayable, "escrow no longer payable: state is "+string(e.State))
	return nil
}

func (r *Reconciler) fail(ctx context.Context, ev *WebhookEvent, p *Payment, outcome, reason string, res *gateways.VerifyResult, now time.Time) error {
	if err := r.store.FailPayment(ctx, p.ID, ev.ID, reason, res.Raw, now); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			r.finish(ctx, ev, outcomeReplay, "")
			return nil
		}
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Gateway), outcome).Inc()
	r.logger.Warn("payment failed", "escrowId", p.EscrowID, "reference", p.Reference, "reason", reason)
	r.notifier.Publish(ctx, notify.NewEvent(notify.EventPaymentFailed, p.EscrowID, now, p.PayerID).With("reason", reason))
	return nil
}

// finish marks ev processed with an optional error. A failure to write is
// logged; the stale-webhook recovery picks the event up again.
func (r *Reconciler) finish(ctx context.Context, ev *WebhookEvent, outcome, processingError string) {
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Gateway), outcome).Inc()
	if err := r.store.MarkWebhookProcessed(ctx, ev.ID, r.now().UTC(), processingError); err != nil {
		r.logger.Error("failed to mark webhook processed", "eventId", ev.ID, "error", err)
		return
	}
	ev.IsProcessed = true
	ev.ProcessingError = processingError
}

func (r *Reconciler) enqueueReprocess(ctx context.Context, eventID string) error {
	job, err := jobs.New(jobs.QueueWebhookReprocess, "webhook:"+eventID, ReprocessPayload{EventID: eventID})
	if err != nil {
		return err
	}
	now := r.now().UTC()
	job.RunAt, job.CreatedAt, job.UpdatedAt = now, now, now
	job.MaxAttempts = r.maxAttempts
	return r.store.EnqueueJob(ctx, job)
}

// HandleReprocess runs one webhook.reprocess job.
func (r *Reconciler) HandleReprocess(ctx context.Context, job *jobs.Job) error {
	var payload ReprocessPayload
	if err := job.Decode(&payload); err != nil {
		return retry.Permanent(err)
	}
	ev, err := r.store.GetWebhookEvent(ctx, payload.EventID)
	if errors.Is(err, apperr.ErrNotFound) {
		return retry.Permanent(err)
	}
	if err != nil {
		return err
	}
	return r.Process(ctx, ev)
}

// DeadLetter records the final error on the event of a dead reprocess job.
func (r *Reconciler) DeadLetter(ctx context.Context, job *jobs.Job, cause error) {
	var payload ReprocessPayload
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := r.store.RecordWebhookError(ctx, payload.EventID, jobs.Truncate(cause.Error(), 1000)); err != nil {
		r.logger.Error("failed to record webhook error", "eventId", payload.EventID, "error", err)
	}
}

// RecoverStale queues reprocessing for events left unprocessed for longer
// than the stale threshold, such as those stored by a process that crashed
// before reconciling.
func (r *Reconciler) RecoverStale(ctx context.Context, now time.Time) error {
	stale, err := r.store.ListStaleWebhooks(ctx, now.Add(-r.staleAfter), 100)
	if err != nil {
		return fmt.Errorf("list stale webhooks: %w", err)
	}
	for _, ev := range stale {
		if err := r.enqueueReprocess(ctx, ev.ID); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		r.logger.Info("queued stale webhooks for reprocessing", "count", len(stale))
	}
	return nil
}
