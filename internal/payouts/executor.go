package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// errTransferPending keeps a processing payout on the retry schedule until the
// provider reports a final status.
var errTransferPending = errors.New("transfer pending at gateway")

// SettlementHook runs after a payout is completed (including when a retried
// job finds it already completed). An error retries the job.
type SettlementHook func(ctx context.Context, p *Payout) error

// Executor runs payout.execute jobs.
type Executor struct {
	store     Store
	gateways  *gateways.Registry
	logger    *slog.Logger
	now       func() time.Time
	onSettled []SettlementHook
	maxTries  int
}

// NewExecutor creates a payout executor.
func NewExecutor(store Store, registry *gateways.Registry, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		gateways: registry,
		logger:   logger,
		now:      time.Now,
		maxTries: jobs.DefaultMaxAttempts,
	}
}

// WithMaxAttempts sets the attempt limit of jobs created by Retry.
func (e *Executor) WithMaxAttempts(n int) *Executor {
	if n > 0 {
		e.maxTries = n
	}
	return e
}

// OnSettled registers a hook run after each completed payout.
func (e *Executor) OnSettled(hook SettlementHook) {
	e.onSettled = append(e.onSettled, hook)
}

// Handle executes one payout.execute job.
func (e *Executor) Handle(ctx context.Context, job *jobs.Job) error {
	var payload JobPayload
	if err := job.Decode(&payload); err != nil {
		return retry.Permanent(err)
	}

	ctx, span := traces.StartSpan(ctx, "payouts.execute", traces.PayoutID(payload.PayoutID))
	err := e.execute(ctx, payload.PayoutID)
	traces.End(span, err)
	return err
}

func (e *Executor) execute(ctx context.Context, id string) error {
	p, err := e.store.GetPayout(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return retry.Permanent(err)
	}
	if err != nil {
		return err
	}
	log := e.logger.With("payoutId", p.ID, "escrowId", p.EscrowID, "leg", p.Leg)

	switch p.Status {
	case StatusCompleted:
		log.Info("payout already completed")
		return e.settled(ctx, p)
	case StatusFailed:
		log.Warn("payout is failed, skipping until retried")
		return nil
	}

	recipient := p.Recipient
	if p.Kind == KindPayout && recipient == nil {
		account, err := e.store.GetPayoutAccount(ctx, p.RecipientID)
		if errors.Is(err, apperr.ErrNotFound) {
			return retry.Permanent(fmt.Errorf("payout %s: recipient %s has no payout account: %w", p.ID, p.RecipientID, err))
		}
		if err != nil {
			return err
		}
		recipient = account.Recipient()
	}

	transferer, err := e.gateways.Transferer(p.Gateway)
	if err != nil {
		return retry.Permanent(err)
	}

	if p.Status == StatusPending {
		if err := e.store.MarkPayoutProcessing(ctx, p.ID, recipient, e.now().UTC()); err != nil {
			return err
		}
	}

	kind := gateways.TransferPayout
	if p.Kind == KindRefund {
		kind = gateways.TransferRefund
	}
	res, err := transferer.Transfer(ctx, gateways.TransferRequest{
		Kind:                    kind,
		Reference:               p.Reference,
		Amount:                  p.Amount,
		Currency:                p.Currency,
		Recipient:               recipient,
		PaymentReference:        p.PaymentReference,
		GatewayPaymentReference: p.GatewayPaymentReference,
		Reason:                  fmt.Sprintf("Escrow %s %s", p.EscrowID, p.Kind),
	})
	if errors.Is(err, gateways.ErrRejected) {
		return retry.Permanent(err)
	}
	if err != nil {
		return err
	}

	switch res.Status {
	case gateways.TransferPending:
		log.Info("transfer pending at gateway", "gatewayReference", res.GatewayReference)
		return errTransferPending
	case gateways.TransferFailed:
		return retry.Permanent(fmt.Errorf("transfer failed: %s", res.Message))
	}

	now := e.now().UTC()
	// Dispute legs are recorded in the ledger when the dispute is finalized.
	entry := p.LedgerEntry(now)
	if p.DisputeID != "" {
		entry = nil
	}
	if err := e.store.CompletePayout(ctx, p.ID, res.GatewayReference, now, entry); err != nil {
		return err
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Kind), string(StatusCompleted)).Inc()
	log.Info("payout completed", "amount", p.Amount.String(), "gatewayReference", res.GatewayReference)

	p.Status = StatusCompleted
	p.GatewayReference = res.GatewayReference
	p.CompletedAt = &now
	return e.settled(ctx, p)
}

func (e *Executor) settled(ctx context.Context, p *Payout) error {
	for _, hook := range e.onSettled {
		if err := hook(ctx, p); err != nil {
			return fmt.Errorf("settlement hook for payout %s: %w", p.ID, err)
		}
	}
	return nil
}

// DeadLetter marks the payout of a dead-lettered job as failed.
func (e *Executor) DeadLetter(ctx context.Context, job *jobs.Job, cause error) {
	var payload JobPayload
	if err := job.Decode(&payload); err != nil {
		e.logger.Error("undecodable dead payout job", "jobId", job.ID, "error", err)
		return
	}
	if err := e.store.FailPayout(ctx, payload.PayoutID, jobs.Truncate(cause.Error(), 1000), e.now().UTC()); err != nil {
		e.logger.Error("failed to mark payout failed", "payoutId", payload.PayoutID, "error", err)
		return
	}
	metrics.PayoutsTotal.WithLabelValues("", string(StatusFailed)).Inc()
	e.logger.Error("payout failed", "payoutId", payload.PayoutID, "error", cause)
}

// Retry re-drives a failed payout with the same idempotency key.
func (e *Executor) Retry(ctx context.Context, id string) (*Payout, error) {
	p, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusFailed {
		return nil, ErrNotFailed
	}
	now := e.now().UTC()
	job, err := NewJob(p, now, e.maxTries)
	if err != nil {
		return nil, err
	}
	if err := e.store.RetryPayout(ctx, p.ID, job, now); err != nil {
		return nil, err
	}
	p.Status = StatusPending
	p.LastError = ""
	return p, nil
}
