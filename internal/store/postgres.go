package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

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

// Postgres implements every domain store on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// PingContext checks the connection for health probes.
func (p *Postgres) PingContext(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a read-committed transaction. Row locks and conditional
// updates inside fn provide the isolation each operation needs.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// uniqueViolation reports whether err is a 23505 on the named constraint.
// An empty name matches any unique violation.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// -----------------------------------------------------------------------------
// Escrows
// -----------------------------------------------------------------------------

const escrowColumns = `id, buyer_id, seller_id, initiator_id, amount, currency, state, description,
	payment_reference, payment_gateway, payment_gateway_reference, expires_at,
	paid_at, delivered_at, received_at, released_at, cancelled_at,
	cancellation_reason, cancelled_by, created_at, updated_at`

func scanEscrow(row scanner) (*escrow.Escrow, error) {
	var e escrow.Escrow
	var paid, delivered, received, released, cancelled sql.NullTime
	err := row.Scan(&e.ID, &e.BuyerID, &e.SellerID, &e.InitiatorID, &e.Amount, &e.Currency, &e.State, &e.Description,
		&e.PaymentReference, &e.PaymentGateway, &e.PaymentGatewayReference, &e.ExpiresAt,
		&paid, &delivered, &received, &released, &cancelled,
		&e.CancellationReason, &e.CancelledBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.PaidAt = timePtr(paid)
	e.DeliveredAt = timePtr(delivered)
	e.ReceivedAt = timePtr(received)
	e.ReleasedAt = timePtr(released)
	e.CancelledAt = timePtr(cancelled)
	return &e, nil
}

func (p *Postgres) CreateEscrow(ctx context.Context, e *escrow.Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, e.ID, e.BuyerID, e.SellerID, e.InitiatorID, e.Amount, e.Currency, e.State, e.Description,
		e.PaymentReference, e.PaymentGateway, e.PaymentGatewayReference, e.ExpiresAt,
		e.PaidAt, e.DeliveredAt, e.ReceivedAt, e.ReleasedAt, e.CancelledAt,
		e.CancellationReason, e.CancelledBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *Postgres) GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	return e, nil
}

func (p *Postgres) ListEscrows(ctx context.Context, f escrow.ListFilter) ([]*escrow.Escrow, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		n := arg(f.UserID)
		where = append(where, "(buyer_id = "+n+" OR seller_id = "+n+")")
	}
	if f.State != "" {
		where = append(where, "state = "+arg(f.State))
	}
	if f.Cursor != nil {
		where = append(where, "(created_at, id) < ("+arg(f.Cursor.CreatedAt)+", "+arg(f.Cursor.ID)+")")
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limitPlusOne(f.Limit))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanEscrow)
}

func (p *Postgres) ListExpiredEscrows(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE state = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, escrow.StateWaitingForPayment, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanEscrow)
}

func (p *Postgres) TransitionEscrow(ctx context.Context, req escrow.TransitionRequest) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		e, err := transition(ctx, tx, req)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transition applies req inside tx: a conditional update on the stored
// state, then the payouts, jobs and ledger rows that go with it.
func transition(ctx context.Context, tx *sql.Tx, req escrow.TransitionRequest) (*escrow.Escrow, error) {
	e, err := scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, req.EscrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}
	if e.State != req.From {
		return nil, escrow.ErrConflict
	}
	e.Apply(req.To, req.Actor.ID, req.Reason, req.At)
	if err := updateEscrowState(ctx, tx, e, req.From); err != nil {
		return nil, err
	}
	if err := insertRows(ctx, tx, req.Payouts, req.Jobs, req.Ledger); err != nil {
		return nil, err
	}
	return e, nil
}

func updateEscrowState(ctx context.Context, tx *sql.Tx, e *escrow.Escrow, from escrow.State) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET state = $2, paid_at = $3, delivered_at = $4, received_at = $5,
			released_at = $6, cancelled_at = $7, cancellation_reason = $8, cancelled_by = $9,
			payment_gateway_reference = $10, updated_at = $11
		WHERE id = $1 AND state = $12
	`, e.ID, e.State, e.PaidAt, e.DeliveredAt, e.ReceivedAt,
		e.ReleasedAt, e.CancelledAt, e.CancellationReason, e.CancelledBy,
		e.PaymentGatewayReference, e.UpdatedAt, from)
	if err != nil {
		return fmt.Errorf("failed to update escrow state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return escrow.ErrConflict
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, legs []*payouts.Payout, js []*jobs.Job, rows []*ledger.Transaction) error {
	for _, po := range legs {
		if err := insertPayout(ctx, tx, po); err != nil {
			return err
		}
	}
	for _, j := range js {
		if err := enqueue(ctx, tx, j); err != nil {
			return err
		}
	}
	for _, t := range rows {
		if err := insertLedger(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func insertLedger(ctx context.Context, tx *sql.Tx, t *ledger.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, escrow_id, type, amount, currency, gateway, reference, status, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.EscrowID, t.Type, t.Amount, t.Currency, t.Gateway, t.Reference, t.Status, t.ProcessedAt, t.CreatedAt)
	if err != nil {
		if uniqueViolation(err, "ledger_transactions_type_reference_key") {
			return ledger.ErrDuplicate
		}
		return fmt.Errorf("failed to insert ledger transaction: %w", err)
	}
	return nil
}

func (p *Postgres) ListLedgerByEscrow(ctx context.Context, escrowID string) ([]*ledger.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, type, amount, currency, gateway, reference, status, processed_at, created_at
		FROM ledger_transactions WHERE escrow_id = $1
		ORDER BY created_at ASC, id ASC
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, func(row scanner) (*ledger.Transaction, error) {
		var t ledger.Transaction
		err := row.Scan(&t.ID, &t.EscrowID, &t.Type, &t.Amount, &t.Currency, &t.Gateway, &t.Reference, &t.Status, &t.ProcessedAt, &t.CreatedAt)
		return &t, err
	})
}

// CreationStats summarizes the escrows userID initiated.
func (p *Postgres) CreationStats(ctx context.Context, userID, currency string, since time.Time) (fraud.Stats, error) {
	var s fraud.Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE created_at >= $3),
		       COUNT(*) FILTER (WHERE currency = $2),
		       COALESCE(AVG(amount) FILTER (WHERE currency = $2), 0)
		FROM escrows WHERE initiator_id = $1
	`, userID, currency, since).Scan(&s.RecentCount, &s.TotalCount, &s.AverageAmount)
	if err != nil {
		return fraud.Stats{}, fmt.Errorf("failed to load creation stats: %w", err)
	}
	return s, nil
}

// -----------------------------------------------------------------------------
// Payments and webhook events
// -----------------------------------------------------------------------------

const paymentColumns = `id, escrow_id, payer_id, amount, currency, gateway, reference, gateway_reference,
	authorization_url, status, failure_reason, gateway_response, completed_at, created_at, updated_at`

func scanPayment(row scanner) (*payments.Payment, error) {
	var pm payments.Payment
	var response []byte
	var completed sql.NullTime
	err := row.Scan(&pm.ID, &pm.EscrowID, &pm.PayerID, &pm.Amount, &pm.Currency, &pm.Gateway, &pm.Reference, &pm.GatewayReference,
		&pm.AuthorizationURL, &pm.Status, &pm.FailureReason, &response, &completed, &pm.CreatedAt, &pm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pm.GatewayResponse = response
	pm.CompletedAt = timePtr(completed)
	return &pm, nil
}

func (p *Postgres) InitializePayment(ctx context.Context, pm *payments.Payment) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET payment_reference = $2, payment_gateway = $3, updated_at = $4
			WHERE id = $1 AND state = $5
		`, pm.EscrowID, pm.Reference, pm.Gateway, pm.CreatedAt, escrow.StateWaitingForPayment)
		if err != nil {
			return fmt.Errorf("failed to record payment reference: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getEscrowTx(ctx, tx, pm.EscrowID); err != nil {
				return err
			}
			return escrow.ErrConflict
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, pm.ID, pm.EscrowID, pm.PayerID, pm.Amount, pm.Currency, pm.Gateway, pm.Reference, pm.GatewayReference,
			pm.AuthorizationURL, pm.Status, pm.FailureReason, nullJSON(pm.GatewayResponse), pm.CompletedAt, pm.CreatedAt, pm.UpdatedAt)
		switch {
		case err == nil:
			return nil
		case uniqueViolation(err, "idx_payments_live"):
			return payments.ErrPaymentInProgress
		case uniqueViolation(err, "payments_gateway_reference_key"):
			return ErrPaymentReferenceExists
		case uniqueViolation(err, ""):
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	})
}

func getEscrowTx(ctx context.Context, tx *sql.Tx, id string) (*escrow.Escrow, error) {
	e, err := scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	return e, nil
}

func (p *Postgres) GetPayment(ctx context.Context, id string) (*payments.Payment, error) {
	return p.getPayment(ctx, `WHERE id = $1`, id)
}

func (p *Postgres) GetPaymentByReference(ctx context.Context, gateway gateways.Name, reference string) (*payments.Payment, error) {
	return p.getPayment(ctx, `WHERE gateway = $1 AND reference = $2`, gateway, reference)
}

func (p *Postgres) getPayment(ctx context.Context, where string, args ...any) (*payments.Payment, error) {
	pm, err := scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payments.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return pm, nil
}

func (p *Postgres) ListPaymentsByEscrow(ctx context.Context, escrowID string) ([]*payments.Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE escrow_id = $1 ORDER BY created_at ASC
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanPayment)
}

func (p *Postgres) CompletePayment(ctx context.Context, c payments.Completion) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var status payments.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM payments WHERE id = $1 FOR UPDATE`, c.PaymentID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return payments.ErrPaymentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if status == payments.StatusCompleted {
			return payments.ErrAlreadyCompleted
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = $2, gateway_reference = $3, gateway_response = $4,
				completed_at = $5, updated_at = $5
			WHERE id = $1
		`, c.PaymentID, payments.StatusCompleted, c.GatewayReference, nullJSON(c.GatewayResponse), c.At); err != nil {
			return fmt.Errorf("failed to complete payment: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET state = $2, paid_at = $3, payment_gateway_reference = $4, updated_at = $3
			WHERE id = $1 AND state = $5
		`, c.EscrowID, escrow.StatePaid, c.At, c.GatewayReference, escrow.StateWaitingForPayment)
		if err != nil {
			return fmt.Errorf("failed to mark escrow paid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getEscrowTx(ctx, tx, c.EscrowID); err != nil {
				return err
			}
			return escrow.ErrConflict
		}

		if c.Ledger != nil {
			if err := insertLedger(ctx, tx, c.Ledger); err != nil {
				return err
			}
		}
		if c.EventID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE webhook_events SET is_processed = TRUE, processed_at = $2, processing_error = '' WHERE id = $1
			`, c.EventID, c.At); err != nil {
				return fmt.Errorf("failed to mark webhook processed: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) FailPayment(ctx context.Context, paymentID, eventID, reason string, response json.RawMessage, at time.Time) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = $2, failure_reason = $3, gateway_response = $4, updated_at = $5
			WHERE id = $1 AND status <> $6
		`, paymentID, payments.StatusFailed, reason, nullJSON(response), at, payments.StatusCompleted)
		if err != nil {
			return fmt.Errorf("failed to fail payment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check payment: %w", err)
			}
			if !exists {
				return payments.ErrPaymentNotFound
			}
			return payments.ErrAlreadyCompleted
		}
		if eventID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE webhook_events SET is_processed = TRUE, processed_at = $2 WHERE id = $1
			`, eventID, at); err != nil {
				return fmt.Errorf("failed to mark webhook processed: %w", err)
			}
		}
		return nil
	})
}

const webhookColumns = `id, gateway, event_id, event_type, reference, payload, signature,
	is_processed, processed_at, processing_error, received_at`

func scanWebhook(row scanner) (*payments.WebhookEvent, error) {
	var ev payments.WebhookEvent
	var processed sql.NullTime
	err := row.Scan(&ev.ID, &ev.Gateway, &ev.EventID, &ev.EventType, &ev.Reference, &ev.Payload, &ev.Signature,
		&ev.IsProcessed, &processed, &ev.ProcessingError, &ev.ReceivedAt)
	if err != nil {
		return nil, err
	}
	ev.ProcessedAt = timePtr(processed)
	return &ev, nil
}

func (p *Postgres) SaveWebhookEvent(ctx context.Context, ev *payments.WebhookEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.Gateway, ev.EventID, ev.EventType, ev.Reference, ev.Payload, ev.Signature,
		ev.IsProcessed, ev.ProcessedAt, ev.ProcessingError, ev.ReceivedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

func (p *Postgres) GetWebhookEvent(ctx context.Context, id string) (*payments.WebhookEvent, error) {
	ev, err := scanWebhook(p.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payments.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}

func (p *Postgres) MarkWebhookProcessed(ctx context.Context, id string, at time.Time, processingError string) error {
	return p.execOne(ctx, payments.ErrEventNotFound, `
		UPDATE webhook_events SET is_processed = TRUE, processed_at = $2, processing_error = $3 WHERE id = $1
	`, id, at, processingError)
}

func (p *Postgres) RecordWebhookError(ctx context.Context, id, processingError string) error {
	return p.execOne(ctx, payments.ErrEventNotFound, `
		UPDATE webhook_events SET processing_error = $2 WHERE id = $1
	`, id, processingError)
}

func (p *Postgres) ListStaleWebhooks(ctx context.Context, before time.Time, limit int) ([]*payments.WebhookEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE is_processed = FALSE AND processing_error = '' AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanWebhook)
}

// -----------------------------------------------------------------------------
// Payouts
// -----------------------------------------------------------------------------

const payoutColumns = `id, escrow_id, dispute_id, leg, kind, recipient_id, recipient, amount, currency, gateway,
	payment_reference, gateway_payment_reference, reference, gateway_reference, status, last_error,
	completed_at, created_at, updated_at`

func scanPayout(row scanner) (*payouts.Payout, error) {
	var po payouts.Payout
	var recipient []byte
	var completed sql.NullTime
	err := row.Scan(&po.ID, &po.EscrowID, &po.DisputeID, &po.Leg, &po.Kind, &po.RecipientID, &recipient, &po.Amount, &po.Currency, &po.Gateway,
		&po.PaymentReference, &po.GatewayPaymentReference, &po.Reference, &po.GatewayReference, &po.Status, &po.LastError,
		&completed, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(recipient) > 0 {
		var r gateways.Recipient
		if err := json.Unmarshal(recipient, &r); err != nil {
			return nil, fmt.Errorf("decode payout recipient: %w", err)
		}
		po.Recipient = &r
	}
	po.CompletedAt = timePtr(completed)
	return &po, nil
}

func insertPayout(ctx context.Context, tx *sql.Tx, po *payouts.Payout) error {
	recipient, err := recipientJSON(po.Recipient)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, po.ID, po.EscrowID, po.DisputeID, po.Leg, po.Kind, po.RecipientID, recipient, po.Amount, po.Currency, po.Gateway,
		po.PaymentReference, po.GatewayPaymentReference, po.Reference, po.GatewayReference, po.Status, po.LastError,
		po.CompletedAt, po.CreatedAt, po.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return payouts.ErrLegExists
		}
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

func recipientJSON(r *gateways.Recipient) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode payout recipient: %w", err)
	}
	return string(b), nil
}

func (p *Postgres) GetPayout(ctx context.Context, id string) (*payouts.Payout, error) {
	return p.getPayout(ctx, `WHERE id = $1`, id)
}

func (p *Postgres) GetPayoutByLeg(ctx context.Context, escrowID string, leg payouts.Leg) (*payouts.Payout, error) {
	return p.getPayout(ctx, `WHERE escrow_id = $1 AND leg = $2`, escrowID, leg)
}

func (p *Postgres) getPayout(ctx context.Context, where string, args ...any) (*payouts.Payout, error) {
	po, err := scanPayout(p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payouts.ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return po, nil
}

func (p *Postgres) ListPayoutsByEscrow(ctx context.Context, escrowID string) ([]*payouts.Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE escrow_id = $1 ORDER BY leg ASC
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanPayout)
}

func (p *Postgres) MarkPayoutProcessing(ctx context.Context, id string, recipient *gateways.Recipient, at time.Time) error {
	r, err := recipientJSON(recipient)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET status = $2, recipient = COALESCE($3::jsonb, recipient), updated_at = $4
		WHERE id = $1 AND status IN ($5, $2)
	`, id, payouts.StatusProcessing, r, at, payouts.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark payout processing: %w", err)
	}
	return p.payoutGuard(ctx, res, id, ErrPayoutSettled)
}

func (p *Postgres) CompletePayout(ctx context.Context, id, gatewayReference string, at time.Time, entry *ledger.Transaction) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var status payouts.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM payouts WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return payouts.ErrPayoutNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock payout: %w", err)
		}
		if status == payouts.StatusCompleted {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payouts SET status = $2, gateway_reference = $3, last_error = '', completed_at = $4, updated_at = $4
			WHERE id = $1
		`, id, payouts.StatusCompleted, gatewayReference, at); err != nil {
			return fmt.Errorf("failed to complete payout: %w", err)
		}
		if entry != nil {
			return insertLedger(ctx, tx, entry)
		}
		return nil
	})
}

func (p *Postgres) FailPayout(ctx context.Context, id, lastError string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status <> $5
	`, id, payouts.StatusFailed, lastError, at, payouts.StatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to fail payout: %w", err)
	}
	return p.payoutGuard(ctx, res, id, ErrPayoutSettled)
}

func (p *Postgres) RetryPayout(ctx context.Context, id string, job *jobs.Job, at time.Time) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payouts SET status = $2, last_error = '', updated_at = $3
			WHERE id = $1 AND status = $4
		`, id, payouts.StatusPending, at, payouts.StatusFailed)
		if err != nil {
			return fmt.Errorf("failed to retry payout: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payouts WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check payout: %w", err)
			}
			if !exists {
				return payouts.ErrPayoutNotFound
			}
			return payouts.ErrNotFailed
		}
		return enqueue(ctx, tx, job)
	})
}

// payoutGuard turns a zero-row conditional update into not-found or guardErr.
func (p *Postgres) payoutGuard(ctx context.Context, res sql.Result, id string, guardErr error) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payouts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check payout: %w", err)
	}
	if !exists {
		return payouts.ErrPayoutNotFound
	}
	return guardErr
}

func (p *Postgres) GetPayoutAccount(ctx context.Context, userID string) (*payouts.Account, error) {
	var a payouts.Account
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, gateway, account_name, bank_code, account_number, external_id, updated_at
		FROM payout_accounts WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Gateway, &a.AccountName, &a.BankCode, &a.AccountNumber, &a.ExternalID, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payouts.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout account: %w", err)
	}
	return &a, nil
}

func (p *Postgres) SavePayoutAccount(ctx context.Context, a *payouts.Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (user_id, gateway, account_name, bank_code, account_number, external_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			gateway = EXCLUDED.gateway, account_name = EXCLUDED.account_name, bank_code = EXCLUDED.bank_code,
			account_number = EXCLUDED.account_number, external_id = EXCLUDED.external_id, updated_at = EXCLUDED.updated_at
	`, a.UserID, a.Gateway, a.AccountName, a.BankCode, a.AccountNumber, a.ExternalID, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save payout account: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Disputes
// -----------------------------------------------------------------------------

const disputeColumns = `id, escrow_id, raised_by, reason, description, status, resolution,
	buyer_amount, seller_amount, admin_notes, resolved_by, resolved_at, created_at, updated_at`

func scanDispute(row scanner) (*disputes.Dispute, error) {
	var d disputes.Dispute
	var resolved sql.NullTime
	err := row.Scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.Description, &d.Status, &d.Resolution,
		&d.BuyerAmount, &d.SellerAmount, &d.AdminNotes, &d.ResolvedBy, &resolved, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.ResolvedAt = timePtr(resolved)
	return &d, nil
}

func (p *Postgres) OpenDispute(ctx context.Context, d *disputes.Dispute, t escrow.TransitionRequest) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO disputes (`+disputeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, d.ID, d.EscrowID, d.RaisedBy, d.Reason, d.Description, d.Status, d.Resolution,
			d.BuyerAmount, d.SellerAmount, d.AdminNotes, d.ResolvedBy, d.ResolvedAt, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			switch {
			case uniqueViolation(err, "idx_disputes_active"):
				return disputes.ErrDisputeOpen
			case uniqueViolation(err, ""):
				return ErrDuplicateID
			}
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return escrow.ErrEscrowNotFound
			}
			return fmt.Errorf("failed to insert dispute: %w", err)
		}
		_, err = transition(ctx, tx, t)
		return err
	})
}

func (p *Postgres) GetDispute(ctx context.Context, id string) (*disputes.Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputes.ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

func (p *Postgres) ListDisputes(ctx context.Context, f disputes.ListFilter) ([]*disputes.Dispute, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EscrowID != "" {
		where = append(where, "escrow_id = "+arg(f.EscrowID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.Cursor != nil {
		where = append(where, "(created_at, id) < ("+arg(f.Cursor.CreatedAt)+", "+arg(f.Cursor.ID)+")")
	}
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limitPlusOne(f.Limit))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanDispute)
}

func (p *Postgres) BeginResolution(ctx context.Context, dec disputes.Decision) (*disputes.Dispute, error) {
	var out *disputes.Dispute
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		d, err := lockDispute(ctx, tx, dec.DisputeID)
		if err != nil {
			return err
		}
		switch d.Status {
		case disputes.StatusResolved:
			return disputes.ErrAlreadyResolved
		case disputes.StatusUnderReview:
			if !d.SameSplit(dec.Resolution, dec.BuyerAmount, dec.SellerAmount) {
				return disputes.ErrSplitMismatch
			}
			if err := requeueFailedLegs(ctx, tx, d.ID, dec); err != nil {
				return err
			}
		default:
			d.Status = disputes.StatusUnderReview
			d.Resolution = dec.Resolution
			d.BuyerAmount = dec.BuyerAmount
			d.SellerAmount = dec.SellerAmount
			d.AdminNotes = dec.AdminNotes
			d.ResolvedBy = dec.ResolvedBy
			d.UpdatedAt = dec.At
			if _, err := tx.ExecContext(ctx, `
				UPDATE disputes SET status = $2, resolution = $3, buyer_amount = $4, seller_amount = $5,
					admin_notes = $6, resolved_by = $7, updated_at = $8
				WHERE id = $1
			`, d.ID, d.Status, d.Resolution, d.BuyerAmount, d.SellerAmount, d.AdminNotes, d.ResolvedBy, d.UpdatedAt); err != nil {
				return fmt.Errorf("failed to record resolution: %w", err)
			}
			if err := insertRows(ctx, tx, dec.Payouts, dec.Jobs, nil); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// requeueFailedLegs moves the failed legs of a dispute back to pending and
// re-enqueues their jobs.
func requeueFailedLegs(ctx context.Context, tx *sql.Tx, disputeID string, dec disputes.Decision) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE dispute_id = $1 AND status = $2 FOR UPDATE
	`, disputeID, payouts.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to load failed legs: %w", err)
	}
	failed, err := collect(rows, scanPayout)
	_ = rows.Close()
	if err != nil {
		return err
	}
	for _, po := range failed {
		job, err := payouts.NewJob(po, dec.At, dec.MaxAttempts)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payouts SET status = $2, last_error = '', updated_at = $3 WHERE id = $1
		`, po.ID, payouts.StatusPending, dec.At); err != nil {
			return fmt.Errorf("failed to reset payout: %w", err)
		}
		if err := enqueue(ctx, tx, job); err != nil {
			return err
		}
	}
	return nil
}

func lockDispute(ctx context.Context, tx *sql.Tx, id string) (*disputes.Dispute, error) {
	d, err := scanDispute(tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputes.ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock dispute: %w", err)
	}
	return d, nil
}

func (p *Postgres) FinalizeResolution(ctx context.Context, f disputes.Finalization) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		d, err := lockDispute(ctx, tx, f.DisputeID)
		if err != nil {
			return err
		}
		switch d.Status {
		case disputes.StatusResolved:
			return disputes.ErrAlreadyResolved
		case disputes.StatusOpen:
			return ErrNotUnderReview
		}
		if _, err := transition(ctx, tx, f.Escrow); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE disputes SET status = $2, resolved_at = $3, updated_at = $3 WHERE id = $1
		`, d.ID, disputes.StatusResolved, f.Escrow.At); err != nil {
			return fmt.Errorf("failed to resolve dispute: %w", err)
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

const jobColumns = `id, queue, dedupe_key, payload, status, attempts, max_attempts, run_at,
	locked_until, last_error, created_at, updated_at, completed_at`

func scanJob(row scanner) (*jobs.Job, error) {
	var j jobs.Job
	var payload []byte
	var locked, completed sql.NullTime
	err := row.Scan(&j.ID, &j.Queue, &j.DedupeKey, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.RunAt,
		&locked, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.LockedUntil = timePtr(locked)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// enqueue inserts job. An existing live job with the same dedupe key wins;
// a dead one is revived with the new payload.
func enqueue(ctx context.Context, db execer, job *jobs.Job) error {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = jobs.DefaultMaxAttempts
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, dedupe_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
		ON CONFLICT (queue, dedupe_key) DO UPDATE SET
			status = EXCLUDED.status, payload = EXCLUDED.payload, attempts = 0,
			max_attempts = EXCLUDED.max_attempts, run_at = EXCLUDED.run_at,
			locked_until = NULL, last_error = '', completed_at = NULL, updated_at = EXCLUDED.updated_at
		WHERE jobs.status = 'dead'
	`, job.ID, job.Queue, job.DedupeKey, string(job.Payload), jobs.StatusPending, maxAttempts, job.RunAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", job.Queue, err)
	}
	return nil
}

func (p *Postgres) EnqueueJob(ctx context.Context, job *jobs.Job) error {
	return enqueue(ctx, p.db, job)
}

func (p *Postgres) ClaimJobs(ctx context.Context, queue jobs.Queue, now time.Time, lease time.Duration, limit int) ([]*jobs.Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_until = $3, updated_at = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $1
			  AND ((status = 'pending' AND run_at <= $2) OR (status = 'running' AND locked_until < $2))
			ORDER BY run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, queue, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanJob)
}

func (p *Postgres) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return p.execOne(ctx, jobs.ErrJobNotFound, `
		UPDATE jobs SET status = 'completed', locked_until = NULL, completed_at = $2, updated_at = $2 WHERE id = $1
	`, id, at)
}

func (p *Postgres) RetryJob(ctx context.Context, id string, at, runAt time.Time, lastError string) error {
	return p.execOne(ctx, jobs.ErrJobNotFound, `
		UPDATE jobs SET status = 'pending', run_at = $3, locked_until = NULL, last_error = $4, updated_at = $2 WHERE id = $1
	`, id, at, runAt, lastError)
}

func (p *Postgres) BuryJob(ctx context.Context, id string, at time.Time, lastError string) error {
	return p.execOne(ctx, jobs.ErrJobNotFound, `
		UPDATE jobs SET status = 'dead', locked_until = NULL, last_error = $3, updated_at = $2 WHERE id = $1
	`, id, at, lastError)
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (p *Postgres) ListDeadJobs(ctx context.Context, queue jobs.Queue, limit int) ([]*jobs.Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'dead' AND ($1 = '' OR queue = $1)
		ORDER BY updated_at DESC
		LIMIT $2
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanJob)
}

func (p *Postgres) ReviveJob(ctx context.Context, id string, at time.Time) (*jobs.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'pending', attempts = 0, run_at = $2, last_error = '', updated_at = $2
		WHERE id = $1 AND status = 'dead'
		RETURNING `+jobColumns, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetJob(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, jobs.ErrNotDead
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revive job: %w", err)
	}
	return j, nil
}

func (p *Postgres) JobStats(ctx context.Context) ([]jobs.QueueStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT queue, status, COUNT(*) FROM jobs GROUP BY queue, status ORDER BY queue, status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load job stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []jobs.QueueStats
	for rows.Next() {
		var s jobs.QueueStats
		if err := rows.Scan(&s.Queue, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

// execOne runs a single-row update and maps zero affected rows to notFound.
func (p *Postgres) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullJSON passes raw JSON as text so lib/pq does not send it as bytea.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func limitPlusOne(limit int) int {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	return limit + 1
}
