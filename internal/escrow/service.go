package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/fraud"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/payouts"
	"github.com/mbd888/escrowd/internal/validation"
)

// Role is the side the initiator takes.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// FraudChecker screens escrows before they are created.
type FraudChecker interface {
	Evaluate(ctx context.Context, in fraud.Input) (*fraud.Assessment, error)
}

// Config holds escrow rules.
type Config struct {
	Currencies        []string
	MaxAmount         decimal.Decimal
	DefaultExpiryDays int
	MaxExpiryDays     int
	JobMaxAttempts    int
}

// DefaultConfig returns the rules used when none are configured.
func DefaultConfig() Config {
	return Config{
		Currencies:        []string{"NGN", "GHS", "KES", "USD"},
		MaxAmount:         decimal.NewFromInt(100_000_000),
		DefaultExpiryDays: 7,
		MaxExpiryDays:     30,
		JobMaxAttempts:    5,
	}
}

// InitiateRequest contains the parameters for initiating an escrow.
type InitiateRequest struct {
	CounterpartyID string          `json:"counterpartyId"`
	Role           Role            `json:"role"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description"`
	ExpiresInDays  int             `json:"expiresInDays"`
}

// ListRequest selects a page of escrows.
type ListRequest struct {
	State  string
	Cursor string
	Limit  int
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	cfg      Config
	notifier notify.Publisher
	fraud    FraudChecker
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, cfg Config) *Service {
	return &Service{
		store:    store,
		cfg:      cfg,
		notifier: notify.Discard,
		now:      time.Now,
	}
}

// WithNotifier adds a publisher for lifecycle events.
func (s *Service) WithNotifier(n notify.Publisher) *Service {
	s.notifier = n
	return s
}

// WithFraudChecker screens new escrows with c.
func (s *Service) WithFraudChecker(c FraudChecker) *Service {
	s.fraud = c
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initiate creates an escrow and opens it for payment.
func (s *Service) Initiate(ctx context.Context, actor auth.Actor, req InitiateRequest) (*Escrow, error) {
	req.CounterpartyID = strings.TrimSpace(req.CounterpartyID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Description = validation.SanitizeString(req.Description, 1000)
	if req.ExpiresInDays == 0 {
		req.ExpiresInDays = s.cfg.DefaultExpiryDays
	}

	if err := validation.Validate(
		validation.Required("counterpartyId", req.CounterpartyID),
		validation.OneOf("role", string(req.Role), string(RoleBuyer), string(RoleSeller)),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxAmount("amount", req.Amount, s.cfg.MaxAmount),
		validation.OneOf("currency", req.Currency, s.cfg.Currencies...),
		validation.IntRange("expiresInDays", req.ExpiresInDays, 1, s.cfg.MaxExpiryDays),
		func() *validation.ValidationError {
			if req.CounterpartyID == actor.ID {
				return &validation.ValidationError{Field: "counterpartyId", Message: "cannot open an escrow with yourself"}
			}
			return nil
		},
	); err != nil {
		return nil, err
	}

	if s.fraud != nil {
		assessment, err := s.fraud.Evaluate(ctx, fraud.Input{
			UserID:         actor.ID,
			CounterpartyID: req.CounterpartyID,
			Amount:         req.Amount,
			Currency:       req.Currency,
		})
		switch {
		case err != nil:
			logging.L(ctx).Warn("fraud check unavailable, continuing", "userId", actor.ID, "error", err)
		case assessment.Blocked():
			return nil, fraud.ErrBlocked
		}
	}

	now := s.now().UTC()
	e := &Escrow{
		ID:          idgen.WithPrefix(idgen.PrefixEscrow),
		InitiatorID: actor.ID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		State:       StatePending,
		Description: req.Description,
		ExpiresAt:   now.AddDate(0, 0, req.ExpiresInDays),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Role == RoleBuyer {
		e.BuyerID, e.SellerID = actor.ID, req.CounterpartyID
	} else {
		e.BuyerID, e.SellerID = req.CounterpartyID, actor.ID
	}

	if err := s.store.CreateEscrow(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}
	metrics.EscrowsCreatedTotal.Inc()

	opened, err := s.apply(ctx, e, StateWaitingForPayment, auth.System, "")
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(ctx, notify.NewEvent(notify.EventEscrowInitiated, e.ID, now, e.Counterparty(actor.ID)).
		With("initiatorId", actor.ID).
		With("amount", e.Amount.String()).
		With("currency", e.Currency))
	return opened, nil
}

// Get returns an escrow visible to actor.
func (s *Service) Get(ctx context.Context, id string, actor auth.Actor) (*Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) && !actor.IsAdmin() {
		return nil, ErrNotParty
	}
	return e, nil
}

// CheckAccess returns nil when actor may read escrow id and its records.
func (s *Service) CheckAccess(ctx context.Context, id string, actor auth.Actor) error {
	_, err := s.Get(ctx, id, actor)
	return err
}

// List returns the actor's escrows, or every escrow for admins.
func (s *Service) List(ctx context.Context, actor auth.Actor, req ListRequest) (pagination.Page[*Escrow], error) {
	cursor, err := pagination.Decode(req.Cursor)
	if err != nil {
		return pagination.Page[*Escrow]{}, fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}
	state := State(req.State)
	if state != "" && !state.Valid() {
		return pagination.Page[*Escrow]{}, validation.ValidationErrors{{Field: "state", Message: "unknown state"}}
	}
	limit := req.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}

	f := ListFilter{State: state, Cursor: cursor, Limit: limit}
	if !actor.IsAdmin() {
		f.UserID = actor.ID
	}
	items, err := s.store.ListEscrows(ctx, f)
	if err != nil {
		return pagination.Page[*Escrow]{}, err
	}
	return pagination.Build(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	}), nil
}

// Transactions returns the ledger rows of an escrow and their totals.
func (s *Service) Transactions(ctx context.Context, id string, actor auth.Actor) ([]*ledger.Transaction, ledger.Summary, error) {
	if err := s.CheckAccess(ctx, id, actor); err != nil {
		return nil, ledger.Summary{}, err
	}
	txs, err := s.store.ListLedgerByEscrow(ctx, id)
	if err != nil {
		return nil, ledger.Summary{}, err
	}
	return txs, ledger.Summarize(txs), nil
}

// Cancel cancels an escrow before release. When the buyer has already paid,
// a refund leg is scheduled in the same write.
func (s *Service) Cancel(ctx context.Context, id string, actor auth.Actor, reason string) (*Escrow, error) {
	e, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if e.State == StateDisputed {
		return nil, fmt.Errorf("escrow %s is under dispute: %w", e.ID, ErrInvalidTransition)
	}
	reason = validation.SanitizeString(reason, 500)
	if reason == "" {
		reason = "Cancelled by " + string(actor.Role)
	}

	var legs []payouts.Spec
	if e.State == StatePaid || e.State == StateDelivered {
		legs = append(legs, Leg(e, payouts.LegBuyer, payouts.KindRefund, e.Amount))
	}
	return s.apply(ctx, e, StateCancelled, actor, reason, legs...)
}

// MarkDelivered records delivery by the seller.
func (s *Service) MarkDelivered(ctx context.Context, id string, actor auth.Actor) (*Escrow, error) {
	e, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, e, StateDelivered, actor, "")
}

// ConfirmReceived records the buyer's confirmation of delivery.
func (s *Service) ConfirmReceived(ctx context.Context, id string, actor auth.Actor) (*Escrow, error) {
	e, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, e, StateReceived, actor, "")
}

// AdminRelease releases a received escrow and schedules the seller payout.
func (s *Service) AdminRelease(ctx context.Context, id string, actor auth.Actor) (*Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, e, StateReleased, actor, "", Leg(e, payouts.LegSeller, payouts.KindPayout, e.Amount))
}

// AdminRefund cancels a paid or delivered escrow and refunds the buyer.
func (s *Service) AdminRefund(ctx context.Context, id string, actor auth.Actor, reason string) (*Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State != StatePaid && e.State != StateDelivered {
		return nil, fmt.Errorf("escrow %s is %s, only paid or delivered escrows can be refunded: %w", e.ID, e.State, ErrInvalidTransition)
	}
	reason = validation.SanitizeString(reason, 500)
	if reason == "" {
		reason = "Refunded by admin"
	}
	return s.apply(ctx, e, StateCancelled, actor, reason, Leg(e, payouts.LegBuyer, payouts.KindRefund, e.Amount))
}

// Expire moves an unpaid escrow past its deadline to expired.
func (s *Service) Expire(ctx context.Context, e *Escrow) (*Escrow, error) {
	expired, err := s.apply(ctx, e, StateExpired, auth.System, ExpiryReason)
	if err != nil {
		return nil, err
	}
	metrics.EscrowsExpiredTotal.Inc()
	return expired, nil
}

// Leg describes a payout of amount from e to one party, refunding through
// the gateway that took the payment.
func Leg(e *Escrow, leg payouts.Leg, kind payouts.Kind, amount decimal.Decimal) payouts.Spec {
	recipient := e.SellerID
	if leg == payouts.LegBuyer {
		recipient = e.BuyerID
	}
	return payouts.Spec{
		EscrowID:                e.ID,
		Leg:                     leg,
		Kind:                    kind,
		RecipientID:             recipient,
		Amount:                  amount,
		Currency:                e.Currency,
		Gateway:                 e.PaymentGateway,
		PaymentReference:        e.PaymentReference,
		GatewayPaymentReference: e.PaymentGatewayReference,
	}
}

func (s *Service) apply(ctx context.Context, e *Escrow, to State, actor auth.Actor, reason string, legs ...payouts.Spec) (*Escrow, error) {
	if err := Check(e, to, actor); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	req := TransitionRequest{EscrowID: e.ID, From: e.State, To: to, Actor: actor, At: now, Reason: reason}
	for _, spec := range legs {
		p, job, err := payouts.New(spec, now, s.cfg.JobMaxAttempts)
		if err != nil {
			return nil, err
		}
		req.Payouts = append(req.Payouts, p)
		req.Jobs = append(req.Jobs, job)
	}

	updated, err := s.store.TransitionEscrow(ctx, req)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			metrics.EscrowTransitionConflicts.Inc()
		}
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(req.From), string(to)).Inc()
	logging.L(ctx).Info("escrow transitioned",
		"escrowId", e.ID, "from", req.From, "to", to, "actor", actor.ID, "legs", len(req.Payouts))

	if typ, ok := stateEvents[to]; ok {
		ev := notify.NewEvent(typ, updated.ID, now, updated.BuyerID, updated.SellerID)
		if reason != "" {
			ev = ev.With("reason", reason)
		}
		s.notifier.Publish(ctx, ev)
	}
	return updated, nil
}

var stateEvents = map[State]notify.EventType{
	StateDelivered: notify.EventEscrowDelivered,
	StateReceived:  notify.EventEscrowReceived,
	StateReleased:  notify.EventEscrowReleased,
	StateCancelled: notify.EventEscrowCancelled,
	StateExpired:   notify.EventEscrowExpired,
}
