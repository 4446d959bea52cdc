package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/payouts"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// CreateRequest contains the parameters for raising a dispute.
type CreateRequest struct {
	EscrowID    string `json:"escrowId"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// ResolveRequest contains the admin's decision.
type ResolveRequest struct {
	Resolution   Resolution       `json:"resolution"`
	BuyerAmount  *decimal.Decimal `json:"buyerAmount"`
	SellerAmount *decimal.Decimal `json:"sellerAmount"`
	AdminNotes   string           `json:"adminNotes"`
}

// ListRequest selects a page of disputes.
type ListRequest struct {
	Status string
	Cursor string
	Limit  int
}

// Service implements dispute business logic.
type Service struct {
	store       Store
	notifier    notify.Publisher
	maxAttempts int
	now         func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store) *Service {
	return &Service{store: store, notifier: notify.Discard, now: time.Now}
}

// WithNotifier adds a publisher for dispute events.
func (s *Service) WithNotifier(n notify.Publisher) *Service {
	s.notifier = n
	return s
}

// WithMaxAttempts sets the attempt limit of leg jobs.
func (s *Service) WithMaxAttempts(n int) *Service {
	s.maxAttempts = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create raises a dispute and moves the escrow to disputed.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Dispute, error) {
	req.EscrowID = strings.TrimSpace(req.EscrowID)
	req.Reason = validation.SanitizeString(req.Reason, 500)
	req.Description = validation.SanitizeString(req.Description, 5000)
	if err := validation.Validate(
		validation.Required("escrowId", req.EscrowID),
		validation.MinLength("reason", req.Reason, 10),
		validation.MinLength("description", req.Description, 20),
	); err != nil {
		return nil, err
	}

	e, err := s.store.GetEscrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, escrow.ErrNotParty
	}
	if e.State == escrow.StateReleased || e.State == escrow.StateCancelled {
		return nil, fmt.Errorf("escrow %s is %s and can no longer be disputed: %w", e.ID, e.State, escrow.ErrInvalidTransition)
	}
	if err := escrow.Check(e, escrow.StateDisputed, actor); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:           idgen.WithPrefix(idgen.PrefixDispute),
		EscrowID:     e.ID,
		RaisedBy:     actor.ID,
		Reason:       req.Reason,
		Description:  req.Description,
		Status:       StatusOpen,
		BuyerAmount:  decimal.Zero,
		SellerAmount: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.OpenDispute(ctx, d, escrow.TransitionRequest{
		EscrowID: e.ID,
		From:     e.State,
		To:       escrow.StateDisputed,
		Actor:    actor,
		At:       now,
		Reason:   req.Reason,
	})
	if err != nil {
		if errors.Is(err, escrow.ErrConflict) {
			metrics.EscrowTransitionConflicts.Inc()
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.State), string(escrow.StateDisputed)).Inc()
	metrics.DisputesTotal.WithLabelValues("opened", "").Inc()
	logging.L(ctx).Info("dispute opened", "disputeId", d.ID, "escrowId", e.ID, "raisedBy", actor.ID)
	s.notifier.Publish(ctx, notify.NewEvent(notify.EventEscrowDisputed, e.ID, now, e.BuyerID, e.SellerID).
		With("disputeId", d.ID).
		With("reason", d.Reason))
	return d, nil
}

// Resolve records an admin's decision and schedules the payout legs.
// Calling it again with the same decision re-drives failed legs only.
func (s *Service) Resolve(ctx context.Context, id string, actor auth.Actor, req ResolveRequest) (d *Dispute, err error) {
	if !actor.IsAdmin() {
		return nil, ErrNotAdmin
	}
	req.AdminNotes = validation.SanitizeString(req.AdminNotes, 5000)
	if err := validation.Validate(
		validation.OneOf("resolution", string(req.Resolution),
			string(FavorBuyer), string(FavorSeller), string(PartialBuyer), string(PartialSeller), string(Refund)),
		validation.MinLength("adminNotes", req.AdminNotes, 10),
		validation.When(req.BuyerAmount != nil, func() *validation.ValidationError {
			return validation.NonNegativeAmount("buyerAmount", *req.BuyerAmount)()
		}),
		validation.When(req.SellerAmount != nil, func() *validation.ValidationError {
			return validation.NonNegativeAmount("sellerAmount", *req.SellerAmount)()
		}),
	); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "disputes.resolve", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	current, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	e, err := s.store.GetEscrow(ctx, current.EscrowID)
	if err != nil {
		return nil, err
	}
	if e.State != escrow.StateDisputed {
		return nil, fmt.Errorf("escrow %s is %s, not disputed: %w", e.ID, e.State, escrow.ErrInvalidTransition)
	}

	buyer, seller, err := Split(req.Resolution, e.Amount, req.BuyerAmount, req.SellerAmount)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusUnderReview && !current.SameSplit(req.Resolution, buyer, seller) {
		return nil, ErrSplitMismatch
	}

	now := s.now().UTC()
	decision := Decision{
		DisputeID:    current.ID,
		Resolution:   req.Resolution,
		BuyerAmount:  buyer,
		SellerAmount: seller,
		AdminNotes:   req.AdminNotes,
		ResolvedBy:   actor.ID,
		At:           now,
		MaxAttempts:  s.maxAttempts,
	}
	buyerKind := payouts.KindPayout
	if req.Resolution == Refund {
		buyerKind = payouts.KindRefund
	}
	for _, leg := range []struct {
		leg    payouts.Leg
		kind   payouts.Kind
		amount decimal.Decimal
	}{
		{payouts.LegBuyer, buyerKind, buyer},
		{payouts.LegSeller, payouts.KindPayout, seller},
	} {
		if !leg.amount.IsPositive() {
			continue
		}
		spec := escrow.Leg(e, leg.leg, leg.kind, leg.amount)
		spec.DisputeID = current.ID
		p, job, err := payouts.New(spec, now, s.maxAttempts)
		if err != nil {
			return nil, err
		}
		decision.Payouts = append(decision.Payouts, p)
		decision.Jobs = append(decision.Jobs, job)
	}

	d, err = s.store.BeginResolution(ctx, decision)
	if err != nil {
		return nil, err
	}
	event := "resolving"
	if current.Status == StatusUnderReview {
		event = "redriven"
	}
	metrics.DisputesTotal.WithLabelValues(event, string(req.Resolution)).Inc()
	logging.L(ctx).Info("dispute resolution scheduled",
		"disputeId", d.ID, "escrowId", e.ID, "resolution", req.Resolution,
		"buyerAmount", buyer.String(), "sellerAmount", seller.String(), "legs", len(decision.Payouts))
	return d, nil
}

// Finalize completes the resolution of p's dispute once every leg has
// settled. It is registered as a payout settlement hook and is safe to call
// any number of times.
func (s *Service) Finalize(ctx context.Context, p *payouts.Payout) error {
	if p.DisputeID == "" {
		return nil
	}
	d, err := s.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusUnderReview {
		return nil
	}

	all, err := s.store.ListPayoutsByEscrow(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	legs := legsOf(all, d.ID)
	for _, leg := range legs {
		if leg.Status != payouts.StatusCompleted {
			return nil
		}
	}

	e, err := s.store.GetEscrow(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	to := escrow.StateCancelled
	if d.SellerAmount.IsPositive() {
		to = escrow.StateReleased
	}
	if err := escrow.Check(e, to, auth.System); err != nil {
		return err
	}

	now := s.now().UTC()
	err = s.store.FinalizeResolution(ctx, Finalization{
		DisputeID: d.ID,
		Escrow: escrow.TransitionRequest{
			EscrowID: e.ID,
			From:     e.State,
			To:       to,
			Actor:    auth.System,
			At:       now,
			Reason:   "Dispute resolved: " + string(d.Resolution),
			Ledger:   ledgerRows(legs, now),
		},
	})
	if errors.Is(err, ErrAlreadyResolved) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.State), string(to)).Inc()
	metrics.DisputesTotal.WithLabelValues("resolved", string(d.Resolution)).Inc()
	logging.L(ctx).Info("dispute resolved", "disputeId", d.ID, "escrowId", e.ID, "escrowState", to)
	s.notifier.Publish(ctx, notify.NewEvent(notify.EventDisputeResolved, e.ID, now, e.BuyerID, e.SellerID).
		With("disputeId", d.ID).
		With("resolution", string(d.Resolution)).
		With("buyerAmount", d.BuyerAmount.String()).
		With("sellerAmount", d.SellerAmount.String()))
	return nil
}

// Get returns a dispute visible to actor.
func (s *Service) Get(ctx context.Context, id string, actor auth.Actor) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, d.EscrowID, actor); err != nil {
		return nil, err
	}
	return d, nil
}

// ListByEscrow returns every dispute of an escrow visible to actor.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string, actor auth.Actor) ([]*Dispute, error) {
	if err := s.checkAccess(ctx, escrowID, actor); err != nil {
		return nil, err
	}
	list, err := s.store.ListDisputes(ctx, ListFilter{EscrowID: escrowID, Limit: pagination.MaxLimit})
	if err != nil {
		return nil, err
	}
	if len(list) > pagination.MaxLimit {
		list = list[:pagination.MaxLimit]
	}
	return list, nil
}

// List returns a page of disputes for admins.
func (s *Service) List(ctx context.Context, actor auth.Actor, req ListRequest) (pagination.Page[*Dispute], error) {
	if !actor.IsAdmin() {
		return pagination.Page[*Dispute]{}, fmt.Errorf("admin role required: %w", apperr.ErrForbidden)
	}
	cursor, err := pagination.Decode(req.Cursor)
	if err != nil {
		return pagination.Page[*Dispute]{}, fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}
	if err := validation.Validate(validation.When(req.Status != "", validation.OneOf("status", req.Status,
		string(StatusOpen), string(StatusUnderReview), string(StatusResolved)))); err != nil {
		return pagination.Page[*Dispute]{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.ListDisputes(ctx, ListFilter{Status: Status(req.Status), Cursor: cursor, Limit: limit})
	if err != nil {
		return pagination.Page[*Dispute]{}, err
	}
	return pagination.Build(items, limit, func(d *Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	}), nil
}

func (s *Service) checkAccess(ctx context.Context, escrowID string, actor auth.Actor) error {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if !e.IsParty(actor.ID) && !actor.IsAdmin() {
		return escrow.ErrNotParty
	}
	return nil
}
