package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// InitializeRequest starts the buyer's checkout for an escrow.
type InitializeRequest struct {
	EscrowID    string `json:"escrowId"`
	Gateway     string `json:"gateway"`
	CallbackURL string `json:"callbackUrl"`
}

// Service starts payments and serves payment reads.
type Service struct {
	store    Store
	gateways *gateways.Registry
	// locks serializes checkouts for the same escrow within this process
	locks *syncutil.ContextShardedMutex
	now   func() time.Time
}

// NewService creates a payment service.
func NewService(store Store, registry *gateways.Registry) *Service {
	return &Service{store: store, gateways: registry, locks: syncutil.NewContextShardedMutex(), now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initialize opens a checkout with the chosen gateway for the escrow amount.
func (s *Service) Initialize(ctx context.Context, actor auth.Actor, req InitializeRequest) (*Payment, error) {
	req.EscrowID = strings.TrimSpace(req.EscrowID)
	if err := validation.Validate(
		validation.Required("escrowId", req.EscrowID),
		validation.MaxLength("callbackUrl", req.CallbackURL, 2048),
	); err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.GetEscrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.BuyerID {
		return nil, ErrNotBuyer
	}
	now := s.now().UTC()
	if e.State != escrow.StateWaitingForPayment {
		return nil, fmt.Errorf("escrow %s is %s, not awaiting payment: %w", e.ID, e.State, apperr.ErrStateInvalid)
	}
	if !now.Before(e.ExpiresAt) {
		return nil, fmt.Errorf("escrow %s payment window has closed: %w", e.ID, apperr.ErrStateInvalid)
	}

	existing, err := s.store.ListPaymentsByEscrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Status.Live() {
			return nil, ErrPaymentInProgress
		}
	}

	gw, err := s.gateways.Get(gateways.ParseName(req.Gateway))
	if err != nil {
		return nil, err
	}

	reference := fmt.Sprintf("%s-%s-%d", strings.ToUpper(string(gw.Name())), idgen.Short(e.ID, 8), now.UnixMilli())
	ctx, span := traces.StartSpan(ctx, "payments.initialize",
		traces.EscrowID(e.ID), traces.Gateway(string(gw.Name())), traces.Reference(reference))
	res, err := gw.InitializePayment(ctx, gateways.InitRequest{
		Reference:   reference,
		EscrowID:    e.ID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Email:       actor.Email,
		CustomerID:  actor.ID,
		Description: e.Description,
		CallbackURL: req.CallbackURL,
	})
	traces.End(span, err)
	if err != nil {
		if !errors.Is(err, apperr.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	p := &Payment{
		ID:               idgen.WithPrefix(idgen.PrefixPayment),
		EscrowID:         e.ID,
		PayerID:          actor.ID,
		Amount:           e.Amount,
		Currency:         e.Currency,
		Gateway:          gw.Name(),
		Reference:        reference,
		GatewayReference: res.GatewayReference,
		AuthorizationURL: res.AuthorizationURL,
		Status:           StatusInitialized,
		GatewayResponse:  res.Raw,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InitializePayment(ctx, p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payment initialized", "escrowId", e.ID, "gateway", p.Gateway, "reference", reference)
	return p, nil
}

// GetByReference returns a payment visible to actor. The gateway is taken
// from the reference prefix.
func (s *Service) GetByReference(ctx context.Context, actor auth.Actor, reference string) (*Payment, error) {
	prefix, _, ok := strings.Cut(reference, "-")
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p, err := s.store.GetPaymentByReference(ctx, gateways.ParseName(prefix), reference)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, p.EscrowID, actor); err != nil {
		return nil, err
	}
	return p, nil
}

// ListByEscrow returns the payments of an escrow visible to actor.
func (s *Service) ListByEscrow(ctx context.Context, actor auth.Actor, escrowID string) ([]*Payment, error) {
	if err := s.checkAccess(ctx, escrowID, actor); err != nil {
		return nil, err
	}
	return s.store.ListPaymentsByEscrow(ctx, escrowID)
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
