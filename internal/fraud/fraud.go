// Package fraud screens new escrows before they are created.
//
// Rules are evaluated against the initiating user's history as stored, so
// every API process reaches the same decision:
//   - blocklist: the user or counterparty is listed (block)
//   - ceiling: the amount exceeds the hard per-escrow limit (block)
//   - velocity: too many escrows initiated in the last hour (block)
//   - unusual_amount: amount above Factor times the user's average (warn)
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/metrics"
)

// ErrBlocked is returned by callers that refuse a blocked escrow.
var ErrBlocked = fmt.Errorf("escrow blocked by fraud rules: %w", apperr.ErrForbidden)

// Decision is the outcome of an evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// Rule names reported in flags and metrics.
const (
	RuleBlocklist     = "blocklist"
	RuleCeiling       = "ceiling"
	RuleVelocity      = "velocity"
	RuleUnusualAmount = "unusual_amount"
)

// Input describes the escrow being initiated.
type Input struct {
	UserID         string
	CounterpartyID string
	Amount         decimal.Decimal
	Currency       string
}

// Flag is one rule that fired.
type Flag struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
	Block  bool   `json:"block"`
}

// Assessment is the result of evaluating an Input.
type Assessment struct {
	Decision Decision `json:"decision"`
	Flags    []Flag   `json:"flags,omitempty"`
}

// Blocked reports whether any blocking rule fired.
func (a *Assessment) Blocked() bool { return a.Decision == DecisionBlock }

// Stats summarizes a user's initiated escrows.
type Stats struct {
	RecentCount   int             // initiated since the window start
	TotalCount    int             // all time, in the input currency
	AverageAmount decimal.Decimal // all time, in the input currency
}

// Store reads escrow history.
type Store interface {
	CreationStats(ctx context.Context, userID, currency string, since time.Time) (Stats, error)
}

// Config holds rule thresholds. Zero values disable the rule.
type Config struct {
	MaxPerHour    int
	AmountFactor  int64
	AmountCeiling decimal.Decimal
	Blocklist     []string
}

// minHistory is the number of prior escrows needed before the unusual
// amount rule applies.
const minHistory = 3

// Service evaluates fraud rules.
type Service struct {
	store     Store
	cfg       Config
	blocklist map[string]struct{}
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a fraud service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	blocked := make(map[string]struct{}, len(cfg.Blocklist))
	for _, id := range cfg.Blocklist {
		if id = strings.TrimSpace(id); id != "" {
			blocked[id] = struct{}{}
		}
	}
	return &Service{store: store, cfg: cfg, blocklist: blocked, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Evaluate runs every rule against in. A store failure is returned as an
// error; callers decide whether to fail open.
func (s *Service) Evaluate(ctx context.Context, in Input) (*Assessment, error) {
	var flags []Flag

	for _, id := range []string{in.UserID, in.CounterpartyID} {
		if _, ok := s.blocklist[id]; ok && id != "" {
			flags = append(flags, Flag{Rule: RuleBlocklist, Reason: "user " + id + " is blocklisted", Block: true})
		}
	}

	if s.cfg.AmountCeiling.IsPositive() && in.Amount.GreaterThan(s.cfg.AmountCeiling) {
		flags = append(flags, Flag{
			Rule:   RuleCeiling,
			Reason: fmt.Sprintf("amount %s exceeds ceiling %s", in.Amount, s.cfg.AmountCeiling),
			Block:  true,
		})
	}

	if s.cfg.MaxPerHour > 0 || s.cfg.AmountFactor > 0 {
		stats, err := s.store.CreationStats(ctx, in.UserID, in.Currency, s.now().Add(-time.Hour))
		if err != nil {
			return nil, fmt.Errorf("fraud stats: %w", err)
		}
		if s.cfg.MaxPerHour > 0 && stats.RecentCount >= s.cfg.MaxPerHour {
			flags = append(flags, Flag{
				Rule:   RuleVelocity,
				Reason: fmt.Sprintf("%d escrows initiated in the last hour", stats.RecentCount),
				Block:  true,
			})
		}
		if s.cfg.AmountFactor > 0 && stats.TotalCount >= minHistory {
			limit := stats.AverageAmount.Mul(decimal.NewFromInt(s.cfg.AmountFactor))
			if in.Amount.GreaterThan(limit) {
				flags = append(flags, Flag{
					Rule:   RuleUnusualAmount,
					Reason: fmt.Sprintf("amount %s is over %dx the average %s", in.Amount, s.cfg.AmountFactor, stats.AverageAmount.StringFixed(2)),
				})
			}
		}
	}

	a := &Assessment{Decision: DecisionAllow, Flags: flags}
	for _, f := range flags {
		metrics.FraudFlagsTotal.WithLabelValues(f.Rule).Inc()
		if f.Block {
			a.Decision = DecisionBlock
		} else if a.Decision == DecisionAllow {
			a.Decision = DecisionWarn
		}
	}
	if a.Decision != DecisionAllow {
		s.logger.Warn("fraud rules fired", "userId", in.UserID, "decision", a.Decision, "flags", len(flags))
	}
	return a, nil
}
