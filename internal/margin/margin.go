// Package margin is the collateral gate in front of the ledger.
//
// Fills debit collateral up front rather than locking it: a rejected trade
// is simply never applied, so there is no reservation to roll back. The
// trade-off is that a fill being evaluated is not visible as "pending"
// collateral. Anyone reworking this into lock/unlock must keep the
// at-most-once-settlement property intact.
package margin

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/metrics"
	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/pubsub"
)

// Violation is published when a fill fails the collateral check.
type Violation struct {
	UserID    string
	Required  decimal.Decimal
	Available decimal.Decimal
	Timeframe model.Timeframe
	Timestamp time.Time
}

// FillResult reports the outcome of ApplyFill.
type FillResult struct {
	Success bool
	Balance decimal.Decimal
}

// Service validates and applies collateral movements. It holds no state of
// its own beyond a reference to the ledger.
type Service struct {
	ledger     *ledger.Ledger
	violations *pubsub.Topic[Violation]
	logger     *slog.Logger
}

// NewService creates a margin service in front of the given ledger.
func NewService(l *ledger.Ledger, logger *slog.Logger) *Service {
	return &Service{
		ledger:     l,
		violations: pubsub.NewTopic[Violation](64),
		logger:     logger.With(slog.String("component", "margin")),
	}
}

// Violations returns a subscription to margin violation events.
func (s *Service) Violations() (<-chan Violation, func()) {
	return s.violations.Subscribe()
}

// Validate is a pure read: does the user have the required collateral now.
func (s *Service) Validate(userID string, required decimal.Decimal) bool {
	return s.ledger.HasAvailable(userID, required)
}

// ApplyFill re-validates and debits the collateral immediately. The
// re-validation defends against the race between a quote and the fill. On
// insufficiency it emits a violation and returns success=false without
// touching the ledger.
func (s *Service) ApplyFill(userID string, collateral decimal.Decimal, timeframe model.Timeframe) FillResult {
	newAvailable, err := s.ledger.Debit(userID, collateral, "fill:"+string(timeframe))
	if err != nil {
		metrics.MarginViolations.Inc()
		s.logger.Warn("fill rejected",
			slog.String("user", userID),
			slog.String("required", collateral.String()),
			slog.String("error", err.Error()),
		)
		s.violations.Publish(Violation{
			UserID:    userID,
			Required:  collateral,
			Available: s.ledger.GetAvailable(userID),
			Timeframe: timeframe,
			Timestamp: time.Now().UTC(),
		})
		return FillResult{Success: false}
	}
	return FillResult{Success: true, Balance: newAvailable}
}

// Balance returns the user's current available balance.
func (s *Service) Balance(userID string) decimal.Decimal {
	return s.ledger.GetAvailable(userID)
}

// SettlePayout credits winnings to the user. Called exactly once per
// settled contract per winning position; the book's status CAS guarantees
// the "once".
func (s *Service) SettlePayout(userID string, payout decimal.Decimal, reason string) (decimal.Decimal, error) {
	return s.ledger.Credit(userID, payout, reason)
}
