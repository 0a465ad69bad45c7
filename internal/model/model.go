// Package model defines the core domain types shared across the clearing
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is the column width of a contract lane. Every timeframe shares
// one oracle so the simulated market is consistent across games.
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF5s  Timeframe = "5s"
	TF15s Timeframe = "15s"
)

// AllTimeframes lists the timeframes a client may subscribe to, in order.
var AllTimeframes = []Timeframe{TF1s, TF5s, TF15s}

// Duration returns the column width as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1s:
		return time.Second
	case TF5s:
		return 5 * time.Second
	case TF15s:
		return 15 * time.Second
	}
	return 0
}

// ParseTimeframe validates a wire-level timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if tf.Duration() == 0 {
		return "", fmt.Errorf("model: unknown timeframe %q", s)
	}
	return tf, nil
}

// ContractStatus is the settlement state of a contract. Transitions are
// one-way: a contract never leaves a terminal state.
type ContractStatus string

const (
	StatusActive    ContractStatus = "ACTIVE"
	StatusTriggered ContractStatus = "TRIGGERED"
	StatusExercised ContractStatus = "EXERCISED"
	StatusExpired   ContractStatus = "EXPIRED"
	StatusAbandoned ContractStatus = "ABANDONED"
)

// Terminal reports whether the status is a settled end state.
func (s ContractStatus) Terminal() bool {
	return s != StatusActive
}

// PricePoint is the oracle's atomic output unit. Append-only, never mutated.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// AccountSnapshot is a point-in-time view of one user's balances.
// Version increases by exactly 1 on every successful mutation.
type AccountSnapshot struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Version   uint64          `json:"version"`
}

// Position is a user's stake in one contract. Immutable once created.
type Position struct {
	TradeID    string          `json:"trade_id"`
	UserID     string          `json:"user_id"`
	ContractID string          `json:"contract_id"`
	Amount     decimal.Decimal `json:"amount"`
	PlacedAt   time.Time       `json:"placed_at"`
}

// ContractSnapshot is the wire-facing view of a contract, sent in snapshot
// and contract_update pushes.
type ContractSnapshot struct {
	ID               string          `json:"id"`
	Timeframe        Timeframe       `json:"timeframe"`
	TemplateID       string          `json:"template_id"`
	LowerStrike      decimal.Decimal `json:"lower_strike"`
	UpperStrike      decimal.Decimal `json:"upper_strike"`
	WindowStart      time.Time       `json:"window_start"`
	WindowEnd        time.Time       `json:"window_end"`
	ReturnMultiplier decimal.Decimal `json:"return_multiplier"`
	Status           ContractStatus  `json:"status"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
}

// TradeRecord is an immutable history entry for one position, created at
// fill time and completed at settlement. Lives outside the engine core.
type TradeRecord struct {
	TradeID     string          `json:"trade_id" db:"trade_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	ContractID  string          `json:"contract_id" db:"contract_id"`
	Timeframe   Timeframe       `json:"timeframe" db:"timeframe"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	PriceAtFill decimal.Decimal `json:"price_at_fill" db:"price_at_fill"`
	PlacedAt    time.Time       `json:"placed_at" db:"placed_at"`
	Settled     bool            `json:"settled" db:"settled"`
	Won         bool            `json:"won" db:"won"`
	Payout      decimal.Decimal `json:"payout" db:"payout"`
	Profit      decimal.Decimal `json:"profit" db:"profit"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// SettlementResult is emitted once per position when its contract settles.
type SettlementResult struct {
	ContractID string          `json:"contract_id"`
	TradeID    string          `json:"trade_id"`
	UserID     string          `json:"user_id"`
	Won        bool            `json:"won"`
	Payout     decimal.Decimal `json:"payout"`
	Profit     decimal.Decimal `json:"profit"`
	Balance    decimal.Decimal `json:"balance"`
	Timestamp  time.Time       `json:"timestamp"`
}
