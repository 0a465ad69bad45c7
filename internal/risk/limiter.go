// Package risk enforces open-stake limits in front of the margin service:
// a cap on one user's stake in a single contract, and a cap on their
// aggregate open stake across all live contracts of a timeframe.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerContractLimitExceeded is returned when a trade would push the
	// user's stake in one contract beyond the per-contract maximum.
	ErrPerContractLimitExceeded = errors.New("risk: per-contract stake limit exceeded")

	// ErrAggregateLimitExceeded is returned when a trade would push the
	// user's total open stake in a timeframe beyond the aggregate maximum.
	ErrAggregateLimitExceeded = errors.New("risk: aggregate open-stake limit exceeded")
)

// StakeLimiter holds the configured limits. Zero or negative limits
// disable the corresponding check.
type StakeLimiter struct {
	// MaxPerContract is the maximum stake one user may hold in one contract.
	MaxPerContract decimal.Decimal

	// MaxAggregate is the maximum total open stake per user per timeframe.
	MaxAggregate decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given caps.
func NewStakeLimiter(maxPerContract, maxAggregate decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerContract: maxPerContract,
		MaxAggregate:   maxAggregate,
	}
}

// Check validates a new stake against the limits.
//
//   - stake: the amount being placed now
//   - onContract: the user's existing stake in the target contract
//   - aggregate: the user's existing open stake across the timeframe
func (l *StakeLimiter) Check(stake, onContract, aggregate decimal.Decimal) error {
	if l.MaxPerContract.IsPositive() && onContract.Add(stake).GreaterThan(l.MaxPerContract) {
		return ErrPerContractLimitExceeded
	}
	if l.MaxAggregate.IsPositive() && aggregate.Add(stake).GreaterThan(l.MaxAggregate) {
		return ErrAggregateLimitExceeded
	}
	return nil
}
