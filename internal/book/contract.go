package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/model"
)

// Contract is one live instrument. All field access goes through its mutex;
// the status transition is a compare-and-swap under that mutex, which is
// what makes settlement at-most-once.
type Contract struct {
	mu sync.Mutex

	id          string
	templateID  string
	timeframe   model.Timeframe
	mode        TriggerMode
	triggerWins bool
	lower       decimal.Decimal
	upper       decimal.Decimal
	windowStart time.Time
	windowEnd   time.Time
	multiplier  decimal.Decimal

	status      model.ContractStatus
	positions   []model.Position
	totalVolume decimal.Decimal
	settledAt   time.Time
}

// transition atomically moves the contract from one status to another.
// Returns false if the current status differs from from: the caller lost
// the race and must not settle.
func (c *Contract) transition(from, to model.ContractStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != from {
		return false
	}
	c.status = to
	c.settledAt = time.Now().UTC()
	return true
}

// Status returns the current settlement state.
func (c *Contract) Status() model.ContractStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// inWindow reports whether ts falls inside the exercise window.
func (c *Contract) inWindow(ts time.Time) bool {
	return !ts.Before(c.windowStart) && !ts.After(c.windowEnd)
}

// triggered evaluates the price against the strike range per the
// contract's trigger mode.
func (c *Contract) triggered(price decimal.Decimal) bool {
	inside := price.GreaterThanOrEqual(c.lower) && price.LessThanOrEqual(c.upper)
	if c.mode == TriggerOnEntry {
		return inside
	}
	return !inside
}

// stakeOf returns the user's total stake in this contract.
func (c *Contract) stakeOf(userID string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for _, p := range c.positions {
		if p.UserID == userID {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// Snapshot returns the wire-facing view.
func (c *Contract) Snapshot() model.ContractSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// snapshotLocked must be called with c.mu held.
func (c *Contract) snapshotLocked() model.ContractSnapshot {
	return model.ContractSnapshot{
		ID:               c.id,
		Timeframe:        c.timeframe,
		TemplateID:       c.templateID,
		LowerStrike:      c.lower,
		UpperStrike:      c.upper,
		WindowStart:      c.windowStart,
		WindowEnd:        c.windowEnd,
		ReturnMultiplier: c.multiplier,
		Status:           c.status,
		TotalVolume:      c.totalVolume,
	}
}
