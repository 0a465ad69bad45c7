// Package ledger is the authoritative per-user account store. Every balance
// mutation in the engine is funneled through it: a single critical section
// per account, a version bump per successful mutation, and a house float
// updated inversely to every user credit/debit so that
// sum(available+locked) + float is constant (zero-sum).
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/pubsub"
)

// EventType classifies a balance event.
type EventType string

const (
	EventInitialize EventType = "initialize"
	EventCredit     EventType = "credit"
	EventDebit      EventType = "debit"
	EventLock       EventType = "lock"
	EventUnlock     EventType = "unlock"
)

// Event is published on every successful ledger mutation.
type Event struct {
	Type     EventType
	UserID   string
	Amount   decimal.Decimal
	Reason   string
	Snapshot model.AccountSnapshot
}

// account is the mutable record behind one user. Guarded by its own mutex;
// cross-user operations never hold more than one account lock.
type account struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
	version   uint64
}

// Ledger owns all accounts and the house float.
//
// Lock ordering: account.mu before floatMu. The float is mutated inside the
// same account critical section that moves the user funds, so a reader
// holding floatMu never observes a half-applied transfer.
type Ledger struct {
	mu       sync.RWMutex // guards the accounts map
	accounts map[string]*account

	floatMu sync.Mutex
	float   decimal.Decimal

	startingBalance decimal.Decimal
	events          *pubsub.Topic[Event]
	logger          *slog.Logger
}

// New creates an empty ledger seeded with houseFloat. Accounts are
// created lazily on first reference with startingBalance, funded out of
// the float, so TotalBalance stays equal to houseFloat forever.
func New(startingBalance, houseFloat decimal.Decimal, logger *slog.Logger) *Ledger {
	return &Ledger{
		accounts:        make(map[string]*account),
		startingBalance: startingBalance,
		float:           houseFloat,
		events:          pubsub.NewTopic[Event](64),
		logger:          logger.With(slog.String("component", "ledger")),
	}
}

// Events returns a subscription to balance events and its cancel handle.
func (l *Ledger) Events() (<-chan Event, func()) {
	return l.events.Subscribe()
}

// Initialize creates the account with the configured starting balance if
// absent, else returns the current snapshot. Idempotent; the initialize
// event is emitted only on first creation.
func (l *Ledger) Initialize(userID string) model.AccountSnapshot {
	acct, created := l.getOrCreate(userID)

	acct.mu.Lock()
	snap := l.snapshotLocked(userID, acct)
	acct.mu.Unlock()

	if created {
		l.logger.Info("account created",
			slog.String("user", userID),
			slog.String("balance", snap.Available.String()),
		)
		l.events.Publish(Event{
			Type:     EventInitialize,
			UserID:   userID,
			Amount:   snap.Available,
			Reason:   "initial balance",
			Snapshot: snap,
		})
	}
	return snap
}

// Credit increases the user's available balance and decreases the house
// float by the same amount.
func (l *Ledger) Credit(userID string, amount decimal.Decimal, reason string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}
	acct, _ := l.getOrCreate(userID)

	acct.mu.Lock()
	acct.available = acct.available.Add(amount)
	acct.version++
	l.addFloat(amount.Neg())
	snap := l.snapshotLocked(userID, acct)
	acct.mu.Unlock()

	l.events.Publish(Event{Type: EventCredit, UserID: userID, Amount: amount, Reason: reason, Snapshot: snap})
	return snap.Available, nil
}

// Debit decreases the user's available balance and increases the house
// float by the same amount. The guard check precedes any mutation.
func (l *Ledger) Debit(userID string, amount decimal.Decimal, reason string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}
	acct, _ := l.getOrCreate(userID)

	acct.mu.Lock()
	if acct.available.LessThan(amount) {
		acct.mu.Unlock()
		return decimal.Zero, ErrInsufficientBalance
	}
	acct.available = acct.available.Sub(amount)
	acct.version++
	l.addFloat(amount)
	snap := l.snapshotLocked(userID, acct)
	acct.mu.Unlock()

	l.events.Publish(Event{Type: EventDebit, UserID: userID, Amount: amount, Reason: reason, Snapshot: snap})
	return snap.Available, nil
}

// LockCollateral moves funds from available to locked. The float is
// unchanged: locked funds still belong to the user.
func (l *Ledger) LockCollateral(userID string, amount decimal.Decimal, reason string) (model.AccountSnapshot, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return model.AccountSnapshot{}, ErrInvalidAmount
	}
	acct, _ := l.getOrCreate(userID)

	acct.mu.Lock()
	if acct.available.LessThan(amount) {
		acct.mu.Unlock()
		return model.AccountSnapshot{}, ErrInsufficientBalance
	}
	acct.available = acct.available.Sub(amount)
	acct.locked = acct.locked.Add(amount)
	acct.version++
	snap := l.snapshotLocked(userID, acct)
	acct.mu.Unlock()

	l.events.Publish(Event{Type: EventLock, UserID: userID, Amount: amount, Reason: reason, Snapshot: snap})
	return snap, nil
}

// UnlockCollateral moves funds from locked back to available.
func (l *Ledger) UnlockCollateral(userID string, amount decimal.Decimal, reason string) (model.AccountSnapshot, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return model.AccountSnapshot{}, ErrInvalidAmount
	}
	acct, _ := l.getOrCreate(userID)

	acct.mu.Lock()
	if acct.locked.LessThan(amount) {
		acct.mu.Unlock()
		return model.AccountSnapshot{}, ErrInsufficientLocked
	}
	acct.locked = acct.locked.Sub(amount)
	acct.available = acct.available.Add(amount)
	acct.version++
	snap := l.snapshotLocked(userID, acct)
	acct.mu.Unlock()

	l.events.Publish(Event{Type: EventUnlock, UserID: userID, Amount: amount, Reason: reason, Snapshot: snap})
	return snap, nil
}

// GetSnapshot returns the current account state, creating the account if it
// does not exist yet.
func (l *Ledger) GetSnapshot(userID string) model.AccountSnapshot {
	acct, _ := l.getOrCreate(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return l.snapshotLocked(userID, acct)
}

// GetAvailable returns the spendable balance.
func (l *Ledger) GetAvailable(userID string) decimal.Decimal {
	return l.GetSnapshot(userID).Available
}

// GetLocked returns the collateral reserved against open positions.
func (l *Ledger) GetLocked(userID string) decimal.Decimal {
	return l.GetSnapshot(userID).Locked
}

// HasAvailable reports whether the user can spend amount right now.
func (l *Ledger) HasAvailable(userID string, amount decimal.Decimal) bool {
	return l.GetAvailable(userID).GreaterThanOrEqual(amount)
}

// HouseFloat returns the house's own counter. Internal consistency check
// only; never exposed to clients.
func (l *Ledger) HouseFloat() decimal.Decimal {
	l.floatMu.Lock()
	defer l.floatMu.Unlock()
	return l.float
}

// TotalBalance sums available+locked across all accounts plus the float.
// For any operation sequence this is constant (conservation invariant).
func (l *Ledger) TotalBalance() decimal.Decimal {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	total := l.HouseFloat()
	for _, a := range accounts {
		a.mu.Lock()
		total = total.Add(a.available).Add(a.locked)
		a.mu.Unlock()
	}
	return total
}

func (l *Ledger) getOrCreate(userID string) (*account, bool) {
	l.mu.RLock()
	acct, ok := l.accounts[userID]
	l.mu.RUnlock()
	if ok {
		return acct, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[userID]; ok {
		return acct, false
	}
	acct = &account{
		available: l.startingBalance,
		version:   1,
	}
	l.accounts[userID] = acct
	// The starting balance comes out of the float so conservation holds
	// from the moment of creation.
	l.addFloat(l.startingBalance.Neg())
	return acct, true
}

func (l *Ledger) addFloat(delta decimal.Decimal) {
	l.floatMu.Lock()
	l.float = l.float.Add(delta)
	l.floatMu.Unlock()
}

// snapshotLocked must be called with acct.mu held.
func (l *Ledger) snapshotLocked(userID string, acct *account) model.AccountSnapshot {
	return model.AccountSnapshot{
		UserID:    userID,
		Available: acct.available,
		Locked:    acct.locked,
		Version:   acct.version,
	}
}
