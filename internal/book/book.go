package book

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/history"
	"github.com/traderush/condor-engine/internal/margin"
	"github.com/traderush/condor-engine/internal/metrics"
	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/pubsub"
	"github.com/traderush/condor-engine/internal/risk"
)

var (
	// ErrInvalidAmount rejects non-positive stakes.
	ErrInvalidAmount = errors.New("book: amount must be positive")

	// ErrInvalidContract rejects trades against unknown or non-ACTIVE contracts.
	ErrInvalidContract = errors.New("book: contract not found or not active")

	// ErrInsufficientCollateral reports a fill rejected by the margin service.
	ErrInsufficientCollateral = errors.New("book: insufficient collateral for fill")

	// ErrContractHasPositions rejects abandoning a contract someone has staked.
	ErrContractHasPositions = errors.New("book: contract has open positions")
)

// Update is published after every processed tick and every accepted trade.
// The tick it carries is at least as old as the contract state, so a
// consumer relaying both in order never shows a settlement before its
// triggering price.
type Update struct {
	Timeframe model.Timeframe
	Tick      model.PricePoint
	Contracts []model.ContractSnapshot
	Results   []model.SettlementResult
}

// TradeConfirmation is returned from a successful PlaceTrade.
type TradeConfirmation struct {
	TradeID     string
	ContractID  string
	Amount      decimal.Decimal
	Balance     decimal.Decimal
	PriceAtFill decimal.Decimal
	Timestamp   time.Time
}

// Book owns the live contracts for one timeframe.
type Book struct {
	timeframe model.Timeframe
	registry  *Registry
	margin    *margin.Service
	limiter   *risk.StakeLimiter
	store     history.Store
	retention time.Duration

	updates *pubsub.Topic[Update]
	logger  *slog.Logger

	mu        sync.RWMutex
	contracts map[string]*Contract
	openStake map[string]decimal.Decimal // userID → open stake in this book
	lastTick  model.PricePoint
	nextGen   time.Time
}

// New creates a book for the given timeframe. Retention is how long a
// settled contract stays addressable for late client queries.
func New(tf model.Timeframe, reg *Registry, m *margin.Service, limiter *risk.StakeLimiter, store history.Store, retention time.Duration, logger *slog.Logger) *Book {
	return &Book{
		timeframe: tf,
		registry:  reg,
		margin:    m,
		limiter:   limiter,
		store:     store,
		retention: retention,
		updates:   pubsub.NewTopic[Update](64),
		contracts: make(map[string]*Contract),
		openStake: make(map[string]decimal.Decimal),
		logger: logger.With(
			slog.String("component", "book"),
			slog.String("timeframe", string(tf)),
		),
	}
}

// Updates returns a subscription to book updates and its cancel handle.
func (b *Book) Updates() (<-chan Update, func()) {
	return b.updates.Subscribe()
}

// Timeframe returns the book's column width.
func (b *Book) Timeframe() model.Timeframe {
	return b.timeframe
}

// Run consumes ticks until the channel closes or ctx is cancelled. A tick
// already received is always evaluated to completion.
func (b *Book) Run(ctx context.Context, ticks <-chan model.PricePoint) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			b.HandleTick(ctx, tick)
		}
	}
}

// HandleTick advances the book by one price point: generate new contracts
// on the column cadence, evaluate every ACTIVE contract, drop settled
// contracts past retention, and publish one Update.
func (b *Book) HandleTick(ctx context.Context, tick model.PricePoint) {
	changed := b.generate(tick)
	var results []model.SettlementResult

	for _, c := range b.live() {
		snap, res, settled := b.evaluate(ctx, c, tick)
		if settled {
			changed = append(changed, snap)
			results = append(results, res...)
		}
	}

	b.collectGarbage(tick.Timestamp)

	b.mu.Lock()
	b.lastTick = tick
	b.mu.Unlock()

	b.updates.Publish(Update{
		Timeframe: b.timeframe,
		Tick:      tick,
		Contracts: changed,
		Results:   results,
	})
	b.updateGauges()
}

// generate creates one contract per enabled template when a column
// boundary passes. Returns snapshots of anything created.
func (b *Book) generate(tick model.PricePoint) []model.ContractSnapshot {
	column := b.timeframe.Duration()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextGen.IsZero() {
		b.nextGen = tick.Timestamp
	}
	if tick.Timestamp.Before(b.nextGen) {
		return nil
	}
	b.nextGen = tick.Timestamp.Add(column)

	var created []model.ContractSnapshot
	for _, t := range b.registry.Enabled() {
		lower, upper := t.Strikes(tick.Price)
		c := &Contract{
			id:          uuid.New().String(),
			templateID:  t.ID,
			timeframe:   b.timeframe,
			mode:        t.Mode,
			triggerWins: t.TriggerWins,
			lower:       lower,
			upper:       upper,
			windowStart: tick.Timestamp,
			windowEnd:   tick.Timestamp.Add(time.Duration(t.WindowColumns) * column),
			multiplier:  t.Multiplier,
			status:      model.StatusActive,
		}
		b.contracts[c.id] = c
		created = append(created, c.Snapshot())
	}
	return created
}

// live returns the current contract set without holding the book lock
// during evaluation.
func (b *Book) live() []*Contract {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Contract, 0, len(b.contracts))
	for _, c := range b.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// evaluate runs the settlement state machine for one contract against one
// tick. The status CAS guarantees at-most-once settlement even when the
// same tick is delivered twice or races an admin abandon.
func (b *Book) evaluate(ctx context.Context, c *Contract, tick model.PricePoint) (model.ContractSnapshot, []model.SettlementResult, bool) {
	if c.Status() != model.StatusActive {
		return model.ContractSnapshot{}, nil, false
	}

	if tick.Timestamp.After(c.windowEnd) {
		// Window elapsed without a trigger. Which side wins is a product
		// rule: an expiry-pays contract (iron condor) exercises, a
		// trigger-pays contract expires worthless.
		to := model.StatusExpired
		won := false
		if !c.triggerWins {
			to = model.StatusExercised
			won = true
		}
		if !c.transition(model.StatusActive, to) {
			return model.ContractSnapshot{}, nil, false
		}
		results := b.settle(ctx, c, won)
		metrics.SettlementsTotal.WithLabelValues(string(to)).Inc()
		return c.Snapshot(), results, true
	}

	if c.inWindow(tick.Timestamp) && c.triggered(tick.Price) {
		if !c.transition(model.StatusActive, model.StatusTriggered) {
			return model.ContractSnapshot{}, nil, false
		}
		results := b.settle(ctx, c, c.triggerWins)
		metrics.SettlementsTotal.WithLabelValues(string(model.StatusTriggered)).Inc()
		return c.Snapshot(), results, true
	}

	return model.ContractSnapshot{}, nil, false
}

// settle pays every position of a contract that just reached a terminal
// state. Positions cannot change anymore: addPosition checks ACTIVE under
// the same mutex the CAS held.
func (b *Book) settle(ctx context.Context, c *Contract, won bool) []model.SettlementResult {
	c.mu.Lock()
	positions := make([]model.Position, len(c.positions))
	copy(positions, c.positions)
	mult := c.multiplier
	contractID := c.id
	settledAt := c.settledAt
	c.mu.Unlock()

	results := make([]model.SettlementResult, 0, len(positions))
	for _, p := range positions {
		payout := decimal.Zero
		profit := p.Amount.Neg()
		var balance decimal.Decimal

		if won {
			payout = p.Amount.Mul(mult)
			profit = payout.Sub(p.Amount)
			newBalance, err := b.margin.SettlePayout(p.UserID, payout, "settlement:"+contractID)
			if err != nil {
				// Payouts are always positive, so this cannot be a guard
				// failure; log and keep the remaining positions flowing.
				b.logger.Error("payout failed",
					slog.String("trade", p.TradeID),
					slog.String("error", err.Error()),
				)
				continue
			}
			balance = newBalance
			metrics.PayoutsTotal.WithLabelValues(string(b.timeframe)).Add(payout.InexactFloat64())
		} else {
			balance = b.margin.Balance(p.UserID)
		}

		if err := b.store.MarkSettled(ctx, p.TradeID, won, payout, profit, settledAt); err != nil {
			b.logger.Warn("history settle write failed",
				slog.String("trade", p.TradeID),
				slog.String("error", err.Error()),
			)
		}

		b.reduceOpenStake(p.UserID, p.Amount)

		results = append(results, model.SettlementResult{
			ContractID: contractID,
			TradeID:    p.TradeID,
			UserID:     p.UserID,
			Won:        won,
			Payout:     payout,
			Profit:     profit,
			Balance:    balance,
			Timestamp:  settledAt,
		})
	}
	return results
}

// PlaceTrade validates and fills a stake on an ACTIVE contract. Collateral
// is debited up front; a rejected fill leaves the contract and ledger
// untouched, so there is nothing to roll back.
func (b *Book) PlaceTrade(ctx context.Context, userID, contractID string, amount decimal.Decimal) (*TradeConfirmation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	b.mu.RLock()
	c := b.contracts[contractID]
	lastTick := b.lastTick
	aggregate := b.openStake[userID]
	b.mu.RUnlock()
	if c == nil {
		return nil, ErrInvalidContract
	}

	if err := b.limiter.Check(amount, c.stakeOf(userID), aggregate); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	// Position insertion is sequenced after the ACTIVE check under the
	// contract mutex: a trade racing a settlement either lands before the
	// CAS (and settles honestly on the next evaluation) or is rejected.
	c.mu.Lock()
	if c.status != model.StatusActive || now.After(c.windowEnd) {
		c.mu.Unlock()
		return nil, ErrInvalidContract
	}

	fill := b.margin.ApplyFill(userID, amount, b.timeframe)
	if !fill.Success {
		c.mu.Unlock()
		return nil, ErrInsufficientCollateral
	}

	tradeID := uuid.New().String()
	c.positions = append(c.positions, model.Position{
		TradeID:    tradeID,
		UserID:     userID,
		ContractID: contractID,
		Amount:     amount,
		PlacedAt:   now,
	})
	c.totalVolume = c.totalVolume.Add(amount)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	b.mu.Lock()
	b.openStake[userID] = b.openStake[userID].Add(amount)
	b.mu.Unlock()

	rec := &model.TradeRecord{
		TradeID:     tradeID,
		UserID:      userID,
		ContractID:  contractID,
		Timeframe:   b.timeframe,
		Amount:      amount,
		PriceAtFill: lastTick.Price,
		PlacedAt:    now,
	}
	if err := b.store.InsertTrade(ctx, rec); err != nil {
		b.logger.Warn("history insert failed",
			slog.String("trade", tradeID),
			slog.String("error", err.Error()),
		)
	}

	metrics.TradesTotal.WithLabelValues(string(b.timeframe)).Inc()
	b.logger.Info("trade filled",
		slog.String("trade", tradeID),
		slog.String("user", userID),
		slog.String("contract", contractID),
		slog.String("amount", amount.String()),
	)

	b.updates.Publish(Update{
		Timeframe: b.timeframe,
		Tick:      lastTick,
		Contracts: []model.ContractSnapshot{snap},
	})

	return &TradeConfirmation{
		TradeID:     tradeID,
		ContractID:  contractID,
		Amount:      amount,
		Balance:     fill.Balance,
		PriceAtFill: lastTick.Price,
		Timestamp:   now,
	}, nil
}

// Abandon withdraws an ACTIVE contract that has no positions yet. A
// contract someone has staked cannot be abandoned.
func (b *Book) Abandon(contractID string) error {
	b.mu.RLock()
	c := b.contracts[contractID]
	lastTick := b.lastTick
	b.mu.RUnlock()
	if c == nil {
		return ErrInvalidContract
	}

	c.mu.Lock()
	if c.status != model.StatusActive {
		c.mu.Unlock()
		return ErrInvalidContract
	}
	if len(c.positions) > 0 {
		c.mu.Unlock()
		return ErrContractHasPositions
	}
	c.status = model.StatusAbandoned
	c.settledAt = time.Now().UTC()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	metrics.SettlementsTotal.WithLabelValues(string(model.StatusAbandoned)).Inc()
	b.logger.Info("contract abandoned", slog.String("contract", contractID))

	b.updates.Publish(Update{
		Timeframe: b.timeframe,
		Tick:      lastTick,
		Contracts: []model.ContractSnapshot{snap},
	})
	return nil
}

// Snapshot returns every addressable contract, oldest window first.
func (b *Book) Snapshot() []model.ContractSnapshot {
	contracts := b.live()
	out := make([]model.ContractSnapshot, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Contract returns the snapshot of one contract if still addressable.
func (b *Book) Contract(contractID string) (model.ContractSnapshot, bool) {
	b.mu.RLock()
	c := b.contracts[contractID]
	b.mu.RUnlock()
	if c == nil {
		return model.ContractSnapshot{}, false
	}
	return c.Snapshot(), true
}

// OpenPositionsFor returns the user's positions on ACTIVE contracts.
func (b *Book) OpenPositionsFor(userID string) []model.Position {
	var out []model.Position
	for _, c := range b.live() {
		c.mu.Lock()
		if c.status == model.StatusActive {
			for _, p := range c.positions {
				if p.UserID == userID {
					out = append(out, p)
				}
			}
		}
		c.mu.Unlock()
	}
	return out
}

// LastTick returns the most recent price point the book has processed.
func (b *Book) LastTick() model.PricePoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTick
}

// collectGarbage drops settled contracts past the retention window.
func (b *Book) collectGarbage(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.contracts {
		c.mu.Lock()
		expired := c.status.Terminal() && !c.settledAt.IsZero() && now.Sub(c.settledAt) > b.retention
		c.mu.Unlock()
		if expired {
			delete(b.contracts, id)
		}
	}
}

func (b *Book) reduceOpenStake(userID string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.openStake[userID].Sub(amount)
	if next.IsPositive() {
		b.openStake[userID] = next
	} else {
		delete(b.openStake, userID)
	}
}

func (b *Book) updateGauges() {
	active := 0
	for _, c := range b.live() {
		if c.Status() == model.StatusActive {
			active++
		}
	}
	metrics.ActiveContracts.WithLabelValues(string(b.timeframe)).Set(float64(active))
}
