// Package feed produces the simulated price stream: an Oracle generating a
// bounded random walk on a fixed interval, and a Clock that re-emits each
// price point to any number of subscribers so every timeframe sees the same
// market.
package feed

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/metrics"
	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/pubsub"
)

// Oracle owns a repeating timer and generates the next price point via a
// bounded random walk: next = max(1, prev + (rand-0.5)*volatility).
// Start and Stop are idempotent.
type Oracle struct {
	interval   time.Duration
	volatility float64

	mu      sync.Mutex
	rng     *rand.Rand
	last    model.PricePoint
	running bool
	stop    chan struct{}
	done    chan struct{}

	topic  *pubsub.Topic[model.PricePoint]
	logger *slog.Logger
}

// NewOracle creates an oracle starting at startPrice. A zero seed picks a
// time-based one.
func NewOracle(interval time.Duration, startPrice decimal.Decimal, volatility float64, seed int64, logger *slog.Logger) *Oracle {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Oracle{
		interval:   interval,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
		last: model.PricePoint{
			Price:     startPrice,
			Timestamp: time.Now().UTC(),
		},
		topic:  pubsub.NewTopic[model.PricePoint](64),
		logger: logger.With(slog.String("component", "oracle")),
	}
}

// Subscribe returns a price point subscription and its cancel handle.
func (o *Oracle) Subscribe() (<-chan model.PricePoint, func()) {
	return o.topic.Subscribe()
}

// Last returns the most recent price point.
func (o *Oracle) Last() model.PricePoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Running reports whether the tick loop is live.
func (o *Oracle) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start launches the tick loop. Calling Start while running is a no-op.
func (o *Oracle) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	stop, done := o.stop, o.done
	o.mu.Unlock()

	o.logger.Info("oracle started", slog.Duration("interval", o.interval))

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				o.Advance(now.UTC())
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit. Stop before Start is a
// no-op, as is a second Stop.
func (o *Oracle) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stop)
	done := o.done
	o.mu.Unlock()

	<-done
	o.logger.Info("oracle stopped")
}

// Advance generates and publishes the next price point. The tick loop calls
// it on every interval; tests call it directly to drive time by hand.
func (o *Oracle) Advance(now time.Time) model.PricePoint {
	o.mu.Lock()
	delta := decimal.NewFromFloat((o.rng.Float64() - 0.5) * o.volatility)
	next := o.last.Price.Add(delta)
	floor := decimal.NewFromInt(1)
	if next.LessThan(floor) {
		next = floor
	}
	point := model.PricePoint{Price: next, Timestamp: now}
	o.last = point
	o.mu.Unlock()

	metrics.TicksTotal.Inc()
	o.topic.Publish(point)
	return point
}
