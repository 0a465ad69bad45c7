package feed

import (
	"log/slog"
	"sync"

	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/pubsub"
)

// Clock subscribes to exactly one Oracle and re-emits every price point to
// N independent subscribers. It also keeps a bounded price history for
// snapshot delivery to newly subscribed clients.
//
// Start and Stop toggle a single running guard and (de)register the oracle
// listener, so a double Start cannot create a duplicate subscription.
type Clock struct {
	oracle *Oracle
	topic  *pubsub.Topic[model.PricePoint]

	mu       sync.Mutex
	running  bool
	cancel   func()
	done     chan struct{}
	history  []model.PricePoint
	capacity int

	logger *slog.Logger
}

// NewClock creates a clock over the given oracle keeping up to historySize
// price points.
func NewClock(oracle *Oracle, historySize int, logger *slog.Logger) *Clock {
	if historySize < 1 {
		historySize = 1
	}
	return &Clock{
		oracle:   oracle,
		topic:    pubsub.NewTopic[model.PricePoint](64),
		capacity: historySize,
		logger:   logger.With(slog.String("component", "clock")),
	}
}

// Subscribe returns a tick subscription and its cancel handle. Ticks are
// delivered in timestamp order per subscriber.
func (c *Clock) Subscribe() (<-chan model.PricePoint, func()) {
	return c.topic.Subscribe()
}

// Start registers the oracle listener. No-op if already running.
func (c *Clock) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ch, cancel := c.oracle.Subscribe()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for point := range ch {
			c.record(point)
			c.topic.Publish(point)
		}
	}()
	c.logger.Info("clock started")
}

// Stop deregisters the oracle listener. A tick already handed to a
// subscriber keeps flowing; Stop only prevents new ones. No-op when not
// running.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info("clock stopped")
}

// Running reports whether the clock is forwarding ticks.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// History returns the retained price points, oldest first.
func (c *Clock) History() []model.PricePoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PricePoint, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Clock) record(point model.PricePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, point)
	if len(c.history) > c.capacity {
		c.history = c.history[len(c.history)-c.capacity:]
	}
}
