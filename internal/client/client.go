// Package client is a reconnecting engine client. It drives the
// handshake, replays subscriptions after a reconnect, and surfaces
// server pushes through callbacks. Intended for bots and integration
// tests; the production UI speaks the protocol directly.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/ws"
)

// State is the client's connection lifecycle phase.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateHandshake        State = "handshake"
	StateAwaitingSnapshot State = "awaiting_snapshot"
	StateLive             State = "live"
	StateError            State = "error"
	StateDisconnected     State = "disconnected"
)

// reconnectDelay is the backoff between connection attempts.
const reconnectDelay = time.Second

// Handlers receives server pushes. Nil fields are skipped.
type Handlers struct {
	OnWelcome   func(ws.WelcomePayload)
	OnSnapshot  func(ws.SnapshotPayload)
	OnTick      func(json.RawMessage)
	OnContracts func(ws.ContractUpdatePayload)
	OnConfirmed func(ws.TradeConfirmedPayload)
	OnResult    func(ws.TradeResultPayload)
	OnBalance   func(ws.BalanceUpdatePayload)
	OnPositions func(ws.PositionsSnapshotPayload)
	OnStatus    func(ws.EngineStatusPayload)
	OnError     func(ws.ErrorPayload)
	OnAck       func(ws.AckPayload)
}

// Client maintains one engine connection and reconnects on failure.
type Client struct {
	url      string
	username string
	handlers Handlers
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	userID string
	subs   map[string]bool // timeframes to hold across reconnects
	closed bool
}

// New creates a client for the given websocket URL. Call Run to connect.
func New(url, username string, handlers Handlers, logger *slog.Logger) *Client {
	return &Client{
		url:      url,
		username: username,
		handlers: handlers,
		logger:   logger.With(slog.String("component", "client")),
		state:    StateIdle,
		subs:     make(map[string]bool),
	}
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the identity assigned by the last welcome, if any.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects and serves the connection until ctx is cancelled,
// reconnecting with a fixed backoff. Subscriptions made through
// Subscribe are replayed after every successful handshake.
func (c *Client) Run(ctx context.Context) error {
	for {
		if c.isClosed() {
			c.setState(StateIdle)
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		c.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("dial failed", slog.String("error", err.Error()))
			c.setState(StateError)
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if err := c.serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) && !c.isClosed() {
			c.logger.Warn("connection lost", slog.String("error", err.Error()))
		}
		conn.Close()

		if c.isClosed() {
			c.setState(StateIdle)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.setState(StateError)
		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

// serve runs the handshake and then the read loop for one connection.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.setState(StateHandshake)
	if err := c.send(conn, ws.MsgHello, ws.HelloPayload{Username: c.username}); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env ws.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			// Stay connected: a frame we cannot parse is the server's
			// bug, not a reason to drop a live session.
			c.setState(StateError)
			c.logger.Warn("unparseable server frame")
			continue
		}

		if err := c.handle(conn, env); err != nil {
			return err
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, env ws.Envelope) error {
	switch env.Type {
	case ws.MsgWelcome:
		var p ws.WelcomePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.mu.Lock()
		c.userID = p.UserID
		pending := make([]string, 0, len(c.subs))
		for tf := range c.subs {
			pending = append(pending, tf)
		}
		if len(pending) > 0 {
			c.state = StateAwaitingSnapshot
		} else {
			c.state = StateLive
		}
		c.mu.Unlock()

		if c.handlers.OnWelcome != nil {
			c.handlers.OnWelcome(p)
		}
		for _, tf := range pending {
			if err := c.send(conn, ws.MsgSubscribe, ws.SubscribePayload{Timeframe: tf}); err != nil {
				return err
			}
		}

	case ws.MsgSnapshot:
		var p ws.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.setState(StateLive)
		if c.handlers.OnSnapshot != nil {
			c.handlers.OnSnapshot(p)
		}

	case ws.MsgPriceTick:
		if c.handlers.OnTick != nil {
			c.handlers.OnTick(env.Payload)
		}

	case ws.MsgContractUpdate:
		var p ws.ContractUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnContracts != nil {
			c.handlers.OnContracts(p)
		}

	case ws.MsgTradeConfirmed:
		var p ws.TradeConfirmedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnConfirmed != nil {
			c.handlers.OnConfirmed(p)
		}

	case ws.MsgTradeResult:
		var p ws.TradeResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnResult != nil {
			c.handlers.OnResult(p)
		}

	case ws.MsgBalanceUpdate:
		var p ws.BalanceUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnBalance != nil {
			c.handlers.OnBalance(p)
		}

	case ws.MsgPositionsSnapshot:
		var p ws.PositionsSnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnPositions != nil {
			c.handlers.OnPositions(p)
		}

	case ws.MsgEngineStatus:
		var p ws.EngineStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnStatus != nil {
			c.handlers.OnStatus(p)
		}

	case ws.MsgHeartbeat:
		return c.send(conn, ws.MsgPong, ws.PongPayload{Timestamp: env.Timestamp})

	case ws.MsgAck:
		var p ws.AckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnAck != nil {
			c.handlers.OnAck(p)
		}

	case ws.MsgError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(p)
		}
	}
	return nil
}

// Subscribe requests pushes for a timeframe. The subscription survives
// reconnects; before the handshake completes it is only queued.
func (c *Client) Subscribe(timeframe string) error {
	c.mu.Lock()
	c.subs[timeframe] = true
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateLive && state != StateAwaitingSnapshot {
		return nil
	}
	return c.send(conn, ws.MsgSubscribe, ws.SubscribePayload{Timeframe: timeframe})
}

// Unsubscribe stops pushes for a timeframe.
func (c *Client) Unsubscribe(timeframe string) error {
	c.mu.Lock()
	delete(c.subs, timeframe)
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateLive && state != StateAwaitingSnapshot {
		return nil
	}
	return c.send(conn, ws.MsgUnsubscribe, ws.SubscribePayload{Timeframe: timeframe})
}

// PlaceTrade stakes an amount on a contract.
func (c *Client) PlaceTrade(contractID string, amount decimal.Decimal) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	return c.send(conn, ws.MsgPlaceTrade, ws.PlaceTradePayload{ContractID: contractID, Amount: amount})
}

// GetPositions requests a positions_snapshot.
func (c *Client) GetPositions() error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	return c.send(conn, ws.MsgGetPositions, nil)
}

// Disconnect tells the server goodbye and stops the reconnect loop. The
// client ends in the idle state; a later Run starts fresh.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		if data, err := ws.Marshal(ws.MsgDisconnect, nil); err == nil {
			c.conn.WriteMessage(websocket.TextMessage, data)
		}
		c.conn.Close()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ErrNotLive is returned for commands that require a completed handshake.
var ErrNotLive = errors.New("client is not live")

func (c *Client) liveConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLive && c.state != StateAwaitingSnapshot {
		return nil, ErrNotLive
	}
	return c.conn, nil
}

func (c *Client) send(conn *websocket.Conn, msgType string, payload any) error {
	data, err := ws.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
