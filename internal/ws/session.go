package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/traderush/condor-engine/internal/model"
)

// session is the server side of one client connection. All writes go
// through the send channel so a single writer goroutine owns the socket;
// ordering per connection follows enqueue order.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	identified bool
	userID     string
	username   string
	subs       map[model.Timeframe]bool
	lastTick   time.Time
	lastPong   time.Time
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		subs:     make(map[model.Timeframe]bool),
		lastPong: time.Now().UTC(),
	}
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) subscribedTo(tf model.Timeframe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[tf]
}

func (s *session) lastPongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

// advanceTick reports whether ts is newer than the last tick sent to this
// session and records it. Keeps tick delivery monotonic even when the
// session spans several timeframes.
func (s *session) advanceTick(ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ts.After(s.lastTick) {
		return false
	}
	s.lastTick = ts
	return true
}

// enqueue hands a frame to the writer. A session whose buffer is full
// loses the frame rather than stalling the engine.
func (s *session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		s.hub.logger.Warn("dropping frame for slow client")
	}
}

func (s *session) reply(msgType string, payload any) {
	data, err := Marshal(msgType, payload)
	if err != nil {
		return
	}
	s.enqueue(data)
}

func (s *session) ack(command string, err error) {
	p := AckPayload{Command: command, Ok: err == nil}
	if err != nil {
		p.Error = err.Error()
	}
	s.reply(MsgAck, p)
}

// readPump consumes client frames until the socket drops or the client
// sends disconnect. A malformed or out-of-sequence message degrades only
// this connection: the session answers with an error or a failed ack and
// keeps reading.
func (s *session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			s.reply(MsgError, ErrorPayload{Message: "malformed message envelope"})
			continue
		}

		if done := s.dispatch(env); done {
			return
		}
	}
}

// dispatch runs the protocol state machine for one inbound envelope.
// Returns true when the session should close.
func (s *session) dispatch(env Envelope) bool {
	switch env.Type {
	case MsgHello:
		s.handleHello(env.Payload)
	case MsgSubscribe:
		s.handleSubscribe(env.Payload)
	case MsgUnsubscribe:
		s.handleUnsubscribe(env.Payload)
	case MsgPlaceTrade:
		s.handlePlaceTrade(env.Payload)
	case MsgPong:
		s.mu.Lock()
		s.lastPong = time.Now().UTC()
		s.mu.Unlock()
	case MsgGetPositions:
		s.handleGetPositions()
	case MsgDisconnect:
		s.ack(MsgDisconnect, nil)
		return true
	default:
		s.reply(MsgError, ErrorPayload{Message: "unknown message type: " + env.Type})
	}
	return false
}

func (s *session) handleHello(raw json.RawMessage) {
	var p HelloPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			s.reply(MsgError, ErrorPayload{Message: "malformed hello payload"})
			return
		}
	}

	s.mu.Lock()
	if !s.identified {
		s.userID = uuid.New().String()
		s.username = p.Username
		if s.username == "" {
			s.username = "guest-" + s.userID[:8]
		}
		s.identified = true
	}
	userID, username := s.userID, s.username
	s.mu.Unlock()

	// Idempotent: a second hello returns the same identity and balance.
	snap := s.hub.ledger.Initialize(userID)

	s.reply(MsgWelcome, WelcomePayload{
		UserID:     userID,
		Username:   username,
		Balance:    snap.Available,
		Locked:     snap.Locked,
		Timeframes: model.AllTimeframes,
	})
	s.reply(MsgEngineStatus, s.hub.engineStatus())
}

func (s *session) handleSubscribe(raw json.RawMessage) {
	if !s.isIdentified() {
		s.ack(MsgSubscribe, errProtocolViolation)
		return
	}
	var p SubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.reply(MsgError, ErrorPayload{Message: "malformed subscribe payload"})
		return
	}
	tf, err := model.ParseTimeframe(p.Timeframe)
	if err != nil {
		s.ack(MsgSubscribe, err)
		return
	}
	bk, ok := s.hub.books[tf]
	if !ok {
		s.ack(MsgSubscribe, errUnknownTimeframe)
		return
	}

	s.mu.Lock()
	s.subs[tf] = true
	s.mu.Unlock()

	s.reply(MsgSnapshot, SnapshotPayload{
		Timeframe:    tf,
		PriceHistory: s.hub.clock.History(),
		Contracts:    bk.Snapshot(),
	})
}

func (s *session) handleUnsubscribe(raw json.RawMessage) {
	if !s.isIdentified() {
		s.ack(MsgUnsubscribe, errProtocolViolation)
		return
	}
	var p SubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.reply(MsgError, ErrorPayload{Message: "malformed unsubscribe payload"})
		return
	}
	tf, err := model.ParseTimeframe(p.Timeframe)
	if err != nil {
		s.ack(MsgUnsubscribe, err)
		return
	}

	s.mu.Lock()
	delete(s.subs, tf)
	s.mu.Unlock()

	s.ack(MsgUnsubscribe, nil)
}

func (s *session) handlePlaceTrade(raw json.RawMessage) {
	if !s.isIdentified() {
		s.ack(MsgPlaceTrade, errProtocolViolation)
		return
	}
	var p PlaceTradePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.reply(MsgError, ErrorPayload{Message: "malformed place_trade payload"})
		return
	}

	bk, ok := s.hub.bookFor(p.ContractID)
	if !ok {
		s.ack(MsgPlaceTrade, errInvalidContract)
		return
	}

	conf, err := bk.PlaceTrade(context.Background(), s.user(), p.ContractID, p.Amount)
	if err != nil {
		s.ack(MsgPlaceTrade, err)
		return
	}

	s.reply(MsgTradeConfirmed, TradeConfirmedPayload{
		ContractID:  conf.ContractID,
		Amount:      conf.Amount,
		TradeID:     conf.TradeID,
		Balance:     conf.Balance,
		PriceAtFill: conf.PriceAtFill,
		Timestamp:   conf.Timestamp.UnixMilli(),
	})
}

func (s *session) handleGetPositions() {
	if !s.isIdentified() {
		s.ack(MsgGetPositions, errProtocolViolation)
		return
	}
	userID := s.user()
	snap := s.hub.ledger.GetSnapshot(userID)

	var open []model.Position
	for _, bk := range s.hub.books {
		open = append(open, bk.OpenPositionsFor(userID)...)
	}
	if open == nil {
		open = []model.Position{}
	}

	records, err := s.hub.store.GetTradesByUser(context.Background(), userID, 100)
	if err != nil {
		s.hub.logger.Warn("history read failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
	}
	if records == nil {
		records = []model.TradeRecord{}
	}

	s.reply(MsgPositionsSnapshot, PositionsSnapshotPayload{
		Balance:       snap.Available,
		Locked:        snap.Locked,
		OpenPositions: open,
		History:       records,
	})
}

func (s *session) isIdentified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identified
}

// writePump owns the socket writer: it drains the send channel and keeps
// both liveness layers fed, transport pings for the socket and
// application heartbeat envelopes for the protocol.
func (s *session) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	heartbeatTicker := time.NewTicker(s.hub.heartbeat)
	defer func() {
		pingTicker.Stop()
		heartbeatTicker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-heartbeatTicker.C:
			// A client that stops answering heartbeats is gone even if the
			// transport still looks healthy.
			if time.Since(s.lastPongAt()) > missedPongLimit*s.hub.heartbeat {
				s.hub.logger.Warn("closing unresponsive client")
				return
			}
			data, err := Marshal(MsgHeartbeat, HeartbeatPayload{ServerTime: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
