package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/traderush/condor-engine/internal/book"
	"github.com/traderush/condor-engine/internal/feed"
	"github.com/traderush/condor-engine/internal/history"
	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/metrics"
	"github.com/traderush/condor-engine/internal/model"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a transport pong.
	pongWait = 60 * time.Second

	// pingPeriod sends transport pings at this interval. Must be less
	// than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds incoming frames.
	maxMessageSize = 4096

	// sendBufferSize is the per-session outgoing message buffer.
	sendBufferSize = 256

	// statusPollInterval is how often the hub re-derives the engine status
	// from the feed state.
	statusPollInterval = time.Second

	// missedPongLimit closes a session that has not answered this many
	// consecutive heartbeats.
	missedPongLimit = 3
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // the engine fronts a trusted UI; no origin policy
	},
}

// Hub owns all live sessions and bridges the engine's event streams onto
// them: book updates become price_tick/contract_update/trade_result
// pushes, ledger events become balance_update pushes.
type Hub struct {
	ledger    *ledger.Ledger
	books     map[model.Timeframe]*book.Book
	clock     *feed.Clock
	oracle    *feed.Oracle
	store     history.Store
	heartbeat time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[*session]bool

	register   chan *session
	unregister chan *session
	done       chan struct{}
}

// NewHub wires the hub over the engine components.
func NewHub(l *ledger.Ledger, books map[model.Timeframe]*book.Book, clock *feed.Clock, oracle *feed.Oracle, store history.Store, heartbeat time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		ledger:     l,
		books:      books,
		clock:      clock,
		oracle:     oracle,
		store:      store,
		heartbeat:  heartbeat,
		logger:     logger.With(slog.String("component", "ws")),
		sessions:   make(map[*session]bool),
		register:   make(chan *session),
		unregister: make(chan *session),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and the engine stream pumps. It blocks
// until ctx is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context) error {
	for _, bk := range h.books {
		updates, cancel := bk.Updates()
		defer cancel()
		go h.pumpBook(ctx, updates)
	}

	balanceEvents, cancelBalances := h.ledger.Events()
	defer cancelBalances()
	go h.pumpBalances(ctx, balanceEvents)

	statusTicker := time.NewTicker(statusPollInterval)
	defer statusTicker.Stop()
	lastStatus := h.engineStatus().Status

	for {
		select {
		case <-ctx.Done():
			// done unblocks any pump stuck handing us a session.
			close(h.done)
			h.mu.Lock()
			for s := range h.sessions {
				close(s.send)
				delete(h.sessions, s)
			}
			h.mu.Unlock()
			return ctx.Err()

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("client connected", slog.Int("total", total))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.send)
			}
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("client disconnected", slog.Int("total", total))

		case <-statusTicker.C:
			st := h.engineStatus()
			if st.Status == lastStatus {
				continue
			}
			lastStatus = st.Status
			h.logger.Warn("engine status changed", slog.String("status", st.Status))
			h.BroadcastStatus(st.Status, st.Message)
		}
	}
}

// HandleWS upgrades an HTTP request and registers the session.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := newSession(h, conn)
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

// pumpBook relays one book's update stream to subscribed sessions. The
// tick is enqueued before the contract changes and settlement results it
// caused, so no client sees a TRIGGERED contract before its triggering
// price.
func (h *Hub) pumpBook(ctx context.Context, updates <-chan book.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.broadcastUpdate(u)
		}
	}
}

func (h *Hub) broadcastUpdate(u book.Update) {
	var tickMsg, contractMsg []byte
	var err error

	if !u.Tick.Timestamp.IsZero() {
		tickMsg, err = Marshal(MsgPriceTick, u.Tick)
		if err != nil {
			return
		}
	}
	if len(u.Contracts) > 0 {
		contractMsg, err = Marshal(MsgContractUpdate, ContractUpdatePayload{
			Timeframe: u.Timeframe,
			Contracts: u.Contracts,
		})
		if err != nil {
			return
		}
	}

	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if !s.subscribedTo(u.Timeframe) {
			continue
		}
		// A client on several timeframes receives each tick once.
		if tickMsg != nil && s.advanceTick(u.Tick.Timestamp) {
			s.enqueue(tickMsg)
		}
		if contractMsg != nil {
			s.enqueue(contractMsg)
		}
	}

	for _, res := range u.Results {
		h.sendToUser(res.UserID, MsgTradeResult, TradeResultPayload{
			ContractID: res.ContractID,
			TradeID:    res.TradeID,
			Won:        res.Won,
			Payout:     res.Payout,
			Profit:     res.Profit,
			Balance:    res.Balance,
			Timestamp:  res.Timestamp.UnixMilli(),
		})
	}
}

// pumpBalances relays ledger events to the owning user's sessions.
func (h *Hub) pumpBalances(ctx context.Context, events <-chan ledger.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			delta := ev.Amount
			switch ev.Type {
			case ledger.EventDebit, ledger.EventLock:
				delta = ev.Amount.Neg()
			}
			h.sendToUser(ev.UserID, MsgBalanceUpdate, BalanceUpdatePayload{
				Balance: ev.Snapshot.Available,
				Delta:   delta,
				Locked:  ev.Snapshot.Locked,
				Reason:  ev.Reason,
				Metadata: map[string]string{
					"event": string(ev.Type),
				},
			})
		}
	}
}

// sendToUser enqueues a message on every session identified as userID.
func (h *Hub) sendToUser(userID string, msgType string, payload any) {
	data, err := Marshal(msgType, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.user() == userID {
			s.enqueue(data)
		}
	}
}

// BroadcastStatus pushes an engine_status to every session.
func (h *Hub) BroadcastStatus(status, message string) {
	data, err := Marshal(MsgEngineStatus, EngineStatusPayload{Status: status, Message: message})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		s.enqueue(data)
	}
}

// engineStatus derives the current status from the feed state.
func (h *Hub) engineStatus() EngineStatusPayload {
	if !h.oracle.Running() || !h.clock.Running() {
		return EngineStatusPayload{Status: StatusDegraded, Message: "price feed stopped"}
	}
	return EngineStatusPayload{Status: StatusOnline}
}

// bookFor returns the book holding the given contract, if any.
func (h *Hub) bookFor(contractID string) (*book.Book, bool) {
	for _, bk := range h.books {
		if _, ok := bk.Contract(contractID); ok {
			return bk, true
		}
	}
	return nil, false
}
