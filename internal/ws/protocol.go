// Package ws implements the engine's client-facing protocol: a persistent
// websocket per client carrying typed JSON envelopes, a hub that fans
// price ticks and contract updates out to subscribed sessions, and
// per-user routing for trade results and balance updates.
package ws

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/model"
)

// Client → server message types.
const (
	MsgHello        = "hello"
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgPlaceTrade   = "place_trade"
	MsgPong         = "pong"
	MsgGetPositions = "get_positions"
	MsgDisconnect   = "disconnect"
)

// Server → client message types.
const (
	MsgWelcome           = "welcome"
	MsgSnapshot          = "snapshot"
	MsgPriceTick         = "price_tick"
	MsgContractUpdate    = "contract_update"
	MsgTradeConfirmed    = "trade_confirmed"
	MsgTradeResult       = "trade_result"
	MsgBalanceUpdate     = "balance_update"
	MsgPositionsSnapshot = "positions_snapshot"
	MsgEngineStatus      = "engine_status"
	MsgHeartbeat         = "heartbeat"
	MsgAck               = "ack"
	MsgError             = "error"
)

// Engine status values carried by engine_status.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Envelope is the wire frame for every message in both directions. The
// timestamp is the send time in unix milliseconds, not an ordering key;
// ordering is implicit in delivery order per connection.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Marshal wraps a payload into an envelope and encodes it.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// HelloPayload opens the handshake. The username is optional; the server
// assigns a guest identity when absent.
type HelloPayload struct {
	Username string `json:"username,omitempty"`
}

// SubscribePayload requests pushes for one timeframe. The same payload
// shape serves unsubscribe.
type SubscribePayload struct {
	Timeframe string `json:"timeframe"`
}

// PlaceTradePayload stakes an amount on a contract.
type PlaceTradePayload struct {
	ContractID string          `json:"contractId"`
	Amount     decimal.Decimal `json:"amount"`
}

// PongPayload answers a heartbeat.
type PongPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// WelcomePayload completes the handshake.
type WelcomePayload struct {
	UserID     string            `json:"userId"`
	Username   string            `json:"username"`
	Balance    decimal.Decimal   `json:"balance"`
	Locked     decimal.Decimal   `json:"locked"`
	Timeframes []model.Timeframe `json:"timeframes"`
}

// SnapshotPayload answers a subscribe with the current market state.
type SnapshotPayload struct {
	Timeframe    model.Timeframe          `json:"timeframe"`
	PriceHistory []model.PricePoint       `json:"priceHistory"`
	Contracts    []model.ContractSnapshot `json:"contracts"`
}

// ContractUpdatePayload pushes changed contracts for a timeframe.
type ContractUpdatePayload struct {
	Timeframe model.Timeframe          `json:"timeframe"`
	Contracts []model.ContractSnapshot `json:"contracts"`
}

// TradeConfirmedPayload acknowledges a successful fill.
type TradeConfirmedPayload struct {
	ContractID  string          `json:"contractId"`
	Amount      decimal.Decimal `json:"amount"`
	TradeID     string          `json:"tradeId"`
	Balance     decimal.Decimal `json:"balance"`
	PriceAtFill decimal.Decimal `json:"priceAtFill"`
	Timestamp   int64           `json:"timestamp"`
}

// TradeResultPayload reports one settled position.
type TradeResultPayload struct {
	ContractID string          `json:"contractId"`
	TradeID    string          `json:"tradeId"`
	Won        bool            `json:"won"`
	Payout     decimal.Decimal `json:"payout"`
	Profit     decimal.Decimal `json:"profit"`
	Balance    decimal.Decimal `json:"balance"`
	Timestamp  int64           `json:"timestamp"`
}

// BalanceUpdatePayload pushes a ledger mutation to its owner.
type BalanceUpdatePayload struct {
	Balance  decimal.Decimal   `json:"balance"`
	Delta    decimal.Decimal   `json:"delta"`
	Locked   decimal.Decimal   `json:"locked"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PositionsSnapshotPayload answers get_positions.
type PositionsSnapshotPayload struct {
	Balance       decimal.Decimal     `json:"balance"`
	Locked        decimal.Decimal     `json:"locked"`
	OpenPositions []model.Position    `json:"openPositions"`
	History       []model.TradeRecord `json:"history"`
}

// EngineStatusPayload reports feed health. A degraded engine keeps its
// sockets open; the UI is expected to disable trade submission.
type EngineStatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HeartbeatPayload is the application-level liveness probe.
type HeartbeatPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// AckPayload reports the outcome of a client command.
type AckPayload struct {
	Command string `json:"command"`
	Ok      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload reports a protocol-level failure without closing the socket.
type ErrorPayload struct {
	Message string `json:"message"`
}
