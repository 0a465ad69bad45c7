package ws_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/book"
	"github.com/traderush/condor-engine/internal/feed"
	"github.com/traderush/condor-engine/internal/history"
	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/margin"
	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/risk"
	"github.com/traderush/condor-engine/internal/ws"
)

type testEngine struct {
	hub    *ws.Hub
	book   *book.Book
	ledger *ledger.Ledger
	oracle *feed.Oracle
	server *httptest.Server
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWithHeartbeat(t, time.Hour)
}

func newTestEngineWithHeartbeat(t *testing.T, heartbeat time.Duration) *testEngine {
	t.Helper()
	logger := slog.Default()

	l := ledger.New(decimal.NewFromInt(1000), decimal.NewFromInt(1000000), logger)
	m := margin.NewService(l, logger)
	limiter := risk.NewStakeLimiter(decimal.NewFromInt(10000), decimal.NewFromInt(50000))
	reg, err := book.NewRegistry(book.Template{
		ID:            "hit",
		Name:          "Hit",
		Mode:          book.TriggerOnEntry,
		TriggerWins:   true,
		OffsetPct:     decimal.NewFromFloat(0.10),
		WidthPct:      decimal.NewFromFloat(0.05),
		Multiplier:    decimal.NewFromInt(2),
		WindowColumns: 3,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	store := history.NewMemoryStore()
	bk := book.New(model.TF1s, reg, m, limiter, store, time.Minute, logger)
	books := map[model.Timeframe]*book.Book{model.TF1s: bk}

	oracle := feed.NewOracle(time.Hour, decimal.NewFromInt(100), 1, 7, logger)
	clock := feed.NewClock(oracle, 100, logger)
	oracle.Start()
	clock.Start()
	t.Cleanup(func() {
		clock.Stop()
		oracle.Stop()
	})

	hub := ws.NewHub(l, books, clock, oracle, store, heartbeat, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEngine{hub: hub, book: bk, ledger: l, oracle: oracle, server: srv}
}

func dial(t *testing.T, e *testEngine) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := ws.Marshal(msgType, payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", msgType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// waitFor reads envelopes until one of the wanted type arrives, skipping
// unrelated pushes (heartbeats, balance updates from other flows).
func waitFor(t *testing.T, conn *websocket.Conn, msgType string) ws.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		if env.Type == msgType {
			return env
		}
	}
}

func decode[T any](t *testing.T, env ws.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestHandshake(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	send(t, conn, ws.MsgHello, ws.HelloPayload{Username: "alice"})

	welcome := decode[ws.WelcomePayload](t, waitFor(t, conn, ws.MsgWelcome))
	if welcome.UserID == "" {
		t.Fatal("welcome carries no user id")
	}
	if welcome.Username != "alice" {
		t.Fatalf("username = %q, want alice", welcome.Username)
	}
	if !welcome.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("balance = %s, want 1000", welcome.Balance)
	}
	if len(welcome.Timeframes) == 0 {
		t.Fatal("welcome lists no timeframes")
	}

	status := decode[ws.EngineStatusPayload](t, waitFor(t, conn, ws.MsgEngineStatus))
	if status.Status != ws.StatusOnline {
		t.Fatalf("status = %q, want online", status.Status)
	}
}

func TestCommandBeforeHelloRejected(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	send(t, conn, ws.MsgSubscribe, ws.SubscribePayload{Timeframe: "1s"})

	ack := decode[ws.AckPayload](t, waitFor(t, conn, ws.MsgAck))
	if ack.Ok {
		t.Fatal("subscribe before hello must fail")
	}
	if ack.Command != ws.MsgSubscribe {
		t.Fatalf("ack.Command = %q", ack.Command)
	}
}

func TestMalformedMessageKeepsConnectionAlive(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, conn, ws.MsgError)

	// The socket survived: the handshake still works.
	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	waitFor(t, conn, ws.MsgWelcome)
}

func TestSubscribeDeliversSnapshotAndTicks(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	base := time.Now().UTC()
	e.book.HandleTick(context.Background(), model.PricePoint{Price: decimal.NewFromInt(100), Timestamp: base})

	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	waitFor(t, conn, ws.MsgWelcome)

	send(t, conn, ws.MsgSubscribe, ws.SubscribePayload{Timeframe: "1s"})
	snapshot := decode[ws.SnapshotPayload](t, waitFor(t, conn, ws.MsgSnapshot))
	if snapshot.Timeframe != model.TF1s {
		t.Fatalf("snapshot timeframe = %q", snapshot.Timeframe)
	}
	if len(snapshot.Contracts) != 1 {
		t.Fatalf("snapshot contracts = %d, want 1", len(snapshot.Contracts))
	}

	// The next tick is pushed, then the contract changes it caused.
	e.book.HandleTick(context.Background(), model.PricePoint{Price: decimal.NewFromInt(110), Timestamp: base.Add(time.Second)})

	tick := decode[model.PricePoint](t, waitFor(t, conn, ws.MsgPriceTick))
	if !tick.Price.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("tick price = %s", tick.Price)
	}
	update := decode[ws.ContractUpdatePayload](t, waitFor(t, conn, ws.MsgContractUpdate))
	if len(update.Contracts) == 0 {
		t.Fatal("contract update is empty")
	}
}

func TestTradeLifecycleOverSocket(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	base := time.Now().UTC()
	e.book.HandleTick(context.Background(), model.PricePoint{Price: decimal.NewFromInt(100), Timestamp: base})

	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	welcome := decode[ws.WelcomePayload](t, waitFor(t, conn, ws.MsgWelcome))

	send(t, conn, ws.MsgSubscribe, ws.SubscribePayload{Timeframe: "1s"})
	snapshot := decode[ws.SnapshotPayload](t, waitFor(t, conn, ws.MsgSnapshot))
	contractID := snapshot.Contracts[0].ID

	send(t, conn, ws.MsgPlaceTrade, ws.PlaceTradePayload{
		ContractID: contractID,
		Amount:     decimal.NewFromInt(100),
	})
	confirmed := decode[ws.TradeConfirmedPayload](t, waitFor(t, conn, ws.MsgTradeConfirmed))
	if confirmed.ContractID != contractID {
		t.Fatalf("confirmed contract = %q", confirmed.ContractID)
	}
	if !confirmed.Balance.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("balance after fill = %s, want 900", confirmed.Balance)
	}

	// Price enters the strike range: the contract triggers and the result
	// is routed back to this user.
	e.book.HandleTick(context.Background(), model.PricePoint{Price: decimal.NewFromInt(110), Timestamp: base.Add(time.Second)})

	result := decode[ws.TradeResultPayload](t, waitFor(t, conn, ws.MsgTradeResult))
	if !result.Won {
		t.Fatal("expected a winning result")
	}
	if !result.Payout.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("payout = %s, want 200", result.Payout)
	}
	if result.TradeID != confirmed.TradeID {
		t.Fatalf("result trade = %q, confirmed trade = %q", result.TradeID, confirmed.TradeID)
	}

	if got := e.ledger.GetAvailable(welcome.UserID); !got.Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("final balance = %s, want 1100", got)
	}

	// The positions snapshot reflects the settled trade.
	send(t, conn, ws.MsgGetPositions, nil)
	positions := decode[ws.PositionsSnapshotPayload](t, waitFor(t, conn, ws.MsgPositionsSnapshot))
	if len(positions.OpenPositions) != 0 {
		t.Fatalf("open positions = %d, want 0", len(positions.OpenPositions))
	}
	if len(positions.History) != 1 {
		t.Fatalf("history = %d, want 1", len(positions.History))
	}
	if !positions.History[0].Won {
		t.Fatal("history entry not marked won")
	}
}

func TestTradeOnUnknownContractAcked(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	waitFor(t, conn, ws.MsgWelcome)

	send(t, conn, ws.MsgPlaceTrade, ws.PlaceTradePayload{
		ContractID: "nope",
		Amount:     decimal.NewFromInt(10),
	})
	ack := decode[ws.AckPayload](t, waitFor(t, conn, ws.MsgAck))
	if ack.Ok {
		t.Fatal("trade on unknown contract must fail")
	}
}

func TestFeedStopBroadcastsDegradedStatus(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	waitFor(t, conn, ws.MsgWelcome)
	status := decode[ws.EngineStatusPayload](t, waitFor(t, conn, ws.MsgEngineStatus))
	if status.Status != ws.StatusOnline {
		t.Fatalf("status = %q, want online", status.Status)
	}

	// Stopping the feed degrades the engine; connected clients are told
	// without reconnecting.
	e.oracle.Stop()

	status = decode[ws.EngineStatusPayload](t, waitFor(t, conn, ws.MsgEngineStatus))
	if status.Status != ws.StatusDegraded {
		t.Fatalf("status = %q, want degraded", status.Status)
	}
	if status.Message == "" {
		t.Fatal("degraded status carries no message")
	}
}

func TestHeartbeatPongKeepsSessionAlive(t *testing.T) {
	e := newTestEngineWithHeartbeat(t, 50*time.Millisecond)
	conn := dial(t, e)

	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	waitFor(t, conn, ws.MsgWelcome)

	// Answer enough heartbeats to outlive the missed-pong cutoff.
	for i := 0; i < 8; i++ {
		hb := waitFor(t, conn, ws.MsgHeartbeat)
		beat := decode[ws.HeartbeatPayload](t, hb)
		if beat.ServerTime == 0 {
			t.Fatal("heartbeat carries no server time")
		}
		send(t, conn, ws.MsgPong, ws.PongPayload{Timestamp: hb.Timestamp})
	}

	// The session is still live and serving commands.
	send(t, conn, ws.MsgGetPositions, nil)
	waitFor(t, conn, ws.MsgPositionsSnapshot)
}

func TestSilentClientDisconnected(t *testing.T) {
	e := newTestEngineWithHeartbeat(t, 50*time.Millisecond)
	conn := dial(t, e)

	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	waitFor(t, conn, ws.MsgWelcome)

	// Never answer a heartbeat; the server gives up on the session.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				t.Fatal("session outlived the missed-pong cutoff")
			}
			return
		}
	}
}

func TestUnsubscribeStopsPushes(t *testing.T) {
	e := newTestEngine(t)
	conn := dial(t, e)

	base := time.Now().UTC()
	e.book.HandleTick(context.Background(), model.PricePoint{Price: decimal.NewFromInt(100), Timestamp: base})

	send(t, conn, ws.MsgHello, ws.HelloPayload{})
	waitFor(t, conn, ws.MsgWelcome)
	send(t, conn, ws.MsgSubscribe, ws.SubscribePayload{Timeframe: "1s"})
	waitFor(t, conn, ws.MsgSnapshot)

	send(t, conn, ws.MsgUnsubscribe, ws.SubscribePayload{Timeframe: "1s"})
	ack := decode[ws.AckPayload](t, waitFor(t, conn, ws.MsgAck))
	if !ack.Ok {
		t.Fatalf("unsubscribe failed: %s", ack.Error)
	}

	e.book.HandleTick(context.Background(), model.PricePoint{Price: decimal.NewFromInt(101), Timestamp: base.Add(time.Second)})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected push after unsubscribe: %s", data)
	}
}
