package client_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/book"
	"github.com/traderush/condor-engine/internal/client"
	"github.com/traderush/condor-engine/internal/feed"
	"github.com/traderush/condor-engine/internal/history"
	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/margin"
	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/risk"
	"github.com/traderush/condor-engine/internal/ws"
)

func startEngine(t *testing.T) (*httptest.Server, *book.Book) {
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

	bk := book.New(model.TF1s, reg, m, limiter, history.NewMemoryStore(), time.Minute, logger)
	books := map[model.Timeframe]*book.Book{model.TF1s: bk}

	oracle := feed.NewOracle(time.Hour, decimal.NewFromInt(100), 1, 7, logger)
	clock := feed.NewClock(oracle, 100, logger)
	oracle.Start()
	clock.Start()
	t.Cleanup(func() {
		clock.Stop()
		oracle.Stop()
	})

	hub := ws.NewHub(l, books, clock, oracle, history.NewMemoryStore(), time.Hour, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, bk
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func waitState(t *testing.T, c *client.Client, want client.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.State(), want)
}

func TestClientLifecycle(t *testing.T) {
	srv, bk := startEngine(t)

	base := time.Now().UTC()
	bk.HandleTick(context.Background(), model.PricePoint{Price: decimal.NewFromInt(100), Timestamp: base})

	welcomed := make(chan ws.WelcomePayload, 1)
	snapshots := make(chan ws.SnapshotPayload, 1)
	confirmed := make(chan ws.TradeConfirmedPayload, 1)
	c := client.New(wsURL(srv), "bob", client.Handlers{
		OnWelcome:   func(p ws.WelcomePayload) { welcomed <- p },
		OnSnapshot:  func(p ws.SnapshotPayload) { snapshots <- p },
		OnConfirmed: func(p ws.TradeConfirmedPayload) { confirmed <- p },
	}, slog.Default())

	// Queued before connect: replayed after the welcome.
	if err := c.Subscribe("1s"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case w := <-welcomed:
		if w.Username != "bob" {
			t.Fatalf("username = %q", w.Username)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no welcome")
	}

	var snapshot ws.SnapshotPayload
	select {
	case snapshot = <-snapshots:
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot")
	}
	if len(snapshot.Contracts) != 1 {
		t.Fatalf("snapshot contracts = %d", len(snapshot.Contracts))
	}
	waitState(t, c, client.StateLive)

	if err := c.PlaceTrade(snapshot.Contracts[0].ID, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("place trade: %v", err)
	}
	select {
	case conf := <-confirmed:
		if !conf.Balance.Equal(decimal.NewFromInt(900)) {
			t.Fatalf("balance = %s, want 900", conf.Balance)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no trade confirmation")
	}

	// Explicit disconnect ends the reconnect loop in the idle state.
	c.Disconnect()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after disconnect")
	}
	if c.State() != client.StateIdle {
		t.Fatalf("state = %q, want idle", c.State())
	}
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	srv, _ := startEngine(t)

	welcomes := make(chan ws.WelcomePayload, 4)
	c := client.New(wsURL(srv), "bob", client.Handlers{
		OnWelcome: func(p ws.WelcomePayload) { welcomes <- p },
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-welcomes:
	case <-time.After(3 * time.Second):
		t.Fatal("no initial welcome")
	}

	// Kill the socket from the server side; the client must come back on
	// its own and complete a fresh handshake.
	srv.CloseClientConnections()

	select {
	case <-welcomes:
	case <-time.After(5 * time.Second):
		t.Fatal("no welcome after reconnect")
	}
}
