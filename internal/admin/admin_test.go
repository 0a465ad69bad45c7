package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/admin"
	"github.com/traderush/condor-engine/internal/book"
	"github.com/traderush/condor-engine/internal/feed"
	"github.com/traderush/condor-engine/internal/history"
	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/margin"
	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/risk"
)

func newTestEnv(t *testing.T) (chi.Router, *book.Book, *ledger.Ledger) {
	t.Helper()
	logger := slog.Default()

	l := ledger.New(decimal.NewFromInt(1000), decimal.NewFromInt(1000000), logger)
	m := margin.NewService(l, logger)
	limiter := risk.NewStakeLimiter(decimal.NewFromInt(10000), decimal.NewFromInt(50000))
	reg, err := book.NewRegistry(book.DefaultTemplates()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	bk := book.New(model.TF1s, reg, m, limiter, history.NewMemoryStore(), time.Minute, logger)
	books := map[model.Timeframe]*book.Book{model.TF1s: bk}

	oracle := feed.NewOracle(time.Hour, decimal.NewFromInt(100000), 50, 7, logger)
	clock := feed.NewClock(oracle, 10, logger)

	svc := admin.NewService(reg, books, l, oracle, clock, logger)
	r := chi.NewRouter()
	r.Route("/admin", svc.Routes)
	return r, bk, l
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestListTemplates(t *testing.T) {
	router, _, _ := newTestEnv(t)

	w := do(t, router, "GET", "/admin/templates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var templates []book.Template
	if err := json.NewDecoder(w.Body).Decode(&templates); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(templates) != 3 {
		t.Fatalf("templates = %d, want 3", len(templates))
	}
}

func TestToggleTemplate(t *testing.T) {
	router, bk, _ := newTestEnv(t)

	w := do(t, router, "POST", "/admin/templates/iron_condor/enable", map[string]bool{"enabled": false})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}

	// A disabled template stops generating contracts.
	bk.HandleTick(context.Background(), model.PricePoint{
		Price:     decimal.NewFromInt(100000),
		Timestamp: time.Now().UTC(),
	})
	for _, c := range bk.Snapshot() {
		if c.TemplateID == "iron_condor" {
			t.Fatal("disabled template still generated a contract")
		}
	}

	w = do(t, router, "POST", "/admin/templates/nope/enable", map[string]bool{"enabled": true})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUpdateTemplate(t *testing.T) {
	router, _, _ := newTestEnv(t)

	tmpl := book.DefaultTemplates()[0]
	tmpl.Multiplier = decimal.NewFromFloat(2.5)

	w := do(t, router, "PUT", "/admin/templates/"+tmpl.ID, tmpl)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var got book.Template
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Multiplier.Equal(decimal.NewFromFloat(2.5)) {
		t.Fatalf("multiplier = %s", got.Multiplier)
	}

	// Invalid parameters are rejected with 400.
	tmpl.Multiplier = decimal.Zero
	w = do(t, router, "PUT", "/admin/templates/"+tmpl.ID, tmpl)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAbandonContract(t *testing.T) {
	router, bk, l := newTestEnv(t)

	bk.HandleTick(context.Background(), model.PricePoint{
		Price:     decimal.NewFromInt(100000),
		Timestamp: time.Now().UTC(),
	})
	snaps := bk.Snapshot()
	if len(snaps) == 0 {
		t.Fatal("no contracts generated")
	}
	empty := snaps[0].ID
	staked := snaps[1].ID

	l.Initialize("u1")
	if _, err := bk.PlaceTrade(context.Background(), "u1", staked, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("place trade: %v", err)
	}

	w := do(t, router, "POST", "/admin/contracts/"+empty+"/abandon", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	// A contract with positions cannot be withdrawn.
	w = do(t, router, "POST", "/admin/contracts/"+staked+"/abandon", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}

	w = do(t, router, "POST", "/admin/contracts/nope/abandon", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	router, _, _ := newTestEnv(t)

	w := do(t, router, "GET", "/admin/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		OracleRunning bool   `json:"oracle_running"`
		TotalBalance  string `json:"total_balance"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OracleRunning {
		t.Fatal("oracle reported running before Start")
	}
	if resp.TotalBalance != "1000000" {
		t.Fatalf("total balance = %s", resp.TotalBalance)
	}
}
