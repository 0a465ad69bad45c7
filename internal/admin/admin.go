// Package admin exposes the operator surface over REST: product template
// management, contract abandonment and engine introspection. These
// endpoints sit behind the same router as /metrics and are not meant to
// be reachable by trading clients.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/traderush/condor-engine/internal/book"
	"github.com/traderush/condor-engine/internal/feed"
	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/model"
)

// Service holds the handles the operator endpoints act on.
type Service struct {
	registry *book.Registry
	books    map[model.Timeframe]*book.Book
	ledger   *ledger.Ledger
	oracle   *feed.Oracle
	clock    *feed.Clock
	logger   *slog.Logger
}

func NewService(registry *book.Registry, books map[model.Timeframe]*book.Book, l *ledger.Ledger, oracle *feed.Oracle, clock *feed.Clock, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		books:    books,
		ledger:   l,
		oracle:   oracle,
		clock:    clock,
		logger:   logger.With(slog.String("component", "admin")),
	}
}

// Routes mounts the admin endpoints on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/templates", s.ListTemplates)
	r.Put("/templates/{templateID}", s.UpdateTemplate)
	r.Post("/templates/{templateID}/enable", s.SetTemplateEnabled)
	r.Post("/contracts/{contractID}/abandon", s.AbandonContract)
	r.Get("/status", s.Status)
}

// ListTemplates handles GET /templates
func (s *Service) ListTemplates(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.List())
}

// UpdateTemplate handles PUT /templates/{templateID}
// Replaces the template's parameters. Live contracts keep the parameters
// they were generated with; the change applies from the next column.
func (s *Service) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")

	var t book.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.registry.Update(templateID, t); err != nil {
		switch {
		case errors.Is(err, book.ErrUnknownTemplate):
			writeError(w, err.Error(), http.StatusNotFound)
		default:
			writeError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	s.logger.Info("template updated", slog.String("template", templateID))
	updated, _ := s.registry.Get(templateID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// SetTemplateEnabled handles POST /templates/{templateID}/enable
func (s *Service) SetTemplateEnabled(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.registry.SetEnabled(templateID, req.Enabled); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	s.logger.Info("template toggled",
		slog.String("template", templateID),
		slog.Bool("enabled", req.Enabled),
	)
	w.WriteHeader(http.StatusNoContent)
}

// AbandonContract handles POST /contracts/{contractID}/abandon
// Withdraws an active contract. Refused once any position exists on it;
// a contract with money on it settles through the normal state machine.
func (s *Service) AbandonContract(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")

	for _, bk := range s.books {
		if _, ok := bk.Contract(contractID); !ok {
			continue
		}
		if err := bk.Abandon(contractID); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		s.logger.Info("contract abandoned", slog.String("contract", contractID))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeError(w, "contract not found", http.StatusNotFound)
}

// Status handles GET /status
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	type bookStatus struct {
		Timeframe model.Timeframe `json:"timeframe"`
		Contracts int             `json:"contracts"`
	}

	resp := struct {
		OracleRunning bool            `json:"oracle_running"`
		ClockRunning  bool            `json:"clock_running"`
		LastPrice     string          `json:"last_price"`
		HouseFloat    string          `json:"house_float"`
		TotalBalance  string          `json:"total_balance"`
		Books         []bookStatus    `json:"books"`
	}{
		OracleRunning: s.oracle.Running(),
		ClockRunning:  s.clock.Running(),
		LastPrice:     s.oracle.Last().Price.String(),
		HouseFloat:    s.ledger.HouseFloat().String(),
		TotalBalance:  s.ledger.TotalBalance().String(),
	}
	for _, tf := range model.AllTimeframes {
		bk, ok := s.books[tf]
		if !ok {
			continue
		}
		resp.Books = append(resp.Books, bookStatus{
			Timeframe: tf,
			Contracts: len(bk.Snapshot()),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
