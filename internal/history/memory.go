package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices and maps. The default
// backend: the engine resets on restart and so does its history.
type MemoryStore struct {
	mu      sync.RWMutex
	trades  []model.TradeRecord
	byTrade map[string]int // tradeID → index into trades
}

// NewMemoryStore creates an empty in-memory history.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTrade: make(map[string]int)}
}

func (s *MemoryStore) InsertTrade(_ context.Context, rec *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTrade[rec.TradeID]; exists {
		return fmt.Errorf("history: trade %s already recorded", rec.TradeID)
	}
	s.byTrade[rec.TradeID] = len(s.trades)
	s.trades = append(s.trades, *rec)
	return nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, tradeID string, won bool, payout, profit decimal.Decimal, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byTrade[tradeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tradeID)
	}
	rec := &s.trades[idx]
	rec.Settled = true
	rec.Won = won
	rec.Payout = payout
	rec.Profit = profit
	t := settledAt
	rec.SettledAt = &t
	return nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID != userID {
			continue
		}
		out = append(out, s.trades[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTradesByContract(_ context.Context, contractID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for _, rec := range s.trades {
		if rec.ContractID == contractID {
			out = append(out, rec)
		}
	}
	return out, nil
}
