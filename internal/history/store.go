// Package history records filled trades and their settlement outcomes.
// It lives outside the engine core: the hot tick path only appends to it,
// and nothing in settlement reads it back. Implementations include
// in-memory (the default; the engine is memory-resident and resets on
// restart), PostgreSQL (optional durable archive), and a Redis
// read-through cache wrapper.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/model"
)

// ErrNotFound is returned when a trade record does not exist.
var ErrNotFound = errors.New("history: trade not found")

// Store is the trade-history interface.
type Store interface {
	// InsertTrade appends a record at fill time.
	InsertTrade(ctx context.Context, rec *model.TradeRecord) error

	// MarkSettled completes a record with its settlement outcome.
	MarkSettled(ctx context.Context, tradeID string, won bool, payout, profit decimal.Decimal, settledAt time.Time) error

	// GetTradesByUser returns the user's records, newest first, capped at
	// limit (0 = no cap).
	GetTradesByUser(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error)

	// GetTradesByContract returns all records for one contract.
	GetTradesByContract(ctx context.Context, contractID string) ([]model.TradeRecord, error)
}
