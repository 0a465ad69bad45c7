package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as a durable archive.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the trades table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trades (
			trade_id      TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			contract_id   TEXT NOT NULL,
			timeframe     TEXT NOT NULL,
			amount        NUMERIC NOT NULL,
			price_at_fill NUMERIC NOT NULL,
			placed_at     TIMESTAMPTZ NOT NULL,
			settled       BOOLEAN NOT NULL DEFAULT FALSE,
			won           BOOLEAN NOT NULL DEFAULT FALSE,
			payout        NUMERIC NOT NULL DEFAULT 0,
			profit        NUMERIC NOT NULL DEFAULT 0,
			settled_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS trades_user_idx ON trades (user_id, placed_at DESC);
		CREATE INDEX IF NOT EXISTS trades_contract_idx ON trades (contract_id);
	`)
	return err
}

func (s *PostgresStore) InsertTrade(ctx context.Context, rec *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (trade_id, user_id, contract_id, timeframe, amount, price_at_fill, placed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		rec.TradeID, rec.UserID, rec.ContractID, string(rec.Timeframe),
		rec.Amount.String(), rec.PriceAtFill.String(), rec.PlacedAt,
	)
	return err
}

func (s *PostgresStore) MarkSettled(ctx context.Context, tradeID string, won bool, payout, profit decimal.Decimal, settledAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET settled = TRUE, won = $2, payout = $3::NUMERIC, profit = $4::NUMERIC, settled_at = $5
		 WHERE trade_id = $1`,
		tradeID, won, payout.String(), profit.String(), settledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tradeID)
	}
	return nil
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	q := `SELECT trade_id, user_id, contract_id, timeframe,
	             amount::TEXT, price_at_fill::TEXT, placed_at,
	             settled, won, payout::TEXT, profit::TEXT, settled_at
	      FROM trades WHERE user_id = $1 ORDER BY placed_at DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByContract(ctx context.Context, contractID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, user_id, contract_id, timeframe,
		        amount::TEXT, price_at_fill::TEXT, placed_at,
		        settled, won, payout::TEXT, profit::TEXT, settled_at
		 FROM trades WHERE contract_id = $1 ORDER BY placed_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	var out []model.TradeRecord
	for rows.Next() {
		var rec model.TradeRecord
		var tf, amountS, priceS, payoutS, profitS string
		var settledAt *time.Time

		if err := rows.Scan(&rec.TradeID, &rec.UserID, &rec.ContractID, &tf,
			&amountS, &priceS, &rec.PlacedAt,
			&rec.Settled, &rec.Won, &payoutS, &profitS, &settledAt); err != nil {
			return nil, err
		}

		rec.Timeframe = model.Timeframe(tf)
		var err error
		if rec.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("history: trade %s amount: %w", rec.TradeID, err)
		}
		if rec.PriceAtFill, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("history: trade %s price_at_fill: %w", rec.TradeID, err)
		}
		if rec.Payout, err = decimal.NewFromString(payoutS); err != nil {
			return nil, fmt.Errorf("history: trade %s payout: %w", rec.TradeID, err)
		}
		if rec.Profit, err = decimal.NewFromString(profitS); err != nil {
			return nil, fmt.Errorf("history: trade %s profit: %w", rec.TradeID, err)
		}
		rec.SettledAt = settledAt

		out = append(out, rec)
	}
	return out, rows.Err()
}
