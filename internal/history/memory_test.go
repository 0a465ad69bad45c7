package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traderush/condor-engine/internal/history"
	"github.com/traderush/condor-engine/internal/model"
)

func record(tradeID, userID, contractID string) *model.TradeRecord {
	return &model.TradeRecord{
		TradeID:     tradeID,
		UserID:      userID,
		ContractID:  contractID,
		Timeframe:   model.TF1s,
		Amount:      decimal.NewFromInt(100),
		PriceAtFill: decimal.NewFromInt(100000),
		PlacedAt:    time.Now().UTC(),
	}
}

func TestInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemoryStore()

	require.NoError(t, s.InsertTrade(ctx, record("t1", "u1", "c1")))
	require.NoError(t, s.InsertTrade(ctx, record("t2", "u1", "c2")))
	require.NoError(t, s.InsertTrade(ctx, record("t3", "u2", "c1")))

	// Duplicate trade IDs are rejected.
	assert.Error(t, s.InsertTrade(ctx, record("t1", "u1", "c3")))

	byUser, err := s.GetTradesByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "t2", byUser[0].TradeID, "newest first")

	limited, err := s.GetTradesByUser(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byContract, err := s.GetTradesByContract(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, byContract, 2)
}

func TestMarkSettled(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemoryStore()
	require.NoError(t, s.InsertTrade(ctx, record("t1", "u1", "c1")))

	settledAt := time.Now().UTC()
	err := s.MarkSettled(ctx, "t1", true, decimal.NewFromInt(200), decimal.NewFromInt(100), settledAt)
	require.NoError(t, err)

	recs, err := s.GetTradesByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Settled)
	assert.True(t, recs[0].Won)
	assert.True(t, recs[0].Payout.Equal(decimal.NewFromInt(200)))
	require.NotNil(t, recs[0].SettledAt)
	assert.True(t, recs[0].SettledAt.Equal(settledAt))

	assert.ErrorIs(t, s.MarkSettled(ctx, "nope", false, decimal.Zero, decimal.Zero, settledAt), history.ErrNotFound)
}
