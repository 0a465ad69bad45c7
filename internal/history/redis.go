package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/traderush/condor-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// per-user history query, the one the positions_snapshot path hits on
// every get_positions. Writes go to the primary and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) InsertTrade(ctx context.Context, rec *model.TradeRecord) error {
	if err := s.primary.InsertTrade(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(rec.UserID))
	return nil
}

func (s *CachedStore) MarkSettled(ctx context.Context, tradeID string, won bool, payout, profit decimal.Decimal, settledAt time.Time) error {
	if err := s.primary.MarkSettled(ctx, tradeID, won, payout, profit, settledAt); err != nil {
		return err
	}
	// The record's owner is unknown here; flush the trade→user mapping if
	// cached, otherwise let the TTL expire the stale entry.
	if userID, err := s.rdb.Get(ctx, tradeKey(tradeID)).Result(); err == nil {
		s.rdb.Del(ctx, userKey(userID))
	}
	return nil
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	// Only cache the uncapped query; capped reads slice the cached set.
	data, err := s.rdb.Get(ctx, userKey(userID)).Bytes()
	if err == nil {
		var recs []model.TradeRecord
		if json.Unmarshal(data, &recs) == nil {
			if limit > 0 && len(recs) > limit {
				recs = recs[:limit]
			}
			return recs, nil
		}
	}

	recs, err := s.primary.GetTradesByUser(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(recs); err == nil {
		s.rdb.Set(ctx, userKey(userID), data, s.ttl)
		for _, rec := range recs {
			s.rdb.Set(ctx, tradeKey(rec.TradeID), rec.UserID, s.ttl)
		}
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *CachedStore) GetTradesByContract(ctx context.Context, contractID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByContract(ctx, contractID)
}

func userKey(userID string) string   { return fmt.Sprintf("history:user:%s", userID) }
func tradeKey(tradeID string) string { return fmt.Sprintf("history:trade:%s", tradeID) }
