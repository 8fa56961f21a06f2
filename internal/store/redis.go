package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nahueldlsl/financial-os/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for quotes. Everything else passes through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

// GetQuotes serves cached quotes from Redis and loads misses from the
// primary. A Redis failure degrades to the primary.
func (s *CachedStore) GetQuotes(ctx context.Context, tickers []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(tickers))
	if len(tickers) == 0 {
		return out, nil
	}

	keys := make([]string, len(tickers))
	for i, t := range tickers {
		keys[i] = quoteKey(t)
	}

	var misses []string
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("redis quote lookup failed", "error", err)
		misses = tickers
	} else {
		for i, v := range vals {
			str, ok := v.(string)
			var q model.Quote
			if !ok || json.Unmarshal([]byte(str), &q) != nil {
				misses = append(misses, tickers[i])
				continue
			}
			out[q.Ticker] = q
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	// Cache miss: read from primary.
	loaded, err := s.Store.GetQuotes(ctx, misses)
	if err != nil {
		return nil, err
	}
	quotes := make([]model.Quote, 0, len(loaded))
	for t, q := range loaded {
		out[t] = q
		quotes = append(quotes, q)
	}
	s.cacheQuotes(ctx, quotes)
	return out, nil
}

// --- Write-through ---

// PutQuotes writes to the primary and refreshes the cache.
func (s *CachedStore) PutQuotes(ctx context.Context, quotes []model.Quote) error {
	if err := s.Store.PutQuotes(ctx, quotes); err != nil {
		return err
	}
	s.cacheQuotes(ctx, quotes)
	return nil
}

// InvalidateQuotes drops cached quotes. Call it after the transaction that
// removed the tickers has committed.
func (s *CachedStore) InvalidateQuotes(ctx context.Context, tickers ...string) {
	if len(tickers) == 0 {
		return
	}
	keys := make([]string, len(tickers))
	for i, t := range tickers {
		keys[i] = quoteKey(t)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("redis quote invalidation failed", "tickers", tickers, "error", err)
	}
}

// --- Cache helpers ---

func (s *CachedStore) cacheQuotes(ctx context.Context, quotes []model.Quote) {
	if len(quotes) == 0 {
		return
	}
	pipe := s.rdb.Pipeline()
	for _, q := range quotes {
		if data, err := json.Marshal(q); err == nil {
			pipe.Set(ctx, quoteKey(q.Ticker), data, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis quote cache write failed", "error", err)
	}
}

func quoteKey(ticker string) string { return fmt.Sprintf("quote:%s", ticker) }
