// Package pricecache serves last prices in cents with a freshness window and
// a batched refill against the market-data provider.
//
// A ticker the provider cannot price falls back to its previous cached
// value, or zero, flagged as a fallback. One bad symbol never fails the
// batch.
package pricecache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/nahueldlsl/financial-os/internal/guard"
	"github.com/nahueldlsl/financial-os/internal/metrics"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/money"
	"github.com/nahueldlsl/financial-os/internal/store"
)

const (
	// DefaultTTL is the freshness window of a cached price.
	DefaultTTL = 15 * time.Minute

	// DefaultTimeout bounds one provider refill.
	DefaultTimeout = 5 * time.Second
)

// Source tells where a price came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceProvider Source = "provider"
	SourceFallback Source = "fallback"
)

// Price is one ticker's price in cents.
type Price struct {
	Cents     int64     `json:"cents"`
	FetchedAt time.Time `json:"fetched_at"`
	Source    Source    `json:"source"`
}

// Fallback reports whether the price is a stale or zero stand-in.
func (p Price) Fallback() bool { return p.Source == SourceFallback }

// Provider fetches last prices for a batch of tickers. Tickers it cannot
// price are absent from the result.
type Provider interface {
	LastClose(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error)
}

// Cache is the price cache.
type Cache struct {
	quotes   store.QuoteStore
	provider Provider
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithTimeout sets the provider timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Cache) { c.timeout = timeout }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a price cache persisting quotes in qs.
func New(qs store.QuoteStore, provider Provider, opts ...Option) *Cache {
	c := &Cache{
		quotes:   qs,
		provider: provider,
		ttl:      DefaultTTL,
		timeout:  DefaultTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prices returns a price for every requested ticker. Fresh cached values are
// returned without an external call; stale or missing tickers are refilled
// in one provider call.
func (c *Cache) Prices(ctx context.Context, tickers []string) map[string]Price {
	tickers = dedupe(tickers)
	out := make(map[string]Price, len(tickers))
	if len(tickers) == 0 {
		return out
	}

	now := c.now()
	cached, err := c.quotes.GetQuotes(ctx, tickers)
	if err != nil {
		slog.Warn("price cache read failed", "error", err)
		cached = map[string]model.Quote{}
	}

	var stale []string
	for _, t := range tickers {
		q, ok := cached[t]
		if ok && now.Sub(q.FetchedAt) < c.ttl {
			out[t] = Price{Cents: q.PriceCents, FetchedAt: q.FetchedAt, Source: SourceCache}
			metrics.PriceLookups.WithLabelValues(string(SourceCache)).Inc()
			continue
		}
		stale = append(stale, t)
	}
	if len(stale) == 0 {
		return out
	}

	fetched := c.refill(ctx, stale, now)
	for _, t := range stale {
		if q, ok := fetched[t]; ok {
			out[t] = Price{Cents: q.PriceCents, FetchedAt: q.FetchedAt, Source: SourceProvider}
			metrics.PriceLookups.WithLabelValues(string(SourceProvider)).Inc()
			continue
		}
		p := Price{Source: SourceFallback}
		if old, ok := cached[t]; ok {
			p.Cents, p.FetchedAt = old.PriceCents, old.FetchedAt
		}
		out[t] = p
		metrics.PriceLookups.WithLabelValues(string(SourceFallback)).Inc()
		slog.Warn("price unavailable",
			"ticker", t,
			"error", guard.ErrPriceUnavailable,
			"fallback_cents", p.Cents,
		)
	}
	return out
}

// refill fetches stale tickers once per distinct batch, even under
// concurrent callers, and persists the successful quotes.
func (c *Cache) refill(ctx context.Context, stale []string, now time.Time) map[string]model.Quote {
	key := strings.Join(stale, ",")
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		prices, err := c.provider.LastClose(fetchCtx, stale)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", guard.ErrPriceUnavailable, err)
		}

		quotes := make(map[string]model.Quote, len(prices))
		batch := make([]model.Quote, 0, len(prices))
		for _, t := range stale {
			d, ok := prices[t]
			if !ok || !d.IsPositive() {
				continue
			}
			q := model.Quote{Ticker: t, PriceCents: money.TruncCents(d), FetchedAt: now}
			quotes[t] = q
			batch = append(batch, q)
		}
		if err := c.quotes.PutQuotes(ctx, batch); err != nil {
			slog.Warn("price cache write failed", "error", err)
		}
		slog.Info("price refresh",
			"requested", len(stale),
			"priced", len(batch),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return quotes, nil
	})
	if err != nil {
		slog.Warn("price refresh failed", "tickers", key, "error", err)
		return nil
	}
	return v.(map[string]model.Quote)
}

func dedupe(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
