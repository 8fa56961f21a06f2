// Package fx converts the secondary wallet currency into the primary one.
//
// Rate never fails: a provider error or a non-positive quote degrades to the
// last good quote, then to a neutral 1:1 rate flagged as a fallback.
package fx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/clients/dolarapi"
	"github.com/nahueldlsl/financial-os/internal/guard"
	"github.com/nahueldlsl/financial-os/internal/metrics"
)

// Rate sources.
const (
	SourceProvider = "provider"
	SourceCache    = "cache"
	SourceStale    = "stale"
	SourceFallback = "fallback"
)

// Provider returns a buy/sell quote in local currency per USD.
type Provider interface {
	Quote(ctx context.Context, currency string) (*dolarapi.Quote, error)
}

// Rate is a quote of local currency units per one primary unit.
type Rate struct {
	Buy       decimal.Decimal `json:"buy"`
	Sell      decimal.Decimal `json:"sell"`
	Source    string          `json:"source"`
	Fallback  bool            `json:"fallback"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Config holds the lookup policy.
type Config struct {
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Service looks up and caches the currency rate.
type Service struct {
	provider Provider
	cache    *cache.Cache
	timeout  time.Duration
	currency string
}

// NewService creates a rate service for the USD quote.
func NewService(provider Provider, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = dolarapi.DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Service{
		provider: provider,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		timeout:  cfg.Timeout,
		currency: "usd",
	}
}

func (s *Service) key() string     { return fmt.Sprintf("rate-%s", s.currency) }
func (s *Service) lastKey() string { return fmt.Sprintf("rate-last-%s", s.currency) }

// Rate returns a strictly positive rate.
func (s *Service) Rate(ctx context.Context) Rate {
	if r, found := s.cache.Get(s.key()); found {
		rate := r.(Rate)
		rate.Source = SourceCache
		return rate
	}

	rate, err := s.fetch(ctx)
	if err == nil {
		s.cache.Set(s.key(), rate, cache.DefaultExpiration)
		s.cache.Set(s.lastKey(), rate, cache.NoExpiration)
		return rate
	}

	if r, found := s.cache.Get(s.lastKey()); found {
		rate := r.(Rate)
		rate.Source = SourceStale
		slog.Warn("rate unavailable, using last good quote", "error", err, "sell", rate.Sell.String())
		return rate
	}

	metrics.RateFallbacks.Inc()
	slog.Warn("rate unavailable, using 1:1 fallback", "error", err)
	return Rate{
		Buy:      decimal.NewFromInt(1),
		Sell:     decimal.NewFromInt(1),
		Source:   SourceFallback,
		Fallback: true,
	}
}

func (s *Service) fetch(ctx context.Context) (Rate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q, err := s.provider.Quote(ctx, s.currency)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %v", guard.ErrRateUnavailable, err)
	}
	if !q.Sell.IsPositive() {
		return Rate{}, fmt.Errorf("%w: non-positive sell quote %s", guard.ErrRateUnavailable, q.Sell)
	}
	buy := q.Buy
	if !buy.IsPositive() {
		buy = q.Sell
	}
	updated := q.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return Rate{Buy: buy, Sell: q.Sell, Source: SourceProvider, UpdatedAt: updated}, nil
}
