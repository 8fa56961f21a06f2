package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/nahueldlsl/financial-os/internal/clients/dolarapi"
)

type fakeProvider struct {
	quote *dolarapi.Quote
	err   error
	delay time.Duration
	calls int
}

func (f *fakeProvider) Quote(ctx context.Context, _ string) (*dolarapi.Quote, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.quote, f.err
}

func quote(buy, sell string) *dolarapi.Quote {
	return &dolarapi.Quote{Buy: decimal.RequireFromString(buy), Sell: decimal.RequireFromString(sell)}
}

func TestRate_FetchesAndCaches(t *testing.T) {
	p := &fakeProvider{quote: quote("38.65", "41.15")}
	s := NewService(p, Config{})

	r := s.Rate(context.Background())
	assert.Equal(t, SourceProvider, r.Source)
	assert.True(t, r.Sell.Equal(decimal.RequireFromString("41.15")))
	assert.False(t, r.Fallback)

	r = s.Rate(context.Background())
	assert.Equal(t, SourceCache, r.Source)
	assert.Equal(t, 1, p.calls)
}

func TestRate_ProviderErrorFallsBackToOne(t *testing.T) {
	s := NewService(&fakeProvider{err: errors.New("dns")}, Config{})
	r := s.Rate(context.Background())
	assert.True(t, r.Fallback)
	assert.Equal(t, SourceFallback, r.Source)
	assert.True(t, r.Sell.Equal(decimal.NewFromInt(1)))
}

func TestRate_NonPositiveQuoteFallsBack(t *testing.T) {
	for _, sell := range []string{"0", "-3"} {
		s := NewService(&fakeProvider{quote: quote("0", sell)}, Config{})
		r := s.Rate(context.Background())
		assert.True(t, r.Fallback, "sell=%s", sell)
		assert.True(t, r.Sell.IsPositive())
	}
}

func TestRate_TimeoutFallsBack(t *testing.T) {
	p := &fakeProvider{quote: quote("38", "41"), delay: time.Second}
	s := NewService(p, Config{Timeout: 10 * time.Millisecond})

	start := time.Now()
	r := s.Rate(context.Background())
	assert.True(t, r.Fallback)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRate_UsesLastGoodQuoteAfterExpiry(t *testing.T) {
	p := &fakeProvider{quote: quote("38", "41")}
	s := NewService(p, Config{CacheTTL: time.Millisecond})
	s.Rate(context.Background())

	time.Sleep(5 * time.Millisecond)
	p.quote, p.err = nil, errors.New("down")

	r := s.Rate(context.Background())
	assert.Equal(t, SourceStale, r.Source)
	assert.False(t, r.Fallback)
	assert.True(t, r.Sell.Equal(decimal.NewFromInt(41)))
}
