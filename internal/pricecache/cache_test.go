package pricecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/store"
)

type fakeProvider struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	calls  [][]string
}

func (f *fakeProvider) LastClose(_ context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), tickers...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal)
	for _, t := range tickers {
		if p, ok := f.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T, tickers ...string) (*store.MemoryStore, *fakeProvider, *clock, *Cache) {
	t.Helper()
	s := store.NewMemoryStore()
	for _, tk := range tickers {
		require.NoError(t, s.PutPosition(context.Background(), &model.Position{Ticker: tk, Quantity: decimal.NewFromInt(1)}))
	}
	p := &fakeProvider{prices: map[string]decimal.Decimal{}}
	clk := &clock{t: time.Date(2024, 5, 13, 14, 0, 0, 0, time.UTC)}
	return s, p, clk, New(s, p, WithClock(clk.now))
}

func TestPrices_FreshWithinWindow(t *testing.T) {
	_, p, clk, c := setup(t, "AAPL")
	p.prices["AAPL"] = decimal.RequireFromString("189.50")

	first := c.Prices(context.Background(), []string{"AAPL"})
	assert.Equal(t, SourceProvider, first["AAPL"].Source)
	assert.Equal(t, int64(18950), first["AAPL"].Cents)

	p.prices["AAPL"] = decimal.RequireFromString("200")
	clk.t = clk.t.Add(14*time.Minute + 59*time.Second)
	again := c.Prices(context.Background(), []string{"AAPL"})
	assert.Equal(t, SourceCache, again["AAPL"].Source)
	assert.Equal(t, int64(18950), again["AAPL"].Cents)
	assert.Len(t, p.calls, 1)
}

func TestPrices_StaleAfterWindow(t *testing.T) {
	_, p, clk, c := setup(t, "AAPL")
	p.prices["AAPL"] = decimal.RequireFromString("189.50")
	c.Prices(context.Background(), []string{"AAPL"})

	p.prices["AAPL"] = decimal.RequireFromString("200")
	clk.t = clk.t.Add(15*time.Minute + time.Second)
	got := c.Prices(context.Background(), []string{"AAPL"})
	assert.Equal(t, SourceProvider, got["AAPL"].Source)
	assert.Equal(t, int64(20000), got["AAPL"].Cents)
	assert.Len(t, p.calls, 2)
}

func TestPrices_Truncates(t *testing.T) {
	_, p, _, c := setup(t, "AAPL")
	p.prices["AAPL"] = decimal.RequireFromString("189.999")

	got := c.Prices(context.Background(), []string{"AAPL"})
	assert.Equal(t, int64(18999), got["AAPL"].Cents)
}

func TestPrices_PartialFailure(t *testing.T) {
	s, p, clk, c := setup(t, "AAA", "BBB", "CCC")
	old := clk.t.Add(-time.Hour)
	require.NoError(t, s.PutQuotes(context.Background(), []model.Quote{{Ticker: "BBB", PriceCents: 4200, FetchedAt: old}}))

	// AAA priced; BBB and CCC unknown to the provider.
	p.prices["AAA"] = decimal.RequireFromString("10.01")
	got := c.Prices(context.Background(), []string{"AAA", "BBB", "CCC"})

	assert.Equal(t, Price{Cents: 1001, FetchedAt: clk.t, Source: SourceProvider}, got["AAA"])
	assert.Equal(t, int64(4200), got["BBB"].Cents)
	assert.True(t, got["BBB"].Fallback())
	assert.Equal(t, int64(0), got["CCC"].Cents)
	assert.True(t, got["CCC"].Fallback())
	require.Len(t, p.calls, 1)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, p.calls[0])

	// The failed ticker keeps its old fetch time so it is retried next call.
	q, err := s.GetQuotes(context.Background(), []string{"AAA", "BBB"})
	require.NoError(t, err)
	assert.True(t, q["AAA"].FetchedAt.Equal(clk.t))
	assert.True(t, q["BBB"].FetchedAt.Equal(old))
}

func TestPrices_ProviderErrorFallsBack(t *testing.T) {
	s, p, clk, c := setup(t, "AAPL")
	require.NoError(t, s.PutQuotes(context.Background(), []model.Quote{{Ticker: "AAPL", PriceCents: 17000, FetchedAt: clk.t.Add(-time.Hour)}}))
	p.err = errors.New("timeout")

	got := c.Prices(context.Background(), []string{"AAPL"})
	assert.Equal(t, int64(17000), got["AAPL"].Cents)
	assert.True(t, got["AAPL"].Fallback())
}

func TestPrices_OnlyStaleTickersFetched(t *testing.T) {
	s, p, clk, c := setup(t, "AAA", "BBB")
	require.NoError(t, s.PutQuotes(context.Background(), []model.Quote{{Ticker: "AAA", PriceCents: 100, FetchedAt: clk.t.Add(-time.Minute)}}))
	p.prices["BBB"] = decimal.NewFromInt(2)

	got := c.Prices(context.Background(), []string{"BBB", "AAA", "AAA"})
	assert.Len(t, got, 2)
	require.Len(t, p.calls, 1)
	assert.Equal(t, []string{"BBB"}, p.calls[0])
}
