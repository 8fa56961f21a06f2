package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahueldlsl/financial-os/internal/fx"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/pricecache"
	"github.com/nahueldlsl/financial-os/internal/store"
)

type fixedPrices map[string]pricecache.Price

func (f fixedPrices) Prices(_ context.Context, tickers []string) map[string]pricecache.Price {
	out := make(map[string]pricecache.Price, len(tickers))
	for _, t := range tickers {
		if p, ok := f[t]; ok {
			out[t] = p
		} else {
			out[t] = pricecache.Price{Source: pricecache.SourceFallback}
		}
	}
	return out
}

type fixedRate fx.Rate

func (f fixedRate) Rate(context.Context) fx.Rate { return fx.Rate(f) }

var (
	rate40   = fixedRate{Buy: decimal.NewFromInt(39), Sell: decimal.NewFromInt(40), Source: fx.SourceProvider}
	fallback = fixedRate{Buy: decimal.NewFromInt(1), Sell: decimal.NewFromInt(1), Source: fx.SourceFallback, Fallback: true}
)

func fromProvider(cents int64) pricecache.Price {
	return pricecache.Price{Cents: cents, Source: pricecache.SourceProvider, FetchedAt: time.Now()}
}

func seedPortfolio(t *testing.T, s *store.MemoryStore, walletUSD, broker int64, positions ...model.Position) {
	t.Helper()
	ctx := context.Background()
	if walletUSD != 0 {
		kind, amount := model.FlowIncome, walletUSD
		if walletUSD < 0 {
			kind, amount = model.FlowExpense, -walletUSD
		}
		require.NoError(t, s.InsertWalletEntry(ctx, &model.WalletEntry{Kind: kind, AmountCents: amount, Currency: "USD"}))
	}
	require.NoError(t, s.PutBrokerCash(ctx, &model.BrokerCash{ID: model.BrokerCashID, BalanceCents: broker}))
	for i := range positions {
		require.NoError(t, s.PutPosition(ctx, &positions[i]))
	}
}

func TestSnapshot_NetWorthEndToEnd(t *testing.T) {
	s := store.NewMemoryStore()
	seedPortfolio(t, s, 100000, 50000,
		model.Position{Ticker: "AAPL", Quantity: decimal.NewFromInt(10), AverageCostCents: 15000})

	agg := NewAggregator(s, fixedPrices{"AAPL": fromProvider(20000)}, rate40)
	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(350000), snap.NetWorthCents)
	assert.Equal(t, Buckets{StocksCents: 200000, WalletCents: 100000, BrokerCents: 50000}, snap.Buckets)
	assert.Equal(t, int64(50000), snap.Performance.ValueCents)
	assert.True(t, snap.Performance.IsPositive)
	assert.InDelta(t, 16.6667, snap.Performance.Percentage, 0.0001)

	require.Len(t, snap.Holdings, 1)
	h := snap.Holdings[0]
	assert.Equal(t, int64(200000), h.MarketValueCents)
	assert.Equal(t, int64(150000), h.CostBasisCents)
	assert.Equal(t, int64(50000), h.UnrealizedGainCents)
	assert.InDelta(t, 33.3333, h.ReturnPct, 0.0001)
	assert.Empty(t, snap.PriceFallbacks)
}

// retryingStore runs every transaction twice, discarding the first
// attempt the way a serialization retry does.
type retryingStore struct {
	*store.MemoryStore
}

var errSerialization = errors.New("could not serialize access")

func (s retryingStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.MemoryStore.WithinTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errSerialization
	})
	if !errors.Is(err, errSerialization) {
		return err
	}
	return s.MemoryStore.WithinTx(ctx, fn)
}

func TestSnapshot_RetriedReadCountsOnce(t *testing.T) {
	s := store.NewMemoryStore()
	seedPortfolio(t, s, 100000, 50000,
		model.Position{Ticker: "AAPL", Quantity: decimal.NewFromInt(10), AverageCostCents: 15000})

	agg := NewAggregator(retryingStore{s}, fixedPrices{"AAPL": fromProvider(20000)}, rate40)
	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(350000), snap.NetWorthCents)
	assert.Equal(t, int64(200000), snap.Buckets.StocksCents)
	assert.Len(t, snap.Holdings, 1)
}

func TestSnapshot_ConvertsSecondaryCurrency(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.InsertWalletEntry(ctx, &model.WalletEntry{Kind: model.FlowIncome, AmountCents: 400000, Currency: "UYU"}))

	snap, err := NewAggregator(s, fixedPrices{}, rate40).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), snap.Wallet.SecondaryInPrimaryCents)
	assert.Equal(t, int64(10000), snap.NetWorthCents)
	assert.False(t, snap.Rate.Fallback)
}

func TestSnapshot_RateFallbackIsFlagged(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.InsertWalletEntry(ctx, &model.WalletEntry{Kind: model.FlowIncome, AmountCents: 400000, Currency: "UYU"}))

	snap, err := NewAggregator(s, fixedPrices{}, fallback).Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Rate.Fallback)
	assert.Equal(t, int64(400000), snap.Wallet.SecondaryInPrimaryCents)
}

func TestSnapshot_PerformanceZeroWhenBaseNotPositive(t *testing.T) {
	cases := []struct {
		name      string
		walletUSD int64
	}{
		{"base zero", 0},
		{"base negative", -5000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			seedPortfolio(t, s, tc.walletUSD, 0,
				model.Position{Ticker: "GIFT", Quantity: decimal.NewFromInt(10), AverageCostCents: 0})

			snap, err := NewAggregator(s, fixedPrices{"GIFT": fromProvider(10000)}, rate40).Snapshot(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(100000), snap.Performance.ValueCents)
			assert.Zero(t, snap.Performance.Percentage)
		})
	}
}

func TestSnapshot_PriceFallbackAndClosedPositions(t *testing.T) {
	s := store.NewMemoryStore()
	seedPortfolio(t, s, 0, 0,
		model.Position{Ticker: "AAPL", Quantity: decimal.NewFromInt(2), AverageCostCents: 10000},
		model.Position{Ticker: "DEAD", Quantity: decimal.NewFromInt(3), AverageCostCents: 5000},
		model.Position{Ticker: "GONE", Quantity: decimal.Zero},
	)

	snap, err := NewAggregator(s, fixedPrices{"AAPL": fromProvider(12000)}, rate40).Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Holdings, 2)
	assert.Equal(t, []string{"DEAD"}, snap.PriceFallbacks)
	assert.Equal(t, int64(24000), snap.NetWorthCents)
	// DEAD is valued at zero, so its cost shows as a loss.
	assert.Equal(t, int64(24000-20000-15000), snap.Performance.ValueCents)
	assert.False(t, snap.Performance.IsPositive)
}

func TestHandler_SnapshotReturnsDecimals(t *testing.T) {
	s := store.NewMemoryStore()
	seedPortfolio(t, s, 100000, 50000,
		model.Position{Ticker: "AAPL", Quantity: decimal.NewFromInt(10), AverageCostCents: 15000})
	h := NewHandler(NewAggregator(s, fixedPrices{"AAPL": fromProvider(20000)}, rate40))

	w := httptest.NewRecorder()
	h.Snapshot(w, httptest.NewRequest("GET", "/api/dashboard", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp SnapshotResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.NetWorth.Equal(decimal.RequireFromString("3500")) {
		t.Errorf("net worth = %s, want 3500", resp.NetWorth)
	}
	if !resp.Performance.Value.Equal(decimal.RequireFromString("500")) {
		t.Errorf("gain = %s, want 500", resp.Performance.Value)
	}
	if len(resp.Positions) != 1 || !resp.Positions[0].Price.Equal(decimal.RequireFromString("200")) {
		t.Errorf("unexpected positions: %+v", resp.Positions)
	}
}

func TestHandler_Rate(t *testing.T) {
	h := NewHandler(NewAggregator(store.NewMemoryStore(), fixedPrices{}, fallback))
	w := httptest.NewRecorder()
	h.Rate(w, httptest.NewRequest("GET", "/api/fx", nil))

	var got fx.Rate
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Fallback || got.Source != fx.SourceFallback {
		t.Errorf("expected flagged fallback, got %+v", got)
	}
}
