// Package valuation combines cash balances, the currency rate, and position
// market values into one net-worth snapshot.
//
// Store reads happen in one read transaction; prices and the rate are looked
// up afterwards, outside it, because they may block on external I/O. Every
// sum is accumulated unrounded and rounded once.
package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nahueldlsl/financial-os/internal/fx"
	"github.com/nahueldlsl/financial-os/internal/metrics"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/money"
	"github.com/nahueldlsl/financial-os/internal/pricecache"
	"github.com/nahueldlsl/financial-os/internal/store"
)

// PriceSource returns cents per ticker, never failing.
type PriceSource interface {
	Prices(ctx context.Context, tickers []string) map[string]pricecache.Price
}

// RateSource returns the secondary-per-primary rate, never failing.
type RateSource interface {
	Rate(ctx context.Context) fx.Rate
}

// Holding is one open position at market.
type Holding struct {
	Ticker              string            `json:"ticker"`
	Quantity            decimal.Decimal   `json:"quantity"`
	AverageCostCents    int64             `json:"average_cost_cents"`
	PriceCents          int64             `json:"price_cents"`
	PriceSource         pricecache.Source `json:"price_source"`
	MarketValueCents    int64             `json:"market_value_cents"`
	CostBasisCents      int64             `json:"cost_basis_cents"`
	UnrealizedGainCents int64             `json:"unrealized_gain_cents"`
	ReturnPct           float64           `json:"return_pct"`
	DripEnabled         bool              `json:"drip_enabled"`
}

// Buckets splits net worth by pool.
type Buckets struct {
	StocksCents int64 `json:"stocks_cents"`
	WalletCents int64 `json:"wallet_cents"`
	BrokerCents int64 `json:"broker_cents"`
}

// Wallet is the signed cash flow per currency and its primary equivalent.
type Wallet struct {
	PrimaryCents            int64 `json:"primary_cents"`
	SecondaryCents          int64 `json:"secondary_cents"`
	SecondaryInPrimaryCents int64 `json:"secondary_in_primary_cents"`
}

// Performance is the aggregate unrealized result.
type Performance struct {
	ValueCents int64   `json:"value_cents"`
	Percentage float64 `json:"percentage"`
	IsPositive bool    `json:"is_positive"`
}

// Snapshot is a point-in-time valuation.
type Snapshot struct {
	NetWorthCents  int64       `json:"net_worth_cents"`
	Buckets        Buckets     `json:"buckets"`
	Wallet         Wallet      `json:"wallet"`
	Holdings       []Holding   `json:"holdings"`
	Performance    Performance `json:"performance"`
	Rate           fx.Rate     `json:"rate"`
	PriceFallbacks []string    `json:"price_fallbacks"`
	AsOf           time.Time   `json:"as_of"`
}

// Aggregator computes snapshots.
type Aggregator struct {
	store  store.Store
	prices PriceSource
	rates  RateSource
	now    func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(st store.Store, prices PriceSource, rates RateSource) *Aggregator {
	return &Aggregator{
		store:  st,
		prices: prices,
		rates:  rates,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// balances is what the snapshot reads from the store.
type balances struct {
	positions []model.Position
	broker    int64
	wallet    map[string]int64
}

func (a *Aggregator) read(ctx context.Context) (*balances, error) {
	var b balances
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		b = balances{}
		positions, err := tx.ListPositions(ctx)
		if err != nil {
			return fmt.Errorf("list positions: %w", err)
		}
		for _, p := range positions {
			if p.Quantity.IsPositive() {
				b.positions = append(b.positions, p)
			}
		}
		cash, err := tx.BrokerCash(ctx)
		if err != nil {
			return fmt.Errorf("broker cash: %w", err)
		}
		b.broker = cash.BalanceCents
		if b.wallet, err = tx.WalletTotals(ctx); err != nil {
			return fmt.Errorf("wallet totals: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Snapshot computes net worth and performance. It fails only when the
// store cannot be read; price and rate failures are flagged fallbacks.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	b, err := a.read(ctx)
	if err != nil {
		return nil, err
	}

	tickers := make([]string, len(b.positions))
	for i, p := range b.positions {
		tickers[i] = p.Ticker
	}

	var (
		prices map[string]pricecache.Price
		rate   fx.Rate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prices = a.prices.Prices(gctx, tickers)
		return nil
	})
	g.Go(func() error {
		rate = a.rates.Rate(gctx)
		return nil
	})
	_ = g.Wait()

	snap := &Snapshot{
		Rate:           rate,
		Holdings:       make([]Holding, 0, len(b.positions)),
		PriceFallbacks: []string{},
		AsOf:           a.now(),
	}

	marketSum, gainSum := decimal.Zero, decimal.Zero
	for _, p := range b.positions {
		price := prices[p.Ticker]
		if price.Fallback() {
			snap.PriceFallbacks = append(snap.PriceFallbacks, p.Ticker)
		}
		h, market, gain := holding(p, price)
		snap.Holdings = append(snap.Holdings, h)
		marketSum = marketSum.Add(market)
		gainSum = gainSum.Add(gain)
	}

	snap.Wallet = convertWallet(b.wallet, rate)
	snap.Buckets = Buckets{
		StocksCents: money.Round(marketSum),
		WalletCents: snap.Wallet.PrimaryCents + snap.Wallet.SecondaryInPrimaryCents,
		BrokerCents: b.broker,
	}
	snap.NetWorthCents = snap.Buckets.StocksCents + snap.Buckets.WalletCents + snap.Buckets.BrokerCents
	snap.Performance = performance(money.Round(gainSum), snap.NetWorthCents)

	metrics.NetWorthCents.Set(float64(snap.NetWorthCents))
	slog.Info("valuation computed",
		"net_worth_cents", snap.NetWorthCents,
		"positions", len(snap.Holdings),
		"price_fallbacks", len(snap.PriceFallbacks),
		"rate_fallback", rate.Fallback,
	)
	return snap, nil
}

// Portfolio returns open positions valued at market.
func (a *Aggregator) Portfolio(ctx context.Context) ([]Holding, error) {
	b, err := a.read(ctx)
	if err != nil {
		return nil, err
	}
	tickers := make([]string, len(b.positions))
	for i, p := range b.positions {
		tickers[i] = p.Ticker
	}
	prices := a.prices.Prices(ctx, tickers)

	out := make([]Holding, 0, len(b.positions))
	for _, p := range b.positions {
		h, _, _ := holding(p, prices[p.Ticker])
		out = append(out, h)
	}
	return out, nil
}

// holding values one position. The unrounded market value and gain are
// returned for the caller's totals.
func holding(p model.Position, price pricecache.Price) (Holding, decimal.Decimal, decimal.Decimal) {
	market := money.Mul(p.Quantity, price.Cents)
	cost := p.CostBasis()
	gain := market.Sub(cost)
	return Holding{
		Ticker:              p.Ticker,
		Quantity:            p.Quantity,
		AverageCostCents:    p.AverageCostCents,
		PriceCents:          price.Cents,
		PriceSource:         price.Source,
		MarketValueCents:    money.Round(market),
		CostBasisCents:      money.Round(cost),
		UnrealizedGainCents: money.Round(gain),
		ReturnPct:           percent(gain, cost),
		DripEnabled:         p.DripEnabled,
	}, market, gain
}

// convertWallet folds the secondary currency into primary cents at the sell
// rate. The rate is positive by construction of fx.Rate.
func convertWallet(totals map[string]int64, rate fx.Rate) Wallet {
	w := Wallet{
		PrimaryCents:   totals[money.USD],
		SecondaryCents: totals[money.UYU],
	}
	if w.SecondaryCents != 0 && rate.Sell.IsPositive() {
		w.SecondaryInPrimaryCents = money.Round(decimal.NewFromInt(w.SecondaryCents).Div(rate.Sell))
	}
	return w
}

// performance is gain / (netWorth - gain) × 100, zero when the invested
// base is not positive.
func performance(gainCents, netWorthCents int64) Performance {
	gain := decimal.NewFromInt(gainCents)
	base := decimal.NewFromInt(netWorthCents).Sub(gain)
	return Performance{
		ValueCents: gainCents,
		Percentage: percent(gain, base),
		IsPositive: gainCents >= 0,
	}
}

func percent(num, den decimal.Decimal) float64 {
	f, _ := money.Percent(num, den).Round(4).Float64()
	return money.Finite(f)
}
