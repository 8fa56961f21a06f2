package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahueldlsl/financial-os/internal/config"
	"github.com/nahueldlsl/financial-os/internal/store"
	"github.com/nahueldlsl/financial-os/internal/trade"
)

func TestNew_MemoryByDefault(t *testing.T) {
	a, err := New(context.Background(), config.NewDefaultConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.MemoryStore{}, a.Store)
	assert.NotNil(t, a.Trades)
	assert.NotNil(t, a.Drip)
	assert.NotNil(t, a.Valuation)
}

func TestNew_SQLiteKeepsLedgerAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := config.NewDefaultConfig()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, a.Store)
	_, err = a.Trades.Buy(ctx, trade.Order{Ticker: "VOO", Quantity: decimal.NewFromInt(2), UnitPriceCents: 40000})
	require.NoError(t, err)
	a.Close()

	b, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	pos, err := b.Store.GetPosition(ctx, "VOO")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, int64(40000), pos.AverageCostCents)
}
