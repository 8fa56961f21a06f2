package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahueldlsl/financial-os/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, MigrateSQLite(db))
	return NewSQLiteStore(db)
}

func TestSQLiteStore_PositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	in := &model.Position{
		Ticker:           "VOO",
		Quantity:         decimal.RequireFromString("12.3456789"),
		AverageCostCents: 41234,
		DripEnabled:      true,
		DripStart:        &start,
	}
	require.NoError(t, s.PutPosition(ctx, in))

	got, err := s.GetPosition(ctx, "VOO")
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(in.Quantity))
	assert.Equal(t, in.AverageCostCents, got.AverageCostCents)
	assert.True(t, got.DripEnabled)
	require.NotNil(t, got.DripStart)
	assert.True(t, got.DripStart.Equal(start))
	assert.Nil(t, got.PriceFetchedAt)

	_, err = s.GetPosition(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_PutPositionKeepsQuote(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, s.PutPosition(ctx, &model.Position{Ticker: "VOO", Quantity: decimal.NewFromInt(1)}))

	at := time.Date(2024, 2, 1, 14, 30, 0, 0, time.UTC)
	require.NoError(t, s.PutQuotes(ctx, []model.Quote{{Ticker: "VOO", PriceCents: 43210, FetchedAt: at}}))

	// A later position write without price fields must not clear the quote.
	require.NoError(t, s.PutPosition(ctx, &model.Position{Ticker: "VOO", Quantity: decimal.NewFromInt(2)}))

	q, err := s.GetQuotes(ctx, []string{"VOO"})
	require.NoError(t, err)
	assert.Equal(t, int64(43210), q["VOO"].PriceCents)
	assert.True(t, q["VOO"].FetchedAt.Equal(at))
}

func TestSQLiteStore_LedgerAndTx(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	gain := int64(1500)
	sell := &model.LedgerEntry{Ticker: "AAPL", Kind: model.KindSell, Quantity: decimal.NewFromInt(1),
		TotalCents: 1200, RealizedGainCents: &gain, Source: model.SourceTrade, Timestamp: base.Add(time.Hour)}
	buy := &model.LedgerEntry{Ticker: "AAPL", Kind: model.KindBuy, Quantity: decimal.RequireFromString("2.5"),
		TotalCents: 2500, Source: model.SourceTrade, Timestamp: base}
	require.NoError(t, s.InsertLedgerEntry(ctx, sell))
	require.NoError(t, s.InsertLedgerEntry(ctx, buy))

	got, err := s.LedgerEntriesByTicker(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, buy.ID, got[0].ID)
	assert.Nil(t, got[0].RealizedGainCents)
	require.NotNil(t, got[1].RealizedGainCents)
	assert.Equal(t, gain, *got[1].RealizedGainCents)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(tx Tx) error {
		if err := tx.DeleteLedgerEntry(ctx, buy.ID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.GetLedgerEntry(ctx, buy.ID)
	assert.NoError(t, err)
}

func TestSQLiteStore_SingletonsAndWallet(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	c, err := s.BrokerCash(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.BalanceCents)
	c.BalanceCents = 50000
	require.NoError(t, s.PutBrokerCash(ctx, c))
	c, err = s.BrokerCash(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), c.BalanceCents)

	require.NoError(t, s.PutSettings(ctx, &model.Settings{DefaultFeeIntegerCents: 100, DefaultFeeFractionCents: 50}))
	st, err := s.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.DefaultFeeIntegerCents)
	assert.Equal(t, int64(50), st.DefaultFeeFractionCents)

	now := time.Now().UTC()
	require.NoError(t, s.InsertWalletEntry(ctx, &model.WalletEntry{Kind: model.FlowIncome, AmountCents: 100000, Currency: "USD", Timestamp: now}))
	require.NoError(t, s.InsertWalletEntry(ctx, &model.WalletEntry{Kind: model.FlowExpense, AmountCents: 500, Currency: "USD", Timestamp: now}))
	totals, err := s.WalletTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99500), totals["USD"])
}
