package store

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
)

func TestMemoryStore_LedgerOrderedByTimestampThenID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	late := &model.LedgerEntry{Ticker: "AAPL", Kind: model.KindBuy, Quantity: decimal.NewFromInt(1), Timestamp: base.Add(time.Hour)}
	early := &model.LedgerEntry{Ticker: "AAPL", Kind: model.KindBuy, Quantity: decimal.NewFromInt(1), Timestamp: base}
	tie := &model.LedgerEntry{Ticker: "AAPL", Kind: model.KindBuy, Quantity: decimal.NewFromInt(1), Timestamp: base}
	other := &model.LedgerEntry{Ticker: "MSFT", Kind: model.KindBuy, Quantity: decimal.NewFromInt(1), Timestamp: base}
	for _, e := range []*model.LedgerEntry{late, early, tie, other} {
		require.NoError(t, s.InsertLedgerEntry(ctx, e))
	}

	got, err := s.LedgerEntriesByTicker(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{early.ID, tie.ID, late.ID}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func TestMemoryStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutBrokerCash(ctx, &model.BrokerCash{BalanceCents: 1000}))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx Tx) error {
		c, err := tx.BrokerCash(ctx)
		if err != nil {
			return err
		}
		c.BalanceCents = 0
		if err := tx.PutBrokerCash(ctx, c); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{Ticker: "AAPL", Kind: model.KindBuy}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err := s.BrokerCash(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), c.BalanceCents)

	entries, err := s.ListLedgerEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_SingletonsInitialiseOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.BrokerCash(ctx)
			assert.NoError(t, err)
			assert.Equal(t, model.BrokerCashID, c.ID)
		}()
	}
	wg.Wait()

	st, err := s.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SettingsID, st.ID)
	assert.Zero(t, st.DefaultFeeIntegerCents)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutPosition(ctx, &model.Position{Ticker: "AAPL", Quantity: decimal.NewFromInt(5), AverageCostCents: 100}))

	p, err := s.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	p.AverageCostCents = 999

	again, err := s.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.AverageCostCents)
}

func TestMemoryStore_QuotesOnlyForPositions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutPosition(ctx, &model.Position{Ticker: "AAPL"}))

	at := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutQuotes(ctx, []model.Quote{
		{Ticker: "AAPL", PriceCents: 18950, FetchedAt: at},
		{Ticker: "NOPE", PriceCents: 1, FetchedAt: at},
	}))

	q, err := s.GetQuotes(ctx, []string{"AAPL", "NOPE"})
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, int64(18950), q["AAPL"].PriceCents)
	assert.True(t, q["AAPL"].FetchedAt.Equal(at))
}

func TestMemoryStore_WalletTotals(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, w := range []model.WalletEntry{
		{Kind: model.FlowIncome, AmountCents: 100000, Currency: "USD"},
		{Kind: model.FlowExpense, AmountCents: 2500, Currency: "USD"},
		{Kind: model.FlowIncome, AmountCents: 400000, Currency: "UYU"},
	} {
		w := w
		require.NoError(t, s.InsertWalletEntry(ctx, &w))
	}

	totals, err := s.WalletTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"USD": 97500, "UYU": 400000}, totals)
}

func TestMemoryStore_DeleteMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.ErrorIs(t, s.DeletePosition(ctx, "AAPL"), ErrNotFound)
	assert.ErrorIs(t, s.DeleteLedgerEntry(ctx, 1), ErrNotFound)
	_, err := s.GetLedgerEntry(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
