package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahueldlsl/financial-os/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFold_BuyAverageMatchesWeightedCost(t *testing.T) {
	f := Fold{}
	buys := []struct {
		qty   string
		total int64
	}{
		{"10", 10000},
		{"5", 6000},
		{"2.5", 3333},
		{"0.125", 151},
	}

	var s State
	totalCost := decimal.Zero
	totalQty := decimal.Zero
	for _, b := range buys {
		s = f.Buy(s, d(b.qty), b.total)
		totalCost = totalCost.Add(decimal.NewFromInt(b.total))
		totalQty = totalQty.Add(d(b.qty))
	}

	want, _ := totalCost.Div(totalQty).Float64()
	assert.True(t, s.Quantity.Equal(d("17.625")), "quantity = %s", s.Quantity)
	assert.InDelta(t, want, float64(s.AverageCostCents), 1.0)
}

func TestFold_BuyFoldsCommissionIntoAverage(t *testing.T) {
	gross, total := BuyTotals(d("10"), 1000, 500)
	assert.Equal(t, int64(10000), gross)
	assert.Equal(t, int64(10500), total)

	s := Fold{}.Buy(State{}, d("10"), total)
	assert.Equal(t, int64(1050), s.AverageCostCents)
}

func TestFold_SellRealizedGain(t *testing.T) {
	f := Fold{}
	_, total := BuyTotals(d("10"), 1000, 0)
	s := f.Buy(State{}, d("10"), total)

	gross, net := SellTotals(d("10"), 1200, 500)
	assert.Equal(t, int64(12000), gross)
	assert.Equal(t, int64(11500), net)

	// (10×1200 − 500) − 10×1000
	assert.Equal(t, int64(1500), f.RealizedGain(s, d("10"), net))

	after := f.Sell(s, d("10"))
	assert.True(t, after.Quantity.IsZero())
	assert.Equal(t, int64(0), after.AverageCostCents)
}

func TestFold_SellKeepsAverage(t *testing.T) {
	s := Fold{}.Sell(State{Quantity: d("10"), AverageCostCents: 1234}, d("4"))
	assert.True(t, s.Quantity.Equal(d("6")))
	assert.Equal(t, int64(1234), s.AverageCostCents)
}

func TestFold_SellSnapsDust(t *testing.T) {
	f := Fold{}
	s := f.Sell(State{Quantity: d("1"), AverageCostCents: 5000}, d("0.999995"))
	assert.True(t, s.Quantity.IsZero(), "dust should snap to zero, got %s", s.Quantity)
	assert.Equal(t, int64(0), s.AverageCostCents)

	// A remainder above the threshold is kept.
	s = f.Sell(State{Quantity: d("1"), AverageCostCents: 5000}, d("0.9999"))
	assert.True(t, s.Quantity.Equal(d("0.0001")))
	assert.Equal(t, int64(5000), s.AverageCostCents)
}

func TestFold_CustomEpsilon(t *testing.T) {
	f := Fold{Epsilon: d("0.01")}
	s := f.Sell(State{Quantity: d("1"), AverageCostCents: 5000}, d("0.995"))
	assert.True(t, s.Quantity.IsZero())
}

func TestFold_ApplyRejectsOversell(t *testing.T) {
	f := Fold{}
	_, err := f.Apply(State{Quantity: d("1")}, &model.LedgerEntry{Kind: model.KindSell, Quantity: d("2")})
	assert.Error(t, err)

	_, err = f.Apply(State{}, &model.LedgerEntry{Kind: model.KindBuy, Quantity: d("0")})
	assert.Error(t, err)
}

func TestFold_ApplyIgnoresCash(t *testing.T) {
	in := State{Quantity: d("3"), AverageCostCents: 100}
	out, err := Fold{}.Apply(in, &model.LedgerEntry{Kind: model.KindCashDeposit, TotalCents: 5000})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFold_ReplayReportsFailingEntry(t *testing.T) {
	entries := []model.LedgerEntry{
		{ID: 1, Kind: model.KindBuy, Quantity: d("2"), TotalCents: 2000},
		{ID: 2, Kind: model.KindSell, Quantity: d("3"), TotalCents: 3000},
	}
	var seen []int64
	st, bad, err := Fold{}.Replay(entries, func(_ State, e *model.LedgerEntry) { seen = append(seen, e.ID) })
	require.Error(t, err)
	require.NotNil(t, bad)
	assert.Equal(t, int64(2), bad.ID)
	assert.True(t, st.Quantity.Equal(d("2")))
	assert.Equal(t, []int64{1, 2}, seen)
}
