// Package position derives each ticker's quantity and weighted-average cost
// from its ledger.
//
// Live trade execution and full replay share one fold: Apply takes a State
// and one BUY/SELL entry and returns the next State. Incremental updates
// start from the stored position; replay starts from the zero State.
package position

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/money"
)

// DefaultEpsilon is the quantity at or below which a position is treated as
// fully sold.
var DefaultEpsilon = decimal.New(1, -5)

// State is the part of a position owned by the fold.
type State struct {
	Quantity         decimal.Decimal
	AverageCostCents int64
}

// StateOf extracts the fold state from a stored position.
func StateOf(p *model.Position) State {
	if p == nil {
		return State{}
	}
	return State{Quantity: p.Quantity, AverageCostCents: p.AverageCostCents}
}

// Fold applies BUY/SELL entries to a State.
type Fold struct {
	// Epsilon is the dust threshold for sells; zero means DefaultEpsilon.
	Epsilon decimal.Decimal
}

func (f Fold) epsilon() decimal.Decimal {
	if f.Epsilon.IsZero() {
		return DefaultEpsilon
	}
	return f.Epsilon
}

// Buy adds qty at a recorded total cost (gross + commission). The new
// average is the rounded quantity-weighted average, commission included.
func (f Fold) Buy(s State, qty decimal.Decimal, totalCents int64) State {
	newQty := s.Quantity.Add(qty)
	if !newQty.IsPositive() {
		return State{Quantity: newQty}
	}
	cost := money.Mul(s.Quantity, s.AverageCostCents).Add(decimal.NewFromInt(totalCents))
	return State{
		Quantity:         newQty,
		AverageCostCents: money.Round(cost.Div(newQty)),
	}
}

// Sell removes qty. The average cost is unchanged unless the remainder is
// dust, in which case quantity and average both snap to zero.
func (f Fold) Sell(s State, qty decimal.Decimal) State {
	newQty := s.Quantity.Sub(qty)
	if newQty.LessThanOrEqual(f.epsilon()) {
		return State{Quantity: decimal.Zero, AverageCostCents: 0}
	}
	return State{Quantity: newQty, AverageCostCents: s.AverageCostCents}
}

// RealizedGain returns net proceeds minus the cost of the sold quantity at
// the state's average, rounded once.
func (f Fold) RealizedGain(s State, qty decimal.Decimal, netCents int64) int64 {
	return money.Round(decimal.NewFromInt(netCents).Sub(money.Mul(qty, s.AverageCostCents)))
}

// Apply folds one ledger entry into s. Cash entries leave s untouched. A
// sell larger than the held quantity is an inconsistency.
func (f Fold) Apply(s State, e *model.LedgerEntry) (State, error) {
	switch e.Kind {
	case model.KindBuy:
		if !e.Quantity.IsPositive() {
			return s, fmt.Errorf("buy quantity %s is not positive", e.Quantity)
		}
		return f.Buy(s, e.Quantity, e.TotalCents), nil
	case model.KindSell:
		if !e.Quantity.IsPositive() {
			return s, fmt.Errorf("sell quantity %s is not positive", e.Quantity)
		}
		if s.Quantity.LessThan(e.Quantity) {
			return s, fmt.Errorf("sell of %s exceeds held %s", e.Quantity, s.Quantity)
		}
		return f.Sell(s, e.Quantity), nil
	default:
		return s, nil
	}
}

// Replay folds entries, in the given order, starting from the zero state.
// onStep, if non-nil, observes the state just before each entry is applied.
func (f Fold) Replay(entries []model.LedgerEntry, onStep func(before State, e *model.LedgerEntry)) (State, *model.LedgerEntry, error) {
	var s State
	for i := range entries {
		e := &entries[i]
		if onStep != nil {
			onStep(s, e)
		}
		next, err := f.Apply(s, e)
		if err != nil {
			return s, e, err
		}
		s = next
	}
	return s, nil, nil
}

// BuyTotals computes gross and recorded total for a buy.
func BuyTotals(qty decimal.Decimal, unitCents, commissionCents int64) (gross, total int64) {
	g := money.Mul(qty, unitCents)
	return money.Round(g), money.Round(g.Add(decimal.NewFromInt(commissionCents)))
}

// SellTotals computes gross and net proceeds for a sell.
func SellTotals(qty decimal.Decimal, unitCents, commissionCents int64) (gross, net int64) {
	g := money.Mul(qty, unitCents)
	return money.Round(g), money.Round(g.Sub(decimal.NewFromInt(commissionCents)))
}
