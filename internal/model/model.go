// Package model defines the core domain types shared across the engine.
// Monetary values are int64 minor units (cents); quantities use
// shopspring/decimal, never float64 for money or share counts.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind is the type of a ledger entry.
type EntryKind string

const (
	KindBuy          EntryKind = "BUY"
	KindSell         EntryKind = "SELL"
	KindCashDeposit  EntryKind = "CASH_DEPOSIT"
	KindCashWithdraw EntryKind = "CASH_WITHDRAW"
)

// IsTrade reports whether the kind moves a position.
func (k EntryKind) IsTrade() bool {
	return k == KindBuy || k == KindSell
}

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	switch k {
	case KindBuy, KindSell, KindCashDeposit, KindCashWithdraw:
		return true
	}
	return false
}

// EntrySource records which path created a ledger entry.
type EntrySource string

const (
	SourceTrade  EntrySource = "TRADE"
	SourceDRIP   EntrySource = "DRIP"
	SourceImport EntrySource = "IMPORT"
)

// CashTicker is the ledger ticker used for brokerage cash transfers.
const CashTicker = "CASH"

// LedgerEntry is an executed BUY/SELL or cash transfer. Entries are ordered
// by Timestamp with ties broken by ID ascending.
type LedgerEntry struct {
	ID                int64           `json:"id"`
	Ticker            string          `json:"ticker"`
	Kind              EntryKind       `json:"kind"`
	Quantity          decimal.Decimal `json:"quantity"`
	UnitPriceCents    int64           `json:"unit_price_cents"`
	GrossCents        int64           `json:"gross_cents"`
	CommissionCents   int64           `json:"commission_cents"`
	TotalCents        int64           `json:"total_cents"`                   // BUY: gross+commission, SELL: gross-commission
	RealizedGainCents *int64          `json:"realized_gain_cents,omitempty"` // SELL only
	Source            EntrySource     `json:"source"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Position is the materialized state of one ticker. Quantity and
// AverageCostCents are derived from the ledger by the position engine.
type Position struct {
	Ticker           string          `json:"ticker"`
	Quantity         decimal.Decimal `json:"quantity"`
	AverageCostCents int64           `json:"average_cost_cents"`

	// DRIP configuration.
	DripEnabled       bool       `json:"drip_enabled"`
	DripStart         *time.Time `json:"drip_start,omitempty"`
	DripLastProcessed *time.Time `json:"drip_last_processed,omitempty"`

	// Cached market price; derived, not authoritative.
	LastPriceCents int64      `json:"last_price_cents"`
	PriceFetchedAt *time.Time `json:"price_fetched_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// CostBasis returns Quantity × AverageCostCents, unrounded.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(decimal.NewFromInt(p.AverageCostCents))
}

// BrokerCashID is the fixed identity of the brokerage cash singleton.
const BrokerCashID = 1

// BrokerCash is the brokerage cash balance singleton.
type BrokerCash struct {
	ID           int       `json:"id"`
	BalanceCents int64     `json:"balance_cents"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FlowKind is the direction of a wallet cash-flow entry.
type FlowKind string

const (
	FlowIncome  FlowKind = "income"
	FlowExpense FlowKind = "expense"
)

// WalletEntry is a personal wallet cash-flow record.
type WalletEntry struct {
	ID          int64     `json:"id"`
	Kind        FlowKind  `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Category    string    `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
}

// Signed returns the amount with expenses negated.
func (w *WalletEntry) Signed() int64 {
	if w.Kind == FlowExpense {
		return -w.AmountCents
	}
	return w.AmountCents
}

// SettingsID is the fixed identity of the settings singleton.
const SettingsID = 1

// Settings holds default commissions in cents.
type Settings struct {
	ID                      int   `json:"id"`
	DefaultFeeIntegerCents  int64 `json:"default_fee_integer_cents"`
	DefaultFeeFractionCents int64 `json:"default_fee_fractional_cents"`
}

// DefaultCommission picks the fee for a quantity: whole-share orders use the
// integer fee, fractional orders the fractional fee.
func (s *Settings) DefaultCommission(qty decimal.Decimal) int64 {
	if qty.Equal(qty.Truncate(0)) {
		return s.DefaultFeeIntegerCents
	}
	return s.DefaultFeeFractionCents
}

// Quote is a cached last price for a ticker.
type Quote struct {
	Ticker     string    `json:"ticker"`
	PriceCents int64     `json:"price_cents"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// DividendEvent is a per-share dividend paid on Date.
type DividendEvent struct {
	Date     time.Time       `json:"date"`
	PerShare decimal.Decimal `json:"per_share"`
}
