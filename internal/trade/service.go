// Package trade executes trades and cash movements against the ledger and
// serves them over HTTP.
//
// Every mutation runs in one store transaction under the keyed locks of the
// ticker it touches and, when it moves brokerage cash, the cash singleton.
// Amounts are int64 cents inside the service; handlers convert at the edge.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/guard"
	"github.com/nahueldlsl/financial-os/internal/metrics"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/money"
	"github.com/nahueldlsl/financial-os/internal/position"
	"github.com/nahueldlsl/financial-os/internal/store"
	"github.com/nahueldlsl/financial-os/internal/symbol"
)

// Wallet categories recorded by fund transfers.
const (
	CategoryTransferOut = "Transfer to broker"
	CategoryTransferFee = "Broker transfer fee"
	CategoryTransferIn  = "Withdrawal from broker"
)

const maxCategoryLen = 64

// Service owns trade execution, ledger corrections, and the cash ledger.
type Service struct {
	store    store.Store
	engine   *position.Engine
	locks    *position.Locks
	wsHub    *WSHub // optional
	sanitize *bluemonday.Policy
	now      func() time.Time
}

// NewService creates a trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, engine *position.Engine, locks *position.Locks, hub *WSHub) *Service {
	return &Service{
		store:    st,
		engine:   engine,
		locks:    locks,
		wsHub:    hub,
		sanitize: bluemonday.StrictPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Order is a validated BUY or SELL request in cents.
type Order struct {
	Ticker          string
	Quantity        decimal.Decimal
	UnitPriceCents  int64
	CommissionCents int64
	At              time.Time // zero means now
	UseBrokerCash   bool
}

// Fill is the result of an executed order.
type Fill struct {
	Entry              model.LedgerEntry
	Position           model.Position
	BrokerBalanceCents int64
}

// Buy executes a BUY.
func (s *Service) Buy(ctx context.Context, o Order) (*Fill, error) {
	return s.execute(ctx, model.KindBuy, o)
}

// Sell executes a SELL.
func (s *Service) Sell(ctx context.Context, o Order) (*Fill, error) {
	return s.execute(ctx, model.KindSell, o)
}

func (s *Service) execute(ctx context.Context, kind model.EntryKind, o Order) (*Fill, error) {
	start := time.Now()
	ticker, err := symbol.Normalize(o.Ticker)
	if err != nil {
		return nil, guard.Invalid("%v", err)
	}
	if !o.Quantity.IsPositive() {
		return nil, guard.Invalid("quantity must be positive")
	}
	if o.UnitPriceCents <= 0 {
		return nil, guard.Invalid("price must be positive")
	}
	if o.CommissionCents < 0 {
		return nil, guard.Invalid("commission must not be negative")
	}
	at := o.At
	if at.IsZero() {
		at = s.now()
	}

	entry := &model.LedgerEntry{
		Ticker:          ticker,
		Kind:            kind,
		Quantity:        o.Quantity,
		UnitPriceCents:  o.UnitPriceCents,
		CommissionCents: o.CommissionCents,
		Source:          model.SourceTrade,
		Timestamp:       at.UTC(),
	}
	if kind == model.KindBuy {
		entry.GrossCents, entry.TotalCents = position.BuyTotals(o.Quantity, o.UnitPriceCents, o.CommissionCents)
	} else {
		entry.GrossCents, entry.TotalCents = position.SellTotals(o.Quantity, o.UnitPriceCents, o.CommissionCents)
	}

	keys := []string{ticker}
	if o.UseBrokerCash {
		keys = append(keys, position.CashKey)
	}
	unlock := s.locks.Lock(keys...)
	defer unlock()

	var fill Fill
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		fill = Fill{}
		e := *entry
		var cash *model.BrokerCash
		if o.UseBrokerCash {
			c, err := tx.BrokerCash(ctx)
			if err != nil {
				return fmt.Errorf("broker cash: %w", err)
			}
			cash = c
			if kind == model.KindBuy {
				if err := guard.CheckDebit(cash.BalanceCents, e.TotalCents); err != nil {
					return err
				}
			}
		}

		res, err := s.engine.Append(ctx, tx, &e)
		if err != nil {
			return err
		}

		if cash != nil {
			delta := e.TotalCents
			if kind == model.KindBuy {
				delta = -delta
			} else if delta < 0 {
				// Commission larger than the proceeds still debits cash.
				if err := guard.CheckDebit(cash.BalanceCents, -delta); err != nil {
					return err
				}
			}
			cash.BalanceCents += delta
			if err := tx.PutBrokerCash(ctx, cash); err != nil {
				return fmt.Errorf("put broker cash: %w", err)
			}
			fill.BrokerBalanceCents = cash.BalanceCents
		}
		fill.Entry = e
		fill.Position = *res.Position
		return nil
	})
	if err != nil {
		s.reject(kind, err)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(kind)).Inc()
	metrics.TradeLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	attrs := []any{
		"entry_id", fill.Entry.ID,
		"ticker", ticker,
		"kind", kind,
		"qty", o.Quantity.String(),
		"unit_price_cents", o.UnitPriceCents,
		"total_cents", fill.Entry.TotalCents,
		"quantity", fill.Position.Quantity.String(),
		"average_cost_cents", fill.Position.AverageCostCents,
	}
	if fill.Entry.RealizedGainCents != nil {
		attrs = append(attrs, "realized_gain_cents", *fill.Entry.RealizedGainCents)
	}
	slog.Info("trade executed", attrs...)

	s.publish("trade_executed", ticker, fill.Entry)
	return &fill, nil
}

func (s *Service) reject(kind model.EntryKind, err error) {
	var reason string
	switch {
	case errors.Is(err, guard.ErrInsufficientFunds):
		reason = "insufficient_funds"
	case errors.Is(err, guard.ErrInsufficientShares):
		reason = "insufficient_shares"
	case errors.Is(err, guard.ErrReplayInconsistency):
		reason = "replay_inconsistency"
	default:
		return
	}
	metrics.TradeRejections.WithLabelValues(reason).Inc()
	slog.Warn("trade rejected", "kind", kind, "reason", reason, "error", err)
}

// Correction carries the fields of a ledger entry to overwrite. Nil fields
// keep their stored value.
type Correction struct {
	Kind            *model.EntryKind
	Quantity        *decimal.Decimal
	UnitPriceCents  *int64
	CommissionCents *int64
	At              *time.Time
}

// CorrectEntry overwrites a BUY or SELL entry and replays its ticker in the
// same transaction. A corrected SELL gets its realized gain recomputed from
// the average cost just before it; other entries keep their stored gains.
func (s *Service) CorrectEntry(ctx context.Context, id int64, c Correction) (*model.LedgerEntry, *model.Position, error) {
	current, err := s.store.GetLedgerEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !current.Kind.IsTrade() {
		return nil, nil, guard.Invalid("only BUY and SELL entries can be corrected")
	}

	unlock := s.locks.Lock(current.Ticker)
	defer unlock()

	var (
		entry *model.LedgerEntry
		pos   *model.Position
	)
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if entry, err = tx.GetLedgerEntry(ctx, id); err != nil {
			return err
		}
		if err := applyCorrection(entry, c); err != nil {
			return err
		}
		entry.RealizedGainCents = nil
		if err := tx.UpdateLedgerEntry(ctx, entry); err != nil {
			return fmt.Errorf("update entry %d: %w", id, err)
		}

		if entry.Kind == model.KindSell {
			entries, err := tx.LedgerEntriesByTicker(ctx, entry.Ticker)
			if err != nil {
				return fmt.Errorf("load ledger %s: %w", entry.Ticker, err)
			}
			before, err := s.engine.StateBefore(entries, entry.ID)
			if err != nil {
				return err
			}
			if err := guard.CheckSell(entry.Ticker, before.Quantity, entry.Quantity); err != nil {
				return err
			}
			gain := s.engine.Fold().RealizedGain(before, entry.Quantity, entry.TotalCents)
			entry.RealizedGainCents = &gain
			if err := tx.UpdateLedgerEntry(ctx, entry); err != nil {
				return fmt.Errorf("update entry %d: %w", id, err)
			}
		}

		pos, err = s.engine.Recompute(ctx, tx, entry.Ticker)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("ledger entry corrected",
		"entry_id", id,
		"ticker", entry.Ticker,
		"kind", entry.Kind,
		"quantity", pos.Quantity.String(),
		"average_cost_cents", pos.AverageCostCents,
	)
	s.publish("position_replayed", entry.Ticker, pos)
	return entry, pos, nil
}

func applyCorrection(e *model.LedgerEntry, c Correction) error {
	if c.Kind != nil {
		if !c.Kind.IsTrade() {
			return guard.Invalid("kind must be BUY or SELL")
		}
		e.Kind = *c.Kind
	}
	if c.Quantity != nil {
		if !c.Quantity.IsPositive() {
			return guard.Invalid("quantity must be positive")
		}
		e.Quantity = *c.Quantity
	}
	if c.UnitPriceCents != nil {
		if *c.UnitPriceCents <= 0 {
			return guard.Invalid("price must be positive")
		}
		e.UnitPriceCents = *c.UnitPriceCents
	}
	if c.CommissionCents != nil {
		if *c.CommissionCents < 0 {
			return guard.Invalid("commission must not be negative")
		}
		e.CommissionCents = *c.CommissionCents
	}
	if c.At != nil {
		e.Timestamp = c.At.UTC()
	}
	if e.Kind == model.KindBuy {
		e.GrossCents, e.TotalCents = position.BuyTotals(e.Quantity, e.UnitPriceCents, e.CommissionCents)
	} else {
		e.GrossCents, e.TotalCents = position.SellTotals(e.Quantity, e.UnitPriceCents, e.CommissionCents)
	}
	return nil
}

// DeleteEntry removes a ledger entry. Removing a BUY or SELL replays its
// ticker in the same transaction; the returned position is nil for cash
// entries.
func (s *Service) DeleteEntry(ctx context.Context, id int64) (*model.Position, error) {
	current, err := s.store.GetLedgerEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(current.Ticker)
	defer unlock()

	var pos *model.Position
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		pos = nil
		entry, err := tx.GetLedgerEntry(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteLedgerEntry(ctx, id); err != nil {
			return err
		}
		if !entry.Kind.IsTrade() {
			return nil
		}
		pos, err = s.engine.Recompute(ctx, tx, entry.Ticker)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("ledger entry deleted", "entry_id", id, "ticker", current.Ticker)
	if pos != nil {
		s.publish("position_replayed", current.Ticker, pos)
	}
	return pos, nil
}

// Replay rebuilds one ticker's position from its ledger.
func (s *Service) Replay(ctx context.Context, ticker string) (*model.Position, error) {
	ticker, err := symbol.Normalize(ticker)
	if err != nil {
		return nil, guard.Invalid("%v", err)
	}
	unlock := s.locks.Lock(ticker)
	defer unlock()

	var pos *model.Position
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPosition(ctx, ticker); err != nil {
			return err
		}
		pos, err = s.engine.Recompute(ctx, tx, ticker)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish("position_replayed", ticker, pos)
	return pos, nil
}

// TransferKind is the direction of a brokerage fund transfer.
type TransferKind string

const (
	TransferDeposit  TransferKind = "DEPOSIT"
	TransferWithdraw TransferKind = "WITHDRAW"
)

// Transfer moves money between the wallet and the brokerage. Sent is what
// left the source account, Received what arrived; the difference is the fee.
type Transfer struct {
	Kind          TransferKind
	SentCents     int64
	ReceivedCents int64
}

// TransferResult reports a completed transfer.
type TransferResult struct {
	Entry              model.LedgerEntry   `json:"entry"`
	Wallet             []model.WalletEntry `json:"wallet"`
	BrokerBalanceCents int64               `json:"broker_balance_cents"`
	FeeCents           int64               `json:"fee_cents"`
}

// TransferFunds applies a deposit or withdrawal to brokerage cash and
// records the offsetting wallet entries in the same transaction.
//
// A deposit credits the received amount and books it as a wallet expense,
// with the fee as a separate expense. A withdrawal debits the sent amount
// and books the received amount as wallet income.
func (s *Service) TransferFunds(ctx context.Context, t Transfer) (*TransferResult, error) {
	if t.Kind != TransferDeposit && t.Kind != TransferWithdraw {
		return nil, guard.Invalid("kind must be DEPOSIT or WITHDRAW")
	}
	if t.SentCents <= 0 || t.ReceivedCents <= 0 {
		return nil, guard.Invalid("amounts must be positive")
	}
	if t.ReceivedCents > t.SentCents {
		return nil, guard.Invalid("received amount exceeds sent amount")
	}
	fee := t.SentCents - t.ReceivedCents
	at := s.now()

	unlock := s.locks.Lock(position.CashKey)
	defer unlock()

	var res *TransferResult
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		res = &TransferResult{FeeCents: fee}
		cash, err := tx.BrokerCash(ctx)
		if err != nil {
			return fmt.Errorf("broker cash: %w", err)
		}

		entry := model.LedgerEntry{
			Ticker:          model.CashTicker,
			Quantity:        decimal.NewFromInt(1),
			UnitPriceCents:  t.ReceivedCents,
			GrossCents:      t.ReceivedCents,
			CommissionCents: fee,
			TotalCents:      t.ReceivedCents,
			Source:          model.SourceTrade,
			Timestamp:       at,
		}
		switch t.Kind {
		case TransferDeposit:
			entry.Kind = model.KindCashDeposit
			cash.BalanceCents += t.ReceivedCents
			res.Wallet = append(res.Wallet, model.WalletEntry{
				Kind: model.FlowExpense, AmountCents: t.ReceivedCents, Currency: money.USD,
				Category: CategoryTransferOut, Timestamp: at,
			})
			if fee > 0 {
				res.Wallet = append(res.Wallet, model.WalletEntry{
					Kind: model.FlowExpense, AmountCents: fee, Currency: money.USD,
					Category: CategoryTransferFee, Timestamp: at,
				})
			}
		case TransferWithdraw:
			if err := guard.CheckDebit(cash.BalanceCents, t.SentCents); err != nil {
				return err
			}
			entry.Kind = model.KindCashWithdraw
			cash.BalanceCents -= t.SentCents
			res.Wallet = append(res.Wallet, model.WalletEntry{
				Kind: model.FlowIncome, AmountCents: t.ReceivedCents, Currency: money.USD,
				Category: CategoryTransferIn, Timestamp: at,
			})
		}

		for i := range res.Wallet {
			if err := tx.InsertWalletEntry(ctx, &res.Wallet[i]); err != nil {
				return fmt.Errorf("insert wallet entry: %w", err)
			}
		}
		if err := tx.InsertLedgerEntry(ctx, &entry); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if err := tx.PutBrokerCash(ctx, cash); err != nil {
			return fmt.Errorf("put broker cash: %w", err)
		}
		res.Entry = entry
		res.BrokerBalanceCents = cash.BalanceCents
		return nil
	})
	if err != nil {
		if errors.Is(err, guard.ErrInsufficientFunds) {
			metrics.TradeRejections.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, err
	}

	slog.Info("funds transferred",
		"kind", t.Kind,
		"sent_cents", t.SentCents,
		"received_cents", t.ReceivedCents,
		"fee_cents", fee,
		"balance_cents", res.BrokerBalanceCents,
	)
	s.publish("cash_transferred", model.CashTicker, res)
	return res, nil
}

// BrokerCash returns the brokerage cash balance.
func (s *Service) BrokerCash(ctx context.Context) (*model.BrokerCash, error) {
	return s.store.BrokerCash(ctx)
}

// AddWalletEntry records a personal cash flow. The category is stripped of
// markup.
func (s *Service) AddWalletEntry(ctx context.Context, w model.WalletEntry) (*model.WalletEntry, error) {
	if w.Kind != model.FlowIncome && w.Kind != model.FlowExpense {
		return nil, guard.Invalid("kind must be income or expense")
	}
	if w.AmountCents <= 0 {
		return nil, guard.Invalid("amount must be positive")
	}
	w.Currency = strings.ToUpper(strings.TrimSpace(w.Currency))
	if w.Currency == "" {
		w.Currency = money.USD
	}
	if w.Currency != money.USD && w.Currency != money.UYU {
		return nil, guard.Invalid("currency must be %s or %s", money.USD, money.UYU)
	}
	w.Category = s.cleanCategory(w.Category)
	if w.Timestamp.IsZero() {
		w.Timestamp = s.now()
	}
	w.ID = 0

	if err := s.store.InsertWalletEntry(ctx, &w); err != nil {
		return nil, fmt.Errorf("insert wallet entry: %w", err)
	}
	slog.Info("wallet entry added", "id", w.ID, "kind", w.Kind, "amount_cents", w.AmountCents, "currency", w.Currency)
	return &w, nil
}

func (s *Service) cleanCategory(raw string) string {
	c := strings.TrimSpace(s.sanitize.Sanitize(raw))
	if len(c) > maxCategoryLen {
		c = c[:maxCategoryLen]
	}
	return c
}

// WalletEntries lists personal cash flows, newest first.
func (s *Service) WalletEntries(ctx context.Context) ([]model.WalletEntry, error) {
	ws, err := s.store.ListWalletEntries(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].Timestamp.After(ws[j].Timestamp) })
	return ws, nil
}

// Settings returns the default commissions.
func (s *Service) Settings(ctx context.Context) (*model.Settings, error) {
	return s.store.Settings(ctx)
}

// UpdateSettings overwrites the default commissions.
func (s *Service) UpdateSettings(ctx context.Context, st model.Settings) (*model.Settings, error) {
	if st.DefaultFeeIntegerCents < 0 || st.DefaultFeeFractionCents < 0 {
		return nil, guard.Invalid("fees must not be negative")
	}
	st.ID = model.SettingsID
	if err := s.store.PutSettings(ctx, &st); err != nil {
		return nil, fmt.Errorf("put settings: %w", err)
	}
	return &st, nil
}

// SetDrip enables or disables dividend reinvestment on a position. Start
// defaults to today when enabling without one.
func (s *Service) SetDrip(ctx context.Context, ticker string, enabled bool, start *time.Time) (*model.Position, error) {
	ticker, err := symbol.Normalize(ticker)
	if err != nil {
		return nil, guard.Invalid("%v", err)
	}
	unlock := s.locks.Lock(ticker)
	defer unlock()

	var pos *model.Position
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if pos, err = tx.GetPosition(ctx, ticker); err != nil {
			return err
		}
		pos.DripEnabled = enabled
		switch {
		case start != nil:
			st := start.UTC()
			pos.DripStart = &st
		case enabled && pos.DripStart == nil:
			today := s.now().Truncate(24 * time.Hour)
			pos.DripStart = &today
		}
		return tx.PutPosition(ctx, pos)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("drip configured", "ticker", ticker, "enabled", enabled)
	return pos, nil
}

// RemovePosition deletes a position together with its ledger history, so a
// later trade on the ticker starts from an empty ledger.
func (s *Service) RemovePosition(ctx context.Context, ticker string) error {
	ticker, err := symbol.Normalize(ticker)
	if err != nil {
		return guard.Invalid("%v", err)
	}
	unlock := s.locks.Lock(ticker)
	defer unlock()

	var removed int
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPosition(ctx, ticker); err != nil {
			return err
		}
		entries, err := tx.LedgerEntriesByTicker(ctx, ticker)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.DeleteLedgerEntry(ctx, e.ID); err != nil {
				return err
			}
		}
		removed = len(entries)
		return tx.DeletePosition(ctx, ticker)
	})
	if err != nil {
		return err
	}
	if qi, ok := s.store.(store.QuoteInvalidator); ok {
		qi.InvalidateQuotes(ctx, ticker)
	}
	slog.Info("position removed", "ticker", ticker, "entries", removed)
	s.publish("position_removed", ticker, nil)
	return nil
}

// Positions lists every stored position.
func (s *Service) Positions(ctx context.Context) ([]model.Position, error) {
	return s.store.ListPositions(ctx)
}

// History returns ledger entries newest first, for one ticker or for all
// when ticker is empty.
func (s *Service) History(ctx context.Context, ticker string) ([]model.LedgerEntry, error) {
	var (
		entries []model.LedgerEntry
		err     error
	)
	if ticker == "" {
		entries, err = s.store.ListLedgerEntries(ctx)
	} else {
		if ticker, err = symbol.Normalize(ticker); err != nil {
			return nil, guard.Invalid("%v", err)
		}
		entries, err = s.store.LedgerEntriesByTicker(ctx, ticker)
	}
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Service) publish(kind, ticker string, payload any) {
	if s.wsHub != nil {
		s.wsHub.Publish(kind, ticker, payload)
	}
}
