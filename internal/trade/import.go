package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/guard"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/money"
	"github.com/nahueldlsl/financial-os/internal/position"
	"github.com/nahueldlsl/financial-os/internal/store"
	"github.com/nahueldlsl/financial-os/internal/symbol"
)

// importRow is one bulk import record. A row is either a historical trade
// (kind, quantity, price) or a holdings snapshot (Cantidad_Total,
// Precio_Promedio), which becomes an opening BUY.
type importRow struct {
	Ticker     string           `json:"ticker"`
	Kind       string           `json:"kind"`
	Quantity   *decimal.Decimal `json:"quantity"`
	Price      *decimal.Decimal `json:"price"`
	Commission *decimal.Decimal `json:"commission"`
	Date       string           `json:"date"`
	Drip       *bool            `json:"drip"`
	DripStart  string           `json:"drip_start"`

	SnapshotQuantity *decimal.Decimal `json:"Cantidad_Total"`
	SnapshotAverage  *decimal.Decimal `json:"Precio_Promedio"`
}

// ImportResult reports a bulk import. Rejected rows are listed, never fatal.
type ImportResult struct {
	BatchID  string                       `json:"batch_id"`
	Imported int                          `json:"imported"`
	Tickers  []string                     `json:"tickers"`
	Rejected []guard.MalformedRecordError `json:"rejected"`
	Failed   map[string]string            `json:"failed"`
}

type dripSetting struct {
	enabled bool
	start   *time.Time
}

// Import loads historical ledger rows from a JSON array, optionally wrapped
// in a markdown code fence. Each touched ticker is inserted and replayed in
// its own transaction; a ticker whose history does not replay is rolled
// back and reported while the others commit. Import never moves brokerage
// cash.
func (s *Service) Import(ctx context.Context, content string) (*ImportResult, error) {
	raw, err := parseImport(content)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{
		BatchID:  uuid.New().String(),
		Tickers:  []string{},
		Rejected: []guard.MalformedRecordError{},
		Failed:   map[string]string{},
	}
	byTicker := make(map[string][]*model.LedgerEntry)
	drip := make(map[string]dripSetting)
	for i, r := range raw {
		entry, ds, err := s.importEntry(i+1, r)
		if err != nil {
			var mr *guard.MalformedRecordError
			if errors.As(err, &mr) {
				res.Rejected = append(res.Rejected, *mr)
				continue
			}
			return nil, err
		}
		byTicker[entry.Ticker] = append(byTicker[entry.Ticker], entry)
		if ds != nil {
			drip[entry.Ticker] = *ds
		}
	}

	tickers := make([]string, 0, len(byTicker))
	for t := range byTicker {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	for _, ticker := range tickers {
		ds, hasDrip := drip[ticker]
		var dsp *dripSetting
		if hasDrip {
			dsp = &ds
		}
		pos, err := s.importTicker(ctx, ticker, byTicker[ticker], dsp)
		if err != nil {
			res.Failed[ticker] = err.Error()
			slog.Warn("import ticker failed", "batch_id", res.BatchID, "ticker", ticker, "error", err)
			continue
		}
		res.Imported += len(byTicker[ticker])
		res.Tickers = append(res.Tickers, ticker)
		s.publish("position_replayed", ticker, pos)
	}

	slog.Info("import finished",
		"batch_id", res.BatchID,
		"imported", res.Imported,
		"tickers", len(res.Tickers),
		"rejected", len(res.Rejected),
		"failed", len(res.Failed),
	)
	return res, nil
}

func parseImport(content string) ([]json.RawMessage, error) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var rows []json.RawMessage
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		return nil, guard.Invalid("import must be a JSON array: %v", err)
	}
	return rows, nil
}

func malformed(row int, field, format string, args ...any) error {
	return &guard.MalformedRecordError{Row: row, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (s *Service) importEntry(n int, raw json.RawMessage) (*model.LedgerEntry, *dripSetting, error) {
	var r importRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, nil, malformed(n, "row", "not a valid object: %v", err)
	}

	ticker, err := symbol.Normalize(r.Ticker)
	if err != nil {
		return nil, nil, malformed(n, "ticker", "%v", err)
	}

	entry := &model.LedgerEntry{Ticker: ticker, Source: model.SourceImport}
	var qty, price *decimal.Decimal
	switch {
	case r.SnapshotQuantity != nil || r.SnapshotAverage != nil:
		entry.Kind = model.KindBuy
		qty, price = r.SnapshotQuantity, r.SnapshotAverage
	default:
		entry.Kind = model.EntryKind(strings.ToUpper(strings.TrimSpace(r.Kind)))
		if !entry.Kind.IsTrade() {
			return nil, nil, malformed(n, "kind", "must be BUY or SELL, got %q", r.Kind)
		}
		qty, price = r.Quantity, r.Price
	}
	if qty == nil || !qty.IsPositive() {
		return nil, nil, malformed(n, "quantity", "must be a positive number")
	}
	if price == nil || !price.IsPositive() {
		return nil, nil, malformed(n, "price", "must be a positive number")
	}
	entry.Quantity = *qty
	entry.UnitPriceCents = money.ToCents(*price)

	if r.Commission != nil {
		if r.Commission.IsNegative() {
			return nil, nil, malformed(n, "commission", "must not be negative")
		}
		entry.CommissionCents = money.ToCents(*r.Commission)
	}

	entry.Timestamp = s.now()
	if r.Date != "" {
		if entry.Timestamp, err = parseDate(r.Date); err != nil {
			return nil, nil, malformed(n, "date", "%v", err)
		}
	}

	if entry.Kind == model.KindBuy {
		entry.GrossCents, entry.TotalCents = position.BuyTotals(entry.Quantity, entry.UnitPriceCents, entry.CommissionCents)
	} else {
		entry.GrossCents, entry.TotalCents = position.SellTotals(entry.Quantity, entry.UnitPriceCents, entry.CommissionCents)
	}

	var ds *dripSetting
	if r.Drip != nil {
		ds = &dripSetting{enabled: *r.Drip}
		if r.DripStart != "" {
			start, err := parseDate(r.DripStart)
			if err != nil {
				return nil, nil, malformed(n, "drip_start", "%v", err)
			}
			ds.start = &start
		}
	}
	return entry, ds, nil
}

// parseDate accepts RFC 3339 timestamps and plain dates.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}

// importTicker inserts one ticker's rows, assigns realized gains to the
// imported SELLs from the replayed average cost, and replays the ticker.
func (s *Service) importTicker(ctx context.Context, ticker string, entries []*model.LedgerEntry, ds *dripSetting) (*model.Position, error) {
	unlock := s.locks.Lock(ticker)
	defer unlock()

	var pos *model.Position
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		imported := make(map[int64]bool, len(entries))
		for _, e := range entries {
			if err := tx.InsertLedgerEntry(ctx, e); err != nil {
				return fmt.Errorf("insert ledger entry: %w", err)
			}
			imported[e.ID] = true
		}

		history, err := tx.LedgerEntriesByTicker(ctx, ticker)
		if err != nil {
			return fmt.Errorf("load ledger %s: %w", ticker, err)
		}
		fold := s.engine.Fold()
		var gains []model.LedgerEntry
		_, bad, err := fold.Replay(history, func(before position.State, e *model.LedgerEntry) {
			if e.Kind == model.KindSell && imported[e.ID] {
				gain := fold.RealizedGain(before, e.Quantity, e.TotalCents)
				cp := *e
				cp.RealizedGainCents = &gain
				gains = append(gains, cp)
			}
		})
		if err != nil {
			return &guard.ReplayError{Ticker: ticker, EntryID: bad.ID, Reason: err.Error()}
		}
		for i := range gains {
			if err := tx.UpdateLedgerEntry(ctx, &gains[i]); err != nil {
				return fmt.Errorf("update entry %d: %w", gains[i].ID, err)
			}
		}

		if pos, err = s.engine.Recompute(ctx, tx, ticker); err != nil {
			return err
		}
		if ds != nil {
			pos.DripEnabled = ds.enabled
			if ds.start != nil {
				pos.DripStart = ds.start
			}
			if err := tx.PutPosition(ctx, pos); err != nil {
				return fmt.Errorf("put position %s: %w", ticker, err)
			}
		}
		return nil
	})
	return pos, err
}
