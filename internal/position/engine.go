package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nahueldlsl/financial-os/internal/guard"
	"github.com/nahueldlsl/financial-os/internal/metrics"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/store"
)

// Engine is the only writer of position quantity and average cost.
// Every method runs inside the caller's transaction.
type Engine struct {
	fold Fold
}

// NewEngine creates an engine around fold.
func NewEngine(fold Fold) *Engine {
	return &Engine{fold: fold}
}

// Fold returns the engine's fold.
func (e *Engine) Fold() Fold { return e.fold }

// AppendResult is the outcome of recording a trade entry.
type AppendResult struct {
	Before   State
	Position *model.Position
	Replayed bool
}

// Append records a BUY or SELL entry and updates its position.
//
// When the entry is the newest for its ticker the stored position is
// advanced incrementally. A back-dated entry is folded at its place in
// history and the ticker is replayed. SELL entries get their realized gain
// from the average cost in effect just before them.
func (e *Engine) Append(ctx context.Context, tx store.Tx, entry *model.LedgerEntry) (*AppendResult, error) {
	if !entry.Kind.IsTrade() {
		return nil, fmt.Errorf("append: %s is not a trade entry", entry.Kind)
	}

	pos, err := e.loadOrNew(ctx, tx, entry.Ticker)
	if err != nil {
		return nil, err
	}

	history, err := tx.LedgerEntriesByTicker(ctx, entry.Ticker)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", entry.Ticker, err)
	}

	tail := len(history) == 0 || !entry.Timestamp.Before(history[len(history)-1].Timestamp)

	before := StateOf(pos)
	if !tail {
		before, err = e.stateAt(entry.Ticker, history, entry)
		if err != nil {
			return nil, err
		}
	}

	if entry.Kind == model.KindSell {
		if err := guard.CheckSell(entry.Ticker, before.Quantity, entry.Quantity); err != nil {
			return nil, err
		}
		gain := e.fold.RealizedGain(before, entry.Quantity, entry.TotalCents)
		entry.RealizedGainCents = &gain
	}

	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if !tail {
		p, err := e.Recompute(ctx, tx, entry.Ticker)
		if err != nil {
			return nil, err
		}
		return &AppendResult{Before: before, Position: p, Replayed: true}, nil
	}

	next, err := e.fold.Apply(before, entry)
	if err != nil {
		return nil, &guard.ReplayError{Ticker: entry.Ticker, EntryID: entry.ID, Reason: err.Error()}
	}
	pos.Quantity = next.Quantity
	pos.AverageCostCents = next.AverageCostCents
	if err := tx.PutPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("put position %s: %w", entry.Ticker, err)
	}
	return &AppendResult{Before: before, Position: pos}, nil
}

// Recompute rebuilds a ticker's position purely from its ledger and
// overwrites the stored quantity and average cost. DRIP settings and the
// cached price are preserved. Running it twice yields the same position.
func (e *Engine) Recompute(ctx context.Context, tx store.Tx, ticker string) (*model.Position, error) {
	entries, err := tx.LedgerEntriesByTicker(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", ticker, err)
	}

	st, bad, err := e.fold.Replay(entries, nil)
	if err != nil {
		metrics.ReplaysTotal.WithLabelValues("inconsistent").Inc()
		return nil, &guard.ReplayError{Ticker: ticker, EntryID: bad.ID, Reason: err.Error()}
	}

	pos, err := e.loadOrNew(ctx, tx, ticker)
	if err != nil {
		return nil, err
	}
	pos.Quantity = st.Quantity
	pos.AverageCostCents = st.AverageCostCents
	if err := tx.PutPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("put position %s: %w", ticker, err)
	}

	metrics.ReplaysTotal.WithLabelValues("ok").Inc()
	slog.Info("ledger replayed",
		"ticker", ticker,
		"entries", len(entries),
		"quantity", st.Quantity.String(),
		"average_cost_cents", st.AverageCostCents,
	)
	return pos, nil
}

// StateBefore returns the fold state immediately before the entry with the
// given ID, replaying entries in order.
func (e *Engine) StateBefore(entries []model.LedgerEntry, id int64) (State, error) {
	var before State
	found := false
	_, bad, err := e.fold.Replay(entries, func(s State, entry *model.LedgerEntry) {
		if entry.ID == id {
			before, found = s, true
		}
	})
	if found {
		return before, nil
	}
	if err != nil {
		return State{}, &guard.ReplayError{Ticker: bad.Ticker, EntryID: bad.ID, Reason: err.Error()}
	}
	return State{}, store.ErrNotFound
}

// stateAt replays the entries ordered at or before the new entry's timestamp.
func (e *Engine) stateAt(ticker string, history []model.LedgerEntry, entry *model.LedgerEntry) (State, error) {
	n := 0
	for n < len(history) && !history[n].Timestamp.After(entry.Timestamp) {
		n++
	}
	st, bad, err := e.fold.Replay(history[:n], nil)
	if err != nil {
		return State{}, &guard.ReplayError{Ticker: ticker, EntryID: bad.ID, Reason: err.Error()}
	}
	return st, nil
}

func (e *Engine) loadOrNew(ctx context.Context, tx store.Tx, ticker string) (*model.Position, error) {
	pos, err := tx.GetPosition(ctx, ticker)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Position{Ticker: ticker}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", ticker, err)
	}
	return pos, nil
}

// StateAsOf returns the fold state from entries dated strictly before
// at. history must be in ledger order.
func (e *Engine) StateAsOf(ticker string, history []model.LedgerEntry, at time.Time) (State, error) {
	n := 0
	for n < len(history) && history[n].Timestamp.Before(at) {
		n++
	}
	st, bad, err := e.fold.Replay(history[:n], nil)
	if err != nil {
		return State{}, &guard.ReplayError{Ticker: ticker, EntryID: bad.ID, Reason: err.Error()}
	}
	return st, nil
}
