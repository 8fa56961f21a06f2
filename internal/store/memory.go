package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nahueldlsl/financial-os/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration and operate on
// a copy of the state that replaces the live state on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	positions    map[string]*model.Position
	ledger       map[int64]*model.LedgerEntry
	wallet       []model.WalletEntry
	cash         *model.BrokerCash
	settings     *model.Settings
	nextLedgerID int64
	nextWalletID int64
}

func newMemState() *memState {
	return &memState{
		positions: make(map[string]*model.Position),
		ledger:    make(map[int64]*model.LedgerEntry),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		positions:    make(map[string]*model.Position, len(s.positions)),
		ledger:       make(map[int64]*model.LedgerEntry, len(s.ledger)),
		wallet:       append([]model.WalletEntry(nil), s.wallet...),
		nextLedgerID: s.nextLedgerID,
		nextWalletID: s.nextWalletID,
	}
	for k, p := range s.positions {
		c.positions[k] = copyPosition(p)
	}
	for k, e := range s.ledger {
		c.ledger[k] = copyEntry(e)
	}
	if s.cash != nil {
		cash := *s.cash
		c.cash = &cash
	}
	if s.settings != nil {
		st := *s.settings
		c.settings = &st
	}
	return c
}

// WithinTx runs fn against a private copy of the state.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

// --- Autocommit wrappers ---

func (m *MemoryStore) read(fn func(s *memState)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.state)
}

func (m *MemoryStore) write(fn func(s *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

func (m *MemoryStore) GetPosition(ctx context.Context, ticker string) (p *model.Position, err error) {
	m.read(func(s *memState) { p, err = s.GetPosition(ctx, ticker) })
	return
}

func (m *MemoryStore) PutPosition(ctx context.Context, p *model.Position) (err error) {
	m.write(func(s *memState) { err = s.PutPosition(ctx, p) })
	return
}

func (m *MemoryStore) DeletePosition(ctx context.Context, ticker string) (err error) {
	m.write(func(s *memState) { err = s.DeletePosition(ctx, ticker) })
	return
}

func (m *MemoryStore) ListPositions(ctx context.Context) (ps []model.Position, err error) {
	m.read(func(s *memState) { ps, err = s.ListPositions(ctx) })
	return
}

func (m *MemoryStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (err error) {
	m.write(func(s *memState) { err = s.InsertLedgerEntry(ctx, e) })
	return
}

func (m *MemoryStore) GetLedgerEntry(ctx context.Context, id int64) (e *model.LedgerEntry, err error) {
	m.read(func(s *memState) { e, err = s.GetLedgerEntry(ctx, id) })
	return
}

func (m *MemoryStore) UpdateLedgerEntry(ctx context.Context, e *model.LedgerEntry) (err error) {
	m.write(func(s *memState) { err = s.UpdateLedgerEntry(ctx, e) })
	return
}

func (m *MemoryStore) DeleteLedgerEntry(ctx context.Context, id int64) (err error) {
	m.write(func(s *memState) { err = s.DeleteLedgerEntry(ctx, id) })
	return
}

func (m *MemoryStore) LedgerEntriesByTicker(ctx context.Context, ticker string) (es []model.LedgerEntry, err error) {
	m.read(func(s *memState) { es, err = s.LedgerEntriesByTicker(ctx, ticker) })
	return
}

func (m *MemoryStore) ListLedgerEntries(ctx context.Context) (es []model.LedgerEntry, err error) {
	m.read(func(s *memState) { es, err = s.ListLedgerEntries(ctx) })
	return
}

// BrokerCash may initialise the row, so it takes the write lock.
func (m *MemoryStore) BrokerCash(ctx context.Context) (c *model.BrokerCash, err error) {
	m.write(func(s *memState) { c, err = s.BrokerCash(ctx) })
	return
}

func (m *MemoryStore) PutBrokerCash(ctx context.Context, c *model.BrokerCash) (err error) {
	m.write(func(s *memState) { err = s.PutBrokerCash(ctx, c) })
	return
}

func (m *MemoryStore) Settings(ctx context.Context) (st *model.Settings, err error) {
	m.write(func(s *memState) { st, err = s.Settings(ctx) })
	return
}

func (m *MemoryStore) PutSettings(ctx context.Context, st *model.Settings) (err error) {
	m.write(func(s *memState) { err = s.PutSettings(ctx, st) })
	return
}

func (m *MemoryStore) InsertWalletEntry(ctx context.Context, w *model.WalletEntry) (err error) {
	m.write(func(s *memState) { err = s.InsertWalletEntry(ctx, w) })
	return
}

func (m *MemoryStore) ListWalletEntries(ctx context.Context) (ws []model.WalletEntry, err error) {
	m.read(func(s *memState) { ws, err = s.ListWalletEntries(ctx) })
	return
}

func (m *MemoryStore) WalletTotals(ctx context.Context) (t map[string]int64, err error) {
	m.read(func(s *memState) { t, err = s.WalletTotals(ctx) })
	return
}

// GetQuotes reads cached prices from positions.
func (m *MemoryStore) GetQuotes(_ context.Context, tickers []string) (map[string]model.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.Quote, len(tickers))
	for _, t := range tickers {
		p, ok := m.state.positions[t]
		if !ok || p.PriceFetchedAt == nil {
			continue
		}
		out[t] = model.Quote{Ticker: t, PriceCents: p.LastPriceCents, FetchedAt: *p.PriceFetchedAt}
	}
	return out, nil
}

// PutQuotes writes prices onto existing positions. Quotes for tickers
// without a position are dropped.
func (m *MemoryStore) PutQuotes(_ context.Context, quotes []model.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range quotes {
		p, ok := m.state.positions[q.Ticker]
		if !ok {
			continue
		}
		fetched := q.FetchedAt
		p.LastPriceCents = q.PriceCents
		p.PriceFetchedAt = &fetched
	}
	return nil
}

// --- memState implements Tx without locking ---

func (s *memState) GetPosition(_ context.Context, ticker string) (*model.Position, error) {
	p, ok := s.positions[ticker]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPosition(p), nil
}

func (s *memState) PutPosition(_ context.Context, p *model.Position) error {
	c := copyPosition(p)
	c.UpdatedAt = now()
	s.positions[p.Ticker] = c
	return nil
}

func (s *memState) DeletePosition(_ context.Context, ticker string) error {
	if _, ok := s.positions[ticker]; !ok {
		return ErrNotFound
	}
	delete(s.positions, ticker)
	return nil
}

func (s *memState) ListPositions(_ context.Context) ([]model.Position, error) {
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *copyPosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *memState) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s.nextLedgerID++
	e.ID = s.nextLedgerID
	s.ledger[e.ID] = copyEntry(e)
	return nil
}

func (s *memState) GetLedgerEntry(_ context.Context, id int64) (*model.LedgerEntry, error) {
	e, ok := s.ledger[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *memState) UpdateLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	if _, ok := s.ledger[e.ID]; !ok {
		return ErrNotFound
	}
	s.ledger[e.ID] = copyEntry(e)
	return nil
}

func (s *memState) DeleteLedgerEntry(_ context.Context, id int64) error {
	if _, ok := s.ledger[id]; !ok {
		return ErrNotFound
	}
	delete(s.ledger, id)
	return nil
}

func (s *memState) LedgerEntriesByTicker(_ context.Context, ticker string) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Ticker == ticker {
			out = append(out, *copyEntry(e))
		}
	}
	SortEntries(out)
	return out, nil
}

func (s *memState) ListLedgerEntries(_ context.Context) ([]model.LedgerEntry, error) {
	out := make([]model.LedgerEntry, 0, len(s.ledger))
	for _, e := range s.ledger {
		out = append(out, *copyEntry(e))
	}
	SortEntries(out)
	return out, nil
}

func (s *memState) BrokerCash(_ context.Context) (*model.BrokerCash, error) {
	if s.cash == nil {
		s.cash = &model.BrokerCash{ID: model.BrokerCashID, UpdatedAt: now()}
	}
	c := *s.cash
	return &c, nil
}

func (s *memState) PutBrokerCash(_ context.Context, c *model.BrokerCash) error {
	cp := *c
	cp.ID = model.BrokerCashID
	cp.UpdatedAt = now()
	s.cash = &cp
	return nil
}

func (s *memState) Settings(_ context.Context) (*model.Settings, error) {
	if s.settings == nil {
		s.settings = &model.Settings{ID: model.SettingsID}
	}
	st := *s.settings
	return &st, nil
}

func (s *memState) PutSettings(_ context.Context, st *model.Settings) error {
	cp := *st
	cp.ID = model.SettingsID
	s.settings = &cp
	return nil
}

func (s *memState) InsertWalletEntry(_ context.Context, w *model.WalletEntry) error {
	s.nextWalletID++
	w.ID = s.nextWalletID
	s.wallet = append(s.wallet, *w)
	return nil
}

func (s *memState) ListWalletEntries(_ context.Context) ([]model.WalletEntry, error) {
	out := append([]model.WalletEntry(nil), s.wallet...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memState) WalletTotals(_ context.Context) (map[string]int64, error) {
	totals := make(map[string]int64)
	for i := range s.wallet {
		totals[s.wallet[i].Currency] += s.wallet[i].Signed()
	}
	return totals, nil
}

// SortEntries orders entries by timestamp, ties broken by ID.
func SortEntries(es []model.LedgerEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].Timestamp.Equal(es[j].Timestamp) {
			return es[i].Timestamp.Before(es[j].Timestamp)
		}
		return es[i].ID < es[j].ID
	})
}

func copyPosition(p *model.Position) *model.Position {
	c := *p
	c.DripStart = copyTime(p.DripStart)
	c.DripLastProcessed = copyTime(p.DripLastProcessed)
	c.PriceFetchedAt = copyTime(p.PriceFetchedAt)
	return &c
}

func copyEntry(e *model.LedgerEntry) *model.LedgerEntry {
	c := *e
	if e.RealizedGainCents != nil {
		g := *e.RealizedGainCents
		c.RealizedGainCents = &g
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
