package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/nahueldlsl/financial-os/internal/model"
)

// tsLayout is fixed-width so that timestamps stored as TEXT sort
// chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// OpenSQLite opens a SQLite database file with WAL journaling. SQLite has a
// single writer, so the pool is limited to one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store on a local SQLite file. Transactions are
// serialized by the single connection.
type SQLiteStore struct {
	sqliteTx
	db *sql.DB
}

// NewSQLiteStore wraps an open database. Call MigrateSQLite first.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqliteTx: sqliteTx{q: db}, db: db}
}

// WithinTx runs fn in a transaction.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetQuotes reads cached prices from the positions table.
func (s *SQLiteStore) GetQuotes(ctx context.Context, tickers []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(tickers))
	if len(tickers) == 0 {
		return out, nil
	}
	args := make([]any, len(tickers))
	for i, t := range tickers {
		args[i] = t
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticker, last_price_cents, price_fetched_at FROM positions
		 WHERE price_fetched_at IS NOT NULL AND ticker IN (`+placeholders(len(tickers))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Quote
		var fetched string
		if err := rows.Scan(&q.Ticker, &q.PriceCents, &fetched); err != nil {
			return nil, err
		}
		if q.FetchedAt, err = parseTS(fetched); err != nil {
			return nil, err
		}
		out[q.Ticker] = q
	}
	return out, rows.Err()
}

// PutQuotes writes prices onto existing positions.
func (s *SQLiteStore) PutQuotes(ctx context.Context, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	return s.WithinTx(ctx, func(tx Tx) error {
		q := tx.(*sqliteTx).q
		for _, quote := range quotes {
			if _, err := q.ExecContext(ctx,
				`UPDATE positions SET last_price_cents = ?, price_fetched_at = ? WHERE ticker = ?`,
				quote.PriceCents, formatTS(quote.FetchedAt), quote.Ticker); err != nil {
				return fmt.Errorf("put quote %s: %w", quote.Ticker, err)
			}
		}
		return nil
	})
}

// sqliteTx implements Tx over a database or an open transaction.
type sqliteTx struct {
	q sqlQuerier
}

const sqlitePositionColumns = `ticker, quantity, average_cost_cents, drip_enabled, drip_start,
	drip_last_processed, last_price_cents, price_fetched_at, updated_at`

const sqliteLedgerColumns = `id, ticker, kind, quantity, unit_price_cents, gross_cents,
	commission_cents, total_cents, realized_gain_cents, source, ts`

func (t *sqliteTx) GetPosition(ctx context.Context, ticker string) (*model.Position, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE ticker = ?`, ticker)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", ticker, err)
	}
	return p, nil
}

func (t *sqliteTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO positions (ticker, quantity, average_cost_cents, drip_enabled, drip_start,
		                        drip_last_processed, last_price_cents, price_fetched_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticker) DO UPDATE SET
		     quantity = excluded.quantity,
		     average_cost_cents = excluded.average_cost_cents,
		     drip_enabled = excluded.drip_enabled,
		     drip_start = excluded.drip_start,
		     drip_last_processed = excluded.drip_last_processed,
		     updated_at = excluded.updated_at`,
		p.Ticker, p.Quantity.String(), p.AverageCostCents, p.DripEnabled,
		nullTS(p.DripStart), nullTS(p.DripLastProcessed),
		p.LastPriceCents, nullTS(p.PriceFetchedAt), formatTS(now()),
	)
	if err != nil {
		return fmt.Errorf("put position %s: %w", p.Ticker, err)
	}
	return nil
}

func (t *sqliteTx) DeletePosition(ctx context.Context, ticker string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM positions WHERE ticker = ?`, ticker)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", ticker, err)
	}
	return affected(res)
}

func (t *sqliteTx) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+sqlitePositionColumns+` FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *sqliteTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO ledger_entries (ticker, kind, quantity, unit_price_cents, gross_cents,
		                             commission_cents, total_cents, realized_gain_cents, source, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Ticker, string(e.Kind), e.Quantity.String(), e.UnitPriceCents, e.GrossCents,
		e.CommissionCents, e.TotalCents, nullInt(e.RealizedGainCents), string(e.Source), formatTS(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetLedgerEntry(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+sqliteLedgerColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanSQLiteLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", id, err)
	}
	return e, nil
}

func (t *sqliteTx) UpdateLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE ledger_entries
		 SET ticker = ?, kind = ?, quantity = ?, unit_price_cents = ?, gross_cents = ?,
		     commission_cents = ?, total_cents = ?, realized_gain_cents = ?, source = ?, ts = ?
		 WHERE id = ?`,
		e.Ticker, string(e.Kind), e.Quantity.String(), e.UnitPriceCents, e.GrossCents,
		e.CommissionCents, e.TotalCents, nullInt(e.RealizedGainCents), string(e.Source),
		formatTS(e.Timestamp), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update ledger entry %d: %w", e.ID, err)
	}
	return affected(res)
}

func (t *sqliteTx) DeleteLedgerEntry(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete ledger entry %d: %w", id, err)
	}
	return affected(res)
}

func (t *sqliteTx) LedgerEntriesByTicker(ctx context.Context, ticker string) ([]model.LedgerEntry, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+sqliteLedgerColumns+` FROM ledger_entries WHERE ticker = ? ORDER BY ts, id`, ticker)
	if err != nil {
		return nil, fmt.Errorf("ledger entries %s: %w", ticker, err)
	}
	defer rows.Close()
	return scanSQLiteLedgerEntries(rows)
}

func (t *sqliteTx) ListLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+sqliteLedgerColumns+` FROM ledger_entries ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()
	return scanSQLiteLedgerEntries(rows)
}

func (t *sqliteTx) BrokerCash(ctx context.Context) (*model.BrokerCash, error) {
	if _, err := t.q.ExecContext(ctx,
		`INSERT INTO broker_cash (id, balance_cents, updated_at) VALUES (?, 0, ?)
		 ON CONFLICT (id) DO NOTHING`, model.BrokerCashID, formatTS(now())); err != nil {
		return nil, fmt.Errorf("init broker cash: %w", err)
	}
	var c model.BrokerCash
	var updated string
	err := t.q.QueryRowContext(ctx,
		`SELECT id, balance_cents, updated_at FROM broker_cash WHERE id = ?`, model.BrokerCashID).
		Scan(&c.ID, &c.BalanceCents, &updated)
	if err != nil {
		return nil, fmt.Errorf("get broker cash: %w", err)
	}
	if c.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *sqliteTx) PutBrokerCash(ctx context.Context, c *model.BrokerCash) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO broker_cash (id, balance_cents, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET balance_cents = excluded.balance_cents, updated_at = excluded.updated_at`,
		model.BrokerCashID, c.BalanceCents, formatTS(now()))
	if err != nil {
		return fmt.Errorf("put broker cash: %w", err)
	}
	return nil
}

func (t *sqliteTx) Settings(ctx context.Context) (*model.Settings, error) {
	if _, err := t.q.ExecContext(ctx,
		`INSERT INTO settings (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, model.SettingsID); err != nil {
		return nil, fmt.Errorf("init settings: %w", err)
	}
	var st model.Settings
	err := t.q.QueryRowContext(ctx,
		`SELECT id, default_fee_integer_cents, default_fee_fractional_cents FROM settings WHERE id = ?`,
		model.SettingsID).Scan(&st.ID, &st.DefaultFeeIntegerCents, &st.DefaultFeeFractionCents)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &st, nil
}

func (t *sqliteTx) PutSettings(ctx context.Context, st *model.Settings) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO settings (id, default_fee_integer_cents, default_fee_fractional_cents) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     default_fee_integer_cents = excluded.default_fee_integer_cents,
		     default_fee_fractional_cents = excluded.default_fee_fractional_cents`,
		model.SettingsID, st.DefaultFeeIntegerCents, st.DefaultFeeFractionCents)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertWalletEntry(ctx context.Context, w *model.WalletEntry) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO wallet_entries (kind, amount_cents, currency, category, ts) VALUES (?, ?, ?, ?, ?)`,
		string(w.Kind), w.AmountCents, w.Currency, w.Category, formatTS(w.Timestamp))
	if err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}
	if w.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) ListWalletEntries(ctx context.Context) ([]model.WalletEntry, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT id, kind, amount_cents, currency, category, ts FROM wallet_entries ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("list wallet entries: %w", err)
	}
	defer rows.Close()

	var out []model.WalletEntry
	for rows.Next() {
		var w model.WalletEntry
		var kind, ts string
		if err := rows.Scan(&w.ID, &kind, &w.AmountCents, &w.Currency, &w.Category, &ts); err != nil {
			return nil, err
		}
		w.Kind = model.FlowKind(kind)
		if w.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *sqliteTx) WalletTotals(ctx context.Context) (map[string]int64, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT currency, COALESCE(SUM(CASE WHEN kind = 'expense' THEN -amount_cents ELSE amount_cents END), 0)
		 FROM wallet_entries GROUP BY currency`)
	if err != nil {
		return nil, fmt.Errorf("wallet totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var cur string
		var sum int64
		if err := rows.Scan(&cur, &sum); err != nil {
			return nil, err
		}
		totals[cur] = sum
	}
	return totals, rows.Err()
}

// --- scanning and encoding helpers ---

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLitePosition(row sqlRow) (*model.Position, error) {
	var p model.Position
	var qty, updated string
	var dripStart, dripLast, fetched sql.NullString
	if err := row.Scan(&p.Ticker, &qty, &p.AverageCostCents, &p.DripEnabled, &dripStart,
		&dripLast, &p.LastPriceCents, &fetched, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("position %s quantity: %w", p.Ticker, err)
	}
	if p.DripStart, err = parseNullTS(dripStart); err != nil {
		return nil, err
	}
	if p.DripLastProcessed, err = parseNullTS(dripLast); err != nil {
		return nil, err
	}
	if p.PriceFetchedAt, err = parseNullTS(fetched); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSQLiteLedgerEntry(row sqlRow) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind, qty, source, ts string
	var gain sql.NullInt64
	if err := row.Scan(&e.ID, &e.Ticker, &kind, &qty, &e.UnitPriceCents, &e.GrossCents,
		&e.CommissionCents, &e.TotalCents, &gain, &source, &ts); err != nil {
		return nil, err
	}
	var err error
	if e.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("ledger entry %d quantity: %w", e.ID, err)
	}
	if e.Timestamp, err = parseTS(ts); err != nil {
		return nil, err
	}
	e.Kind = model.EntryKind(kind)
	e.Source = model.EntrySource(source)
	if gain.Valid {
		g := gain.Int64
		e.RealizedGainCents = &g
	}
	return &e, nil
}

func scanSQLiteLedgerEntries(rows *sql.Rows) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanSQLiteLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
