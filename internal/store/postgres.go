package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/model"
)

// serializationRetries bounds how often a transaction is retried after a
// serialization failure (SQLSTATE 40001).
const serializationRetries = 3

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities are stored as NUMERIC; money as BIGINT cents.
type PostgresStore struct {
	pgTx
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgTx: pgTx{q: pool}, pool: pool}
}

// WithinTx runs fn in a serializable transaction, retrying on
// serialization failures.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < serializationRetries; attempt++ {
		err = s.withinTx(ctx, fn)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "40001" {
			return err
		}
	}
	return err
}

func (s *PostgresStore) withinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetQuotes reads cached prices from the positions table.
func (s *PostgresStore) GetQuotes(ctx context.Context, tickers []string) (map[string]model.Quote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, last_price_cents, price_fetched_at
		 FROM positions
		 WHERE ticker = ANY($1) AND price_fetched_at IS NOT NULL`, tickers)
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Quote, len(tickers))
	for rows.Next() {
		var q model.Quote
		if err := rows.Scan(&q.Ticker, &q.PriceCents, &q.FetchedAt); err != nil {
			return nil, err
		}
		out[q.Ticker] = q
	}
	return out, rows.Err()
}

// PutQuotes writes prices onto existing positions in one batch.
func (s *PostgresStore) PutQuotes(ctx context.Context, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(
			`UPDATE positions SET last_price_cents = $2, price_fetched_at = $3 WHERE ticker = $1`,
			q.Ticker, q.PriceCents, q.FetchedAt,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range quotes {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("put quotes: %w", err)
		}
	}
	return nil
}

// pgTx implements Tx over a pool (autocommit) or an open transaction.
type pgTx struct {
	q querier
}

const positionColumns = `ticker, quantity::TEXT, average_cost_cents,
	drip_enabled, drip_start, drip_last_processed,
	last_price_cents, price_fetched_at, updated_at`

const ledgerColumns = `id, ticker, kind, quantity::TEXT, unit_price_cents,
	gross_cents, commission_cents, total_cents, realized_gain_cents, source, ts`

func (t *pgTx) GetPosition(ctx context.Context, ticker string) (*model.Position, error) {
	row := t.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE ticker = $1 FOR UPDATE`, ticker)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", ticker, err)
	}
	return p, nil
}

// PutPosition upserts a position. Cached price columns are only written on
// insert; PutQuotes owns them afterwards.
func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (ticker, quantity, average_cost_cents,
		                        drip_enabled, drip_start, drip_last_processed,
		                        last_price_cents, price_fetched_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (ticker) DO UPDATE SET
		     quantity = EXCLUDED.quantity,
		     average_cost_cents = EXCLUDED.average_cost_cents,
		     drip_enabled = EXCLUDED.drip_enabled,
		     drip_start = EXCLUDED.drip_start,
		     drip_last_processed = EXCLUDED.drip_last_processed,
		     updated_at = now()`,
		p.Ticker, p.Quantity.String(), p.AverageCostCents,
		p.DripEnabled, p.DripStart, p.DripLastProcessed,
		p.LastPriceCents, p.PriceFetchedAt,
	)
	if err != nil {
		return fmt.Errorf("put position %s: %w", p.Ticker, err)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, ticker string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM positions WHERE ticker = $1`, ticker)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", ticker, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := t.q.Query(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO ledger_entries (ticker, kind, quantity, unit_price_cents, gross_cents,
		                             commission_cents, total_cents, realized_gain_cents, source, ts)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		e.Ticker, e.Kind, e.Quantity.String(), e.UnitPriceCents, e.GrossCents,
		e.CommissionCents, e.TotalCents, e.RealizedGainCents, e.Source, e.Timestamp,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) GetLedgerEntry(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	row := t.q.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, id)
	e, err := scanLedgerEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", id, err)
	}
	return e, nil
}

func (t *pgTx) UpdateLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE ledger_entries
		 SET ticker = $2, kind = $3, quantity = $4::NUMERIC, unit_price_cents = $5,
		     gross_cents = $6, commission_cents = $7, total_cents = $8,
		     realized_gain_cents = $9, source = $10, ts = $11
		 WHERE id = $1`,
		e.ID, e.Ticker, e.Kind, e.Quantity.String(), e.UnitPriceCents,
		e.GrossCents, e.CommissionCents, e.TotalCents,
		e.RealizedGainCents, e.Source, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("update ledger entry %d: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteLedgerEntry(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM ledger_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ledger entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LedgerEntriesByTicker(ctx context.Context, ticker string) ([]model.LedgerEntry, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE ticker = $1 ORDER BY ts, id`, ticker)
	if err != nil {
		return nil, fmt.Errorf("ledger entries %s: %w", ticker, err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (t *pgTx) ListLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	rows, err := t.q.Query(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// BrokerCash initialises the singleton with ON CONFLICT DO NOTHING so
// concurrent first access cannot insert twice, then locks the row.
func (t *pgTx) BrokerCash(ctx context.Context) (*model.BrokerCash, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO broker_cash (id, balance_cents, updated_at) VALUES ($1, 0, now())
		 ON CONFLICT (id) DO NOTHING`, model.BrokerCashID); err != nil {
		return nil, fmt.Errorf("init broker cash: %w", err)
	}
	var c model.BrokerCash
	err := t.q.QueryRow(ctx,
		`SELECT id, balance_cents, updated_at FROM broker_cash WHERE id = $1 FOR UPDATE`,
		model.BrokerCashID).Scan(&c.ID, &c.BalanceCents, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get broker cash: %w", err)
	}
	return &c, nil
}

func (t *pgTx) PutBrokerCash(ctx context.Context, c *model.BrokerCash) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO broker_cash (id, balance_cents, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET balance_cents = EXCLUDED.balance_cents, updated_at = now()`,
		model.BrokerCashID, c.BalanceCents)
	if err != nil {
		return fmt.Errorf("put broker cash: %w", err)
	}
	return nil
}

func (t *pgTx) Settings(ctx context.Context) (*model.Settings, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO settings (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, model.SettingsID); err != nil {
		return nil, fmt.Errorf("init settings: %w", err)
	}
	var st model.Settings
	err := t.q.QueryRow(ctx,
		`SELECT id, default_fee_integer_cents, default_fee_fractional_cents FROM settings WHERE id = $1`,
		model.SettingsID).Scan(&st.ID, &st.DefaultFeeIntegerCents, &st.DefaultFeeFractionCents)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &st, nil
}

func (t *pgTx) PutSettings(ctx context.Context, st *model.Settings) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO settings (id, default_fee_integer_cents, default_fee_fractional_cents)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		     default_fee_integer_cents = EXCLUDED.default_fee_integer_cents,
		     default_fee_fractional_cents = EXCLUDED.default_fee_fractional_cents`,
		model.SettingsID, st.DefaultFeeIntegerCents, st.DefaultFeeFractionCents)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWalletEntry(ctx context.Context, w *model.WalletEntry) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO wallet_entries (kind, amount_cents, currency, category, ts)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		w.Kind, w.AmountCents, w.Currency, w.Category, w.Timestamp,
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}
	return nil
}

func (t *pgTx) ListWalletEntries(ctx context.Context) ([]model.WalletEntry, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, kind, amount_cents, currency, category, ts FROM wallet_entries ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("list wallet entries: %w", err)
	}
	defer rows.Close()

	var out []model.WalletEntry
	for rows.Next() {
		var w model.WalletEntry
		if err := rows.Scan(&w.ID, &w.Kind, &w.AmountCents, &w.Currency, &w.Category, &w.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) WalletTotals(ctx context.Context) (map[string]int64, error) {
	rows, err := t.q.Query(ctx,
		`SELECT currency,
		        COALESCE(SUM(CASE WHEN kind = 'expense' THEN -amount_cents ELSE amount_cents END), 0)::BIGINT
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

// pgxRow is satisfied by pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var qtyS string
	if err := row.Scan(&p.Ticker, &qtyS, &p.AverageCostCents,
		&p.DripEnabled, &p.DripStart, &p.DripLastProcessed,
		&p.LastPriceCents, &p.PriceFetchedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qtyS)
	return &p, nil
}

func scanLedgerEntry(row pgxRow) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var qtyS string
	if err := row.Scan(&e.ID, &e.Ticker, &e.Kind, &qtyS, &e.UnitPriceCents,
		&e.GrossCents, &e.CommissionCents, &e.TotalCents, &e.RealizedGainCents,
		&e.Source, &e.Timestamp); err != nil {
		return nil, err
	}
	e.Quantity, _ = decimal.NewFromString(qtyS)
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
