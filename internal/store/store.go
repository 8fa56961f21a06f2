// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through quote cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nahueldlsl/financial-os/internal/model"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Tx is the set of operations available to a unit of work. Every method
// issued through a Tx obtained from WithinTx commits or rolls back together.
type Tx interface {
	// --- Positions ---

	// GetPosition returns the position for ticker, locking it for the
	// remainder of the transaction where the backend supports row locks.
	GetPosition(ctx context.Context, ticker string) (*model.Position, error)

	// PutPosition inserts or replaces a position keyed by ticker.
	PutPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position.
	DeletePosition(ctx context.Context, ticker string) error

	// ListPositions returns every position ordered by ticker.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Ledger ---

	// InsertLedgerEntry appends an entry and assigns its ID.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// GetLedgerEntry retrieves an entry by ID.
	GetLedgerEntry(ctx context.Context, id int64) (*model.LedgerEntry, error)

	// UpdateLedgerEntry overwrites a corrected entry.
	UpdateLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// DeleteLedgerEntry removes an entry.
	DeleteLedgerEntry(ctx context.Context, id int64) error

	// LedgerEntriesByTicker returns a ticker's entries ordered by
	// timestamp, ties broken by ID ascending.
	LedgerEntriesByTicker(ctx context.Context, ticker string) ([]model.LedgerEntry, error)

	// ListLedgerEntries returns all entries in the same order.
	ListLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error)

	// --- Singletons ---

	// BrokerCash returns the brokerage cash row, creating it with a zero
	// balance if absent. Initialisation is atomic.
	BrokerCash(ctx context.Context) (*model.BrokerCash, error)

	// PutBrokerCash writes the brokerage cash row.
	PutBrokerCash(ctx context.Context, c *model.BrokerCash) error

	// Settings returns the settings row, creating defaults if absent.
	Settings(ctx context.Context) (*model.Settings, error)

	// PutSettings writes the settings row.
	PutSettings(ctx context.Context, s *model.Settings) error

	// --- Wallet ---

	// InsertWalletEntry appends a cash-flow entry and assigns its ID.
	InsertWalletEntry(ctx context.Context, w *model.WalletEntry) error

	// ListWalletEntries returns all cash-flow entries ordered by time.
	ListWalletEntries(ctx context.Context) ([]model.WalletEntry, error)

	// WalletTotals returns the signed sum of cash-flow entries per currency.
	WalletTotals(ctx context.Context) (map[string]int64, error)
}

// QuoteStore persists cached market prices.
type QuoteStore interface {
	// GetQuotes returns cached quotes for the requested tickers; tickers
	// with no cached price are absent from the result.
	GetQuotes(ctx context.Context, tickers []string) (map[string]model.Quote, error)

	// PutQuotes stores fresh quotes.
	PutQuotes(ctx context.Context, quotes []model.Quote) error
}

// QuoteInvalidator is implemented by stores that cache quotes outside the
// transactional store.
type QuoteInvalidator interface {
	InvalidateQuotes(ctx context.Context, tickers ...string)
}

// Store is the persistence interface. Methods inherited from Tx run in
// their own implicit transaction.
type Store interface {
	Tx
	QuoteStore

	// WithinTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

func now() time.Time { return time.Now().UTC() }
