// Package guard holds the engine's error taxonomy and the pre-flight checks
// run before a trade or transfer mutates anything.
//
// Business-rule failures (insufficient funds/shares) abort the single
// operation and reach the caller verbatim. Dependency failures (price, rate)
// are absorbed by their callers with a flagged fallback. Malformed import
// rows are collected, never fatal. A replay failure is fatal for the
// ticker's operation.
package guard

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/money"
)

var (
	// ErrInsufficientFunds is returned when brokerage cash is below the
	// required debit.
	ErrInsufficientFunds = errors.New("guard: insufficient funds")

	// ErrInsufficientShares is returned when a sell exceeds the held quantity.
	ErrInsufficientShares = errors.New("guard: insufficient shares")

	// ErrMalformedRecord marks a bulk import row that was skipped.
	ErrMalformedRecord = errors.New("guard: malformed import record")

	// ErrPriceUnavailable marks a ticker that could not be priced.
	ErrPriceUnavailable = errors.New("guard: price unavailable")

	// ErrRateUnavailable marks a failed currency-rate lookup.
	ErrRateUnavailable = errors.New("guard: rate unavailable")

	// ErrReplayInconsistency is returned when a position cannot be rebuilt
	// from its ledger.
	ErrReplayInconsistency = errors.New("guard: replay inconsistency")

	// ErrInvalidInput is returned for requests that fail validation.
	ErrInvalidInput = errors.New("guard: invalid input")
)

// InsufficientFundsError carries the required and available amounts.
type InsufficientFundsError struct {
	RequiredCents  int64
	AvailableCents int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s",
		money.Format(e.RequiredCents, money.USD), money.Format(e.AvailableCents, money.USD))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// InsufficientSharesError carries the requested and held quantities.
type InsufficientSharesError struct {
	Ticker    string
	Requested decimal.Decimal
	Held      decimal.Decimal
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares of %s: requested %s, held %s",
		e.Ticker, e.Requested.String(), e.Held.String())
}

func (e *InsufficientSharesError) Is(target error) bool { return target == ErrInsufficientShares }

// MalformedRecordError describes one rejected import row.
type MalformedRecordError struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

// ReplayError describes why a ticker could not be rebuilt.
type ReplayError struct {
	Ticker  string
	EntryID int64
	Reason  string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s failed at entry %d: %s", e.Ticker, e.EntryID, e.Reason)
}

func (e *ReplayError) Is(target error) bool { return target == ErrReplayInconsistency }

// Invalid wraps a validation message with ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// CheckDebit validates that balance covers required.
func CheckDebit(balanceCents, requiredCents int64) error {
	if balanceCents < requiredCents {
		return &InsufficientFundsError{RequiredCents: requiredCents, AvailableCents: balanceCents}
	}
	return nil
}

// CheckSell validates that held covers the requested quantity.
func CheckSell(ticker string, held, requested decimal.Decimal) error {
	if held.LessThan(requested) {
		return &InsufficientSharesError{Ticker: ticker, Requested: requested, Held: held}
	}
	return nil
}
