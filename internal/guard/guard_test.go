package guard

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCheckDebit_ExactBalanceAllowed(t *testing.T) {
	if err := CheckDebit(150250, 150250); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckDebit_OneCentShort(t *testing.T) {
	err := CheckDebit(150249, 150250)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var fe *InsufficientFundsError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *InsufficientFundsError, got %T", err)
	}
	if fe.RequiredCents != 150250 || fe.AvailableCents != 150249 {
		t.Errorf("unexpected amounts: %+v", fe)
	}
	want := "insufficient funds: required $1,502.50, available $1,502.49"
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestCheckSell(t *testing.T) {
	if err := CheckSell("AAPL", d("10"), d("10")); err != nil {
		t.Errorf("selling the full position should pass, got %v", err)
	}
	err := CheckSell("AAPL", d("9.99999"), d("10"))
	if !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&MalformedRecordError{Row: 2, Field: "ticker", Reason: "missing"}, ErrMalformedRecord},
		{&ReplayError{Ticker: "AAPL", EntryID: 7, Reason: "sell exceeds quantity"}, ErrReplayInconsistency},
		{Invalid("quantity must be positive"), ErrInvalidInput},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.sentinel) {
			t.Errorf("%v should match %v", tc.err, tc.sentinel)
		}
		if errors.Is(tc.err, ErrInsufficientFunds) {
			t.Errorf("%v should not match ErrInsufficientFunds", tc.err)
		}
	}
}
