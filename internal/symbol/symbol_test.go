package symbol

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	tests := map[string]string{
		"aapl":     "AAPL",
		"  msft ":  "MSFT",
		"brk.b":    "BRK.B",
		"VWRA.L":   "VWRA.L",
		"^gspc":    "^GSPC",
		"eurusd=x": "EURUSD=X",
		"BF-B":     "BF-B",
	}
	for in, want := range tests {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []string{
		"AA PL",
		"$AAPL",
		".AAPL",
		"ABCDEFGHIJKLMNOPQ",
		"<script>",
	}
	for _, in := range tests {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("Normalize(%q): expected ErrInvalidTicker, got %v", in, err)
		}
	}
}

func TestNormalize_EmptyAndReserved(t *testing.T) {
	if _, err := Normalize("   "); !errors.Is(err, ErrEmptyTicker) {
		t.Errorf("expected ErrEmptyTicker, got %v", err)
	}
	if _, err := Normalize("cash"); !errors.Is(err, ErrReservedTicker) {
		t.Errorf("expected ErrReservedTicker, got %v", err)
	}
}

func TestNormalizeAll_Dedupes(t *testing.T) {
	got, err := NormalizeAll([]string{"aapl", "MSFT", "AAPL "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Errorf("unexpected result %v", got)
	}
	if _, err := NormalizeAll([]string{"AAPL", "bad ticker"}); err == nil {
		t.Error("expected error for invalid entry")
	}
}
