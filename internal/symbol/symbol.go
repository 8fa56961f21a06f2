// Package symbol handles ticker normalisation and validation for trade
// requests and import rows.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nahueldlsl/financial-os/internal/model"
)

// tickerRegex matches exchange tickers such as AAPL, BRK.B, VWRA.L, ^GSPC, EURUSD=X.
var tickerRegex = regexp.MustCompile(`^\^?[A-Z0-9][A-Z0-9.\-=]{0,14}$`)

var (
	ErrEmptyTicker    = errors.New("symbol: ticker is required")
	ErrInvalidTicker  = errors.New("symbol: invalid ticker format")
	ErrReservedTicker = errors.New("symbol: ticker is reserved")
)

// Normalize trims and upper-cases a ticker and validates its format.
// The cash ticker is reserved for transfers and rejected here.
func Normalize(raw string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(raw))
	if t == "" {
		return "", ErrEmptyTicker
	}
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, raw)
	}
	if t == model.CashTicker {
		return "", fmt.Errorf("%w: %s", ErrReservedTicker, t)
	}
	return t, nil
}

// NormalizeAll normalises a list, dropping duplicates and keeping first-seen
// order. The first invalid ticker aborts.
func NormalizeAll(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		t, err := Normalize(r)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}
