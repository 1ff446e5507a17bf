// Package symbol handles exchange ticker normalization and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLen is the longest ticker accepted.
const MaxLen = 20

// tickerRegex matches plain tickers (AAPL), share classes (BRK.B, BF-B),
// indices (^GSPC) and FX/futures pairs (EURUSD=X, ES=F). Length is
// checked against MaxLen separately.
var tickerRegex = regexp.MustCompile(`^\^?[A-Z0-9][A-Z0-9.\-=]*$`)

var ErrInvalidSymbol = errors.New("symbol: invalid ticker")

// Normalize trims and upper-cases s and validates the result.
func Normalize(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if sym == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if len(sym) > MaxLen {
		return "", fmt.Errorf("%w: %s (longer than %d characters)", ErrInvalidSymbol, sym, MaxLen)
	}
	if !tickerRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %s", ErrInvalidSymbol, sym)
	}
	return sym, nil
}
