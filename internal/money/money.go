package money

import (
	"fmt"
	"strings"
)

// NanoScale is the fixed-point scale: 1 display unit = 1e9 nano-units.
// All ledger amounts are int64 nano-units; decimal strings exist only at
// the API boundary.
const NanoScale int64 = 1_000_000_000

const nanoDigits = 9

// Currency identifies a supported settlement currency.
type Currency string

const (
	TON Currency = "TON"
	XTR Currency = "XTR"
)

// currencyRegistry maps currency codes to their properties.
var currencyRegistry = map[Currency]struct {
	wholeUnitsOnly bool
}{
	TON: {wholeUnitsOnly: false},
	XTR: {wholeUnitsOnly: true}, // Stars are indivisible in provider UI
}

// ParseCurrency validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := currencyRegistry[c]; !ok {
		return "", fmt.Errorf("unknown currency %q", s)
	}
	return c, nil
}

// WholeUnitsOnly reports whether stakes in this currency must be an integral
// number of display units (amount divisible by NanoScale).
func (c Currency) WholeUnitsOnly() bool {
	return currencyRegistry[c].wholeUnitsOnly
}

// ToNano converts a decimal amount string to nano-units, truncating (not
// rounding) any digits past the ninth fractional place toward zero.
// Truncation guarantees conversions never create value.
func ToNano(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" || s == "." {
		return 0, fmt.Errorf("malformed amount %q", amount)
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return 0, fmt.Errorf("malformed amount %q", amount)
		}
	}
	if whole == "" {
		whole = "0"
	}

	var wholeUnits int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("malformed amount %q", amount)
		}
		d := int64(r - '0')
		if wholeUnits > (1<<63-1-d)/10 {
			return 0, fmt.Errorf("amount %q overflows", amount)
		}
		wholeUnits = wholeUnits*10 + d
	}
	// Truncate past nano precision; pad short fractions with zeros.
	var fracNano int64
	for i := 0; i < nanoDigits; i++ {
		fracNano *= 10
		if i < len(frac) {
			r := frac[i]
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("malformed amount %q", amount)
			}
			fracNano += int64(r - '0')
		}
	}
	for i := nanoDigits; i < len(frac); i++ {
		if frac[i] < '0' || frac[i] > '9' {
			return 0, fmt.Errorf("malformed amount %q", amount)
		}
	}

	// wholeUnits*NanoScale fits, but adding fracNano can still wrap.
	if wholeUnits > ((1<<63-1)-fracNano)/NanoScale {
		return 0, fmt.Errorf("amount %q overflows", amount)
	}
	n := wholeUnits*NanoScale + fracNano
	if negative {
		n = -n
	}
	return n, nil
}

// FromNano renders nano-units as a decimal string with trailing fractional
// zeros stripped. FromNano(ToNano(s)) round-trips for canonical inputs.
func FromNano(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}

	whole := n / NanoScale
	frac := n % NanoScale
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fracStr)
}
