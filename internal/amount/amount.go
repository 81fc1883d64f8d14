// Package amount provides fixed-scale decimal parsing and formatting for
// ledger amounts.
//
// The ledger network denominates every asset with 7 fractional digits, and
// amounts travel end-to-end as decimal strings ("12.5000000"). Floating point
// is never used.
package amount

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount.
const Scale = 7

var (
	ErrEmpty       = errors.New("amount is empty")
	ErrFormat      = errors.New("amount must be a plain decimal number")
	ErrNegative    = errors.New("amount must not be negative")
	ErrPrecision   = errors.New("amount has more than 7 fractional digits")
	ErrNotPositive = errors.New("amount must be greater than zero")
)

// Parse converts a decimal string into a Decimal.
//
// Rules:
//   - empty strings, signs, exponents and multiple points are rejected
//   - at most 7 fractional digits, anything finer is an error rather than
//     silently truncated
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrNegative
	}
	whole, frac, hasPoint := strings.Cut(s, ".")
	if whole == "" || (hasPoint && frac == "") {
		return decimal.Zero, ErrFormat
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return decimal.Zero, ErrFormat
	}
	if len(frac) > Scale {
		return decimal.Zero, ErrPrecision
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrFormat
	}
	return d, nil
}

// ParsePositive is Parse plus a strictly-positive check.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return d, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}

// Format renders d with exactly 7 fractional digits ("1.5000000").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Normalize parses s and re-renders it at the fixed scale.
func Normalize(s string) (string, error) {
	d, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(d), nil
}

// Spendable returns balance minus reserve, floored at zero.
func Spendable(balance, reserve decimal.Decimal) decimal.Decimal {
	out := balance.Sub(reserve)
	if out.Sign() < 0 {
		return decimal.Zero
	}
	return out
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
