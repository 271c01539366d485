package units

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a USD value in integer micro-dollars. All ledger arithmetic
// happens on this type; floating point never touches a balance.
type Amount int64

// Scale is the number of fractional decimal digits an Amount carries.
const Scale = 6

var microFactor = decimal.New(1, Scale)

// Parse converts a decimal string like "0.10" into micro-dollars.
// More than six fractional digits is an error, not a silent truncation.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	scaled := d.Mul(microFactor)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, Scale)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return Amount(scaled.IntPart()), nil
}

// MustParse is Parse for compile-time-known literals in tests and defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDollars converts whole dollars.
func FromDollars(d int64) Amount {
	return Amount(d * 1_000_000)
}

// String renders the amount as a plain decimal, e.g. "0.1395".
func (a Amount) String() string {
	return decimal.New(int64(a), -Scale).String()
}

// StringFixed renders with exactly two fractional digits for display.
func (a Amount) StringFixed() string {
	return decimal.New(int64(a), -Scale).StringFixed(2)
}

// MulBps multiplies by a fraction expressed in basis points (200 = 2%),
// truncating toward zero.
func (a Amount) MulBps(bps int64) Amount {
	return Amount(int64(a) * bps / 10_000)
}
