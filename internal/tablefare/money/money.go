package money

import (
	"database/sql/driver"

	"github.com/shopspring/decimal"
)

// Money is a fixed-point monetary amount. All money math in the system goes
// through this type so that binary floating-point never touches a balance,
// a tax line or a points conversion.
type Money struct {
	d decimal.Decimal
}

// Zero returns a zero amount
func Zero() Money {
	return Money{d: decimal.Zero}
}

// FromDecimal wraps a decimal value as Money
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d}
}

// FromString parses a decimal string like "19.99"
func FromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{d: d}, nil
}

// MustFromString parses a decimal string and panics on malformed input.
// Intended for constants and tests.
func MustFromString(s string) Money {
	m, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromCents builds an amount from an integer count of minor units
func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// FromInt builds an amount from whole currency units
func FromInt(units int64) Money {
	return Money{d: decimal.NewFromInt(units)}
}

// Add returns m + o
func (m Money) Add(o Money) Money {
	return Money{d: m.d.Add(o.d)}
}

// Sub returns m - o
func (m Money) Sub(o Money) Money {
	return Money{d: m.d.Sub(o.d)}
}

// MulInt returns m multiplied by an integer quantity
func (m Money) MulInt(n int64) Money {
	return Money{d: m.d.Mul(decimal.NewFromInt(n))}
}

// Mul returns m multiplied by an arbitrary decimal factor (e.g. a tax rate).
// The result is not rounded; rounding happens once at the persistence boundary.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{d: m.d.Mul(factor)}
}

// Percent returns m * p / 100 without intermediate rounding
func (m Money) Percent(p decimal.Decimal) Money {
	return Money{d: m.d.Mul(p).Div(decimal.NewFromInt(100))}
}

// RoundToCent rounds to the currency minor unit using round-half-up.
// Applied once, at the point a value is persisted or returned to a caller.
func (m Money) RoundToCent() Money {
	return Money{d: m.d.Round(2)}
}

// FloorUnits truncates toward zero to whole currency units. Used for points
// awards (1 point per whole unit and friends), where fractional units never
// count.
func (m Money) FloorUnits() int64 {
	return m.d.IntPart()
}

// Cents reports the amount as an integer count of minor units, rounded
// half-up.
func (m Money) Cents() int64 {
	return m.d.Round(2).Shift(2).IntPart()
}

// Decimal exposes the underlying decimal value
func (m Money) Decimal() decimal.Decimal {
	return m.d
}

// IsZero reports whether the amount is exactly zero
func (m Money) IsZero() bool {
	return m.d.IsZero()
}

// IsNegative reports whether the amount is below zero
func (m Money) IsNegative() bool {
	return m.d.IsNegative()
}

// IsPositive reports whether the amount is above zero
func (m Money) IsPositive() bool {
	return m.d.IsPositive()
}

// Cmp compares two amounts: -1 if m < o, 0 if equal, 1 if m > o
func (m Money) Cmp(o Money) int {
	return m.d.Cmp(o.d)
}

// LessThan reports m < o
func (m Money) LessThan(o Money) bool {
	return m.d.LessThan(o.d)
}

// GreaterThanOrEqual reports m >= o
func (m Money) GreaterThanOrEqual(o Money) bool {
	return m.d.GreaterThanOrEqual(o.d)
}

// Equal reports numeric equality regardless of exponent
func (m Money) Equal(o Money) bool {
	return m.d.Equal(o.d)
}

// String renders the amount with two decimal places
func (m Money) String() string {
	return m.d.StringFixed(2)
}

// MarshalJSON renders the amount as a JSON number with cent precision
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.d.Round(2).String()), nil
}

// Value implements driver.Valuer. Amounts are rounded to the minor unit on
// the way into the database; this is the persistence boundary.
func (m Money) Value() (driver.Value, error) {
	return m.d.Round(2).Value()
}

// Scan implements sql.Scanner
func (m *Money) Scan(value interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return err
	}
	m.d = d
	return nil
}

// UnmarshalJSON accepts a JSON number or numeric string
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	m.d = d
	return nil
}
