// Package money is a fixed point amount in major currency units with cent
// precision. Arithmetic is exact, rounding is half-up to the cent.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const Places = 2

type Money struct {
	d decimal.Decimal
}

var Zero = Money{}

func New(d decimal.Decimal) Money {
	return Money{d: d}
}

func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -Places)}
}

// Parse reads a decimal string such as "97.50". Values with more than two
// fractional digits are rejected rather than rounded.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !d.Equal(d.Round(Places)) {
		return Zero, fmt.Errorf("amount %q has more than %d decimal places", s, Places)
	}
	return Money{d: d}, nil
}

func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

// Mul multiplies by a rate without rounding. Call RoundCents on the result.
func (m Money) Mul(rate decimal.Decimal) Money { return Money{d: m.d.Mul(rate)} }

func (m Money) RoundCents() Money { return Money{d: m.d.Round(Places)} }

func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }

func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }

func (m Money) IsZero() bool { return m.d.IsZero() }

func (m Money) IsPositive() bool { return m.d.IsPositive() }

func (m Money) IsNegative() bool { return m.d.IsNegative() }

func (m Money) Cents() int64 { return m.d.Shift(Places).Round(0).IntPart() }

func (m Money) String() string { return m.d.StringFixed(Places) }

func Max(a, b Money) Money {
	if a.LessThan(b) {
		return b
	}
	return a
}

func Sum(values ...Money) Money {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan accepts the numeric representations drivers hand back. sqlite may
// return a float for numeric columns, so the result is rounded to cents.
func (m *Money) Scan(src any) error {
	if src == nil {
		m.d = decimal.Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan money: %w", err)
	}
	m.d = d.Round(Places)
	return nil
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts both "12.50" and 12.5.
func (m *Money) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
