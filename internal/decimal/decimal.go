// Package decimal provides exact decimal arithmetic for money and metric
// columns. Values survive hydration, tenant calculations, and storage
// round-trips without binary float drift.
package decimal

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// Decimal is an immutable arbitrary-precision decimal value.
type Decimal struct {
	value apd.Decimal
}

// NewDecimal parses a decimal from its string form.
func NewDecimal(s string) (Decimal, error) {
	var d apd.Decimal
	_, _, err := d.SetString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal: %w", err)
	}
	return Decimal{value: d}, nil
}

// NewDecimalFromInt64 converts an integer.
func NewDecimalFromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

// NewDecimalFromFloat64 converts a binary float. The float's shortest
// round-trip representation is used, so 0.1 becomes exactly 0.1.
func NewDecimalFromFloat64(f float64) (Decimal, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal: %w", err)
	}
	return Decimal{value: d}, nil
}

// FromValue coerces the dynamic value shapes that appear in decoded JSON
// rows. Returns false when the value is not numeric.
func FromValue(v interface{}) (Decimal, bool) {
	switch x := v.(type) {
	case Decimal:
		return x, true
	case int64:
		return NewDecimalFromInt64(x), true
	case int:
		return NewDecimalFromInt64(int64(x)), true
	case float64:
		d, err := NewDecimalFromFloat64(x)
		return d, err == nil
	case json.Number:
		d, err := NewDecimal(x.String())
		return d, err == nil
	case string:
		d, err := NewDecimal(x)
		return d, err == nil
	case bool:
		if x {
			return NewDecimalFromInt64(1), true
		}
		return NewDecimalFromInt64(0), true
	default:
		return Decimal{}, false
	}
}

// String returns the canonical storage form.
func (d Decimal) String() string {
	return d.value.Text('f')
}

// Float64 returns the nearest binary float.
func (d Decimal) Float64() float64 {
	f, err := strconv.ParseFloat(d.value.Text('f'), 64)
	if err != nil {
		return 0
	}
	return f
}

// IsZero reports whether the value is zero.
func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

// Cmp compares d with other: -1 when less, 0 when equal, +1 when greater.
func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

// Add returns the sum of d and other.
func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Sub returns the difference of d and other.
func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Sub(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Mul returns the product of d and other.
func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Div returns the quotient of d divided by other.
// Division by zero is an error, not an infinity.
func (d Decimal) Div(other Decimal) (Decimal, error) {
	if other.IsZero() {
		return Decimal{}, fmt.Errorf("decimal: division by zero")
	}
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	if _, err := ctx.Quo(&result, &d.value, &other.value); err != nil {
		return Decimal{}, fmt.Errorf("decimal: %w", err)
	}
	return Decimal{value: result}, nil
}

// MarshalJSON encodes the value as a JSON string to keep it exact in
// exported artifacts.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.value.Text('f'))
}

// UnmarshalJSON decodes either a JSON string or a bare number.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	parsed, err := NewDecimal(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
