package money

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Decimal wraps apd.Decimal so charge math never touches binary floats.
type Decimal struct {
	value apd.Decimal
}

func NewDecimal(s string) (Decimal, error) {
	var d apd.Decimal
	_, _, err := d.SetString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return Decimal{value: d}, nil
}

func DecimalFromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

func DecimalFromFloat(f float64) (Decimal, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal from float %v: %w", f, err)
	}
	return Decimal{value: d}, nil
}

func (d Decimal) String() string { return d.value.String() }

func (d Decimal) IsZero() bool { return d.value.IsZero() }

func (d Decimal) IsNegative() bool { return d.value.Negative && !d.value.IsZero() }

func (d Decimal) Cmp(other Decimal) int { return d.value.Cmp(&other.value) }

func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Sub(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Div(other Decimal) (Decimal, error) {
	if other.IsZero() {
		return Decimal{}, fmt.Errorf("decimal division by zero")
	}
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	if _, err := ctx.Quo(&result, &d.value, &other.value); err != nil {
		return Decimal{}, err
	}
	return Decimal{value: result}, nil
}

// Min returns the smaller of d and other.
func (d Decimal) Min(other Decimal) Decimal {
	if d.Cmp(other) <= 0 {
		return d
	}
	return other
}

// Max returns the larger of d and other.
func (d Decimal) Max(other Decimal) Decimal {
	if d.Cmp(other) >= 0 {
		return d
	}
	return other
}

// RoundHalfUp rounds d to the nearest integer minor-unit amount, halves away
// from zero. This is the single point where decimal math becomes money.
func (d Decimal) RoundHalfUp() (int64, error) {
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp
	var rounded apd.Decimal
	if _, err := ctx.Quantize(&rounded, &d.value, 0); err != nil {
		return 0, err
	}
	return rounded.Int64()
}

// Float64 converts d to the nearest binary float. Only for display and
// forecasting math, never for fee amounts.
func (d Decimal) Float64() (float64, error) {
	return d.value.Float64()
}

// Ceil rounds d up to the nearest integer.
func (d Decimal) Ceil() (int64, error) {
	ctx := apd.BaseContext.WithPrecision(34)
	var result apd.Decimal
	if _, err := ctx.Ceil(&result, &d.value); err != nil {
		return 0, err
	}
	// Ceil can leave a non-zero exponent (e.g. 1E+1); normalize before Int64.
	var rounded apd.Decimal
	if _, err := ctx.Quantize(&rounded, &result, 0); err != nil {
		return 0, err
	}
	return rounded.Int64()
}
