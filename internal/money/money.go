// Package money provides the fixed-point monetary primitive shared by all
// billing computations. Amounts are int64 minor units (cents) paired with an
// ISO currency code; intermediate arithmetic runs on arbitrary-precision
// decimals and is rounded half-up to minor units exactly once.
package money

import (
	"errors"
	"fmt"
)

var ErrCurrencyMismatch = errors.New("currency_mismatch")

// Money is an amount in minor units of a single currency.
type Money struct {
	AmountCents int64
	Currency    string
}

func New(amountCents int64, currency string) Money {
	return Money{AmountCents: amountCents, Currency: currency}
}

func Zero(currency string) Money {
	return Money{Currency: currency}
}

func (m Money) IsZero() bool { return m.AmountCents == 0 }

// Add returns m + other, rejecting cross-currency arithmetic.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{AmountCents: m.AmountCents + other.AmountCents, Currency: m.Currency}, nil
}

// Sub returns m - other, rejecting cross-currency arithmetic.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{AmountCents: m.AmountCents - other.AmountCents, Currency: m.Currency}, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.AmountCents, m.Currency)
}
