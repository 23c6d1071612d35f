// Package money provides decimal amount helpers for the wallet ledger
// and estimate math. Amounts are 2-decimal-place currency values,
// serialized as strings and stored as NUMERIC(10,2).
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a string does not parse as a
// non-negative 2dp amount.
var ErrInvalidAmount = errors.New("invalid amount")

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse parses a positive or zero amount string ("165", "99.50").
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(2), nil
}

// ParsePositive parses an amount that must be strictly positive.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Tax computes subtotal * rate / 100 rounded to 2dp.
func Tax(subtotal, rate decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
}

// Cents converts an amount to the gateway's smallest currency unit.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
