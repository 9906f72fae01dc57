package money

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOverflow is returned when an addition exceeds the representable amount.
	ErrOverflow = errors.New("amount overflow")
	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("amount underflow")
)

// EuroCent is an amount of EUR cents. The zero value is 0€.
// Amounts are exact integers; they are never represented as fractions.
type EuroCent uint64

// Add returns m + other, or ErrOverflow.
func (m EuroCent) Add(other EuroCent) (EuroCent, error) {
	if other > math.MaxUint64-m {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, m, other)
	}
	return m + other, nil
}

// Sub returns m - other, or ErrUnderflow.
func (m EuroCent) Sub(other EuroCent) (EuroCent, error) {
	if other > m {
		return 0, fmt.Errorf("%w: %d - %d", ErrUnderflow, m, other)
	}
	return m - other, nil
}

// String formats the amount as euros with a two-digit cent part, e.g. 123.05.
func (m EuroCent) String() string {
	return fmt.Sprintf("%d.%02d", m/100, m%100)
}
