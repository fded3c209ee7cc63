package types

import (
	"fmt"
	"strconv"
)

// Credits is a whole-number amount of the abstract credit currency.
// All arithmetic is integer-only — no floating point, no fractional debits.
//
// A negative Credits value never appears on an account balance; it exists
// only as an intermediate for deltas and validation.
type Credits int64

// CreditsOf converts an int64 into Credits.
func CreditsOf(n int64) Credits { return Credits(n) }

// Int64 returns the raw integer amount.
func (c Credits) Int64() int64 { return int64(c) }

// Arithmetic operations

// Add adds two Credits values.
func (c Credits) Add(other Credits) Credits { return c + other }

// Subtract subtracts another Credits value. The result may be negative;
// balance non-negativity is enforced by the stores, not here.
func (c Credits) Subtract(other Credits) Credits { return c - other }

// Multiply multiplies the Credits by a quantity.
func (c Credits) Multiply(qty int64) Credits { return c * Credits(qty) }

// Comparison methods

// IsZero returns true if the amount is zero.
func (c Credits) IsZero() bool { return c == 0 }

// IsPositive returns true if the amount is greater than zero.
func (c Credits) IsPositive() bool { return c > 0 }

// IsNegative returns true if the amount is less than zero.
func (c Credits) IsNegative() bool { return c < 0 }

// Covers returns true if a balance of c can fund a debit of cost.
func (c Credits) Covers(cost Credits) bool { return c >= cost }

// String returns the amount with a unit suffix, e.g. "10cr".
func (c Credits) String() string {
	return strconv.FormatInt(int64(c), 10) + "cr"
}

// ParseCredits parses a decimal string (with or without the "cr" suffix)
// into Credits.
func ParseCredits(s string) (Credits, error) {
	trimmed := s
	if n := len(s); n > 2 && s[n-2:] == "cr" {
		trimmed = s[:n-2]
	}

	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("credits: parse %q: %w", s, err)
	}

	return Credits(n), nil
}

// SumCredits calculates the sum of multiple Credits values.
func SumCredits(values ...Credits) Credits {
	var total Credits
	for _, v := range values {
		total += v
	}
	return total
}
