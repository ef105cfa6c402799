// internal/math/fixedpoint.go
package math

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits every stored amount carries.
// Intermediate products are truncated back to it after each step, so a replay
// of the same call log reproduces balances digit for digit.
const Precision int32 = 18

var ErrDivisionByZero = errors.New("math: division by zero")

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // toward zero (default)
	RoundUp                       // toward +infinity
)

// Mul returns a*b truncated toward zero at Precision.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Precision)
}

// MulCeil returns a*b rounded toward +infinity at Precision.
func MulCeil(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundCeil(Precision)
}

// Div returns a/b truncated toward zero at Precision.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	return DivRound(a, b, RoundDown)
}

func DivRound(a, b decimal.Decimal, mode RoundingMode) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	q, r := a.QuoRem(b, Precision)
	if mode == RoundUp && r.Sign() != 0 && r.Sign() == b.Sign() {
		q = q.Add(decimal.New(1, -Precision))
	}
	return q, nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Seconds returns the whole seconds elapsed between from and to, never negative.
func Seconds(from, to time.Time) int64 {
	if !to.After(from) {
		return 0
	}
	return int64(to.Sub(from) / time.Second)
}

// InUnitInterval reports whether 0 <= d <= 1.
func InUnitInterval(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(One)
}

// MustParse parses a decimal literal and panics on failure. Intended for
// constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("math: bad decimal literal " + s)
	}
	return d
}
