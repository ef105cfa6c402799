package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrZeroLeverage = errors.New("math: leverage must be non-zero")

// ReturnType selects which state a period's return is measured against.
type ReturnType int

const (
	// Linear measures every period against the reference (issuance) state.
	Linear ReturnType = iota
	// Compound measures each period against the previous remargin, so
	// returns multiply along the price path.
	Compound
)

func (r ReturnType) String() string {
	switch r {
	case Linear:
		return "LINEAR"
	case Compound:
		return "COMPOUND"
	default:
		return "UNKNOWN"
	}
}

func (r ReturnType) Valid() bool {
	return r == Linear || r == Compound
}

// ParseReturnType accepts the names produced by String or their lower-case form.
func ParseReturnType(s string) (ReturnType, error) {
	switch s {
	case "LINEAR", "linear":
		return Linear, nil
	case "COMPOUND", "compound":
		return Compound, nil
	}
	return 0, fmt.Errorf("math: unknown return type %q", s)
}

// ReturnCalculator turns an underlying price move into a fractional return.
type ReturnCalculator interface {
	ComputeReturn(oldPrice, newPrice decimal.Decimal) (decimal.Decimal, error)
	Leverage() decimal.Decimal
}

// LeveragedReturnCalculator computes leverage * (new - old) / old.
type LeveragedReturnCalculator struct {
	leverage decimal.Decimal
}

var _ ReturnCalculator = (*LeveragedReturnCalculator)(nil)

func NewLeveragedReturnCalculator(leverage decimal.Decimal) (*LeveragedReturnCalculator, error) {
	if leverage.IsZero() {
		return nil, ErrZeroLeverage
	}
	return &LeveragedReturnCalculator{leverage: leverage}, nil
}

func (c *LeveragedReturnCalculator) Leverage() decimal.Decimal { return c.leverage }

func (c *LeveragedReturnCalculator) ComputeReturn(oldPrice, newPrice decimal.Decimal) (decimal.Decimal, error) {
	if oldPrice.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	move, err := Div(newPrice.Sub(oldPrice), oldPrice)
	if err != nil {
		return decimal.Zero, err
	}
	return Mul(move, c.leverage), nil
}
