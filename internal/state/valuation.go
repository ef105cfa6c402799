package state

import (
	"fmt"
	"time"

	dmath "DerivLedger/internal/math"

	"github.com/shopspring/decimal"
)

// ValuationEngine prices tokens from an underlying price observation.
type ValuationEngine struct {
	calc dmath.ReturnCalculator
}

func NewValuationEngine(calc dmath.ReturnCalculator) *ValuationEngine {
	return &ValuationEngine{calc: calc}
}

// ComputeTokenState values a token that was worth begin.TokenPrice when the
// underlying was begin.UnderlyingPrice, now that the underlying is price at t:
//
//	tokenPrice = begin.TokenPrice * (1 + return - fixedFeePerSecond * Δt)
//
// The compound multiplier is floored at zero.
func (v *ValuationEngine) ComputeTokenState(p FixedParameters, begin TokenState, price decimal.Decimal, t time.Time) (TokenState, error) {
	ret, err := v.calc.ComputeReturn(begin.UnderlyingPrice, price)
	if err != nil {
		return TokenState{}, fmt.Errorf("compute return: %w", err)
	}

	elapsed := decimal.NewFromInt(dmath.Seconds(begin.Time, t))
	fee := dmath.Mul(p.FixedFeePerSecond, elapsed)

	multiplier := dmath.One.Add(ret).Sub(fee)
	if p.ReturnType == dmath.Compound {
		multiplier = dmath.NonNegative(multiplier)
	}

	return TokenState{
		UnderlyingPrice: price,
		TokenPrice:      dmath.Mul(begin.TokenPrice, multiplier),
		Time:            t,
	}, nil
}

// AdvanceReference moves the reference state forward before a new period is
// priced. Compound periods start from the last remargin. Linear periods keep
// the issuance prices and only move the reference clock.
func (v *ValuationEngine) AdvanceReference(s *DerivativeStorage) {
	if s.Params.ReturnType == dmath.Compound {
		s.Reference = s.Current
		return
	}
	s.Reference.Time = s.Current.Time
}

// Revalue advances the reference and prices the current state at (price, t).
// Returns the new nav; balances are not touched.
func (v *ValuationEngine) Revalue(s *DerivativeStorage, price decimal.Decimal, t time.Time) (decimal.Decimal, error) {
	v.AdvanceReference(s)
	return v.ValueFromReference(s, price, t)
}

// ValueFromReference prices the current state from the reference without
// advancing it. Used at settlement, when the reference was frozen with the
// contract.
func (v *ValuationEngine) ValueFromReference(s *DerivativeStorage, price decimal.Decimal, t time.Time) (decimal.Decimal, error) {
	next, err := v.ComputeTokenState(s.Params, s.Reference, price, t)
	if err != nil {
		return decimal.Zero, err
	}
	s.Current = next
	return NavForTokens(s.TotalTokenSupply, next.TokenPrice), nil
}
