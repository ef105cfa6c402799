package state

import (
	"fmt"

	dmath "DerivLedger/internal/math"

	"github.com/shopspring/decimal"
)

// MarginLedger owns the long/short split of a contract's collateral.
// It uses the return calculator only for leverage.
type MarginLedger struct {
	calc dmath.ReturnCalculator
}

func NewMarginLedger(calc dmath.ReturnCalculator) *MarginLedger {
	return &MarginLedger{calc: calc}
}

// NavForTokens is the margin-currency value of n tokens at price, rounded up
// so minting never leaves the long side short by a unit of rounding.
func NavForTokens(n, tokenPrice decimal.Decimal) decimal.Decimal {
	return dmath.MulCeil(n, tokenPrice)
}

// RequiredMargin is the short collateral needed to survive a supportedMove
// move of the underlying from ts.
//
// LINEAR:   supply * initialRatio * underlyingPrice * |leverage| * supportedMove
// COMPOUND: nav(ts) * |leverage| * supportedMove
func (m *MarginLedger) RequiredMargin(s *DerivativeStorage, ts TokenState) decimal.Decimal {
	lev := m.calc.Leverage().Abs()
	p := s.Params

	var notional decimal.Decimal
	switch p.ReturnType {
	case dmath.Compound:
		notional = dmath.Mul(dmath.NonNegative(NavForTokens(s.TotalTokenSupply, ts.TokenPrice)), lev)
	default:
		notional = dmath.Mul(s.TotalTokenSupply, p.InitialTokenUnderlyingRatio)
		notional = dmath.Mul(notional, ts.UnderlyingPrice)
		notional = dmath.Mul(notional, lev)
	}
	return dmath.Mul(notional, p.SupportedMove)
}

// SatisfiesMargin reports whether the short balance covers RequiredMargin at
// the current state.
func (m *MarginLedger) SatisfiesMargin(s *DerivativeStorage) bool {
	return !s.ShortBalance.LessThan(m.RequiredMargin(s, s.Current))
}

// ExcessMargin is short - required, possibly negative.
func (m *MarginLedger) ExcessMargin(s *DerivativeStorage) decimal.Decimal {
	return s.ShortBalance.Sub(m.RequiredMargin(s, s.Current))
}

// UpdateBalances sets nav and moves value between the two sides so the long
// balance tracks max(nav, 0). The long side can only gain what the short side
// holds. Returns the amount moved from short to long (negative when the long
// side shrank).
func (m *MarginLedger) UpdateBalances(s *DerivativeStorage, newNav decimal.Decimal) decimal.Decimal {
	s.Nav = newNav
	diff := dmath.NonNegative(newNav).Sub(s.LongBalance)
	if diff.GreaterThan(s.ShortBalance) {
		diff = s.ShortBalance
	}
	s.LongBalance = s.LongBalance.Add(diff)
	s.ShortBalance = s.ShortBalance.Sub(diff)
	return diff
}

func (m *MarginLedger) CreditShort(s *DerivativeStorage, amount decimal.Decimal) {
	s.ShortBalance = s.ShortBalance.Add(amount)
}

func (m *MarginLedger) DebitShort(s *DerivativeStorage, amount decimal.Decimal) error {
	if s.ShortBalance.LessThan(amount) {
		return fmt.Errorf("%w: short balance %s, requested %s", ErrInsufficientBalance, s.ShortBalance, amount)
	}
	s.ShortBalance = s.ShortBalance.Sub(amount)
	return nil
}

func (m *MarginLedger) CreditLong(s *DerivativeStorage, amount decimal.Decimal) {
	s.LongBalance = s.LongBalance.Add(amount)
}

func (m *MarginLedger) DebitLong(s *DerivativeStorage, amount decimal.Decimal) error {
	if s.LongBalance.LessThan(amount) {
		return fmt.Errorf("%w: long balance %s, requested %s", ErrInsufficientBalance, s.LongBalance, amount)
	}
	s.LongBalance = s.LongBalance.Sub(amount)
	return nil
}

// ChargeFee takes min(fee, short) from the short side.
func (m *MarginLedger) ChargeFee(s *DerivativeStorage, fee dmath.FeeBreakdown) {
	s.ShortBalance = s.ShortBalance.Sub(fee.Applied)
	s.FeesPaid = s.FeesPaid.Add(fee.Applied)
}

// RedemptionValue is the long-balance share of n tokens. Redeeming the whole
// supply returns the whole long balance so no dust is stranded.
func (m *MarginLedger) RedemptionValue(s *DerivativeStorage, n decimal.Decimal) (decimal.Decimal, error) {
	if n.Equal(s.TotalTokenSupply) {
		return s.LongBalance, nil
	}
	share, err := dmath.Div(n, s.TotalTokenSupply)
	if err != nil {
		return decimal.Zero, err
	}
	return dmath.Mul(s.LongBalance, share), nil
}
