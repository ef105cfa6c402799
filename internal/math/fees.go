// internal/math/fees.go
package math

import (
	"time"

	"github.com/shopspring/decimal"
)

// Week is the period the delay fee is charged per.
const Week = 7 * 24 * time.Hour

var weekSeconds = int64(Week / time.Second)

// FeeRates are the Store's per-period rates at the time of a remargin.
type FeeRates struct {
	OraclePerSecond decimal.Decimal
	WeeklyDelay     decimal.Decimal
}

// FeeBreakdown is the outcome of one fee charge against the short balance.
// Owed = Regular + Delay + Final; Applied + Shortfall = Owed.
type FeeBreakdown struct {
	Regular   decimal.Decimal
	Delay     decimal.Decimal
	Final     decimal.Decimal
	Owed      decimal.Decimal
	Applied   decimal.Decimal
	Shortfall decimal.Decimal
}

// HasShortfall reports whether part of the owed fee was waived.
func (b FeeBreakdown) HasShortfall() bool { return b.Shortfall.Sign() > 0 }

// ProfitFromCorruption is the oracle-fee base: the larger of the two balances.
func ProfitFromCorruption(long, short decimal.Decimal) decimal.Decimal {
	return Max(NonNegative(long), NonNegative(short))
}

// RegularFee = pfc * elapsed * feePerSecond.
func RegularFee(long, short decimal.Decimal, elapsed int64, feePerSecond decimal.Decimal) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	pfc := ProfitFromCorruption(long, short)
	return Mul(pfc.Mul(decimal.NewFromInt(elapsed)), feePerSecond)
}

// DelayFee = short * floor(elapsed / week) * weeklyDelayFee.
func DelayFee(short decimal.Decimal, elapsed int64, weeklyDelayFee decimal.Decimal) decimal.Decimal {
	weeks := elapsed / weekSeconds
	if weeks <= 0 || short.Sign() <= 0 {
		return decimal.Zero
	}
	return Mul(short.Mul(decimal.NewFromInt(weeks)), weeklyDelayFee)
}

// ComputePeriodFees prices a remargin spanning elapsed seconds and caps the
// total at the short balance.
func ComputePeriodFees(long, short decimal.Decimal, elapsed int64, rates FeeRates) FeeBreakdown {
	b := FeeBreakdown{
		Regular: RegularFee(long, short, elapsed, rates.OraclePerSecond),
		Delay:   DelayFee(short, elapsed, rates.WeeklyDelay),
		Final:   decimal.Zero,
	}
	b.Owed = b.Regular.Add(b.Delay)
	b.Applied, b.Shortfall = CapAtBalance(b.Owed, short)
	return b
}

// ComputeFinalFee caps the one-time settlement fee at the short balance.
func ComputeFinalFee(finalFee, short decimal.Decimal) FeeBreakdown {
	b := FeeBreakdown{
		Regular: decimal.Zero,
		Delay:   decimal.Zero,
		Final:   NonNegative(finalFee),
	}
	b.Owed = b.Final
	b.Applied, b.Shortfall = CapAtBalance(b.Owed, short)
	return b
}

// CapAtBalance splits amount into the part balance can cover and the remainder.
func CapAtBalance(amount, balance decimal.Decimal) (applied, shortfall decimal.Decimal) {
	balance = NonNegative(balance)
	amount = NonNegative(amount)
	applied = Min(amount, balance)
	return applied, amount.Sub(applied)
}
