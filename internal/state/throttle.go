package state

import (
	"fmt"
	"time"

	dmath "DerivLedger/internal/math"

	"github.com/shopspring/decimal"
)

// ThrottleWindow is the rolling period withdrawals are capped over.
const ThrottleWindow = 24 * time.Hour

// WithdrawThrottle caps short-side withdrawals per window. The cap is fixed
// when the window opens.
type WithdrawThrottle struct {
	CurrentTotalWithdrawal decimal.Decimal `json:"current_total_withdrawal"`
	LastResetTime          time.Time       `json:"last_reset_time"`
	WindowCap              decimal.Decimal `json:"window_cap"`
}

// Apply records a withdrawal of amount at now, opening a new window first if
// the previous one is at least ThrottleWindow old.
func (w *WithdrawThrottle) Apply(now time.Time, amount, shortBalance, limitFraction decimal.Decimal) error {
	if w.LastResetTime.IsZero() || now.Sub(w.LastResetTime) >= ThrottleWindow {
		w.CurrentTotalWithdrawal = decimal.Zero
		w.LastResetTime = now
		w.WindowCap = dmath.Mul(limitFraction, shortBalance)
	}

	next := w.CurrentTotalWithdrawal.Add(amount)
	if next.GreaterThan(w.WindowCap) {
		return fmt.Errorf("%w: window total %s + %s > cap %s",
			ErrThrottleExceeded, w.CurrentTotalWithdrawal, amount, w.WindowCap)
	}
	w.CurrentTotalWithdrawal = next
	return nil
}

// Remaining is how much more can be withdrawn in the window open at now.
func (w *WithdrawThrottle) Remaining(now time.Time, shortBalance, limitFraction decimal.Decimal) decimal.Decimal {
	if w.LastResetTime.IsZero() || now.Sub(w.LastResetTime) >= ThrottleWindow {
		return dmath.Mul(limitFraction, shortBalance)
	}
	return dmath.NonNegative(w.WindowCap.Sub(w.CurrentTotalWithdrawal))
}
