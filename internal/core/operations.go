package core

import (
	"fmt"

	"DerivLedger/internal/event"
	dmath "DerivLedger/internal/math"
	"DerivLedger/internal/state"

	"github.com/shopspring/decimal"
)

func requirePositive(name string, v decimal.Decimal) error {
	if v.Sign() <= 0 {
		return fmt.Errorf("%w: %s %s", ErrInvalidAmount, name, v)
	}
	return nil
}

// liveAfterRemargin maps a remargin that froze the contract to the error a
// Live-only operation reports.
func (o *op) liveAfterRemargin() error {
	switch o.s.State {
	case state.Live:
		return nil
	case state.Expired:
		return ErrWouldExpire
	default:
		return ErrWouldDefault
	}
}

// --- Margin ---

func (o *op) deposit(call *event.Deposit) error {
	s := o.s
	if err := requireRole(s, o.caller(), RoleSponsor|RoleAPDelegate); err != nil {
		return err
	}
	if err := requireState(s, state.Live); err != nil {
		return err
	}
	if err := requirePositive("deposit", call.Amount); err != nil {
		return err
	}
	o.depositMargin(call.Amount)
	return nil
}

func (o *op) depositMargin(amount decimal.Decimal) {
	o.transferIn(o.caller(), amount)
	o.c.margin.CreditShort(o.s, amount)
	o.jg.Deposit(o.caller(), amount)
	o.emit(event.Notice{Kind: event.NoticeDeposited, Party: o.caller(), Amount: amount})
}

func (o *op) withdraw(call *event.Withdraw) error {
	s := o.s
	if err := requireRole(s, o.caller(), RoleSponsor); err != nil {
		return err
	}
	if err := requirePositive("withdrawal", call.Amount); err != nil {
		return err
	}

	switch s.State {
	case state.Live:
		if err := o.remargin(); err != nil {
			return err
		}
		if err := o.liveAfterRemargin(); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		excess := o.c.margin.ExcessMargin(s)
		if call.Amount.GreaterThan(excess) {
			return fmt.Errorf("%w: withdrawal %s exceeds excess margin %s", ErrInsufficientMargin, call.Amount, excess)
		}
		if err := s.Throttle.Apply(s.Current.Time, call.Amount, s.ShortBalance, s.Params.WithdrawLimit); err != nil {
			return err
		}
	case state.Settled:
	default:
		return fmt.Errorf("%w: cannot withdraw while %s", ErrInvalidState, s.State)
	}

	if err := o.c.margin.DebitShort(s, call.Amount); err != nil {
		return err
	}
	o.jg.Withdrawal(o.caller(), call.Amount)
	o.transferOut(o.caller(), call.Amount)
	o.emit(event.Notice{Kind: event.NoticeWithdrawal, Party: o.caller(), Amount: call.Amount})
	return nil
}

// --- Tokens ---

func (o *op) createTokens(call *event.CreateTokens) error {
	if err := o.checkCreate(call.NumTokens); err != nil {
		return err
	}
	if err := o.remargin(); err != nil {
		return err
	}
	if o.s.State != state.Live {
		return ErrExceedsMarginOrExpired
	}
	return o.mint(call.NumTokens, call.MarginToIncludeMax)
}

func (o *op) depositAndCreateTokens(call *event.DepositAndCreateTokens) error {
	if err := o.checkCreate(call.NumTokens); err != nil {
		return err
	}
	if err := o.remargin(); err != nil {
		return err
	}
	if o.s.State != state.Live {
		return ErrExceedsMarginOrExpired
	}
	cost := state.NavForTokens(call.NumTokens, o.s.Current.TokenPrice)
	if call.TotalMargin.LessThan(cost) {
		return fmt.Errorf("%w: total margin %s below token cost %s", ErrExceedsMarginOrExpired, call.TotalMargin, cost)
	}
	if extra := call.TotalMargin.Sub(cost); extra.Sign() > 0 {
		o.depositMargin(extra)
	}
	return o.mint(call.NumTokens, cost)
}

func (o *op) checkCreate(n decimal.Decimal) error {
	if err := requireRole(o.s, o.caller(), RoleSponsor|RoleAPDelegate); err != nil {
		return err
	}
	if err := requireState(o.s, state.Live); err != nil {
		return err
	}
	return requirePositive("token count", n)
}

// mint issues n tokens at the current token price. The caller pays at most
// maxCost; the short side must still cover the enlarged position.
func (o *op) mint(n, maxCost decimal.Decimal) error {
	s := o.s
	cost := state.NavForTokens(n, s.Current.TokenPrice)
	if cost.GreaterThan(maxCost) {
		return fmt.Errorf("%w: cost %s exceeds max %s", ErrExceedsMarginOrExpired, cost, maxCost)
	}

	o.transferIn(o.caller(), cost)
	o.c.margin.CreditLong(s, cost)
	o.jg.TokenCreation(o.caller(), cost)
	s.MintTokens(o.caller(), n)

	moved := o.c.margin.UpdateBalances(s, state.NavForTokens(s.TotalTokenSupply, s.Current.TokenPrice))
	o.jg.NavRebalance(moved)

	if !o.c.margin.SatisfiesMargin(s) {
		return fmt.Errorf("%w: short %s below required %s", ErrExceedsMarginOrExpired,
			s.ShortBalance, o.c.margin.RequiredMargin(s, s.Current))
	}
	o.emit(event.Notice{Kind: event.NoticeTokensCreated, Party: o.caller(), Amount: cost, Tokens: n})
	return nil
}

func (o *op) redeemTokens(call *event.RedeemTokens) error {
	s := o.s
	if call.NumTokens.Sign() <= 0 {
		return ErrZeroRedemption
	}

	switch s.State {
	case state.Live:
		if err := requireRole(s, o.caller(), RoleSponsor|RoleAPDelegate); err != nil {
			return err
		}
		if err := o.remargin(); err != nil {
			return err
		}
		if err := o.liveAfterRemargin(); err != nil {
			return fmt.Errorf("redeem: %w", err)
		}
	case state.Settled:
	default:
		return fmt.Errorf("%w: cannot redeem while %s", ErrInvalidState, s.State)
	}

	if held := s.TokenBalance(o.caller()); held.LessThan(call.NumTokens) {
		return fmt.Errorf("%w: holder %s has %s, needs %s", ErrInsufficientTokens, o.caller().Hex(), held, call.NumTokens)
	}

	value, err := o.c.margin.RedemptionValue(s, call.NumTokens)
	if err != nil {
		return err
	}
	if err := o.c.margin.DebitLong(s, value); err != nil {
		return err
	}
	if err := s.BurnTokens(o.caller(), call.NumTokens); err != nil {
		return err
	}
	o.jg.TokenRedemption(o.caller(), value)
	o.transferOut(o.caller(), value)

	if s.State == state.Live {
		moved := o.c.margin.UpdateBalances(s, state.NavForTokens(s.TotalTokenSupply, s.Current.TokenPrice))
		o.jg.NavRebalance(moved)
		if !o.c.margin.SatisfiesMargin(s) {
			return fmt.Errorf("redeem: %w", ErrWouldDefault)
		}
	}
	o.emit(event.Notice{Kind: event.NoticeTokensRedeemed, Party: o.caller(), Amount: value, Tokens: call.NumTokens})
	return nil
}

func (o *op) transferTokens(call *event.TransferTokens) error {
	if err := requirePositive("token amount", call.Amount); err != nil {
		return err
	}
	if err := o.s.TransferTokens(o.caller(), call.To, call.Amount); err != nil {
		return err
	}
	o.emit(event.Notice{Kind: event.NoticeTokensTransferred, Party: o.caller(), Counter: call.To, Tokens: call.Amount})
	return nil
}

// --- Administration ---

func (o *op) setAPDelegate(call *event.SetAPDelegate) error {
	if err := requireRole(o.s, o.caller(), RoleSponsor); err != nil {
		return err
	}
	o.s.Addresses.APDelegate = call.Delegate
	o.emit(event.Notice{Kind: event.NoticeAPDelegateSet, Party: o.caller(), Counter: call.Delegate})
	return nil
}

// withdrawUnexpectedTokens returns margin currency sent to the contract
// outside of any operation. Only custody above the tracked balances counts.
func (o *op) withdrawUnexpectedTokens(call *event.WithdrawUnexpectedTokens) error {
	s := o.s
	if err := requireRole(s, o.caller(), RoleSponsor); err != nil {
		return err
	}
	if err := requirePositive("amount", call.Amount); err != nil {
		return err
	}
	custody, err := o.c.ext.Currency.CustodyBalance(o.ctx)
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	tracked := s.LongBalance.Add(s.ShortBalance).Add(s.EscrowBalance())
	surplus := dmath.NonNegative(custody.Sub(tracked))
	if call.Amount.GreaterThan(surplus) {
		return fmt.Errorf("%w: requested %s, unexpected balance %s", ErrInsufficientBalance, call.Amount, surplus)
	}
	o.jg.UnsolicitedSweep(o.caller(), call.Amount)
	o.transferOut(o.caller(), call.Amount)
	return nil
}
