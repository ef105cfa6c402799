package core

import (
	"errors"
	"fmt"
	"time"

	"DerivLedger/internal/event"
	"DerivLedger/internal/external"
	"DerivLedger/internal/ledger"
	dmath "DerivLedger/internal/math"
	"DerivLedger/internal/state"

	"github.com/shopspring/decimal"
)

// --- Remargin ---

func (o *op) remarginCall(call *event.Remargin) error {
	if err := requireRole(o.s, o.caller(), RoleSponsor|RoleAPDelegate|RoleAdmin); err != nil {
		return err
	}
	if err := requireState(o.s, state.Live); err != nil {
		return err
	}
	return o.remargin()
}

// remargin revalues a Live contract at the feed's latest observation. It
// charges period fees, moves value between the sides and leaves the contract
// Live, Expired, Defaulted or (when the oracle already knows the price)
// Settled. An observation no newer than the current state changes nothing.
func (o *op) remargin() error {
	s := o.s
	obs, err := o.latestPrice()
	if err != nil {
		return err
	}
	if !obs.Time.After(s.Current.Time) {
		return nil
	}

	penalty := o.freezePenalty()

	if s.Params.ExpiredAt(obs.Time) {
		return o.expire()
	}

	if err := o.chargePeriodFees(obs.Time); err != nil {
		return err
	}

	nav, err := o.c.valuation.Revalue(s, obs.Price, obs.Time)
	if err != nil {
		return err
	}
	moved := o.c.margin.UpdateBalances(s, nav)
	o.jg.NavRebalance(moved)
	o.emit(event.Notice{Kind: event.NoticeNavUpdated, Amount: moved})

	if !o.c.margin.SatisfiesMargin(s) {
		return o.enterDefault(penalty, obs.Time)
	}
	return nil
}

// chargePeriodFees takes the oracle and delay fees for the time elapsed since
// the last valuation up to t.
func (o *op) chargePeriodFees(t time.Time) error {
	s := o.s
	elapsed := dmath.Seconds(s.Current.Time, t)
	if elapsed <= 0 {
		return nil
	}

	perSecond, err := o.c.ext.Store.FixedOracleFeePerSecond(o.ctx)
	if err != nil {
		return collaboratorErr("store fee rate", err)
	}
	weekly, err := o.c.ext.Store.WeeklyDelayFee(o.ctx)
	if err != nil {
		return collaboratorErr("store delay fee", err)
	}

	fees := dmath.ComputePeriodFees(s.LongBalance, s.ShortBalance, elapsed, dmath.FeeRates{
		OraclePerSecond: perSecond,
		WeeklyDelay:     weekly,
	})
	regular := dmath.Min(fees.Regular, fees.Applied)
	o.jg.Fee(ledger.JournalTypeRegularFee, regular)
	o.jg.Fee(ledger.JournalTypeDelayFee, fees.Applied.Sub(regular))
	o.payFee(fees)
	return nil
}

func (o *op) payFee(fees dmath.FeeBreakdown) {
	o.c.margin.ChargeFee(o.s, fees)
	o.transferOut(o.s.Addresses.Store, fees.Applied)
	if fees.Applied.Sign() > 0 {
		o.emit(event.Notice{Kind: event.NoticeFeesPaid, Counter: o.s.Addresses.Store, Amount: fees.Applied})
	}
	if fees.HasShortfall() {
		o.emit(event.Notice{Kind: event.NoticeFeeShortfall, Amount: fees.Shortfall})
		if !o.dryRun {
			o.c.log.Warn().
				Str("owed", fees.Owed.String()).
				Str("shortfall", fees.Shortfall.String()).
				Msg("short balance could not cover fees")
			if o.c.metrics != nil {
				o.c.metrics.FeeShortfall.WithLabelValues(o.s.ContractID).Add(fees.Shortfall.InexactFloat64())
			}
		}
	}
}

// expire freezes the contract at its expiry. Fees are charged up to expiry;
// the final valuation waits for the oracle price.
func (o *op) expire() error {
	s := o.s
	penalty := o.freezePenalty()
	if err := o.chargePeriodFees(s.Params.Expiry); err != nil {
		return err
	}
	o.c.valuation.AdvanceReference(s)
	s.State = state.Expired
	s.EndTime = s.Params.Expiry
	s.Default.Penalty = penalty
	o.requestPrice(s.EndTime)
	o.emit(event.Notice{Kind: event.NoticeExpired})
	return o.settleIfResolved()
}

// freezePenalty is the default penalty owed if the contract settles in
// default, taken from the nav before the freeze.
func (o *op) freezePenalty() decimal.Decimal {
	return dmath.Mul(dmath.NonNegative(o.s.Nav), o.s.Params.DefaultPenalty)
}

func (o *op) enterDefault(penalty decimal.Decimal, t time.Time) error {
	s := o.s
	s.State = state.Defaulted
	s.Default = state.DefaultInfo{Nav: s.Nav, Time: t, Penalty: penalty}
	s.EndTime = t
	o.requestPrice(t)
	o.emit(event.Notice{Kind: event.NoticeDefault, Amount: penalty})
	return o.settleIfResolved()
}

func (o *op) settleIfResolved() error {
	price, ok, err := o.oraclePrice()
	if err != nil || !ok {
		return err
	}
	return o.settleWithPrice(price)
}

// settleWithPrice values the frozen contract at price, applies the default
// penalty or the dispute outcome, charges the final fee and settles. The
// penalty is owed whenever the short side fails the margin at price, whatever
// state the contract froze in.
func (o *op) settleWithPrice(price decimal.Decimal) error {
	s := o.s
	nav, err := o.c.valuation.ValueFromReference(s, price, s.EndTime)
	if err != nil {
		return err
	}
	moved := o.c.margin.UpdateBalances(s, nav)
	o.jg.NavRebalance(moved)

	if !o.c.margin.SatisfiesMargin(s) {
		penalty := dmath.Min(s.ShortBalance, s.Default.Penalty)
		s.ShortBalance = s.ShortBalance.Sub(penalty)
		s.LongBalance = s.LongBalance.Add(penalty)
		o.jg.DefaultPenalty(penalty)
	}

	if s.State == state.Disputed {
		// The disputer gets the deposit back only if the oracle disagreed
		// with the nav they disputed.
		deposit := s.Dispute.Deposit
		toLong := nav.Equal(s.Dispute.DisputedNav)
		if toLong {
			s.LongBalance = s.LongBalance.Add(deposit)
		} else {
			s.ShortBalance = s.ShortBalance.Add(deposit)
		}
		o.jg.DisputeRelease(toLong, deposit)
	}

	finalFee, err := o.c.ext.Store.FinalFee(o.ctx, s.Addresses.MarginCurrency)
	if err != nil {
		return collaboratorErr("store final fee", err)
	}
	fees := dmath.ComputeFinalFee(finalFee, s.ShortBalance)
	o.jg.Fee(ledger.JournalTypeFinalFee, fees.Applied)
	o.payFee(fees)

	s.State = state.Settled
	o.emit(event.Notice{Kind: event.NoticeSettled, Amount: s.LongBalance})
	return nil
}

// --- Dispute ---

func (o *op) dispute(call *event.Dispute) error {
	s := o.s
	if err := requireRole(s, o.caller(), RoleSponsor); err != nil {
		return err
	}
	if err := requireState(s, state.Live); err != nil {
		return err
	}

	required := dmath.Mul(dmath.NonNegative(s.Nav), s.Params.DisputeDeposit)
	if call.Deposit.LessThan(required) {
		return fmt.Errorf("%w: dispute deposit %s below required %s", ErrInsufficientMargin, call.Deposit, required)
	}

	o.transferIn(o.caller(), required)
	o.jg.DisputeDeposit(o.caller(), required)

	// The reference stays put so the oracle price replaces the disputed
	// period instead of compounding on top of it.
	s.State = state.Disputed
	s.Default.Penalty = o.freezePenalty()
	s.Dispute = state.DisputeInfo{
		DisputeTime: s.Current.Time,
		Deposit:     required,
		Disputer:    o.caller(),
		DisputedNav: s.Nav,
	}
	s.EndTime = s.Current.Time
	o.requestPrice(s.EndTime)
	o.emit(event.Notice{Kind: event.NoticeDisputed, Party: o.caller(), Amount: required})
	return o.settleIfResolved()
}

// --- Settle ---

func (o *op) settleCall(call *event.Settle) error {
	s := o.s
	switch s.State {
	case state.Live:
		obs, err := o.latestPrice()
		if err != nil {
			return err
		}
		if !s.Params.ExpiredAt(obs.Time) {
			return fmt.Errorf("%w: contract %s is live and not expired", ErrInvalidState, s.ContractID)
		}
		return o.expire()
	case state.Settled:
		return fmt.Errorf("%w: contract %s already settled", ErrInvalidState, s.ContractID)
	}

	price, ok, err := o.oraclePrice()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s at %s", ErrPriceNotAvailable, s.Params.Product, s.EndTime)
	}
	return o.settleWithPrice(price)
}

// acceptPriceAndSettle lets the sponsor of a defaulted contract settle at the
// feed price that caused the default instead of waiting for the oracle.
func (o *op) acceptPriceAndSettle(call *event.AcceptPriceAndSettle) error {
	if err := requireRole(o.s, o.caller(), RoleSponsor); err != nil {
		return err
	}
	if err := requireState(o.s, state.Defaulted); err != nil {
		return err
	}
	return o.settleWithPrice(o.s.Current.UnderlyingPrice)
}

// --- Emergency shutdown ---

func (o *op) emergencyShutdown(call *event.EmergencyShutdown) error {
	s := o.s
	if err := requireRole(s, o.caller(), RoleAdmin); err != nil {
		return err
	}
	if err := requireState(s, state.Live); err != nil {
		return err
	}
	s.State = state.EmergencyShutdown
	s.Default.Penalty = o.freezePenalty()
	s.EndTime = s.Current.Time
	o.requestPrice(s.EndTime)
	o.emit(event.Notice{Kind: event.NoticeEmergencyShutdown, Party: o.caller()})
	return nil
}

// canBeSettled reports whether settle would succeed now.
func (o *op) canBeSettled() (bool, error) {
	s := o.s
	switch s.State {
	case state.Settled:
		return false, nil
	case state.Live:
		obs, err := o.c.ext.Feed.LatestPrice(o.ctx, s.Params.Product)
		if err != nil {
			if isNotAvailable(err) {
				return false, nil
			}
			return false, collaboratorErr("price feed", err)
		}
		if !s.Params.ExpiredAt(obs.Time.UTC()) {
			return false, nil
		}
		has, err := o.c.ext.Oracle.HasPrice(o.ctx, s.Params.Product, s.Params.Expiry)
		if err != nil {
			return false, collaboratorErr("oracle", err)
		}
		return has, nil
	}
	_, ok, err := o.oraclePrice()
	return ok, err
}

func isNotAvailable(err error) bool {
	return errors.Is(err, external.ErrPriceNotAvailable)
}
