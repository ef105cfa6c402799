package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"DerivLedger/internal/event"
	"DerivLedger/internal/external"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// effect is a collaborator side effect recorded while an operation runs and
// executed only once the whole operation has succeeded.
type effect struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

type feedObservation struct {
	product string
	t       time.Time
}

// op is one in-flight call: a cloned storage, the journals and effects it has
// produced so far, and the notices it will emit. Nothing leaves an op until
// ProcessCall commits it.
type op struct {
	c    *DeterministicCore
	ctx  context.Context
	call event.Call
	now  time.Time

	s       *state.DerivativeStorage
	jg      *ledger.JournalGenerator
	effects []effect
	notices []event.Notice

	observedFeeds []feedObservation

	// dryRun ops come from the calc readers: effects are never executed.
	dryRun bool
}

func (c *DeterministicCore) newOp(ctx context.Context, call event.Call) *op {
	now := call.Timestamp().UTC()
	return &op{
		c:    c,
		ctx:  ctx,
		call: call,
		now:  now,
		s:    c.storage.Clone(),
		jg: ledger.NewJournalGenerator(c.storage.ContractID, c.storage.Addresses.MarginCurrency,
			call.IdempotencyKey(), c.sequence, now),
	}
}

func (c *DeterministicCore) newDryRun(ctx context.Context) *op {
	return &op{
		c:      c,
		ctx:    ctx,
		now:    c.storage.Current.Time,
		s:      c.storage.Clone(),
		jg:     ledger.NewJournalGenerator(c.storage.ContractID, c.storage.Addresses.MarginCurrency, "calc", c.sequence, c.storage.Current.Time),
		dryRun: true,
	}
}

func (o *op) dispatch() error {
	switch call := o.call.(type) {
	case *event.Deposit:
		return o.deposit(call)
	case *event.Withdraw:
		return o.withdraw(call)
	case *event.CreateTokens:
		return o.createTokens(call)
	case *event.DepositAndCreateTokens:
		return o.depositAndCreateTokens(call)
	case *event.RedeemTokens:
		return o.redeemTokens(call)
	case *event.TransferTokens:
		return o.transferTokens(call)
	case *event.WithdrawUnexpectedTokens:
		return o.withdrawUnexpectedTokens(call)
	case *event.SetAPDelegate:
		return o.setAPDelegate(call)
	case *event.Remargin:
		return o.remarginCall(call)
	case *event.Dispute:
		return o.dispute(call)
	case *event.Settle:
		return o.settleCall(call)
	case *event.AcceptPriceAndSettle:
		return o.acceptPriceAndSettle(call)
	case *event.EmergencyShutdown:
		return o.emergencyShutdown(call)
	default:
		return fmt.Errorf("%w: unknown call type %T", ErrInvalidState, o.call)
	}
}

// --- Effects ---

func (o *op) transferIn(from common.Address, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	cur := o.c.ext.Currency
	o.effects = append(o.effects, effect{
		name: "transfer_in",
		run:  func(ctx context.Context) error { return cur.TransferIn(ctx, from, amount) },
		undo: func(ctx context.Context) error { return cur.TransferOut(ctx, from, amount) },
	})
}

func (o *op) transferOut(to common.Address, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	cur := o.c.ext.Currency
	o.effects = append(o.effects, effect{
		name: "transfer_out",
		run:  func(ctx context.Context) error { return cur.TransferOut(ctx, to, amount) },
		undo: func(ctx context.Context) error { return cur.TransferIn(ctx, to, amount) },
	})
}

func (o *op) requestPrice(t time.Time) {
	oracle := o.c.ext.Oracle
	product := o.s.Params.Product
	o.effects = append(o.effects, effect{
		name: "request_price",
		run:  func(ctx context.Context) error { return oracle.RequestPrice(ctx, product, t) },
	})
}

// executeEffects runs the recorded effects in order. When one fails, the ones
// already run are undone in reverse and the call fails with ErrTransferFailed.
func (o *op) executeEffects() error {
	if o.dryRun {
		return nil
	}
	for i, e := range o.effects {
		err := e.run(o.ctx)
		if err == nil {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			done := o.effects[j]
			if done.undo == nil {
				continue
			}
			result := "ok"
			if uerr := done.undo(o.ctx); uerr != nil {
				result = "failed"
				o.c.log.Error().Err(uerr).Str("effect", done.name).Msg("compensation failed")
			}
			if o.c.metrics != nil {
				o.c.metrics.TransferRollbacks.WithLabelValues(result).Inc()
			}
		}
		if errors.Is(err, external.ErrTransferFailed) {
			return fmt.Errorf("%w: %s: %v", ErrTransferFailed, e.name, err)
		}
		return fmt.Errorf("%w: %w: %s: %v", ErrTransferFailed, ErrCollaborator, e.name, err)
	}
	return nil
}

// collaboratorErr wraps err from a collaborator read. Answers the
// collaborator gives about the contract (no price yet, stale feed) keep their
// own sentinel; anything else is an outage.
func collaboratorErr(what string, err error) error {
	switch {
	case errors.Is(err, external.ErrPriceNotAvailable),
		errors.Is(err, external.ErrPriceUnresolved),
		errors.Is(err, external.ErrStalePrice),
		errors.Is(err, external.ErrTransferFailed):
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCollaborator, what, err)
}

// --- Reads from collaborators ---

// latestPrice reads the feed and rejects an observation older than the last
// valuation.
func (o *op) latestPrice() (external.PriceObservation, error) {
	product := o.s.Params.Product
	obs, err := o.c.ext.Feed.LatestPrice(o.ctx, product)
	if err != nil {
		return external.PriceObservation{}, collaboratorErr("price feed", err)
	}
	obs.Time = obs.Time.UTC()
	if obs.Time.Before(o.s.Current.Time) {
		return external.PriceObservation{}, fmt.Errorf("%w: %s observation at %s precedes valuation at %s",
			ErrStalePrice, product, obs.Time, o.s.Current.Time)
	}
	if err := o.c.sequenceValidator.ValidateFeedTime(product, obs.Time); err != nil {
		return external.PriceObservation{}, err
	}
	o.observedFeeds = append(o.observedFeeds, feedObservation{product: product, t: obs.Time})
	return obs, nil
}

// oraclePrice returns the resolved price at EndTime, if any.
func (o *op) oraclePrice() (decimal.Decimal, bool, error) {
	has, err := o.c.ext.Oracle.HasPrice(o.ctx, o.s.Params.Product, o.s.EndTime)
	if err != nil {
		return decimal.Zero, false, collaboratorErr("oracle", err)
	}
	if !has {
		return decimal.Zero, false, nil
	}
	price, err := o.c.ext.Oracle.GetPrice(o.ctx, o.s.Params.Product, o.s.EndTime)
	if err != nil {
		return decimal.Zero, false, collaboratorErr("oracle", err)
	}
	return price, true, nil
}

// --- Notices ---

func (o *op) emit(n event.Notice) {
	n.Timestamp = o.now
	n.Nav = o.s.Nav
	n.TokenPrice = o.s.Current.TokenPrice
	n.UnderlyingPrice = o.s.Current.UnderlyingPrice
	n.State = o.s.State.String()
	o.notices = append(o.notices, n)
}

func (o *op) caller() common.Address {
	return o.call.Caller()
}
