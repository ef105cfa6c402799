package core

import (
	"context"
	"time"

	"DerivLedger/internal/state"

	"github.com/shopspring/decimal"
)

// predict runs the next remargin (Live) or settle (frozen with a resolved
// price) against a throwaway clone. The calc readers report from the result,
// so they match what the next mutating call would persist.
func (c *DeterministicCore) predict(ctx context.Context) (*state.DerivativeStorage, error) {
	o := c.newDryRun(ctx)
	switch o.s.State {
	case state.Live:
		if err := o.remargin(); err != nil {
			return nil, err
		}
		switch o.s.State {
		case state.Defaulted:
			return nil, ErrWouldDefault
		case state.Expired:
			return nil, ErrWouldExpire
		}
	case state.Settled:
		return nil, ErrNotLive
	default:
		price, ok, err := o.oraclePrice()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotLive
		}
		if err := o.settleWithPrice(price); err != nil {
			return nil, err
		}
	}
	return o.s, nil
}

// CalcNAV returns the nav the next remargin or settle would record.
func (c *DeterministicCore) CalcNAV(ctx context.Context) (decimal.Decimal, error) {
	s, err := c.predict(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Nav, nil
}

// CalcTokenValue returns the predicted token price.
func (c *DeterministicCore) CalcTokenValue(ctx context.Context) (decimal.Decimal, error) {
	s, err := c.predict(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Current.TokenPrice, nil
}

// CalcShortMarginBalance returns the predicted short balance, fees included.
func (c *DeterministicCore) CalcShortMarginBalance(ctx context.Context) (decimal.Decimal, error) {
	s, err := c.predict(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.ShortBalance, nil
}

// CalcExcessMargin returns predicted short minus required margin. Nothing is
// required of a settled or expired position.
func (c *DeterministicCore) CalcExcessMargin(ctx context.Context) (decimal.Decimal, error) {
	s, err := c.predict(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if s.State == state.Settled || s.Params.ExpiredAt(s.Current.Time) {
		return s.ShortBalance, nil
	}
	return c.margin.ExcessMargin(s), nil
}

// GetUpdatedUnderlyingPrice returns the underlying price and time the next
// valuation would use.
func (c *DeterministicCore) GetUpdatedUnderlyingPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	s, err := c.predict(ctx)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return s.Current.UnderlyingPrice, s.Current.Time, nil
}

// GetCurrentRequiredMargin is the margin required at the committed state.
func (c *DeterministicCore) GetCurrentRequiredMargin() decimal.Decimal {
	if c.storage.State == state.Settled {
		return decimal.Zero
	}
	return c.margin.RequiredMargin(c.storage, c.storage.Current)
}

// CanBeSettled reports whether a settle call would succeed now.
func (c *DeterministicCore) CanBeSettled(ctx context.Context) (bool, error) {
	return c.newDryRun(ctx).canBeSettled()
}

// CalcBundle collects every calc reader at one point in the call order.
type CalcBundle struct {
	Sequence           int64           `json:"sequence"`
	Nav                decimal.Decimal `json:"nav"`
	TokenValue         decimal.Decimal `json:"token_value"`
	ShortMarginBalance decimal.Decimal `json:"short_margin_balance"`
	ExcessMargin       decimal.Decimal `json:"excess_margin"`
	UnderlyingPrice    decimal.Decimal `json:"underlying_price"`
	UnderlyingTime     time.Time       `json:"underlying_time"`
	RequiredMargin     decimal.Decimal `json:"required_margin"`
	CanBeSettled       bool            `json:"can_be_settled"`
}

// CalcAll fills a CalcBundle from a single prediction.
func (c *DeterministicCore) CalcAll(ctx context.Context) (CalcBundle, error) {
	s, err := c.predict(ctx)
	if err != nil {
		return CalcBundle{}, err
	}
	excess := s.ShortBalance
	if s.State != state.Settled && !s.Params.ExpiredAt(s.Current.Time) {
		excess = c.margin.ExcessMargin(s)
	}
	settleable, err := c.CanBeSettled(ctx)
	if err != nil {
		return CalcBundle{}, err
	}
	return CalcBundle{
		Sequence:           c.sequence - 1,
		Nav:                s.Nav,
		TokenValue:         s.Current.TokenPrice,
		ShortMarginBalance: s.ShortBalance,
		ExcessMargin:       excess,
		UnderlyingPrice:    s.Current.UnderlyingPrice,
		UnderlyingTime:     s.Current.Time,
		RequiredMargin:     c.GetCurrentRequiredMargin(),
		CanBeSettled:       settleable,
	}, nil
}
