// Package external declares the outside systems a derivative depends on and
// provides in-memory implementations of each.
package external

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrPriceNotAvailable = errors.New("external: price not available")
	ErrPriceUnresolved   = errors.New("external: oracle price unresolved")
	ErrTransferFailed    = errors.New("external: transfer failed")
	ErrStalePrice        = errors.New("external: price feed went backwards")
)

// PriceObservation is one point of an underlying price series.
type PriceObservation struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// PriceFeed serves the latest observed underlying price. Times returned for
// an identifier never decrease.
type PriceFeed interface {
	LatestPrice(ctx context.Context, identifier string) (PriceObservation, error)
}

// Oracle is the dispute authority. It eventually resolves a price for any
// requested (identifier, time).
type Oracle interface {
	RequestPrice(ctx context.Context, identifier string, t time.Time) error
	HasPrice(ctx context.Context, identifier string, t time.Time) (bool, error)
	GetPrice(ctx context.Context, identifier string, t time.Time) (decimal.Decimal, error)
}

// Store is the fee schedule and fee recipient.
type Store interface {
	Address() common.Address
	FixedOracleFeePerSecond(ctx context.Context) (decimal.Decimal, error)
	WeeklyDelayFee(ctx context.Context) (decimal.Decimal, error)
	FinalFee(ctx context.Context, currency common.Address) (decimal.Decimal, error)
}

// MarginCurrency moves collateral in and out of a contract's custody.
type MarginCurrency interface {
	Address() common.Address
	TransferIn(ctx context.Context, from common.Address, amount decimal.Decimal) error
	TransferOut(ctx context.Context, to common.Address, amount decimal.Decimal) error
	CustodyBalance(ctx context.Context) (decimal.Decimal, error)
}

// Whitelist approves margin currencies and return calculators.
type Whitelist interface {
	IsApproved(ctx context.Context, addr common.Address) (bool, error)
}

// Collaborators bundles everything one contract talks to.
type Collaborators struct {
	Feed      PriceFeed
	Oracle    Oracle
	Store     Store
	Currency  MarginCurrency
	Whitelist Whitelist
}
