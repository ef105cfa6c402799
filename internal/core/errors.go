package core

import (
	"errors"

	"DerivLedger/internal/external"
	dmath "DerivLedger/internal/math"
	"DerivLedger/internal/state"
)

var (
	ErrInvalidState                = errors.New("operation not allowed in current state")
	ErrUnauthorized                = errors.New("caller lacks required role")
	ErrInsufficientMargin          = errors.New("insufficient margin")
	ErrWouldDefault                = errors.New("operation would default the contract")
	ErrWouldExpire                 = errors.New("operation would expire the contract")
	ErrNotLive                     = errors.New("contract is not live")
	ErrExceedsMarginOrExpired      = errors.New("exceeds margin requirement or contract expired")
	ErrInvalidConstructorParameter = errors.New("invalid constructor parameter")
	ErrZeroRedemption              = errors.New("redemption of zero tokens")
	ErrInvalidAmount               = errors.New("amount must be positive")
	ErrDuplicateCall               = errors.New("duplicate call")
	ErrWrongContract               = errors.New("call addressed to another contract")

	// ErrCollaborator wraps a feed, oracle, store or currency failure that
	// says nothing about the call itself. Retrying the call may succeed.
	ErrCollaborator = errors.New("collaborator unavailable")

	// Shared with the packages that raise them.
	ErrThrottleExceeded    = state.ErrThrottleExceeded
	ErrInsufficientBalance = state.ErrInsufficientBalance
	ErrInsufficientTokens  = state.ErrInsufficientTokens
	ErrPriceNotAvailable   = external.ErrPriceNotAvailable
	ErrStalePrice          = external.ErrStalePrice
	ErrTransferFailed      = external.ErrTransferFailed
	ErrDivisionByZero      = dmath.ErrDivisionByZero
)
