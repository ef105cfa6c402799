package state

import (
	"errors"
	"fmt"
	"time"

	dmath "DerivLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrInsufficientTokens  = errors.New("state: insufficient token balance")
	ErrThrottleExceeded    = errors.New("state: withdrawal exceeds 24h throttle")
)

// ContractState is the lifecycle position of a derivative. The numeric values
// are persisted and published, do not reorder.
type ContractState int

const (
	Live ContractState = iota
	Disputed
	Expired
	Defaulted
	EmergencyShutdown
	Settled
)

func (s ContractState) String() string {
	switch s {
	case Live:
		return "LIVE"
	case Disputed:
		return "DISPUTED"
	case Expired:
		return "EXPIRED"
	case Defaulted:
		return "DEFAULTED"
	case EmergencyShutdown:
		return "EMERGENCY_SHUTDOWN"
	case Settled:
		return "SETTLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Frozen reports whether the contract is waiting on an oracle price to settle.
func (s ContractState) Frozen() bool {
	switch s {
	case Disputed, Expired, Defaulted, EmergencyShutdown:
		return true
	}
	return false
}

// FixedParameters never change after construction.
type FixedParameters struct {
	Product                string           `json:"product"`
	ReturnType             dmath.ReturnType `json:"return_type"`
	Leverage               decimal.Decimal  `json:"leverage"`
	DefaultPenalty         decimal.Decimal  `json:"default_penalty"`
	SupportedMove          decimal.Decimal  `json:"supported_move"`
	FixedYearlyFee         decimal.Decimal  `json:"fixed_yearly_fee"`
	DisputeDeposit         decimal.Decimal  `json:"dispute_deposit"`
	WithdrawLimit          decimal.Decimal  `json:"withdraw_limit"`
	InitialTokenPrice      decimal.Decimal  `json:"initial_token_price"`
	InitialUnderlyingPrice decimal.Decimal  `json:"initial_underlying_price"`
	Expiry                 time.Time        `json:"expiry"` // zero = perpetual
	CreationTime           time.Time        `json:"creation_time"`

	// Derived at construction.
	InitialTokenUnderlyingRatio decimal.Decimal `json:"initial_token_underlying_ratio"`
	FixedFeePerSecond           decimal.Decimal `json:"fixed_fee_per_second"`
}

// SecondsPerYear is the 365-day year the fixed yearly fee is spread over.
var SecondsPerYear = decimal.NewFromInt(365 * 24 * 60 * 60)

func (p FixedParameters) HasExpiry() bool { return !p.Expiry.IsZero() }

// ExpiredAt reports whether t is at or past expiry.
func (p FixedParameters) ExpiredAt(t time.Time) bool {
	return p.HasExpiry() && !t.Before(p.Expiry)
}

// TokenState is a valuation snapshot.
type TokenState struct {
	UnderlyingPrice decimal.Decimal `json:"underlying_price"`
	TokenPrice      decimal.Decimal `json:"token_price"`
	Time            time.Time       `json:"time"`
}

type DisputeInfo struct {
	DisputeTime time.Time       `json:"dispute_time"`
	Deposit     decimal.Decimal `json:"deposit"`
	Disputer    common.Address  `json:"disputer"`
	DisputedNav decimal.Decimal `json:"disputed_nav"`
}

// DefaultInfo holds the penalty recorded at any freeze. Nav and Time are set
// only when the contract defaults.
type DefaultInfo struct {
	Nav     decimal.Decimal `json:"nav"`
	Time    time.Time       `json:"time"`
	Penalty decimal.Decimal `json:"penalty"`
}

// Addresses are the parties and collaborators bound to a contract.
type Addresses struct {
	Sponsor          common.Address `json:"sponsor"`
	APDelegate       common.Address `json:"ap_delegate"`
	Admin            common.Address `json:"admin"`
	MarginCurrency   common.Address `json:"margin_currency"`
	ReturnCalculator common.Address `json:"return_calculator"`
	Store            common.Address `json:"store"`
}

// DerivativeStorage is the full persisted record of one contract.
type DerivativeStorage struct {
	ContractID       string           `json:"contract_id"`
	State            ContractState    `json:"state"`
	Nav              decimal.Decimal  `json:"nav"`
	LongBalance      decimal.Decimal  `json:"long_balance"`
	ShortBalance     decimal.Decimal  `json:"short_balance"`
	TotalTokenSupply decimal.Decimal  `json:"total_token_supply"`
	Reference        TokenState       `json:"reference"`
	Current          TokenState       `json:"current"`
	Dispute          DisputeInfo      `json:"dispute"`
	Default          DefaultInfo      `json:"default"`
	EndTime          time.Time        `json:"end_time"`
	Throttle         WithdrawThrottle `json:"throttle"`
	FeesPaid         decimal.Decimal  `json:"fees_paid"`
	Params           FixedParameters  `json:"params"`
	Addresses        Addresses        `json:"addresses"`

	Holders map[common.Address]decimal.Decimal `json:"holders"`
}

// Clone returns a deep copy. Operations mutate a clone and swap it in on
// success so a failed call leaves the committed record untouched.
func (s *DerivativeStorage) Clone() *DerivativeStorage {
	c := *s
	c.Holders = make(map[common.Address]decimal.Decimal, len(s.Holders))
	for k, v := range s.Holders {
		c.Holders[k] = v
	}
	return &c
}

// EscrowBalance is the dispute deposit currently held by the contract.
func (s *DerivativeStorage) EscrowBalance() decimal.Decimal {
	if s.State == Disputed {
		return s.Dispute.Deposit
	}
	return decimal.Zero
}

// TokenBalance returns holder's token count.
func (s *DerivativeStorage) TokenBalance(holder common.Address) decimal.Decimal {
	if b, ok := s.Holders[holder]; ok {
		return b
	}
	return decimal.Zero
}

func (s *DerivativeStorage) MintTokens(to common.Address, n decimal.Decimal) {
	if s.Holders == nil {
		s.Holders = make(map[common.Address]decimal.Decimal)
	}
	s.Holders[to] = s.TokenBalance(to).Add(n)
	s.TotalTokenSupply = s.TotalTokenSupply.Add(n)
}

func (s *DerivativeStorage) BurnTokens(from common.Address, n decimal.Decimal) error {
	bal := s.TokenBalance(from)
	if bal.LessThan(n) {
		return fmt.Errorf("%w: holder %s has %s, needs %s", ErrInsufficientTokens, from.Hex(), bal, n)
	}
	s.setHolder(from, bal.Sub(n))
	s.TotalTokenSupply = s.TotalTokenSupply.Sub(n)
	return nil
}

func (s *DerivativeStorage) TransferTokens(from, to common.Address, n decimal.Decimal) error {
	bal := s.TokenBalance(from)
	if bal.LessThan(n) {
		return fmt.Errorf("%w: holder %s has %s, needs %s", ErrInsufficientTokens, from.Hex(), bal, n)
	}
	s.setHolder(from, bal.Sub(n))
	s.setHolder(to, s.TokenBalance(to).Add(n))
	return nil
}

func (s *DerivativeStorage) setHolder(h common.Address, n decimal.Decimal) {
	if n.IsZero() {
		delete(s.Holders, h)
		return
	}
	if s.Holders == nil {
		s.Holders = make(map[common.Address]decimal.Decimal)
	}
	s.Holders[h] = n
}
