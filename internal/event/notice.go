package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NoticeKind identifies something observable that a call caused.
type NoticeKind int32

const (
	NoticeUnknown NoticeKind = iota
	NoticeDeposited
	NoticeWithdrawal
	NoticeTokensCreated
	NoticeTokensRedeemed
	NoticeTokensTransferred
	NoticeNavUpdated
	NoticeFeesPaid
	NoticeFeeShortfall
	NoticeDefault
	NoticeDisputed
	NoticeExpired
	NoticeEmergencyShutdown
	NoticeSettled
	NoticeAPDelegateSet
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeDeposited:
		return "Deposited"
	case NoticeWithdrawal:
		return "Withdrawal"
	case NoticeTokensCreated:
		return "TokensCreated"
	case NoticeTokensRedeemed:
		return "TokensRedeemed"
	case NoticeTokensTransferred:
		return "TokensTransferred"
	case NoticeNavUpdated:
		return "NavUpdated"
	case NoticeFeesPaid:
		return "FeesPaid"
	case NoticeFeeShortfall:
		return "FeeShortfall"
	case NoticeDefault:
		return "Default"
	case NoticeDisputed:
		return "Disputed"
	case NoticeExpired:
		return "Expired"
	case NoticeEmergencyShutdown:
		return "EmergencyShutdownTransition"
	case NoticeSettled:
		return "Settled"
	case NoticeAPDelegateSet:
		return "APDelegateSet"
	default:
		return "Unknown"
	}
}

func (k NoticeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *NoticeKind) UnmarshalText(b []byte) error {
	s := string(b)
	for nk := NoticeDeposited; nk <= NoticeAPDelegateSet; nk++ {
		if nk.String() == s {
			*k = nk
			return nil
		}
	}
	*k = NoticeUnknown
	return nil
}

// Notice is published after the call that produced it commits. Fields not
// relevant to a kind are left zero.
type Notice struct {
	Kind       NoticeKind     `json:"kind"`
	ContractID string         `json:"contract_id"`
	Sequence   int64          `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	Party      common.Address `json:"party,omitempty"`
	Counter    common.Address `json:"counterparty,omitempty"`

	Amount          decimal.Decimal `json:"amount"`
	Tokens          decimal.Decimal `json:"tokens"`
	Nav             decimal.Decimal `json:"nav"`
	TokenPrice      decimal.Decimal `json:"token_price"`
	UnderlyingPrice decimal.Decimal `json:"underlying_price"`
	State           string          `json:"state,omitempty"`
}
