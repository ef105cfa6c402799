// internal/event/margin.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Deposit struct {
	CallHeader
	Amount decimal.Decimal `json:"amount"`
}

func (c *Deposit) CallType() CallType { return CallTypeDeposit }

type Withdraw struct {
	CallHeader
	Amount decimal.Decimal `json:"amount"`
}

func (c *Withdraw) CallType() CallType { return CallTypeWithdraw }

type CreateTokens struct {
	CallHeader
	MarginToIncludeMax decimal.Decimal `json:"margin_to_include_max"`
	NumTokens          decimal.Decimal `json:"num_tokens"`
}

func (c *CreateTokens) CallType() CallType { return CallTypeCreateTokens }

type DepositAndCreateTokens struct {
	CallHeader
	TotalMargin decimal.Decimal `json:"total_margin"`
	NumTokens   decimal.Decimal `json:"num_tokens"`
}

func (c *DepositAndCreateTokens) CallType() CallType { return CallTypeDepositAndCreateTokens }

type RedeemTokens struct {
	CallHeader
	NumTokens decimal.Decimal `json:"num_tokens"`
}

func (c *RedeemTokens) CallType() CallType { return CallTypeRedeemTokens }

type TransferTokens struct {
	CallHeader
	To     common.Address  `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

func (c *TransferTokens) CallType() CallType { return CallTypeTransferTokens }

type WithdrawUnexpectedTokens struct {
	CallHeader
	Amount decimal.Decimal `json:"amount"`
}

func (c *WithdrawUnexpectedTokens) CallType() CallType { return CallTypeWithdrawUnexpectedTokens }

type SetAPDelegate struct {
	CallHeader
	Delegate common.Address `json:"delegate"`
}

func (c *SetAPDelegate) CallType() CallType { return CallTypeSetAPDelegate }
