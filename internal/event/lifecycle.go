// internal/event/lifecycle.go
package event

import "github.com/shopspring/decimal"

type Remargin struct {
	CallHeader
}

func (c *Remargin) CallType() CallType { return CallTypeRemargin }

type Dispute struct {
	CallHeader
	Deposit decimal.Decimal `json:"deposit"`
}

func (c *Dispute) CallType() CallType { return CallTypeDispute }

type Settle struct {
	CallHeader
}

func (c *Settle) CallType() CallType { return CallTypeSettle }

// AcceptPriceAndSettle settles a defaulted contract at the feed price that
// caused the default.
type AcceptPriceAndSettle struct {
	CallHeader
}

func (c *AcceptPriceAndSettle) CallType() CallType { return CallTypeAcceptPriceAndSettle }

type EmergencyShutdown struct {
	CallHeader
}

func (c *EmergencyShutdown) CallType() CallType { return CallTypeEmergencyShutdown }
