package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CallType discriminator for call payloads
type CallType int32

const (
	CallTypeUnknown CallType = iota
	CallTypeDeposit
	CallTypeWithdraw
	CallTypeCreateTokens
	CallTypeDepositAndCreateTokens
	CallTypeRedeemTokens
	CallTypeTransferTokens
	CallTypeWithdrawUnexpectedTokens
	CallTypeSetAPDelegate
	CallTypeRemargin
	CallTypeDispute
	CallTypeSettle
	CallTypeAcceptPriceAndSettle
	CallTypeEmergencyShutdown
)

// CallEnvelope wraps every accepted call in the log
type CallEnvelope struct {
	// Per-contract monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CallType   CallType
	ContractID string
	Caller     common.Address

	// Caller-assigned ordering key, 0 when unordered
	SourceSequence int64

	// Call timestamp supplied by the caller (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded call
	Payload []byte

	// SHA-256 of storage AFTER applying this call
	StateHash [32]byte

	// Previous call's state hash (chain integrity)
	PrevHash [32]byte

	Notices []Notice
}

// Call is the interface every contract call implements
type Call interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	CallType() CallType
	ContractID() string
	Caller() common.Address
	Timestamp() time.Time

	// SourceSequence returns the caller-assigned ordering key, 0 when the
	// caller leaves ordering to the core
	SourceSequence() int64
}

// CallHeader carries the fields every call shares.
type CallHeader struct {
	CallID   uuid.UUID      `json:"call_id"`
	Contract string         `json:"contract_id"`
	From     common.Address `json:"caller"`
	At       time.Time      `json:"timestamp"`
	Sequence int64          `json:"sequence,omitempty"`
}

// NewHeader fills a header with a fresh call ID.
func NewHeader(contractID string, from common.Address, at time.Time) CallHeader {
	return CallHeader{CallID: uuid.New(), Contract: contractID, From: from, At: at.UTC()}
}

func (h *CallHeader) IdempotencyKey() string { return h.CallID.String() }
func (h *CallHeader) ContractID() string     { return h.Contract }
func (h *CallHeader) Caller() common.Address { return h.From }
func (h *CallHeader) Timestamp() time.Time   { return h.At }
func (h *CallHeader) SourceSequence() int64  { return h.Sequence }

// Header exposes the header for transports that fill it after decoding.
func (h *CallHeader) Header() *CallHeader { return h }

func (ct CallType) String() string {
	switch ct {
	case CallTypeDeposit:
		return "Deposit"
	case CallTypeWithdraw:
		return "Withdraw"
	case CallTypeCreateTokens:
		return "CreateTokens"
	case CallTypeDepositAndCreateTokens:
		return "DepositAndCreateTokens"
	case CallTypeRedeemTokens:
		return "RedeemTokens"
	case CallTypeTransferTokens:
		return "TransferTokens"
	case CallTypeWithdrawUnexpectedTokens:
		return "WithdrawUnexpectedTokens"
	case CallTypeSetAPDelegate:
		return "SetAPDelegate"
	case CallTypeRemargin:
		return "Remargin"
	case CallTypeDispute:
		return "Dispute"
	case CallTypeSettle:
		return "Settle"
	case CallTypeAcceptPriceAndSettle:
		return "AcceptPriceAndSettle"
	case CallTypeEmergencyShutdown:
		return "EmergencyShutdown"
	default:
		return "Unknown"
	}
}

// ParseCallType is the inverse of String.
func ParseCallType(s string) CallType {
	for ct := CallTypeDeposit; ct <= CallTypeEmergencyShutdown; ct++ {
		if ct.String() == s {
			return ct
		}
	}
	return CallTypeUnknown
}
