package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"DerivLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrMalformedCall marks input that can never be applied. Transports
// acknowledge such messages instead of redelivering them.
var ErrMalformedCall = errors.New("malformed call")

// opNames maps the wire operation name used in subjects and URLs to a call type.
var opNames = map[string]event.CallType{
	"deposit":                    event.CallTypeDeposit,
	"withdraw":                   event.CallTypeWithdraw,
	"create_tokens":              event.CallTypeCreateTokens,
	"deposit_and_create_tokens":  event.CallTypeDepositAndCreateTokens,
	"redeem_tokens":              event.CallTypeRedeemTokens,
	"transfer_tokens":            event.CallTypeTransferTokens,
	"withdraw_unexpected_tokens": event.CallTypeWithdrawUnexpectedTokens,
	"set_ap_delegate":            event.CallTypeSetAPDelegate,
	"remargin":                   event.CallTypeRemargin,
	"dispute":                    event.CallTypeDispute,
	"settle":                     event.CallTypeSettle,
	"accept_price_and_settle":    event.CallTypeAcceptPriceAndSettle,
	"emergency_shutdown":         event.CallTypeEmergencyShutdown,
}

// CallTypeForOp resolves a wire operation name.
func CallTypeForOp(op string) (event.CallType, error) {
	ct, ok := opNames[op]
	if !ok {
		return event.CallTypeUnknown, fmt.Errorf("%w: unknown operation %q", ErrMalformedCall, op)
	}
	return ct, nil
}

// OpName is the inverse of CallTypeForOp.
func OpName(ct event.CallType) string {
	for op, t := range opNames {
		if t == ct {
			return op
		}
	}
	return "unknown"
}

// callsPrefix is the inbound subject root: deriv.calls.{contract}.{op}
const callsPrefix = "deriv.calls."

// ParseSubject splits an inbound subject into contract ID and operation.
func ParseSubject(subject string) (contractID, op string, err error) {
	rest, ok := strings.CutPrefix(subject, callsPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: subject %q outside %s>", ErrMalformedCall, subject, callsPrefix)
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%w: subject %q", ErrMalformedCall, subject)
	}
	return rest[:i], rest[i+1:], nil
}

// CallSubject builds the inbound subject of a call.
func CallSubject(contractID string, ct event.CallType) string {
	return callsPrefix + contractID + "." + OpName(ct)
}

// headerJSON is the subset of the wire format checked before decoding.
// Field names use snake_case to match upstream producers.
type headerJSON struct {
	CallID   string `json:"call_id"`
	Contract string `json:"contract_id"`
	Caller   string `json:"caller"`
	To       string `json:"to,omitempty"`
	Delegate string `json:"delegate,omitempty"`
}

// ParseCall decodes the JSON body of operation op addressed to contractID.
// The body's contract_id may be omitted; when present it must match.
func ParseCall(contractID, op string, data []byte) (event.Call, error) {
	ct, err := CallTypeForOp(op)
	if err != nil {
		return nil, err
	}

	var h headerJSON
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCall, op, err)
	}
	if _, err := uuid.Parse(h.CallID); err != nil {
		return nil, fmt.Errorf("%w: call_id: %v", ErrMalformedCall, err)
	}
	if h.Contract != "" && h.Contract != contractID {
		return nil, fmt.Errorf("%w: body addressed to %s, routed to %s", ErrMalformedCall, h.Contract, contractID)
	}
	if !common.IsHexAddress(h.Caller) {
		return nil, fmt.Errorf("%w: caller %q is not an address", ErrMalformedCall, h.Caller)
	}
	if h.To != "" && !common.IsHexAddress(h.To) {
		return nil, fmt.Errorf("%w: to %q is not an address", ErrMalformedCall, h.To)
	}
	if h.Delegate != "" && !common.IsHexAddress(h.Delegate) {
		return nil, fmt.Errorf("%w: delegate %q is not an address", ErrMalformedCall, h.Delegate)
	}

	call, err := event.DecodeCall(ct, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	hdr := headerOf(call)
	hdr.Contract = contractID
	if hdr.At.IsZero() {
		return nil, fmt.Errorf("%w: %s: timestamp required", ErrMalformedCall, op)
	}
	hdr.At = hdr.At.UTC()
	if hdr.Sequence < 0 {
		return nil, fmt.Errorf("%w: negative sequence", ErrMalformedCall)
	}
	return call, nil
}

// headerOf returns the embedded header of a decoded call.
func headerOf(call event.Call) *event.CallHeader {
	h, ok := call.(interface{ Header() *event.CallHeader })
	if !ok {
		panic(fmt.Sprintf("FATAL: call %T has no header", call))
	}
	return h.Header()
}
