package event

import (
	"encoding/json"
	"fmt"
)

// NewCall returns an empty call of type ct.
func NewCall(ct CallType) (Call, error) {
	switch ct {
	case CallTypeDeposit:
		return &Deposit{}, nil
	case CallTypeWithdraw:
		return &Withdraw{}, nil
	case CallTypeCreateTokens:
		return &CreateTokens{}, nil
	case CallTypeDepositAndCreateTokens:
		return &DepositAndCreateTokens{}, nil
	case CallTypeRedeemTokens:
		return &RedeemTokens{}, nil
	case CallTypeTransferTokens:
		return &TransferTokens{}, nil
	case CallTypeWithdrawUnexpectedTokens:
		return &WithdrawUnexpectedTokens{}, nil
	case CallTypeSetAPDelegate:
		return &SetAPDelegate{}, nil
	case CallTypeRemargin:
		return &Remargin{}, nil
	case CallTypeDispute:
		return &Dispute{}, nil
	case CallTypeSettle:
		return &Settle{}, nil
	case CallTypeAcceptPriceAndSettle:
		return &AcceptPriceAndSettle{}, nil
	case CallTypeEmergencyShutdown:
		return &EmergencyShutdown{}, nil
	default:
		return nil, fmt.Errorf("unknown call type %d", ct)
	}
}

// DecodeCall restores a call from the payload stored in its envelope.
func DecodeCall(ct CallType, payload []byte) (Call, error) {
	call, err := NewCall(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, call); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return call, nil
}
