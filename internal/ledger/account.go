package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeContract AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Contract sub-types
	SubTypeLong AccountSubType = iota
	SubTypeShort
	SubTypeDisputeEscrow

	// System sub-types
	SubTypeStoreFees

	// External sub-types
	SubTypeParty
	SubTypeUnsolicited
)

// AccountKey identifies a ledger account. Balances are denominated in the
// margin currency named by Currency.
type AccountKey struct {
	Scope      AccountScope
	ContractID string
	Party      common.Address
	SubType    AccountSubType
	Currency   common.Address
}

// NewContractAccountKey creates a key for one side of a contract
func NewContractAccountKey(contractID string, subType AccountSubType, currency common.Address) AccountKey {
	return AccountKey{
		Scope:      AccountScopeContract,
		ContractID: contractID,
		SubType:    subType,
		Currency:   currency,
	}
}

// NewStoreFeesKey is the fee recipient account. It is shared by every
// contract settling in currency.
func NewStoreFeesKey(currency common.Address) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		SubType:  SubTypeStoreFees,
		Currency: currency,
	}
}

// NewPartyAccountKey creates a boundary account for an outside wallet. Its
// balance is the net amount the wallet has paid into the system, negated.
func NewPartyAccountKey(party common.Address, currency common.Address) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		Party:    party,
		SubType:  SubTypeParty,
		Currency: currency,
	}
}

// NewUnsolicitedAccountKey is the boundary account for currency that reached
// a contract's custody without going through the ledger.
func NewUnsolicitedAccountKey(contractID string, currency common.Address) AccountKey {
	return AccountKey{
		Scope:      AccountScopeExternal,
		ContractID: contractID,
		SubType:    SubTypeUnsolicited,
		Currency:   currency,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeContract:
		return fmt.Sprintf("contract:%s:%s", k.ContractID, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Currency.Hex())
	case AccountScopeExternal:
		if k.SubType == SubTypeUnsolicited {
			return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.ContractID)
		}
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Party.Hex())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeLong:
		return "long"
	case SubTypeShort:
		return "short"
	case SubTypeDisputeEscrow:
		return "dispute_escrow"
	case SubTypeStoreFees:
		return "store_fees"
	case SubTypeParty:
		return "party"
	case SubTypeUnsolicited:
		return "unsolicited"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. Contract and unsolicited
// paths do not carry the currency, so the caller supplies it.
func ParseAccountPath(path string, currency common.Address) (AccountKey, error) {
	scope, rest, ok := strings.Cut(path, ":")
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: missing scope", path)
	}
	switch scope {
	case "contract":
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			return AccountKey{}, fmt.Errorf("account path %q: missing sub-type", path)
		}
		var sub AccountSubType
		switch rest[i+1:] {
		case "long":
			sub = SubTypeLong
		case "short":
			sub = SubTypeShort
		case "dispute_escrow":
			sub = SubTypeDisputeEscrow
		default:
			return AccountKey{}, fmt.Errorf("account path %q: unknown contract sub-type", path)
		}
		return NewContractAccountKey(rest[:i], sub, currency), nil
	case "system":
		sub, hex, _ := strings.Cut(rest, ":")
		if sub != "store_fees" || !common.IsHexAddress(hex) {
			return AccountKey{}, fmt.Errorf("account path %q: unknown system account", path)
		}
		return NewStoreFeesKey(common.HexToAddress(hex)), nil
	case "external":
		sub, id, _ := strings.Cut(rest, ":")
		switch sub {
		case "party":
			if !common.IsHexAddress(id) {
				return AccountKey{}, fmt.Errorf("account path %q: bad party address", path)
			}
			return NewPartyAccountKey(common.HexToAddress(id), currency), nil
		case "unsolicited":
			return NewUnsolicitedAccountKey(id, currency), nil
		}
	}
	return AccountKey{}, fmt.Errorf("account path %q: unknown account", path)
}
