package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateContractBalances verifies the journaled balances of a contract
// match the balances held in its storage record.
func (v *InvariantValidator) ValidateContractBalances(contractID string, currency common.Address, long, short, escrow decimal.Decimal) error {
	gotLong, gotShort, gotEscrow := v.tracker.ContractBalances(contractID, currency)

	if !gotLong.Equal(long) {
		return fmt.Errorf("contract %s long: ledger %s, storage %s", contractID, gotLong, long)
	}
	if !gotShort.Equal(short) {
		return fmt.Errorf("contract %s short: ledger %s, storage %s", contractID, gotShort, short)
	}
	if !gotEscrow.Equal(escrow) {
		return fmt.Errorf("contract %s escrow: ledger %s, storage %s", contractID, gotEscrow, escrow)
	}

	for _, sub := range []AccountSubType{SubTypeLong, SubTypeShort, SubTypeDisputeEscrow} {
		if err := v.tracker.ValidateNonNegative(NewContractAccountKey(contractID, sub, currency)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for currency, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", currency.Hex(), total)
		}
	}

	return nil
}
