package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]decimal.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]decimal.Decimal),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) decimal.Decimal {
	return bt.balances[key]
}

// ContractBalances returns the long, short and escrow balances of a contract.
func (bt *BalanceTracker) ContractBalances(contractID string, currency common.Address) (long, short, escrow decimal.Decimal) {
	long = bt.GetBalance(NewContractAccountKey(contractID, SubTypeLong, currency))
	short = bt.GetBalance(NewContractAccountKey(contractID, SubTypeShort, currency))
	escrow = bt.GetBalance(NewContractAccountKey(contractID, SubTypeDisputeEscrow, currency))
	return long, short, escrow
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]decimal.Decimal {
	totals := make(map[common.Address]decimal.Decimal)

	for key, balance := range bt.balances {
		totals[key.Currency] = totals[key.Currency].Add(balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]decimal.Decimal {
	snapshot := make(map[AccountKey]decimal.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances, used when rebuilding from a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]decimal.Decimal) {
	bt.balances = make(map[AccountKey]decimal.Decimal, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
