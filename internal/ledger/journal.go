package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTokenCreation
	JournalTypeTokenRedemption
	JournalTypeNavRebalance
	JournalTypeRegularFee
	JournalTypeDelayFee
	JournalTypeFinalFee
	JournalTypeDefaultPenalty
	JournalTypeDisputeDeposit
	JournalTypeDisputeRelease
	JournalTypeUnsolicitedSweep
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "DEPOSIT"
	case JournalTypeWithdrawal:
		return "WITHDRAWAL"
	case JournalTypeTokenCreation:
		return "TOKEN_CREATION"
	case JournalTypeTokenRedemption:
		return "TOKEN_REDEMPTION"
	case JournalTypeNavRebalance:
		return "NAV_REBALANCE"
	case JournalTypeRegularFee:
		return "REGULAR_FEE"
	case JournalTypeDelayFee:
		return "DELAY_FEE"
	case JournalTypeFinalFee:
		return "FINAL_FEE"
	case JournalTypeDefaultPenalty:
		return "DEFAULT_PENALTY"
	case JournalTypeDisputeDeposit:
		return "DISPUTE_DEPOSIT"
	case JournalTypeDisputeRelease:
		return "DISPUTE_RELEASE"
	case JournalTypeUnsolicitedSweep:
		return "UNSOLICITED_SWEEP"
	default:
		return "UNKNOWN"
	}
}

// ParseJournalType is the inverse of String.
func ParseJournalType(s string) (JournalType, error) {
	for jt := JournalTypeDeposit; jt <= JournalTypeUnsolicitedSweep; jt++ {
		if jt.String() == s {
			return jt, nil
		}
	}
	return 0, fmt.Errorf("unknown journal type %q", s)
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Unique identifier
	BatchID       uuid.UUID       // Groups balanced entries
	EventRef      string          // Idempotency key of source call
	Sequence      int64           // Contract call sequence
	DebitAccount  AccountKey      // Account receiving debit (balance increases)
	CreditAccount AccountKey      // Account receiving credit (balance decreases)
	Amount        decimal.Decimal // ALWAYS positive
	JournalType   JournalType     // Entry type
	Timestamp     int64           // Call timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every
// entry balances on its own. An empty batch is valid: calls such as a
// dispute with no price movement may move no money.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Currency != j.CreditAccount.Currency {
			return fmt.Errorf("journal %s crosses currencies", j.JournalID)
		}
	}

	return nil
}
