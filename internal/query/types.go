package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// NavPoint is one row of a contract's NAV history.
type NavPoint struct {
	Sequence        int64           `json:"sequence"`
	State           string          `json:"state"`
	Nav             decimal.Decimal `json:"nav"`
	TokenPrice      decimal.Decimal `json:"token_price"`
	UnderlyingPrice decimal.Decimal `json:"underlying_price"`
	LongBalance     decimal.Decimal `json:"long_balance"`
	ShortBalance    decimal.Decimal `json:"short_balance"`
	TokenSupply     decimal.Decimal `json:"token_supply"`
	FeesPaid        decimal.Decimal `json:"fees_paid"`
	ValuedAt        time.Time       `json:"valued_at"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// NoticeRecord is a projected notice.
type NoticeRecord struct {
	Sequence   int64           `json:"sequence"`
	Index      int32           `json:"idx"`
	Kind       string          `json:"kind"`
	Party      *string         `json:"party,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Tokens     decimal.Decimal `json:"tokens"`
	Nav        decimal.Decimal `json:"nav"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	ContractID      string            `json:"contract_id"`
	IsHealthy       bool              `json:"is_healthy"`
	LatestSequence  int64             `json:"latest_sequence"`
	HashChainBreaks []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64           `json:"sequence_gaps,omitempty"`
	Mismatches      []BalanceMismatch `json:"balance_mismatches,omitempty"`
}

// BalanceMismatch is a contract account whose journal balance disagrees with
// the stored record.
type BalanceMismatch struct {
	Account string          `json:"account"`
	Journal decimal.Decimal `json:"journal"`
	Storage decimal.Decimal `json:"storage"`
}
