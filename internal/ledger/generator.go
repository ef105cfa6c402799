package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalGenerator builds the balanced journal batch for one contract call.
// Each money movement in the contract has a named method so account pairs are
// decided in one place.
type JournalGenerator struct {
	contractID string
	currency   common.Address
	batch      *Batch
}

func NewJournalGenerator(contractID string, currency common.Address, eventRef string, sequence int64, ts time.Time) *JournalGenerator {
	return &JournalGenerator{
		contractID: contractID,
		currency:   currency,
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: ts.UnixMicro(),
		},
	}
}

// Batch returns the batch built so far.
func (jg *JournalGenerator) Batch() *Batch { return jg.batch }

func (jg *JournalGenerator) contract(sub AccountSubType) AccountKey {
	return NewContractAccountKey(jg.contractID, sub, jg.currency)
}

func (jg *JournalGenerator) party(addr common.Address) AccountKey {
	return NewPartyAccountKey(addr, jg.currency)
}

// add appends debit<-credit of amount. Zero amounts are skipped and negative
// amounts reverse the direction.
func (jg *JournalGenerator) add(jt JournalType, debit, credit AccountKey, amount decimal.Decimal) {
	switch amount.Sign() {
	case 0:
		return
	case -1:
		debit, credit = credit, debit
		amount = amount.Neg()
	}
	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.batch.EventRef,
		Sequence:      jg.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     jg.batch.Timestamp,
	})
}

// Deposit: party → short
func (jg *JournalGenerator) Deposit(from common.Address, amount decimal.Decimal) {
	jg.add(JournalTypeDeposit, jg.contract(SubTypeShort), jg.party(from), amount)
}

// Withdrawal: short → party
func (jg *JournalGenerator) Withdrawal(to common.Address, amount decimal.Decimal) {
	jg.add(JournalTypeWithdrawal, jg.party(to), jg.contract(SubTypeShort), amount)
}

// TokenCreation: party → long
func (jg *JournalGenerator) TokenCreation(from common.Address, amount decimal.Decimal) {
	jg.add(JournalTypeTokenCreation, jg.contract(SubTypeLong), jg.party(from), amount)
}

// TokenRedemption: long → party
func (jg *JournalGenerator) TokenRedemption(to common.Address, amount decimal.Decimal) {
	jg.add(JournalTypeTokenRedemption, jg.party(to), jg.contract(SubTypeLong), amount)
}

// NavRebalance: short → long for positive amounts, long → short otherwise.
func (jg *JournalGenerator) NavRebalance(shortToLong decimal.Decimal) {
	jg.add(JournalTypeNavRebalance, jg.contract(SubTypeLong), jg.contract(SubTypeShort), shortToLong)
}

// Fee: short → store
func (jg *JournalGenerator) Fee(jt JournalType, amount decimal.Decimal) {
	jg.add(jt, NewStoreFeesKey(jg.currency), jg.contract(SubTypeShort), amount)
}

// DefaultPenalty: short → long
func (jg *JournalGenerator) DefaultPenalty(amount decimal.Decimal) {
	jg.add(JournalTypeDefaultPenalty, jg.contract(SubTypeLong), jg.contract(SubTypeShort), amount)
}

// DisputeDeposit: disputer → escrow
func (jg *JournalGenerator) DisputeDeposit(from common.Address, amount decimal.Decimal) {
	jg.add(JournalTypeDisputeDeposit, jg.contract(SubTypeDisputeEscrow), jg.party(from), amount)
}

// DisputeRelease: escrow → long or short
func (jg *JournalGenerator) DisputeRelease(toLong bool, amount decimal.Decimal) {
	to := jg.contract(SubTypeShort)
	if toLong {
		to = jg.contract(SubTypeLong)
	}
	jg.add(JournalTypeDisputeRelease, to, jg.contract(SubTypeDisputeEscrow), amount)
}

// UnsolicitedSweep: unsolicited → party
func (jg *JournalGenerator) UnsolicitedSweep(to common.Address, amount decimal.Decimal) {
	jg.add(JournalTypeUnsolicitedSweep, jg.party(to), NewUnsolicitedAccountKey(jg.contractID, jg.currency), amount)
}
