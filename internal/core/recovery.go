package core

import (
	"errors"
	"fmt"

	"DerivLedger/internal/ledger"
	"DerivLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var ErrHashChainBroken = errors.New("state hash chain broken")

// CommittedCall is a call read back from the call log. Replaying it restores
// the storage the call produced without asking any collaborator again, so
// recovery does not depend on what the feed or oracle answer today.
type CommittedCall struct {
	Sequence       int64
	IdempotencyKey string
	Caller         common.Address
	SourceSequence int64
	StateHash      [32]byte
	Storage        *state.DerivativeStorage
	Journals       []ledger.Journal
}

// ApplyCommitted reapplies one logged call on top of the current state. The
// recorded hash must extend the chain exactly, and the journals must
// reproduce the recorded balances.
func (c *DeterministicCore) ApplyCommitted(cc CommittedCall) error {
	if cc.Sequence != c.sequence {
		return fmt.Errorf("replay %s: expected seq %d, got %d", c.storage.ContractID, c.sequence, cc.Sequence)
	}
	if cc.Storage == nil || cc.Storage.ContractID != c.storage.ContractID {
		return fmt.Errorf("%w: replay seq %d", ErrWrongContract, cc.Sequence)
	}

	h := NewStateHasher(c.storage.ContractID)
	h.SetPrevHash(c.hasher.GetPrevHash())
	if got := h.ComputeHash(cc.Sequence, StorageDigest(cc.Storage)); got != cc.StateHash {
		return fmt.Errorf("%w: seq %d recorded %x, computed %x", ErrHashChainBroken, cc.Sequence, cc.StateHash, got)
	}

	if len(cc.Journals) > 0 {
		batch := &ledger.Batch{
			BatchID:  cc.Journals[0].BatchID,
			EventRef: cc.IdempotencyKey,
			Sequence: cc.Sequence,
			Journals: cc.Journals,
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay seq %d: %w", cc.Sequence, err)
		}
	}
	if err := c.postCheckInvariants(cc.Storage); err != nil {
		return fmt.Errorf("replay seq %d: %w", cc.Sequence, err)
	}

	c.storage = cc.Storage.Clone()
	c.hasher.SetPrevHash(cc.StateHash)
	c.sequenceValidator.Advance("caller:"+cc.Caller.Hex(), cc.SourceSequence)
	c.sequenceValidator.ObserveFeedTime(c.storage.Params.Product, c.storage.Current.Time)
	c.idempotency.MarkProcessed(cc.IdempotencyKey)
	c.sequence++
	return nil
}

// CommittedFromOutput turns a core output back into its replayable form.
func CommittedFromOutput(out CoreOutput) CommittedCall {
	return CommittedCall{
		Sequence:       out.Envelope.Sequence,
		IdempotencyKey: out.Envelope.IdempotencyKey,
		Caller:         out.Envelope.Caller,
		SourceSequence: out.Envelope.SourceSequence,
		StateHash:      out.Envelope.StateHash,
		Storage:        out.Storage,
		Journals:       out.Batch.Journals,
	}
}
