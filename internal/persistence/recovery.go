package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"DerivLedger/internal/core"
	"DerivLedger/internal/external"
	"DerivLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const replayPageSize = 500

// CommittedFromRows rebuilds a replayable call from its log rows.
func CommittedFromRows(call CallRow, journals []JournalRow) (core.CommittedCall, error) {
	var s state.DerivativeStorage
	if err := json.Unmarshal(call.Storage, &s); err != nil {
		return core.CommittedCall{}, fmt.Errorf("seq %d storage: %w", call.Sequence, err)
	}
	if len(call.StateHash) != 32 {
		return core.CommittedCall{}, fmt.Errorf("seq %d: state hash has %d bytes", call.Sequence, len(call.StateHash))
	}

	cc := core.CommittedCall{
		Sequence:       call.Sequence,
		IdempotencyKey: call.IdempotencyKey,
		Caller:         common.HexToAddress(call.Caller),
		SourceSequence: call.SourceSequence,
		Storage:        &s,
	}
	copy(cc.StateHash[:], call.StateHash)
	for _, r := range journals {
		j, err := JournalFromRow(r)
		if err != nil {
			return core.CommittedCall{}, fmt.Errorf("seq %d journal %s: %w", call.Sequence, r.JournalID, err)
		}
		cc.Journals = append(cc.Journals, j)
	}
	return cc, nil
}

// Recoverer restores contract cores from the latest verified snapshot plus the
// call log after it.
type Recoverer struct {
	snapshots *SnapshotManager
	log       zerolog.Logger
}

func NewRecoverer(snapshots *SnapshotManager, logger zerolog.Logger) *Recoverer {
	return &Recoverer{snapshots: snapshots, log: logger}
}

// Recover returns the core of contractID. A contract seen for the first time
// is built by create and its genesis snapshot saved, so later restarts never
// depend on the feed price at restart time.
func (r *Recoverer) Recover(
	ctx context.Context,
	contractID string,
	ext external.Collaborators,
	cfg core.CoreConfig,
	create func(ctx context.Context) (*core.DeterministicCore, error),
) (*core.DeterministicCore, error) {
	snap, err := r.snapshots.LoadLatestSnapshot(ctx, contractID)
	if err != nil {
		return nil, err
	}

	if snap == nil {
		latest, err := r.snapshots.GetLatestSequence(ctx, contractID)
		if err != nil {
			return nil, fmt.Errorf("check call log: %w", err)
		}
		if latest > 0 {
			return nil, fmt.Errorf("contract %s has %d logged calls but no verified snapshot", contractID, latest)
		}
		c, err := create(ctx)
		if err != nil {
			return nil, err
		}
		genesis := c.CreateSnapshotState()
		if _, err := r.snapshots.SaveSnapshot(ctx, genesis); err != nil {
			return nil, err
		}
		if _, err := r.snapshots.Verify(ctx, genesis); err != nil {
			return nil, err
		}
		r.log.Info().Str("contract", contractID).Msg("cold start: genesis snapshot saved")
		return c, nil
	}

	// Replay runs with no outputs wired; the rows are already durable.
	replayCfg := cfg
	replayCfg.PersistChan = nil
	replayCfg.ProjectionChan = nil
	c, err := core.RestoreFromSnapshot(snap, ext, replayCfg)
	if err != nil {
		return nil, err
	}

	replayed := 0
	next := snap.Sequence + 1
	for {
		calls, err := r.snapshots.LoadCallsFrom(ctx, contractID, next, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("load calls from %d: %w", next, err)
		}
		if len(calls) == 0 {
			break
		}
		journals, err := r.snapshots.LoadJournals(ctx, contractID, calls[0].Sequence, calls[len(calls)-1].Sequence)
		if err != nil {
			return nil, fmt.Errorf("load journals: %w", err)
		}
		for _, row := range calls {
			tip := c.GetStateHash()
			if !bytes.Equal(row.PrevHash, tip[:]) {
				return nil, fmt.Errorf("%w: %s seq %d prev hash", core.ErrHashChainBroken, contractID, row.Sequence)
			}
			cc, err := CommittedFromRows(row, journals[row.Sequence])
			if err != nil {
				return nil, err
			}
			if err := c.ApplyCommitted(cc); err != nil {
				return nil, err
			}
			replayed++
		}
		next = calls[len(calls)-1].Sequence + 1
	}

	r.log.Info().
		Str("contract", contractID).
		Int64("snapshot_seq", snap.Sequence).
		Int("replayed", replayed).
		Msg("warm start complete")

	// Rewire outputs for live traffic.
	return core.RestoreFromSnapshot(c.CreateSnapshotState(), ext, cfg)
}
