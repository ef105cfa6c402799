package core_test

import (
	"encoding/json"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain collects every output the core has emitted so far.
func (f *fixture) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case out := <-f.persist:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

func TestApplyCommitted_RebuildsFromLog(t *testing.T) {
	f := newFixture(t, nil)
	genesis := f.core.CreateSnapshotState()

	f.deposit("1")
	f.create("2")
	f.push(time.Hour, "2.2")
	f.remargin()
	outs := f.drain()
	require.Len(t, outs, 3)

	replica, err := core.RestoreFromSnapshot(genesis, f.ext, f.cfg)
	require.NoError(t, err)
	for _, out := range outs {
		cc := core.CommittedFromOutput(out)

		// The log stores storage as JSON; replay must survive the round trip.
		raw, err := json.Marshal(cc.Storage)
		require.NoError(t, err)
		var s state.DerivativeStorage
		require.NoError(t, json.Unmarshal(raw, &s))
		cc.Storage = &s

		require.NoError(t, replica.ApplyCommitted(cc))
	}

	assert.Equal(t, f.core.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, f.core.GetSequence(), replica.GetSequence())
	assertDec(t, "2.2", replica.Storage().LongBalance)
	assertDec(t, "0.8", replica.Storage().ShortBalance)

	// Replayed keys are deduplicated like live ones.
	_, err = replica.ProcessCall(f.ctx, mustDecode(t, outs[0]))
	assert.ErrorIs(t, err, core.ErrDuplicateCall)
}

func TestApplyCommitted_RejectsTamperedStorage(t *testing.T) {
	f := newFixture(t, nil)
	genesis := f.core.CreateSnapshotState()
	f.deposit("1")
	outs := f.drain()
	require.Len(t, outs, 1)

	replica, err := core.RestoreFromSnapshot(genesis, f.ext, f.cfg)
	require.NoError(t, err)

	cc := core.CommittedFromOutput(outs[0])
	cc.Storage = cc.Storage.Clone()
	cc.Storage.ShortBalance = d("5")
	assert.ErrorIs(t, replica.ApplyCommitted(cc), core.ErrHashChainBroken)
	assert.Equal(t, int64(1), replica.GetSequence())
}

func TestApplyCommitted_RejectsGap(t *testing.T) {
	f := newFixture(t, nil)
	genesis := f.core.CreateSnapshotState()
	f.deposit("1")
	f.deposit("1")
	outs := f.drain()

	replica, err := core.RestoreFromSnapshot(genesis, f.ext, f.cfg)
	require.NoError(t, err)
	assert.Error(t, replica.ApplyCommitted(core.CommittedFromOutput(outs[1])))
}

func mustDecode(t *testing.T, out core.CoreOutput) event.Call {
	t.Helper()
	call, err := event.DecodeCall(out.Envelope.CallType, out.Envelope.Payload)
	require.NoError(t, err)
	return call
}
