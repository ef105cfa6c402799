package persistence_test

import (
	"context"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/external"
	dmath "DerivLedger/internal/math"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Unix(1_700_000_000, 0).UTC()
	sponsor  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	admin    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	currency = common.HexToAddress("0x5000000000000000000000000000000000000005")
	calc     = common.HexToAddress("0x6000000000000000000000000000000000000006")
)

type harness struct {
	ctx     context.Context
	feed    *external.MemoryPriceFeed
	ext     external.Collaborators
	cfg     core.CoreConfig
	persist chan core.CoreOutput
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:     context.Background(),
		feed:    external.NewMemoryPriceFeed(),
		persist: make(chan core.CoreOutput, 64),
	}
	cur := external.NewMemoryCurrency(currency)
	cur.Fund(sponsor, dmath.MustParse("10"))
	h.ext = external.Collaborators{
		Feed:      h.feed,
		Oracle:    external.NewMemoryOracle(),
		Store:     &external.MemoryStore{Addr: common.HexToAddress("0x77")},
		Currency:  cur,
		Whitelist: external.StaticWhitelist{currency: true, calc: true},
	}
	nop := zerolog.Nop()
	h.cfg = core.CoreConfig{PersistChan: h.persist, Logger: &nop}
	require.NoError(t, h.feed.Push("SPX", t0, dmath.MustParse("2")))
	return h
}

func (h *harness) create(ctx context.Context) (*core.DeterministicCore, error) {
	return core.NewDerivative(ctx, core.ContractParams{
		ContractID:        "deriv-1",
		Product:           "SPX",
		Sponsor:           sponsor,
		Admin:             admin,
		ReturnCalculator:  calc,
		ReturnType:        dmath.Linear,
		Leverage:          dmath.MustParse("1"),
		DefaultPenalty:    dmath.MustParse("0.05"),
		SupportedMove:     dmath.MustParse("0.1"),
		DisputeDeposit:    dmath.MustParse("0.5"),
		WithdrawLimit:     dmath.MustParse("0.33"),
		InitialTokenPrice: dmath.MustParse("1"),
	}, h.ext, h.cfg)
}

// run applies a short lifecycle: deposit, mint, price move, remargin.
func (h *harness) run(t *testing.T, c *core.DeterministicCore) {
	t.Helper()
	hdr := func(at time.Time) event.CallHeader { return event.NewHeader("deriv-1", sponsor, at) }
	for _, call := range []event.Call{
		&event.Deposit{CallHeader: hdr(t0), Amount: dmath.MustParse("1")},
		&event.CreateTokens{CallHeader: hdr(t0), MarginToIncludeMax: dmath.MustParse("5"), NumTokens: dmath.MustParse("2")},
	} {
		_, err := c.ProcessCall(h.ctx, call)
		require.NoError(t, err)
	}
	require.NoError(t, h.feed.Push("SPX", t0.Add(time.Hour), dmath.MustParse("2.2")))
	_, err := c.ProcessCall(h.ctx, &event.Remargin{CallHeader: hdr(t0.Add(time.Hour))})
	require.NoError(t, err)
}

func (h *harness) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case out := <-h.persist:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

func TestRowsRoundTripThroughReplay(t *testing.T) {
	h := newHarness(t)
	c, err := h.create(h.ctx)
	require.NoError(t, err)
	genesis := c.CreateSnapshotState()
	h.run(t, c)
	outs := h.drain()
	require.Len(t, outs, 3)

	replica, err := core.RestoreFromSnapshot(genesis, h.ext, core.CoreConfig{})
	require.NoError(t, err)
	for _, out := range outs {
		callRow, journalRows, err := persistence.RowsFromOutput(out)
		require.NoError(t, err)
		assert.Equal(t, "deriv-1", callRow.ContractID)
		assert.Equal(t, sponsor.Hex(), callRow.Caller)
		for _, j := range journalRows {
			assert.True(t, j.Amount.IsPositive())
			assert.Equal(t, currency.Hex(), j.Currency)
		}

		cc, err := persistence.CommittedFromRows(callRow, journalRows)
		require.NoError(t, err)
		require.NoError(t, replica.ApplyCommitted(cc))
	}
	assert.Equal(t, c.GetStateHash(), replica.GetStateHash())
	assert.True(t, replica.Storage().LongBalance.Equal(dmath.MustParse("2.2")))
}

func TestCommittedFromRows_RejectsBadRows(t *testing.T) {
	h := newHarness(t)
	c, err := h.create(h.ctx)
	require.NoError(t, err)
	h.run(t, c)
	out := h.drain()[0]

	callRow, journalRows, err := persistence.RowsFromOutput(out)
	require.NoError(t, err)
	require.NotEmpty(t, journalRows)

	short := callRow
	short.StateHash = short.StateHash[:8]
	_, err = persistence.CommittedFromRows(short, journalRows)
	assert.Error(t, err)

	bad := append([]persistence.JournalRow(nil), journalRows...)
	bad[0].DebitAccount = "ledger:unknown"
	_, err = persistence.CommittedFromRows(callRow, bad)
	assert.Error(t, err)
}

func TestWorkerAndRecovery_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	h := newHarness(t)
	nop := zerolog.Nop()
	snapshots := persistence.NewSnapshotManager(db)
	recoverer := persistence.NewRecoverer(snapshots, nop)

	c, err := recoverer.Recover(h.ctx, "deriv-1", h.ext, h.cfg, h.create)
	require.NoError(t, err)
	h.run(t, c)

	forward := make(chan core.CoreOutput, 8)
	worker := persistence.NewPersistenceWorker(db, h.persist, persistence.WorkerConfig{
		BatchSize: 2, FlushTimeout: 10 * time.Millisecond, Forward: forward, Logger: &nop,
	})
	close(h.persist)
	require.NoError(t, worker.Run(h.ctx))
	assert.Len(t, forward, 3)

	latest, err := snapshots.GetLatestSequence(h.ctx, "deriv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(h.ctx, "deriv-1", (<-forward).Envelope.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)

	// A restart rebuilds the same chain tip without calling create.
	restored, err := recoverer.Recover(h.ctx, "deriv-1", h.ext, core.CoreConfig{}, func(context.Context) (*core.DeterministicCore, error) {
		t.Fatal("create called on warm start")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, c.GetSequence(), restored.GetSequence())

	// A later snapshot verifies against the log.
	snap := restored.CreateSnapshotState()
	_, err = snapshots.SaveSnapshot(h.ctx, snap)
	require.NoError(t, err)
	ok, err := snapshots.Verify(h.ctx, snap)
	require.NoError(t, err)
	assert.True(t, ok)
}
