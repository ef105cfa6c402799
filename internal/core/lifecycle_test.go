package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/external"
	dmath "DerivLedger/internal/math"
	"DerivLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Default
// ============================================================================

// defaulted leaves a contract Defaulted at t0+1h with nav 2.1, short 0.1.
func defaulted(t *testing.T) *fixture {
	f := newFixture(t, nil)
	f.deposit("0.2")
	f.create("2")
	f.push(time.Hour, "2.1")
	res := f.remargin()

	var kinds []event.NoticeKind
	for _, n := range res.Notices {
		kinds = append(kinds, n.Kind)
	}
	require.Contains(t, kinds, event.NoticeDefault)
	return f
}

func TestRemargin_DefaultsWithoutPenalty(t *testing.T) {
	f := defaulted(t)
	s := f.storage()

	assert.Equal(t, state.Defaulted, s.State)
	assertDec(t, "2.1", s.Default.Nav)
	assert.Equal(t, t0.Add(time.Hour), s.Default.Time)
	assert.Equal(t, t0.Add(time.Hour), s.EndTime)
	assertDec(t, "0.1", s.Default.Penalty, "penalty is 5% of the pre-default nav")
	assertDec(t, "0.1", s.ShortBalance, "penalty is not applied before settlement")
	assertDec(t, "2.1", s.LongBalance)
	assert.True(t, f.oracle.Requested(product, s.EndTime))
	f.assertCustody()

	_, err := f.submit(&event.Deposit{CallHeader: f.header(sponsor), Amount: d("1")})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestSettle_DefaultedAppliesPenalty(t *testing.T) {
	f := defaulted(t)

	_, err := f.submit(&event.Settle{CallHeader: f.header(holder)})
	assert.ErrorIs(t, err, core.ErrPriceNotAvailable)

	f.oracle.Resolve(product, t0.Add(time.Hour), d("2.1"))
	ok, err := f.core.CanBeSettled(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	f.must(&event.Settle{CallHeader: f.header(holder)})
	s := f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "0", s.ShortBalance)
	assertDec(t, "2.2", s.LongBalance)
	f.assertCustody()

	// Anyone holding tokens redeems after settlement.
	f.must(&event.RedeemTokens{CallHeader: f.header(sponsor), NumTokens: d("2")})
	assertDec(t, "10", f.cur.BalanceOf(sponsor))
	assert.True(t, f.storage().LongBalance.IsZero())
}

func TestSettle_DefaultCuredByOraclePrice(t *testing.T) {
	f := defaulted(t)
	f.oracle.Resolve(product, t0.Add(time.Hour), d("1.9"))

	f.must(&event.Settle{CallHeader: f.header(holder)})
	s := f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "1.9", s.Nav)
	assertDec(t, "1.9", s.LongBalance, "no penalty once the oracle price restores the margin")
	assertDec(t, "0.3", s.ShortBalance)
	f.assertCustody()
}

func TestSettle_PenaltyOutOfEveryFrozenState(t *testing.T) {
	expiry := t0.Add(24 * time.Hour)

	tests := []struct {
		name   string
		freeze func(f *fixture) time.Time
		price  string
		long   string
		short  string
	}{
		{
			name: "expired",
			freeze: func(f *fixture) time.Time {
				f.push(48*time.Hour, "2.2")
				f.remargin()
				return expiry
			},
			price: "2.9",
			long:  "3",
			short: "0",
		},
		{
			name: "emergency shutdown",
			freeze: func(f *fixture) time.Time {
				f.must(&event.EmergencyShutdown{CallHeader: f.header(admin)})
				return t0
			},
			// Penalty 0.1 capped by the 0.05 left on the short side.
			price: "2.95",
			long:  "3",
			short: "0",
		},
		{
			name: "disputed",
			freeze: func(f *fixture) time.Time {
				f.must(&event.Dispute{CallHeader: f.header(sponsor), Deposit: d("1")})
				return t0
			},
			// The lost dispute still returns the deposit to the short side.
			price: "2.9",
			long:  "3",
			short: "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(p *core.ContractParams) { p.Expiry = expiry })
			f.deposit("1")
			f.create("2")

			end := tt.freeze(f)
			s := f.storage()
			assertDec(t, "0.1", s.Default.Penalty, "5% of nav 2 recorded at the freeze")

			f.oracle.Resolve(product, end, d(tt.price))
			f.must(&event.Settle{CallHeader: f.header(holder)})
			s = f.storage()
			assert.Equal(t, state.Settled, s.State)
			assertDec(t, tt.price, s.Nav)
			assertDec(t, tt.long, s.LongBalance)
			assertDec(t, tt.short, s.ShortBalance)
			f.assertCustody()
		})
	}
}

func TestRemargin_AutoSettlesWhenOracleKnowsPrice(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("0.2")
	f.create("2")
	f.push(time.Hour, "2.1")
	f.oracle.Resolve(product, t0.Add(time.Hour), d("2.1"))

	f.remargin()
	s := f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "2.2", s.LongBalance)
}

func TestAcceptPriceAndSettle(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("1")

	_, err := f.submit(&event.AcceptPriceAndSettle{CallHeader: f.header(sponsor)})
	assert.ErrorIs(t, err, core.ErrInvalidState)

	f = defaulted(t)
	_, err = f.submit(&event.AcceptPriceAndSettle{CallHeader: f.header(holder)})
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	f.must(&event.AcceptPriceAndSettle{CallHeader: f.header(sponsor)})
	s := f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "2.1", s.Nav)
	assertDec(t, "2.2", s.LongBalance)
}

// ============================================================================
// Dispute
// ============================================================================

func TestDispute_DepositThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("1")
	f.create("2")

	// 50% of nav 2.
	_, err := f.submit(&event.Dispute{CallHeader: f.header(sponsor), Deposit: d("0.5")})
	assert.ErrorIs(t, err, core.ErrInsufficientMargin)

	f.must(&event.Dispute{CallHeader: f.header(sponsor), Deposit: d("1.5")})
	s := f.storage()
	assert.Equal(t, state.Disputed, s.State)
	assertDec(t, "1", s.Dispute.Deposit, "only the required deposit is taken")
	assertDec(t, "2", s.Dispute.DisputedNav)
	assert.Equal(t, t0, s.EndTime)
	assertDec(t, "6", f.cur.BalanceOf(sponsor))
	f.assertCustody()
}

func TestDispute_SettlesInFavourOfDisputer(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("1")
	f.create("2")
	f.must(&event.Dispute{CallHeader: f.header(sponsor), Deposit: d("1")})

	f.oracle.Resolve(product, t0, d("2.2"))
	f.must(&event.Settle{CallHeader: f.header(holder)})

	s := f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "2.2", s.Nav)
	assertDec(t, "2.2", s.LongBalance)
	assertDec(t, "1.8", s.ShortBalance, "deposit returned to the short side")
	f.assertCustody()
}

func TestDispute_LostDepositGoesLong(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("1")
	f.create("2")
	f.oracle.Resolve(product, t0, d("2"))

	// Resolved before the dispute: settles in the same call.
	f.must(&event.Dispute{CallHeader: f.header(sponsor), Deposit: d("1")})

	s := f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "3", s.LongBalance)
	assertDec(t, "1", s.ShortBalance)
	f.assertCustody()
}

// ============================================================================
// Expiry and shutdown
// ============================================================================

func TestExpiry(t *testing.T) {
	expiry := t0.Add(24 * time.Hour)
	f := newFixture(t, func(p *core.ContractParams) { p.Expiry = expiry })
	f.deposit("1")
	f.create("2")

	f.push(48*time.Hour, "2.2")
	_, err := f.core.CalcNAV(f.ctx)
	assert.ErrorIs(t, err, core.ErrWouldExpire)

	f.remargin()
	s := f.storage()
	assert.Equal(t, state.Expired, s.State)
	assert.Equal(t, expiry, s.EndTime)
	assert.True(t, f.oracle.Requested(product, expiry))

	_, err = f.submit(&event.Settle{CallHeader: f.header(holder)})
	assert.ErrorIs(t, err, core.ErrPriceNotAvailable)

	f.oracle.Resolve(product, expiry, d("2.4"))
	f.must(&event.Settle{CallHeader: f.header(holder)})
	s = f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "2.4", s.Nav)
	assertDec(t, "2.4", s.LongBalance)
	assertDec(t, "0.6", s.ShortBalance)

	// The sponsor takes the rest of the short side out without throttling.
	f.must(&event.Withdraw{CallHeader: f.header(sponsor), Amount: d("0.6")})
	f.assertCustody()
}

func TestSettle_LiveBeforeExpiry(t *testing.T) {
	f := newFixture(t, func(p *core.ContractParams) { p.Expiry = t0.Add(24 * time.Hour) })
	f.deposit("1")

	_, err := f.submit(&event.Settle{CallHeader: f.header(holder)})
	assert.ErrorIs(t, err, core.ErrInvalidState)

	ok, err := f.core.CanBeSettled(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettle_LiveAfterExpiryWithPrice(t *testing.T) {
	expiry := t0.Add(24 * time.Hour)
	f := newFixture(t, func(p *core.ContractParams) { p.Expiry = expiry })
	f.deposit("1")
	f.create("2")
	f.push(25*time.Hour, "3")
	f.oracle.Resolve(product, expiry, d("2"))

	ok, err := f.core.CanBeSettled(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	f.must(&event.Settle{CallHeader: f.header(holder)})
	s := f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "2", s.LongBalance)
}

func TestEmergencyShutdown(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("1")
	f.create("2")
	f.push(time.Hour, "2.2")
	f.remargin()

	f.must(&event.EmergencyShutdown{CallHeader: f.header(admin)})
	s := f.storage()
	assert.Equal(t, state.EmergencyShutdown, s.State)
	assert.Equal(t, t0.Add(time.Hour), s.EndTime)

	_, err := f.submit(&event.CreateTokens{CallHeader: f.header(sponsor), MarginToIncludeMax: d("10"), NumTokens: d("1")})
	assert.ErrorIs(t, err, core.ErrInvalidState)
	_, err = f.core.CalcNAV(f.ctx)
	assert.ErrorIs(t, err, core.ErrNotLive)

	f.oracle.Resolve(product, t0.Add(time.Hour), d("2.2"))
	nav, err := f.core.CalcNAV(f.ctx)
	require.NoError(t, err)

	f.must(&event.Settle{CallHeader: f.header(holder)})
	assert.Equal(t, state.Settled, f.storage().State)
	assert.True(t, nav.Equal(f.storage().Nav), "calc predicted %s, settle recorded %s", nav, f.storage().Nav)
}

// ============================================================================
// Fees
// ============================================================================

func TestRemargin_ChargesOracleFee(t *testing.T) {
	f := newFixture(t, nil)
	f.store.OraclePerSecond = d("0.00001")
	f.deposit("1")
	f.create("2")

	f.push(time.Hour, "2")
	f.remargin()

	// max(2, 1) * 3600s * 0.00001
	s := f.storage()
	assertDec(t, "0.928", s.ShortBalance)
	assertDec(t, "0.072", s.FeesPaid)
	assertDec(t, "0.072", f.cur.BalanceOf(storeAddr))
	f.assertCustody()
}

func TestRemargin_ChargesDelayFeeForWholeWeeks(t *testing.T) {
	f := newFixture(t, nil)
	f.store.WeeklyDelay = d("0.01")
	f.deposit("1")

	f.push(15*24*time.Hour, "2")
	f.remargin()
	assertDec(t, "0.98", f.storage().ShortBalance)
}

func TestRemargin_FeeCappedAtShortBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.store.OraclePerSecond = d("1")
	f.deposit("1")
	f.create("2")

	f.push(time.Hour, "2")
	res := f.remargin()

	var shortfall bool
	for _, n := range res.Notices {
		if n.Kind == event.NoticeFeeShortfall {
			shortfall = true
			assertDec(t, "7199", n.Amount)
		}
	}
	assert.True(t, shortfall)

	s := f.storage()
	assertDec(t, "0", s.ShortBalance)
	assertDec(t, "1", s.FeesPaid)
	assert.Equal(t, state.Defaulted, s.State)
	f.assertCustody()
}

func TestSettle_FinalFee(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Final = map[common.Address]decimal.Decimal{currency: d("0.1")}
	f.deposit("1")
	f.create("2")
	f.must(&event.EmergencyShutdown{CallHeader: f.header(admin)})
	f.oracle.Resolve(product, t0, d("2"))

	f.must(&event.Settle{CallHeader: f.header(holder)})
	s := f.storage()
	assertDec(t, "2", s.LongBalance)
	assertDec(t, "0.9", s.ShortBalance)
	assertDec(t, "0.1", f.cur.BalanceOf(storeAddr))
	f.assertCustody()
}

// ============================================================================
// Reads
// ============================================================================

func TestCalc_DoesNotMutateAndMatchesRemargin(t *testing.T) {
	f := newFixture(t, nil)
	f.store.OraclePerSecond = d("0.00001")
	f.deposit("1")
	f.create("2")
	f.push(time.Hour, "2.2")

	before := f.core.GetStateHash()
	nav1, err := f.core.CalcNAV(f.ctx)
	require.NoError(t, err)
	nav2, err := f.core.CalcNAV(f.ctx)
	require.NoError(t, err)
	assert.True(t, nav1.Equal(nav2))
	short, err := f.core.CalcShortMarginBalance(f.ctx)
	require.NoError(t, err)
	token, err := f.core.CalcTokenValue(f.ctx)
	require.NoError(t, err)
	excess, err := f.core.CalcExcessMargin(f.ctx)
	require.NoError(t, err)
	price, at, err := f.core.GetUpdatedUnderlyingPrice(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, before, f.core.GetStateHash())
	assert.False(t, f.oracle.Requested(product, t0.Add(time.Hour)))
	assertDec(t, "2", f.storage().Nav, "calc must not mutate")

	f.remargin()
	s := f.storage()
	assert.True(t, nav1.Equal(s.Nav))
	assert.True(t, short.Equal(s.ShortBalance))
	assert.True(t, token.Equal(s.Current.TokenPrice))
	assertDec(t, "2.2", price)
	assert.Equal(t, t0.Add(time.Hour), at)
	assert.True(t, excess.Equal(s.ShortBalance.Sub(f.core.GetCurrentRequiredMargin())))
}

func TestCalc_WouldDefault(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("0.2")
	f.create("2")
	f.push(time.Hour, "2.1")

	_, err := f.core.CalcNAV(f.ctx)
	assert.ErrorIs(t, err, core.ErrWouldDefault)
	_, err = f.core.CalcExcessMargin(f.ctx)
	assert.ErrorIs(t, err, core.ErrWouldDefault)
}

func TestCalc_SettledIsNotLive(t *testing.T) {
	f := defaulted(t)
	f.must(&event.AcceptPriceAndSettle{CallHeader: f.header(sponsor)})

	_, err := f.core.CalcNAV(f.ctx)
	assert.ErrorIs(t, err, core.ErrNotLive)
	assert.True(t, f.core.GetCurrentRequiredMargin().IsZero())
}

// ============================================================================
// Atomicity, log and recovery
// ============================================================================

func TestTransferFailure_RollsBackEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.cur.Fund(holder, d("2.5"))
	f.must(&event.SetAPDelegate{CallHeader: f.header(sponsor), Delegate: holder})
	before := f.storage()
	seq := f.core.GetSequence()

	// The margin transfer succeeds, the token payment does not.
	_, err := f.submit(&event.DepositAndCreateTokens{CallHeader: f.header(holder), TotalMargin: d("3"), NumTokens: d("2")})
	assert.ErrorIs(t, err, core.ErrTransferFailed)

	assertDec(t, "2.5", f.cur.BalanceOf(holder))
	assert.Equal(t, before, f.storage())
	assert.Equal(t, seq, f.core.GetSequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransferRollbacks.WithLabelValues("ok")))
	f.assertCustody()
}

func TestTransferFailure_Injected(t *testing.T) {
	f := newFixture(t, nil)
	f.cur.FailNext(errors.New("rpc timeout"))

	_, err := f.submit(&event.Deposit{CallHeader: f.header(sponsor), Amount: d("1")})
	assert.ErrorIs(t, err, core.ErrTransferFailed)
	assert.ErrorIs(t, err, core.ErrCollaborator)
	assert.True(t, f.storage().ShortBalance.IsZero())
}

// downFeed fails every read, as an unreachable Redis feed would.
type downFeed struct{}

func (downFeed) LatestPrice(context.Context, string) (external.PriceObservation, error) {
	return external.PriceObservation{}, errors.New("dial tcp 10.0.0.7:6379: connection refused")
}

func TestCollaboratorOutageIsDistinctFromRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("1")

	ext := f.ext
	ext.Feed = downFeed{}
	down, err := core.RestoreFromSnapshot(f.core.CreateSnapshotState(), ext, f.cfg)
	require.NoError(t, err)
	_, err = down.ProcessCall(f.ctx, &event.Remargin{CallHeader: f.header(sponsor)})
	assert.ErrorIs(t, err, core.ErrCollaborator)

	// A wallet that cannot cover the transfer is a rejection.
	_, err = f.submit(&event.Deposit{CallHeader: f.header(sponsor), Amount: d("100")})
	assert.ErrorIs(t, err, core.ErrTransferFailed)
	assert.NotErrorIs(t, err, core.ErrCollaborator)

	// So is an oracle that has not resolved the price yet.
	f.must(&event.EmergencyShutdown{CallHeader: f.header(admin)})
	_, err = f.submit(&event.Settle{CallHeader: f.header(holder)})
	assert.ErrorIs(t, err, core.ErrPriceNotAvailable)
	assert.NotErrorIs(t, err, core.ErrCollaborator)
}

func TestWithdrawUnexpectedTokens(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit("1")
	f.cur.Gift(d("0.5"))

	_, err := f.submit(&event.WithdrawUnexpectedTokens{CallHeader: f.header(sponsor), Amount: d("0.6")})
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)
	_, err = f.submit(&event.WithdrawUnexpectedTokens{CallHeader: f.header(holder), Amount: d("0.5")})
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	f.must(&event.WithdrawUnexpectedTokens{CallHeader: f.header(sponsor), Amount: d("0.5")})
	assertDec(t, "9.5", f.cur.BalanceOf(sponsor))
	assertDec(t, "1", f.storage().ShortBalance)
	f.assertCustody()
}

func TestDuplicateCallRejected(t *testing.T) {
	f := newFixture(t, nil)
	call := &event.Deposit{CallHeader: f.header(sponsor), Amount: d("1")}
	f.must(call)

	_, err := f.submit(call)
	assert.ErrorIs(t, err, core.ErrDuplicateCall)
	assertDec(t, "1", f.storage().ShortBalance)
}

func TestWrongContractRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.submit(&event.Deposit{CallHeader: event.NewHeader("other", sponsor, t0), Amount: d("1")})
	assert.ErrorIs(t, err, core.ErrWrongContract)
}

func TestCallerSequenceGap(t *testing.T) {
	f := newFixture(t, nil)
	h := f.header(sponsor)
	h.Sequence = 2
	_, err := f.submit(&event.Deposit{CallHeader: h, Amount: d("1")})
	assert.Error(t, err)

	h = f.header(sponsor)
	h.Sequence = 1
	f.must(&event.Deposit{CallHeader: h, Amount: d("1")})
}

func TestHashChainAndOutputs(t *testing.T) {
	f := newFixture(t, nil)
	genesis := f.core.GetStateHash()
	f.deposit("1")
	f.create("2")

	first := <-f.persist
	second := <-f.persist
	assert.Equal(t, int64(1), first.Envelope.Sequence)
	assert.Equal(t, int64(2), second.Envelope.Sequence)
	assert.Equal(t, genesis, first.Envelope.PrevHash)
	assert.Equal(t, first.Envelope.StateHash, second.Envelope.PrevHash)
	assert.Equal(t, second.Envelope.StateHash, f.core.GetStateHash())
	assert.Equal(t, event.CallTypeCreateTokens, second.Envelope.CallType)
	require.NotEmpty(t, second.Batch.Journals)
	for _, j := range second.Batch.Journals {
		assert.Equal(t, int64(2), j.Sequence)
	}

	// The payload decodes back to the call.
	call, err := event.DecodeCall(second.Envelope.CallType, second.Envelope.Payload)
	require.NoError(t, err)
	assertDec(t, "2", call.(*event.CreateTokens).NumTokens)
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, nil)
	dup := &event.Deposit{CallHeader: f.header(sponsor), Amount: d("1")}
	f.must(dup)
	f.create("2")
	f.push(time.Hour, "2.2")
	f.remargin()

	snap := f.core.CreateSnapshotState()
	restored, err := core.RestoreFromSnapshot(snap, f.ext, f.cfg)
	require.NoError(t, err)

	assert.Equal(t, f.core.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, f.core.GetSequence(), restored.GetSequence())
	assert.Equal(t, f.storage(), restored.Storage())

	_, err = restored.ProcessCall(f.ctx, dup)
	assert.ErrorIs(t, err, core.ErrDuplicateCall)

	// Both cores continue identically.
	f.push(2*time.Hour, "2")
	call := &event.Remargin{CallHeader: f.header(sponsor)}
	a, err := f.core.ProcessCall(f.ctx, call)
	require.NoError(t, err)
	b, err := restored.ProcessCall(f.ctx, call)
	require.NoError(t, err)
	assert.Equal(t, a.StateHash, b.StateHash)
}

func TestCompoundIsPathDependent(t *testing.T) {
	f := newFixture(t, func(p *core.ContractParams) {
		p.ReturnType = dmath.Compound
		p.Leverage = d("2")
	})
	f.deposit("2")
	f.create("1")

	f.push(time.Hour, "2.2")
	f.remargin()
	assertDec(t, "1.2", f.storage().Current.TokenPrice)

	f.push(2*time.Hour, "2")
	f.remargin()
	s := f.storage()
	assert.True(t, s.Current.TokenPrice.LessThan(d("1")), "token %s", s.Current.TokenPrice)
	assertDec(t, "2.2", s.Reference.UnderlyingPrice)
	f.assertCustody()
}

func TestRemargin_NoOpWithoutNewerPrice(t *testing.T) {
	f := newFixture(t, func(p *core.ContractParams) {
		p.ReturnType = dmath.Compound
		p.Leverage = d("2")
	})
	f.store.OraclePerSecond = d("0.00001")
	f.deposit("2")
	f.create("1")
	f.push(time.Hour, "2.2")
	f.remargin()
	before := f.storage()

	res := f.remargin()
	for _, n := range res.Notices {
		assert.NotEqual(t, event.NoticeNavUpdated, n.Kind)
		assert.NotEqual(t, event.NoticeFeesPaid, n.Kind)
	}
	after := f.storage()
	assert.Equal(t, before.Reference, after.Reference)
	assert.Equal(t, before.Current, after.Current)
	assert.True(t, before.ShortBalance.Equal(after.ShortBalance))
}

func TestDispute_CompoundSettlesFromPreDisputeReference(t *testing.T) {
	f := newFixture(t, func(p *core.ContractParams) {
		p.ReturnType = dmath.Compound
		p.Leverage = d("2")
	})
	f.deposit("2")
	f.create("1")
	f.push(time.Hour, "2.2")
	f.remargin()
	assertDec(t, "1.2", f.storage().Current.TokenPrice)

	// Withdrawing remargins first; with no newer price the reference holds.
	f.must(&event.Withdraw{CallHeader: f.header(sponsor), Amount: d("0.1")})
	f.must(&event.Dispute{CallHeader: f.header(sponsor), Deposit: d("0.6")})
	s := f.storage()
	assert.Equal(t, state.Disputed, s.State)
	assertDec(t, "2", s.Reference.UnderlyingPrice)
	assertDec(t, "1", s.Reference.TokenPrice)

	// 1 * (1 + 2*(2.1-2)/2), not 1.2 * (1 + 2*(2.1-2.2)/2.2).
	f.oracle.Resolve(product, t0.Add(time.Hour), d("2.1"))
	f.must(&event.Settle{CallHeader: f.header(holder)})
	s = f.storage()
	assert.Equal(t, state.Settled, s.State)
	assertDec(t, "1.1", s.Current.TokenPrice)
	assertDec(t, "1.1", s.Nav)
	assertDec(t, "1.1", s.LongBalance)
	assertDec(t, "2.4", s.ShortBalance, "1.8 after the move plus the returned deposit")
	f.assertCustody()
}
