package ledger_test

import (
	"DerivLedger/internal/ledger"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	sponsor = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	holder  = common.HexToAddress("0x0000000000000000000000000000000000000b01")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_ContractPath(t *testing.T) {
	key := ledger.NewContractAccountKey("btc-2x", ledger.SubTypeShort, usdc)

	path := key.AccountPath()
	if path != "contract:btc-2x:short" {
		t.Errorf("got %q, want %q", path, "contract:btc-2x:short")
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewStoreFeesKey(usdc)

	path := key.AccountPath()
	expected := "system:store_fees:" + usdc.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_PartyPath(t *testing.T) {
	key := ledger.NewPartyAccountKey(sponsor, usdc)

	path := key.AccountPath()
	expected := "external:party:" + sponsor.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_RejectsNonPositiveAmount(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewContractAccountKey("c", ledger.SubTypeShort, usdc),
			CreditAccount: ledger.NewPartyAccountKey(sponsor, usdc),
			Amount:        decimal.Zero,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestBatch_RejectsSelfTransfer(t *testing.T) {
	batchID := uuid.New()
	key := ledger.NewContractAccountKey("c", ledger.SubTypeShort, usdc)
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  key,
			CreditAccount: key,
			Amount:        dec("1"),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for self transfer")
	}
}

func TestBatch_EmptyIsValid(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err != nil {
		t.Errorf("empty batch should be valid: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator + BalanceTracker
// ============================================================================

func TestGenerator_SkipsZeroAndFlipsNegative(t *testing.T) {
	jg := ledger.NewJournalGenerator("c", usdc, "call-1", 1, time.Unix(0, 0))
	jg.NavRebalance(decimal.Zero)
	jg.NavRebalance(dec("-0.25"))

	batch := jg.Batch()
	if len(batch.Journals) != 1 {
		t.Fatalf("got %d journals, want 1", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.DebitAccount.SubType != ledger.SubTypeShort || j.CreditAccount.SubType != ledger.SubTypeLong {
		t.Errorf("negative rebalance should move long -> short, got %s <- %s",
			j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath())
	}
	if !j.Amount.Equal(dec("0.25")) {
		t.Errorf("amount: got %s, want 0.25", j.Amount)
	}
}

func TestGenerator_ContractLifecycleIsZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	jg := ledger.NewJournalGenerator("c", usdc, "call-1", 1, time.Unix(0, 0))
	jg.Deposit(sponsor, dec("2"))
	jg.TokenCreation(holder, dec("1"))
	jg.Fee(ledger.JournalTypeRegularFee, dec("0.01"))
	jg.NavRebalance(dec("0.3"))
	jg.DisputeDeposit(sponsor, dec("0.13"))
	jg.DisputeRelease(false, dec("0.13"))
	jg.DefaultPenalty(dec("0.05"))
	jg.TokenRedemption(holder, dec("1.35"))

	if err := bt.ApplyBatch(jg.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// short = 2 - 0.01 - 0.3 + 0.13 - 0.05
	if err := v.ValidateContractBalances("c", usdc, dec("0"), dec("1.77"), dec("0")); err != nil {
		t.Errorf("contract balances: %v", err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}

	fees := bt.GetBalance(ledger.NewStoreFeesKey(usdc))
	if !fees.Equal(dec("0.01")) {
		t.Errorf("store fees: got %s, want 0.01", fees)
	}
}

func TestValidator_DetectsDrift(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	jg := ledger.NewJournalGenerator("c", usdc, "call-1", 1, time.Unix(0, 0))
	jg.Deposit(sponsor, dec("1"))
	if err := bt.ApplyBatch(jg.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if err := v.ValidateContractBalances("c", usdc, decimal.Zero, dec("0.9"), decimal.Zero); err == nil {
		t.Error("expected drift between ledger and storage to be reported")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator("c", usdc, "call-1", 1, time.Unix(0, 0))
	jg.Deposit(sponsor, dec("3"))
	if err := bt.ApplyBatch(jg.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	snap := bt.Snapshot()
	restored := ledger.NewBalanceTracker()
	restored.Restore(snap)

	_, short, _ := restored.ContractBalances("c", usdc)
	if !short.Equal(dec("3")) {
		t.Errorf("restored short: got %s, want 3", short)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewContractAccountKey("spx:2026", ledger.SubTypeLong, usdc),
		ledger.NewContractAccountKey("spx:2026", ledger.SubTypeDisputeEscrow, usdc),
		ledger.NewStoreFeesKey(usdc),
		ledger.NewPartyAccountKey(sponsor, usdc),
		ledger.NewUnsolicitedAccountKey("spx:2026", usdc),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath(), usdc)
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("parse %s: got %+v, want %+v", k.AccountPath(), got, k)
		}
	}

	for _, bad := range []string{"", "contract:x", "system:insurance:0x1", "external:party:nothex", "ledger:a:b"} {
		if _, err := ledger.ParseAccountPath(bad, usdc); err == nil {
			t.Errorf("parse %q: expected error", bad)
		}
	}
}
