package core_test

import (
	"encoding/json"
	"errors"
	stdmath "math"
	"testing"
	"time"

	"github.com/google/uuid"

	"PolicyLedger/internal/core"
	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/domain"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ledger"
	"PolicyLedger/internal/policy"
)

// --- Test helpers ---

const (
	testRent     = int64(2_039_280)
	testPremium  = int64(5_000_000)
	testCoverage = int64(3_000_000)
	testFeed     = "SOL/USD"
	testMaxAge   = 60 * time.Second
)

var testAuthority = uuid.MustParse("4fa163a1-55a0-4b60-b1b3-b09c4b5b1f6a")

func testBase() time.Time {
	return time.UnixMicro(1_700_000_000_000_000)
}

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	params := core.Params{
		Authority:   testAuthority,
		RentDeposit: testRent,
		OracleFeed:  testFeed,
		MaxPriceAge: testMaxAge,
		Keyring:     custody.NewKeyring([]byte("engine-test-secret")),
	}
	c := core.NewDeterministicCore(params, 0, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func mustDeposit(owner uuid.UUID, asset string, amount int64) *event.DepositFunds {
	return &event.DepositFunds{
		DepositID: uuid.New(),
		Owner:     owner,
		Asset:     asset,
		Amount:    amount,
		Timestamp: testBase(),
	}
}

func mustCreatePolicy(caller uuid.UUID, nonce uint64, payoutWallet uuid.UUID) *event.CreatePolicy {
	return &event.CreatePolicy{
		RequestID:    uuid.New(),
		Caller:       caller,
		Nonce:        nonce,
		Strike:       150,
		Expiry:       testBase().Add(30 * 24 * time.Hour),
		Underlying:   event.UnderlyingSOL,
		OptionType:   event.OptionCall,
		Coverage:     testCoverage,
		Premium:      testPremium,
		PayoutWallet: payoutWallet,
		PaymentAsset: "USDC",
		Timestamp:    testBase(),
	}
}

func mustActivate(caller uuid.UUID, policyID string) *event.ActivatePolicy {
	return &event.ActivatePolicy{
		RequestID: uuid.New(),
		Caller:    caller,
		Policy:    policyID,
		Timestamp: testBase().Add(time.Minute),
	}
}

func mustClose(caller uuid.UUID, policyID string, intent event.ClosureIntent) *event.ClosePolicy {
	return &event.ClosePolicy{
		RequestID: uuid.New(),
		Caller:    caller,
		Policy:    policyID,
		Intent:    intent,
		Timestamp: testBase().Add(2 * time.Minute),
	}
}

func mustInitProtection(owner uuid.UUID, strike int64, direction event.Direction, coverage, funding int64) *event.InitializeProtection {
	return &event.InitializeProtection{
		RequestID: uuid.New(),
		Owner:     owner,
		Strike:    strike,
		Direction: direction,
		Coverage:  coverage,
		Funding:   funding,
		Timestamp: testBase(),
	}
}

// mustLiquidate builds a claim whose observation is `age` older than the
// event timestamp.
func mustLiquidate(protectionID string, magnitude int64, exponent int32, age time.Duration) *event.LiquidateProtection {
	ts := testBase().Add(time.Minute)
	return &event.LiquidateProtection{
		RequestID: uuid.New(),
		Caller:    uuid.New(),
		Policy:    protectionID,
		Observation: event.PriceObservation{
			Feed:        testFeed,
			Magnitude:   magnitude,
			Exponent:    exponent,
			PublishTime: ts.Add(-age),
		},
		Timestamp: ts,
	}
}

func mustPriceUpdate(feed string, magnitude int64, exponent int32, feedSeq int64) *event.PriceUpdate {
	return &event.PriceUpdate{
		Feed:         feed,
		Magnitude:    magnitude,
		Exponent:     exponent,
		PublishTime:  testBase(),
		FeedSequence: feedSeq,
		Timestamp:    testBase(),
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func fundWallet(t *testing.T, c *core.DeterministicCore, ch chan core.CoreOutput, owner uuid.UUID, asset string, amount int64) {
	t.Helper()
	if err := c.ProcessEvent(mustDeposit(owner, asset, amount)); err != nil {
		t.Fatalf("funding deposit failed: %v", err)
	}
	drainOutputs(ch)
}

// createTestPolicy funds the authority's rent and creates an inactive policy,
// returning its record address.
func createTestPolicy(t *testing.T, c *core.DeterministicCore, ch chan core.CoreOutput, holder uuid.UUID, nonce uint64) string {
	t.Helper()
	fundWallet(t, c, ch, testAuthority, "SOL", testRent)
	evt := mustCreatePolicy(testAuthority, nonce, holder)
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("create policy failed: %v", err)
	}
	drainOutputs(ch)
	return *evt.PolicyID()
}

func activateTestPolicy(t *testing.T, c *core.DeterministicCore, ch chan core.CoreOutput, holder uuid.UUID, policyID string) {
	t.Helper()
	fundWallet(t, c, ch, holder, "USDC", testPremium)
	if err := c.ProcessEvent(mustActivate(holder, policyID)); err != nil {
		t.Fatalf("activate policy failed: %v", err)
	}
	drainOutputs(ch)
}

func assetID(t *testing.T, symbol string) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID(symbol)
	if !ok {
		t.Fatalf("unknown asset %q", symbol)
	}
	return id
}

func walletBalance(c *core.DeterministicCore, owner uuid.UUID, id ledger.AssetID) int64 {
	return c.CreateSnapshotState().Balances[ledger.NewWalletKey(owner, id)]
}

func vaultBalance(c *core.DeterministicCore, vault custody.Address) int64 {
	return c.CreateSnapshotState().Balances[ledger.NewVaultKey(vault)]
}

func escrowBalance(c *core.DeterministicCore) int64 {
	return c.CreateSnapshotState().Balances[ledger.NewRentEscrowKey()]
}

func findPolicy(c *core.DeterministicCore, policyID string) *policy.Policy {
	for _, p := range c.CreateSnapshotState().Policies {
		if p.Address.String() == policyID {
			return p
		}
	}
	return nil
}

func findProtection(c *core.DeterministicCore, owner uuid.UUID) *policy.Protection {
	for _, p := range c.CreateSnapshotState().Protections {
		if p.Owner == owner {
			return p
		}
	}
	return nil
}

// ============================================================================
// Test: Deposit Flow
// ============================================================================

func TestDepositFunds_CreditsWallet(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	err := c.ProcessEvent(mustDeposit(owner, "USDC", 1_000_000))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	batch := outputs[0].Batch
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeDeposit {
		t.Errorf("expected JournalTypeDeposit, got %d", j.JournalType)
	}
	if j.Amount != 1_000_000 {
		t.Errorf("expected amount 1_000_000, got %d", j.Amount)
	}

	if got := walletBalance(c, owner, assetID(t, "USDC")); got != 1_000_000 {
		t.Errorf("expected wallet balance 1_000_000, got %d", got)
	}
}

func TestDepositFunds_NonPositiveAmount_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()

	err := c.ProcessEvent(mustDeposit(uuid.New(), "USDC", 0))
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected no outputs for rejected event, got %d", len(outputs))
	}
}

func TestDepositFunds_UnknownAsset_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	err := c.ProcessEvent(mustDeposit(uuid.New(), "DOGE", 1_000))
	if !errors.Is(err, domain.ErrAssetMismatch) {
		t.Fatalf("expected ErrAssetMismatch, got %v", err)
	}
}

func TestDepositFunds_BalanceOverflow_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	fundWallet(t, c, persistCh, owner, "USDC", stdmath.MaxInt64)

	// A second maximal deposit would wrap the wallet past int64.
	err := c.ProcessEvent(mustDeposit(owner, "USDC", stdmath.MaxInt64))
	if !errors.Is(err, domain.ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected no outputs for rejected deposit, got %d", len(outputs))
	}
	if got := walletBalance(c, owner, assetID(t, "USDC")); got != stdmath.MaxInt64 {
		t.Errorf("expected wallet untouched at MaxInt64, got %d", got)
	}
}

// ============================================================================
// Test: Policy Creation
// ============================================================================

func TestCreatePolicy_EscrowsRentAndStoresRecord(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()

	fundWallet(t, c, persistCh, testAuthority, "SOL", testRent)

	evt := mustCreatePolicy(testAuthority, 1, holder)
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeRentEscrow {
		t.Errorf("expected JournalTypeRentEscrow, got %d", j.JournalType)
	}
	if j.Amount != testRent {
		t.Errorf("expected amount %d, got %d", testRent, j.Amount)
	}

	record := findPolicy(c, *evt.PolicyID())
	if record == nil {
		t.Fatal("policy record not found after creation")
	}
	if record.Status != policy.PolicyStatusInactive {
		t.Errorf("expected status Inactive, got %s", record.Status)
	}
	if record.Version != 1 {
		t.Errorf("expected version 1, got %d", record.Version)
	}

	if got := escrowBalance(c); got != testRent {
		t.Errorf("expected escrow %d, got %d", testRent, got)
	}
	if got := walletBalance(c, testAuthority, ledger.AssetIDNative); got != 0 {
		t.Errorf("expected authority native 0 after rent, got %d", got)
	}
}

func TestCreatePolicy_SameNonce_AlreadyExists(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()

	fundWallet(t, c, persistCh, testAuthority, "SOL", 2*testRent)

	if err := c.ProcessEvent(mustCreatePolicy(testAuthority, 7, holder)); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	drainOutputs(persistCh)

	// Fresh request, same (authority, nonce): a new idempotency key, so the
	// handler itself must reject the derived-address collision.
	err := c.ProcessEvent(mustCreatePolicy(testAuthority, 7, holder))
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// Only the first creation escrowed rent.
	if got := escrowBalance(c); got != testRent {
		t.Errorf("expected escrow %d, got %d", testRent, got)
	}
}

func TestCreatePolicy_NotAuthority_Unauthorized(t *testing.T) {
	c, _, _ := newTestCore()
	impostor := uuid.New()

	err := c.ProcessEvent(mustCreatePolicy(impostor, 1, uuid.New()))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCreatePolicy_NonPositiveFields_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	fundWallet(t, c, persistCh, testAuthority, "SOL", testRent)

	evt := mustCreatePolicy(testAuthority, 1, uuid.New())
	evt.Premium = 0
	err := c.ProcessEvent(evt)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero premium, got %v", err)
	}

	evt = mustCreatePolicy(testAuthority, 2, uuid.New())
	evt.Coverage = -1
	err = c.ProcessEvent(evt)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative coverage, got %v", err)
	}
}

func TestCreatePolicy_InsufficientRent_NoRecord(t *testing.T) {
	c, _, _ := newTestCore()
	holder := uuid.New()

	// Authority wallet never funded.
	evt := mustCreatePolicy(testAuthority, 1, holder)
	err := c.ProcessEvent(evt)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if findPolicy(c, *evt.PolicyID()) != nil {
		t.Error("policy record must not exist after failed creation")
	}
}

// ============================================================================
// Test: Policy Activation
// ============================================================================

func TestActivatePolicy_TransfersPremiumAndFlipsStatus(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)

	fundWallet(t, c, persistCh, holder, "USDC", testPremium)

	if err := c.ProcessEvent(mustActivate(holder, policyID)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypePremiumTransfer {
		t.Errorf("expected JournalTypePremiumTransfer, got %d", j.JournalType)
	}
	if j.Amount != testPremium {
		t.Errorf("expected amount %d, got %d", testPremium, j.Amount)
	}

	record := findPolicy(c, policyID)
	if record == nil {
		t.Fatal("policy record missing after activation")
	}
	if record.Status != policy.PolicyStatusActive {
		t.Errorf("expected status Active, got %s", record.Status)
	}
	if record.Version != 2 {
		t.Errorf("expected version 2 after activation, got %d", record.Version)
	}

	usdc := assetID(t, "USDC")
	if got := walletBalance(c, holder, usdc); got != 0 {
		t.Errorf("expected holder USDC 0 after premium, got %d", got)
	}
	if got := walletBalance(c, testAuthority, usdc); got != testPremium {
		t.Errorf("expected authority USDC %d, got %d", testPremium, got)
	}
}

func TestActivatePolicy_OneUnitShort_LeavesStateUntouched(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)

	fundWallet(t, c, persistCh, holder, "USDC", testPremium-1)

	err := c.ProcessEvent(mustActivate(holder, policyID))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	record := findPolicy(c, policyID)
	if record.Status != policy.PolicyStatusInactive {
		t.Errorf("expected status to remain Inactive, got %s", record.Status)
	}

	usdc := assetID(t, "USDC")
	if got := walletBalance(c, holder, usdc); got != testPremium-1 {
		t.Errorf("expected holder USDC untouched at %d, got %d", testPremium-1, got)
	}
	if got := walletBalance(c, testAuthority, usdc); got != 0 {
		t.Errorf("expected authority USDC 0, got %d", got)
	}
}

func TestActivatePolicy_WrongCaller_Unauthorized(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)

	stranger := uuid.New()
	fundWallet(t, c, persistCh, stranger, "USDC", testPremium)

	err := c.ProcessEvent(mustActivate(stranger, policyID))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestActivatePolicy_Twice_AlreadyActive(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)
	activateTestPolicy(t, c, persistCh, holder, policyID)

	fundWallet(t, c, persistCh, holder, "USDC", testPremium)

	err := c.ProcessEvent(mustActivate(holder, policyID))
	if !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	// Premium was not collected twice.
	if got := walletBalance(c, testAuthority, assetID(t, "USDC")); got != testPremium {
		t.Errorf("expected authority USDC %d, got %d", testPremium, got)
	}
}

func TestActivatePolicy_WrongCustodyAccount_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)
	fundWallet(t, c, persistCh, holder, "USDC", testPremium)

	// Supply someone else's derived account as the payer account.
	evt := mustActivate(holder, policyID)
	other := ledger.NewWalletKey(uuid.New(), assetID(t, "USDC"))
	evt.PayerAccount = other.Address.String()

	err := c.ProcessEvent(evt)
	if !errors.Is(err, domain.ErrInvalidCustodyAccount) {
		t.Fatalf("expected ErrInvalidCustodyAccount, got %v", err)
	}

	record := findPolicy(c, policyID)
	if record.Status != policy.PolicyStatusInactive {
		t.Errorf("expected status to remain Inactive, got %s", record.Status)
	}
}

func TestActivatePolicy_ExplicitMatchingAccounts_Accepted(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)
	fundWallet(t, c, persistCh, holder, "USDC", testPremium)

	usdc := assetID(t, "USDC")
	evt := mustActivate(holder, policyID)
	evt.PayerAccount = ledger.NewWalletKey(holder, usdc).Address.String()
	evt.AuthorityAccount = ledger.NewWalletKey(testAuthority, usdc).Address.String()

	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("activation with explicit accounts failed: %v", err)
	}

	if got := findPolicy(c, policyID).Status; got != policy.PolicyStatusActive {
		t.Errorf("expected status Active, got %s", got)
	}
}

func TestActivatePolicy_UnknownPolicy_NotFound(t *testing.T) {
	c, _, _ := newTestCore()

	evt := mustActivate(uuid.New(), "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	err := c.ProcessEvent(evt)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// Test: Policy Closure
// ============================================================================

func TestClosePolicy_WithPayout_TransfersCoverageAndDeletes(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)
	activateTestPolicy(t, c, persistCh, holder, policyID)

	if err := c.ProcessEvent(mustClose(testAuthority, policyID, event.CloseWithPayout)); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	journals := outputs[0].Batch.Journals
	if len(journals) != 2 {
		t.Fatalf("expected 2 journals (payout + rent refund), got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypeCoveragePayout {
		t.Errorf("expected JournalTypeCoveragePayout first, got %d", journals[0].JournalType)
	}
	if journals[0].Amount != testCoverage {
		t.Errorf("expected payout of exactly %d, got %d", testCoverage, journals[0].Amount)
	}
	if journals[1].JournalType != ledger.JournalTypeRentRefund {
		t.Errorf("expected JournalTypeRentRefund second, got %d", journals[1].JournalType)
	}

	if findPolicy(c, policyID) != nil {
		t.Error("policy record must be deleted after closure")
	}

	usdc := assetID(t, "USDC")
	if got := walletBalance(c, holder, usdc); got != testCoverage {
		t.Errorf("expected holder USDC %d, got %d", testCoverage, got)
	}
	if got := walletBalance(c, testAuthority, usdc); got != testPremium-testCoverage {
		t.Errorf("expected authority USDC %d, got %d", testPremium-testCoverage, got)
	}
	if got := walletBalance(c, testAuthority, ledger.AssetIDNative); got != testRent {
		t.Errorf("expected rent %d refunded to authority, got %d", testRent, got)
	}
	if got := escrowBalance(c); got != 0 {
		t.Errorf("expected escrow drained, got %d", got)
	}
}

func TestClosePolicy_Simple_SkipsPayout(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)
	activateTestPolicy(t, c, persistCh, holder, policyID)

	if err := c.ProcessEvent(mustClose(testAuthority, policyID, event.CloseSimple)); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	journals := outputs[0].Batch.Journals
	if len(journals) != 1 {
		t.Fatalf("expected 1 journal (rent refund only), got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypeRentRefund {
		t.Errorf("expected JournalTypeRentRefund, got %d", journals[0].JournalType)
	}

	if findPolicy(c, policyID) != nil {
		t.Error("policy record must be deleted after simple closure")
	}
	if got := walletBalance(c, holder, assetID(t, "USDC")); got != 0 {
		t.Errorf("expected holder USDC 0 (no payout), got %d", got)
	}
}

func TestClosePolicy_PayoutIntentOnInactive_SkipsTransfer(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)

	// Never activated. Payout intent degrades to a plain closure.
	if err := c.ProcessEvent(mustClose(testAuthority, policyID, event.CloseWithPayout)); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	journals := outputs[0].Batch.Journals
	if len(journals) != 1 {
		t.Fatalf("expected 1 journal (rent refund only), got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypeRentRefund {
		t.Errorf("expected JournalTypeRentRefund, got %d", journals[0].JournalType)
	}

	if findPolicy(c, policyID) != nil {
		t.Error("policy record must be deleted")
	}
	if got := walletBalance(c, holder, assetID(t, "USDC")); got != 0 {
		t.Errorf("expected holder USDC 0, got %d", got)
	}
}

func TestClosePolicy_NotAuthority_Unauthorized(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()
	policyID := createTestPolicy(t, c, persistCh, holder, 1)

	err := c.ProcessEvent(mustClose(holder, policyID, event.CloseSimple))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if findPolicy(c, policyID) == nil {
		t.Error("policy record must survive unauthorized closure")
	}
}

func TestClosePolicy_UnknownPolicy_NotFound(t *testing.T) {
	c, _, _ := newTestCore()

	err := c.ProcessEvent(mustClose(testAuthority, "not-a-hex-address", event.CloseSimple))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// Test: Protection Initialization
// ============================================================================

func TestInitializeProtection_FundsVault(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	funding := int64(50_000_000)

	fundWallet(t, c, persistCh, owner, "SOL", testRent+funding)

	if err := c.ProcessEvent(mustInitProtection(owner, 140, event.DirectionLong, 30_000_000, funding)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	journals := outputs[0].Batch.Journals
	if len(journals) != 2 {
		t.Fatalf("expected 2 journals (rent + vault funding), got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypeRentEscrow {
		t.Errorf("expected JournalTypeRentEscrow first, got %d", journals[0].JournalType)
	}
	if journals[1].JournalType != ledger.JournalTypeVaultFunding {
		t.Errorf("expected JournalTypeVaultFunding second, got %d", journals[1].JournalType)
	}

	record := findProtection(c, owner)
	if record == nil {
		t.Fatal("protection record not found")
	}
	if record.Claimed {
		t.Error("fresh protection must not be claimed")
	}
	if got := vaultBalance(c, record.Vault); got != funding {
		t.Errorf("expected vault balance %d, got %d", funding, got)
	}
	if got := walletBalance(c, owner, ledger.AssetIDNative); got != 0 {
		t.Errorf("expected owner native 0, got %d", got)
	}
}

func TestInitializeProtection_ZeroFunding_SingleJournal(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	fundWallet(t, c, persistCh, owner, "SOL", testRent)

	if err := c.ProcessEvent(mustInitProtection(owner, 140, event.DirectionLong, 0, 0)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if got := len(outputs[0].Batch.Journals); got != 1 {
		t.Fatalf("expected 1 journal for zero funding, got %d", got)
	}
}

func TestInitializeProtection_DuplicateOwner_AlreadyExists(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	fundWallet(t, c, persistCh, owner, "SOL", 2*testRent)

	if err := c.ProcessEvent(mustInitProtection(owner, 140, event.DirectionLong, 0, 0)); err != nil {
		t.Fatalf("first initialize failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustInitProtection(owner, 200, event.DirectionShort, 0, 0))
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInitializeProtection_FundingOverflow_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	fundWallet(t, c, persistCh, owner, "SOL", testRent)

	// rent + funding wraps negative; the pre-check must report overflow
	// instead of waving the batch through against an underfunded wallet.
	err := c.ProcessEvent(mustInitProtection(owner, 140, event.DirectionLong, 0, stdmath.MaxInt64))
	if !errors.Is(err, domain.ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}

	if findProtection(c, owner) != nil {
		t.Error("protection record must not exist after rejected funding")
	}
	if got := walletBalance(c, owner, ledger.AssetIDNative); got != testRent {
		t.Errorf("expected owner native untouched at %d, got %d", testRent, got)
	}
}

func TestInitializeProtection_NegativeFields_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	err := c.ProcessEvent(mustInitProtection(uuid.New(), 140, event.DirectionLong, -1, 0))
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative coverage, got %v", err)
	}

	err = c.ProcessEvent(mustInitProtection(uuid.New(), -140, event.DirectionLong, 0, 0))
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative strike, got %v", err)
	}
}

// ============================================================================
// Test: Protection Claims
// ============================================================================

// setupProtection funds an owner and initializes a long protection at strike
// 140 with the given coverage and funding, returning the record address.
func setupProtection(t *testing.T, c *core.DeterministicCore, ch chan core.CoreOutput, owner uuid.UUID, direction event.Direction, coverage, funding int64) string {
	t.Helper()
	fundWallet(t, c, ch, owner, "SOL", testRent+funding)
	evt := mustInitProtection(owner, 140, direction, coverage, funding)
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("initialize protection failed: %v", err)
	}
	drainOutputs(ch)
	return *evt.PolicyID()
}

func TestLiquidateProtection_PaysCoverage(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 50_000_000)

	// Long protection, strike 140, price 120: triggered.
	if err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, 0)); err != nil {
		t.Fatalf("liquidate failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	journals := outputs[0].Batch.Journals
	if len(journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypeClaimPayout {
		t.Errorf("expected JournalTypeClaimPayout, got %d", journals[0].JournalType)
	}
	if journals[0].Amount != 30_000_000 {
		t.Errorf("expected payout of exactly 30_000_000, got %d", journals[0].Amount)
	}
	if journals[0].Auth == nil {
		t.Error("vault outflow must carry a transfer authorization")
	}

	record := findProtection(c, owner)
	if !record.Claimed {
		t.Error("protection must be marked claimed")
	}
	if record.Version != 2 {
		t.Errorf("expected version 2 after claim, got %d", record.Version)
	}
	if got := walletBalance(c, owner, ledger.AssetIDNative); got != 30_000_000 {
		t.Errorf("expected owner native 30_000_000, got %d", got)
	}
	if got := vaultBalance(c, record.Vault); got != 20_000_000 {
		t.Errorf("expected vault remainder 20_000_000, got %d", got)
	}
}

func TestLiquidateProtection_StaleObservation_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 50_000_000)

	err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, testMaxAge+time.Second))
	if !errors.Is(err, domain.ErrPriceStale) {
		t.Fatalf("expected ErrPriceStale, got %v", err)
	}

	record := findProtection(c, owner)
	if record.Claimed {
		t.Error("stale observation must not mark the protection claimed")
	}
	if got := vaultBalance(c, record.Vault); got != 50_000_000 {
		t.Errorf("expected vault untouched at 50_000_000, got %d", got)
	}
}

func TestLiquidateProtection_BoundaryAge_Accepted(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 50_000_000)

	// Age exactly equal to the freshness bound is still fresh.
	if err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, testMaxAge)); err != nil {
		t.Fatalf("boundary-age liquidate failed: %v", err)
	}
	drainOutputs(persistCh)

	if !findProtection(c, owner).Claimed {
		t.Error("boundary-age claim must succeed")
	}
}

func TestLiquidateProtection_WrongFeed_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 50_000_000)

	evt := mustLiquidate(id, 120_0000_0000, -8, 0)
	evt.Observation.Feed = "ETH/USD"
	err := c.ProcessEvent(evt)
	if !errors.Is(err, domain.ErrFeedMismatch) {
		t.Fatalf("expected ErrFeedMismatch, got %v", err)
	}
}

func TestLiquidateProtection_ConditionNotMet_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 50_000_000)

	// Long protection, strike 140, price 150: not triggered.
	err := c.ProcessEvent(mustLiquidate(id, 150_0000_0000, -8, 0))
	if !errors.Is(err, domain.ErrConditionNotMet) {
		t.Fatalf("expected ErrConditionNotMet, got %v", err)
	}

	if findProtection(c, owner).Claimed {
		t.Error("untriggered claim must not mark the protection claimed")
	}
}

func TestLiquidateProtection_Twice_AlreadyClaimed(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 50_000_000)

	if err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, 0)); err != nil {
		t.Fatalf("first liquidate failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, 0))
	if !errors.Is(err, domain.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	// Coverage was not paid twice.
	if got := walletBalance(c, owner, ledger.AssetIDNative); got != 30_000_000 {
		t.Errorf("expected owner native 30_000_000, got %d", got)
	}
}

func TestLiquidateProtection_ShortDirection_TriggersAbove(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionShort, 10_000_000, 10_000_000)

	// Short protection, strike 140, price 120: below, not triggered.
	err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, 0))
	if !errors.Is(err, domain.ErrConditionNotMet) {
		t.Fatalf("expected ErrConditionNotMet below strike, got %v", err)
	}

	// Price 150: above, triggered.
	if err := c.ProcessEvent(mustLiquidate(id, 150_0000_0000, -8, 0)); err != nil {
		t.Fatalf("liquidate above strike failed: %v", err)
	}
	if !findProtection(c, owner).Claimed {
		t.Error("short protection must claim above strike")
	}
}

func TestLiquidateProtection_ZeroCoverage_MarksClaimed(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 0, 0)

	if err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, 0)); err != nil {
		t.Fatalf("zero-coverage liquidate failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if got := len(outputs[0].Batch.Journals); got != 0 {
		t.Errorf("expected no journals for zero coverage, got %d", got)
	}
	if !findProtection(c, owner).Claimed {
		t.Error("zero-coverage claim must still mark the protection claimed")
	}
}

func TestLiquidateProtection_InsufficientVault_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	// Coverage exceeds what the vault holds.
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 10_000_000)

	err := c.ProcessEvent(mustLiquidate(id, 120_0000_0000, -8, 0))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	record := findProtection(c, owner)
	if record.Claimed {
		t.Error("underfunded claim must not mark the protection claimed")
	}
	if got := vaultBalance(c, record.Vault); got != 10_000_000 {
		t.Errorf("expected vault untouched at 10_000_000, got %d", got)
	}
}

func TestLiquidateProtection_NegativeMagnitude_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()
	id := setupProtection(t, c, persistCh, owner, event.DirectionLong, 30_000_000, 50_000_000)

	err := c.ProcessEvent(mustLiquidate(id, -1, -8, 0))
	if !errors.Is(err, domain.ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
}

func TestLiquidateProtection_UnknownRecord_NotFound(t *testing.T) {
	c, _, _ := newTestCore()

	err := c.ProcessEvent(mustLiquidate("0000000000000000000000000000000000000000000000000000000000000000", 120_0000_0000, -8, 0))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// Test: Price Feed
// ============================================================================

func TestPriceUpdate_StoresFeedState(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustPriceUpdate(testFeed, 142_5000_0000, -8, 1)); err != nil {
		t.Fatalf("price update failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if got := len(outputs[0].Batch.Journals); got != 0 {
		t.Errorf("expected no journals for price update, got %d", got)
	}

	fs := c.CreateSnapshotState().Feeds[testFeed]
	if fs == nil {
		t.Fatal("feed state not stored")
	}
	if fs.Magnitude != 142_5000_0000 || fs.Exponent != -8 || fs.FeedSequence != 1 {
		t.Errorf("feed state mismatch: %+v", fs)
	}
}

func TestPriceUpdate_StaleSequence_DoesNotRegress(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustPriceUpdate(testFeed, 150_0000_0000, -8, 5)); err != nil {
		t.Fatalf("price update seq 5 failed: %v", err)
	}
	drainOutputs(persistCh)

	// A late-arriving earlier tick is accepted into the log but must not
	// roll the feed state back.
	if err := c.ProcessEvent(mustPriceUpdate(testFeed, 120_0000_0000, -8, 3)); err != nil {
		t.Fatalf("price update seq 3 failed: %v", err)
	}

	fs := c.CreateSnapshotState().Feeds[testFeed]
	if fs.FeedSequence != 5 {
		t.Errorf("expected feed sequence 5, got %d", fs.FeedSequence)
	}
	if fs.Magnitude != 150_0000_0000 {
		t.Errorf("expected magnitude 150_0000_0000, got %d", fs.Magnitude)
	}
}

func TestPriceUpdate_GapTolerated(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustPriceUpdate(testFeed, 150_0000_0000, -8, 1)); err != nil {
		t.Fatalf("price update seq 1 failed: %v", err)
	}
	drainOutputs(persistCh)

	// Sequence jumps from 1 to 10; feeds are gap-tolerant.
	if err := c.ProcessEvent(mustPriceUpdate(testFeed, 155_0000_0000, -8, 10)); err != nil {
		t.Fatalf("price update seq 10 failed: %v", err)
	}

	fs := c.CreateSnapshotState().Feeds[testFeed]
	if fs.FeedSequence != 10 {
		t.Errorf("expected feed sequence 10, got %d", fs.FeedSequence)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateEvent_Skipped(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	deposit := mustDeposit(owner, "USDC", 1_000_000)
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	drainOutputs(persistCh)
	seqAfterFirst := c.GetSequence()

	// Redelivery of the same event: silently skipped.
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("duplicate delivery must not error, got %v", err)
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected no output for duplicate, got %d", len(outputs))
	}
	if c.GetSequence() != seqAfterFirst {
		t.Errorf("sequence must not advance on duplicate: %d vs %d", c.GetSequence(), seqAfterFirst)
	}
	if got := walletBalance(c, owner, assetID(t, "USDC")); got != 1_000_000 {
		t.Errorf("expected balance 1_000_000 after duplicate, got %d", got)
	}
}

// ============================================================================
// Test: Sequence Validation
// ============================================================================

func TestSequenceValidation_GapDetected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	evt := mustDeposit(owner, "USDC", 100_000)
	evt.Sequence = 1
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("seq 1 failed: %v", err)
	}
	drainOutputs(persistCh)

	// Skip seq 2, send seq 3 — should detect gap.
	evt = mustDeposit(owner, "USDC", 100_000)
	evt.Sequence = 3
	if err := c.ProcessEvent(evt); err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestSequenceValidation_UnsequencedCommandsSkipOrdering(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	// Direct API submissions carry no source sequence; any number of them
	// is fine in any order.
	for i := 0; i < 5; i++ {
		if err := c.ProcessEvent(mustDeposit(owner, "USDC", 100_000)); err != nil {
			t.Fatalf("unsequenced deposit %d failed: %v", i, err)
		}
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 5 {
		t.Errorf("expected 5 outputs, got %d", len(outputs))
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	// Process the same events twice — state hashes should be identical.
	owner := uuid.MustParse("97b38d7a-93b6-4f2c-8f44-2a6e94c1d21a")
	depositID := uuid.MustParse("5f0a8d22-5c1e-4d7a-9e2b-6f8c3a1b4d5e")
	requestID := uuid.MustParse("7d4e2f11-38aa-4c5b-8d9e-0f1a2b3c4d5e")

	processEvents := func() [][32]byte {
		c, persistCh, _ := newTestCore()

		deposit := &event.DepositFunds{
			DepositID: depositID,
			Owner:     owner,
			Asset:     "SOL",
			Amount:    testRent,
			Timestamp: testBase(),
		}
		if err := c.ProcessEvent(deposit); err != nil {
			t.Fatalf("deposit failed: %v", err)
		}

		init := &event.InitializeProtection{
			RequestID: requestID,
			Owner:     owner,
			Strike:    140,
			Direction: event.DirectionLong,
			Coverage:  0,
			Funding:   0,
			Timestamp: testBase(),
		}
		if err := c.ProcessEvent(init); err != nil {
			t.Fatalf("initialize failed: %v", err)
		}

		outputs := drainOutputs(persistCh)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := processEvents()
	hashes2 := processEvents()

	if len(hashes1) != len(hashes2) {
		t.Fatalf("different number of outputs: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

func TestStateHashChain_PrevHashLinks(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	for i := 0; i < 3; i++ {
		if err := c.ProcessEvent(mustDeposit(owner, "USDC", 100_000)); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("envelope %d: prev hash does not link to envelope %d state hash", i, i-1)
		}
	}
	if c.GetStateHash() != outputs[2].Envelope.StateHash {
		t.Error("core chain tip must equal the last envelope's state hash")
	}
}

// ============================================================================
// Test: Envelope Integrity
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()

	fundWallet(t, c, persistCh, testAuthority, "SOL", testRent)

	create := mustCreatePolicy(testAuthority, 1, holder)
	if err := c.ProcessEvent(create); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	env := outputs[0].Envelope

	if env.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", env.Sequence)
	}
	if env.IdempotencyKey != create.IdempotencyKey() {
		t.Errorf("idempotency key mismatch: %s vs %s", env.IdempotencyKey, create.IdempotencyKey())
	}
	if env.EventType != event.EventTypeCreatePolicy {
		t.Errorf("event type mismatch: %v", env.EventType)
	}
	if env.PolicyID == nil || *env.PolicyID != *create.PolicyID() {
		t.Error("envelope must carry the derived policy id")
	}
	if !env.Timestamp.Equal(create.Timestamp) {
		t.Errorf("envelope timestamp must be the event's versioned timestamp: %v vs %v", env.Timestamp, create.Timestamp)
	}
}

func TestEnvelope_PayloadReplaysEvent(t *testing.T) {
	c, persistCh, _ := newTestCore()
	holder := uuid.New()

	fundWallet(t, c, persistCh, testAuthority, "SOL", testRent)

	create := mustCreatePolicy(testAuthority, 42, holder)
	if err := c.ProcessEvent(create); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	env := outputs[0].Envelope

	var decoded event.CreatePolicy
	if err := json.Unmarshal(env.Payload, &decoded); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if decoded.RequestID != create.RequestID {
		t.Errorf("request id mismatch: %s vs %s", decoded.RequestID, create.RequestID)
	}
	if decoded.Nonce != 42 {
		t.Errorf("expected nonce 42, got %d", decoded.Nonce)
	}
	if decoded.Premium != testPremium {
		t.Errorf("expected premium %d, got %d", testPremium, decoded.Premium)
	}
}

func TestEnvelope_DepositHasNilPolicyID(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustDeposit(uuid.New(), "USDC", 1_000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if outputs[0].Envelope.PolicyID != nil {
		t.Errorf("expected nil policy id for deposit, got %v", *outputs[0].Envelope.PolicyID)
	}
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // Tiny buffer — will fill up
	params := core.Params{
		Authority:   testAuthority,
		RentDeposit: testRent,
		OracleFeed:  testFeed,
		MaxPriceAge: testMaxAge,
		Keyring:     custody.NewKeyring([]byte("engine-test-secret")),
	}
	c := core.NewDeterministicCore(params, 0, persistCh, projCh, nil, nil)
	owner := uuid.New()

	for i := 0; i < 5; i++ {
		if err := c.ProcessEvent(mustDeposit(owner, "USDC", 100_000)); err != nil {
			t.Fatalf("ProcessEvent %d failed: %v", i, err)
		}
	}

	// All 5 persist (projection drops are silent).
	if outputs := drainOutputs(persistCh); len(outputs) != 5 {
		t.Errorf("expected 5 persist outputs, got %d", len(outputs))
	}
}

// ============================================================================
// Test: Snapshot Restore
// ============================================================================

func TestSnapshotRestore_ResumesChain(t *testing.T) {
	owner := uuid.MustParse("97b38d7a-93b6-4f2c-8f44-2a6e94c1d21a")
	firstID := uuid.MustParse("5f0a8d22-5c1e-4d7a-9e2b-6f8c3a1b4d5e")
	secondID := uuid.MustParse("7d4e2f11-38aa-4c5b-8d9e-0f1a2b3c4d5e")

	fixedDeposit := func(id uuid.UUID, amount int64) *event.DepositFunds {
		return &event.DepositFunds{
			DepositID: id,
			Owner:     owner,
			Asset:     "USDC",
			Amount:    amount,
			Timestamp: testBase(),
		}
	}

	// Original run: two deposits, snapshot taken between them.
	c1, persist1, _ := newTestCore()
	if err := c1.ProcessEvent(fixedDeposit(firstID, 1_000_000)); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	drainOutputs(persist1)
	snap := c1.CreateSnapshotState()
	if snap.Sequence != 0 {
		t.Fatalf("expected snapshot at sequence 0, got %d", snap.Sequence)
	}

	if err := c1.ProcessEvent(fixedDeposit(secondID, 500_000)); err != nil {
		t.Fatalf("second deposit failed: %v", err)
	}
	wantOutputs := drainOutputs(persist1)
	wantHash := wantOutputs[0].Envelope.StateHash

	// Restored run: restore from the snapshot, replay only the second
	// deposit, and land on the identical chain tip.
	c2, persist2, _ := newTestCore()
	c2.RestoreFromSnapshot(snap)
	if c2.GetSequence() != 1 {
		t.Fatalf("expected restored core at sequence 1, got %d", c2.GetSequence())
	}

	if err := c2.ProcessEvent(fixedDeposit(secondID, 500_000)); err != nil {
		t.Fatalf("replayed deposit failed: %v", err)
	}
	gotOutputs := drainOutputs(persist2)
	if gotOutputs[0].Envelope.StateHash != wantHash {
		t.Errorf("restored chain diverged: %x vs %x", gotOutputs[0].Envelope.StateHash, wantHash)
	}
	if gotOutputs[0].Envelope.PrevHash != snap.StateHash {
		t.Error("replayed envelope must link to the snapshot's state hash")
	}

	if got := walletBalance(c2, owner, assetID(t, "USDC")); got != 1_500_000 {
		t.Errorf("expected restored balance 1_500_000, got %d", got)
	}
}

func TestSnapshotRestore_CarriesRecords(t *testing.T) {
	c1, persist1, _ := newTestCore()
	holder := uuid.New()
	owner := uuid.New()

	policyID := createTestPolicy(t, c1, persist1, holder, 1)
	protectionID := setupProtection(t, c1, persist1, owner, event.DirectionLong, 30_000_000, 50_000_000)

	snap := c1.CreateSnapshotState()

	c2, _, _ := newTestCore()
	c2.RestoreFromSnapshot(snap)

	if findPolicy(c2, policyID) == nil {
		t.Error("restored core must carry the policy record")
	}
	restored := findProtection(c2, owner)
	if restored == nil {
		t.Fatal("restored core must carry the protection record")
	}
	if restored.Address.String() != protectionID {
		t.Errorf("protection address mismatch after restore")
	}
	if got := vaultBalance(c2, restored.Vault); got != 50_000_000 {
		t.Errorf("expected restored vault 50_000_000, got %d", got)
	}
}

// ============================================================================
// Test: Replay Mode
// ============================================================================

// alwaysDuplicateDB simulates the Postgres tier during replay: every event in
// the log matches its own row.
type alwaysDuplicateDB struct{}

func (alwaysDuplicateDB) IsDuplicate(string, string) (bool, error) { return true, nil }

func TestReplayMode_BypassesPostgresTier(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1024)
	params := core.Params{
		Authority:   testAuthority,
		RentDeposit: testRent,
		OracleFeed:  testFeed,
		MaxPriceAge: testMaxAge,
		Keyring:     custody.NewKeyring([]byte("engine-test-secret")),
	}
	c := core.NewDeterministicCore(params, 0, persistCh, projCh, alwaysDuplicateDB{}, nil)
	owner := uuid.New()

	// Normal mode: the DB tier reports a duplicate and the event is absorbed.
	if err := c.ProcessEvent(mustDeposit(owner, "USDC", 100)); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if c.GetSequence() != 0 {
		t.Fatalf("absorbed duplicate must not advance sequence, got %d", c.GetSequence())
	}

	// Replay mode consults only the LRU, so the event applies.
	c.BeginReplay()
	if err := c.ProcessEvent(mustDeposit(owner, "USDC", 100)); err != nil {
		t.Fatalf("replayed event failed: %v", err)
	}
	c.EndReplay()

	if c.GetSequence() != 1 {
		t.Errorf("expected sequence 1 after replayed event, got %d", c.GetSequence())
	}
	if got := walletBalance(c, owner, assetID(t, "USDC")); got != 100 {
		t.Errorf("expected balance 100, got %d", got)
	}
}

func TestReplayMode_EmitsNothing(t *testing.T) {
	c, persistCh, projCh := newTestCore()
	owner := uuid.New()

	c.BeginReplay()
	for i := 0; i < 3; i++ {
		if err := c.ProcessEvent(mustDeposit(owner, "USDC", 100_000)); err != nil {
			t.Fatalf("replayed deposit %d failed: %v", i, err)
		}
	}
	c.EndReplay()

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("replay must not emit persist outputs, got %d", len(outputs))
	}
	if outputs := drainOutputs(projCh); len(outputs) != 0 {
		t.Errorf("replay must not emit projection outputs, got %d", len(outputs))
	}
	if c.GetSequence() != 3 {
		t.Errorf("expected sequence 3 after replay, got %d", c.GetSequence())
	}
	if got := walletBalance(c, owner, assetID(t, "USDC")); got != 300_000 {
		t.Errorf("expected balance 300_000, got %d", got)
	}

	// Normal emission resumes once replay ends.
	if err := c.ProcessEvent(mustDeposit(owner, "USDC", 1_000)); err != nil {
		t.Fatalf("post-replay deposit failed: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 1 {
		t.Errorf("expected 1 persist output after replay ends, got %d", len(outputs))
	}
}

func TestReplayMode_MatchesLiveChainTip(t *testing.T) {
	owner := uuid.MustParse("b4d5e6f7-a8c9-4d3b-8e4f-5a6b7c8d9e0f")
	ids := []uuid.UUID{
		uuid.MustParse("e1a2b3c4-d5f6-4a08-9b1c-2d3e4f5a6b7c"),
		uuid.MustParse("f2b3c4d5-e6a7-4b19-8c2d-3e4f5a6b7c8d"),
		uuid.MustParse("a3c4d5e6-f7b8-4c2a-9d3e-4f5a6b7c8d9e"),
	}
	deposits := func() []*event.DepositFunds {
		evts := make([]*event.DepositFunds, len(ids))
		for i, id := range ids {
			evts[i] = &event.DepositFunds{
				DepositID: id,
				Owner:     owner,
				Asset:     "USDC",
				Amount:    int64(100_000 * (i + 1)),
				Timestamp: testBase(),
			}
		}
		return evts
	}

	// Live run.
	c1, persist1, _ := newTestCore()
	for _, evt := range deposits() {
		if err := c1.ProcessEvent(evt); err != nil {
			t.Fatalf("live deposit failed: %v", err)
		}
	}
	drainOutputs(persist1)

	// Replay run must land on the identical chain tip.
	c2, _, _ := newTestCore()
	c2.BeginReplay()
	for _, evt := range deposits() {
		if err := c2.ProcessEvent(evt); err != nil {
			t.Fatalf("replayed deposit failed: %v", err)
		}
	}
	c2.EndReplay()

	if c1.GetStateHash() != c2.GetStateHash() {
		t.Errorf("replayed chain tip diverged: %x vs %x", c2.GetStateHash(), c1.GetStateHash())
	}
	if c1.GetSequence() != c2.GetSequence() {
		t.Errorf("replayed sequence diverged: %d vs %d", c2.GetSequence(), c1.GetSequence())
	}
}

func TestReplayMode_WarmedKeysAbsorb(t *testing.T) {
	owner := uuid.MustParse("3e8d1c2b-7a65-4f09-b8d4-5c6e7f8a9b0c")
	dep := &event.DepositFunds{
		DepositID: uuid.MustParse("d2f0a8b4-6c1e-4b7a-9d3f-8e5a2c4b6d0f"),
		Owner:     owner,
		Asset:     "USDC",
		Amount:    900,
		Timestamp: testBase(),
	}

	c1, persist1, _ := newTestCore()
	if err := c1.ProcessEvent(dep); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persist1)
	snap := c1.CreateSnapshotState()

	// Restart: restore, warm the LRU from the snapshot, then replay an event
	// the snapshot already covers. It must absorb, not double-apply.
	c2, _, _ := newTestCore()
	c2.RestoreFromSnapshot(snap)
	c2.WarmLRU(snap.IdempotencyKeys)

	c2.BeginReplay()
	if err := c2.ProcessEvent(dep); err != nil {
		t.Fatalf("replaying a snapshotted event must absorb, got: %v", err)
	}
	c2.EndReplay()

	if c2.GetSequence() != 1 {
		t.Errorf("absorbed replay must not advance sequence: got %d, want 1", c2.GetSequence())
	}
	if got := walletBalance(c2, owner, assetID(t, "USDC")); got != 900 {
		t.Errorf("balance must not double-apply: got %d, want 900", got)
	}
}
