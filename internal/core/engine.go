package core

import (
	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/domain"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ledger"
	pmath "PolicyLedger/internal/math"
	"PolicyLedger/internal/observability"
	"PolicyLedger/internal/policy"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params carries the injected deployment constants the core gates on.
// The authority identity is configuration, never a literal in the handlers,
// so environments can differ without touching business logic.
type Params struct {
	Authority   uuid.UUID        // Identity allowed to create and close policies
	RentDeposit int64            // Native amount escrowed per record allocation
	OracleFeed  string           // Only feed accepted for claim observations
	MaxPriceAge time.Duration    // Freshness bound for claim observations
	Keyring     *custody.Keyring // Signs vault outflows

	// IdempotencyCapacity sizes the dedup LRU. Zero means the default.
	IdempotencyCapacity int
}

const defaultIdempotencyCapacity = 1_000_000

// DeterministicCore is the single-writer event processor. Exactly one
// goroutine calls ProcessEvent; the mutex lets snapshot capture read a
// consistent view between events.
type DeterministicCore struct {
	mu sync.RWMutex

	params            Params
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	policyManager     *policy.Manager
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	replaying         bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// dispatchResult pairs an event's journal batch with the record mutation
// that must only run once the batch has applied. Keeping the mutation in a
// closure makes the transfer-then-flip ordering structural: the commit is
// unreachable unless every gate passed and ApplyBatch succeeded.
type dispatchResult struct {
	batch  *ledger.Batch
	commit func()
}

func NewDeterministicCore(
	params Params,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker, params.Keyring)
	journalGen := ledger.NewJournalGenerator(startSequence, balanceTracker, params.Keyring)

	capacity := params.IdempotencyCapacity
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}

	return &DeterministicCore{
		params:            params,
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		policyManager:     policy.NewManager(),
		idempotency:       NewIdempotencyChecker(capacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier). In replay mode only the LRU is
	// consulted — every replayed event matches its own row in Postgres.
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.InMemoryDuplicate(eventType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation. Feed updates tolerate gaps; command
	// streams are strict, and unsequenced commands skip the check.
	sourceSequence := evt.SourceSequence()
	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		if err := c.sequenceValidator.ValidateFeedSequence(priceEvt.Feed, priceEvt.FeedSequence); err != nil {
			return err
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence(c.getPartition(evt), sourceSequence, idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. Every gate for the operation runs inside the
	// handler, before any balance or record mutation; a rejection here
	// leaves no trace in state.
	result, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, domain.Code(err)).Inc()
		}
		return err
	}

	batch := result.batch

	// Step 4: Validate and apply. State-only events carry an empty batch
	// and skip straight to commit. The generator only emits balanced,
	// authorized batches, so a validation failure is a bug, not bad input.
	// Apply can still reject a batch whose additions would wrap an int64
	// balance; the tracker stages new balances first, so a rejection here
	// leaves every account untouched.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invalid batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, domain.Code(err)).Inc()
			}
			return fmt.Errorf("apply batch failed: %w", err)
		}
	}

	// Step 5: Commit the record mutation, strictly after the transfer.
	if result.commit != nil {
		result.commit()
	}

	// Step 6: State digest + hash chain
	stateDigest := c.computeStateDigest(evt, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	// Step 7: Envelope. The payload keeps the full event for replay.
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PolicyID:       evt.PolicyID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}

	c.sequence++

	// Step 8: Post-checks
	if err := c.postCheckInvariants(evt, batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 9: Emit. Persistence is a blocking send (backpressure, no event
	// lost); projections are non-blocking and drop on full since they can
	// rebuild from the event log. Replayed events are already persisted and
	// projected, so replay mode emits nothing.
	if !c.replaying {
		c.persistChan <- output
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("main").Inc()
			}
		}
	}

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if policyID := evt.PolicyID(); policyID != nil {
		return fmt.Sprintf("policy:%s", *policyID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event. The core
// never calls time.Now() for anything that reaches state or the log.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.CreatePolicy:
		return e.Timestamp
	case *event.ActivatePolicy:
		return e.Timestamp
	case *event.ClosePolicy:
		return e.Timestamp
	case *event.InitializeProtection:
		return e.Timestamp
	case *event.LiquidateProtection:
		return e.Timestamp
	case *event.DepositFunds:
		return e.Timestamp
	case *event.PriceUpdate:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

// computeStateDigest builds the canonical bytes hashed into the state chain:
// every account the batch touched (path + balance, sorted), the affected
// record's canonical form (or a tombstone when the event deleted it), and
// the feed state for price updates.
func (c *DeterministicCore) computeStateDigest(evt event.Event, batch *ledger.Batch) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		balance := c.balanceTracker.GetBalance(key)
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, balance)
	}

	if policyID := evt.PolicyID(); policyID != nil {
		digest = append(digest, byte(len(*policyID)))
		digest = append(digest, []byte(*policyID)...)
		if addr, err := custody.ParseAddress(*policyID); err == nil {
			if record := c.policyManager.GetPolicy(addr); record != nil {
				digest = append(digest, 1)
				digest = append(digest, record.CanonicalBytes()...)
			} else if record := c.policyManager.GetProtection(addr); record != nil {
				digest = append(digest, 2)
				digest = append(digest, record.CanonicalBytes()...)
			} else {
				digest = append(digest, 0) // Deleted or never created
			}
		} else {
			digest = append(digest, 0)
		}
	}

	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		digest = append(digest, byte(len(priceEvt.Feed)))
		digest = append(digest, []byte(priceEvt.Feed)...)
		if fs, ok := c.policyManager.GetFeed(priceEvt.Feed); ok {
			digest = appendInt64LE(digest, fs.Magnitude)
			digest = appendInt64LE(digest, int64(fs.Exponent))
			digest = appendInt64LE(digest, fs.PublishTime)
			digest = appendInt64LE(digest, fs.FeedSequence)
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(evt event.Event, batch *ledger.Batch) error {
	// Every touched account must be non-negative, except the external
	// funding boundary which mirrors inflows as negative balance.
	if batch != nil {
		for _, j := range batch.Journals {
			for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if key.Scope == ledger.AccountScopeExternal {
					continue
				}
				if err := c.balanceTracker.ValidateNonNegative(key); err != nil {
					return err
				}
			}
		}
	}

	// A claim must never overdraw the vault it settled from.
	if liq, ok := evt.(*event.LiquidateProtection); ok {
		if addr, err := custody.ParseAddress(liq.Policy); err == nil {
			if record := c.policyManager.GetProtection(addr); record != nil {
				if err := c.validator.ValidateVaultNonNegative(record.Vault); err != nil {
					return err
				}
			}
		}
	}

	// Periodic global zero-sum check across every asset.
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (dispatchResult, error) {
	switch e := evt.(type) {
	case *event.CreatePolicy:
		return c.handleCreatePolicy(e)
	case *event.ActivatePolicy:
		return c.handleActivatePolicy(e)
	case *event.ClosePolicy:
		return c.handleClosePolicy(e)
	case *event.InitializeProtection:
		return c.handleInitializeProtection(e)
	case *event.LiquidateProtection:
		return c.handleLiquidateProtection(e)
	case *event.DepositFunds:
		return c.handleDepositFunds(e)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(e)
	default:
		return dispatchResult{}, fmt.Errorf("unknown event type: %T", evt)
	}
}

// emptyBatch produces a journal-free batch so state-only events still get an
// envelope in the event log.
func (c *DeterministicCore) emptyBatch(eventRef string, timestamp int64) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  c.sequence,
		Timestamp: timestamp,
		Journals:  []ledger.Journal{},
	}
}

// lookupPolicy resolves a record address string. A malformed address maps to
// not-found: the caller named a record that cannot exist.
func (c *DeterministicCore) lookupPolicy(id string) (*policy.Policy, error) {
	addr, err := custody.ParseAddress(id)
	if err != nil {
		return nil, fmt.Errorf("%w: bad policy address %q", domain.ErrNotFound, id)
	}
	record := c.policyManager.GetPolicy(addr)
	if record == nil {
		return nil, fmt.Errorf("%w: policy %s", domain.ErrNotFound, addr.Short())
	}
	return record, nil
}

func (c *DeterministicCore) lookupProtection(id string) (*policy.Protection, error) {
	addr, err := custody.ParseAddress(id)
	if err != nil {
		return nil, fmt.Errorf("%w: bad protection address %q", domain.ErrNotFound, id)
	}
	record := c.policyManager.GetProtection(addr)
	if record == nil {
		return nil, fmt.Errorf("%w: protection %s", domain.ErrNotFound, addr.Short())
	}
	return record, nil
}

// validateCustodyAccount checks a supplied custody address against the
// derived address for (owner, asset). Empty input means "use the derived
// account" and always passes; non-empty input must match exactly.
func validateCustodyAccount(supplied string, owner uuid.UUID, assetID ledger.AssetID) error {
	if supplied == "" {
		return nil
	}
	addr, err := custody.ParseAddress(supplied)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCustodyAccount, err)
	}
	expected := ledger.NewWalletKey(owner, assetID).Address
	if addr != expected {
		return fmt.Errorf("%w: got %s, want %s for owner %s",
			domain.ErrInvalidCustodyAccount, addr.Short(), expected.Short(), owner)
	}
	return nil
}

// handleCreatePolicy allocates an Inactive policy record. Gate order:
// authority identity, field amounts, payment asset, then (authority, nonce)
// uniqueness. Only the rent escrow moves here; the premium is collected at
// activation.
func (c *DeterministicCore) handleCreatePolicy(evt *event.CreatePolicy) (dispatchResult, error) {
	if evt.Caller != c.params.Authority {
		return dispatchResult{}, fmt.Errorf("%w: caller %s is not the program authority", domain.ErrUnauthorized, evt.Caller)
	}
	if evt.Premium <= 0 || evt.Coverage <= 0 || evt.Strike <= 0 {
		return dispatchResult{}, fmt.Errorf("%w: premium=%d, coverage=%d, strike=%d (all must be > 0)",
			domain.ErrInvalidAmount, evt.Premium, evt.Coverage, evt.Strike)
	}
	assetID, ok := ledger.GetAssetID(evt.PaymentAsset)
	if !ok {
		return dispatchResult{}, fmt.Errorf("%w: unknown payment asset %q", domain.ErrAssetMismatch, evt.PaymentAsset)
	}

	addr, salt := custody.PolicyRecord(evt.Caller, evt.Nonce)
	if c.policyManager.GetPolicy(addr) != nil {
		return dispatchResult{}, fmt.Errorf("%w: nonce %d already used", domain.ErrAlreadyExists, evt.Nonce)
	}

	batch, err := c.journalGen.GeneratePolicyCreation(evt.Caller, c.params.RentDeposit, evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err != nil {
		return dispatchResult{}, err
	}

	record := &policy.Policy{
		Authority:    evt.Caller,
		Nonce:        evt.Nonce,
		Strike:       evt.Strike,
		Expiry:       evt.Expiry.UnixMicro(),
		Underlying:   evt.Underlying,
		OptionType:   evt.OptionType,
		Coverage:     evt.Coverage,
		Premium:      evt.Premium,
		PayoutWallet: evt.PayoutWallet,
		PaymentAsset: assetID,
		Status:       policy.PolicyStatusInactive,
		Address:      addr,
		Salt:         salt,
		Version:      1,
	}

	return dispatchResult{
		batch:  batch,
		commit: func() { c.policyManager.PutPolicy(record) },
	}, nil
}

// handleActivatePolicy runs the premium transfer and flips Inactive to
// Active. Gate order: record lookup, counterparty identity, status, custody
// account validation, then the balance-checked transfer. The status flip is
// in the commit closure, so a failed transfer leaves the record Inactive
// with both balances untouched.
func (c *DeterministicCore) handleActivatePolicy(evt *event.ActivatePolicy) (dispatchResult, error) {
	record, err := c.lookupPolicy(evt.Policy)
	if err != nil {
		return dispatchResult{}, err
	}
	if evt.Caller != record.PayoutWallet {
		return dispatchResult{}, fmt.Errorf("%w: caller %s is not the payout wallet", domain.ErrUnauthorized, evt.Caller)
	}
	if record.Status != policy.PolicyStatusInactive {
		return dispatchResult{}, fmt.Errorf("%w: status=%s", domain.ErrAlreadyActive, record.Status)
	}

	if err := validateCustodyAccount(evt.PayerAccount, record.PayoutWallet, record.PaymentAsset); err != nil {
		return dispatchResult{}, err
	}
	if err := validateCustodyAccount(evt.AuthorityAccount, record.Authority, record.PaymentAsset); err != nil {
		return dispatchResult{}, err
	}

	batch, err := c.journalGen.GeneratePolicyActivation(
		record.PayoutWallet,
		record.Authority,
		record.PaymentAsset,
		record.Premium,
		evt.IdempotencyKey(),
		evt.Timestamp.UnixMicro(),
	)
	if err != nil {
		return dispatchResult{}, err
	}

	return dispatchResult{
		batch: batch,
		commit: func() {
			record.Status = policy.PolicyStatusActive
			record.Version++
		},
	}, nil
}

// handleClosePolicy optionally settles coverage, then deletes the record and
// returns the rent escrow to the authority. A payout intent on a policy that
// never activated is not an error: the transfer is skipped and the record
// still dies.
func (c *DeterministicCore) handleClosePolicy(evt *event.ClosePolicy) (dispatchResult, error) {
	if evt.Caller != c.params.Authority {
		return dispatchResult{}, fmt.Errorf("%w: caller %s is not the program authority", domain.ErrUnauthorized, evt.Caller)
	}
	record, err := c.lookupPolicy(evt.Policy)
	if err != nil {
		return dispatchResult{}, err
	}

	withPayout := evt.Intent == event.CloseWithPayout && record.Status == policy.PolicyStatusActive
	if withPayout {
		if err := validateCustodyAccount(evt.AuthorityAccount, record.Authority, record.PaymentAsset); err != nil {
			return dispatchResult{}, err
		}
		if err := validateCustodyAccount(evt.PayoutAccount, record.PayoutWallet, record.PaymentAsset); err != nil {
			return dispatchResult{}, err
		}
	}

	batch, err := c.journalGen.GeneratePolicyClosure(
		record.Authority,
		record.PayoutWallet,
		record.PaymentAsset,
		record.Coverage,
		withPayout,
		c.params.RentDeposit,
		evt.IdempotencyKey(),
		evt.Timestamp.UnixMicro(),
	)
	if err != nil {
		return dispatchResult{}, err
	}

	addr := record.Address
	return dispatchResult{
		batch:  batch,
		commit: func() { c.policyManager.DeletePolicy(addr) },
	}, nil
}

// handleInitializeProtection allocates a protection record and funds its
// vault in one step. There are no role gates: anyone may self-insure.
// Negative amounts are schema violations, not policy decisions.
func (c *DeterministicCore) handleInitializeProtection(evt *event.InitializeProtection) (dispatchResult, error) {
	if evt.Coverage < 0 || evt.Funding < 0 || evt.Strike < 0 {
		return dispatchResult{}, fmt.Errorf("%w: coverage=%d, funding=%d, strike=%d (none may be negative)",
			domain.ErrInvalidAmount, evt.Coverage, evt.Funding, evt.Strike)
	}

	addr, recordSalt := custody.ProtectionRecord(evt.Owner)
	if c.policyManager.GetProtection(addr) != nil {
		return dispatchResult{}, fmt.Errorf("%w: owner %s already holds a protection", domain.ErrAlreadyExists, evt.Owner)
	}
	vault, vaultSalt := custody.Vault(evt.Owner)

	batch, err := c.journalGen.GenerateProtectionFunding(
		evt.Owner,
		vault,
		evt.Funding,
		c.params.RentDeposit,
		evt.IdempotencyKey(),
		evt.Timestamp.UnixMicro(),
	)
	if err != nil {
		return dispatchResult{}, err
	}

	record := &policy.Protection{
		Owner:      evt.Owner,
		Strike:     evt.Strike,
		Direction:  evt.Direction,
		Coverage:   evt.Coverage,
		Claimed:    false,
		Address:    addr,
		RecordSalt: recordSalt,
		Vault:      vault,
		VaultSalt:  vaultSalt,
		Version:    1,
	}

	return dispatchResult{
		batch:  batch,
		commit: func() { c.policyManager.PutProtection(record) },
	}, nil
}

// handleLiquidateProtection evaluates a claim against the observation the
// relayer submitted. Gates run in order — claimed flag, feed identity,
// freshness, magnitude/normalization, trigger rule, vault balance — and any
// failure aborts the whole operation. The claimed flag only flips in the
// commit closure, after the payout batch has applied.
func (c *DeterministicCore) handleLiquidateProtection(evt *event.LiquidateProtection) (dispatchResult, error) {
	record, err := c.lookupProtection(evt.Policy)
	if err != nil {
		return dispatchResult{}, err
	}
	if record.Claimed {
		return dispatchResult{}, fmt.Errorf("%w: protection %s", domain.ErrAlreadyClaimed, record.Address.Short())
	}

	obs := evt.Observation
	if obs.Feed != c.params.OracleFeed {
		return dispatchResult{}, fmt.Errorf("%w: got %q, want %q", domain.ErrFeedMismatch, obs.Feed, c.params.OracleFeed)
	}

	// Freshness is measured against the event's versioned timestamp, never
	// the wall clock, so replay reproduces the same verdict.
	age := evt.Timestamp.Sub(obs.PublishTime)
	if age > c.params.MaxPriceAge {
		return dispatchResult{}, fmt.Errorf("%w: observation age %s exceeds %s", domain.ErrPriceStale, age, c.params.MaxPriceAge)
	}

	normalized, err := pmath.NormalizePrice(obs.Magnitude, obs.Exponent)
	if err != nil {
		return dispatchResult{}, err
	}

	if !record.ShouldTrigger(normalized) {
		return dispatchResult{}, fmt.Errorf("%w: %s strike=%d, price=%d",
			domain.ErrConditionNotMet, record.Direction, record.Strike, normalized)
	}

	// The payout destination is derived from the record's owner; the
	// relayer cannot redirect it. A zero-coverage record claims without a
	// transfer.
	var batch *ledger.Batch
	if record.Coverage > 0 {
		batch, err = c.journalGen.GenerateClaimPayout(
			record.Vault,
			record.Owner,
			record.Coverage,
			evt.IdempotencyKey(),
			evt.Timestamp.UnixMicro(),
		)
		if err != nil {
			return dispatchResult{}, err
		}
	} else {
		batch = c.emptyBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	}

	return dispatchResult{
		batch: batch,
		commit: func() {
			record.Claimed = true
			record.Version++
		},
	}, nil
}

func (c *DeterministicCore) handleDepositFunds(evt *event.DepositFunds) (dispatchResult, error) {
	if evt.Amount <= 0 {
		return dispatchResult{}, fmt.Errorf("%w: deposit amount %d", domain.ErrInvalidAmount, evt.Amount)
	}
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return dispatchResult{}, fmt.Errorf("%w: unknown asset %q", domain.ErrAssetMismatch, evt.Asset)
	}

	batch, err := c.journalGen.GenerateDeposit(evt.Owner, assetID, evt.Amount, evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{batch: batch}, nil
}

// handlePriceUpdate refreshes the latest-observation state for a feed. No
// journals move: feed state only serves projections and premium quoting,
// while claims evaluate the observation submitted with the claim itself.
func (c *DeterministicCore) handlePriceUpdate(evt *event.PriceUpdate) (dispatchResult, error) {
	batch := c.emptyBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	return dispatchResult{
		batch: batch,
		commit: func() {
			c.policyManager.UpdateFeed(evt.Feed, evt.Magnitude, evt.Exponent, evt.PublishTime.UnixMicro(), evt.FeedSequence)
		},
	}, nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Policies        []*policy.Policy
	Protections     []*policy.Protection
	Feeds           map[string]*policy.FeedState
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state. On warm restart
// the caller loads the latest snapshot, restores, then replays the event log
// from snapshot.Sequence+1.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign

	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	for _, record := range snap.Policies {
		c.policyManager.PutPolicy(record)
	}
	for _, record := range snap.Protections {
		c.policyManager.PutProtection(record)
	}
	for feed, fs := range snap.Feeds {
		c.policyManager.RestoreFeed(feed, fs)
	}
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}

	c.journalGen.SetSequence(snap.Sequence + 1)
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed events don't incur cold-path DB lookups after restart.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// BeginReplay switches the core into replay mode: the Postgres dedup tier is
// bypassed and processed events are not re-emitted to the persist and
// projection channels. State, sequence, and the hash chain still advance, so
// replaying the log from a snapshot rebuilds the exact pre-crash state.
func (c *DeterministicCore) BeginReplay() {
	c.replaying = true
}

// EndReplay returns the core to normal processing.
func (c *DeterministicCore) EndReplay() {
	c.replaying = false
}

// GetSequence returns the current global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Policies:        c.policyManager.GetAllPolicies(),
		Protections:     c.policyManager.GetAllProtections(),
		Feeds:           c.policyManager.GetAllFeeds(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
