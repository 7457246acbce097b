package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
)

// JournalGenerator creates balanced journal batches from operations. Every
// Generate method pre-checks balances against the tracker so a batch that
// would drive an account negative, or wrap one past int64, is never built.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
	keyring        *custody.Keyring
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker, keyring *custody.Keyring) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
		keyring:        keyring,
	}
}

// SetSequence repositions the generator after a snapshot restore
func (jg *JournalGenerator) SetSequence(sequence int64) {
	jg.sequence = sequence
}

// GenerateDeposit creates journals for funds entering the ledger.
// Moves funds: external:funding → wallet
func (jg *JournalGenerator) GenerateDeposit(
	owner uuid.UUID,
	assetID AssetID,
	amount int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if _, err := checkedAdd(jg.balanceTracker.GetWalletBalance(owner, assetID), amount); err != nil {
		return nil, fmt.Errorf("deposit pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewWalletKey(owner, assetID),
		CreditAccount: NewExternalKey(assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeDeposit,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GeneratePolicyCreation escrows the allocation deposit for a new record.
// Moves funds: authority wallet (native) → system:rent_escrow
func (jg *JournalGenerator) GeneratePolicyCreation(
	authority uuid.UUID,
	rentDeposit int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(authority, AssetIDNative, rentDeposit); err != nil {
		return nil, fmt.Errorf("creation pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewRentEscrowKey(),
		CreditAccount: NewWalletKey(authority, AssetIDNative),
		AssetID:       AssetIDNative,
		Amount:        rentDeposit,
		JournalType:   JournalTypeRentEscrow,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GeneratePolicyActivation creates the premium transfer.
// Moves funds: payer wallet → authority wallet, in the policy's payment asset.
func (jg *JournalGenerator) GeneratePolicyActivation(
	payer uuid.UUID,
	authority uuid.UUID,
	assetID AssetID,
	premium int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(payer, assetID, premium); err != nil {
		return nil, fmt.Errorf("activation pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewWalletKey(authority, assetID),
		CreditAccount: NewWalletKey(payer, assetID),
		AssetID:       assetID,
		Amount:        premium,
		JournalType:   JournalTypePremiumTransfer,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GeneratePolicyClosure creates the closure legs: an optional coverage payout
// followed by the unconditional rent refund.
// Moves funds: authority wallet → payout wallet (if paying out), then
// system:rent_escrow → authority wallet (native).
func (jg *JournalGenerator) GeneratePolicyClosure(
	authority uuid.UUID,
	payoutWallet uuid.UUID,
	assetID AssetID,
	coverage int64,
	withPayout bool,
	rentDeposit int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if withPayout {
		if err := jg.balanceTracker.ValidateSufficientWallet(authority, assetID, coverage); err != nil {
			return nil, fmt.Errorf("closure pre-check failed: %w", err)
		}
	}
	if err := jg.balanceTracker.ValidateSufficientEscrow(rentDeposit); err != nil {
		return nil, fmt.Errorf("closure pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	if withPayout {
		payoutJournal := Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewWalletKey(payoutWallet, assetID),
			CreditAccount: NewWalletKey(authority, assetID),
			AssetID:       assetID,
			Amount:        coverage,
			JournalType:   JournalTypeCoveragePayout,
			Timestamp:     timestamp,
		}
		batch.Journals = append(batch.Journals, payoutJournal)
	}

	refundJournal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewWalletKey(authority, AssetIDNative),
		CreditAccount: NewRentEscrowKey(),
		AssetID:       AssetIDNative,
		Amount:        rentDeposit,
		JournalType:   JournalTypeRentRefund,
		Timestamp:     timestamp,
	}
	batch.Journals = append(batch.Journals, refundJournal)

	jg.sequence++
	return batch, nil
}

// GenerateProtectionFunding creates the initialize legs: the allocation
// deposit plus the owner's vault funding.
// Moves funds: owner wallet (native) → system:rent_escrow, then
// owner wallet (native) → vault.
func (jg *JournalGenerator) GenerateProtectionFunding(
	owner uuid.UUID,
	vault custody.Address,
	funding int64,
	rentDeposit int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	required, err := checkedAdd(rentDeposit, funding)
	if err != nil {
		return nil, fmt.Errorf("funding pre-check failed: %w", err)
	}
	if err := jg.balanceTracker.ValidateSufficientWallet(owner, AssetIDNative, required); err != nil {
		return nil, fmt.Errorf("funding pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	rentJournal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewRentEscrowKey(),
		CreditAccount: NewWalletKey(owner, AssetIDNative),
		AssetID:       AssetIDNative,
		Amount:        rentDeposit,
		JournalType:   JournalTypeRentEscrow,
		Timestamp:     timestamp,
	}
	batch.Journals = append(batch.Journals, rentJournal)

	if funding > 0 {
		fundingJournal := Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewVaultKey(vault),
			CreditAccount: NewWalletKey(owner, AssetIDNative),
			AssetID:       AssetIDNative,
			Amount:        funding,
			JournalType:   JournalTypeVaultFunding,
			Timestamp:     timestamp,
		}
		batch.Journals = append(batch.Journals, fundingJournal)
	}

	jg.sequence++
	return batch, nil
}

// GenerateClaimPayout creates the protection payout. The vault is the source,
// so the journal carries the keyring's authorization over this exact
// transfer; the batch validator rejects vault outflows without one.
// Moves funds: vault → owner wallet (native).
func (jg *JournalGenerator) GenerateClaimPayout(
	vault custody.Address,
	owner uuid.UUID,
	coverage int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientVault(vault, coverage); err != nil {
		return nil, fmt.Errorf("claim pre-check failed: %w", err)
	}

	batchID := uuid.New()
	recipient := NewWalletKey(owner, AssetIDNative)

	auth := jg.keyring.Authorize(custody.Transfer{
		From:   vault,
		To:     recipient.Address,
		Asset:  uint16(AssetIDNative),
		Amount: coverage,
		Ref:    eventRef,
	})

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  recipient,
		CreditAccount: NewVaultKey(vault),
		AssetID:       AssetIDNative,
		Amount:        coverage,
		JournalType:   JournalTypeClaimPayout,
		Timestamp:     timestamp,
		Auth:          &auth,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}
