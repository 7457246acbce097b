package ledger

import (
	"fmt"

	"PolicyLedger/internal/custody"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
	keyring *custody.Keyring
}

func NewInvariantValidator(tracker *BalanceTracker, keyring *custody.Keyring) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
		keyring: keyring,
	}
}

// ValidateBatch verifies a batch is well-formed and that every vault outflow
// carries a valid program authorization for exactly the movement it performs.
// This is the mechanical form of program-only vault signing: a batch built
// anywhere without the keyring cannot debit a vault.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	for _, j := range batch.Journals {
		if j.CreditAccount.Scope != AccountScopeVault {
			continue
		}
		if j.Auth == nil {
			return fmt.Errorf("journal %s debits vault %s without authorization",
				j.JournalID, j.CreditAccount.Address)
		}
		t := j.Auth.Transfer
		if t.From != j.CreditAccount.Address ||
			t.To != j.DebitAccount.Address ||
			t.Asset != uint16(j.AssetID) ||
			t.Amount != j.Amount ||
			t.Ref != j.EventRef {
			return fmt.Errorf("journal %s authorization does not cover the journaled transfer", j.JournalID)
		}
		if !v.keyring.Verify(*j.Auth) {
			return fmt.Errorf("journal %s carries an invalid vault authorization", j.JournalID)
		}
	}

	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateVaultNonNegative verifies a vault never went below zero
func (v *InvariantValidator) ValidateVaultNonNegative(vault custody.Address) error {
	return v.tracker.ValidateNonNegative(NewVaultKey(vault))
}
