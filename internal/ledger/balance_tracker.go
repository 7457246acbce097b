package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/domain"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// checkedAdd adds two balances, rejecting int64 wraparound.
func checkedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("%w: %d + %d wraps int64", domain.ErrMathOverflow, a, b)
	}
	return sum, nil
}

// ApplyBatch applies all journals in a batch. New balances are staged and
// overflow-checked before anything mutates, so a batch that would wrap an
// int64 balance is rejected whole and the tracker is left untouched.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := make(map[AccountKey]int64, 2*len(batch.Journals))
	current := func(key AccountKey) int64 {
		if v, ok := staged[key]; ok {
			return v
		}
		return bt.balances[key]
	}

	for _, j := range batch.Journals {
		// Validate guarantees Amount > 0, so -j.Amount cannot itself wrap.
		debited, err := checkedAdd(current(j.DebitAccount), j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s on %s: %w", j.JournalID, j.DebitAccount.AccountPath(), err)
		}
		staged[j.DebitAccount] = debited

		credited, err := checkedAdd(current(j.CreditAccount), -j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s on %s: %w", j.JournalID, j.CreditAccount.AccountPath(), err)
		}
		staged[j.CreditAccount] = credited
	}

	for key, balance := range staged {
		bt.balances[key] = balance
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites one account balance. Snapshot restore only.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// === Balance Queries ===

// GetWalletBalance returns an identity's holdings of one asset
func (bt *BalanceTracker) GetWalletBalance(owner uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewWalletKey(owner, assetID))
}

// GetVaultBalance returns a program vault's native funds
func (bt *BalanceTracker) GetVaultBalance(vault custody.Address) int64 {
	return bt.GetBalance(NewVaultKey(vault))
}

// GetRentEscrowBalance returns the deposits held against live records
func (bt *BalanceTracker) GetRentEscrowBalance() int64 {
	return bt.GetBalance(NewRentEscrowKey())
}

// === Invariant Checks ===

// ValidateSufficientWallet checks that an identity can fund a transfer.
// Errors wrap domain.ErrInsufficientBalance so the API surface can report a
// stable cause.
func (bt *BalanceTracker) ValidateSufficientWallet(owner uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetWalletBalance(owner, assetID)
	if available < required {
		return fmt.Errorf("%w: have=%d, need=%d", domain.ErrInsufficientBalance, available, required)
	}
	return nil
}

// ValidateSufficientVault checks that a vault can fund a payout
func (bt *BalanceTracker) ValidateSufficientVault(vault custody.Address, required int64) error {
	available := bt.GetVaultBalance(vault)
	if available < required {
		return fmt.Errorf("%w: vault has=%d, need=%d", domain.ErrInsufficientBalance, available, required)
	}
	return nil
}

// ValidateSufficientEscrow checks the rent escrow can return a deposit. A
// failure here is ledger corruption, not caller error: every live record paid
// its deposit in.
func (bt *BalanceTracker) ValidateSufficientEscrow(required int64) error {
	available := bt.GetRentEscrowBalance()
	if available < required {
		return fmt.Errorf("rent escrow underfunded: have=%d, need=%d", available, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
