package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeWallet is identity-owned; outflows are gated by caller
	// identity checks in the operation handlers.
	AccountScopeWallet AccountScope = iota
	// AccountScopeVault is program-derived; outflows additionally require a
	// keyring authorization verified at batch validation.
	AccountScopeVault
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Wallet sub-types
	SubTypeNative AccountSubType = iota
	SubTypeToken

	// Vault sub-types
	SubTypeCoverage

	// System sub-types
	SubTypeRentEscrow

	// External sub-types
	SubTypeExternalFunding
)

// AssetID maps asset symbols to numeric IDs for compact keys
type AssetID uint16

// AssetIDNative is the chain's native coin. Rent deposits, vault funding,
// and protection payouts always move in it.
const AssetIDNative AssetID = 1

var (
	assetToID = map[string]AssetID{
		"SOL":  1,
		"USDC": 2,
		"USDT": 3,
	}
	idToAsset = map[AssetID]string{
		1: "SOL",
		2: "USDC",
		3: "USDT",
	}
	assetDecimals = map[AssetID]int{
		1: 9,
		2: 6,
		3: 6,
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// GetAssetDecimals returns the base-unit scale for an asset, for converting
// display amounts to ledger amounts.
func GetAssetDecimals(id AssetID) (int, bool) {
	d, ok := assetDecimals[id]
	return d, ok
}

// AccountKey is the in-memory key for balance tracking. The address is always
// derived through the custody package, never supplied by a caller, so a key
// can only ever point at the account its owner is entitled to.
type AccountKey struct {
	Scope   AccountScope
	Address custody.Address
	SubType AccountSubType
	AssetID AssetID
}

// NewWalletKey returns the key for an identity's holdings of one asset.
// Native holdings live at the wallet-derived address, token holdings at the
// per-asset token account address.
func NewWalletKey(owner uuid.UUID, assetID AssetID) AccountKey {
	if assetID == AssetIDNative {
		return AccountKey{
			Scope:   AccountScopeWallet,
			Address: custody.WalletAccount(owner),
			SubType: SubTypeNative,
			AssetID: assetID,
		}
	}
	return AccountKey{
		Scope:   AccountScopeWallet,
		Address: custody.TokenAccount(owner, uint16(assetID)),
		SubType: SubTypeToken,
		AssetID: assetID,
	}
}

// NewVaultKey returns the key for a program-derived vault's coverage funds.
// Vaults hold native coin only.
func NewVaultKey(addr custody.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeVault,
		Address: addr,
		SubType: SubTypeCoverage,
		AssetID: AssetIDNative,
	}
}

// NewSystemKey returns the key for a named program bookkeeping account
func NewSystemKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		Address: custody.SystemAccount(name),
		SubType: subType,
		AssetID: assetID,
	}
}

// NewRentEscrowKey returns the escrow holding allocation deposits for live
// policy records. Always native coin.
func NewRentEscrowKey() AccountKey {
	return NewSystemKey("rent_escrow", SubTypeRentEscrow, AssetIDNative)
}

// NewExternalKey returns the boundary account funds enter the ledger through
func NewExternalKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		Address: custody.SystemAccount("external_funding"),
		SubType: SubTypeExternalFunding,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeWallet:
		return fmt.Sprintf("wallet:%s:%s:%s", k.Address, k.subTypeName(), assetName)
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%s", k.Address, assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeNative:
		return "native"
	case SubTypeToken:
		return "token"
	case SubTypeCoverage:
		return "coverage"
	case SubTypeRentEscrow:
		return "rent_escrow"
	case SubTypeExternalFunding:
		return "funding"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath, used when restoring
// balances from a snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	switch parts[0] {
	case "wallet":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed wallet path %q", path)
		}
		addr, err := custody.ParseAddress(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("wallet path %q: %w", path, err)
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("wallet path %q: unknown asset", path)
		}
		subType := SubTypeNative
		if parts[2] == "token" {
			subType = SubTypeToken
		}
		return AccountKey{Scope: AccountScopeWallet, Address: addr, SubType: subType, AssetID: assetID}, nil

	case "vault":
		addr, err := custody.ParseAddress(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("vault path %q: %w", path, err)
		}
		return NewVaultKey(addr), nil

	case "system":
		if parts[1] != "rent_escrow" {
			return AccountKey{}, fmt.Errorf("unknown system account in path %q", path)
		}
		return NewRentEscrowKey(), nil

	case "external":
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("external path %q: unknown asset", path)
		}
		return NewExternalKey(assetID), nil
	}

	return AccountKey{}, fmt.Errorf("unknown account scope in path %q", path)
}
