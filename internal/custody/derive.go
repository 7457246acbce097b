// Package custody derives the deterministic addresses that anchor every
// policy record and fund-holding account, and holds the program's exclusive
// signing capability over the vaults it derives.
package custody

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// derivationNamespace domain-separates all addresses minted by this program.
// Changing it invalidates every derived address, so it is versioned.
const derivationNamespace = "PolicyLedger:custody:v1"

// Seed labels. One label per account purpose; the label participates in the
// hash so records, vaults, and token accounts can never collide even for the
// same owning identity.
const (
	labelPolicy     = "policy"
	labelProtection = "protection"
	labelVault      = "vault"
	labelToken      = "token"
	labelWallet     = "wallet"
	labelSystem     = "system"
)

// Address is a derived 32-byte account address.
type Address [32]byte

// ZeroAddress is the absent address.
var ZeroAddress Address

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 8 hex chars, used in logs and error messages.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// ParseAddress decodes a 64-char hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("address must be %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// DeriveAt computes the address for a seed label, owning identities, and an
// explicit salt. Pure and total: equal inputs always produce equal addresses,
// and the length-prefixed encoding keeps distinct seed tuples from colliding.
func DeriveAt(label string, salt uint8, parts ...[]byte) Address {
	h := sha256.New()
	h.Write([]byte(derivationNamespace))
	h.Write([]byte{byte(len(label))})
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write([]byte{byte(len(p))})
		h.Write(p)
	}
	h.Write([]byte{salt})

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// Derive returns the address for the first salt. In this address space every
// salt yields a usable address, so the first always succeeds; the salt is
// still returned and stored on records so future re-derivations stay pinned.
func Derive(label string, parts ...[]byte) (Address, uint8) {
	return DeriveAt(label, 0, parts...), 0
}

// PolicyRecord derives the record address for an authority-mediated policy.
// The nonce lets one authority hold many policies.
func PolicyRecord(authority uuid.UUID, nonce uint64) (Address, uint8) {
	return Derive(labelPolicy, authority[:], nonceBytes(nonce))
}

// ProtectionRecord derives the record address for a price-protection policy.
func ProtectionRecord(owner uuid.UUID) (Address, uint8) {
	return Derive(labelProtection, owner[:])
}

// Vault derives the program-controlled vault funding a protection payout.
func Vault(owner uuid.UUID) (Address, uint8) {
	return Derive(labelVault, owner[:])
}

// TokenAccount derives the expected token account for an identity's holdings
// of one payment asset. Supplied accounts are validated against this before
// any transfer touches them.
func TokenAccount(owner uuid.UUID, asset uint16) Address {
	addr, _ := Derive(labelToken, owner[:], assetBytes(asset))
	return addr
}

// WalletAccount derives an identity's native-coin account.
func WalletAccount(owner uuid.UUID) Address {
	addr, _ := Derive(labelWallet, owner[:])
	return addr
}

// SystemAccount derives a named program bookkeeping account.
func SystemAccount(name string) Address {
	addr, _ := Derive(labelSystem, []byte(name))
	return addr
}

func nonceBytes(nonce uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], nonce)
	return b[:]
}

func assetBytes(asset uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], asset)
	return b[:]
}
