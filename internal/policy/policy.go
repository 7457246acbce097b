// Package policy holds the in-memory records for both contract families and
// the manager the deterministic core mutates them through.
package policy

import (
	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ledger"
)

// PolicyStatus tracks the authority-mediated lifecycle
type PolicyStatus int32

const (
	PolicyStatusInactive PolicyStatus = iota
	PolicyStatusActive
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyStatusInactive:
		return "Inactive"
	case PolicyStatusActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Closure is record deletion,
// not a status, so the only in-record transition is activation.
func (s PolicyStatus) CanTransitionTo(next PolicyStatus) bool {
	validTransitions := map[PolicyStatus][]PolicyStatus{
		PolicyStatusInactive: {
			PolicyStatusActive,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// Policy is an authority-mediated option/insurance contract. All monetary
// fields are fixed-point integers in the payment asset's smallest unit.
type Policy struct {
	Authority    uuid.UUID
	Nonce        uint64
	Strike       int64
	Expiry       int64 // Epoch microseconds (stored term, informational)
	Underlying   event.Underlying
	OptionType   event.OptionType
	Coverage     int64
	Premium      int64
	PayoutWallet uuid.UUID
	PaymentAsset ledger.AssetID // Immutable after creation
	Status       PolicyStatus
	Address      custody.Address // Derived record address
	Salt         uint8           // Derivation salt, pinned at creation
	Version      int64           // Bumped on every mutation
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Policy) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	// authority (16 bytes UUID binary)
	buf = append(buf, p.Authority[:]...)

	// nonce (8 bytes LE)
	buf = appendUint64LE(buf, p.Nonce)

	// strike, expiry, coverage, premium (8 bytes LE each)
	buf = appendInt64LE(buf, p.Strike)
	buf = appendInt64LE(buf, p.Expiry)
	buf = appendInt64LE(buf, p.Coverage)
	buf = appendInt64LE(buf, p.Premium)

	// underlying, option type (1 byte each)
	buf = append(buf, byte(p.Underlying), byte(p.OptionType))

	// payout wallet (16 bytes UUID binary)
	buf = append(buf, p.PayoutWallet[:]...)

	// payment asset (2 bytes LE)
	buf = append(buf, byte(p.PaymentAsset), byte(p.PaymentAsset>>8))

	// status (1 byte)
	buf = append(buf, byte(p.Status))

	// record address + salt
	buf = append(buf, p.Address[:]...)
	buf = append(buf, p.Salt)

	return buf
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

func appendUint64LE(buf []byte, v uint64) []byte {
	return appendInt64LE(buf, int64(v))
}
