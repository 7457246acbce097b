package policy

import (
	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/event"
)

// Protection is a self-service price-insurance contract backed by its own
// vault. The claimed flag is monotonic: once true it never reverts, and the
// record is never deleted.
type Protection struct {
	Owner      uuid.UUID
	Strike     int64 // USD-denominated, normalized-price units
	Direction  event.Direction
	Coverage   int64 // Native units owed on a successful claim
	Claimed    bool
	Address    custody.Address // Derived record address
	RecordSalt uint8
	Vault      custody.Address // Derived vault funding the payout
	VaultSalt  uint8
	Version    int64
}

// ShouldTrigger applies the directional rule to a normalized price.
// Long protection pays below strike, short protection above; equality never
// triggers on either side.
func (p *Protection) ShouldTrigger(normalizedPrice int64) bool {
	switch p.Direction {
	case event.DirectionLong:
		return normalizedPrice < p.Strike
	case event.DirectionShort:
		return normalizedPrice > p.Strike
	default:
		return false
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Protection) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	// strike, coverage (8 bytes LE each)
	buf = appendInt64LE(buf, p.Strike)
	buf = appendInt64LE(buf, p.Coverage)

	// direction (1 byte)
	buf = append(buf, byte(p.Direction))

	// claimed (1 byte)
	if p.Claimed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	// record address + salt, vault address + salt
	buf = append(buf, p.Address[:]...)
	buf = append(buf, p.RecordSalt)
	buf = append(buf, p.Vault[:]...)
	buf = append(buf, p.VaultSalt)

	return buf
}
