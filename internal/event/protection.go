package event

import (
	"time"

	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
)

// PriceObservation is one oracle reading: a scaled integer magnitude with a
// decimal exponent, stamped with the feed's own publish time. Authenticity is
// an upstream concern; the core only evaluates freshness and magnitude.
type PriceObservation struct {
	Feed        string
	Magnitude   int64
	Exponent    int32
	PublishTime time.Time
}

// InitializeProtection allocates a price-protection record and its vault,
// funded by the owner in one step.
type InitializeProtection struct {
	RequestID uuid.UUID // Idempotency key
	Owner     uuid.UUID
	Strike    int64
	Direction Direction
	Coverage  int64 // Native units owed on a successful claim
	Funding   int64 // Native units moved into the vault now
	Sequence  int64
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (i *InitializeProtection) IdempotencyKey() string {
	return i.RequestID.String()
}

func (i *InitializeProtection) EventType() EventType {
	return EventTypeInitializeProtection
}

func (i *InitializeProtection) PolicyID() *string {
	addr, _ := custody.ProtectionRecord(i.Owner)
	id := addr.String()
	return &id
}

func (i *InitializeProtection) SourceSequence() int64 {
	return i.Sequence
}

// LiquidateProtection claims a protection payout. Any relayer may submit it;
// the payout destination is derived from the record's owner, never taken from
// the caller, so relaying cannot redirect funds.
type LiquidateProtection struct {
	RequestID   uuid.UUID // Idempotency key
	Caller      uuid.UUID // Recorded for audit; not an authorization gate
	Policy      string    // Protection record address (hex)
	Observation PriceObservation
	Sequence    int64
	Timestamp   time.Time
}

func (l *LiquidateProtection) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LiquidateProtection) EventType() EventType {
	return EventTypeLiquidateProtection
}

func (l *LiquidateProtection) PolicyID() *string {
	p := l.Policy
	return &p
}

func (l *LiquidateProtection) SourceSequence() int64 {
	return l.Sequence
}
