package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositFunds credits an identity's wallet from the external funding
// boundary. This is how authorities, payers, and owners obtain the balances
// the policy flows spend.
type DepositFunds struct {
	DepositID uuid.UUID // Idempotency key
	Owner     uuid.UUID
	Asset     string
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositFunds) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositFunds) EventType() EventType {
	return EventTypeDepositFunds
}

func (d *DepositFunds) PolicyID() *string {
	return nil // Global event
}

func (d *DepositFunds) SourceSequence() int64 {
	return d.Sequence
}
