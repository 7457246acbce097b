package event

import (
	"time"

	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
)

// CreatePolicy allocates an authority-mediated policy record.
// Idempotency key: request_id, so a redelivered command is absorbed while a
// fresh command reusing a (authority, nonce) pair still surfaces
// already-exists.
type CreatePolicy struct {
	RequestID    uuid.UUID // Idempotency key
	Caller       uuid.UUID // Must be the configured program authority
	Nonce        uint64
	Strike       int64
	Expiry       time.Time
	Underlying   Underlying
	OptionType   OptionType
	Coverage     int64
	Premium      int64
	PayoutWallet uuid.UUID
	PaymentAsset string    // Asset symbol; immutable after creation
	Sequence     int64     // Source sequence from command stream (0 = unsequenced)
	Timestamp    time.Time // Versioned input timestamp (NOT wall-clock)
}

func (c *CreatePolicy) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *CreatePolicy) EventType() EventType {
	return EventTypeCreatePolicy
}

func (c *CreatePolicy) PolicyID() *string {
	addr, _ := custody.PolicyRecord(c.Caller, c.Nonce)
	id := addr.String()
	return &id
}

func (c *CreatePolicy) SourceSequence() int64 {
	return c.Sequence
}

// ActivatePolicy transfers the premium and flips Inactive → Active.
// The caller supplies the two custody accounts the transfer touches; both are
// validated against their derived addresses before any funds move.
type ActivatePolicy struct {
	RequestID        uuid.UUID // Idempotency key
	Caller           uuid.UUID // Must be the policy's payout wallet
	Policy           string    // Record address (hex)
	PayerAccount     string    // Caller's custody account for the payment asset (hex)
	AuthorityAccount string    // Authority's custody account for the payment asset (hex)
	Sequence         int64
	Timestamp        time.Time
}

func (a *ActivatePolicy) IdempotencyKey() string {
	return a.RequestID.String()
}

func (a *ActivatePolicy) EventType() EventType {
	return EventTypeActivatePolicy
}

func (a *ActivatePolicy) PolicyID() *string {
	p := a.Policy
	return &p
}

func (a *ActivatePolicy) SourceSequence() int64 {
	return a.Sequence
}

// ClosePolicy settles (optionally) and deletes an authority-mediated policy.
// The custody accounts are only required, and only validated, on the payout
// branch.
type ClosePolicy struct {
	RequestID        uuid.UUID // Idempotency key
	Caller           uuid.UUID // Must be the configured program authority
	Policy           string    // Record address (hex)
	Intent           ClosureIntent
	AuthorityAccount string // Authority's custody account for the payment asset (hex)
	PayoutAccount    string // Payout wallet's custody account for the payment asset (hex)
	Sequence         int64
	Timestamp        time.Time
}

func (c *ClosePolicy) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *ClosePolicy) EventType() EventType {
	return EventTypeClosePolicy
}

func (c *ClosePolicy) PolicyID() *string {
	p := c.Policy
	return &p
}

func (c *ClosePolicy) SourceSequence() int64 {
	return c.Sequence
}
