package event

import (
	"fmt"
	"time"
)

// PriceUpdate carries one feed observation into the core. It keeps the
// latest-price state current for projections and quoting; claims evaluate
// the observation supplied with the claim itself.
type PriceUpdate struct {
	Feed         string
	Magnitude    int64
	Exponent     int32
	PublishTime  time.Time
	FeedSequence int64     // Monotonic per feed
	Timestamp    time.Time // Ingest timestamp (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Feed, p.FeedSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) PolicyID() *string {
	return nil // Global event
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.FeedSequence
}
