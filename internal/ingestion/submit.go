package ingestion

import (
	"context"
	"time"

	"PolicyLedger/internal/event"
)

// Submission carries a typed event into the core loop, with an optional
// reply channel for the verdict. The core loop is the only consumer, so
// every submission path shares one single-threaded pipeline.
type Submission struct {
	Event    event.Event
	Received time.Time
	Reply    chan error // Buffered 1; nil when the submitter does not wait
}

// Submitter queues events for the core loop and waits for the verdict. The
// HTTP API uses it so callers get a synchronous accept or reject instead of
// a fire-and-forget enqueue.
type Submitter struct {
	submitChan chan<- Submission
}

func NewSubmitter(submitChan chan<- Submission) *Submitter {
	return &Submitter{submitChan: submitChan}
}

// Submit queues evt and blocks until the core reports a verdict or the
// context ends. A nil error means the event applied or was absorbed as a
// duplicate.
func (s *Submitter) Submit(ctx context.Context, evt event.Event) error {
	reply := make(chan error, 1)
	sub := Submission{
		Event:    evt,
		Received: time.Now(),
		Reply:    reply,
	}

	select {
	case s.submitChan <- sub:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
