package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PolicyLedger/internal/observability"
)

const (
	archiveContentType = "application/x-ndjson"

	// flushBytes triggers an upload mid-interval once the buffer is large
	// enough to be worth an object.
	flushBytes = 1 << 20

	// maxBufferBytes caps buffered lines while the object store is down.
	// Beyond it the buffer is dropped: Postgres still holds the canonical
	// log, so losing archive lines costs a gap, not data.
	maxBufferBytes = 8 << 20

	flushInterval = time.Minute
)

// Record is one archived event line. The payload is carried verbatim from the
// event log so the archive replays with the same decoder.
type Record struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PolicyID       *string         `json:"policy_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Archiver buffers applied events into month-partitioned JSONL objects:
// {prefix}archive/events/2026-08/000000123456.jsonl, named by the first
// sequence in the object.
type Archiver struct {
	client    *Client
	inputChan <-chan Record
	metrics   *observability.Metrics
	log       zerolog.Logger

	buf       bytes.Buffer
	firstSeq  int64
	lastSeq   int64
	partition string // Month of the first buffered record
}

func NewArchiver(client *Client, inputChan <-chan Record, metrics *observability.Metrics) *Archiver {
	return &Archiver{
		client:    client,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("archiver"),
	}
}

// Run consumes records until the context ends, then takes one final flush on
// a detached context so shutdown does not lose the tail.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	a.log.Info().Str("bucket", a.client.bucket).Msg("Event archiver started")

	for {
		select {
		case rec, ok := <-a.inputChan:
			if !ok {
				a.finalFlush()
				return
			}
			a.add(rec)
			if a.buf.Len() >= flushBytes {
				a.flush(ctx)
			}

		case <-ticker.C:
			if a.buf.Len() > 0 {
				a.flush(ctx)
			}

		case <-ctx.Done():
			a.finalFlush()
			return
		}
	}
}

// add appends one JSONL line and pins the object key fields on the first
// line of a fresh buffer.
func (a *Archiver) add(rec Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		a.log.Error().Err(err).Int64("sequence", rec.Sequence).Msg("Failed to encode archive record")
		return
	}
	if a.buf.Len() == 0 {
		a.firstSeq = rec.Sequence
		a.partition = rec.Timestamp.UTC().Format("2006-01")
	}
	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.lastSeq = rec.Sequence
}

func (a *Archiver) objectKey() string {
	return fmt.Sprintf("%sarchive/events/%s/%012d.jsonl", a.client.prefix, a.partition, a.firstSeq)
}

func (a *Archiver) flush(ctx context.Context) {
	key := a.objectKey()
	size := a.buf.Len()

	if err := a.client.put(ctx, key, a.buf.Bytes(), archiveContentType); err != nil {
		a.metrics.ArchiveErrors.Inc()
		if a.buf.Len() > maxBufferBytes {
			a.log.Error().Err(err).Str("key", key).Int("dropped_bytes", size).
				Msg("Archive upload failing and buffer over cap, dropping buffered lines")
			a.buf.Reset()
			return
		}
		// Keep the buffer; the next tick retries with the same key.
		a.log.Warn().Err(err).Str("key", key).Msg("Archive upload failed, will retry")
		return
	}

	a.metrics.ArchiveBatches.Inc()
	a.metrics.ArchiveBytes.Add(float64(size))
	a.metrics.ArchiveLastSeq.Set(float64(a.lastSeq))
	a.log.Debug().Str("key", key).Int("bytes", size).
		Int64("first_seq", a.firstSeq).Int64("last_seq", a.lastSeq).
		Msg("Archived event batch")
	a.buf.Reset()
}

func (a *Archiver) finalFlush() {
	if a.buf.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.flush(ctx)
}
