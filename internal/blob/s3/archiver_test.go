package s3blob

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestArchiverBuffersJSONLines(t *testing.T) {
	a := &Archiver{client: &Client{prefix: "prod/"}}
	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	policy := "aabbccdd"
	a.add(Record{
		Sequence:       123456,
		EventType:      "CreatePolicy",
		IdempotencyKey: "req-1",
		PolicyID:       &policy,
		Payload:        json.RawMessage(`{"nonce":7}`),
		StateHash:      "00ff",
		Timestamp:      ts,
	})
	a.add(Record{
		Sequence:       123457,
		EventType:      "DepositFunds",
		IdempotencyKey: "req-2",
		Payload:        json.RawMessage(`{"amount":5}`),
		StateHash:      "01ff",
		Timestamp:      ts.Add(time.Minute),
	})

	lines := bytes.Split(bytes.TrimRight(a.buf.Bytes(), "\n"), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first Record
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if first.Sequence != 123456 || first.EventType != "CreatePolicy" {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if string(first.Payload) != `{"nonce":7}` {
		t.Fatalf("payload must be carried verbatim, got %s", first.Payload)
	}
	if first.PolicyID == nil || *first.PolicyID != policy {
		t.Fatalf("policy id lost: %+v", first.PolicyID)
	}

	if a.firstSeq != 123456 || a.lastSeq != 123457 {
		t.Fatalf("sequence tracking wrong: first=%d last=%d", a.firstSeq, a.lastSeq)
	}
}

func TestArchiverObjectKeyPinsFirstRecord(t *testing.T) {
	a := &Archiver{client: &Client{prefix: "prod/"}}

	// Second record lands in the next month; the object stays in the
	// partition of the first.
	a.add(Record{Sequence: 42, Timestamp: time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)})
	a.add(Record{Sequence: 43, Timestamp: time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC)})

	want := "prod/archive/events/2026-08/000000000042.jsonl"
	if got := a.objectKey(); got != want {
		t.Fatalf("expected key %s, got %s", want, got)
	}
}
