package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots carry balances, policy and protection records, feed observations,
// sequence counters, the idempotency LRU, and the last state hash — everything
// needed to resume the hash chain without replaying the whole log.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       []byte                `json:"state_hash"`
	Balances        map[string]int64      `json:"balances"` // AccountPath -> balance
	Policies        []PolicySnapshot      `json:"policies"`
	Protections     []ProtectionSnapshot  `json:"protections"`
	Feeds           map[string]FeedSnap   `json:"feeds"`            // feed symbol -> observation
	SequenceState   map[string]int64      `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string              `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time             `json:"created_at"`
}

// PolicySnapshot is a serializable authority-mediated policy record.
type PolicySnapshot struct {
	Authority    string `json:"authority"`
	Nonce        uint64 `json:"nonce"`
	Strike       int64  `json:"strike"`
	Expiry       int64  `json:"expiry"`
	Underlying   int32  `json:"underlying"`
	OptionType   int32  `json:"option_type"`
	Coverage     int64  `json:"coverage"`
	Premium      int64  `json:"premium"`
	PayoutWallet string `json:"payout_wallet"`
	PaymentAsset uint16 `json:"payment_asset"`
	Status       int32  `json:"status"`
	Address      string `json:"address"`
	Salt         uint8  `json:"salt"`
	Version      int64  `json:"version"`
}

// ProtectionSnapshot is a serializable protection record.
type ProtectionSnapshot struct {
	Owner      string `json:"owner"`
	Strike     int64  `json:"strike"`
	Direction  int32  `json:"direction"`
	Coverage   int64  `json:"coverage"`
	Claimed    bool   `json:"claimed"`
	Address    string `json:"address"`
	RecordSalt uint8  `json:"record_salt"`
	Vault      string `json:"vault"`
	VaultSalt  uint8  `json:"vault_salt"`
	Version    int64  `json:"version"`
}

// FeedSnap is a serializable price-feed observation.
type FeedSnap struct {
	Magnitude    int64 `json:"magnitude"`
	Exponent     int32 `json:"exponent"`
	PublishTime  int64 `json:"publish_time"`
	FeedSequence int64 `json:"feed_sequence"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns its encoded size in
// bytes. New snapshots land unverified; the orchestrator flips the flag only
// after a replay check, so a restart never trusts a snapshot that was cut
// mid-crash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)
	if err != nil {
		return 0, err
	}

	return sizeBytes, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot.
// On warm restart: restore from this, then replay events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay,
// both warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, policy_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PolicyID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
