package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TrancheLedger/internal/core"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1 is a JSON-encoded core.SnapshotState.
const snapshotFormatVersion = 1

// ErrSnapshotMismatch means a snapshot's hash disagrees with the event log
// at its sequence.
var ErrSnapshotMismatch = errors.New("snapshot state hash does not match event log")

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery. A snapshot is only trusted once verified: its state hash must
// equal the hash logged with the event at the same sequence.
type SnapshotManager struct {
	db *DB
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	Sequence  int64
	StateHash [32]byte
	SizeBytes int64
	Verified  bool
	CreatedAt time.Time
}

func NewSnapshotManager(db *DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot stores snap unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, sm.db.Rebind(`
		INSERT INTO snapshots
			(sequence, snapshot_id, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT (sequence) DO UPDATE SET
			data = excluded.data, state_hash = excluded.state_hash,
			size_bytes = excluded.size_bytes, verified = FALSE, created_at = excluded.created_at
	`), snap.Sequence, uuid.NewString(), data, snap.StateHash[:], snapshotFormatVersion, len(data), createdAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("save snapshot at %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest verified snapshot, or nil on a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d not supported", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks the snapshot at sequence as trusted.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, sm.db.Rebind(`UPDATE snapshots SET verified = TRUE WHERE sequence = ?`), sequence)
	return err
}

// VerifyPending checks every unverified snapshot whose event is already in
// the log and marks the matching ones verified. A mismatch is returned as
// ErrSnapshotMismatch and the snapshot stays untrusted. Snapshots ahead of
// the log are left for a later call.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT s.sequence, s.state_hash, e.state_hash
		FROM snapshots s
		JOIN events e ON e.sequence = s.sequence
		WHERE s.verified = FALSE
		ORDER BY s.sequence
	`)
	if err != nil {
		return 0, fmt.Errorf("list pending snapshots: %w", err)
	}

	type pending struct {
		sequence int64
		ok       bool
	}
	var list []pending
	for rows.Next() {
		var (
			seq           int64
			snapHash, log []byte
		)
		if err := rows.Scan(&seq, &snapHash, &log); err != nil {
			rows.Close()
			return 0, err
		}
		list = append(list, pending{sequence: seq, ok: bytes.Equal(snapHash, log)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	verified := 0
	var mismatch error
	for _, p := range list {
		if !p.ok {
			mismatch = errors.Join(mismatch, fmt.Errorf("sequence %d: %w", p.sequence, ErrSnapshotMismatch))
			continue
		}
		if err := sm.MarkVerified(ctx, p.sequence); err != nil {
			return verified, fmt.Errorf("mark snapshot %d verified: %w", p.sequence, err)
		}
		verified++
	}
	return verified, mismatch
}

// ListSnapshots returns stored snapshots, newest first.
func (sm *SnapshotManager) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := sm.db.QueryContext(ctx, sm.db.Rebind(`
		SELECT sequence, state_hash, size_bytes, verified, created_at
		FROM snapshots
		ORDER BY sequence DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info    SnapshotInfo
			hash    []byte
			created int64
		)
		if err := rows.Scan(&info.Sequence, &hash, &info.SizeBytes, &info.Verified, &created); err != nil {
			return nil, err
		}
		copy(info.StateHash[:], hash)
		info.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes all but the newest keep verified snapshots, along
// with any unverified snapshot older than the oldest one kept.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	var cutoff sql.NullInt64
	err := sm.db.QueryRowContext(ctx, sm.db.Rebind(`
		SELECT MIN(sequence) FROM (
			SELECT sequence FROM snapshots WHERE verified = TRUE ORDER BY sequence DESC LIMIT ?
		) kept
	`), keep).Scan(&cutoff)
	if err != nil {
		return 0, fmt.Errorf("find prune cutoff: %w", err)
	}
	if !cutoff.Valid {
		return 0, nil
	}
	res, err := sm.db.ExecContext(ctx, sm.db.Rebind(`DELETE FROM snapshots WHERE sequence < ?`), cutoff.Int64)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
