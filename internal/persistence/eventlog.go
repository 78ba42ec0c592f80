package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
)

// EventLog reads the persisted command log.
type EventLog struct {
	db *DB
}

func NewEventLog(db *DB) *EventLog {
	return &EventLog{db: db}
}

// LoadEventsFrom returns up to limit events starting at fromSequence.
func (l *EventLog) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`
		SELECT sequence, event_type, idempotency_key, partition_key, payload,
		       state_hash, prev_hash, occurred_at, source_sequence
		FROM events
		WHERE sequence >= ?
		ORDER BY sequence ASC
		LIMIT ?
	`), fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e         EventRow
			partition sql.NullString
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &partition, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.OccurredAt, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		if partition.Valid {
			e.Partition = &partition.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, 0 when empty.
func (l *EventLog) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns LRU keys for the newest limit events, oldest
// first, in the engine's composite "type:key" form.
func (l *EventLog) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`
		SELECT event_type, idempotency_key FROM events ORDER BY sequence DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var et, key string
		if err := rows.Scan(&et, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(et, key))
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, rows.Err()
}

// DecodeEvent rebuilds the typed command and its logged state hash.
func DecodeEvent(row EventRow) (event.Event, [32]byte, error) {
	var hash [32]byte
	et, ok := event.ParseEventType(row.EventType)
	if !ok {
		return nil, hash, fmt.Errorf("sequence %d: unknown event type %q", row.Sequence, row.EventType)
	}
	evt, err := event.Decode(et, row.Payload)
	if err != nil {
		return nil, hash, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	if len(row.StateHash) != len(hash) {
		return nil, hash, fmt.Errorf("sequence %d: state hash has %d bytes", row.Sequence, len(row.StateHash))
	}
	copy(hash[:], row.StateHash)
	return evt, hash, nil
}

// Replay re-applies every logged event from the engine's next sequence to
// the head of the log and returns how many were applied. A hash mismatch
// panics inside the engine.
func Replay(ctx context.Context, log *EventLog, engine *core.Engine, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var replayed int64
	from := engine.GetSequence()
	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		rows, err := log.LoadEventsFrom(ctx, from, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}
		for _, row := range rows {
			evt, hash, err := DecodeEvent(row)
			if err != nil {
				return replayed, err
			}
			if err := engine.ReplayEvent(row.Sequence, evt, hash); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}
