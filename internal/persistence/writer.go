package persistence

import (
	"context"
	"fmt"

	"TrancheLedger/internal/core"
)

// maxRowsPerInsert keeps multi-row inserts under both drivers' bind
// parameter limits.
const maxRowsPerInsert = 500

// EventLogWriter writes events and journals with multi-row INSERTs inside
// the caller's transaction.
type EventLogWriter struct {
	db *DB
}

// EventRow is a row in events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      *string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	OccurredAt     int64 // unix seconds, versioned input time
	SourceSequence int64
}

// JournalRow is a row in journal.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	OccurredAt    int64
}

func NewEventLogWriter(db *DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one engine output into its log rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	ev := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		OccurredAt:     env.Timestamp.Unix(),
		SourceSequence: env.SourceSequence,
	}
	if out.Batch == nil {
		return ev, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      env.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			OccurredAt:    j.Timestamp,
		})
	}
	return ev, journals
}

// WriteEventBatch inserts events. Rows already present are skipped, so a
// retried flush is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	const cols = 9
	for start := 0; start < len(events); start += maxRowsPerInsert {
		chunk := events[start:min(start+maxRowsPerInsert, len(events))]
		args := make([]any, 0, len(chunk)*cols)
		for _, e := range chunk {
			args = append(args,
				e.Sequence, e.EventType, e.IdempotencyKey, nullable(e.Partition),
				e.Payload, e.StateHash, e.PrevHash, e.OccurredAt, e.SourceSequence,
			)
		}
		query := `INSERT INTO events
			(sequence, event_type, idempotency_key, partition_key, payload, state_hash, prev_hash, occurred_at, source_sequence)
			VALUES ` + placeholders(len(chunk), cols) + ` ON CONFLICT (sequence) DO NOTHING`
		if _, err := tx.ExecContext(ctx, w.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("insert %d events at %d: %w", len(chunk), chunk[0].Sequence, err)
		}
	}
	return nil
}

// WriteJournalBatch inserts journal entries.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	const cols = 9
	for start := 0; start < len(journals); start += maxRowsPerInsert {
		chunk := journals[start:min(start+maxRowsPerInsert, len(journals))]
		args := make([]any, 0, len(chunk)*cols)
		for _, j := range chunk {
			args = append(args,
				j.JournalID, j.BatchID, j.EventRef, j.Sequence,
				j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.OccurredAt,
			)
		}
		query := `INSERT INTO journal
			(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, occurred_at)
			VALUES ` + placeholders(len(chunk), cols) + ` ON CONFLICT (journal_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, w.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("insert %d journals: %w", len(chunk), err)
		}
	}
	return nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
