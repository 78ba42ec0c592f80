package persistence

import (
	"context"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes the event
// log. The engine sends on that channel with backpressure, so a slow
// database stalls command processing instead of losing events.
type PersistenceWorker struct {
	db           *DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// flushed receives the last durable sequence after every successful
	// flush; nil disables it.
	flushed chan<- int64

	// forward receives each output once it is durable; nil disables it.
	forward chan<- core.CoreOutput
}

func NewPersistenceWorker(
	db *DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// NotifyFlushed registers a channel that receives the highest durable
// sequence after each flush. Sends are non-blocking.
func (pw *PersistenceWorker) NotifyFlushed(ch chan<- int64) {
	pw.flushed = ch
}

// ForwardDurable registers a channel that receives every output after the
// batch holding it commits. A full channel drops the output and counts it.
func (pw *PersistenceWorker) ForwardDurable(ch chan<- core.CoreOutput) {
	pw.forward = ch
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the input
// channel is closed, after flushing what it holds.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*4)
	var held []core.CoreOutput

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(events) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, events, journals); err != nil {
			pw.logger.Error().Err(err).Int64("first_sequence", events[0].Sequence).
				Int("events", len(events)).Msg("batch flush failed")
		} else {
			pw.forwardAll(held)
		}
		events = events[:0]
		journals = journals[:0]
		held = held[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			ev, js := RowsFromOutput(output)
			events = append(events, ev)
			journals = append(journals, js...)
			if pw.forward != nil {
				held = append(held, output)
			}

			if len(events) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt on a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(events)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, pw.maxBackoff)
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	last := events[len(events)-1].Sequence
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}
	if pw.flushed != nil {
		select {
		case pw.flushed <- last:
		default:
		}
	}
	pw.logger.Debug().Int64("last_sequence", last).Int("events", len(events)).
		Int("journals", len(journals)).Msg("flushed")
	return nil
}

func (pw *PersistenceWorker) forwardAll(outputs []core.CoreOutput) {
	for _, o := range outputs {
		select {
		case pw.forward <- o:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
