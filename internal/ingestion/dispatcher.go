package ingestion

import (
	"context"
	"errors"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/poolerr"

	"github.com/rs/zerolog"
)

// Processor runs one command to completion. *core.Engine implements it.
type Processor interface {
	ProcessEvent(evt event.Event) (core.Receipt, error)
}

// Dispatcher is the single entry point into the engine for both the bus and
// the RPC surface. Commands run synchronously, so a bus message is acked
// only after its outcome is known.
type Dispatcher struct {
	proc    Processor
	router  *SubjectRouter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(proc Processor, subjects []SubjectConfig, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		proc:    proc,
		router:  NewSubjectRouter(subjects),
		metrics: metrics,
		logger:  observability.NewLogger("dispatcher"),
	}
}

// Submit runs evt through the engine.
func (d *Dispatcher) Submit(ctx context.Context, evt event.Event) (core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return core.Receipt{}, err
	}
	return d.proc.ProcessEvent(evt)
}

// Retryable reports whether a failed command may succeed if delivered
// again. Only a sequence gap qualifies: the missing event may still arrive.
// Every other rejection is a function of the command and the current
// state, and redelivery would fail the same way.
func Retryable(err error) bool {
	return errors.Is(err, core.ErrSequenceGap)
}

// Run handles bus messages until ctx is cancelled or rawChan closes.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle parses, processes and settles one bus message. Unroutable and
// malformed messages are acked so they do not loop through redelivery.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	eventType := d.router.Resolve(raw.Subject)
	if eventType == "" {
		d.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		d.count("unknown", "unroutable")
		raw.AckFunc()
		return
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		d.count(eventType, "malformed")
		raw.AckFunc()
		return
	}

	receipt, err := d.Submit(ctx, evt)
	switch {
	case err == nil && receipt.Duplicate:
		d.count(eventType, "duplicate")
		raw.AckFunc()
	case err == nil:
		d.count(eventType, "accepted")
		raw.AckFunc()
	case ctx.Err() != nil || Retryable(err):
		d.logger.Info().Err(err).Str("event_type", eventType).
			Str("idempotency_key", evt.IdempotencyKey()).Msg("command deferred")
		d.count(eventType, "retry")
		raw.NakFunc()
	default:
		d.logger.Warn().Err(err).Str("event_type", eventType).
			Str("idempotency_key", evt.IdempotencyKey()).
			Str("kind", poolerr.KindOf(err).String()).Msg("command rejected")
		d.count(eventType, "rejected")
		raw.AckFunc()
	}
}

func (d *Dispatcher) count(eventType, result string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(eventType, result).Inc()
	}
}

