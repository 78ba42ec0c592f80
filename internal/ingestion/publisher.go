package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	outboundStream  = "TRANCHE_LEDGER_EVENTS"
	outboundSubject = "tranche.ledger.events"
)

// StreamPublisher is the slice of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes accepted commands for downstream consumers.
// It is fed by the persistence worker, so only durable events go out.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound message body.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Partition      *string         `json:"partition,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Receipt        core.Receipt    `json:"receipt"`
	StateHash      string          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// NewPublishableEvent builds the outbound body for one output.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Payload:        env.Payload,
		Receipt:        out.Receipt,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp.Unix(),
	}
}

// Subject is tranche.ledger.events.{event_type}.
func (p PublishableEvent) Subject() string {
	return outboundSubject + "." + p.EventType
}

// Run publishes until ctx is cancelled or the input closes. Failures are
// logged and skipped; consumers can catch up from the event log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, NewPublishableEvent(out)); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The sequence doubles as the JetStream dedup id, so a restart that
	// republishes a durable tail is harmless.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       outboundStream,
		Subjects:   []string{outboundSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     streamMaxAge,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	observability.NewLogger("publisher").Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}
