package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes pool commands from JetStream and hands them to the
// dispatcher through eventChan. Each command type has its own subject and
// durable consumer.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a bus message that has not been parsed yet.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or deterministically rejected
	NakFunc   func() // redeliver later
}

// SubjectConfig maps a subject filter to the command type it carries.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	streamLenders = "TRANCHE_LENDERS"
	streamFunds   = "TRANCHE_FUNDS"
	streamCovers  = "TRANCHE_COVERS"
	streamCredit  = "TRANCHE_CREDIT"
	streamAdmin   = "TRANCHE_ADMIN"

	streamMaxAge = 72 * time.Hour
)

// DefaultSubjects is the inbound subject layout. Producers append one or
// more tokens (usually the actor id) after the prefix.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "tranche.lenders.approved.>", EventType: event.EventTypeLenderApproved.String(), ConsumerName: "ledger-lender-approved", StreamName: streamLenders},
		{Subject: "tranche.lenders.revoked.>", EventType: event.EventTypeLenderRevoked.String(), ConsumerName: "ledger-lender-revoked", StreamName: streamLenders},
		{Subject: "tranche.lenders.reinvest.>", EventType: event.EventTypeReinvestYieldUpdated.String(), ConsumerName: "ledger-lender-reinvest", StreamName: streamLenders},
		{Subject: "tranche.funds.deposit.>", EventType: event.EventTypeLenderDeposit.String(), ConsumerName: "ledger-deposit", StreamName: streamFunds},
		{Subject: "tranche.funds.redemption.requested.>", EventType: event.EventTypeRedemptionRequested.String(), ConsumerName: "ledger-redeem-request", StreamName: streamFunds},
		{Subject: "tranche.funds.redemption.cancelled.>", EventType: event.EventTypeRedemptionCancelled.String(), ConsumerName: "ledger-redeem-cancel", StreamName: streamFunds},
		{Subject: "tranche.funds.disbursement.>", EventType: event.EventTypeDisbursement.String(), ConsumerName: "ledger-disburse", StreamName: streamFunds},
		{Subject: "tranche.funds.wallet.funded.>", EventType: event.EventTypeWalletFunded.String(), ConsumerName: "ledger-wallet-funded", StreamName: streamFunds},
		{Subject: "tranche.funds.wallet.allowance.>", EventType: event.EventTypeAllowanceApproved.String(), ConsumerName: "ledger-wallet-allowance", StreamName: streamFunds},
		{Subject: "tranche.covers.deposited.>", EventType: event.EventTypeCoverDeposited.String(), ConsumerName: "ledger-cover-deposit", StreamName: streamCovers},
		{Subject: "tranche.covers.redeemed.>", EventType: event.EventTypeCoverRedeemed.String(), ConsumerName: "ledger-cover-redeem", StreamName: streamCovers},
		{Subject: "tranche.credit.pnl.>", EventType: event.EventTypePnLReported.String(), ConsumerName: "ledger-credit-pnl", StreamName: streamCredit},
		{Subject: "tranche.credit.drawdown.>", EventType: event.EventTypeCreditDrawdown.String(), ConsumerName: "ledger-credit-drawdown", StreamName: streamCredit},
		{Subject: "tranche.credit.repayment.>", EventType: event.EventTypeCreditRepayment.String(), ConsumerName: "ledger-credit-repayment", StreamName: streamCredit},
		{Subject: "tranche.admin.epoch.close.>", EventType: event.EventTypeEpochClose.String(), ConsumerName: "ledger-epoch-close", StreamName: streamAdmin},
		{Subject: "tranche.admin.yield.>", EventType: event.EventTypeYieldProcessing.String(), ConsumerName: "ledger-yield", StreamName: streamAdmin},
		{Subject: "tranche.admin.status.>", EventType: event.EventTypePoolStatusChanged.String(), ConsumerName: "ledger-pool-status", StreamName: streamAdmin},
	}
}

// SubjectRouter resolves a concrete subject to its command type by the
// longest configured prefix.
type SubjectRouter struct {
	prefixes map[string]string
}

func NewSubjectRouter(subjects []SubjectConfig) *SubjectRouter {
	r := &SubjectRouter{prefixes: make(map[string]string, len(subjects))}
	for _, cfg := range subjects {
		r.prefixes[strings.TrimSuffix(cfg.Subject, ">")] = cfg.EventType
	}
	return r
}

// Resolve returns "" when no prefix matches.
func (r *SubjectRouter) Resolve(subject string) string {
	best, bestType := "", ""
	for prefix, et := range r.prefixes {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best, bestType = prefix, et
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates one durable consumer per subject. Consumers use
// explicit acks, max_deliver=5 and ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}
			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the inbound streams if they do not exist. Streams
// use file storage, limits retention and a 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats-subscriber")
	streams := map[string]string{
		streamLenders: "tranche.lenders.>",
		streamFunds:   "tranche.funds.>",
		streamCovers:  "tranche.covers.>",
		streamCredit:  "tranche.credit.>",
		streamAdmin:   "tranche.admin.>",
	}
	for _, name := range []string{streamLenders, streamFunds, streamCovers, streamCredit, streamAdmin} {
		cfg := jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{streams[name]},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("tranche-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
