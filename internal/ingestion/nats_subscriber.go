package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PolicyLedger/internal/observability"
)

// NATSSubscriber subscribes to the command and price subjects and hands raw
// messages to the ingestion loop. Each subject maps to one event type so
// consumers can lag independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// RawEvent is an untyped message off the wire. The ingestion loop parses it
// into a typed event before anything reaches the core; the ack funcs belong
// to the loop, not the subscriber.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call once the message is handed off or definitively rejected
	NakFunc   func() // Call on infrastructure failure; the message is redelivered
}

// SubjectConfig maps a NATS subject to an event type and its durable consumer.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout: one command subject
// per operation plus the shared price feed subject.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "policy.cmd.create.>", EventType: "CreatePolicy", ConsumerName: "ledger-create", StreamName: "POLICY_CMDS"},
		{Subject: "policy.cmd.activate.>", EventType: "ActivatePolicy", ConsumerName: "ledger-activate", StreamName: "POLICY_CMDS"},
		{Subject: "policy.cmd.close.>", EventType: "ClosePolicy", ConsumerName: "ledger-close", StreamName: "POLICY_CMDS"},
		{Subject: "policy.cmd.init.>", EventType: "InitializeProtection", ConsumerName: "ledger-init", StreamName: "POLICY_CMDS"},
		{Subject: "policy.cmd.liquidate.>", EventType: "LiquidateProtection", ConsumerName: "ledger-liquidate", StreamName: "POLICY_CMDS"},
		{Subject: "policy.cmd.deposit.>", EventType: "DepositFunds", ConsumerName: "ledger-deposit", StreamName: "POLICY_CMDS"},
		{Subject: "policy.prices.>", EventType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: "POLICY_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		log:       observability.NewLogger("nats_subscriber"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
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

		subject := cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			if ns.metrics != nil {
				if meta, err := msg.Metadata(); err == nil {
					ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(time.Since(meta.Timestamp).Seconds())
				}
			}

			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Queued; the ingestion loop owns the ack from here
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("Subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("nats_subscriber")

	streams := []jetstream.StreamConfig{
		{
			Name:      "POLICY_CMDS",
			Subjects:  []string{"policy.cmd.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POLICY_PRICES",
			Subjects:  []string{"policy.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("Ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
