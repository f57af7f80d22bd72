// Package kafkasink delivers telemetry batches to a Kafka topic instead of
// the HTTP ingestion endpoint. It is meant for backend processes that embed
// the SDK next to an existing Kafka pipeline.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/wondertwin-ai/beacon/pkg/api"
	"github.com/wondertwin-ai/beacon/pkg/clock"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "beacon.events"

// Config configures a Sink.
type Config struct {
	Brokers []string
	Topic   string
	Clock   clock.Clock
}

// Sink publishes one message per event, keyed by user id so that a user's
// events land on the same partition.
type Sink struct {
	writer *kafka.Writer
	topic  string
	clock  clock.Clock
}

// New creates a Sink. No connection is made until the first send.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Sink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
		clock: cfg.Clock,
	}, nil
}

// SendEvents writes the batch in one WriteMessages call. Kafka-go writes a
// batch all-or-nothing per partition, so a failure means the whole batch is
// retried later and consumers must dedupe by event id.
func (s *Sink) SendEvents(ctx context.Context, events []api.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := Messages(s.topic, events, s.clock)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing %d events to %s: %w", len(events), s.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

// Messages converts events to Kafka messages for topic.
func Messages(topic string, events []api.Event, c clock.Clock) ([]kafka.Message, error) {
	now := c.Now().UTC()
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encoding event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   []byte(e.UserID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(e.ID)},
				{Key: "event_type", Value: []byte(e.Type)},
			},
			Time: now,
		})
	}
	return msgs, nil
}
