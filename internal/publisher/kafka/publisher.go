// Package kafka implements the event publisher on Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/crawlquota/internal/events"
)

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher routes lifecycle and usage events to their topics. Messages are
// keyed so the hash balancer keeps each key on one partition.
type Publisher struct {
	lifecycle MessageWriter
	usage     MessageWriter
}

// New creates a Publisher writing to the given brokers and topics.
func New(brokers []string, lifecycleTopic, usageTopic string) *Publisher {
	return &Publisher{
		lifecycle: newWriter(brokers, lifecycleTopic),
		usage:     newWriter(brokers, usageTopic),
	}
}

// NewWithWriters builds a publisher using custom writers (tests).
func NewWithWriters(lifecycle, usage MessageWriter) *Publisher {
	return &Publisher{lifecycle: lifecycle, usage: usage}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
}

// Publish writes msg to the topic of its stream.
func (p *Publisher) Publish(ctx context.Context, msg events.Message) error {
	writer := p.lifecycle
	if msg.Stream() == events.StreamUsage {
		writer = p.usage
	}
	headers := msg.Headers()
	km := kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Time:  msg.OccurredAt,
		Headers: []kafka.Header{
			{Key: events.HeaderEventType, Value: []byte(headers[events.HeaderEventType])},
			{Key: events.HeaderTimestamp, Value: []byte(headers[events.HeaderTimestamp])},
		},
	}
	if err := writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// Close shuts down both writers.
func (p *Publisher) Close() error {
	return errors.Join(p.lifecycle.Close(), p.usage.Close())
}
