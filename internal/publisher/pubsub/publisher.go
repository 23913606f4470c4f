// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/crawlquota/internal/events"
)

// Publisher wraps a Pub/Sub publisher client. Message ordering is enabled so
// events sharing a key are delivered in publish order.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher != nil {
		publisher.EnableMessageOrdering = true
	}
	return &Publisher{publisher: publisher}
}

// Publish sends msg with its headers as attributes and its key as the
// ordering key.
func (p *Publisher) Publish(ctx context.Context, msg events.Message) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	psMsg := &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  Attributes(ctx, msg),
		OrderingKey: msg.Key,
	}

	result := p.publisher.Publish(ctx, psMsg)
	if _, err := result.Get(ctx); err != nil {
		if msg.Key != "" {
			p.publisher.ResumePublish(msg.Key)
		}
		return fmt.Errorf("publish %s message: %w", msg.Type, err)
	}
	return nil
}

// Close flushes and stops the topic publisher.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	return nil
}

// Attributes builds the message attributes: event headers plus the
// propagated trace context.
func Attributes(ctx context.Context, msg events.Message) map[string]string {
	attrs := msg.Headers()
	attrs["stream"] = string(msg.Stream())
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
	return attrs
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
