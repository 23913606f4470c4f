// Package memory contains in-memory publisher implementations for tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlquota/internal/events"
)

// Publisher stores published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []events.Message
	failWith error
	closed   bool
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records the message.
func (p *Publisher) Publish(_ context.Context, msg events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.messages = append(p.messages, msg)
	return nil
}

// Close marks the publisher closed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []events.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]events.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Types returns the recorded event types in publish order.
func (p *Publisher) Types() []events.Type {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]events.Type, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.Type)
	}
	return out
}

// OfType returns the recorded messages with type t.
func (p *Publisher) OfType(t events.Type) []events.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []events.Message
	for _, m := range p.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}
