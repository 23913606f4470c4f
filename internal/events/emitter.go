package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/metrics"
)

// Emitter encodes, publishes and accounts for events on behalf of the
// domain components.
type Emitter struct {
	pub    Publisher
	clock  crawler.Clock
	logger *zap.Logger
}

// NewEmitter wires an Emitter.
func NewEmitter(pub Publisher, clock crawler.Clock, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{pub: pub, clock: clock, logger: logger}
}

// Now returns the emitter clock's current time.
func (e *Emitter) Now() time.Time {
	return e.clock.Now()
}

// Emit publishes payload under t keyed by key. Failures are logged and
// returned so callers decide whether they are fatal.
func (e *Emitter) Emit(ctx context.Context, t Type, key string, payload any) error {
	msg, err := NewMessage(t, key, e.clock.Now(), payload)
	if err == nil {
		err = e.pub.Publish(ctx, msg)
	}
	metrics.ObservePublish(string(t), err)
	if err != nil {
		e.logger.Warn("event publish failed",
			zap.String("event_type", string(t)),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return err
}
