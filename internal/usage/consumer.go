// Package usage consumes crawl quota usage events and applies them to the
// quota ledger.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/events"
	"github.com/JakeFAU/crawlquota/internal/metrics"
	"github.com/JakeFAU/crawlquota/internal/quota"
	"github.com/JakeFAU/crawlquota/internal/retry"
)

// Message outcomes recorded in metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeSkipped   = "skipped"
	OutcomeMalformed = "malformed"
	OutcomeUnknown   = "unknown_user"
	OutcomeFailed    = "failed"
)

// MessageReader is the consumer-group reader surface of kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a fresh reader. A new reader resumes at the group's
// last committed offset.
type ReaderFactory func() MessageReader

// NewKafkaReaderFactory returns a factory for group readers on topic.
func NewKafkaReaderFactory(brokers []string, topic, groupID string) ReaderFactory {
	return func() MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
}

// Ledger applies usage deltas.
type Ledger interface {
	ApplyDelta(ctx context.Context, userID string, delta int) (quota.Account, error)
}

// Config tunes startup and recovery.
type Config struct {
	EnsureTopicAttempts int
	EnsureTopicDelay    time.Duration
	ReconnectBackoff    time.Duration
}

// Consumer applies CrawlQuotaUsage messages to the ledger. An offset is
// committed only after the ledger write succeeded or the message was judged
// unprocessable. Unprocessable messages are committed without a write: empty
// or malformed payloads, a non-usage event-type header, and usage for a user
// that does not exist (ErrNotFound), since redelivery cannot make those
// succeed. Any other ledger error leaves the offset uncommitted. A message
// redelivered after a crash between the write and the commit is applied
// twice.
type Consumer struct {
	newReader   ReaderFactory
	ensureTopic func(ctx context.Context) error
	ledger      Ledger
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Consumer. ensureTopic may be nil.
func New(
	newReader ReaderFactory,
	ensureTopic func(ctx context.Context) error,
	ledger Ledger,
	cfg Config,
	logger *zap.Logger,
) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EnsureTopicAttempts <= 0 {
		cfg.EnsureTopicAttempts = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}
	return &Consumer{
		newReader:   newReader,
		ensureTopic: ensureTopic,
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run consumes until ctx ends. If the topic cannot be ensured the consumer
// logs a warning and returns nil so the rest of the process keeps running.
func (c *Consumer) Run(ctx context.Context) error {
	if c.ensureTopic != nil {
		err := retry.Fixed(ctx, c.cfg.EnsureTopicAttempts, c.cfg.EnsureTopicDelay, c.ensureTopic)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("usage topic unavailable; consumer disabled", zap.Error(err))
			}
			return nil
		}
	}
	c.logger.Info("usage consumer started")

	for {
		reader := c.newReader()
		err := c.consume(ctx, reader)
		if closeErr := reader.Close(); closeErr != nil {
			c.logger.Warn("usage reader close failed", zap.Error(closeErr))
		}
		if ctx.Err() != nil {
			c.logger.Info("usage consumer stopped")
			return nil
		}
		c.logger.Warn("usage consumer reopening reader",
			zap.Duration("backoff", c.cfg.ReconnectBackoff),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, c.cfg.ReconnectBackoff); err != nil {
			return nil
		}
	}
}

// consume processes messages until an error that requires redelivery.
func (c *Consumer) consume(ctx context.Context, reader MessageReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.Handle(ctx, msg); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

// Handle processes one message. A nil return means the offset may be
// committed; an error means the message must be redelivered.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	outcome, err := c.handle(ctx, msg)
	metrics.ObserveUsageMessage(outcome)
	return err
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (string, error) {
	logger := c.logger.With(
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("key", string(msg.Key)),
	)
	if t := eventType(msg); t != "" && t != events.TypeCrawlQuotaUsage {
		return OutcomeSkipped, nil
	}

	u, err := events.DecodeUsage(msg.Value)
	if err != nil {
		logger.Warn("dropping malformed usage event", zap.Error(err))
		return OutcomeMalformed, nil
	}
	if u.UnitsConsumed == 0 {
		return OutcomeNoop, nil
	}

	acct, err := c.ledger.ApplyDelta(ctx, u.UserID, u.UnitsConsumed)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		logger.Warn("dropping usage event for unknown user", zap.String("user_id", u.UserID))
		return OutcomeUnknown, nil
	case err != nil:
		logger.Error("apply usage delta failed", zap.String("user_id", u.UserID), zap.Error(err))
		return OutcomeFailed, err
	}
	logger.Debug("applied usage delta",
		zap.String("user_id", u.UserID),
		zap.String("job_id", u.JobID),
		zap.Int("delta", u.UnitsConsumed),
		zap.Int("used", acct.Used),
		zap.Int("limit", acct.Limit),
	)
	return OutcomeApplied, nil
}

func eventType(msg kafka.Message) events.Type {
	for _, h := range msg.Headers {
		if h.Key == events.HeaderEventType {
			return events.Type(h.Value)
		}
	}
	return ""
}
