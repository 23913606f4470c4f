package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlquota/internal/events"
)

type fakeWriter struct {
	msgs   []kgo.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisherRoutesByStream(t *testing.T) {
	t.Parallel()

	lifecycle, usage := &fakeWriter{}, &fakeWriter{}
	pub := NewWithWriters(lifecycle, usage)
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	started, err := events.NewMessage(events.TypeJobStarted, "job-1", at, events.JobStarted{JobID: "job-1"})
	require.NoError(t, err)
	usageMsg, err := events.NewMessage(events.TypeCrawlQuotaUsage, "user-1", at, events.CrawlQuotaUsage{UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), started))
	require.NoError(t, pub.Publish(context.Background(), usageMsg))

	require.Len(t, lifecycle.msgs, 1)
	require.Len(t, usage.msgs, 1)
	got := lifecycle.msgs[0]
	require.Equal(t, "job-1", string(got.Key))
	require.Equal(t, at, got.Time)
	require.Equal(t, []kgo.Header{
		{Key: "event-type", Value: []byte("JobStarted")},
		{Key: "timestamp", Value: []byte("2026-04-01T08:00:00Z")},
	}, got.Headers)
	require.Equal(t, "user-1", string(usage.msgs[0].Key))

	require.NoError(t, pub.Close())
	require.True(t, lifecycle.closed)
	require.True(t, usage.closed)
}

func TestPublisherWrapsWriteErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("leader not available")
	pub := NewWithWriters(&fakeWriter{err: boom}, &fakeWriter{})
	msg, err := events.NewMessage(events.TypeJobCompleted, "job-2", time.Now(), events.JobCompleted{})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), msg)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "JobCompleted")
}

func TestNewConfiguresHashBalancer(t *testing.T) {
	t.Parallel()

	pub := New([]string{"localhost:9092"}, "lifecycle", "usage")
	w, ok := pub.lifecycle.(*kgo.Writer)
	require.True(t, ok)
	require.Equal(t, "lifecycle", w.Topic)
	require.IsType(t, &kgo.Hash{}, w.Balancer)
	require.Equal(t, kgo.RequireAll, w.RequiredAcks)
	require.NoError(t, pub.Close())
}

func TestEnsureTopicWithoutBrokers(t *testing.T) {
	t.Parallel()

	require.Error(t, EnsureTopic(context.Background(), nil, TopicSpec{Name: "t"}))
	require.True(t, isTopicExists(kgo.TopicAlreadyExists))
	require.False(t, isTopicExists(errors.New("other")))
}
