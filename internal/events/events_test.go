package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlquota/internal/clock/manual"
)

func TestNewMessageHeadersAndStream(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 3, 4, 5, 6, 7, time.FixedZone("Y", -3600))
	msg, err := NewMessage(TypeCrawlQuotaUsage, "u1", at, CrawlQuotaUsage{UserID: "u1", UnitsConsumed: 3})
	require.NoError(t, err)
	require.Equal(t, StreamUsage, msg.Stream())
	require.Equal(t, map[string]string{
		HeaderEventType: "CrawlQuotaUsage",
		HeaderTimestamp: "2026-02-03T05:05:06.000000007Z",
	}, msg.Headers())
	require.JSONEq(t, `{"userId":"u1","unitsConsumed":3,"occurredAt":"0001-01-01T00:00:00Z"}`, string(msg.Payload))

	require.Equal(t, StreamLifecycle, StreamOf(TypeJobStarted))
	require.Equal(t, StreamUsage, StreamOf(TypeQuotaDeducted))
}

func TestDecodeUsage(t *testing.T) {
	t.Parallel()

	u, err := DecodeUsage([]byte(`{"userId":"u1","jobId":"j1","unitsConsumed":-2,"source":"worker"}`))
	require.NoError(t, err)
	require.Equal(t, -2, u.UnitsConsumed)
	require.Equal(t, "worker", u.Source)

	for _, raw := range []string{"", "{", `{"unitsConsumed":1}`} {
		_, err := DecodeUsage([]byte(raw))
		require.ErrorIs(t, err, ErrMalformed, "payload %q", raw)
	}
}

type recordingPublisher struct {
	msgs []Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestEmitter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{}
	em := NewEmitter(pub, manual.New(now), nil)

	require.NoError(t, em.Emit(context.Background(), TypeJobStarted, "job-1", JobStarted{JobID: "job-1"}))
	require.Len(t, pub.msgs, 1)
	require.Equal(t, "job-1", pub.msgs[0].Key)
	require.Equal(t, now, pub.msgs[0].OccurredAt)
	require.Equal(t, now, em.Now())

	pub.err = errors.New("broker unavailable")
	require.ErrorIs(t, em.Emit(context.Background(), TypeJobStarted, "job-2", JobStarted{}), pub.err)
}
