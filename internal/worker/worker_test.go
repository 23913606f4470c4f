package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/agent"
	"github.com/JakeFAU/crawlquota/internal/clock/manual"
	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/events"
	"github.com/JakeFAU/crawlquota/internal/jobs"
	publisher "github.com/JakeFAU/crawlquota/internal/publisher/memory"
	"github.com/JakeFAU/crawlquota/internal/queue/memory"
	store "github.com/JakeFAU/crawlquota/internal/storage/memory"
)

type funcAgent struct {
	fetch agent.FetchFunc
}

func (funcAgent) ID() string { return "fake" }

func (funcAgent) CanHandle(job crawler.Job) bool { return job.CrawlerType != crawler.CrawlerTypeDynamic }

func (a funcAgent) Execute(ctx context.Context, job crawler.Job, obs crawler.URLObserver) []crawler.Result {
	return agent.RunURLs(ctx, job, "fake", obs, nil, a.fetch)
}

type env struct {
	registry *jobs.Registry
	jobs     *store.JobStore
	pub      *publisher.Publisher
	queue    *memory.Queue
	tracker  *Tracker
	worker   *Worker
}

func newEnv(t *testing.T, fetch agent.FetchFunc) env {
	t.Helper()
	clock := manual.New(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	pub := publisher.New()
	emitter := events.NewEmitter(pub, clock, nil)
	jobStore := store.NewJobStore()
	registry := jobs.New(jobStore, emitter, clock, nil)
	tracker := NewTracker()
	registry.SetCanceller(tracker)
	q := memory.NewQueue(4)

	w := New(Deps{
		Queue:    q,
		Registry: registry,
		Selector: agent.NewSelector(funcAgent{fetch: fetch}),
		Tracker:  tracker,
		Emitter:  emitter,
		Logger:   zap.NewNop(),
	})
	return env{registry: registry, jobs: jobStore, pub: pub, queue: q, tracker: tracker, worker: w}
}

func (e env) submit(t *testing.T, id string, ct crawler.CrawlerType, urls ...string) {
	t.Helper()
	job := crawler.Job{
		ID:          id,
		UserID:      "u1",
		URLs:        urls,
		Status:      crawler.JobStatusPending,
		CrawlerType: ct,
		MaxRetries:  1,
	}
	require.NoError(t, e.registry.Create(context.Background(), job))
	require.NoError(t, e.queue.Enqueue(context.Background(), crawler.QueueItem{JobID: id, UserID: "u1", Attempt: 1}))
}

func (e env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.worker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e env) waitForStatus(t *testing.T, id string, want crawler.JobStatus) crawler.Job {
	t.Helper()
	var job crawler.Job
	require.Eventually(t, func() bool {
		got, err := e.jobs.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func usageDeltas(t *testing.T, pub *publisher.Publisher) []int {
	t.Helper()
	var out []int
	for _, msg := range pub.OfType(events.TypeCrawlQuotaUsage) {
		var u events.CrawlQuotaUsage
		require.NoError(t, json.Unmarshal(msg.Payload, &u))
		require.Equal(t, "u1", msg.Key)
		require.Equal(t, UsageSource, u.Source)
		out = append(out, u.UnitsConsumed)
	}
	return out
}

func ok(context.Context, crawler.Job, string) (agent.Page, error) {
	return agent.Page{StatusCode: 200, ContentSize: 10, Confidence: agent.ConfidenceFull}, nil
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, ok)
	e.submit(t, "job-ok", crawler.CrawlerTypeAuto, "https://a.test", "https://b.test")
	e.start(t)

	job := e.waitForStatus(t, "job-ok", crawler.JobStatusCompleted)
	require.Equal(t, "fake", job.AssignedAgentID)
	require.NotNil(t, job.StartedAt)

	require.Eventually(t, func() bool {
		return len(e.pub.OfType(events.TypeJobCompleted)) == 1
	}, time.Second, 5*time.Millisecond)
	results, err := e.jobs.ListResults(context.Background(), "job-ok")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, e.pub.OfType(events.TypeURLCrawlStarted), 2)
	require.Len(t, e.pub.OfType(events.TypeURLCrawlCompleted), 2)
	require.Empty(t, usageDeltas(t, e.pub), "every reserved url was attempted")
}

func TestWorkerFailsJobWhenEveryURLFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(context.Context, crawler.Job, string) (agent.Page, error) {
		return agent.Page{}, errors.New("dns failure")
	})
	e.submit(t, "job-bad", crawler.CrawlerTypeStatic, "https://a.test")
	e.start(t)

	job := e.waitForStatus(t, "job-bad", crawler.JobStatusFailed)
	require.Contains(t, job.ErrorMessage, "dns failure")
	require.Eventually(t, func() bool {
		return len(e.pub.OfType(events.TypeCrawlerFailed)) == 1
	}, time.Second, 5*time.Millisecond)
	var payload events.CrawlerFailed
	require.NoError(t, json.Unmarshal(e.pub.OfType(events.TypeCrawlerFailed)[0].Payload, &payload))
	require.True(t, payload.WillRetry)
	require.Len(t, e.pub.OfType(events.TypeURLCrawlFailed), 1)
}

func TestWorkerCancellationRefundsUnattemptedURLs(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	e := newEnv(t, func(ctx context.Context, _ crawler.Job, rawURL string) (agent.Page, error) {
		if rawURL == "https://a.test" {
			close(entered)
			<-release
		}
		return ok(ctx, crawler.Job{}, rawURL)
	})
	e.submit(t, "job-cancel", crawler.CrawlerTypeAuto, "https://a.test", "https://b.test", "https://c.test")
	e.start(t)

	<-entered
	require.Equal(t, 1, e.tracker.Active())
	out, err := e.registry.CancelJob(context.Background(), "job-cancel", "u1")
	require.NoError(t, err)
	require.True(t, out.Success)
	close(release)

	require.Eventually(t, func() bool {
		return len(usageDeltas(t, e.pub)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{-2}, usageDeltas(t, e.pub))

	results, err := e.jobs.ListResults(context.Background(), "job-cancel")
	require.NoError(t, err)
	require.Len(t, results, 1, "the in-flight url completes")
	require.True(t, results[0].IsSuccess)

	job, err := e.jobs.GetJob(context.Background(), "job-cancel")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, job.Status)
	require.Empty(t, e.pub.OfType(events.TypeJobCompleted))
	require.Zero(t, e.tracker.Active())
}

func TestWorkerSkipsJobCancelledWhilePending(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(context.Context, crawler.Job, string) (agent.Page, error) {
		t.Error("cancelled job must not be executed")
		return agent.Page{}, nil
	})
	e.submit(t, "job-early", crawler.CrawlerTypeAuto, "https://a.test", "https://b.test")
	_, err := e.registry.CancelJob(context.Background(), "job-early", "u1")
	require.NoError(t, err)
	e.start(t)

	require.Eventually(t, func() bool {
		return len(usageDeltas(t, e.pub)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{-2}, usageDeltas(t, e.pub))
}

func TestWorkerFailsJobWithoutCapableAgent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, ok)
	e.submit(t, "job-dyn", crawler.CrawlerTypeDynamic, "https://spa.test")
	e.start(t)

	job := e.waitForStatus(t, "job-dyn", crawler.JobStatusFailed)
	require.Contains(t, job.ErrorMessage, "no agent can handle")
	require.Eventually(t, func() bool {
		return len(usageDeltas(t, e.pub)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{-1}, usageDeltas(t, e.pub))
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	e := newEnv(t, ok)
	e.queue.Close()
	done := make(chan struct{})
	go func() {
		e.worker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after the queue closed")
	}
}

func TestTracker(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	untrack := tr.Track("j", cancel)
	if !tr.Cancel("j") {
		t.Fatal("expected running job to be cancelled")
	}
	if ctx.Err() == nil {
		t.Fatal("expected context to be cancelled")
	}
	untrack()
	if tr.Cancel("j") {
		t.Fatal("expected untracked job to be unknown")
	}
}
