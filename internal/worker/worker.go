// Package worker implements the job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/agent"
	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/events"
	"github.com/JakeFAU/crawlquota/internal/metrics"
	"github.com/JakeFAU/crawlquota/internal/queue/memory"
)

// UsageSource tags reconciliation events published by the worker.
const UsageSource = "worker"

// Registry is the job registry surface used during execution.
type Registry interface {
	GetJob(ctx context.Context, jobID, requesterID string) (crawler.JobDetail, error)
	MarkRunning(ctx context.Context, jobID, agentID string) (crawler.Job, error)
	MarkCompleted(ctx context.Context, jobID string, succeeded, failed int) (crawler.Job, error)
	MarkFailed(ctx context.Context, jobID, message string) (crawler.Job, error)
	RecordResult(ctx context.Context, result crawler.Result) error
}

// Deps groups the Worker collaborators.
type Deps struct {
	Queue    crawler.Queue
	Registry Registry
	Selector *agent.Selector
	Tracker  *Tracker
	Emitter  *events.Emitter
	Logger   *zap.Logger
}

// Worker consumes queue items and executes them with the selected agent.
type Worker struct {
	queue    crawler.Queue
	registry Registry
	selector *agent.Selector
	tracker  *Tracker
	emitter  *events.Emitter
	logger   *zap.Logger
}

// New constructs a Worker.
func New(deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Worker{
		queue:    deps.Queue,
		registry: deps.Registry,
		selector: deps.Selector,
		tracker:  tracker,
		emitter:  deps.Emitter,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("user_id", item.UserID))

	detail, err := w.registry.GetJob(ctx, item.JobID, "")
	if err != nil {
		logger.Error("load queued job failed", zap.Error(err))
		return
	}
	job := detail.Job
	if job.Status.IsTerminal() {
		logger.Info("skipping job in terminal state", zap.String("status", string(job.Status)))
		w.reconcile(ctx, job, 0, logger)
		return
	}

	a, ok := w.selector.Select(job)
	agentID := ""
	if ok {
		agentID = a.ID()
	}
	running, err := w.registry.MarkRunning(ctx, job.ID, agentID)
	if err != nil {
		logger.Warn("mark job running failed", zap.Error(err))
		if errors.Is(err, crawler.ErrInvalidTransition) {
			w.reconcile(ctx, job, 0, logger)
		}
		return
	}
	finalCtx := context.WithoutCancel(ctx)
	if !ok {
		msg := fmt.Sprintf("no agent can handle crawler type %q", job.CrawlerType)
		if _, err := w.registry.MarkFailed(finalCtx, job.ID, msg); err != nil {
			logger.Error("mark job failed", zap.Error(err))
		}
		w.reconcile(finalCtx, job, 0, logger)
		return
	}

	results := w.execute(ctx, a, running)

	succeeded := 0
	for _, r := range results {
		if r.IsSuccess {
			succeeded++
		}
	}
	failed := len(results) - succeeded
	logger = logger.With(zap.String("agent_id", agentID), zap.Int("succeeded", succeeded), zap.Int("failed", failed))

	if succeeded > 0 {
		_, err = w.registry.MarkCompleted(finalCtx, job.ID, succeeded, failed)
	} else {
		_, err = w.registry.MarkFailed(finalCtx, job.ID, failureMessage(results))
	}
	switch {
	case errors.Is(err, crawler.ErrInvalidTransition):
		logger.Info("job reached a terminal state during execution")
	case err != nil:
		logger.Error("final job status update failed", zap.Error(err))
	default:
		logger.Info("job finished")
	}
	w.reconcile(finalCtx, job, len(results), logger)
}

func (w *Worker) execute(ctx context.Context, a crawler.Agent, job crawler.Job) []crawler.Result {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	untrack := w.tracker.Track(job.ID, cancel)
	defer untrack()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	return a.Execute(jobCtx, job, &observer{w: w})
}

// reconcile refunds URLs that were reserved at admission but never attempted.
func (w *Worker) reconcile(ctx context.Context, job crawler.Job, attempted int, logger *zap.Logger) {
	delta := attempted - len(job.URLs)
	if delta == 0 {
		return
	}
	err := w.emitter.Emit(ctx, events.TypeCrawlQuotaUsage, job.UserID, events.CrawlQuotaUsage{
		UserID:        job.UserID,
		JobID:         job.ID,
		UnitsConsumed: delta,
		CorrelationID: job.ID,
		OccurredAt:    w.emitter.Now(),
		Source:        UsageSource,
	})
	if err != nil {
		logger.Error("publish usage reconciliation failed", zap.Int("delta", delta), zap.Error(err))
		return
	}
	logger.Info("published usage reconciliation", zap.Int("delta", delta))
}

func failureMessage(results []crawler.Result) string {
	if len(results) == 0 {
		return "no urls were attempted"
	}
	for _, r := range results {
		if r.ErrorMessage != "" {
			return fmt.Sprintf("all %d urls failed; first error: %s", len(results), r.ErrorMessage)
		}
	}
	return fmt.Sprintf("all %d urls failed", len(results))
}

// observer records results and publishes per-URL events. Writes use a
// context detached from the job's cancellation so a finished URL is never
// lost.
type observer struct {
	w *Worker
}

func (o *observer) URLStarted(ctx context.Context, job crawler.Job, position int, rawURL string) {
	ctx = context.WithoutCancel(ctx)
	_ = o.w.emitter.Emit(ctx, events.TypeURLCrawlStarted, job.ID, events.URLCrawlStarted{
		JobID:      job.ID,
		UserID:     job.UserID,
		URL:        rawURL,
		Position:   position,
		AgentID:    job.AssignedAgentID,
		OccurredAt: o.w.emitter.Now(),
	})
}

func (o *observer) URLFinished(ctx context.Context, job crawler.Job, result crawler.Result) {
	ctx = context.WithoutCancel(ctx)
	if err := o.w.registry.RecordResult(ctx, result); err != nil {
		o.w.logger.Error("record result failed",
			zap.String("job_id", job.ID),
			zap.String("url", result.URL),
			zap.Error(err),
		)
	}
	if result.IsSuccess {
		_ = o.w.emitter.Emit(ctx, events.TypeURLCrawlCompleted, job.ID, events.URLCrawlCompleted{
			JobID:                job.ID,
			UserID:               job.UserID,
			URL:                  result.URL,
			Position:             result.Position,
			StatusCode:           result.StatusCode,
			ContentSize:          result.ContentSize,
			ExtractionConfidence: result.ExtractionConfidence,
			OccurredAt:           result.CrawledAt,
		})
		return
	}
	_ = o.w.emitter.Emit(ctx, events.TypeURLCrawlFailed, job.ID, events.URLCrawlFailed{
		JobID:      job.ID,
		UserID:     job.UserID,
		URL:        result.URL,
		Position:   result.Position,
		StatusCode: result.StatusCode,
		Error:      result.ErrorMessage,
		OccurredAt: result.CrawledAt,
	})
}
