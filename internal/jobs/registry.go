// Package jobs owns the crawl job registry and its state machine.
package jobs

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/events"
	"github.com/JakeFAU/crawlquota/internal/metrics"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	casAttempts     = 3
)

// Canceller signals a running job's execution to stop.
type Canceller interface {
	Cancel(jobID string) bool
}

// Registry persists jobs and enforces legal status transitions. Every write
// is a compare-and-set on the status read just before it, so a terminal
// status written concurrently is never overwritten.
type Registry struct {
	store   crawler.JobStore
	emitter *events.Emitter
	clock   crawler.Clock
	logger  *zap.Logger

	mu        sync.RWMutex
	canceller Canceller
}

// New constructs a Registry.
func New(store crawler.JobStore, emitter *events.Emitter, clock crawler.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, emitter: emitter, clock: clock, logger: logger}
}

// SetCanceller installs the hook used to stop running executions.
func (r *Registry) SetCanceller(c Canceller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceller = c
}

// Create persists a new pending job.
func (r *Registry) Create(ctx context.Context, job crawler.Job) error {
	if job.Status != crawler.JobStatusPending {
		return crawler.InvalidTransition("", job.Status)
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return err
	}
	metrics.ObserveTransition(string(crawler.JobStatusPending))
	return nil
}

// CancelJob cancels a pending or running job owned by requesterID. Cancelling
// a job that already reached a terminal status is reported through the
// outcome and leaves the job untouched.
func (r *Registry) CancelJob(ctx context.Context, jobID, requesterID string) (crawler.CancelOutcome, error) {
	for attempt := 0; ; attempt++ {
		job, err := r.load(ctx, jobID)
		if err != nil {
			return crawler.CancelOutcome{}, err
		}
		if job.UserID != requesterID {
			return crawler.CancelOutcome{}, crawler.Unauthorized("job belongs to another user")
		}
		if job.Status.IsTerminal() {
			return crawler.CancelOutcome{Success: false, Message: "already " + string(job.Status)}, nil
		}

		from := job.Status
		job.Status = crawler.JobStatusCancelled
		err = r.store.UpdateJob(ctx, job, from)
		if errors.Is(err, crawler.ErrConflict) && attempt+1 < casAttempts {
			continue
		}
		if err != nil {
			return crawler.CancelOutcome{}, r.wrap("cancel job", err)
		}

		r.signalCancel(jobID)
		r.afterTransition(ctx, job, from)
		return crawler.CancelOutcome{Success: true, Message: "cancelled"}, nil
	}
}

// GetJob returns the job and its results. A non-empty requesterID must own
// the job.
func (r *Registry) GetJob(ctx context.Context, jobID, requesterID string) (crawler.JobDetail, error) {
	job, err := r.load(ctx, jobID)
	if err != nil {
		return crawler.JobDetail{}, err
	}
	if requesterID != "" && job.UserID != requesterID {
		return crawler.JobDetail{}, crawler.Unauthorized("job belongs to another user")
	}
	results, err := r.store.ListResults(ctx, jobID)
	if err != nil {
		return crawler.JobDetail{}, r.wrap("list results", err)
	}
	return crawler.JobDetail{Job: job, Results: results}, nil
}

// GetUserJobs returns one page of the user's jobs, newest first.
func (r *Registry) GetUserJobs(
	ctx context.Context,
	userID string,
	status *crawler.JobStatus,
	page, pageSize int,
) (crawler.JobPage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = defaultPageSize
	case pageSize > maxPageSize:
		pageSize = maxPageSize
	}
	jobs, total, err := r.store.ListUserJobs(ctx, crawler.JobFilter{
		UserID: userID,
		Status: status,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return crawler.JobPage{}, r.wrap("list user jobs", err)
	}
	items := make([]crawler.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, j.Summary())
	}
	return crawler.JobPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// CountActive counts the user's pending and running jobs.
func (r *Registry) CountActive(ctx context.Context, userID string) (int, error) {
	n, err := r.store.CountActiveJobs(ctx, userID)
	if err != nil {
		return 0, r.wrap("count active jobs", err)
	}
	return n, nil
}

// MarkRunning moves a pending job to running on agentID.
func (r *Registry) MarkRunning(ctx context.Context, jobID, agentID string) (crawler.Job, error) {
	return r.transition(ctx, jobID, crawler.JobStatusRunning, func(j *crawler.Job) {
		now := r.clock.Now()
		j.StartedAt = &now
		j.AssignedAgentID = agentID
	})
}

// MarkCompleted finishes a running job and announces the outcome counts.
func (r *Registry) MarkCompleted(ctx context.Context, jobID string, succeeded, failed int) (crawler.Job, error) {
	job, err := r.transition(ctx, jobID, crawler.JobStatusCompleted, func(j *crawler.Job) {
		now := r.clock.Now()
		j.CompletedAt = &now
	})
	if err != nil {
		return job, err
	}
	_ = r.emitter.Emit(ctx, events.TypeJobCompleted, job.ID, events.JobCompleted{
		JobID:      job.ID,
		UserID:     job.UserID,
		Succeeded:  succeeded,
		Failed:     failed,
		OccurredAt: *job.CompletedAt,
	})
	return job, nil
}

// MarkFailed fails a running job and reports whether a retry is due.
func (r *Registry) MarkFailed(ctx context.Context, jobID, message string) (crawler.Job, error) {
	job, err := r.transition(ctx, jobID, crawler.JobStatusFailed, func(j *crawler.Job) {
		now := r.clock.Now()
		j.FailedAt = &now
		j.ErrorMessage = message
	})
	if err != nil {
		return job, err
	}
	_ = r.emitter.Emit(ctx, events.TypeCrawlerFailed, job.ID, events.CrawlerFailed{
		JobID:      job.ID,
		UserID:     job.UserID,
		AgentID:    job.AssignedAgentID,
		Error:      message,
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		WillRetry:  job.RetryCount < job.MaxRetries,
		OccurredAt: *job.FailedAt,
	})
	return job, nil
}

// RecordResult appends an immutable per-URL result.
func (r *Registry) RecordResult(ctx context.Context, result crawler.Result) error {
	if err := r.store.AppendResult(ctx, result); err != nil {
		return r.wrap("record result", err)
	}
	return nil
}

func (r *Registry) transition(
	ctx context.Context,
	jobID string,
	to crawler.JobStatus,
	mutate func(*crawler.Job),
) (crawler.Job, error) {
	for attempt := 0; ; attempt++ {
		job, err := r.load(ctx, jobID)
		if err != nil {
			return crawler.Job{}, err
		}
		from := job.Status
		if !crawler.CanTransition(from, to) {
			return job, crawler.InvalidTransition(from, to)
		}
		mutate(&job)
		job.Status = to
		err = r.store.UpdateJob(ctx, job, from)
		if errors.Is(err, crawler.ErrConflict) && attempt+1 < casAttempts {
			continue
		}
		if err != nil {
			return crawler.Job{}, r.wrap("update job", err)
		}
		r.afterTransition(ctx, job, from)
		return job, nil
	}
}

func (r *Registry) afterTransition(ctx context.Context, job crawler.Job, from crawler.JobStatus) {
	metrics.ObserveTransition(string(job.Status))
	r.logger.Debug("job transition",
		zap.String("job_id", job.ID),
		zap.String("from", string(from)),
		zap.String("to", string(job.Status)),
	)
	_ = r.emitter.Emit(ctx, events.TypeJobStatusChanged, job.ID, events.JobStatusChanged{
		JobID:      job.ID,
		UserID:     job.UserID,
		From:       from,
		To:         job.Status,
		AgentID:    job.AssignedAgentID,
		Message:    job.ErrorMessage,
		OccurredAt: r.clock.Now(),
	})
}

func (r *Registry) signalCancel(jobID string) {
	r.mu.RLock()
	c := r.canceller
	r.mu.RUnlock()
	if c != nil && c.Cancel(jobID) {
		r.logger.Info("signalled running job to stop", zap.String("job_id", jobID))
	}
}

func (r *Registry) load(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, r.wrap("load job", err)
	}
	return job, nil
}

// wrap leaves typed errors intact and marks everything else transient.
func (r *Registry) wrap(op string, err error) error {
	if crawler.KindOf(err) != "" {
		return err
	}
	return crawler.Transient(op, err)
}
