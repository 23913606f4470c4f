package crawler

import (
	"context"
	"time"
)

// JobStore persists jobs and their per-URL results.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJob writes the mutable status fields of job, provided the stored
	// status still equals expected. It returns ErrConflict otherwise.
	UpdateJob(ctx context.Context, job Job, expected JobStatus) error
	ListUserJobs(ctx context.Context, filter JobFilter) ([]Job, int, error)
	CountActiveJobs(ctx context.Context, userID string) (int, error)
	AppendResult(ctx context.Context, result Result) error
	ListResults(ctx context.Context, jobID string) ([]Result, error)
}

// Queue provides enqueue/dequeue semantics for admitted jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Agent executes a whole job. Implementations are tried in registration
// order and the first whose CanHandle returns true runs every URL.
type Agent interface {
	ID() string
	CanHandle(job Job) bool
	Execute(ctx context.Context, job Job, observer URLObserver) []Result
}

// URLObserver receives per-URL progress from an executing agent.
type URLObserver interface {
	URLStarted(ctx context.Context, job Job, position int, url string)
	URLFinished(ctx context.Context, job Job, result Result)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
