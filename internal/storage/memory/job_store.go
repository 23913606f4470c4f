package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/crawlquota/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]crawler.Job
	results map[string][]crawler.Result
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]crawler.Job),
		results: make(map[string][]crawler.Result),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawler.Conflict("job already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces the job when the stored status equals expected.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job, expected crawler.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return crawler.NotFound("job " + job.ID)
	}
	if current.Status != expected {
		return crawler.Conflict("job " + job.ID + " is " + string(current.Status))
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.NotFound("job " + jobID)
	}
	return cloneJob(job), nil
}

// ListUserJobs returns the user's jobs newest first plus the unpaged total.
func (s *JobStore) ListUserJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	s.mu.RLock()
	matched := make([]crawler.Job, 0)
	for _, job := range s.jobs {
		if job.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

// CountActiveJobs counts the user's non-terminal jobs.
func (s *JobStore) CountActiveJobs(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.UserID == userID && !job.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// AppendResult appends an immutable per-URL result.
func (s *JobStore) AppendResult(_ context.Context, result crawler.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[result.JobID]; !ok {
		return crawler.NotFound("job " + result.JobID)
	}
	s.results[result.JobID] = append(s.results[result.JobID], result)
	return nil
}

// ListResults returns a copy of the job's results ordered by position.
func (s *JobStore) ListResults(_ context.Context, jobID string) ([]crawler.Result, error) {
	s.mu.RLock()
	results := s.results[jobID]
	out := make([]crawler.Result, len(results))
	copy(out, results)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func cloneJob(job crawler.Job) crawler.Job {
	job.URLs = append([]string(nil), job.URLs...)
	if job.Config != nil {
		job.Config = append([]byte(nil), job.Config...)
	}
	return job
}
