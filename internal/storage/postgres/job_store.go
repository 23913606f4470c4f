package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlquota/internal/crawler"
)

const jobColumns = `id, user_id, urls, status, priority, crawler_type, timeout_seconds,
	follow_redirects, extract_images, extract_links, max_retries, retry_count,
	assigned_agent_id, config, created_at, started_at, completed_at, failed_at, error_message`

const (
	insertJobSQL = `INSERT INTO crawl_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	selectJobSQL = `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id = $1`

	updateJobSQL = `UPDATE crawl_jobs
SET status = $2, assigned_agent_id = $3, retry_count = $4, started_at = $5,
	completed_at = $6, failed_at = $7, error_message = $8
WHERE id = $1 AND status = $9`

	jobStatusSQL = `SELECT status FROM crawl_jobs WHERE id = $1`

	countUserJobsSQL = `SELECT count(*) FROM crawl_jobs WHERE user_id = $1 AND ($2 = '' OR status = $2)`

	listUserJobsSQL = `SELECT ` + jobColumns + ` FROM crawl_jobs
WHERE user_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`

	countActiveJobsSQL = `SELECT count(*) FROM crawl_jobs WHERE user_id = $1 AND status IN ('pending', 'running')`

	insertResultSQL = `INSERT INTO crawl_results (job_id, position, url, is_success, status_code,
	content_size, extraction_confidence, error_message, crawled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	listResultsSQL = `SELECT job_id, position, url, is_success, status_code, content_size,
	extraction_confidence, error_message, crawled_at
FROM crawl_results WHERE job_id = $1 ORDER BY position`
)

// JobStore persists crawl jobs and their results.
type JobStore struct {
	db querier
}

var _ crawler.JobStore = (*JobStore)(nil)

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	_, err := s.db.Exec(ctx, insertJobSQL,
		job.ID, job.UserID, job.URLs, string(job.Status), job.Priority, string(job.CrawlerType),
		job.TimeoutSeconds, job.FollowRedirects, job.ExtractImages, job.ExtractLinks,
		job.MaxRetries, job.RetryCount, job.AssignedAgentID, nullableJSON(job.Config),
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.FailedAt, job.ErrorMessage,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return crawler.Conflict("job " + job.ID + " already exists")
		}
		return crawler.Transient("insert job", err)
	}
	return nil
}

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, selectJobSQL, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.NotFound("job " + jobID)
	}
	if err != nil {
		return crawler.Job{}, crawler.Transient("select job", err)
	}
	return job, nil
}

// UpdateJob writes the mutable status fields when the stored status still
// equals expected.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.Job, expected crawler.JobStatus) error {
	tag, err := s.db.Exec(ctx, updateJobSQL,
		job.ID, string(job.Status), job.AssignedAgentID, job.RetryCount,
		job.StartedAt, job.CompletedAt, job.FailedAt, job.ErrorMessage, string(expected),
	)
	if err != nil {
		return crawler.Transient("update job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, jobStatusSQL, job.ID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return crawler.NotFound("job " + job.ID)
	case err != nil:
		return crawler.Transient("select job status", err)
	}
	return crawler.Conflict("job " + job.ID + " is " + current)
}

// ListUserJobs pages through a user's jobs newest first and reports the
// unpaged total.
func (s *JobStore) ListUserJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	status := ""
	if filter.Status != nil {
		status = string(*filter.Status)
	}

	var total int
	if err := s.db.QueryRow(ctx, countUserJobsSQL, filter.UserID, status).Scan(&total); err != nil {
		return nil, 0, crawler.Transient("count user jobs", err)
	}

	rows, err := s.db.Query(ctx, listUserJobsSQL, filter.UserID, status, filter.Limit, max(filter.Offset, 0))
	if err != nil {
		return nil, 0, crawler.Transient("list user jobs", err)
	}
	defer rows.Close()

	jobs := make([]crawler.Job, 0, filter.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, crawler.Transient("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, crawler.Transient("iterate jobs", err)
	}
	return jobs, total, nil
}

// CountActiveJobs counts the user's pending and running jobs.
func (s *JobStore) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, countActiveJobsSQL, userID).Scan(&n); err != nil {
		return 0, crawler.Transient("count active jobs", err)
	}
	return n, nil
}

// AppendResult inserts an immutable per-URL result.
func (s *JobStore) AppendResult(ctx context.Context, r crawler.Result) error {
	_, err := s.db.Exec(ctx, insertResultSQL,
		r.JobID, r.Position, r.URL, r.IsSuccess, r.StatusCode,
		r.ContentSize, r.ExtractionConfidence, r.ErrorMessage, r.CrawledAt,
	)
	switch pgCode(err) {
	case "":
	case codeForeignKeyViolation:
		return crawler.NotFound("job " + r.JobID)
	case codeUniqueViolation:
		return crawler.Conflict(fmt.Sprintf("result %d of job %s already recorded", r.Position, r.JobID))
	}
	if err != nil {
		return crawler.Transient("insert result", err)
	}
	return nil
}

// ListResults returns a job's results ordered by position.
func (s *JobStore) ListResults(ctx context.Context, jobID string) ([]crawler.Result, error) {
	rows, err := s.db.Query(ctx, listResultsSQL, jobID)
	if err != nil {
		return nil, crawler.Transient("list results", err)
	}
	defer rows.Close()

	results := make([]crawler.Result, 0)
	for rows.Next() {
		var r crawler.Result
		if err := rows.Scan(
			&r.JobID, &r.Position, &r.URL, &r.IsSuccess, &r.StatusCode,
			&r.ContentSize, &r.ExtractionConfidence, &r.ErrorMessage, &r.CrawledAt,
		); err != nil {
			return nil, crawler.Transient("scan result", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Transient("iterate results", err)
	}
	return results, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job         crawler.Job
		status      string
		crawlerType string
		config      []byte
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.URLs, &status, &job.Priority, &crawlerType,
		&job.TimeoutSeconds, &job.FollowRedirects, &job.ExtractImages, &job.ExtractLinks,
		&job.MaxRetries, &job.RetryCount, &job.AssignedAgentID, &config,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.FailedAt, &job.ErrorMessage,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	job.CrawlerType = crawler.CrawlerType(crawlerType)
	if len(config) > 0 {
		job.Config = config
	}
	return job, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
