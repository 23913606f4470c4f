// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// CrawlerType is the capability a job asks for.
type CrawlerType string

// Supported crawler types.
const (
	CrawlerTypeAuto    CrawlerType = "auto"
	CrawlerTypeStatic  CrawlerType = "static"
	CrawlerTypeDynamic CrawlerType = "dynamic"
)

// MaxURLsPerJob bounds the batch size accepted by admission.
const MaxURLsPerJob = 100

// Job represents the metadata persisted for each admitted crawl request.
type Job struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	URLs            []string        `json:"urls"`
	Status          JobStatus       `json:"status"`
	Priority        int             `json:"priority"`
	CrawlerType     CrawlerType     `json:"crawler_type"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	FollowRedirects bool            `json:"follow_redirects"`
	ExtractImages   bool            `json:"extract_images"`
	ExtractLinks    bool            `json:"extract_links"`
	MaxRetries      int             `json:"max_retries"`
	RetryCount      int             `json:"retry_count"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	FailedAt        *time.Time      `json:"failed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// Timeout returns the per-URL timeout requested by the job.
func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Result is persisted for each crawled URL. Rows are never updated.
type Result struct {
	JobID                string    `json:"job_id"`
	URL                  string    `json:"url"`
	Position             int       `json:"position"`
	IsSuccess            bool      `json:"is_success"`
	StatusCode           int       `json:"status_code"`
	ContentSize          int64     `json:"content_size"`
	ExtractionConfidence float64   `json:"extraction_confidence"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	CrawledAt            time.Time `json:"crawled_at"`
}

// JobDetail is the projection returned by GetJob.
type JobDetail struct {
	Job     Job      `json:"job"`
	Results []Result `json:"results"`
}

// JobSummary is the paged projection returned by GetUserJobs.
type JobSummary struct {
	ID              string      `json:"id"`
	Status          JobStatus   `json:"status"`
	URLCount        int         `json:"url_count"`
	CrawlerType     CrawlerType `json:"crawler_type"`
	Priority        int         `json:"priority"`
	AssignedAgentID string      `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	FailedAt        *time.Time  `json:"failed_at,omitempty"`
}

// Summary projects a job into its list form.
func (j Job) Summary() JobSummary {
	return JobSummary{
		ID:              j.ID,
		Status:          j.Status,
		URLCount:        len(j.URLs),
		CrawlerType:     j.CrawlerType,
		Priority:        j.Priority,
		AssignedAgentID: j.AssignedAgentID,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
		FailedAt:        j.FailedAt,
	}
}

// JobPage is one page of a user's jobs.
type JobPage struct {
	Items    []JobSummary `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// JobFilter narrows ListUserJobs queries.
type JobFilter struct {
	UserID string
	Status *JobStatus
	Limit  int
	Offset int
}

// CancelOutcome is the business result of a cancel request.
type CancelOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	UserID    string
	Attempt   int
	Submitted int64
}
