// Package admission validates crawl requests and admits them against the
// user's quota, the active-job cap and the domain policy.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/events"
	"github.com/JakeFAU/crawlquota/internal/metrics"
	"github.com/JakeFAU/crawlquota/internal/quota"
)

const maxPriority = 10

// DomainPolicy decides whether a user may crawl a URL.
type DomainPolicy interface {
	IsAllowed(ctx context.Context, rawURL, tier, role string) (bool, error)
}

// QuotaLedger is the ledger surface used during admission.
type QuotaLedger interface {
	Account(ctx context.Context, userID string) (quota.Account, error)
	Check(ctx context.Context, userID string, units int) (quota.Account, error)
	Reserve(ctx context.Context, userID string, units int) (quota.Account, error)
}

// Jobs is the registry surface used during admission.
type Jobs interface {
	Create(ctx context.Context, job crawler.Job) error
	CountActive(ctx context.Context, userID string) (int, error)
	CancelJob(ctx context.Context, jobID, requesterID string) (crawler.CancelOutcome, error)
}

// Enqueuer hands admitted jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// Limits bounds accepted requests.
type Limits struct {
	MaxURLs               int
	MinTimeoutSeconds     int
	MaxTimeoutSeconds     int
	DefaultTimeoutSeconds int
	MaxRetriesLimit       int
	ActiveJobCaps         map[string]int
	DefaultActiveJobCap   int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxURLs:               crawler.MaxURLsPerJob,
		MinTimeoutSeconds:     1,
		MaxTimeoutSeconds:     300,
		DefaultTimeoutSeconds: 30,
		MaxRetriesLimit:       5,
		DefaultActiveJobCap:   3,
	}
}

func (l Limits) activeCap(tier string) int {
	if n, ok := l.ActiveJobCaps[strings.ToLower(tier)]; ok {
		return n
	}
	return l.DefaultActiveJobCap
}

// StartJobRequest is a client's crawl request.
type StartJobRequest struct {
	UserID          string              `json:"-"`
	URLs            []string            `json:"urls"`
	Priority        int                 `json:"priority"`
	CrawlerType     crawler.CrawlerType `json:"crawler_type"`
	TimeoutSeconds  int                 `json:"timeout_seconds"`
	FollowRedirects bool                `json:"follow_redirects"`
	ExtractImages   bool                `json:"extract_images"`
	ExtractLinks    bool                `json:"extract_links"`
	MaxRetries      int                 `json:"max_retries"`
	Config          json.RawMessage     `json:"config,omitempty"`
}

// StartJobResponse acknowledges an admitted job.
type StartJobResponse struct {
	JobID     string            `json:"job_id"`
	Status    crawler.JobStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// Controller admits jobs.
type Controller struct {
	ledger  QuotaLedger
	jobs    Jobs
	policy  DomainPolicy
	queue   Enqueuer
	emitter *events.Emitter
	ids     crawler.IDGenerator
	clock   crawler.Clock
	limits  Limits
	logger  *zap.Logger
}

// Deps groups the Controller collaborators.
type Deps struct {
	Ledger  QuotaLedger
	Jobs    Jobs
	Policy  DomainPolicy
	Queue   Enqueuer
	Emitter *events.Emitter
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// New wires a Controller.
func New(deps Deps, limits Limits) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		ledger:  deps.Ledger,
		jobs:    deps.Jobs,
		policy:  deps.Policy,
		queue:   deps.Queue,
		emitter: deps.Emitter,
		ids:     deps.IDs,
		clock:   deps.Clock,
		limits:  limits,
		logger:  logger,
	}
}

// StartJob validates and admits a job. On success the job is persisted as
// pending, the URL count is reserved from the user's quota and the job is
// queued for execution.
//
// The quota check and the reservation are separate steps. Two concurrent
// admissions for one user can both pass the check; the clamp on reserve
// keeps Used at or below Limit.
func (c *Controller) StartJob(ctx context.Context, req StartJobRequest) (StartJobResponse, error) {
	resp, err := c.startJob(ctx, req)
	metrics.ObserveAdmission(outcome(err))
	return resp, err
}

func (c *Controller) startJob(ctx context.Context, req StartJobRequest) (StartJobResponse, error) {
	req, err := c.Validate(req)
	if err != nil {
		return StartJobResponse{}, err
	}
	logger := c.logger.With(zap.String("user_id", req.UserID), zap.Int("urls", len(req.URLs)))

	acct, err := c.ledger.Account(ctx, req.UserID)
	if err != nil {
		return StartJobResponse{}, err
	}
	active, err := c.jobs.CountActive(ctx, req.UserID)
	if err != nil {
		return StartJobResponse{}, crawler.Transient("count active jobs", err)
	}
	if limit := c.limits.activeCap(acct.Tier); active >= limit {
		logger.Info("admission refused: active job cap", zap.Int("active", active), zap.Int("cap", limit))
		return StartJobResponse{}, crawler.QuotaExceeded("active jobs")
	}

	required := len(req.URLs)
	if _, err := c.ledger.Check(ctx, req.UserID, required); err != nil {
		if errors.Is(err, crawler.ErrQuotaExceeded) {
			logger.Info("admission refused: link quota", zap.Int("remaining", acct.Remaining()))
		}
		return StartJobResponse{}, err
	}

	for _, u := range req.URLs {
		allowed, err := c.policy.IsAllowed(ctx, u, acct.Tier, acct.Role)
		if err != nil {
			return StartJobResponse{}, crawler.Transient("domain policy", err)
		}
		if !allowed {
			logger.Info("admission refused: domain policy", zap.String("url", u))
			return StartJobResponse{}, crawler.DomainPolicyViolation(u)
		}
	}

	job, err := c.newJob(req)
	if err != nil {
		return StartJobResponse{}, err
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		return StartJobResponse{}, crawler.Transient("persist job", err)
	}
	logger = logger.With(zap.String("job_id", job.ID))

	// The job record exists and execution is driven by the local queue, so
	// a failed announcement is not fatal.
	_ = c.emitter.Emit(ctx, events.TypeJobStarted, job.ID, events.JobStarted{
		JobID:       job.ID,
		UserID:      job.UserID,
		URLCount:    len(job.URLs),
		CrawlerType: job.CrawlerType,
		Priority:    job.Priority,
		OccurredAt:  job.CreatedAt,
	})

	after, err := c.ledger.Reserve(ctx, req.UserID, required)
	if err != nil {
		c.abandon(ctx, job, 0, logger)
		return StartJobResponse{}, err
	}
	_ = c.emitter.Emit(ctx, events.TypeQuotaDeducted, job.UserID, events.QuotaDeducted{
		UserID:     job.UserID,
		JobID:      job.ID,
		Units:      required,
		Used:       after.Used,
		Limit:      after.Limit,
		OccurredAt: c.clock.Now(),
	})

	item := crawler.QueueItem{JobID: job.ID, UserID: job.UserID, Attempt: 1, Submitted: job.CreatedAt.UnixNano()}
	if err := c.queue.Enqueue(ctx, item); err != nil {
		c.abandon(ctx, job, required, logger)
		return StartJobResponse{}, crawler.Transient("enqueue job", err)
	}

	logger.Info("job admitted", zap.Int("used", after.Used), zap.Int("limit", after.Limit))
	return StartJobResponse{JobID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt}, nil
}

// abandon cancels a persisted job that could not be fully admitted and
// returns any reserved units.
func (c *Controller) abandon(ctx context.Context, job crawler.Job, reserved int, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.jobs.CancelJob(ctx, job.ID, job.UserID); err != nil {
		logger.Error("failed to cancel partially admitted job", zap.Error(err))
	}
	if reserved > 0 {
		if _, err := c.ledger.Reserve(ctx, job.UserID, -reserved); err != nil {
			logger.Error("failed to refund reserved quota", zap.Int("units", reserved), zap.Error(err))
		}
	}
}

func (c *Controller) newJob(req StartJobRequest) (crawler.Job, error) {
	id, err := c.ids.NewID()
	if err != nil {
		return crawler.Job{}, crawler.Transient("generate job id", err)
	}
	return crawler.Job{
		ID:              id,
		UserID:          req.UserID,
		URLs:            append([]string(nil), req.URLs...),
		Status:          crawler.JobStatusPending,
		Priority:        req.Priority,
		CrawlerType:     req.CrawlerType,
		TimeoutSeconds:  req.TimeoutSeconds,
		FollowRedirects: req.FollowRedirects,
		ExtractImages:   req.ExtractImages,
		ExtractLinks:    req.ExtractLinks,
		MaxRetries:      req.MaxRetries,
		Config:          req.Config,
		CreatedAt:       c.clock.Now(),
	}, nil
}

// Validate checks req without side effects and returns it with defaults
// applied.
func (c *Controller) Validate(req StartJobRequest) (StartJobRequest, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return req, crawler.Validation("user id is required")
	}
	if len(req.URLs) == 0 {
		return req, crawler.Validation("at least one url is required")
	}
	if len(req.URLs) > c.limits.MaxURLs {
		return req, crawler.Validation(fmt.Sprintf("at most %d urls are allowed, got %d", c.limits.MaxURLs, len(req.URLs)))
	}
	for i, raw := range req.URLs {
		if err := validateURL(raw); err != nil {
			return req, crawler.Validation(fmt.Sprintf("urls[%d]: %v", i, err))
		}
	}

	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = c.limits.DefaultTimeoutSeconds
	}
	if req.TimeoutSeconds < c.limits.MinTimeoutSeconds || req.TimeoutSeconds > c.limits.MaxTimeoutSeconds {
		return req, crawler.Validation(fmt.Sprintf("timeout_seconds must be within [%d, %d]",
			c.limits.MinTimeoutSeconds, c.limits.MaxTimeoutSeconds))
	}
	if req.MaxRetries < 0 || req.MaxRetries > c.limits.MaxRetriesLimit {
		return req, crawler.Validation(fmt.Sprintf("max_retries must be within [0, %d]", c.limits.MaxRetriesLimit))
	}
	if req.Priority < 0 || req.Priority > maxPriority {
		return req, crawler.Validation(fmt.Sprintf("priority must be within [0, %d]", maxPriority))
	}

	switch req.CrawlerType {
	case "":
		req.CrawlerType = crawler.CrawlerTypeAuto
	case crawler.CrawlerTypeAuto, crawler.CrawlerTypeStatic, crawler.CrawlerTypeDynamic:
	default:
		return req, crawler.Validation(fmt.Sprintf("unknown crawler_type %q", req.CrawlerType))
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return req, crawler.Validation("config must be valid JSON")
	}
	return req, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "admitted"
	}
	if kind := crawler.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
