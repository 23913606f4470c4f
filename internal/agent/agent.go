// Package agent selects the crawler agent for a job and runs its URL loop.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/metrics"
)

// Selector holds agents in registration order.
type Selector struct {
	mu     sync.RWMutex
	agents []crawler.Agent
}

// NewSelector registers agents in the given order.
func NewSelector(agents ...crawler.Agent) *Selector {
	s := &Selector{}
	for _, a := range agents {
		s.Register(a)
	}
	return s
}

// Register appends a; nil agents are ignored.
func (s *Selector) Register(a crawler.Agent) {
	if a == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append(s.agents, a)
}

// Select returns the first agent able to handle job.
func (s *Selector) Select(job crawler.Job) (crawler.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.CanHandle(job) {
			return a, true
		}
	}
	return nil, false
}

// IDs lists the registered agent IDs in order.
func (s *Selector) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for _, a := range s.agents {
		ids = append(ids, a.ID())
	}
	return ids
}

// Page is what an agent extracted from one URL.
type Page struct {
	StatusCode  int
	ContentSize int64
	Confidence  float64
}

// FetchFunc crawls a single URL of job.
type FetchFunc func(ctx context.Context, job crawler.Job, rawURL string) (Page, error)

// RunURLs crawls job.URLs in order. Cancellation of ctx is checked between
// URLs only: the URL in flight runs on a context detached from ctx and
// bounded by the job timeout, so it always produces a result.
func RunURLs(
	ctx context.Context,
	job crawler.Job,
	agentID string,
	observer crawler.URLObserver,
	clock crawler.Clock,
	fetch FetchFunc,
) []crawler.Result {
	if observer == nil {
		observer = NopObserver{}
	}
	results := make([]crawler.Result, 0, len(job.URLs))
	for pos, rawURL := range job.URLs {
		if ctx.Err() != nil {
			break
		}
		observer.URLStarted(ctx, job, pos, rawURL)

		res := crawlOne(ctx, job, pos, rawURL, clock, fetch)
		metrics.ObserveAgentURL(agentID, rawURL, res.IsSuccess)
		observer.URLFinished(ctx, job, res)
		results = append(results, res)
	}
	return results
}

func crawlOne(
	ctx context.Context,
	job crawler.Job,
	pos int,
	rawURL string,
	clock crawler.Clock,
	fetch FetchFunc,
) crawler.Result {
	urlCtx := context.WithoutCancel(ctx)
	if timeout := job.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		urlCtx, cancel = context.WithTimeout(urlCtx, timeout)
		defer cancel()
	}

	page, err := fetch(urlCtx, job, rawURL)
	res := crawler.Result{
		JobID:                job.ID,
		URL:                  rawURL,
		Position:             pos,
		StatusCode:           page.StatusCode,
		ContentSize:          page.ContentSize,
		ExtractionConfidence: page.Confidence,
		CrawledAt:            now(clock),
	}
	switch {
	case err != nil:
		res.ErrorMessage = err.Error()
	case page.StatusCode < 200 || page.StatusCode > 299:
		res.ErrorMessage = "unexpected status " + statusText(page.StatusCode)
	default:
		res.IsSuccess = true
	}
	return res
}

func now(clock crawler.Clock) time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock.Now()
}

// NopObserver ignores progress callbacks.
type NopObserver struct{}

// URLStarted implements crawler.URLObserver.
func (NopObserver) URLStarted(context.Context, crawler.Job, int, string) {}

// URLFinished implements crawler.URLObserver.
func (NopObserver) URLFinished(context.Context, crawler.Job, crawler.Result) {}
