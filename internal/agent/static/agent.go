// Package static implements the HTTP crawler agent on top of gocolly.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlquota/internal/agent"
	"github.com/JakeFAU/crawlquota/internal/crawler"
)

// ID identifies the static agent in job records and events.
const ID = "static"

const defaultTimeout = 15 * time.Second

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	MaxBodyBytes  int
}

// Agent crawls auto and static jobs with plain HTTP requests. Each URL gets
// its own collector because colly clones share one http.Client, and the
// timeout and redirect policy are per job. The transport is shared.
type Agent struct {
	cfg       Config
	limiter   Limiter
	clock     crawler.Clock
	transport http.RoundTripper
}

// New builds an Agent. limiter and clock may be nil.
func New(cfg Config, limiter Limiter, clock crawler.Clock) *Agent {
	return &Agent{cfg: cfg, limiter: limiter, clock: clock, transport: newHTTPTransport()}
}

// ID implements crawler.Agent.
func (a *Agent) ID() string { return ID }

// CanHandle accepts auto and static jobs.
func (a *Agent) CanHandle(job crawler.Job) bool {
	switch job.CrawlerType {
	case crawler.CrawlerTypeAuto, crawler.CrawlerTypeStatic, "":
		return true
	default:
		return false
	}
}

// Execute crawls every URL of job.
func (a *Agent) Execute(ctx context.Context, job crawler.Job, observer crawler.URLObserver) []crawler.Result {
	return agent.RunURLs(ctx, job, ID, observer, a.clock, a.fetch)
}

func (a *Agent) fetch(ctx context.Context, job crawler.Job, rawURL string) (agent.Page, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, rawURL); err != nil {
			return agent.Page{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var (
		page     agent.Page
		fetchErr error
	)
	collector := a.buildCollector(job)
	collector.OnResponse(func(r *colly.Response) {
		page = agent.Page{
			StatusCode:  r.StatusCode,
			ContentSize: int64(len(r.Body)),
			Confidence:  agent.Score(r.StatusCode, r.Body),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			page.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	if err := run(ctx, collector, rawURL); err != nil {
		return page, err
	}
	if fetchErr != nil {
		return page, fmt.Errorf("colly response failed: %w", fetchErr)
	}
	return page, nil
}

func (a *Agent) buildCollector(job crawler.Job) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.WithTransport(a.transport)
	if a.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = a.cfg.MaxBodyBytes
	}
	if a.cfg.UserAgent != "" {
		collector.UserAgent = a.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !a.cfg.RespectRobots
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	if !job.FollowRedirects {
		collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})
	}
	return collector
}

func run(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
