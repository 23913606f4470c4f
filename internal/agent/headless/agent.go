// Package headless implements the JavaScript-rendering crawler agent using
// chromedp and headless Chrome.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/crawlquota/internal/agent"
	"github.com/JakeFAU/crawlquota/internal/crawler"
)

// ID identifies the headless agent in job records and events.
const ID = "headless"

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultWaitSelector      = "body"
	settleDelay              = 500 * time.Millisecond
)

// Config controls the browser pool.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Agent renders dynamic jobs in headless Chrome.
type Agent struct {
	cfg         Config
	clock       crawler.Clock
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates the agent and its browser allocator. Chrome itself starts
// lazily on the first navigation.
func New(cfg Config, clock crawler.Clock) (*Agent, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Agent{
		cfg:         cfg,
		clock:       clock,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (a *Agent) Close() {
	a.allocCancel()
}

// ID implements crawler.Agent.
func (a *Agent) ID() string { return ID }

// CanHandle accepts dynamic jobs only.
func (a *Agent) CanHandle(job crawler.Job) bool {
	return job.CrawlerType == crawler.CrawlerTypeDynamic
}

// Execute renders every URL of job.
func (a *Agent) Execute(ctx context.Context, job crawler.Job, observer crawler.URLObserver) []crawler.Result {
	return agent.RunURLs(ctx, job, ID, observer, a.clock, a.render)
}

// renderOptions are read from the job's free-form config.
type renderOptions struct {
	WaitFor string `json:"waitFor"`
}

func optionsOf(job crawler.Job) renderOptions {
	opts := renderOptions{WaitFor: defaultWaitSelector}
	if len(job.Config) == 0 {
		return opts
	}
	var parsed renderOptions
	if err := json.Unmarshal(job.Config, &parsed); err == nil && parsed.WaitFor != "" {
		opts.WaitFor = parsed.WaitFor
	}
	return opts
}

func (a *Agent) render(ctx context.Context, job crawler.Job, rawURL string) (agent.Page, error) {
	if err := a.acquire(ctx); err != nil {
		return agent.Page{}, err
	}
	defer a.release()

	taskCtx, taskCancel := chromedp.NewContext(a.allocator)
	defer taskCancel()
	// Stop the tab when the per-URL context ends.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, a.cfg.NavigationTimeout)
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var html string
	actions := []chromedp.Action{
		a.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(optionsOf(job).WaitFor, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return agent.Page{StatusCode: meta.statusOrZero()}, fmt.Errorf("chromedp run: %w", err)
	}

	status := meta.status()
	return agent.Page{
		StatusCode:  status,
		ContentSize: int64(len(html)),
		Confidence:  renderedConfidence(status, html),
	}, nil
}

// renderedConfidence trusts a rendered DOM more than a raw fetch, except
// when the page is empty or errored.
func renderedConfidence(status int, html string) float64 {
	if agent.Score(status, []byte(html)) == agent.ConfidenceNone {
		return agent.ConfidenceNone
	}
	return agent.ConfidenceRendered
}

func (a *Agent) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (a *Agent) acquire(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	select {
	case a.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (a *Agent) release() {
	if a.limiter == nil {
		return
	}
	select {
	case <-a.limiter:
	default:
	}
}

// responseMeta records the main document's status code.
type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	if m.code == 0 {
		m.code = int(resp.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) statusOrZero() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

// status falls back to 200 when no document response was observed, which
// happens for pages served from the browser cache.
func (m *responseMeta) status() int {
	if code := m.statusOrZero(); code != 0 {
		return code
	}
	return http.StatusOK
}
