package headless

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/crawlquota/internal/agent"
	"github.com/JakeFAU/crawlquota/internal/crawler"
)

func TestNewLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{MaxParallel: -1}, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	a, err := New(Config{MaxParallel: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()
	if cap(a.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(a.limiter))
	}
	if a.cfg.NavigationTimeout != defaultNavigationTimeout {
		t.Fatalf("expected default nav timeout, got %v", a.cfg.NavigationTimeout)
	}
}

func TestCanHandleDynamicOnly(t *testing.T) {
	t.Parallel()

	a := &Agent{}
	if a.ID() != "headless" {
		t.Fatalf("unexpected id %q", a.ID())
	}
	if !a.CanHandle(crawler.Job{CrawlerType: crawler.CrawlerTypeDynamic}) {
		t.Fatal("expected dynamic jobs to be handled")
	}
	for _, ct := range []crawler.CrawlerType{crawler.CrawlerTypeAuto, crawler.CrawlerTypeStatic} {
		if a.CanHandle(crawler.Job{CrawlerType: ct}) {
			t.Fatalf("did not expect %s jobs to be handled", ct)
		}
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	a := &Agent{limiter: make(chan struct{}, 1)}
	if err := a.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.acquire(ctx); err == nil {
		t.Fatal("expected acquire to fail while the only slot is held")
	}
	a.release()
	if err := a.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestOptionsOf(t *testing.T) {
	t.Parallel()

	if got := optionsOf(crawler.Job{}).WaitFor; got != "body" {
		t.Fatalf("expected default selector, got %q", got)
	}
	job := crawler.Job{Config: json.RawMessage(`{"waitFor":"#main"}`)}
	if got := optionsOf(job).WaitFor; got != "#main" {
		t.Fatalf("expected configured selector, got %q", got)
	}
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	if meta.status() != http.StatusOK {
		t.Fatalf("expected 200 fallback, got %d", meta.status())
	}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200},
	})
	if meta.status() != http.StatusNotFound {
		t.Fatalf("expected first document status, got %d", meta.status())
	}
}

func TestRenderedConfidence(t *testing.T) {
	t.Parallel()

	if got := renderedConfidence(200, `<div id="root"><p>hydrated</p></div>`); got != agent.ConfidenceRendered {
		t.Fatalf("expected rendered confidence, got %v", got)
	}
	if got := renderedConfidence(502, "<html></html>"); got != agent.ConfidenceNone {
		t.Fatalf("expected no confidence for errors, got %v", got)
	}
}
