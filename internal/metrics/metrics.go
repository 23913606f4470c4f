// Package metrics exposes Prometheus collectors for the crawl quota service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_cache_requests_total",
			Help: "Cache lookups, labeled by result (hit, miss, stampede_prevented, store_error).",
		},
		[]string{"result"},
	)

	admissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_admission_decisions_total",
			Help: "Admission decisions, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	jobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_job_transitions_total",
			Help: "Job state transitions, labeled by target status.",
		},
		[]string{"status"},
	)

	agentURLsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_agent_urls_total",
			Help: "URLs executed by agents, labeled by agent, site and outcome.",
		},
		[]string{"agent", "site", "outcome"},
	)

	usageMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_usage_messages_total",
			Help: "Usage events consumed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	quotaSyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_quota_sync_cycles_total",
			Help: "Quota sync cycles, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	quotaSyncUsersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_quota_sync_users_total",
			Help: "Users reconciled by the quota sync worker, labeled by limit source.",
		},
		[]string{"source"},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_events_published_total",
			Help: "Events published to the bus, labeled by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlquota_active_workers",
			Help: "Number of workers currently executing a job.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlquota_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the per-domain rate limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlquota_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlquota_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCache increments the cache lookup counter.
func ObserveCache(result string) {
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveAdmission increments the admission decision counter.
func ObserveAdmission(outcome string) {
	admissionDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransition increments the job transition counter.
func ObserveTransition(status string) {
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveAgentURL records one executed URL.
func ObserveAgentURL(agent, rawURL string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	agentURLsTotal.WithLabelValues(agent, SanitizeSite(rawURL), outcome).Inc()
}

// ObserveUsageMessage increments the usage consumer counter.
func ObserveUsageMessage(outcome string) {
	usageMessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSyncCycle increments the sync cycle counter.
func ObserveSyncCycle(outcome string) {
	quotaSyncCyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSyncUser increments the reconciled-user counter.
func ObserveSyncUser(source string) {
	quotaSyncUsersTotal.WithLabelValues(source).Inc()
}

// ObservePublish increments the published event counter.
func ObservePublish(eventType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	eventsPublishedTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveRateLimitDelay records a limiter wait for a host.
func ObserveRateLimitDelay(site string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
