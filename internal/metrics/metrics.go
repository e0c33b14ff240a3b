// Package metrics exposes Prometheus collectors for the results scraper.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Rotation triggers.
const (
	TriggerPeriodic  = "periodic"
	TriggerRateLimit = "rate_limit"
	TriggerError     = "error"
	TriggerStartup   = "startup"
)

// Page statuses.
const (
	PageCommitted   = "committed"
	PageRolledBack  = "rolled_back"
	PageFetchFailed = "fetch_failed"
)

var (
	fetchAttemptsTotal   *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec
	rotationsTotal       *prometheus.CounterVec
	rowsTotal            *prometheus.CounterVec
	pagesTotal           *prometheus.CounterVec
	httpRequestsTotal    *prometheus.CounterVec
	httpDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rallyscraper_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and outcome (ok, rate_limited, http_error, transport_error).",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rallyscraper_fetch_duration_seconds",
				Help:    "Histogram of transport round-trip latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rallyscraper_rotations_total",
				Help: "Egress identity rotations, labeled by trigger and result.",
			},
			[]string{"trigger", "result"},
		)

		rowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rallyscraper_rows_total",
				Help: "Result rows reconciled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rallyscraper_pages_total",
				Help: "Rally pages processed, labeled by status (committed, rolled_back, fetch_failed).",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rallyscraper_http_requests_total",
				Help: "Ops server requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rallyscraper_http_request_duration_seconds",
				Help:    "Ops server request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

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
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt records one transport attempt and its latency.
func ObserveFetchAttempt(rawURL, outcome string, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	fetchAttemptsTotal.WithLabelValues(site, outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	}
}

// ObserveRotation counts a rotation attempt.
func ObserveRotation(trigger string, ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "failed"
	}
	rotationsTotal.WithLabelValues(trigger, result).Inc()
}

// ObserveRows adds n rows with the given outcome.
func ObserveRows(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	rowsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveHTTPRequest records one ops server request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePage counts a processed rally page.
func ObservePage(status string) {
	Init()
	pagesTotal.WithLabelValues(status).Inc()
}

// Push sends the default registry to a Prometheus pushgateway, grouped by run.
func Push(ctx context.Context, gatewayURL, job, runID string) error {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil
	}
	Init()
	pusher := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
