// Package metrics exposes Prometheus collectors for the atelier crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	pagesRenderedTotal         *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	itemsExtractedTotal        *prometheus.CounterVec
	ingestBatchesTotal         *prometheus.CounterVec
	ingestAcceptedTotal        prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		pagesRenderedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_pages_rendered_total",
				Help: "Listing pages rendered, labeled by spider and result.",
			},
			[]string{"spider", "result"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atelier_render_duration_seconds",
				Help:    "Wall time to render one listing page including scrolling.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"spider"},
		)

		itemsExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_items_extracted_total",
				Help: "Listing items seen during extraction, labeled by outcome (accepted, rejected, duplicate).",
			},
			[]string{"spider", "outcome"},
		)

		ingestBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_ingest_batches_total",
				Help: "Ingestion batches submitted to the store, labeled by result.",
			},
			[]string{"result"},
		)

		ingestAcceptedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "atelier_ingest_records_accepted_total",
				Help: "Records newly created in the store.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "atelier_active_workers",
				Help: "Number of workers currently executing a run.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atelier_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_robots_fallback_total",
				Help: "robots.txt fetches that kept failing and were treated as allow-all.",
			},
			[]string{"domain"},
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

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRender records one page render attempt.
func ObserveRender(spider string, err error, duration time.Duration) {
	Init()
	result := "success"
	if err != nil {
		result = "error"
	}
	pagesRenderedTotal.WithLabelValues(spider, result).Inc()
	if err == nil {
		renderDurationSeconds.WithLabelValues(spider).Observe(duration.Seconds())
	}
}

// ObserveExtraction adds per-page extraction outcomes.
func ObserveExtraction(spider string, accepted, rejected, duplicates int) {
	Init()
	itemsExtractedTotal.WithLabelValues(spider, "accepted").Add(float64(accepted))
	itemsExtractedTotal.WithLabelValues(spider, "rejected").Add(float64(rejected))
	itemsExtractedTotal.WithLabelValues(spider, "duplicate").Add(float64(duplicates))
}

// ObserveBatch records one ingestion batch outcome.
func ObserveBatch(err error, accepted int) {
	Init()
	if err != nil {
		ingestBatchesTotal.WithLabelValues("error").Inc()
		return
	}
	ingestBatchesTotal.WithLabelValues("success").Inc()
	ingestAcceptedTotal.Add(float64(accepted))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt fetch replaced by allow-all.
func ObserveRobotsFallback(domain string) {
	Init()
	robotsFallbackTotal.WithLabelValues(domain).Inc()
}
