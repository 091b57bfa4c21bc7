package sinks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/atelier-crawler/internal/progress"
)

// PrometheusSink exports run lifecycle metrics via Prometheus.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	runItems      *prometheus.HistogramVec
	pagesDone     *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_runs_started_total",
			Help: "Crawl runs that have started, by spider.",
		}, []string{"spider"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_runs_completed_total",
			Help: "Crawl runs completed, by spider and terminal status.",
		}, []string{"spider", "status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atelier_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atelier_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"status"}),
		runItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atelier_run_items_scraped",
			Help:    "Records accepted per completed run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"spider"}),
		pagesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_run_pages_total",
			Help: "Listing pages extracted during runs, by spider.",
		}, []string{"spider"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.runItems,
		s.pagesDone,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	spider := evt.Spider
	if spider == "" {
		spider = "unknown"
	}
	switch {
	case evt.Stage == progress.StageRunStart:
		s.runsStarted.WithLabelValues(spider).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case evt.Stage == progress.StagePageDone:
		s.pagesDone.WithLabelValues(spider).Inc()
	case evt.Stage.Terminal():
		status := strings.ToLower(string(evt.Status))
		if status == "" {
			status = strings.ToLower(strings.TrimPrefix(string(evt.Stage), "RUN_"))
		}
		s.runsCompleted.WithLabelValues(spider, status).Inc()
		s.runItems.WithLabelValues(spider).Observe(float64(evt.Items))
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
