// Package worker executes queued crawl runs: walk the listing, ingest what was
// found and record the terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/ingest"
	"github.com/JakeFAU/atelier-crawler/internal/metrics"
	"github.com/JakeFAU/atelier-crawler/internal/progress"
	"github.com/JakeFAU/atelier-crawler/internal/spider"
	"github.com/JakeFAU/atelier-crawler/internal/tracker"
	"github.com/JakeFAU/atelier-crawler/internal/walker"
)

const (
	defaultBudget        = 1800 * time.Second
	defaultIngestTimeout = 2 * time.Minute
	dequeueBackoff       = 250 * time.Millisecond
)

var tracer = otel.Tracer("github.com/JakeFAU/atelier-crawler/internal/worker")

// Config controls Worker behavior.
type Config struct {
	// Budget is the hard wall-clock limit for the walk of one run.
	Budget time.Duration
	// IngestTimeout bounds ingestion, which runs after the budget is spent.
	IngestTimeout time.Duration
}

// Spiders resolves spider names.
type Spiders interface {
	Lookup(name string) (spider.Spider, error)
}

// Walker crawls one spider.
type Walker interface {
	Walk(ctx context.Context, sp spider.Spider, opts walker.Options) (walker.Result, error)
}

// Ingester stores crawled records.
type Ingester interface {
	Submit(ctx context.Context, records []crawler.Record) ingest.Result
}

// Worker consumes queue items and executes the crawl pipeline.
type Worker struct {
	queue    crawler.Queue
	spiders  Spiders
	walker   Walker
	ingester Ingester
	tracker  *tracker.Tracker
	emitter  progress.Emitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. queue may be nil when runs are only driven
// through Process; emitter may be nil.
func New(
	queue crawler.Queue,
	spiders Spiders,
	w Walker,
	ingester Ingester,
	runs *tracker.Tracker,
	emitter progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = defaultBudget
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = defaultIngestTimeout
	}
	return &Worker{
		queue:    queue,
		spiders:  spiders,
		walker:   w,
		ingester: ingester,
		tracker:  runs,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID), zap.String("spider", item.Spider))
		w.Process(ctx, item)
	}
}

// Process executes one run to a terminal status and returns the final run.
// It never panics and never returns an error: every failure ends as a FAILED
// or TIMEOUT run.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) (final crawler.Run) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := tracer.Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("run_id", item.RunID),
		attribute.String("spider", item.Spider),
	))
	defer func() {
		span.SetAttributes(attribute.String("status", string(final.Status)), attribute.Int("items_scraped", final.ItemsScraped))
		if final.Status != crawler.RunStatusSuccess && final.ErrorMessage != nil {
			span.SetStatus(codes.Error, *final.ErrorMessage)
		}
		span.End()
	}()

	logger := w.logger.With(zap.String("run_id", item.RunID), zap.String("spider", item.Spider))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", zap.Any("panic", r), zap.Stack("stack"))
			msg := fmt.Sprintf("panic: %v", r)
			final = w.tracker.Advance(context.WithoutCancel(ctx), item.RunID, crawler.RunStatusFailed,
				tracker.Detail{Error: &msg})
		}
	}()

	w.tracker.Advance(ctx, item.RunID, crawler.RunStatusStarted, tracker.Detail{})

	sp, err := w.spiders.Lookup(item.Spider)
	if err != nil {
		logger.Warn("spider lookup failed", zap.Error(err))
		return w.fail(ctx, item.RunID, crawler.RunStatusFailed, err.Error(), 0)
	}

	start := w.clock.Now()
	budgetCtx, cancel := context.WithTimeout(ctx, w.cfg.Budget)
	res, walkErr := w.walker.Walk(budgetCtx, sp, walker.Options{
		RunID:  item.RunID,
		OnPage: w.onPage(budgetCtx, item, logger),
	})
	budgetExceeded := errors.Is(budgetCtx.Err(), context.DeadlineExceeded)
	cancel()

	// Partial results are kept even when the budget is spent, so ingestion
	// gets its own deadline detached from the walk.
	ingestCtx, cancelIngest := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.IngestTimeout)
	defer cancelIngest()
	ingested := w.ingester.Submit(ingestCtx, res.Records)

	logger.Info("run finished",
		zap.Int("pages", res.Pages),
		zap.Int("extracted", len(res.Records)),
		zap.Int("rejected", res.Rejected),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("accepted", ingested.Accepted),
		zap.Int("batch_errors", len(ingested.Errors)),
		zap.Duration("elapsed", w.clock.Now().Sub(start)),
		zap.NamedError("walk_error", walkErr),
	)

	status, msg := classify(sp.Name, w.cfg.Budget, walkErr, budgetExceeded, ctx.Err())
	if status == crawler.RunStatusSuccess {
		if len(ingested.Errors) > 0 {
			msg = ingestSummary(ingested)
			return w.finish(ctx, item.RunID, status, &msg, ingested.Accepted)
		}
		return w.finish(ctx, item.RunID, status, nil, ingested.Accepted)
	}
	return w.fail(ctx, item.RunID, status, msg, ingested.Accepted)
}

// classify maps the walk outcome to a terminal status and message.
func classify(spiderName string, budget time.Duration, walkErr error, budgetExceeded bool, parentErr error) (crawler.RunStatus, string) {
	switch {
	case walkErr == nil:
		return crawler.RunStatusSuccess, ""
	case budgetExceeded && parentErr == nil:
		return crawler.RunStatusTimeout, fmt.Sprintf("timeout: crawl %s exceeded %s", spiderName, budget)
	case crawler.IsRenderTimeout(walkErr):
		return crawler.RunStatusTimeout, walkErr.Error()
	default:
		return crawler.RunStatusFailed, walkErr.Error()
	}
}

func ingestSummary(res ingest.Result) string {
	msg := fmt.Sprintf("ingest: %d of %d batches failed", len(res.Errors), res.Batches)
	for _, e := range res.Errors {
		msg += "; " + e.Error()
	}
	return msg
}

func (w *Worker) onPage(ctx context.Context, item crawler.QueueItem, logger *zap.Logger) func(walker.PageReport) {
	return func(report walker.PageReport) {
		total := report.Total
		w.tracker.Advance(ctx, item.RunID, crawler.RunStatusProgress, tracker.Detail{Items: &total})
		if w.emitter != nil {
			w.emitter.Emit(progress.Event{
				RunID:  item.RunID,
				TS:     w.clock.Now(),
				Stage:  progress.StagePageDone,
				Spider: item.Spider,
				URL:    report.URL,
				Page:   report.Page,
				Items:  total,
			})
		}
		logger.Debug("run progress", zap.Int("page", report.Page), zap.Int("items", total))
	}
}

func (w *Worker) fail(ctx context.Context, runID string, status crawler.RunStatus, msg string, items int) crawler.Run {
	return w.finish(ctx, runID, status, &msg, items)
}

func (w *Worker) finish(ctx context.Context, runID string, status crawler.RunStatus, msg *string, items int) crawler.Run {
	return w.tracker.Advance(context.WithoutCancel(ctx), runID, status, tracker.Detail{Items: &items, Error: msg})
}
