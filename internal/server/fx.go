// Package server builds the application graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/api"
	"github.com/JakeFAU/atelier-crawler/internal/clock/system"
	"github.com/JakeFAU/atelier-crawler/internal/config"
	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/atelier-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/atelier-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/atelier-crawler/internal/hash/sha256"
	"github.com/JakeFAU/atelier-crawler/internal/id/uuid"
	"github.com/JakeFAU/atelier-crawler/internal/ingest"
	"github.com/JakeFAU/atelier-crawler/internal/logging"
	"github.com/JakeFAU/atelier-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/atelier-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/atelier-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/atelier-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/atelier-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/atelier-crawler/internal/queue/memory"
	queueRedis "github.com/JakeFAU/atelier-crawler/internal/queue/redis"
	"github.com/JakeFAU/atelier-crawler/internal/spider"
	gcsstorage "github.com/JakeFAU/atelier-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/atelier-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/atelier-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/atelier-crawler/internal/storage/postgres"
	"github.com/JakeFAU/atelier-crawler/internal/storage/remote"
	"github.com/JakeFAU/atelier-crawler/internal/telemetry"
	"github.com/JakeFAU/atelier-crawler/internal/tracker"
	"github.com/JakeFAU/atelier-crawler/internal/walker"
	"github.com/JakeFAU/atelier-crawler/internal/worker"
)

// App holds the application's long-lived dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	records  crawler.RecordStore
	runs     crawler.RunStore
	tracker  *tracker.Tracker
	spiders  *spider.Registry
	queue    crawler.Queue
	workers  []*worker.Worker
	dispatch *dispatcher.Dispatcher

	apiServer *api.Server
	checks    map[string]api.ReadinessCheck

	pgStore        *pgstore.Store
	redisQueue     *queueRedis.Queue
	memQueue       *queueMemory.Queue
	pubsubClient   *gcppublisher.Publisher
	gcsStore       *gcsstorage.BlobStore
	chrome         *headless.Renderer
	progressHub    *progress.Hub
	tracerShutdown telemetry.Shutdown
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the dispatcher and the HTTP server and blocks until SIGINT or
// SIGTERM, then drains both.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still busy at shutdown deadline")
	}
	a.logger.Info("shutdown complete")

	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// CrawlOnce executes a single run of spiderName in-process and returns its
// terminal state.
func (a *App) CrawlOnce(ctx context.Context, spiderName string) (crawler.Run, error) {
	if _, err := a.spiders.Lookup(spiderName); err != nil {
		return crawler.Run{}, err
	}
	runID, err := uuid.NewUUIDGenerator().NewID()
	if err != nil {
		return crawler.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	run, err := a.tracker.Create(ctx, runID, spiderName)
	if err != nil {
		return crawler.Run{}, err
	}
	return a.workers[0].Process(ctx, crawler.QueueItem{
		RunID:     run.ID,
		Spider:    run.SpiderName,
		Attempt:   1,
		Submitted: run.CreatedAt.Unix(),
	}), nil
}

// Close releases every resource Build acquired. It is safe to call once
// after Run returns.
func (a *App) Close(ctx context.Context) {
	a.closeQueue()
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeQueue() {
	if a.memQueue != nil {
		if err := a.memQueue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.redisQueue != nil {
		if err := a.redisQueue.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) closeInfrastructure() {
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, zap.String("service", cfg.Tracing.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger. On error every
// partially acquired resource is released.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger, checks: map[string]api.ReadinessCheck{}}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	app.tracerShutdown, err = telemetry.Setup(ctx, cfg.Tracing.Enabled, cfg.Tracing.ServiceName)
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies")
	clock := system.New()
	app.spiders = spider.NewRegistry(cfg.Spiders)

	if err = setupDatabase(ctx, app); err != nil {
		return app, err
	}
	if err = setupQueue(ctx, app); err != nil {
		return app, err
	}
	archive, err := setupStorage(ctx, app)
	if err != nil {
		return app, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}
	emitter, err := setupProgress(ctx, app, publisher)
	if err != nil {
		return app, err
	}
	app.tracker = tracker.New(app.runs, clock, emitter, logger.Named("tracker"))

	renderer, err := setupRenderer(app)
	if err != nil {
		return app, err
	}
	ingestStore, err := setupIngestStore(app)
	if err != nil {
		return app, err
	}

	setupWorkers(app, renderer, archive, ingestStore, emitter, clock)

	app.apiServer = api.NewServer(api.Deps{
		Records:  app.records,
		Runs:     app.tracker,
		Spiders:  app.spiders,
		Enqueuer: app.dispatch,
		IDs:      uuid.NewUUIDGenerator(),
		Clock:    clock,
		Checks:   app.checks,
	}, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		APIKey:         cfg.APIKey(),
	}, logger.Named("api"))

	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping records and runs in memory")
		app.records = memoryStorage.NewRecordStore()
		app.runs = memoryStorage.NewRunStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		RecordsTable:    app.cfg.Database.RecordsTable,
		RunsTable:       app.cfg.Database.RunsTable,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		AutoMigrate:     app.cfg.Database.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.pgStore = store
	app.records = store
	app.runs = store
	app.checks["database"] = store.Ping
	app.logger.Info("postgres store initialized",
		zap.String("records_table", app.cfg.Database.RecordsTable),
		zap.String("runs_table", app.cfg.Database.RunsTable),
	)
	return nil
}

func setupQueue(ctx context.Context, app *App) error {
	if app.cfg.Queue.Backend != "redis" {
		app.memQueue = queueMemory.NewQueue(app.cfg.Crawler.QueueDepth)
		app.queue = app.memQueue
		app.logger.Info("using in-memory run queue", zap.Int("depth", app.cfg.Crawler.QueueDepth))
		return nil
	}
	q, err := queueRedis.New(ctx, queueRedis.Config{
		Addr:        app.cfg.Queue.Redis.Addr,
		Password:    app.cfg.Queue.Redis.Password,
		DB:          app.cfg.Queue.Redis.DB,
		Key:         app.cfg.Queue.Redis.Key,
		PollTimeout: app.cfg.Queue.Redis.PollTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	app.redisQueue = q
	app.queue = q
	app.checks["queue"] = q.Ping
	app.logger.Info("using redis run queue",
		zap.String("addr", app.cfg.Queue.Redis.Addr),
		zap.String("key", app.cfg.Queue.Redis.Key),
	)
	return nil
}

// setupStorage returns the snapshot archive, or nil when archiving is off.
func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsStore = store
		app.logger.Info("using GCS snapshot archive", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local snapshot archive", zap.String("path", app.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		app.logger.Info("using in-memory snapshot archive")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("snapshot archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubClient, nil
}

// setupProgress returns nil when no sink is enabled.
func setupProgress(ctx context.Context, app *App, publisher crawler.Publisher) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if app.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if app.cfg.PubSub.TopicName != "" {
		sinkList = append(sinkList, progresssinks.NewPublishSink(
			publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_publish")))
	}
	if len(sinkList) == 0 {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupRenderer(app *App) (crawler.Renderer, error) {
	switch app.cfg.Crawler.Renderer {
	case "colly":
		app.logger.Info("using colly renderer", zap.String("user_agent", app.cfg.Crawler.UserAgent))
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     app.cfg.Crawler.UserAgent,
			RespectRobots: app.cfg.Crawler.RespectRobots,
			Timeout:       app.cfg.Crawler.FetchTimeout,
		}), nil
	case "noop":
		app.logger.Warn("rendering disabled, every run will fail")
		return headless.NewNoop(), nil
	default:
		r, err := headless.NewChromedp(headless.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Crawler.UserAgent,
			NavigationTimeout: app.cfg.Headless.NavTimeout,
			WaitTimeout:       app.cfg.Headless.WaitTimeout,
			ScrollAttempts:    app.cfg.Headless.ScrollAttempts,
			SettleDelay:       app.cfg.Headless.SettleDelay,
		}, app.logger.Named("chromedp"))
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		app.chrome = r
		app.logger.Info("using headless renderer", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
		return r, nil
	}
}

// setupIngestStore picks where crawled records go: a remote record API when
// one is configured, the local store otherwise.
func setupIngestStore(app *App) (crawler.RecordStore, error) {
	if app.cfg.Ingest.APIURL == "" {
		return app.records, nil
	}
	store, err := remote.New(remote.Config{
		BaseURL: app.cfg.Ingest.APIURL,
		APIKey:  app.cfg.Ingest.APIKey,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("remote record store init failed: %w", err)
	}
	app.logger.Info("ingesting into remote record API", zap.String("url", app.cfg.Ingest.APIURL))
	return store, nil
}

func setupWorkers(
	app *App,
	renderer crawler.Renderer,
	archive crawler.BlobStore,
	ingestStore crawler.RecordStore,
	emitter progress.Emitter,
	clock crawler.Clock,
) {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   app.cfg.RateLimit.RPS,
		Burst: app.cfg.RateLimit.Burst,
	})
	app.logger.Info("rate limiter configured",
		zap.Float64("rps", app.cfg.RateLimit.RPS),
		zap.Int("burst", app.cfg.RateLimit.Burst),
	)
	pageWalker := walker.New(renderer, limiter, archive, sha256.New(), walker.Config{
		Concurrency:   app.cfg.Crawler.PageConcurrency,
		ArchivePrefix: app.cfg.Storage.Prefix,
		ContentType:   app.cfg.Storage.ContentType,
	}, app.logger.Named("walker"))
	batcher := ingest.New(ingestStore, ingest.Config{
		BatchSize:   app.cfg.Ingest.BatchSize,
		Concurrency: app.cfg.Ingest.Concurrency,
		Retry: crawler.NewExponentialRetryPolicy(
			app.cfg.Ingest.MaxAttempts,
			app.cfg.Ingest.BackoffInitial,
			app.cfg.Ingest.BackoffMax,
		),
	}, app.logger.Named("ingest"))

	workerCfg := worker.Config{
		Budget:        app.cfg.Budget(),
		IngestTimeout: app.cfg.Crawler.IngestTimeout,
	}
	app.logger.Info("worker config",
		zap.Int("workers", app.cfg.Crawler.Workers),
		zap.Duration("budget", workerCfg.Budget),
		zap.Duration("ingest_timeout", workerCfg.IngestTimeout),
	)

	runners := make([]dispatcher.Runner, 0, app.cfg.Crawler.Workers)
	for i := 0; i < app.cfg.Crawler.Workers; i++ {
		w := worker.New(
			app.queue,
			app.spiders,
			pageWalker,
			batcher,
			app.tracker,
			emitter,
			clock,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		)
		app.workers = append(app.workers, w)
		runners = append(runners, w)
	}
	app.dispatch = dispatcher.New(app.queue, runners, app.logger.Named("dispatcher"))
}
