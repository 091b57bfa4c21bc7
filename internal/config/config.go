// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/atelier-crawler/internal/spider"
	"github.com/JakeFAU/atelier-crawler/internal/storage/remote"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig               `mapstructure:"server"`
	Auth      AuthConfig                 `mapstructure:"auth"`
	Crawler   CrawlerConfig              `mapstructure:"crawler"`
	Headless  HeadlessConfig             `mapstructure:"headless"`
	Ingest    IngestConfig               `mapstructure:"ingest"`
	RateLimit RateLimitConfig            `mapstructure:"rate_limit"`
	Storage   StorageConfig              `mapstructure:"storage"`
	Database  DatabaseConfig             `mapstructure:"database"`
	Queue     QueueConfig                `mapstructure:"queue"`
	PubSub    PubSubConfig               `mapstructure:"pubsub"`
	Progress  ProgressConfig             `mapstructure:"progress"`
	Logging   LoggingConfig              `mapstructure:"logging"`
	Tracing   TracingConfig              `mapstructure:"tracing"`
	Spiders   map[string]spider.Override `mapstructure:"spiders"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the worker pool and the crawl pipeline.
type CrawlerConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	BudgetSeconds   int           `mapstructure:"budget_seconds"`
	IngestTimeout   time.Duration `mapstructure:"ingest_timeout"`
	PageConcurrency int           `mapstructure:"page_concurrency"`
	// Renderer is one of headless, colly or noop.
	Renderer      string        `mapstructure:"renderer"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	MaxParallel    int           `mapstructure:"max_parallel"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	ScrollAttempts int           `mapstructure:"scroll_attempts"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// IngestConfig controls batching and retries against the record store.
type IngestConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	// APIURL submits to a remote record API instead of the local store.
	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`
}

// RateLimitConfig paces page loads per host. RPS <= 0 disables pacing.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StorageConfig selects where page snapshots are archived.
type StorageConfig struct {
	// Backend is one of none, memory, local or gcs.
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig controls the Postgres store. An empty DSN keeps everything
// in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	RecordsTable    string        `mapstructure:"records_table"`
	RunsTable       string        `mapstructure:"runs_table"`
}

// QueueConfig selects the run queue backend.
type QueueConfig struct {
	// Backend is memory or redis.
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the shared run queue.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Key         string        `mapstructure:"key"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	MaxBatchEvents    int           `mapstructure:"max_batch_events"`
	MaxBatchWait      time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout       time.Duration `mapstructure:"sink_timeout"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	PrometheusEnabled bool          `mapstructure:"prometheus_enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from a .env file, disk and environment, in increasing
// order of precedence for the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.budget_seconds", 1800)
	v.SetDefault("crawler.ingest_timeout", 2*time.Minute)
	v.SetDefault("crawler.page_concurrency", 2)
	v.SetDefault("crawler.renderer", "headless")
	v.SetDefault("crawler.user_agent", "atelier-bot/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.fetch_timeout", 15*time.Second)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", 60*time.Second)
	v.SetDefault("headless.wait_timeout", 10*time.Second)
	v.SetDefault("headless.scroll_attempts", 5)
	v.SetDefault("headless.settle_delay", 2*time.Second)
	v.SetDefault("ingest.batch_size", 50)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.backoff_initial", 250*time.Millisecond)
	v.SetDefault("ingest.backoff_max", 5*time.Second)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "snapshots")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.records_table", "ateliers")
	v.SetDefault("database.runs_table", "crawl_runs")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis.key", "atelier:runs")
	v.SetDefault("queue.redis.poll_timeout", 2*time.Second)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "atelier-crawler")
}

func (c *Config) normalize() {
	c.Crawler.Renderer = strings.ToLower(strings.TrimSpace(c.Crawler.Renderer))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.BudgetSeconds <= 0 {
		return fmt.Errorf("crawler.budget_seconds must be > 0")
	}
	switch c.Crawler.Renderer {
	case "headless", "colly", "noop":
	default:
		return fmt.Errorf("crawler.renderer must be headless, colly or noop, got %q", c.Crawler.Renderer)
	}
	if c.Crawler.Renderer == "headless" && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when the headless renderer is used")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Ingest.MaxAttempts <= 0 {
		return fmt.Errorf("ingest.max_attempts must be > 0")
	}
	if c.Ingest.APIURL != "" {
		if _, err := remote.ParseBaseURL(c.Ingest.APIURL); err != nil {
			return fmt.Errorf("ingest.api_url: %w", err)
		}
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Budget is the wall-clock limit of one crawl run.
func (c Config) Budget() time.Duration {
	return time.Duration(c.Crawler.BudgetSeconds) * time.Second
}

// APIKey returns the key the API enforces, or "" when auth is off.
func (c Config) APIKey() string {
	if !c.Auth.Enabled {
		return ""
	}
	return c.Auth.APIKey
}
