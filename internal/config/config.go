// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all engine configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Storage backends. The persistent namespace goes to Postgres when
	// DB_URL is set; volatile/sets go to Redis when REDIS_URL is set.
	// With neither, the in-memory backend is used (single-node mode).
	DBURL    string `env:"DB_URL"`
	RedisURL string `env:"REDIS_URL"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"surveyjobs"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`

	// Worker pool sizing.
	MinWorkers int `env:"MIN_WORKERS" envDefault:"4"`
	MaxWorkers int `env:"MAX_WORKERS" envDefault:"16"`

	// Worker long-poll and render batch tuning.
	WorkerIdleTimeout time.Duration `env:"WORKER_IDLE_TIMEOUT" envDefault:"5s"`
	RenderBatchSize   int           `env:"RENDER_BATCH_SIZE" envDefault:"100"`

	// Liveness.
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout        time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	DeadWorkerCheckInterval time.Duration `env:"DEAD_WORKER_CHECK_INTERVAL" envDefault:"30s"`
	StaleTaskThreshold      time.Duration `env:"STALE_TASK_THRESHOLD" envDefault:"300s"`

	// RateLimitsFile optionally points at a YAML file overriding the
	// shipped per-provider rate limit defaults.
	RateLimitsFile string `env:"RATE_LIMITS_FILE"`

	// APIKeys maps service name to API key, e.g.
	// API_KEYS=openai:sk-xxx,anthropic:sk-yyy
	APIKeys map[string]string `env:"API_KEYS" envSeparator:","`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return cfg, nil
}

// IsDev reports whether the engine is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the engine is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the engine is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
