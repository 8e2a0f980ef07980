package config

import (
	"fmt"
	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
	"os"
	"strings"
	"time"
)

type Config struct {
	// application settings
	Environment string `env:"ENVIRONMENT" env-default:"development"`
	ServiceName string `env:"SERVICE_NAME" env-default:"pr-insight"`

	// logging configuration
	LogLevel     string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat    string `env:"LOG_FORMAT" env-default:"text"`
	LogAddSource bool   `env:"LOG_ADD_SOURCE" env-default:"false"`

	// database connection settings
	DatabaseHost     string `env:"DATABASE_HOST" env-default:"localhost"`
	DatabasePort     int    `env:"DATABASE_PORT" env-default:"5432"`
	DatabaseUser     string `env:"DATABASE_USER" env-default:"postgres"`
	DatabasePassword string `env:"DATABASE_PASSWORD" env-required:"true"`
	DatabaseName     string `env:"DATABASE_NAME" env-default:"postgres"`
	DatabaseSchema   string `env:"DATABASE_SCHEMA" env-default:"public"`
	DatabaseSSLMode  string `env:"DATABASE_SSL_MODE" env-default:"require"`

	// database connection pool settings
	DatabaseMaxConns          int32         `env:"DATABASE_MAX_CONNS" env-default:"25"`
	DatabaseMinConns          int32         `env:"DATABASE_MIN_CONNS" env-default:"5"`
	DatabaseMaxConnLifetime   time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" env-default:"1h"`
	DatabaseMaxConnIdleTime   time.Duration `env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"30m"`
	DatabaseHealthCheckPeriod time.Duration `env:"DATABASE_HEALTH_CHECK_PERIOD" env-default:"1m"`
	DatabaseConnectTimeout    time.Duration `env:"DATABASE_CONNECT_TIMEOUT" env-default:"30s"`
	DatabaseAcquireTimeout    time.Duration `env:"DATABASE_ACQUIRE_TIMEOUT" env-default:"10s"`

	// database migrations settings
	DatabaseMigrationEnabled bool          `env:"DATABASE_MIGRATION_ENABLED" env-default:"true"`
	DatabaseMigrationTimeout time.Duration `env:"DATABASE_MIGRATION_TIMEOUT" env-default:"5m"`
	DatabaseMigrationTable   string        `env:"DATABASE_MIGRATION_TABLE" env-default:"schema_version"`

	// ops http server configuration (health, metrics)
	ServerHost         string        `env:"SERVER_HOST" env-default:"0.0.0.0"`
	ServerPort         int           `env:"SERVER_PORT" env-default:"8081"`
	ServerReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" env-default:"30s"`
	ServerWriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" env-default:"30s"`
	ServerIdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`

	// metrics worker pool
	DispatchMetricsShards     int    `env:"DISPATCH_METRICS_SHARDS" env-default:"8"`
	DispatchMetricsQueueSize  int    `env:"DISPATCH_METRICS_QUEUE_SIZE" env-default:"256"`
	DispatchMetricsFullPolicy string `env:"DISPATCH_METRICS_FULL_POLICY" env-default:"block"`

	// backfill worker pool
	DispatchBackfillShards     int    `env:"DISPATCH_BACKFILL_SHARDS" env-default:"2"`
	DispatchBackfillQueueSize  int    `env:"DISPATCH_BACKFILL_QUEUE_SIZE" env-default:"64"`
	DispatchBackfillFullPolicy string `env:"DISPATCH_BACKFILL_FULL_POLICY" env-default:"caller_runs"`

	// dispatch retries and shutdown
	DispatchMaxRetries    uint64        `env:"DISPATCH_MAX_RETRIES" env-default:"3"`
	DispatchRetryBackoff  time.Duration `env:"DISPATCH_RETRY_BACKOFF" env-default:"200ms"`
	DispatchShutdownGrace time.Duration `env:"DISPATCH_SHUTDOWN_GRACE" env-default:"20s"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	// size scoring defaults, overridable per rescore
	SizeAdditionWeight  string `env:"SIZE_ADDITION_WEIGHT" env-default:"1"`
	SizeDeletionWeight  string `env:"SIZE_DELETION_WEIGHT" env-default:"1"`
	SizeFileWeight      string `env:"SIZE_FILE_WEIGHT" env-default:"1"`
	SizeGradeThresholds string `env:"SIZE_GRADE_THRESHOLDS" env-default:"0,30,100,300,1000"`
}

func New() (*Config, error) {
	var cfg Config

	// read from .env file if exists (optional)
	if err := cleanenv.ReadConfig(".env", &cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read dotenv file: %w", err)
	}

	// read from environment variables (required)
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that span several groups.
func (c *Config) Validate() error {
	if c.DispatchShutdownGrace >= c.ShutdownTimeout {
		return fmt.Errorf("DISPATCH_SHUTDOWN_GRACE (%s) must be shorter than SHUTDOWN_TIMEOUT (%s)",
			c.DispatchShutdownGrace, c.ShutdownTimeout)
	}
	return nil
}

// SizeWeight parses the configured default size weights.
func (c *Config) SizeWeight() (domain.SizeWeight, error) {
	var (
		w   domain.SizeWeight
		err error
	)
	if w.Addition, err = decimal.NewFromString(c.SizeAdditionWeight); err != nil {
		return w, fmt.Errorf("parse SIZE_ADDITION_WEIGHT: %w", err)
	}
	if w.Deletion, err = decimal.NewFromString(c.SizeDeletionWeight); err != nil {
		return w, fmt.Errorf("parse SIZE_DELETION_WEIGHT: %w", err)
	}
	if w.File, err = decimal.NewFromString(c.SizeFileWeight); err != nil {
		return w, fmt.Errorf("parse SIZE_FILE_WEIGHT: %w", err)
	}
	return w, w.Validate()
}

// SizeThresholds parses the comma separated grade lower bounds, XS first.
func (c *Config) SizeThresholds() (domain.SizeThresholds, error) {
	var t domain.SizeThresholds

	parts := strings.Split(c.SizeGradeThresholds, ",")
	if len(parts) != len(t) {
		return t, fmt.Errorf("SIZE_GRADE_THRESHOLDS: want %d values, got %d", len(t), len(parts))
	}
	for i, p := range parts {
		d, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			return t, fmt.Errorf("parse SIZE_GRADE_THRESHOLDS[%d]: %w", i, err)
		}
		t[i] = d
	}
	return t, t.Validate()
}
