// Package config loads Kestrel configuration.
//
// Sources, later ones winning:
//  1. Tier defaults (domain.DefaultConfig or domain.ProConfig via KESTREL_TIER)
//  2. YAML file, with ${VAR} references expanded
//  3. KESTREL_* environment variables, optionally read from a .env file
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// Load builds the configuration from defaults, an optional YAML file and
// the environment. An empty path skips the file. A missing .env is ignored.
func Load(path string, envFiles ...string) (*domain.Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := domain.DefaultConfig()
	if domain.Tier(getEnv("TIER", "")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays KESTREL_* variables.
func applyEnv(cfg *domain.Config) error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := getEnv(key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := getEnv(key, ""); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v := getEnv(key, ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	stringVar := func(key string, dst *string) {
		*dst = getEnv(key, *dst)
	}

	// Server
	stringVar("HOST", &cfg.Server.Host)
	intVar("PORT", &cfg.Server.Port)

	// Analysis
	intVar("REVIEW_BELOW", &cfg.Analysis.ReviewBelow)
	intVar("ALERT_BELOW", &cfg.Analysis.AlertBelow)
	intVar("RULE_WORKERS", &cfg.Analysis.RuleWorkers)
	durationVar("VELOCITY_WINDOW", &cfg.Analysis.VelocityWindow)
	boolVar("ASYNC_WORKER", &cfg.Analysis.AsyncWorker)
	if v := getEnv("TENANTS", ""); v != "" {
		cfg.Analysis.Tenants = splitList(v)
	}

	// Repository
	stringVar("DB_DRIVER", &cfg.Repository.Driver)
	stringVar("SQLITE_PATH", &cfg.Repository.SQLitePath)
	stringVar("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	intVar("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	stringVar("POSTGRES_USER", &cfg.Repository.PostgresUser)
	stringVar("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	stringVar("POSTGRES_DB", &cfg.Repository.PostgresDB)
	stringVar("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	// Cache
	stringVar("CACHE_TYPE", &cfg.Cache.Type)
	stringVar("REDIS_ADDR", &cfg.Cache.RedisAddr)
	stringVar("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	durationVar("RESULT_TTL", &cfg.Cache.ResultTTL)

	// Event bus
	stringVar("BUS_TYPE", &cfg.EventBus.Type)
	stringVar("NATS_URL", &cfg.EventBus.NATSUrl)
	stringVar("NATS_TOKEN", &cfg.EventBus.NATSToken)
	stringVar("NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	// Archive and retention
	stringVar("ARCHIVE_DIR", &cfg.Archive.Dir)
	intVar("RETENTION_DAYS", &cfg.Retention.Days)
	stringVar("RETENTION_SCHEDULE", &cfg.Retention.Schedule)

	// Observability
	stringVar("LOG_LEVEL", &cfg.Logging.Level)
	stringVar("LOG_FORMAT", &cfg.Logging.Format)
	if getEnv("DEBUG", "") == "true" {
		cfg.Logging.Level = "debug"
	}
	boolVar("TRACING_ENABLED", &cfg.Tracing.Enabled)
	boolVar("METRICS_ENABLED", &cfg.Metrics.Enabled)

	return errors.Join(errs...)
}

// Validate checks the configuration once at startup.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}

	a := cfg.Analysis
	if a.AlertBelow < 0 || a.ReviewBelow > domain.InitialAccuracyScore || a.AlertBelow > a.ReviewBelow {
		errs = append(errs, fmt.Errorf("analysis thresholds must satisfy 0 <= alert_below (%d) <= review_below (%d) <= %d",
			a.AlertBelow, a.ReviewBelow, domain.InitialAccuracyScore))
	}

	if cfg.Archive.Dir != "" {
		info, err := os.Stat(cfg.Archive.Dir)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("archive.dir: %w", err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("archive.dir %s is not a directory", cfg.Archive.Dir))
		}
	}

	if cfg.Retention.Days < 0 {
		errs = append(errs, errors.New("retention.days must not be negative"))
	}
	if cfg.Retention.Days > 0 {
		if _, err := cron.ParseStandard(cfg.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
