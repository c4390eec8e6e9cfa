// Package config loads the orchestrator's runtime configuration: a
// yaml.v3 file supplying defaults, overridden field-by-field by
// environment variables, matching the precedence the rest of this
// codebase uses for its own app config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaygrid/orchestrator/internal/platform/envutil"
)

// Config is every tunable the orchestrator's components need at startup.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	DatabaseDSN string `yaml:"database_dsn"`
	RedisAddr   string `yaml:"redis_addr"`

	SigningKeyID         string `yaml:"signing_key_id"`
	SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
	TrustedPublicKeysDir string `yaml:"trusted_public_keys_dir"`
	Issuer               string `yaml:"issuer"`

	GlobalConcurrency    int64         `yaml:"global_concurrency"`
	MaxInFlightPerWorker int64         `yaml:"max_in_flight_per_worker"`
	MaxAttempts          int           `yaml:"max_attempts"`
	NumDispatchers       int           `yaml:"num_dispatchers"`
	JobTimeout           time.Duration `yaml:"job_timeout"`

	RouteCacheTTL     time.Duration `yaml:"route_cache_ttl"`
	ScoreFloor        float64       `yaml:"score_floor"`
	RouteHistorySize  int           `yaml:"route_history_size"`

	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`
	HealthProbeTimeout  time.Duration `yaml:"health_probe_timeout"`

	ResultCacheCapacity int           `yaml:"result_cache_capacity"`
	ResultCacheTTL      time.Duration `yaml:"result_cache_ttl"`
	ResultRetention     time.Duration `yaml:"result_retention"`

	LogMode string `yaml:"log_mode"` // "prod" or "dev", per internal/platform/logger
}

// Default returns the configuration used when no file and no environment
// overrides are present. The probe interval, global concurrency,
// route_cache_ttl, score_floor, result_cache_ttl, result_retention and
// max_attempts defaults follow spec.md §9's configuration surface; the
// remaining fields use a conservative value instead. Health TTL, envelope
// TTL, clock skew and backoff bounds are not part of Config: they are
// constants in their own packages.
func Default() Config {
	return Config{
		HTTPAddr:             ":8080",
		Issuer:               "orchestrator.local",
		GlobalConcurrency:    10,
		MaxInFlightPerWorker: 4,
		MaxAttempts:          3,
		NumDispatchers:       4,
		JobTimeout:           10 * time.Minute,
		RouteCacheTTL:        300 * time.Second,
		ScoreFloor:           0.2,
		RouteHistorySize:     256,
		HealthProbeInterval:  60 * time.Second,
		HealthProbeTimeout:   10 * time.Second,
		ResultCacheCapacity:  1024,
		ResultCacheTTL:       time.Hour,
		ResultRetention:      30 * 24 * time.Hour,
		LogMode:              "dev",
	}
}

// Load builds a Config starting from Default, overlaying a yaml file at
// path if it exists (a missing file is not an error — Default alone is a
// valid configuration), then overlaying environment variables, which
// always win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fine, fall through to env overrides on top of defaults
		default:
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.HTTPAddr = envutil.String("ORCHESTRATOR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseDSN = envutil.String("ORCHESTRATOR_DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = envutil.String("ORCHESTRATOR_REDIS_ADDR", cfg.RedisAddr)

	cfg.SigningKeyID = envutil.String("ORCHESTRATOR_SIGNING_KEY_ID", cfg.SigningKeyID)
	cfg.SigningPrivateKeyPath = envutil.String("ORCHESTRATOR_SIGNING_PRIVATE_KEY_PATH", cfg.SigningPrivateKeyPath)
	cfg.TrustedPublicKeysDir = envutil.String("ORCHESTRATOR_TRUSTED_PUBLIC_KEYS_DIR", cfg.TrustedPublicKeysDir)
	cfg.Issuer = envutil.String("ORCHESTRATOR_ISSUER", cfg.Issuer)

	cfg.GlobalConcurrency = envutil.Int64("ORCHESTRATOR_GLOBAL_CONCURRENCY", cfg.GlobalConcurrency)
	cfg.MaxInFlightPerWorker = envutil.Int64("ORCHESTRATOR_MAX_IN_FLIGHT_PER_WORKER", cfg.MaxInFlightPerWorker)
	cfg.MaxAttempts = envutil.Int("ORCHESTRATOR_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.NumDispatchers = envutil.Int("ORCHESTRATOR_NUM_DISPATCHERS", cfg.NumDispatchers)
	cfg.JobTimeout = envutil.Duration("ORCHESTRATOR_JOB_TIMEOUT", cfg.JobTimeout)

	cfg.RouteCacheTTL = envutil.Duration("ORCHESTRATOR_ROUTE_CACHE_TTL", cfg.RouteCacheTTL)
	cfg.ScoreFloor = envFloat("ORCHESTRATOR_SCORE_FLOOR", cfg.ScoreFloor)
	cfg.RouteHistorySize = envutil.Int("ORCHESTRATOR_ROUTE_HISTORY_SIZE", cfg.RouteHistorySize)

	cfg.HealthProbeInterval = envutil.Duration("ORCHESTRATOR_HEALTH_PROBE_INTERVAL", cfg.HealthProbeInterval)
	cfg.HealthProbeTimeout = envutil.Duration("ORCHESTRATOR_HEALTH_PROBE_TIMEOUT", cfg.HealthProbeTimeout)

	cfg.ResultCacheCapacity = envutil.Int("ORCHESTRATOR_RESULT_CACHE_CAPACITY", cfg.ResultCacheCapacity)
	cfg.ResultCacheTTL = envutil.Duration("ORCHESTRATOR_RESULT_CACHE_TTL", cfg.ResultCacheTTL)
	cfg.ResultRetention = envutil.Duration("ORCHESTRATOR_RESULT_RETENTION", cfg.ResultRetention)

	cfg.LogMode = envutil.String("ORCHESTRATOR_LOG_MODE", cfg.LogMode)
}

// envFloat is a small local helper rather than an envutil addition: a
// float tunable (the score floor) is unique to this config and not worth
// generalizing into the shared env helper package for one caller.
func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return def
	}
	return f
}
