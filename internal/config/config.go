package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "FamWallet"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultMetricsPort    = "9090"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 48 * time.Hour
	defaultRequestTTL     = 7 * 24 * time.Hour
	defaultSweepInterval  = time.Minute
	defaultUnfreezeQuorum = 2
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName     string
	AppEnv      string
	Port        string
	MetricsPort string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// Token request policy.
	RequestTTL           time.Duration
	RequestCeiling       int64
	AutoApproveThreshold int64
	TrustedRequesters    []string
	DailyAutoApproveCap  int64
	SweepInterval        time.Duration

	// Distinct admin approvals required for an emergency unfreeze.
	UnfreezeQuorum int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		MetricsPort:    getEnv("METRICS_PORT", defaultMetricsPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		RequestTTL:     defaultRequestTTL,
		SweepInterval:  defaultSweepInterval,
		UnfreezeQuorum: defaultUnfreezeQuorum,
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.RequestTTL, err = durationEnv("REQUEST_TTL", cfg.RequestTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.RequestCeiling, err = int64Env("REQUEST_CEILING", 0); err != nil {
		return Config{}, err
	}
	if cfg.AutoApproveThreshold, err = int64Env("AUTO_APPROVE_THRESHOLD", 0); err != nil {
		return Config{}, err
	}
	if cfg.DailyAutoApproveCap, err = int64Env("DAILY_AUTO_APPROVE_CAP", 0); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("TRUSTED_REQUESTERS"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.TrustedRequesters = append(cfg.TrustedRequesters, id)
			}
		}
	}
	if v := os.Getenv("UNFREEZE_QUORUM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid UNFREEZE_QUORUM: %q", v)
		}
		cfg.UnfreezeQuorum = n
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddress(c.Port)
}

// MetricsAddress returns the metrics listen address.
func (c Config) MetricsAddress() string {
	return listenAddress(c.MetricsPort)
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv accepts either a seconds count (KEY_SECONDS) or a Go duration
// string (KEY).
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func int64Env(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
