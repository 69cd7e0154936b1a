// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// DatabaseURL is either a postgres:// connection string or a path
	// to an SQLite database file.
	DatabaseURL string

	// PollInterval is the period between scheduled refresh sweeps.
	PollInterval time.Duration
	// MaxAttempts is the number of times a unit of work is executed
	// before it is treated as a durable failure.
	MaxAttempts int
	// RetryDelay is the pause between attempts of the same unit.
	RetryDelay time.Duration

	Workers   int
	QueueSize int

	FetchTimeout time.Duration
	// JobTimeout bounds a single unit of work; a unit exceeding it is
	// abandoned and picked up again on the next schedule tick.
	JobTimeout time.Duration
	UserAgent  string
}

// Load reads configuration from the environment, consulting a .env
// file when present.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:         getenv("FEEDKEEPER_ADDR", "0.0.0.0:8080"),
		DatabaseURL:  getenv("FEEDKEEPER_DATABASE", "feedkeeper.db"),
		PollInterval: getenvDuration("FEEDKEEPER_POLL_INTERVAL", 15*time.Minute),
		MaxAttempts:  getenvInt("FEEDKEEPER_MAX_ATTEMPTS", 3),
		RetryDelay:   getenvDuration("FEEDKEEPER_RETRY_DELAY", 5*time.Second),
		Workers:      getenvInt("FEEDKEEPER_WORKERS", 4),
		QueueSize:    getenvInt("FEEDKEEPER_QUEUE_SIZE", 256),
		FetchTimeout: getenvDuration("FEEDKEEPER_FETCH_TIMEOUT", 30*time.Second),
		JobTimeout:   getenvDuration("FEEDKEEPER_JOB_TIMEOUT", 2*time.Minute),
		UserAgent:    getenv("FEEDKEEPER_USER_AGENT", "feedkeeper/1.0"),
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("FEEDKEEPER_MAX_ATTEMPTS must be >= 1, got %d", cfg.MaxAttempts)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("FEEDKEEPER_WORKERS must be >= 1, got %d", cfg.Workers)
	}
	if cfg.PollInterval < time.Minute {
		return nil, fmt.Errorf("FEEDKEEPER_POLL_INTERVAL must be >= 1m, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
