// Package config loads the sync daemon's runtime configuration from the
// environment, with defaults suitable for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oghenemoses/tablesync/internal/logging"
)

// Config is the sync daemon's top-level configuration.
type Config struct {
	// DataDir is where the SQLite-backed Local Store keeps its database file.
	DataDir string
	// RemoteBaseURL is the Remote Table's HTTP base URL.
	RemoteBaseURL string
	// MaxRetries and RetryBase bound the Remote Table client's exponential backoff.
	MaxRetries uint64
	RetryBase  time.Duration
	// CredentialPassphrase derives the key used to encrypt the stored bearer token.
	CredentialPassphrase string
	// PeriodicTriggerCron is the cron expression for the optional push/pull
	// cycle; empty disables it.
	PeriodicTriggerCron string
	// LogLevel controls the structured logger's minimum level.
	LogLevel logging.LogLevel
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (Config, error) {
	cfg := Config{
		DataDir:              getEnv("TABLESYNC_DATA_DIR", "./data"),
		RemoteBaseURL:        getEnv("TABLESYNC_REMOTE_URL", "http://localhost:8080/api/tables"),
		MaxRetries:           3,
		RetryBase:            200 * time.Millisecond,
		CredentialPassphrase: os.Getenv("TABLESYNC_CREDENTIAL_PASSPHRASE"),
		PeriodicTriggerCron:  os.Getenv("TABLESYNC_TRIGGER_CRON"),
		LogLevel:             logging.LevelInfo,
	}

	if v := os.Getenv("TABLESYNC_MAX_RETRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse TABLESYNC_MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("TABLESYNC_RETRY_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse TABLESYNC_RETRY_BASE: %w", err)
		}
		cfg.RetryBase = d
	}
	if v := os.Getenv("TABLESYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = logging.LogLevel(v)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
