// Package config loads the relay's environment configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	outbox "github.com/overtonx/outbox-relay"
)

// Config carries everything the binaries need: connection endpoints, the
// replication slot, and the retry tunables, which are configured separately
// for database writes and broker publishes.
type Config struct {
	DatabaseURL string
	SlotName    string
	NatsURL     string
	StreamName  string
	OutboxTable string

	PendingWindow       time.Duration
	DispatchConcurrency int
	ReconcileInterval   time.Duration
	ReprocessInterval   time.Duration

	PublishRetry outbox.RetryPolicy
	WriteRetry   outbox.RetryPolicy
}

// Load reads the configuration from the environment. DATABASE_URL and
// REPLICATION_SLOT_NAME are required; everything else has defaults.
func Load() (Config, error) {
	dbURL, err := require("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	slot, err := require("REPLICATION_SLOT_NAME")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL: dbURL,
		SlotName:    slot,
		NatsURL:     envOr("NATS_URL", "nats://127.0.0.1:4222"),
		StreamName:  envOr("STREAM_NAME", "outbox-events"),
		OutboxTable: envOr("OUTBOX_TABLE", "outbox"),

		PendingWindow:       durationOr("PENDING_WINDOW", outbox.DefaultPendingWindow),
		DispatchConcurrency: intOr("DISPATCH_CONCURRENCY", 16),
		ReconcileInterval:   durationOr("RECONCILE_INTERVAL", 0),
		ReprocessInterval:   durationOr("REPROCESS_INTERVAL", 0),

		PublishRetry: retryPolicy("PUBLISH", outbox.DefaultPublishRetryPolicy()),
		WriteRetry:   retryPolicy("DB_WRITE", outbox.DefaultWriteRetryPolicy()),
	}
	return cfg, nil
}

func retryPolicy(prefix string, defaults outbox.RetryPolicy) outbox.RetryPolicy {
	policy := outbox.RetryPolicy{
		NumOfAttempts: intOr(prefix+"_RETRY_ATTEMPTS", defaults.NumOfAttempts),
		StartingDelay: durationOr(prefix+"_RETRY_STARTING_DELAY", defaults.StartingDelay),
		MaxDelay:      durationOr(prefix+"_RETRY_MAX_DELAY", defaults.MaxDelay),
		Jitter:        defaults.Jitter,
	}
	if v := os.Getenv(prefix + "_RETRY_JITTER"); v != "" {
		policy.Jitter = outbox.JitterMode(v)
	}
	return policy
}

func require(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is required", key)
	}
	return v, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
