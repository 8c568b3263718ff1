// Package notify turns alert transitions into notification jobs and
// delivers them: a routing engine matches transitions against tenant
// routes and enqueues one job per (alert, channel, event); a worker pool
// claims jobs and dispatches to channel senders with retry, dead-letter,
// and per-attempt audit.
package notify

import (
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/config"
)

// Config holds the notifier settings read from the environment.
type Config struct {
	SweepInterval time.Duration

	WorkerCount   int
	WorkerTimeout time.Duration
	MaxAttempts   int

	// AllowHTTPWebhooks permits plain-http webhook URLs. Development
	// override only; production stays https.
	AllowHTTPWebhooks bool

	// SecretKey unlocks encrypted channel config fields. Empty means
	// configs are stored in the clear and pass through untouched.
	SecretKey string
}

// ConfigFromEnv builds the notifier configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		SweepInterval:     config.GetEnvDuration("SWEEP_INTERVAL_SEC", 60*time.Second),
		WorkerCount:       config.GetEnvInt("WORKER_COUNT", 8),
		WorkerTimeout:     config.GetEnvDuration("WORKER_TIMEOUT_SEC", 10*time.Second),
		MaxAttempts:       config.GetEnvInt("WORKER_MAX_ATTEMPTS", 5),
		AllowHTTPWebhooks: config.GetEnvBool("ALLOW_HTTP_WEBHOOKS", false),
		SecretKey:         config.GetEnv("CHANNEL_SECRET_KEY", ""),
	}
}
