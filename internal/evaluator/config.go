// Package evaluator derives device status and evaluates alert rules
// against the latest telemetry, opening and closing fleet alerts through
// the store. One pass per tick; LISTEN wake-ups trigger early passes.
package evaluator

import (
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/config"
)

// Config holds the evaluator settings read from the environment.
type Config struct {
	Interval time.Duration

	// Sharding splits tenants across evaluator replicas by FNV hash of
	// tenant_id. The default 1/0 evaluates everything.
	ShardCount int
	ShardIndex int

	StaleThreshold   time.Duration
	OfflineThreshold time.Duration
}

// ConfigFromEnv builds the evaluator configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		Interval:         config.GetEnvDuration("EVAL_INTERVAL_SEC", 5*time.Second),
		ShardCount:       config.GetEnvInt("EVAL_SHARD_COUNT", 1),
		ShardIndex:       config.GetEnvInt("EVAL_SHARD_INDEX", 0),
		StaleThreshold:   config.GetEnvDuration("STALE_THRESHOLD_SEC", 120*time.Second),
		OfflineThreshold: config.GetEnvDuration("OFFLINE_THRESHOLD_SEC", 600*time.Second),
	}
}
