package ingest

import (
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/config"
)

// Config holds everything the ingest service reads from the environment.
// Built once in main and passed through constructors.
type Config struct {
	BrokerURL    string
	MQTTUsername string
	MQTTPassword string
	ClientID     string

	BatchSize     int
	BatchInterval time.Duration
	OverflowDir   string

	MaxPayloadBytes int

	RateLimitBurst   int
	RateLimitPerSec  int
	RateLimitIdleTTL time.Duration
}

// ConfigFromEnv builds the ingest configuration. MQTT_BROKER_URL is
// required; everything else has a default.
func ConfigFromEnv() Config {
	return Config{
		BrokerURL:    config.RequireEnv("MQTT_BROKER_URL"),
		MQTTUsername: config.GetEnv("MQTT_USERNAME", ""),
		MQTTPassword: config.GetEnv("MQTT_PASSWORD", ""),
		ClientID:     config.GetEnv("MQTT_CLIENT_ID", "pulse-ingest"),

		BatchSize:     config.GetEnvInt("BATCH_SIZE", 500),
		BatchInterval: time.Duration(config.GetEnvInt("BATCH_INTERVAL_MS", 500)) * time.Millisecond,
		OverflowDir:   config.GetEnv("OVERFLOW_DIR", "./overflow"),

		MaxPayloadBytes: config.GetEnvInt("MAX_PAYLOAD_BYTES", 64*1024),

		RateLimitBurst:   config.GetEnvInt("RATE_LIMIT_BURST", 60),
		RateLimitPerSec:  config.GetEnvInt("RATE_LIMIT_PER_SEC", 1),
		RateLimitIdleTTL: config.GetEnvDuration("RATE_LIMIT_IDLE_TTL_SEC", 10*time.Minute),
	}
}
