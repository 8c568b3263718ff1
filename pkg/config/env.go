// Package config reads process configuration from the environment, with
// optional .env overlays for local development. Every getter takes a default;
// a value that is present but unparseable logs a warning and falls back to
// the default rather than silently misconfiguring a service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// envFiles are applied in order; later files win over earlier ones, and all
// of them win over the inherited process environment.
var envFiles = []string{".env", ".env.dev"}

// LoadEnv overlays local env files onto the process environment. Absence of
// the files is normal in deployment and only logged at debug level.
func LoadEnv(logger *logrus.Logger) {
	var loaded []string
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) > 0 {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	} else {
		logger.Debug("No local env files loaded; relying on process environment")
	}
}

func warnBadValue(key, value, kind string) {
	logrus.Warnf("ignoring %s=%q: not a valid %s", key, value, kind)
}

// GetEnv returns the variable's value, or defaultValue when unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvInt parses an integer variable.
func GetEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warnBadValue(key, v, "integer")
		return defaultValue
	}
	return n
}

// GetEnvBool parses a boolean variable ("1", "t", "true", ... per strconv).
func GetEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warnBadValue(key, v, "boolean")
		return defaultValue
	}
	return b
}

// GetEnvDuration parses a duration variable. Accepts Go duration strings
// ("90s", "5m") or a bare integer of seconds, which is what the *_SEC and
// *_MS knobs in deployment manifests historically carried.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	warnBadValue(key, v, "duration")
	return defaultValue
}

// RequireEnv fetches a variable and exits the process if it is empty.
// Intended for boot-time contracts like DB_DSN where there is no sane default.
func RequireEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		logrus.Fatalf("environment variable %s is required but not set", key)
	}
	return v
}

// GetLogLevel maps LOG_LEVEL to a logrus level, defaulting to info.
func GetLogLevel() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
