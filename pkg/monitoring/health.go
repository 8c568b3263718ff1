package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// statusRank orders statuses by badness; the overall status is the worst
// individual one. Unknown strings rank as unhealthy.
func statusRank(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of one named health check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthCheck is a function that performs a single health check.
type HealthCheck func() CheckResult

// HealthChecker holds the named checks for a service. Registration and
// serving can overlap during boot, so the map is lock-guarded.
type HealthChecker struct {
	service string
	version string

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHealthChecker creates a health checker for a service.
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck registers or replaces a named check.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
}

// CheckHealth runs every registered check and aggregates the worst status.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for name, check := range checks {
		result := check()
		status.Checks[name] = result
		if statusRank(result.Status) > statusRank(status.Status) {
			status.Status = result.Status
		}
	}
	return status
}

// Handler serves the health endpoint. Unhealthy maps to 503 so load
// balancers and orchestrators take the instance out of rotation.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, health)
	}
}

// measured stamps a result with the elapsed time of the check body.
func measured(start time.Time, status, message string) CheckResult {
	return CheckResult{
		Status:  status,
		Message: message,
		Latency: time.Since(start).String(),
	}
}

// DatabaseHealthCheck pings the pool with a bounded context.
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return measured(start, StatusUnhealthy, fmt.Sprintf("database ping failed: %v", err))
		}
		return measured(start, StatusHealthy, "database reachable")
	}
}

// MQTTHealthCheck reports the broker connection state.
func MQTTHealthCheck(client mqtt.Client) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		switch {
		case client == nil:
			return measured(start, StatusUnhealthy, "MQTT client not constructed")
		case !client.IsConnectionOpen():
			// paho reconnects on its own; report degraded while it does
			return measured(start, StatusDegraded, "MQTT broker connection down, reconnecting")
		default:
			return measured(start, StatusHealthy, "MQTT broker connected")
		}
	}
}

// ListenerHealthCheck works for anything with a Ping, such as the store
// notification listener.
func ListenerHealthCheck(name string, pinger interface{ Ping() error }) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		if pinger == nil {
			return measured(start, StatusUnhealthy, name+" listener not constructed")
		}
		if err := pinger.Ping(); err != nil {
			return measured(start, StatusUnhealthy, fmt.Sprintf("%s listener ping failed: %v", name, err))
		}
		return measured(start, StatusHealthy, name+" listener connected")
	}
}

// DirectoryWritableCheck verifies a spill directory exists and is writable.
func DirectoryWritableCheck(dir string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return measured(start, StatusUnhealthy, fmt.Sprintf("directory %s not creatable: %v", dir, err))
		}
		probe := filepath.Join(dir, ".probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return measured(start, StatusUnhealthy, fmt.Sprintf("directory %s not writable: %v", dir, err))
		}
		_ = os.Remove(probe)
		return measured(start, StatusHealthy, "directory writable")
	}
}

// ConfigurationHealthCheck flags required settings that resolved empty.
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		var missing []string
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return measured(start, StatusUnhealthy, fmt.Sprintf("missing required configuration: %v", missing))
		}
		return measured(start, StatusHealthy, "all required configuration present")
	}
}
