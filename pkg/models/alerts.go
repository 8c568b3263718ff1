package models

import "time"

// Alert rule kinds
const (
	RuleKindThreshold      = "threshold"
	RuleKindMultiCondition = "multi_condition"
	RuleKindAnomaly        = "anomaly"
	RuleKindTelemetryGap   = "telemetry_gap"
	RuleKindWindow         = "window"
)

// Multi-condition match modes
const (
	MatchModeAll = "all"
	MatchModeAny = "any"
)

// Alert statuses; transitions only move forward
const (
	AlertStatusOpen         = "OPEN"
	AlertStatusAcknowledged = "ACKNOWLEDGED"
	AlertStatusClosed       = "CLOSED"
)

// Severity labels, 5 most severe
var SeverityLabels = map[int]string{
	5: "CRITICAL",
	4: "MAJOR",
	3: "MINOR",
	2: "WARNING",
	1: "INFO",
}

// SeverityLabel returns the display label for a severity, UNKNOWN when out
// of range.
func SeverityLabel(severity int) string {
	if label, ok := SeverityLabels[severity]; ok {
		return label
	}
	return "UNKNOWN"
}

// AlertRule is a tenant-owned evaluation rule. Condition is kind-specific.
type AlertRule struct {
	RuleID          string     `json:"rule_id" db:"rule_id"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	Name            string     `json:"name" db:"name"`
	Kind            string     `json:"kind" db:"kind"`
	Severity        int        `json:"severity" db:"severity"`
	Enabled         bool       `json:"enabled" db:"enabled"`
	SiteIDs         []string   `json:"site_ids,omitempty" db:"site_ids"`
	GroupIDs        []string   `json:"group_ids,omitempty" db:"group_ids"`
	DeviceGroupID   *string    `json:"device_group_id,omitempty" db:"device_group_id"`
	MetricName      *string    `json:"metric_name,omitempty" db:"metric_name"`
	SensorID        *string    `json:"sensor_id,omitempty" db:"sensor_id"`
	SensorType      *string    `json:"sensor_type,omitempty" db:"sensor_type"`
	Condition       JSONB      `json:"condition" db:"condition"`
	DurationMinutes int        `json:"duration_minutes" db:"duration_minutes"`
	MatchMode       string     `json:"match_mode,omitempty" db:"match_mode"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// FleetAlert is one alert instance, deduplicated by fingerprint
type FleetAlert struct {
	AlertID     string     `json:"alert_id" db:"alert_id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	RuleID      *string    `json:"rule_id,omitempty" db:"rule_id"`
	DeviceID    string     `json:"device_id" db:"device_id"`
	SiteID      string     `json:"site_id" db:"site_id"`
	Severity    int        `json:"severity" db:"severity"`
	AlertType   string     `json:"alert_type" db:"alert_type"`
	Summary     string     `json:"summary" db:"summary"`
	Details     JSONB      `json:"details,omitempty" db:"details"`
	Status      string     `json:"status" db:"status"`
	TriggeredAt time.Time  `json:"triggered_at" db:"triggered_at"`
	LastSeenAt  time.Time  `json:"last_seen_at" db:"last_seen_at"`
	AckedAt     *time.Time `json:"acked_at,omitempty" db:"acked_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}
