package models

import "time"

// Channel types
const (
	ChannelSlack     = "slack"
	ChannelPagerDuty = "pagerduty"
	ChannelTeams     = "teams"
	ChannelWebhook   = "webhook"
	ChannelEmail     = "email"
	ChannelSNMP      = "snmp"
	ChannelMQTT      = "mqtt"
)

// Trigger events, part of the unique job key
const (
	TriggerOpen  = "OPEN"
	TriggerClose = "CLOSE"
	TriggerAck   = "ACK"
)

// Job statuses
const (
	JobPending   = "PENDING"
	JobInFlight  = "IN_FLIGHT"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
)

// Delivery attempt outcomes
const (
	AttemptSuccess          = "SUCCESS"
	AttemptTransientFailure = "TRANSIENT_FAILURE"
	AttemptPermanentFailure = "PERMANENT_FAILURE"
)

// NotificationChannel is a tenant-configured sink. Config is
// channel-type-specific and never leaves the service unredacted.
type NotificationChannel struct {
	ChannelID   string    `json:"channel_id" db:"channel_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	ChannelType string    `json:"channel_type" db:"channel_type"`
	Name        string    `json:"name" db:"name"`
	Config      JSONB     `json:"-" db:"config"`
	Enabled     bool      `json:"enabled" db:"enabled"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NotificationRoute binds alert match criteria to one channel
type NotificationRoute struct {
	RouteID     string   `json:"route_id" db:"route_id"`
	TenantID    string   `json:"tenant_id" db:"tenant_id"`
	ChannelID   string   `json:"channel_id" db:"channel_id"`
	MinSeverity int      `json:"min_severity" db:"min_severity"`
	AlertTypes  []string `json:"alert_types,omitempty" db:"alert_types"`
	TagFilters  JSONB    `json:"tag_filters,omitempty" db:"tag_filters"`
	Enabled     bool     `json:"enabled" db:"enabled"`
}

// NotificationJob is one queued delivery for an (alert, channel) pair.
// (tenant_id, alert_id, channel_id, trigger_event) is unique.
type NotificationJob struct {
	JobID         string     `json:"job_id" db:"job_id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	AlertID       string     `json:"alert_id" db:"alert_id"`
	ChannelID     string     `json:"channel_id" db:"channel_id"`
	TriggerEvent  string     `json:"trigger_event" db:"trigger_event"`
	Status        string     `json:"status" db:"status"`
	AttemptCount  int        `json:"attempt_count" db:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	OwnerToken    *string    `json:"owner_token,omitempty" db:"owner_token"`
	Payload       JSONB      `json:"payload" db:"payload"`
	LastError     *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// NotificationAttempt records one delivery attempt for audit
type NotificationAttempt struct {
	AttemptID     string    `json:"attempt_id" db:"attempt_id"`
	JobID         string    `json:"job_id" db:"job_id"`
	AttemptNumber int       `json:"attempt_number" db:"attempt_number"`
	Outcome       string    `json:"outcome" db:"outcome"`
	Detail        string    `json:"detail" db:"detail"`
	DurationMS    int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// DeadLetter retains an exhausted or permanently failed job for replay
type DeadLetter struct {
	DeadLetterID string    `json:"dead_letter_id" db:"dead_letter_id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	JobID        string    `json:"job_id" db:"job_id"`
	AlertID      string    `json:"alert_id" db:"alert_id"`
	ChannelID    string    `json:"channel_id" db:"channel_id"`
	TriggerEvent string    `json:"trigger_event" db:"trigger_event"`
	Payload      JSONB     `json:"payload" db:"payload"`
	LastError    string    `json:"last_error" db:"last_error"`
	Attempts     int       `json:"attempts" db:"attempts"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// AlertPayload is the snapshot sent to every channel. Test deliveries set
// Test=true so receivers can discard them.
type AlertPayload struct {
	AlertID       string                 `json:"alert_id"`
	TenantID      string                 `json:"tenant_id"`
	DeviceID      string                 `json:"device_id"`
	SiteID        string                 `json:"site_id,omitempty"`
	Severity      int                    `json:"severity"`
	SeverityLabel string                 `json:"severity_label"`
	AlertType     string                 `json:"alert_type"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details,omitempty"`
	TriggeredAt   time.Time              `json:"triggered_at"`
	TriggerEvent  string                 `json:"trigger_event"`
	Test          bool                   `json:"_test,omitempty"`
}
