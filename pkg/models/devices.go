package models

import "time"

// Device statuses
const (
	DeviceStatusActive         = "ACTIVE"
	DeviceStatusSuspended      = "SUSPENDED"
	DeviceStatusDecommissioned = "DECOMMISSIONED"
)

// Subscription statuses
const (
	SubscriptionActive    = "ACTIVE"
	SubscriptionSuspended = "SUSPENDED"
	SubscriptionExpired   = "EXPIRED"
)

// Derived device connectivity states
const (
	DeviceStateOnline  = "ONLINE"
	DeviceStateStale   = "STALE"
	DeviceStateOffline = "OFFLINE"
)

// DefaultSensorLimit applies when neither the device nor its tier sets one.
const DefaultSensorLimit = 20

// Device is a registered unit in the fleet registry
type Device struct {
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	DeviceID           string     `json:"device_id" db:"device_id"`
	SerialNumber       string     `json:"serial_number" db:"serial_number"`
	MACAddress         string     `json:"mac_address" db:"mac_address"`
	Model              string     `json:"model" db:"model"`
	FirmwareVersion    string     `json:"firmware_version" db:"firmware_version"`
	TemplateID         *string    `json:"template_id,omitempty" db:"template_id"`
	Tier               string     `json:"tier" db:"tier"`
	SiteID             string     `json:"site_id" db:"site_id"`
	SensorLimit        *int       `json:"sensor_limit,omitempty" db:"sensor_limit"`
	ProvisionTokenHash string     `json:"-" db:"provision_token_hash"`
	Status             string     `json:"status" db:"status"`
	Tags               JSONB      `json:"tags,omitempty" db:"tags"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Subscription is the tenant's service plan
type Subscription struct {
	TenantID           string    `json:"tenant_id" db:"tenant_id"`
	Tier               string    `json:"tier" db:"tier"`
	Status             string    `json:"status" db:"status"`
	DefaultSensorLimit *int      `json:"default_sensor_limit,omitempty" db:"default_sensor_limit"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Sensor is auto-discovered from telemetry metric keys
type Sensor struct {
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	DeviceID    string     `json:"device_id" db:"device_id"`
	MetricKey   string     `json:"metric_key" db:"metric_key"`
	DisplayName string     `json:"display_name" db:"display_name"`
	Unit        string     `json:"unit" db:"unit"`
	MinValue    *float64   `json:"min_value,omitempty" db:"min_value"`
	MaxValue    *float64   `json:"max_value,omitempty" db:"max_value"`
	Precision   int        `json:"precision" db:"precision"`
	LastValue   *float64   `json:"last_value,omitempty" db:"last_value"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// DeviceState is the per-device rollup the evaluator maintains
type DeviceState struct {
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	DeviceID          string     `json:"device_id" db:"device_id"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	LastTelemetryAt   *time.Time `json:"last_telemetry_at,omitempty" db:"last_telemetry_at"`
	Status            string     `json:"status" db:"status"`
	LastStateChangeAt *time.Time `json:"last_state_change_at,omitempty" db:"last_state_change_at"`
}

// MaintenanceWindow silences alert opening for its scope while active
type MaintenanceWindow struct {
	WindowID       string    `json:"window_id" db:"window_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	DeviceID       *string   `json:"device_id,omitempty" db:"device_id"`
	SiteID         *string   `json:"site_id,omitempty" db:"site_id"`
	StartsAt       time.Time `json:"starts_at" db:"starts_at"`
	EndsAt         time.Time `json:"ends_at" db:"ends_at"`
	SuppressAlerts bool      `json:"suppress_alerts" db:"suppress_alerts"`
}

// MetricMapping normalizes a raw device metric
type MetricMapping struct {
	TenantID      string  `json:"tenant_id" db:"tenant_id"`
	RawKey        string  `json:"raw_key" db:"raw_key"`
	NormalizedKey string  `json:"normalized_key" db:"normalized_key"`
	Multiplier    float64 `json:"multiplier" db:"multiplier"`
	OffsetValue   float64 `json:"offset_value" db:"offset_value"`
	DisplayUnit   string  `json:"display_unit" db:"display_unit"`
}

// DeviceShadow holds the last reported device state document
type DeviceShadow struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	Reported   JSONB     `json:"reported" db:"reported"`
	ReportedAt time.Time `json:"reported_at" db:"reported_at"`
}

// Device command statuses
const (
	CommandStatusPending   = "PENDING"
	CommandStatusSent      = "SENT"
	CommandStatusDelivered = "DELIVERED"
	CommandStatusAcked     = "ACKED"
	CommandStatusFailed    = "FAILED"
)

// DeviceCommand tracks a command sent to a device and its acknowledgement
type DeviceCommand struct {
	CommandID  string     `json:"command_id" db:"command_id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	DeviceID   string     `json:"device_id" db:"device_id"`
	Status     string     `json:"status" db:"status"`
	AckPayload JSONB      `json:"ack_payload,omitempty" db:"ack_payload"`
	AckedAt    *time.Time `json:"acked_at,omitempty" db:"acked_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
