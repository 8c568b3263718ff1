package models

import "time"

// Message types on the device topic tree
const (
	MsgTypeTelemetry = "telemetry"
	MsgTypeHeartbeat = "heartbeat"
	MsgTypeEvent     = "event"
)

// TelemetryRow is one hypertable row. Metrics is a sparse mapping of
// metric key to number|string|bool|null.
type TelemetryRow struct {
	Time     time.Time `json:"time" db:"time"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	DeviceID string    `json:"device_id" db:"device_id"`
	SiteID   string    `json:"site_id" db:"site_id"`
	MsgType  string    `json:"msg_type" db:"msg_type"`
	Seq      *uint64   `json:"seq,omitempty" db:"seq"`
	Metrics  JSONB     `json:"metrics" db:"metrics"`
}

// HealthRow is one platform-health hypertable row. Fixed columns only;
// Extra absorbs fields newer firmware reports before a column exists.
type HealthRow struct {
	Time          time.Time `json:"time" db:"time"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	DeviceID      string    `json:"device_id" db:"device_id"`
	RSSI          *float64  `json:"rssi,omitempty" db:"rssi"`
	RSRP          *float64  `json:"rsrp,omitempty" db:"rsrp"`
	RSRQ          *float64  `json:"rsrq,omitempty" db:"rsrq"`
	SINR          *float64  `json:"sinr,omitempty" db:"sinr"`
	NetworkType   *string   `json:"network_type,omitempty" db:"network_type"`
	BatteryPct    *float64  `json:"battery_percent,omitempty" db:"battery_percent"`
	Voltage       *float64  `json:"voltage,omitempty" db:"voltage"`
	PowerSource   *string   `json:"power_source,omitempty" db:"power_source"`
	CPUTemp       *float64  `json:"cpu_temp,omitempty" db:"cpu_temp"`
	MemoryUsedPct *float64  `json:"memory_used_pct,omitempty" db:"memory_used_pct"`
	UptimeSeconds *int64    `json:"uptime_seconds,omitempty" db:"uptime_seconds"`
	RebootCount   *int64    `json:"reboot_count,omitempty" db:"reboot_count"`
	MsgCount      *int64    `json:"msg_count,omitempty" db:"msg_count"`
	ErrorCount    *int64    `json:"error_count,omitempty" db:"error_count"`
	Latitude      *float64  `json:"latitude,omitempty" db:"latitude"`
	Longitude     *float64  `json:"longitude,omitempty" db:"longitude"`
	Extra         JSONB     `json:"extra,omitempty" db:"extra"`
}

// Quarantine reasons attached to rejected inbound messages
const (
	QuarantineRateLimited     = "rate_limited"
	QuarantineOversize        = "oversize"
	QuarantineMalformedJSON   = "malformed_json"
	QuarantineTenantMismatch  = "tenant_mismatch"
	QuarantineDeviceMismatch  = "device_mismatch"
	QuarantineBadTimestamp    = "bad_timestamp"
	QuarantineBadTopic        = "bad_topic"
	QuarantineUnknownDevice   = "unknown_device"
	QuarantineDeviceSuspended = "device_suspended"
	QuarantineBadCommandAck   = "bad_command_ack"
)

// QuarantineEvent is the audit record for a rejected message. TenantID and
// DeviceID may be empty when the topic itself did not parse.
type QuarantineEvent struct {
	EventID     string    `json:"event_id" db:"event_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	DeviceID    string    `json:"device_id" db:"device_id"`
	Topic       string    `json:"topic" db:"topic"`
	Reason      string    `json:"reason" db:"reason"`
	Detail      string    `json:"detail" db:"detail"`
	PayloadSize int       `json:"payload_size" db:"payload_size"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
