package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// ValidationError carries the machine-readable quarantine reason for a
// rejected message.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func rejected(reason, format string, args ...interface{}) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Reserved keys stripped from the metrics mapping. The topic is
// authoritative for tenant/device; time, seq, and site_id move to
// dedicated columns.
var reservedKeys = map[string]struct{}{
	"time":      {},
	"seq":       {},
	"site_id":   {},
	"msg_type":  {},
	"tenant_id": {},
	"device_id": {},
}

// Envelope is one validated inbound message. Metrics holds only scalar
// values (number, string, bool, null); DroppedKeys lists metric keys whose
// values were not scalar and were dropped without rejecting the message.
type Envelope struct {
	Time        time.Time
	Seq         *uint64
	SiteID      string
	Metrics     map[string]interface{}
	DroppedKeys []string
}

// ParseEnvelope validates a payload against the envelope rules. The
// returned error is always a *ValidationError. Size is checked first so an
// oversize body is never parsed; a payload of exactly maxBytes passes.
func ParseEnvelope(topic Topic, payload []byte, maxBytes int, now time.Time) (*Envelope, error) {
	if len(payload) > maxBytes {
		return nil, rejected(models.QuarantineOversize, "payload %d bytes exceeds cap %d", len(payload), maxBytes)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, rejected(models.QuarantineMalformedJSON, "%v", err)
	}

	env := &Envelope{Time: now, Metrics: make(map[string]interface{}, len(raw))}

	if v, ok := raw["tenant_id"]; ok {
		var claimed string
		if err := json.Unmarshal(v, &claimed); err != nil || claimed != topic.TenantID {
			return nil, rejected(models.QuarantineTenantMismatch, "payload tenant does not match topic tenant %s", topic.TenantID)
		}
	}
	if v, ok := raw["device_id"]; ok {
		var claimed string
		if err := json.Unmarshal(v, &claimed); err != nil || claimed != topic.DeviceID {
			return nil, rejected(models.QuarantineDeviceMismatch, "payload device does not match topic device %s", topic.DeviceID)
		}
	}

	if v, ok := raw["time"]; ok {
		var stamp string
		if err := json.Unmarshal(v, &stamp); err != nil {
			return nil, rejected(models.QuarantineBadTimestamp, "time is not a string")
		}
		parsed, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return nil, rejected(models.QuarantineBadTimestamp, "time %q is not ISO-8601", stamp)
		}
		env.Time = parsed.UTC()
	}

	if v, ok := raw["seq"]; ok {
		var seq uint64
		if err := json.Unmarshal(v, &seq); err != nil {
			return nil, rejected(models.QuarantineMalformedJSON, "seq is not a non-negative integer")
		}
		env.Seq = &seq
	}

	if v, ok := raw["site_id"]; ok {
		var site string
		if err := json.Unmarshal(v, &site); err != nil {
			return nil, rejected(models.QuarantineMalformedJSON, "site_id is not a string")
		}
		env.SiteID = site
	}

	for key, v := range raw {
		if _, reserved := reservedKeys[key]; reserved {
			continue
		}
		var value interface{}
		if err := json.Unmarshal(v, &value); err != nil {
			return nil, rejected(models.QuarantineMalformedJSON, "metric %s: %v", key, err)
		}
		switch value.(type) {
		case float64, string, bool, nil:
			env.Metrics[key] = value
		default:
			// nested objects and arrays drop only the offending key
			env.DroppedKeys = append(env.DroppedKeys, key)
		}
	}

	return env, nil
}

// Platform-health metric keys, extracted from any message into the health
// hypertable and never mixed into customer telemetry.
var healthFloatKeys = map[string]func(*models.HealthRow, float64){
	"rssi":            func(r *models.HealthRow, v float64) { r.RSSI = &v },
	"rsrp":            func(r *models.HealthRow, v float64) { r.RSRP = &v },
	"rsrq":            func(r *models.HealthRow, v float64) { r.RSRQ = &v },
	"sinr":            func(r *models.HealthRow, v float64) { r.SINR = &v },
	"battery_percent": func(r *models.HealthRow, v float64) { r.BatteryPct = &v },
	"voltage":         func(r *models.HealthRow, v float64) { r.Voltage = &v },
	"cpu_temp":        func(r *models.HealthRow, v float64) { r.CPUTemp = &v },
	"memory_used_pct": func(r *models.HealthRow, v float64) { r.MemoryUsedPct = &v },
	"latitude":        func(r *models.HealthRow, v float64) { r.Latitude = &v },
	"longitude":       func(r *models.HealthRow, v float64) { r.Longitude = &v },
}

var healthIntKeys = map[string]func(*models.HealthRow, int64){
	"uptime_seconds": func(r *models.HealthRow, v int64) { r.UptimeSeconds = &v },
	"reboot_count":   func(r *models.HealthRow, v int64) { r.RebootCount = &v },
	"msg_count":      func(r *models.HealthRow, v int64) { r.MsgCount = &v },
	"error_count":    func(r *models.HealthRow, v int64) { r.ErrorCount = &v },
}

var healthStringKeys = map[string]func(*models.HealthRow, string){
	"network_type": func(r *models.HealthRow, v string) { r.NetworkType = &v },
	"power_source": func(r *models.HealthRow, v string) { r.PowerSource = &v },
}

// ExtractHealth moves recognised platform-health fields out of the metrics
// mapping into a HealthRow. Returns nil when the message carried none.
func ExtractHealth(env *Envelope, tenantID, deviceID string) *models.HealthRow {
	row := &models.HealthRow{Time: env.Time, TenantID: tenantID, DeviceID: deviceID}
	found := false

	for key, set := range healthFloatKeys {
		if v, ok := env.Metrics[key].(float64); ok {
			set(row, v)
			delete(env.Metrics, key)
			found = true
		}
	}
	for key, set := range healthIntKeys {
		if v, ok := env.Metrics[key].(float64); ok {
			set(row, int64(v))
			delete(env.Metrics, key)
			found = true
		}
	}
	for key, set := range healthStringKeys {
		if v, ok := env.Metrics[key].(string); ok {
			set(row, v)
			delete(env.Metrics, key)
			found = true
		}
	}

	if !found {
		return nil
	}
	return row
}
