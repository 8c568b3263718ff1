package ingest

import (
	"context"
	"database/sql"
	"sync"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// SensorRegistry auto-discovers sensors from telemetry metric keys. A
// per-device seen-set is warmed from the sensors table on first contact so
// steady-state messages cost no queries; only genuinely new keys hit the
// store.
type SensorRegistry struct {
	gw     *store.Gateway
	logger logging.Logger

	mu      sync.Mutex
	devices map[string]*deviceSensors
}

type deviceSensors struct {
	keys   map[string]struct{}
	capped map[string]struct{}
}

// NewSensorRegistry creates an empty registry over the gateway.
func NewSensorRegistry(gw *store.Gateway, logger logging.Logger) *SensorRegistry {
	return &SensorRegistry{
		gw:      gw,
		logger:  logger,
		devices: make(map[string]*deviceSensors),
	}
}

// Observe records the metric keys of one accepted message. Keys past the
// device's effective sensor limit are logged once and skipped; the
// telemetry row itself is unaffected. Errors are returned for logging but
// never reject the message.
func (r *SensorRegistry) Observe(ctx context.Context, rec *deviceRecord, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	devKey := rec.TenantID + "/" + rec.DeviceID

	r.mu.Lock()
	ds, ok := r.devices[devKey]
	r.mu.Unlock()

	if !ok {
		warmed, err := r.warm(ctx, rec.TenantID, rec.DeviceID)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if existing, raced := r.devices[devKey]; raced {
			ds = existing
		} else {
			ds = warmed
			r.devices[devKey] = ds
		}
		r.mu.Unlock()
	}

	limit := rec.EffectiveSensorLimit()

	r.mu.Lock()
	var admit []string
	for _, key := range keys {
		if _, seen := ds.keys[key]; seen {
			continue
		}
		if len(ds.keys) >= limit {
			if _, logged := ds.capped[key]; !logged {
				ds.capped[key] = struct{}{}
				r.logger.WithFields(logging.Fields{
					"tenant_id":  rec.TenantID,
					"device_id":  rec.DeviceID,
					"metric_key": key,
					"limit":      limit,
				}).Warn("Sensor limit reached, key not registered")
			}
			continue
		}
		ds.keys[key] = struct{}{}
		admit = append(admit, key)
	}
	r.mu.Unlock()

	if len(admit) == 0 {
		return nil
	}

	err := r.gw.WithService(ctx, func(tx *sql.Tx) error {
		for _, key := range admit {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sensors (tenant_id, device_id, metric_key, display_name, created_at)
				VALUES ($1, $2, $3, $3, now())
				ON CONFLICT (tenant_id, device_id, metric_key) DO NOTHING
			`, rec.TenantID, rec.DeviceID, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Roll the admitted keys back out so a later message retries them.
		r.mu.Lock()
		for _, key := range admit {
			delete(ds.keys, key)
		}
		r.mu.Unlock()
		return err
	}

	r.logger.WithFields(logging.Fields{
		"tenant_id": rec.TenantID,
		"device_id": rec.DeviceID,
		"count":     len(admit),
	}).Debug("Registered discovered sensors")
	return nil
}

// Forget drops the cached seen-set for a device so the next message
// re-warms it from the store.
func (r *SensorRegistry) Forget(tenantID, deviceID string) {
	r.mu.Lock()
	delete(r.devices, tenantID+"/"+deviceID)
	r.mu.Unlock()
}

func (r *SensorRegistry) warm(ctx context.Context, tenantID, deviceID string) (*deviceSensors, error) {
	ds := &deviceSensors{
		keys:   make(map[string]struct{}),
		capped: make(map[string]struct{}),
	}
	err := r.gw.WithService(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT metric_key FROM sensors WHERE tenant_id = $1 AND device_id = $2`,
			tenantID, deviceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			ds.keys[key] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}
