package evaluator

import (
	"context"
	"database/sql"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// Derived device statuses
const (
	StatusOnline  = "ONLINE"
	StatusStale   = "STALE"
	StatusOffline = "OFFLINE"
)

// deviceSnapshot is one device's view for a single pass: registry row,
// rollup timestamps, and the latest telemetry metrics document.
type deviceSnapshot struct {
	TenantID        string
	DeviceID        string
	SiteID          string
	Status          string // stored rollup status
	LastTelemetryAt *time.Time
	LastHeartbeatAt *time.Time
	Metrics         models.JSONB
}

// lastContact is the freshest of the heartbeat and telemetry timestamps.
func (d *deviceSnapshot) lastContact() *time.Time {
	switch {
	case d.LastHeartbeatAt == nil:
		return d.LastTelemetryAt
	case d.LastTelemetryAt == nil:
		return d.LastHeartbeatAt
	case d.LastTelemetryAt.After(*d.LastHeartbeatAt):
		return d.LastTelemetryAt
	default:
		return d.LastHeartbeatAt
	}
}

// deriveStatus computes the rollup status against the server clock. A
// device that has never reported is OFFLINE.
func deriveStatus(d *deviceSnapshot, now time.Time, stale, offline time.Duration) string {
	contact := d.lastContact()
	if contact == nil {
		return StatusOffline
	}
	age := now.Sub(*contact)
	switch {
	case age < stale:
		return StatusOnline
	case age < offline:
		return StatusStale
	default:
		return StatusOffline
	}
}

// loadSnapshots reads every active device with its rollup row and latest
// telemetry metrics in one service-scope query.
func loadSnapshots(ctx context.Context, gw *store.Gateway) ([]*deviceSnapshot, error) {
	var snapshots []*deviceSnapshot
	err := gw.WithService(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT d.tenant_id, d.device_id, COALESCE(d.site_id, ''),
			       COALESCE(ds.status, 'OFFLINE'), ds.last_telemetry_at, ds.last_heartbeat_at,
			       lt.metrics
			FROM devices d
			LEFT JOIN device_state ds
			       ON ds.tenant_id = d.tenant_id AND ds.device_id = d.device_id
			LEFT JOIN LATERAL (
				SELECT metrics FROM telemetry t
				WHERE t.tenant_id = d.tenant_id AND t.device_id = d.device_id
				  AND t.msg_type = 'telemetry'
				ORDER BY t.time DESC
				LIMIT 1
			) lt ON true
			WHERE d.status = 'ACTIVE'
		`)
		if err != nil {
			return faults.Wrapf(faults.KindTransient, err, "load device snapshots")
		}
		defer rows.Close()

		for rows.Next() {
			d := &deviceSnapshot{}
			if err := rows.Scan(&d.TenantID, &d.DeviceID, &d.SiteID,
				&d.Status, &d.LastTelemetryAt, &d.LastHeartbeatAt, &d.Metrics); err != nil {
				return faults.Wrapf(faults.KindTransient, err, "scan device snapshot")
			}
			snapshots = append(snapshots, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// applyStatusTransitions writes the derived statuses that changed, one
// update per device in a single transaction, and mutates the snapshots to
// the new status. Devices without a rollup row get one.
func applyStatusTransitions(ctx context.Context, gw *store.Gateway, logger logging.Logger,
	snapshots []*deviceSnapshot, now time.Time, stale, offline time.Duration) (int, error) {

	type transition struct {
		d    *deviceSnapshot
		next string
	}
	var transitions []transition
	for _, d := range snapshots {
		next := deriveStatus(d, now, stale, offline)
		if next != d.Status {
			transitions = append(transitions, transition{d: d, next: next})
		}
	}
	if len(transitions) == 0 {
		return 0, nil
	}

	err := gw.WithService(ctx, func(tx *sql.Tx) error {
		for _, tr := range transitions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO device_state (tenant_id, device_id, status, last_state_change_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (tenant_id, device_id) DO UPDATE SET
					status = EXCLUDED.status,
					last_state_change_at = now()
			`, tr.d.TenantID, tr.d.DeviceID, tr.next); err != nil {
				return faults.Wrapf(faults.KindTransient, err, "device_state transition %s/%s", tr.d.TenantID, tr.d.DeviceID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, tr := range transitions {
		logger.WithFields(logging.Fields{
			"tenant_id": tr.d.TenantID,
			"device_id": tr.d.DeviceID,
			"from":      tr.d.Status,
			"to":        tr.next,
		}).Info("Device status transition")
		tr.d.Status = tr.next
	}
	return len(transitions), nil
}
