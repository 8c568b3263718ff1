package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// Notification channel names
const (
	ChannelTelemetryIngested = "telemetry_ingested"
	ChannelAlertsChanged     = "alerts_changed"
	ChannelRulesChanged      = "rules_changed"
)

// InsertTelemetryBatch writes one batch of telemetry rows through the
// store's batch procedure and returns the inserted count.
func InsertTelemetryBatch(ctx context.Context, tx *sql.Tx, rows []models.TelemetryRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, faults.Wrapf(faults.KindValidation, err, "encode telemetry batch")
	}

	var inserted int
	if err := tx.QueryRowContext(ctx,
		`SELECT insert_telemetry_batch($1::jsonb)`, payload,
	).Scan(&inserted); err != nil {
		return 0, faults.Wrapf(faults.KindTransient, err, "insert_telemetry_batch")
	}
	return inserted, nil
}

// InsertDeviceHealthBatch writes one batch of platform-health rows.
func InsertDeviceHealthBatch(ctx context.Context, tx *sql.Tx, rows []models.HealthRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, faults.Wrapf(faults.KindValidation, err, "encode health batch")
	}

	var inserted int
	if err := tx.QueryRowContext(ctx,
		`SELECT insert_device_health_batch($1::jsonb)`, payload,
	).Scan(&inserted); err != nil {
		return 0, faults.Wrapf(faults.KindTransient, err, "insert_device_health_batch")
	}
	return inserted, nil
}

// OpenAlert upserts an OPEN alert keyed on (tenant_id, fingerprint). When
// an open alert already exists only its last_seen_at moves; inserted
// reports whether this call created the row. The alerts_changed
// notification is emitted by the table trigger.
func OpenAlert(ctx context.Context, tx *sql.Tx, alert *models.FleetAlert) (inserted bool, alertID string, err error) {
	details, err := alert.Details.Value()
	if err != nil {
		return false, "", faults.Wrapf(faults.KindValidation, err, "encode alert details")
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO fleet_alerts (
			alert_id, tenant_id, fingerprint, rule_id, device_id, site_id,
			severity, alert_type, summary, details, status, triggered_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'OPEN', now(), now())
		ON CONFLICT (tenant_id, fingerprint) WHERE status = 'OPEN'
		DO UPDATE SET last_seen_at = now()
		RETURNING alert_id, (xmax = 0) AS inserted
	`, uuid.New().String(), alert.TenantID, alert.Fingerprint, alert.RuleID,
		alert.DeviceID, alert.SiteID, alert.Severity, alert.AlertType,
		alert.Summary, details,
	).Scan(&alertID, &inserted)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, "", faults.Wrap(faults.KindIntegrity, err)
		}
		return false, "", faults.Wrapf(faults.KindTransient, err, "open alert %s", alert.Fingerprint)
	}
	return inserted, alertID, nil
}

// CloseAlert closes the open (or acknowledged) alert for a fingerprint.
// closed=false means there was nothing to close.
func CloseAlert(ctx context.Context, tx *sql.Tx, tenantID, fingerprint string) (closed bool, err error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE fleet_alerts
		SET status = 'CLOSED', closed_at = now()
		WHERE tenant_id = $1 AND fingerprint = $2 AND status IN ('OPEN', 'ACKNOWLEDGED')
	`, tenantID, fingerprint)
	if err != nil {
		return false, faults.Wrapf(faults.KindTransient, err, "close alert %s", fingerprint)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.Wrap(faults.KindTransient, err)
	}
	return n > 0, nil
}

// NotifyTelemetryIngested emits the channel-wide wake signal after a
// successful flush. No payload; the evaluator re-reads state itself.
func NotifyTelemetryIngested(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, '')`, ChannelTelemetryIngested); err != nil {
		return faults.Wrapf(faults.KindTransient, err, "notify %s", ChannelTelemetryIngested)
	}
	return nil
}

// NewEventID returns an identifier for audit rows.
func NewEventID() string {
	return uuid.New().String()
}
