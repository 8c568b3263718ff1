package evaluator

import (
	"context"
	"database/sql"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// Gap alerts carry a fixed type and severity regardless of the rule that
// detected them, so routing and dedup see one NO_TELEMETRY stream per
// device.
const (
	alertTypeNoTelemetry = "NO_TELEMETRY"
	gapSeverity          = 4
)

func ruleFingerprint(ruleID, deviceID string) string {
	return "RULE:" + ruleID + ":" + deviceID
}

func gapFingerprint(deviceID string) string {
	return "NO_TELEMETRY:" + deviceID
}

// ruleInScope applies site and group scoping. Empty scope means
// fleet-wide; a scoped rule skips devices outside the scope.
func ruleInScope(rule *models.AlertRule, device *deviceSnapshot, groups map[string]map[string]struct{}) bool {
	if len(rule.SiteIDs) > 0 {
		found := false
		for _, site := range rule.SiteIDs {
			if site == device.SiteID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	groupIDs := rule.GroupIDs
	if rule.DeviceGroupID != nil && *rule.DeviceGroupID != "" {
		groupIDs = append(append([]string{}, groupIDs...), *rule.DeviceGroupID)
	}
	if len(groupIDs) == 0 {
		return true
	}
	for _, groupID := range groupIDs {
		if members, ok := groups[groupID]; ok {
			if _, member := members[device.DeviceID]; member {
				return true
			}
		}
	}
	return false
}

// loadOpenFingerprints returns the live (OPEN or ACKNOWLEDGED) alert
// fingerprints of a tenant, the set a pass may close.
func loadOpenFingerprints(ctx context.Context, tx *sql.Tx, tenantID string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT fingerprint FROM fleet_alerts
		WHERE tenant_id = $1 AND status IN ('OPEN', 'ACKNOWLEDGED')
	`, tenantID)
	if err != nil {
		return nil, faults.Wrapf(faults.KindTransient, err, "load open fingerprints")
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var fingerprint string
		if err := rows.Scan(&fingerprint); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err)
		}
		set[fingerprint] = struct{}{}
	}
	return set, rows.Err()
}

// loadSuppressedDevices resolves active maintenance windows to the set of
// device IDs whose alert transitions are frozen this pass.
func loadSuppressedDevices(ctx context.Context, tx *sql.Tx, tenantID string,
	devices []*deviceSnapshot, now time.Time) (map[string]struct{}, error) {

	rows, err := tx.QueryContext(ctx, `
		SELECT device_id, site_id FROM maintenance_windows
		WHERE tenant_id = $1 AND suppress_alerts
		  AND $2 BETWEEN starts_at AND ends_at
	`, tenantID, now)
	if err != nil {
		return nil, faults.Wrapf(faults.KindTransient, err, "load maintenance windows")
	}
	defer rows.Close()

	type window struct {
		deviceID *string
		siteID   *string
	}
	var windows []window
	for rows.Next() {
		var w window
		if err := rows.Scan(&w.deviceID, &w.siteID); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err)
	}
	if len(windows) == 0 {
		return map[string]struct{}{}, nil
	}

	suppressed := make(map[string]struct{})
	for _, d := range devices {
		for _, w := range windows {
			switch {
			case w.deviceID != nil:
				if *w.deviceID == d.DeviceID {
					suppressed[d.DeviceID] = struct{}{}
				}
			case w.siteID != nil:
				if *w.siteID == d.SiteID {
					suppressed[d.DeviceID] = struct{}{}
				}
			default:
				// tenant-wide window
				suppressed[d.DeviceID] = struct{}{}
			}
		}
	}
	return suppressed, nil
}

// loadGroupMembership reads the tenant's group membership as
// group_id → device set. Loaded per pass only when a rule is group-scoped.
func loadGroupMembership(ctx context.Context, tx *sql.Tx, tenantID string) (map[string]map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT group_id, device_id FROM device_group_members
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, faults.Wrapf(faults.KindTransient, err, "load group membership")
	}
	defer rows.Close()

	groups := make(map[string]map[string]struct{})
	for rows.Next() {
		var groupID, deviceID string
		if err := rows.Scan(&groupID, &deviceID); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err)
		}
		if groups[groupID] == nil {
			groups[groupID] = make(map[string]struct{})
		}
		groups[groupID][deviceID] = struct{}{}
	}
	return groups, rows.Err()
}
