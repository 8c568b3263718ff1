package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const (
	// sweepOverlap is re-read behind the cursor each sweep so a transition
	// committed while the previous sweep ran is never missed. The enqueue
	// unique key absorbs the duplicates.
	sweepOverlap = 5 * time.Second

	// sweepBootLookback seeds the cursor on a cold start.
	sweepBootLookback = 5 * time.Minute

	sweepBatchLimit = 500
)

// alertEvent is the alerts_changed trigger payload.
type alertEvent struct {
	TenantID string `json:"tenant_id"`
	AlertID  string `json:"alert_id"`
	Event    string `json:"event"`
}

// Router turns alert transitions into delivery jobs: one job per matching
// enabled route, deduplicated by the job table's unique key. It hears
// about transitions twice, LISTEN/NOTIFY for latency and the cursor sweep
// for completeness, and both paths converge on the same enqueue.
type Router struct {
	gateway     *store.Gateway
	queue       *Queue
	logger      logging.Logger
	metrics     *Metrics
	maxAttempts int

	mu     sync.Mutex
	cursor time.Time

	now func() time.Time
}

func NewRouter(gw *store.Gateway, queue *Queue, cfg Config, logger logging.Logger, metrics *Metrics) *Router {
	return &Router{
		gateway:     gw,
		queue:       queue,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: cfg.MaxAttempts,
		cursor:      time.Now().Add(-sweepBootLookback),
		now:         time.Now,
	}
}

// HandleNotification routes one alerts_changed payload. Returns false
// when the payload cannot be parsed; the caller falls back to a sweep.
func (r *Router) HandleNotification(ctx context.Context, payload string) bool {
	var ev alertEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.TenantID == "" || ev.AlertID == "" {
		r.logger.WithField("payload", payload).Warn("Unparseable alerts_changed payload, deferring to sweep")
		return false
	}
	if _, err := r.RouteAlert(ctx, ev.TenantID, ev.AlertID, ev.Event); err != nil {
		r.logger.WithFields(logging.Fields{
			"tenant_id": ev.TenantID,
			"alert_id":  ev.AlertID,
			"error":     err,
		}).Error("Routing from notification failed, sweep will retry")
		return false
	}
	return true
}

// RouteAlert matches one alert transition against the tenant's routes and
// enqueues a job per match. The event defaults from the alert's status
// when the caller does not know it.
func (r *Router) RouteAlert(ctx context.Context, tenantID, alertID, event string) (int, error) {
	var alert models.FleetAlert
	var channelIDs []string
	err := r.gateway.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		if err := loadAlert(ctx, tx, alertID, &alert); err != nil {
			return err
		}
		tags, err := loadDeviceTags(ctx, tx, alert.DeviceID)
		if err != nil {
			return err
		}
		routes, err := loadActiveRoutes(ctx, tx)
		if err != nil {
			return err
		}
		channelIDs = matchRoutes(routes, &alert, tags)
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, faults.Newf(faults.KindPermanent, "alert %s not found", alertID)
		}
		return 0, err
	}
	if event == "" {
		event = eventForStatus(alert.Status)
	}
	return r.enqueueJobs(ctx, &alert, event, channelIDs)
}

// Sweep scans fleet_alerts behind a high-water updated_at cursor and
// routes every transition it finds. Safe to run concurrently with the
// notification path; enqueue is idempotent.
func (r *Router) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	since := r.cursor.Add(-sweepOverlap)
	r.mu.Unlock()

	// The cursor candidate is pinned before the scan. Routing the page can
	// outlast the overlap, and a transition committed while it runs must
	// still be ahead of the advanced cursor.
	scanStart := r.now()

	type swept struct {
		alert models.FleetAlert
		event string
	}
	var found []swept
	var highWater time.Time

	err := r.gateway.WithService(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT alert_id, tenant_id, fingerprint, rule_id, device_id, site_id,
			       severity, alert_type, summary, details, status, triggered_at, updated_at
			FROM fleet_alerts
			WHERE updated_at > $1
			ORDER BY updated_at
			LIMIT $2`, since, sweepBatchLimit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var a models.FleetAlert
			if err := rows.Scan(&a.AlertID, &a.TenantID, &a.Fingerprint, &a.RuleID,
				&a.DeviceID, &a.SiteID, &a.Severity, &a.AlertType, &a.Summary,
				&a.Details, &a.Status, &a.TriggeredAt, &a.UpdatedAt); err != nil {
				return err
			}
			found = append(found, swept{alert: a, event: eventForStatus(a.Status)})
			if a.UpdatedAt.After(highWater) {
				highWater = a.UpdatedAt
			}
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i := range found {
		alert := &found[i].alert
		n, err := r.routeLoaded(ctx, alert, found[i].event)
		if err != nil {
			// Leave the cursor behind this alert so the next sweep retries.
			r.logger.WithFields(logging.Fields{
				"tenant_id": alert.TenantID,
				"alert_id":  alert.AlertID,
				"error":     err,
			}).Error("Sweep routing failed")
			return enqueued, err
		}
		enqueued += n
	}

	r.mu.Lock()
	if len(found) == sweepBatchLimit {
		r.cursor = highWater
	} else {
		// Partial page: everything up to the scan start is covered.
		if scanStart.After(r.cursor) {
			r.cursor = scanStart
		}
	}
	r.mu.Unlock()

	if depth, err := r.queue.Depth(ctx); err == nil {
		r.metrics.queueDepth(depth)
	}
	return enqueued, nil
}

// routeLoaded is RouteAlert for a row the sweep already has in hand.
func (r *Router) routeLoaded(ctx context.Context, alert *models.FleetAlert, event string) (int, error) {
	var channelIDs []string
	err := r.gateway.WithTenant(ctx, alert.TenantID, func(tx *sql.Tx) error {
		tags, err := loadDeviceTags(ctx, tx, alert.DeviceID)
		if err != nil {
			return err
		}
		routes, err := loadActiveRoutes(ctx, tx)
		if err != nil {
			return err
		}
		channelIDs = matchRoutes(routes, alert, tags)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return r.enqueueJobs(ctx, alert, event, channelIDs)
}

func (r *Router) enqueueJobs(ctx context.Context, alert *models.FleetAlert, event string, channelIDs []string) (int, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}
	doc, err := payloadToJSONB(buildPayload(alert, event))
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, channelID := range channelIDs {
		inserted, err := r.queue.Enqueue(ctx, models.NotificationJob{
			TenantID:     alert.TenantID,
			AlertID:      alert.AlertID,
			ChannelID:    channelID,
			TriggerEvent: event,
			MaxAttempts:  r.maxAttempts,
			Payload:      doc,
		})
		if err != nil {
			return enqueued, err
		}
		if inserted {
			enqueued++
		}
	}
	if enqueued > 0 {
		r.logger.WithFields(logging.Fields{
			"tenant_id": alert.TenantID,
			"alert_id":  alert.AlertID,
			"event":     event,
			"jobs":      enqueued,
		}).Info("Delivery jobs enqueued")
	}
	return enqueued, nil
}

func eventForStatus(status string) string {
	switch status {
	case models.AlertStatusClosed:
		return models.TriggerClose
	case models.AlertStatusAcknowledged:
		return models.TriggerAck
	default:
		return models.TriggerOpen
	}
}

// matchRoutes applies the three route filters: severity floor, alert-type
// set, and tag equality. Tag filters require every key=value to be
// present on the device.
func matchRoutes(routes []models.NotificationRoute, alert *models.FleetAlert, tags models.JSONB) []string {
	var channelIDs []string
	for i := range routes {
		route := &routes[i]
		if alert.Severity < route.MinSeverity {
			continue
		}
		if len(route.AlertTypes) > 0 && !containsString(route.AlertTypes, alert.AlertType) {
			continue
		}
		if !tagsMatch(route.TagFilters, tags) {
			continue
		}
		channelIDs = append(channelIDs, route.ChannelID)
	}
	return channelIDs
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func tagsMatch(filters, tags models.JSONB) bool {
	if len(filters) == 0 {
		return true
	}
	for key, want := range filters {
		got, ok := tags[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func loadAlert(ctx context.Context, tx *sql.Tx, alertID string, alert *models.FleetAlert) error {
	row := tx.QueryRowContext(ctx, `
		SELECT alert_id, tenant_id, fingerprint, rule_id, device_id, site_id,
		       severity, alert_type, summary, details, status, triggered_at, updated_at
		FROM fleet_alerts
		WHERE alert_id = $1`, alertID)
	return row.Scan(&alert.AlertID, &alert.TenantID, &alert.Fingerprint, &alert.RuleID,
		&alert.DeviceID, &alert.SiteID, &alert.Severity, &alert.AlertType, &alert.Summary,
		&alert.Details, &alert.Status, &alert.TriggeredAt, &alert.UpdatedAt)
}

func loadDeviceTags(ctx context.Context, tx *sql.Tx, deviceID string) (models.JSONB, error) {
	var tags models.JSONB
	row := tx.QueryRowContext(ctx, `
		SELECT tags FROM devices WHERE device_id = $1`, deviceID)
	if err := row.Scan(&tags); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Deleted device; routes without tag filters still apply.
			return nil, nil
		}
		return nil, err
	}
	return tags, nil
}

func loadActiveRoutes(ctx context.Context, tx *sql.Tx) ([]models.NotificationRoute, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.route_id, r.tenant_id, r.channel_id, r.min_severity,
		       r.alert_types, r.tag_filters, r.enabled
		FROM notification_routes r
		JOIN notification_channels c ON c.channel_id = r.channel_id
		WHERE r.enabled AND c.enabled`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var routes []models.NotificationRoute
	for rows.Next() {
		var route models.NotificationRoute
		if err := rows.Scan(&route.RouteID, &route.TenantID, &route.ChannelID,
			&route.MinSeverity, pq.Array(&route.AlertTypes), &route.TagFilters,
			&route.Enabled); err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}
