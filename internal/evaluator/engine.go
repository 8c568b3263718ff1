package evaluator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/cache"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const (
	rulesCacheKey = "rules"
	cacheTTL      = 60 * time.Second
)

// Engine runs one evaluation pass at a time: rollup, then every enabled
// rule against every in-scope device of the owned tenants. Transitions go
// through store.OpenAlert/store.CloseAlert, which dedupe on fingerprint.
type Engine struct {
	gw      *store.Gateway
	cfg     Config
	logger  logging.Logger
	metrics *Metrics

	rules    *cache.Cache
	mappings *cache.Cache

	// pending tracks the first breach time per fingerprint for
	// duration-gated rules. In-process state; a restart restarts the
	// clock, which only delays an open.
	mu      sync.Mutex
	pending map[string]time.Time

	now func() time.Time
}

// NewEngine builds an engine over the gateway. Metrics may be nil.
func NewEngine(gw *store.Gateway, cfg Config, logger logging.Logger, metrics *Metrics) *Engine {
	return &Engine{
		gw:       gw,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		rules:    cache.New(cache.Options{TTL: cacheTTL}, metrics.cacheHooks("rules")),
		mappings: cache.New(cache.Options{TTL: cacheTTL}, metrics.cacheHooks("mappings")),
		pending:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// PurgeCaches drops the rule and mapping caches, called on rules_changed.
func (e *Engine) PurgeCaches() {
	e.rules.Purge()
	e.mappings.Purge()
}

// PassStats summarises one evaluation pass.
type PassStats struct {
	Devices     int
	Rules       int
	Transitions int
	Opened      int
	Refreshed   int
	Closed      int
}

// Pass runs one full evaluation cycle.
func (e *Engine) Pass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	now := e.now()

	snapshots, err := loadSnapshots(ctx, e.gw)
	if err != nil {
		return stats, err
	}

	owned := snapshots[:0]
	for _, d := range snapshots {
		if e.cfg.ownsTenant(d.TenantID) {
			owned = append(owned, d)
		}
	}
	stats.Devices = len(owned)

	stats.Transitions, err = applyStatusTransitions(ctx, e.gw, e.logger, owned,
		now, e.cfg.StaleThreshold, e.cfg.OfflineThreshold)
	if err != nil {
		return stats, err
	}

	rules, err := e.cachedRules(ctx)
	if err != nil {
		return stats, err
	}

	rulesByTenant := make(map[string][]models.AlertRule)
	for _, r := range rules {
		if e.cfg.ownsTenant(r.TenantID) {
			rulesByTenant[r.TenantID] = append(rulesByTenant[r.TenantID], r)
		}
	}
	devicesByTenant := make(map[string][]*deviceSnapshot)
	for _, d := range owned {
		devicesByTenant[d.TenantID] = append(devicesByTenant[d.TenantID], d)
	}

	touched := make(map[string]struct{})
	for tenantID, tenantRules := range rulesByTenant {
		devices := devicesByTenant[tenantID]
		if len(devices) == 0 {
			continue
		}
		tstats, err := e.evaluateTenant(ctx, tenantID, tenantRules, devices, now, touched)
		if err != nil {
			// One tenant's failure must not starve the rest of the fleet.
			e.logger.WithFields(logging.Fields{
				"tenant_id": tenantID,
				"error":     err,
			}).Error("Tenant evaluation failed")
			continue
		}
		stats.Rules += len(tenantRules)
		stats.Opened += tstats.Opened
		stats.Refreshed += tstats.Refreshed
		stats.Closed += tstats.Closed
	}

	e.prunePending(touched)
	return stats, nil
}

func (e *Engine) cachedRules(ctx context.Context) ([]models.AlertRule, error) {
	value, ok, err := e.rules.Get(ctx, rulesCacheKey, func(ctx context.Context, _ string) (interface{}, bool, error) {
		rules, err := loadRules(ctx, e.gw)
		if err != nil {
			return nil, false, err
		}
		return rules, true, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return value.([]models.AlertRule), nil
}

func (e *Engine) cachedMappings(ctx context.Context, tenantID string) (mappingSet, error) {
	value, ok, err := e.mappings.Get(ctx, tenantID, func(ctx context.Context, _ string) (interface{}, bool, error) {
		set, err := loadMappings(ctx, e.gw, tenantID)
		if err != nil {
			return nil, false, err
		}
		return set, true, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return value.(mappingSet), nil
}

// alertDraft is a decided transition before it is written.
type alertDraft struct {
	fingerprint string
	device      *deviceSnapshot
	rule        *models.AlertRule
	severity    int
	alertType   string
	summary     string
	details     models.JSONB
}

func (e *Engine) evaluateTenant(ctx context.Context, tenantID string, rules []models.AlertRule,
	devices []*deviceSnapshot, now time.Time, touched map[string]struct{}) (PassStats, error) {

	var stats PassStats

	mappings, err := e.cachedMappings(ctx, tenantID)
	if err != nil {
		return stats, err
	}

	needGroups := false
	for i := range rules {
		if len(rules[i].GroupIDs) > 0 || (rules[i].DeviceGroupID != nil && *rules[i].DeviceGroupID != "") {
			needGroups = true
			break
		}
	}

	// Read phase: one tenant-scope transaction collects everything the
	// decisions need, including the per-rule SQL aggregates.
	var opens, closes []alertDraft
	err = e.gw.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		openSet, err := loadOpenFingerprints(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		suppressed, err := loadSuppressedDevices(ctx, tx, tenantID, devices, now)
		if err != nil {
			return err
		}
		var groups map[string]map[string]struct{}
		if needGroups {
			if groups, err = loadGroupMembership(ctx, tx, tenantID); err != nil {
				return err
			}
		}

		for i := range rules {
			rule := &rules[i]
			for _, device := range devices {
				if !ruleInScope(rule, device, groups) {
					continue
				}
				draft, breach, evaluated, err := e.evaluateRule(ctx, tx, rule, device, mappings, now)
				if err != nil {
					return err
				}
				if !evaluated {
					continue
				}
				touched[draft.fingerprint] = struct{}{}

				if _, quiet := suppressed[device.DeviceID]; quiet {
					// Maintenance freezes this device's alert state: no
					// opens, no closes, pending keeps tracking.
					if breach {
						e.durationHeld(rule, draft.fingerprint, now)
					} else {
						e.clearPending(draft.fingerprint)
					}
					continue
				}

				switch {
				case breach && e.durationHeld(rule, draft.fingerprint, now):
					opens = append(opens, draft)
				case !breach:
					e.clearPending(draft.fingerprint)
					if _, open := openSet[draft.fingerprint]; open {
						closes = append(closes, draft)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	// Write phase: each transition commits on its own so a fingerprint
	// race with another shard cannot poison the rest of the batch.
	for _, draft := range opens {
		inserted, alertID, err := e.openAlert(ctx, tenantID, draft)
		if err != nil {
			if faults.KindOf(err) == faults.KindIntegrity {
				// Another evaluator won the insert race; the alert is open.
				stats.Refreshed++
				continue
			}
			return stats, err
		}
		if inserted {
			stats.Opened++
			e.logger.WithFields(logging.Fields{
				"tenant_id":   tenantID,
				"alert_id":    alertID,
				"fingerprint": draft.fingerprint,
				"severity":    draft.severity,
			}).Info("Alert opened")
		} else {
			stats.Refreshed++
		}
	}

	for _, draft := range closes {
		var closed bool
		err := e.gw.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
			var err error
			closed, err = store.CloseAlert(ctx, tx, tenantID, draft.fingerprint)
			return err
		})
		if err != nil {
			return stats, err
		}
		if closed {
			stats.Closed++
			e.logger.WithFields(logging.Fields{
				"tenant_id":   tenantID,
				"fingerprint": draft.fingerprint,
			}).Info("Alert closed")
		}
	}
	return stats, nil
}

func (e *Engine) openAlert(ctx context.Context, tenantID string, draft alertDraft) (inserted bool, alertID string, err error) {
	err = e.gw.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		var err error
		inserted, alertID, err = store.OpenAlert(ctx, tx, &models.FleetAlert{
			TenantID:    tenantID,
			Fingerprint: draft.fingerprint,
			RuleID:      ruleIDRef(draft.rule),
			DeviceID:    draft.device.DeviceID,
			SiteID:      draft.device.SiteID,
			Severity:    draft.severity,
			AlertType:   draft.alertType,
			Summary:     draft.summary,
			Details:     draft.details,
		})
		return err
	})
	return inserted, alertID, err
}

// evaluateRule decides breach for one rule/device pair. evaluated=false
// means the rule could not be judged (missing metric, bad condition) and
// must not open or close anything.
func (e *Engine) evaluateRule(ctx context.Context, tx *sql.Tx, rule *models.AlertRule,
	device *deviceSnapshot, mappings mappingSet, now time.Time) (alertDraft, bool, bool, error) {

	draft := alertDraft{
		fingerprint: ruleFingerprint(rule.RuleID, device.DeviceID),
		device:      device,
		rule:        rule,
		severity:    rule.Severity,
		alertType:   strings.ToUpper(rule.Kind),
	}

	cond := map[string]interface{}(rule.Condition)
	metricName := ""
	if rule.MetricName != nil {
		metricName = *rule.MetricName
	}

	switch rule.Kind {
	case models.RuleKindThreshold:
		clause, err := clauseFrom(cond, metricName)
		if err != nil {
			e.logBadRule(rule, err)
			return draft, false, false, nil
		}
		value, ok := mappings.value(clause.Metric, device.Metrics)
		if !ok {
			return draft, false, false, nil
		}
		breach := compare(clause.Op, value, clause.Threshold)
		draft.summary = fmt.Sprintf("%s %s %g (current %g)", clause.Metric, clause.Op, clause.Threshold, value)
		draft.details = models.JSONB{
			"rule_name": rule.Name, "metric": clause.Metric, "op": clause.Op,
			"threshold": clause.Threshold, "value": value,
		}
		return draft, breach, true, nil

	case models.RuleKindMultiCondition:
		clauses, err := multiClausesFrom(cond)
		if err != nil {
			e.logBadRule(rule, err)
			return draft, false, false, nil
		}
		matched := 0
		evaluated := 0
		var parts []string
		for _, clause := range clauses {
			value, ok := mappings.value(clause.Metric, device.Metrics)
			if !ok {
				continue
			}
			evaluated++
			if compare(clause.Op, value, clause.Threshold) {
				matched++
				parts = append(parts, fmt.Sprintf("%s %s %g", clause.Metric, clause.Op, clause.Threshold))
			}
		}
		if evaluated == 0 {
			return draft, false, false, nil
		}
		var breach bool
		if rule.MatchMode == models.MatchModeAny {
			breach = matched > 0
		} else {
			// all: every clause must be judged and hold
			breach = evaluated == len(clauses) && matched == len(clauses)
		}
		draft.summary = fmt.Sprintf("%s: %d/%d conditions met", rule.Name, matched, len(clauses))
		draft.details = models.JSONB{
			"rule_name": rule.Name, "match_mode": rule.MatchMode,
			"matched": matched, "conditions": len(clauses),
		}
		if len(parts) > 0 {
			draft.details["met"] = strings.Join(parts, "; ")
		}
		return draft, breach, true, nil

	case models.RuleKindAnomaly:
		spec, err := anomalyFrom(cond, metricName)
		if err != nil {
			e.logBadRule(rule, err)
			return draft, false, false, nil
		}
		latest, ok := mappings.value(spec.Metric, device.Metrics)
		if !ok {
			return draft, false, false, nil
		}
		mean, stddev, samples, err := anomalyMoments(ctx, tx, device, spec, mappings)
		if err != nil {
			return draft, false, false, err
		}
		if samples < spec.MinSamples || stddev == 0 {
			// not enough history, or a flat series never deviates
			return draft, false, true, nil
		}
		z := (latest - mean) / stddev
		if z < 0 {
			z = -z
		}
		breach := z >= spec.ZThreshold
		draft.summary = fmt.Sprintf("%s deviates %.2f sigma from %dm mean %g", spec.Metric, z, spec.WindowMinutes, mean)
		draft.details = models.JSONB{
			"rule_name": rule.Name, "metric": spec.Metric, "z_score": z,
			"mean": mean, "stddev": stddev, "samples": samples, "value": latest,
		}
		return draft, breach, true, nil

	case models.RuleKindTelemetryGap:
		gapSeconds := gapSecondsFrom(cond)
		draft.fingerprint = gapFingerprint(device.DeviceID)
		draft.severity = gapSeverity
		draft.alertType = alertTypeNoTelemetry
		if device.LastTelemetryAt == nil {
			// never reported: nothing to gap against
			return draft, false, false, nil
		}
		gap := now.Sub(*device.LastTelemetryAt)
		breach := gap > time.Duration(gapSeconds)*time.Second
		draft.summary = fmt.Sprintf("No telemetry from %s for %ds", device.DeviceID, int(gap.Seconds()))
		draft.details = models.JSONB{
			"rule_name": rule.Name, "gap_seconds": gap.Seconds(), "cutoff_seconds": gapSeconds,
		}
		return draft, breach, true, nil

	case models.RuleKindWindow:
		spec, err := windowFrom(cond, metricName)
		if err != nil {
			e.logBadRule(rule, err)
			return draft, false, false, nil
		}
		value, samples, err := windowAggregate(ctx, tx, device, spec, mappings)
		if err != nil {
			return draft, false, false, err
		}
		if samples == 0 && spec.Agg != "count" {
			return draft, false, false, nil
		}
		breach := compare(spec.Op, value, spec.Threshold)
		draft.summary = fmt.Sprintf("%s(%s) over %ds = %g, %s %g",
			spec.Agg, spec.Metric, spec.WindowSeconds, value, spec.Op, spec.Threshold)
		draft.details = models.JSONB{
			"rule_name": rule.Name, "metric": spec.Metric, "agg": spec.Agg,
			"window_seconds": spec.WindowSeconds, "value": value, "samples": samples,
			"op": spec.Op, "threshold": spec.Threshold,
		}
		return draft, breach, true, nil
	}

	e.logBadRule(rule, fmt.Errorf("unknown rule kind %q", rule.Kind))
	return draft, false, false, nil
}

// durationHeld applies duration_minutes gating: the first breach arms the
// fingerprint, and the open fires once the breach has held long enough.
func (e *Engine) durationHeld(rule *models.AlertRule, fingerprint string, now time.Time) bool {
	if rule.DurationMinutes <= 0 {
		return true
	}
	hold := time.Duration(rule.DurationMinutes) * time.Minute

	e.mu.Lock()
	defer e.mu.Unlock()
	first, ok := e.pending[fingerprint]
	if !ok {
		e.pending[fingerprint] = now
		return false
	}
	return now.Sub(first) >= hold
}

func (e *Engine) clearPending(fingerprint string) {
	e.mu.Lock()
	delete(e.pending, fingerprint)
	e.mu.Unlock()
}

// prunePending drops pending entries whose rule/device was not seen this
// pass (deleted rules, removed devices) so stale first-breach times cannot
// fire an instant open later.
func (e *Engine) prunePending(touched map[string]struct{}) {
	e.mu.Lock()
	for fingerprint := range e.pending {
		if _, ok := touched[fingerprint]; !ok {
			delete(e.pending, fingerprint)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) logBadRule(rule *models.AlertRule, err error) {
	e.logger.WithFields(logging.Fields{
		"tenant_id": rule.TenantID,
		"rule_id":   rule.RuleID,
		"kind":      rule.Kind,
		"error":     err,
	}).Warn("Rule condition rejected, rule skipped")
}

func ruleIDRef(rule *models.AlertRule) *string {
	if rule == nil || rule.RuleID == "" {
		return nil
	}
	id := rule.RuleID
	return &id
}
