package evaluator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// Comparison operators accepted in rule conditions
const (
	OpGT  = "GT"
	OpLT  = "LT"
	OpGTE = "GTE"
	OpLTE = "LTE"
	OpEQ  = "EQ"
	OpNE  = "NE"
)

// compare applies op to (value, threshold). Unknown ops never match.
func compare(op string, value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpGTE:
		return value >= threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNE:
		return value != threshold
	}
	return false
}

// conditionClause is one {metric, op, threshold} triple, the unit of
// threshold and multi-condition rules.
type conditionClause struct {
	Metric    string
	Op        string
	Threshold float64
}

func clauseFrom(doc map[string]interface{}, fallbackMetric string) (conditionClause, error) {
	c := conditionClause{
		Metric: str(doc, "metric", fallbackMetric),
		Op:     str(doc, "op", ""),
	}
	threshold, ok := num(doc, "threshold")
	if !ok {
		return c, fmt.Errorf("condition missing threshold")
	}
	c.Threshold = threshold
	if c.Metric == "" {
		return c, fmt.Errorf("condition missing metric")
	}
	if c.Op == "" {
		return c, fmt.Errorf("condition missing op")
	}
	return c, nil
}

// anomalySpec parameterises z-score detection over a trailing window.
type anomalySpec struct {
	Metric        string
	WindowMinutes int
	MinSamples    int
	ZThreshold    float64
}

func anomalyFrom(doc map[string]interface{}, fallbackMetric string) (anomalySpec, error) {
	spec := anomalySpec{
		Metric:        str(doc, "metric", fallbackMetric),
		WindowMinutes: intval(doc, "window_minutes", 60),
		MinSamples:    intval(doc, "min_samples", 10),
	}
	z, ok := num(doc, "z_threshold")
	if !ok {
		return spec, fmt.Errorf("anomaly condition missing z_threshold")
	}
	spec.ZThreshold = z
	if spec.Metric == "" {
		return spec, fmt.Errorf("anomaly condition missing metric")
	}
	return spec, nil
}

// windowSpec aggregates a metric over a trailing window and compares the
// aggregate against a threshold.
type windowSpec struct {
	Metric        string
	Agg           string
	WindowSeconds int
	Op            string
	Threshold     float64
}

var windowAggs = map[string]struct{}{
	"avg": {}, "sum": {}, "min": {}, "max": {}, "count": {},
}

func windowFrom(doc map[string]interface{}, fallbackMetric string) (windowSpec, error) {
	spec := windowSpec{
		Metric:        str(doc, "metric", fallbackMetric),
		Agg:           str(doc, "agg", "avg"),
		WindowSeconds: intval(doc, "window_seconds", 300),
		Op:            str(doc, "op", OpGT),
	}
	threshold, ok := num(doc, "threshold")
	if !ok {
		return spec, fmt.Errorf("window condition missing threshold")
	}
	spec.Threshold = threshold
	if spec.Metric == "" {
		return spec, fmt.Errorf("window condition missing metric")
	}
	if _, ok := windowAggs[spec.Agg]; !ok {
		return spec, fmt.Errorf("window condition has unknown aggregate %q", spec.Agg)
	}
	return spec, nil
}

// gapSecondsFrom reads the telemetry-gap cutoff, default 300 s.
func gapSecondsFrom(doc map[string]interface{}) int {
	return intval(doc, "gap_seconds", 300)
}

// multiClausesFrom parses the clause list of a multi_condition rule.
func multiClausesFrom(doc map[string]interface{}) ([]conditionClause, error) {
	raw, ok := doc["conditions"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("multi_condition rule has no conditions list")
	}
	clauses := make([]conditionClause, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("condition %d is not an object", i)
		}
		clause, err := clauseFrom(m, "")
		if err != nil {
			return nil, fmt.Errorf("condition %d: %v", i, err)
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

// JSON helpers for condition documents. Numbers arrive as float64.

func str(doc map[string]interface{}, key, fallback string) string {
	if v, ok := doc[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func num(doc map[string]interface{}, key string) (float64, bool) {
	v, ok := doc[key].(float64)
	return v, ok
}

func intval(doc map[string]interface{}, key string, fallback int) int {
	if v, ok := doc[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// loadRules reads every enabled rule. Shard filtering happens at
// evaluation time so one cache entry serves any shard layout.
func loadRules(ctx context.Context, gw *store.Gateway) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	err := gw.WithService(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT rule_id, tenant_id, name, kind, severity,
			       COALESCE(site_ids, '{}'), COALESCE(group_ids, '{}'), device_group_id,
			       metric_name, condition, COALESCE(duration_minutes, 0), COALESCE(match_mode, '')
			FROM alert_rules
			WHERE enabled
		`)
		if err != nil {
			return faults.Wrapf(faults.KindTransient, err, "load alert rules")
		}
		defer rows.Close()

		for rows.Next() {
			var r models.AlertRule
			r.Enabled = true
			if err := rows.Scan(&r.RuleID, &r.TenantID, &r.Name, &r.Kind, &r.Severity,
				pq.Array(&r.SiteIDs), pq.Array(&r.GroupIDs), &r.DeviceGroupID,
				&r.MetricName, &r.Condition, &r.DurationMinutes, &r.MatchMode); err != nil {
				return faults.Wrapf(faults.KindTransient, err, "scan alert rule")
			}
			rules = append(rules, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}
