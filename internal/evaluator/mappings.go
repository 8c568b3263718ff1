package evaluator

import (
	"context"
	"database/sql"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// mappingSet indexes a tenant's metric mappings by normalized key, the
// name rules refer to.
type mappingSet map[string]models.MetricMapping

// loadMappings reads one tenant's metric mappings.
func loadMappings(ctx context.Context, gw *store.Gateway, tenantID string) (mappingSet, error) {
	set := make(mappingSet)
	err := gw.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT raw_key, normalized_key, multiplier, offset_value, COALESCE(display_unit, '')
			FROM metric_mappings
			WHERE tenant_id = $1
		`, tenantID)
		if err != nil {
			return faults.Wrapf(faults.KindTransient, err, "load metric mappings")
		}
		defer rows.Close()

		for rows.Next() {
			m := models.MetricMapping{TenantID: tenantID}
			if err := rows.Scan(&m.RawKey, &m.NormalizedKey, &m.Multiplier, &m.OffsetValue, &m.DisplayUnit); err != nil {
				return faults.Wrapf(faults.KindTransient, err, "scan metric mapping")
			}
			set[m.NormalizedKey] = m
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// resolve returns the stored metric key a rule metric reads from, plus the
// linear transform (a, b) to apply: normalized = a*raw + b. Unmapped
// metrics read directly with the identity transform.
func (s mappingSet) resolve(metric string) (key string, a, b float64) {
	if m, ok := s[metric]; ok {
		return m.RawKey, m.Multiplier, m.OffsetValue
	}
	return metric, 1, 0
}

// value reads the current normalized value of a rule metric from a
// device's latest metrics document. ok=false when the key is absent or
// not numeric.
func (s mappingSet) value(metric string, metrics models.JSONB) (float64, bool) {
	key, a, b := s.resolve(metric)
	raw, ok := metrics[key].(float64)
	if !ok {
		return 0, false
	}
	return a*raw + b, true
}
