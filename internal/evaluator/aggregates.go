package evaluator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
)

// anomalyMoments computes mean and sample standard deviation of a metric
// over the trailing window, in normalized units. The mapping transform is
// applied inside the aggregate so the moments match the latest value the
// engine compares against. Ingest accepts string and bool scalars for any
// metric key, so only rows where the value is a JSON number enter the
// window; a stray `{"temp_c": "hot"}` must not poison the cast.
func anomalyMoments(ctx context.Context, tx *sql.Tx, device *deviceSnapshot,
	spec anomalySpec, mappings mappingSet) (mean, stddev float64, samples int, err error) {

	key, a, b := mappings.resolve(spec.Metric)

	var nullMean, nullStddev sql.NullFloat64
	err = tx.QueryRowContext(ctx, `
		SELECT avg($4::double precision * (t.metrics->>$3)::double precision + $5::double precision),
		       stddev_samp($4::double precision * (t.metrics->>$3)::double precision + $5::double precision),
		       count(*)
		FROM telemetry t
		WHERE t.tenant_id = $1 AND t.device_id = $2
		  AND t.msg_type = 'telemetry'
		  AND jsonb_typeof(t.metrics->$3) = 'number'
		  AND t.time >= now() - make_interval(mins => $6)
	`, device.TenantID, device.DeviceID, key, a, b, spec.WindowMinutes,
	).Scan(&nullMean, &nullStddev, &samples)
	if err != nil {
		return 0, 0, 0, faults.Wrapf(faults.KindTransient, err, "anomaly moments %s/%s", device.DeviceID, spec.Metric)
	}
	return nullMean.Float64, nullStddev.Float64, samples, nil
}

// windowAggregate computes one aggregate of a metric over the trailing
// window. Aggregate names are validated against a fixed set before being
// interpolated.
func windowAggregate(ctx context.Context, tx *sql.Tx, device *deviceSnapshot,
	spec windowSpec, mappings mappingSet) (value float64, samples int, err error) {

	key, a, b := mappings.resolve(spec.Metric)

	var query string
	if spec.Agg == "count" {
		query = `
			SELECT count(*)::double precision, count(*)
			FROM telemetry t
			WHERE t.tenant_id = $1 AND t.device_id = $2
			  AND t.msg_type = 'telemetry'
			  AND t.metrics ? $3
			  AND t.time >= now() - make_interval(secs => $4)`
		var nullValue sql.NullFloat64
		err = tx.QueryRowContext(ctx, query, device.TenantID, device.DeviceID, key, spec.WindowSeconds).
			Scan(&nullValue, &samples)
		if err != nil {
			return 0, 0, faults.Wrapf(faults.KindTransient, err, "window count %s/%s", device.DeviceID, spec.Metric)
		}
		return nullValue.Float64, samples, nil
	}

	// spec.Agg was validated by windowFrom against windowAggs
	query = fmt.Sprintf(`
		SELECT %s($4::double precision * (t.metrics->>$3)::double precision + $5::double precision),
		       count(*)
		FROM telemetry t
		WHERE t.tenant_id = $1 AND t.device_id = $2
		  AND t.msg_type = 'telemetry'
		  AND jsonb_typeof(t.metrics->$3) = 'number'
		  AND t.time >= now() - make_interval(secs => $6)`, spec.Agg)

	var nullValue sql.NullFloat64
	err = tx.QueryRowContext(ctx, query, device.TenantID, device.DeviceID, key, a, b, spec.WindowSeconds).
		Scan(&nullValue, &samples)
	if err != nil {
		return 0, 0, faults.Wrapf(faults.KindTransient, err, "window %s %s/%s", spec.Agg, device.DeviceID, spec.Metric)
	}
	return nullValue.Float64, samples, nil
}
