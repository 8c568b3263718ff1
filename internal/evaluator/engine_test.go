package evaluator

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

var passNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T) (*store.Gateway, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return store.NewGateway(db, testLogger()), mock
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func expectServiceScope(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT set_config('app.tenant_id', $1, true), set_config('app.role', $2, true)`)).
		WithArgs("", store.RoleService).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectTenantScope(mock sqlmock.Sqlmock, tenantID string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT set_config('app.tenant_id', $1, true), set_config('app.role', $2, true)`)).
		WithArgs(tenantID, store.RoleTenant).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 120 * time.Second
	}
	if cfg.OfflineThreshold == 0 {
		cfg.OfflineThreshold = 600 * time.Second
	}
	gw, mock := newTestGateway(t)
	e := NewEngine(gw, cfg, testLogger(), nil)
	e.now = func() time.Time { return passNow }
	return e, mock
}

func snapshotColumns() []string {
	return []string{"tenant_id", "device_id", "site_id", "status",
		"last_telemetry_at", "last_heartbeat_at", "metrics"}
}

func ruleColumns() []string {
	return []string{"rule_id", "tenant_id", "name", "kind", "severity", "site_ids",
		"group_ids", "device_group_id", "metric_name", "condition", "duration_minutes", "match_mode"}
}

func expectSnapshots(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	expectServiceScope(mock)
	mock.ExpectQuery(`FROM devices d`).WillReturnRows(rows)
	mock.ExpectCommit()
}

func expectRules(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	expectServiceScope(mock)
	mock.ExpectQuery(`FROM alert_rules`).WillReturnRows(rows)
	mock.ExpectCommit()
}

func expectEmptyMappings(mock sqlmock.Sqlmock, tenantID string) {
	expectTenantScope(mock, tenantID)
	mock.ExpectQuery(`FROM metric_mappings`).WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"raw_key", "normalized_key", "multiplier", "offset_value", "display_unit"}))
	mock.ExpectCommit()
}

// expectEvalReadsStart opens the tenant read transaction through the
// maintenance query. Tests add group or aggregate queries, then
// ExpectCommit, themselves.
func expectEvalReadsStart(mock sqlmock.Sqlmock, tenantID string, openFingerprints []string, maintenance *sqlmock.Rows) {
	expectTenantScope(mock, tenantID)
	fpRows := sqlmock.NewRows([]string{"fingerprint"})
	for _, fp := range openFingerprints {
		fpRows.AddRow(fp)
	}
	mock.ExpectQuery(`SELECT fingerprint FROM fleet_alerts`).WithArgs(tenantID).WillReturnRows(fpRows)
	mock.ExpectQuery(`FROM maintenance_windows`).WithArgs(tenantID, sqlmock.AnyArg()).WillReturnRows(maintenance)
}

func emptyMaintenance() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"device_id", "site_id"})
}

func alertInsertedRows(alertID string, inserted bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"alert_id", "inserted"}).AddRow(alertID, inserted)
}

func TestPassOpenRefreshClose(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	fresh := passNow.Add(-30 * time.Second)

	expectPass := func(tempC float64) {
		expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
			AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil,
				[]byte(`{"temp_c": `+strconv.FormatFloat(tempC, 'g', -1, 64)+`}`)))
	}

	// First pass: breach opens the alert. Rules and mappings load cold.
	expectPass(45)
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "t1", "High temperature", models.RuleKindThreshold, 4, "{}", "{}", nil,
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WithArgs(sqlmock.AnyArg(), "t1", "RULE:r1:d1", "r1", "d1", "site-1",
			4, "THRESHOLD", "temp_c GT 40 (current 45)", sqlmock.AnyArg()).
		WillReturnRows(alertInsertedRows("a-1", true))
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if stats.Devices != 1 || stats.Rules != 1 || stats.Opened != 1 || stats.Refreshed != 0 || stats.Closed != 0 {
		t.Errorf("first pass stats = %+v", stats)
	}

	// Second pass: still breaching, the open dedupes to a refresh. Rules
	// and mappings come from cache, so only snapshots and the tenant
	// transactions hit the database.
	expectPass(45)
	expectEvalReadsStart(mock, "t1", []string{"RULE:r1:d1"}, emptyMaintenance())
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WillReturnRows(alertInsertedRows("a-1", false))
	mock.ExpectCommit()

	stats, err = e.Pass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Opened != 0 || stats.Refreshed != 1 || stats.Closed != 0 {
		t.Errorf("second pass stats = %+v", stats)
	}

	// Third pass: condition cleared, the open alert closes.
	expectPass(30)
	expectEvalReadsStart(mock, "t1", []string{"RULE:r1:d1"}, emptyMaintenance())
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE fleet_alerts`)).
		WithArgs("t1", "RULE:r1:d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err = e.Pass(context.Background())
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if stats.Opened != 0 || stats.Refreshed != 0 || stats.Closed != 1 {
		t.Errorf("third pass stats = %+v", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassDurationGate(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	current := passNow
	e.now = func() time.Time { return current }

	expectPass := func() {
		contact := current.Add(-30 * time.Second)
		expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
			AddRow("t1", "d1", "site-1", StatusOnline, contact, nil, []byte(`{"temp_c": 45}`)))
	}

	// Breach arms the pending clock; nothing opens yet.
	expectPass()
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "t1", "Sustained heat", models.RuleKindThreshold, 3, "{}", "{}", nil,
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 5, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if stats.Opened != 0 {
		t.Errorf("first pass opened %d alerts before the hold elapsed", stats.Opened)
	}

	// Two minutes in: still held.
	current = passNow.Add(2 * time.Minute)
	expectPass()
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectCommit()

	stats, err = e.Pass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Opened != 0 {
		t.Errorf("second pass opened %d alerts at 2m of a 5m hold", stats.Opened)
	}

	// Five minutes in: the hold has elapsed, the alert opens.
	current = passNow.Add(5 * time.Minute)
	expectPass()
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WillReturnRows(alertInsertedRows("a-1", true))
	mock.ExpectCommit()

	stats, err = e.Pass(context.Background())
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if stats.Opened != 1 {
		t.Errorf("third pass stats = %+v, want one open", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassGapAlert(t *testing.T) {
	e, mock := newTestEngine(t, Config{})

	// Device last reported five minutes ago; the rule allows 60 seconds.
	stale := passNow.Add(-5 * time.Minute)
	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusStale, stale, nil, []byte(`{"temp_c": 21}`)))
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r-gap", "t1", "Silence detector", models.RuleKindTelemetryGap, 2, "{}", "{}", nil,
			nil, []byte(`{"gap_seconds": 60}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectCommit()
	// Gap alerts carry the fixed NO_TELEMETRY type and severity 4, not
	// the rule's own severity.
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WithArgs(sqlmock.AnyArg(), "t1", "NO_TELEMETRY:d1", "r-gap", "d1", "site-1",
			4, "NO_TELEMETRY", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(alertInsertedRows("a-gap", true))
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("gap pass: %v", err)
	}
	if stats.Opened != 1 {
		t.Fatalf("gap pass stats = %+v, want one open", stats)
	}

	// Telemetry resumes: the device goes back ONLINE and the gap alert
	// closes.
	fresh := passNow.Add(-10 * time.Second)
	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusStale, fresh, nil, []byte(`{"temp_c": 21}`)))
	expectServiceScope(mock)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO device_state`)).
		WithArgs("t1", "d1", StatusOnline).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEvalReadsStart(mock, "t1", []string{"NO_TELEMETRY:d1"}, emptyMaintenance())
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE fleet_alerts`)).
		WithArgs("t1", "NO_TELEMETRY:d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err = e.Pass(context.Background())
	if err != nil {
		t.Fatalf("recovery pass: %v", err)
	}
	if stats.Transitions != 1 || stats.Closed != 1 {
		t.Errorf("recovery pass stats = %+v, want one transition and one close", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassMaintenanceFreezesAlerts(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	fresh := passNow.Add(-30 * time.Second)

	// d1 breaches, d2 has an open alert whose condition cleared. A
	// tenant-wide maintenance window suppresses both transitions.
	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 45}`)).
		AddRow("t1", "d2", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 30}`)))
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "t1", "High temperature", models.RuleKindThreshold, 4, "{}", "{}", nil,
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", []string{"RULE:r1:d2"},
		sqlmock.NewRows([]string{"device_id", "site_id"}).AddRow(nil, nil))
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if stats.Opened != 0 || stats.Closed != 0 {
		t.Errorf("stats = %+v, want no transitions during maintenance", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected alert writes: %v", err)
	}
}

func TestPassScopeFilters(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	fresh := passNow.Add(-30 * time.Second)

	// r-site targets another site and must skip d1; r-group targets a
	// group d1 belongs to and must fire.
	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 45}`)))
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r-site", "t1", "Other site only", models.RuleKindThreshold, 3, "{site-2}", "{}", nil,
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 0, "").
		AddRow("r-group", "t1", "Group heat", models.RuleKindThreshold, 3, "{}", "{}", "g1",
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectQuery(`FROM device_group_members`).WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "device_id"}).AddRow("g1", "d1"))
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WithArgs(sqlmock.AnyArg(), "t1", "RULE:r-group:d1", "r-group", "d1", "site-1",
			3, "THRESHOLD", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(alertInsertedRows("a-1", true))
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if stats.Opened != 1 {
		t.Errorf("stats = %+v, want exactly the group-scoped open", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassAnomalyRule(t *testing.T) {
	tests := []struct {
		name     string
		mean     float64
		stddev   float64
		samples  int
		wantOpen bool
	}{
		{name: "flat_series_never_fires", mean: 45, stddev: 0, samples: 20, wantOpen: false},
		{name: "deviation_fires", mean: 20, stddev: 2, samples: 20, wantOpen: true},
		{name: "too_few_samples", mean: 20, stddev: 2, samples: 5, wantOpen: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, mock := newTestEngine(t, Config{})
			fresh := passNow.Add(-30 * time.Second)

			expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
				AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 45}`)))
			expectRules(mock, sqlmock.NewRows(ruleColumns()).
				AddRow("r1", "t1", "Temperature anomaly", models.RuleKindAnomaly, 3, "{}", "{}", nil,
					"temp_c", []byte(`{"z_threshold": 2}`), 0, ""))
			expectEmptyMappings(mock, "t1")
			expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
			mock.ExpectQuery(`stddev_samp`).
				WithArgs("t1", "d1", "temp_c", 1.0, 0.0, 60).
				WillReturnRows(sqlmock.NewRows([]string{"avg", "stddev_samp", "count"}).
					AddRow(tt.mean, tt.stddev, tt.samples))
			mock.ExpectCommit()
			if tt.wantOpen {
				expectTenantScope(mock, "t1")
				mock.ExpectQuery(`INSERT INTO fleet_alerts`).
					WithArgs(sqlmock.AnyArg(), "t1", "RULE:r1:d1", "r1", "d1", "site-1",
						3, "ANOMALY", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnRows(alertInsertedRows("a-1", true))
				mock.ExpectCommit()
			}

			stats, err := e.Pass(context.Background())
			if err != nil {
				t.Fatalf("Pass: %v", err)
			}
			wantOpened := 0
			if tt.wantOpen {
				wantOpened = 1
			}
			if stats.Opened != wantOpened {
				t.Errorf("opened = %d, want %d", stats.Opened, wantOpened)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPassWindowCountRule(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	fresh := passNow.Add(-30 * time.Second)

	// count() over an empty window still evaluates: zero readings below
	// the floor is exactly what the rule is for.
	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 21}`)))
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "t1", "Reading floor", models.RuleKindWindow, 3, "{}", "{}", nil,
			"temp_c", []byte(`{"agg": "count", "window_seconds": 60, "op": "LT", "threshold": 1}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectQuery(regexp.QuoteMeta(`count(*)::double precision`)).
		WithArgs("t1", "d1", "temp_c", 60).
		WillReturnRows(sqlmock.NewRows([]string{"value", "count"}).AddRow(0.0, 0))
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WithArgs(sqlmock.AnyArg(), "t1", "RULE:r1:d1", "r1", "d1", "site-1",
			3, "WINDOW", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(alertInsertedRows("a-1", true))
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if stats.Opened != 1 {
		t.Errorf("stats = %+v, want one open", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassWindowAverageRule(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	fresh := passNow.Add(-30 * time.Second)

	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 45}`)))
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "t1", "Hot on average", models.RuleKindWindow, 3, "{}", "{}", nil,
			"temp_c", []byte(`{"agg": "avg", "window_seconds": 300, "op": "GT", "threshold": 40}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	// Average below threshold despite the hot latest reading: no breach.
	mock.ExpectQuery(`SELECT avg`).
		WithArgs("t1", "d1", "temp_c", 1.0, 0.0, 300).
		WillReturnRows(sqlmock.NewRows([]string{"value", "count"}).AddRow(38.5, 12))
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if stats.Opened != 0 {
		t.Errorf("stats = %+v, want no opens", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassOpenRaceCountsRefresh(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	fresh := passNow.Add(-30 * time.Second)

	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 45}`)))
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "t1", "High temperature", models.RuleKindThreshold, 4, "{}", "{}", nil,
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectCommit()
	// Another evaluator replica wins the insert race: the unique
	// violation rolls back our transaction but the pass carries on.
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if stats.Opened != 0 || stats.Refreshed != 1 {
		t.Errorf("stats = %+v, want the race counted as a refresh", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassRuleLoadFailure(t *testing.T) {
	e, mock := newTestEngine(t, Config{})

	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()))
	expectServiceScope(mock)
	mock.ExpectQuery(`FROM alert_rules`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := e.Pass(context.Background()); err == nil {
		t.Fatal("expected pass to fail when rules cannot load")
	}

	// The failure is not cached: the next pass loads rules again.
	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()))
	expectRules(mock, sqlmock.NewRows(ruleColumns()))

	if _, err := e.Pass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPurgeCachesForcesReload(t *testing.T) {
	e, mock := newTestEngine(t, Config{})

	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()))
	expectRules(mock, sqlmock.NewRows(ruleColumns()))
	if _, err := e.Pass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// Cached: only snapshots hit the database.
	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()))
	if _, err := e.Pass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	e.PurgeCaches()

	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()))
	expectRules(mock, sqlmock.NewRows(ruleColumns()))
	if _, err := e.Pass(context.Background()); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPassShardSkipsForeignTenants(t *testing.T) {
	// Pick a shard layout where t1 and t2 land on different shards, then
	// run the shard that owns t1 only.
	cfg := Config{ShardCount: 2, ShardIndex: shardOf("t1", 2)}
	if shardOf("t2", 2) == cfg.ShardIndex {
		cfg.ShardCount = 3
		cfg.ShardIndex = shardOf("t1", 3)
		if shardOf("t2", 3) == cfg.ShardIndex {
			t.Fatal("t1 and t2 share a shard in both layouts")
		}
	}
	e, mock := newTestEngine(t, cfg)
	fresh := passNow.Add(-30 * time.Second)

	expectSnapshots(mock, sqlmock.NewRows(snapshotColumns()).
		AddRow("t1", "d1", "site-1", StatusOnline, fresh, nil, []byte(`{"temp_c": 45}`)).
		AddRow("t2", "d9", "site-9", StatusOnline, fresh, nil, []byte(`{"temp_c": 45}`)))
	expectRules(mock, sqlmock.NewRows(ruleColumns()).
		AddRow("r1", "t1", "High temperature", models.RuleKindThreshold, 4, "{}", "{}", nil,
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 0, "").
		AddRow("r2", "t2", "High temperature", models.RuleKindThreshold, 4, "{}", "{}", nil,
			"temp_c", []byte(`{"op": "GT", "threshold": 40}`), 0, ""))
	expectEmptyMappings(mock, "t1")
	expectEvalReadsStart(mock, "t1", nil, emptyMaintenance())
	mock.ExpectCommit()
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`INSERT INTO fleet_alerts`).
		WillReturnRows(alertInsertedRows("a-1", true))
	mock.ExpectCommit()

	stats, err := e.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if stats.Devices != 1 || stats.Opened != 1 {
		t.Errorf("stats = %+v, want only the owned tenant evaluated", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("t2 must not be touched: %v", err)
	}
}

// Rule kinds that never touch the database evaluate directly.
func TestEvaluateRuleEdgeCases(t *testing.T) {
	e := &Engine{logger: testLogger(), pending: make(map[string]time.Time), now: func() time.Time { return passNow }}
	reported := passNow.Add(-10 * time.Minute)
	device := &deviceSnapshot{
		TenantID: "t1", DeviceID: "d1", SiteID: "site-1",
		LastTelemetryAt: &reported,
		Metrics:         models.JSONB{"temp_c": 45.0, "humidity": 15.0},
	}
	neverReported := &deviceSnapshot{TenantID: "t1", DeviceID: "d2", SiteID: "site-1"}

	multi := models.JSONB{
		"conditions": []interface{}{
			map[string]interface{}{"metric": "temp_c", "op": "GT", "threshold": 40.0},
			map[string]interface{}{"metric": "humidity", "op": "LT", "threshold": 20.0},
		},
	}
	multiWithMissing := models.JSONB{
		"conditions": []interface{}{
			map[string]interface{}{"metric": "temp_c", "op": "GT", "threshold": 40.0},
			map[string]interface{}{"metric": "pressure", "op": "LT", "threshold": 900.0},
		},
	}

	tests := []struct {
		name          string
		rule          models.AlertRule
		device        *deviceSnapshot
		wantBreach    bool
		wantEvaluated bool
	}{
		{
			name: "threshold_missing_metric_skips",
			rule: models.AlertRule{RuleID: "r1", Kind: models.RuleKindThreshold,
				Condition: models.JSONB{"metric": "voltage", "op": "GT", "threshold": 12.0}},
			device: device,
		},
		{
			name:   "threshold_bad_condition_skips",
			rule:   models.AlertRule{RuleID: "r1", Kind: models.RuleKindThreshold, Condition: models.JSONB{"op": "GT"}},
			device: device,
		},
		{
			name: "multi_all_met",
			rule: models.AlertRule{RuleID: "r1", Kind: models.RuleKindMultiCondition,
				MatchMode: models.MatchModeAll, Condition: multi},
			device: device, wantBreach: true, wantEvaluated: true,
		},
		{
			name: "multi_all_blocked_by_missing_metric",
			rule: models.AlertRule{RuleID: "r1", Kind: models.RuleKindMultiCondition,
				MatchMode: models.MatchModeAll, Condition: multiWithMissing},
			device: device, wantBreach: false, wantEvaluated: true,
		},
		{
			name: "multi_any_met_despite_missing_metric",
			rule: models.AlertRule{RuleID: "r1", Kind: models.RuleKindMultiCondition,
				MatchMode: models.MatchModeAny, Condition: multiWithMissing},
			device: device, wantBreach: true, wantEvaluated: true,
		},
		{
			name: "gap_breaches",
			rule: models.AlertRule{RuleID: "r1", Kind: models.RuleKindTelemetryGap,
				Condition: models.JSONB{"gap_seconds": 60.0}},
			device: device, wantBreach: true, wantEvaluated: true,
		},
		{
			name: "gap_never_reported_skips",
			rule: models.AlertRule{RuleID: "r1", Kind: models.RuleKindTelemetryGap,
				Condition: models.JSONB{"gap_seconds": 60.0}},
			device: neverReported,
		},
		{
			name:   "unknown_kind_skips",
			rule:   models.AlertRule{RuleID: "r1", Kind: "sentiment", Condition: models.JSONB{}},
			device: device,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft, breach, evaluated, err := e.evaluateRule(context.Background(), nil, &tt.rule, tt.device, mappingSet{}, passNow)
			if err != nil {
				t.Fatalf("evaluateRule: %v", err)
			}
			if breach != tt.wantBreach || evaluated != tt.wantEvaluated {
				t.Errorf("breach=%v evaluated=%v, want %v/%v", breach, evaluated, tt.wantBreach, tt.wantEvaluated)
			}
			if tt.rule.Kind == models.RuleKindTelemetryGap {
				if draft.fingerprint != gapFingerprint(tt.device.DeviceID) {
					t.Errorf("gap fingerprint = %q", draft.fingerprint)
				}
				if draft.severity != gapSeverity || draft.alertType != alertTypeNoTelemetry {
					t.Errorf("gap draft severity=%d type=%q", draft.severity, draft.alertType)
				}
			}
		})
	}
}
