package evaluator

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

func TestMappingResolve(t *testing.T) {
	set := mappingSet{
		"temperature_celsius": {RawKey: "tmp", Multiplier: 0.1, OffsetValue: 0},
	}

	key, a, b := set.resolve("temperature_celsius")
	if key != "tmp" || a != 0.1 || b != 0 {
		t.Errorf("mapped resolve = (%q, %v, %v)", key, a, b)
	}

	key, a, b = set.resolve("humidity")
	if key != "humidity" || a != 1 || b != 0 {
		t.Errorf("identity resolve = (%q, %v, %v)", key, a, b)
	}
}

func TestMappingValue(t *testing.T) {
	set := mappingSet{
		"temperature_celsius": {RawKey: "tmp", Multiplier: 0.1, OffsetValue: 0},
		"door_open":           {RawKey: "door_raw", Multiplier: 0, OffsetValue: 1},
	}
	metrics := models.JSONB{
		"tmp":      415.0,
		"door_raw": 7.0,
		"humidity": 55.0,
		"state":    "running",
	}

	tests := []struct {
		name   string
		metric string
		want   float64
		wantOK bool
	}{
		{"mapped_scales", "temperature_celsius", 41.5, true},
		{"zero_multiplier_pins_to_offset", "door_open", 1, true},
		{"unmapped_reads_directly", "humidity", 55, true},
		{"missing_key", "pressure", 0, false},
		{"non_numeric_value", "state", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := set.value(tt.metric, metrics)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("value(%q) = (%v, %v), want (%v, %v)", tt.metric, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestLoadMappings(t *testing.T) {
	gw, mock := newTestGateway(t)

	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`FROM metric_mappings`).WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"raw_key", "normalized_key", "multiplier", "offset_value", "display_unit"}).
			AddRow("tmp", "temperature_celsius", 0.1, 0.0, "°C").
			AddRow("hum", "humidity_percent", 1.0, 0.0, ""))
	mock.ExpectCommit()

	set, err := loadMappings(context.Background(), gw, "t1")
	if err != nil {
		t.Fatalf("loadMappings: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(set))
	}
	m, ok := set["temperature_celsius"]
	if !ok || m.RawKey != "tmp" || m.Multiplier != 0.1 || m.DisplayUnit != "°C" {
		t.Errorf("temperature mapping = %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
