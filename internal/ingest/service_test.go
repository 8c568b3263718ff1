package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

func testServiceConfig(t *testing.T) Config {
	return Config{
		BrokerURL:        "tcp://127.0.0.1:1883",
		ClientID:         "pulse-ingest-test",
		BatchSize:        500,
		BatchInterval:    time.Hour,
		OverflowDir:      t.TempDir(),
		MaxPayloadBytes:  64 * 1024,
		RateLimitBurst:   60,
		RateLimitPerSec:  1,
		RateLimitIdleTTL: 10 * time.Minute,
	}
}

func newTestService(t *testing.T, cfg Config) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	gw, mock := newTestGateway(t)
	return NewService(cfg, gw, testLogger(), nil), mock
}

// drainQuarantine empties the writer's buffer without starting it.
func drainQuarantine(q *QuarantineWriter) []models.QuarantineEvent {
	var events []models.QuarantineEvent
	for {
		select {
		case e := <-q.in:
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestProcessTelemetryAccepted(t *testing.T) {
	s, mock := newTestService(t, testServiceConfig(t))

	expectDeviceFetch(mock, "ACTIVE", "ACTIVE", HashProvisionToken("secret"))
	expectSensorWarm(mock)
	expectServiceScope(mock)
	mock.ExpectExec(`INSERT INTO sensors`).
		WithArgs("t1", "d1", "temp_c").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.process(context.Background(), "tenant/t1/device/d1/telemetry",
		[]byte(`{"seq":7,"temp_c":21.5,"rssi":-70}`))

	select {
	case item := <-s.batcher.in:
		row := item.Telemetry
		if row == nil {
			t.Fatalf("first queued item = %+v, want telemetry", item)
		}
		if row.SiteID != "site-1" {
			t.Errorf("SiteID = %q, want the registry fallback site-1", row.SiteID)
		}
		if row.MsgType != models.MsgTypeTelemetry || row.Seq == nil || *row.Seq != 7 {
			t.Errorf("row = %+v, want telemetry with seq 7", row)
		}
		if len(row.Metrics) != 1 || row.Metrics["temp_c"] != 21.5 {
			t.Errorf("Metrics = %v, want only temp_c (rssi extracts to health)", row.Metrics)
		}
	default:
		t.Fatal("no telemetry row queued")
	}

	select {
	case item := <-s.batcher.in:
		if item.Health == nil || item.Health.RSSI == nil || *item.Health.RSSI != -70 {
			t.Fatalf("second queued item = %+v, want health with rssi -70", item)
		}
	default:
		t.Fatal("no health row queued")
	}

	if events := drainQuarantine(s.quarantine); len(events) != 0 {
		t.Fatalf("quarantined %v, want nothing", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessBadTopic(t *testing.T) {
	s, mock := newTestService(t, testServiceConfig(t))

	s.process(context.Background(), "fleet/t1/d1/telemetry", []byte(`{}`))

	events := drainQuarantine(s.quarantine)
	if len(events) != 1 || events[0].Reason != models.QuarantineBadTopic {
		t.Fatalf("events = %+v, want one bad_topic", events)
	}
	if events[0].EventID == "" || events[0].CreatedAt.IsZero() {
		t.Fatalf("event %+v missing id or timestamp", events[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("bad topic should never reach the store: %v", err)
	}
}

func TestProcessUnknownDeviceThenRateLimit(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.RateLimitBurst = 1
	s, mock := newTestService(t, cfg)

	expectServiceScope(mock)
	mock.ExpectQuery(`FROM devices d`).
		WithArgs("t1", "d1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	ctx := context.Background()
	s.process(ctx, "tenant/t1/device/d1/telemetry", []byte(`{"temp_c":1}`))
	// Second message burns through the burst of one before any lookup.
	s.process(ctx, "tenant/t1/device/d1/telemetry", []byte(`{"temp_c":1}`))

	events := drainQuarantine(s.quarantine)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2", events)
	}
	if events[0].Reason != models.QuarantineUnknownDevice {
		t.Errorf("first reason = %s, want unknown_device", events[0].Reason)
	}
	if events[1].Reason != models.QuarantineRateLimited {
		t.Errorf("second reason = %s, want rate_limited", events[1].Reason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessSuspendedDevice(t *testing.T) {
	s, mock := newTestService(t, testServiceConfig(t))

	expectDeviceFetch(mock, "SUSPENDED", "ACTIVE", HashProvisionToken("secret"))

	s.process(context.Background(), "tenant/t1/device/d1/telemetry", []byte(`{"temp_c":1}`))

	events := drainQuarantine(s.quarantine)
	if len(events) != 1 || events[0].Reason != models.QuarantineDeviceSuspended {
		t.Fatalf("events = %+v, want one device_suspended", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessRejectedEnvelopeIsQuarantined(t *testing.T) {
	s, mock := newTestService(t, testServiceConfig(t))

	expectDeviceFetch(mock, "ACTIVE", "ACTIVE", HashProvisionToken("secret"))

	s.process(context.Background(), "tenant/t1/device/d1/telemetry",
		[]byte(`{"time":"not-a-timestamp","temp_c":1}`))

	events := drainQuarantine(s.quarantine)
	if len(events) != 1 || events[0].Reason != models.QuarantineBadTimestamp {
		t.Fatalf("events = %+v, want one bad_timestamp", events)
	}
	select {
	case item := <-s.batcher.in:
		t.Fatalf("rejected message still queued %+v", item)
	default:
	}
}

func TestProcessShadowMerge(t *testing.T) {
	s, mock := newTestService(t, testServiceConfig(t))

	expectDeviceFetch(mock, "ACTIVE", "ACTIVE", HashProvisionToken("secret"))
	expectServiceScope(mock)
	mock.ExpectExec(`INSERT INTO device_shadow`).
		WithArgs("t1", "d1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.process(context.Background(), "tenant/t1/device/d1/shadow/reported",
		[]byte(`{"fw_version":"1.4.2","config_hash":"abc123"}`))

	if events := drainQuarantine(s.quarantine); len(events) != 0 {
		t.Fatalf("quarantined %v, want nothing", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessCommandAck(t *testing.T) {
	s, mock := newTestService(t, testServiceConfig(t))
	ctx := context.Background()
	topic := "tenant/t1/device/d1/command/ack"

	// The first message warms the credential cache; later ones reuse it.
	expectDeviceFetch(mock, "ACTIVE", "ACTIVE", HashProvisionToken("secret"))

	expectServiceScope(mock)
	mock.ExpectExec(`UPDATE device_commands`).
		WithArgs(models.CommandStatusAcked, sqlmock.AnyArg(), "t1", "d1", "cmd-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	s.process(ctx, topic, []byte(`{"command_id":"cmd-1","status":"ok"}`))

	expectServiceScope(mock)
	mock.ExpectExec(`UPDATE device_commands`).
		WithArgs(models.CommandStatusFailed, sqlmock.AnyArg(), "t1", "d1", "cmd-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	s.process(ctx, topic, []byte(`{"command_id":"cmd-2","status":"FAILED","error":"relay stuck"}`))

	if events := drainQuarantine(s.quarantine); len(events) != 0 {
		t.Fatalf("quarantined %v, want nothing", events)
	}

	// Ack for a command nobody issued.
	expectServiceScope(mock)
	mock.ExpectExec(`UPDATE device_commands`).
		WithArgs(models.CommandStatusAcked, sqlmock.AnyArg(), "t1", "d1", "cmd-ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	s.process(ctx, topic, []byte(`{"command_id":"cmd-ghost"}`))

	// Ack without a command_id never reaches the store.
	s.process(ctx, topic, []byte(`{"status":"ok"}`))

	events := drainQuarantine(s.quarantine)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2 bad_command_ack", events)
	}
	for _, e := range events {
		if e.Reason != models.QuarantineBadCommandAck {
			t.Errorf("reason = %s, want bad_command_ack", e.Reason)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckSeqKeepsHighWater(t *testing.T) {
	s, _ := newTestService(t, testServiceConfig(t))

	five, three, nine := uint64(5), uint64(3), uint64(9)
	s.checkSeq("t1", "d1", &five)
	s.checkSeq("t1", "d1", &three) // regression: logged, not stored
	if got := s.lastSeq["t1/d1"]; got != 5 {
		t.Fatalf("lastSeq = %d, want 5 after regression", got)
	}
	s.checkSeq("t1", "d1", &nine)
	if got := s.lastSeq["t1/d1"]; got != 9 {
		t.Fatalf("lastSeq = %d, want 9", got)
	}
	s.checkSeq("t1", "d1", nil)
	if got := s.lastSeq["t1/d1"]; got != 9 {
		t.Fatalf("lastSeq = %d, want 9 after nil seq", got)
	}
}
