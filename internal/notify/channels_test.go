package notify

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/cache"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/crypto"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

func newTestChannelStore(t *testing.T, decryptor *crypto.FieldEncryptor) (*channelStore, sqlmock.Sqlmock) {
	t.Helper()
	gw, mock := newTestGateway(t)
	return newChannelStore(gw, decryptor, cache.Hooks{}), mock
}

func expectChannelRow(mock sqlmock.Sqlmock, tenantID, channelID, channelType string, config []byte) {
	expectTenantScope(mock, tenantID)
	mock.ExpectQuery(`FROM notification_channels`).
		WithArgs(channelID).
		WillReturnRows(sqlmock.NewRows(channelRowColumns()).
			AddRow(channelID, tenantID, channelType, "ops-"+channelType, config,
				true, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	mock.ExpectCommit()
}

func TestChannelStoreCachesLoads(t *testing.T) {
	cs, mock := newTestChannelStore(t, nil)

	expectChannelRow(mock, "t1", "ch-1", models.ChannelSlack,
		[]byte(`{"webhook_url":"https://hooks.example.com/T0"}`))

	for i := 0; i < 3; i++ {
		ch, err := cs.Load(context.Background(), "t1", "ch-1")
		if err != nil {
			t.Fatalf("Load #%d: %v", i+1, err)
		}
		if ch.ChannelType != models.ChannelSlack {
			t.Errorf("ChannelType = %q", ch.ChannelType)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestChannelStoreMissingChannel(t *testing.T) {
	cs, mock := newTestChannelStore(t, nil)

	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`FROM notification_channels`).
		WithArgs("ch-gone").
		WillReturnRows(sqlmock.NewRows(channelRowColumns()))
	mock.ExpectRollback()

	// Two loads, one fetch: the miss is negatively cached.
	for i := 0; i < 2; i++ {
		_, err := cs.Load(context.Background(), "t1", "ch-gone")
		if err == nil || faults.KindOf(err) != faults.KindPermanent {
			t.Fatalf("Load #%d = %v, want permanent fault", i+1, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestChannelStoreInvalidate(t *testing.T) {
	cs, mock := newTestChannelStore(t, nil)

	expectChannelRow(mock, "t1", "ch-1", models.ChannelSlack,
		[]byte(`{"webhook_url":"https://hooks.example.com/T0"}`))
	expectChannelRow(mock, "t1", "ch-1", models.ChannelSlack,
		[]byte(`{"webhook_url":"https://hooks.example.com/T1"}`))

	if _, err := cs.Load(context.Background(), "t1", "ch-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cs.Invalidate("t1", "ch-1")

	ch, err := cs.Load(context.Background(), "t1", "ch-1")
	if err != nil {
		t.Fatalf("Load after invalidate: %v", err)
	}
	if ch.Config["webhook_url"] != "https://hooks.example.com/T1" {
		t.Errorf("Config = %v, want refetched row", ch.Config)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestChannelStoreDecryptsConfig(t *testing.T) {
	enc, err := crypto.DeriveFieldEncryptor([]byte("test-master-secret-that-is-long!"), "channel-config")
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor: %v", err)
	}
	sealed, err := enc.Encrypt("https://hooks.example.com/secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cs, mock := newTestChannelStore(t, enc)
	expectChannelRow(mock, "t1", "ch-1", models.ChannelSlack,
		[]byte(`{"webhook_url":"`+sealed+`","title":"ops"}`))

	ch, err := cs.Load(context.Background(), "t1", "ch-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ch.Config["webhook_url"] != "https://hooks.example.com/secret" {
		t.Errorf("webhook_url = %v, want decrypted value", ch.Config["webhook_url"])
	}
	if ch.Config["title"] != "ops" {
		t.Errorf("title = %v, plaintext fields must pass through", ch.Config["title"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestChannelStoreDecryptFailureIsPermanent(t *testing.T) {
	enc, err := crypto.DeriveFieldEncryptor([]byte("test-master-secret-that-is-long!"), "channel-config")
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor: %v", err)
	}

	cs, mock := newTestChannelStore(t, enc)
	expectTenantScope(mock, "t1")
	mock.ExpectQuery(`FROM notification_channels`).
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows(channelRowColumns()).
			AddRow("ch-1", "t1", models.ChannelSlack, "ops-slack",
				[]byte(`{"webhook_url":"enc:v1:not-real-ciphertext"}`),
				true, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	mock.ExpectCommit()

	_, err = cs.Load(context.Background(), "t1", "ch-1")
	if err == nil || faults.KindOf(err) != faults.KindPermanent {
		t.Fatalf("Load = %v, want permanent fault", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestChannelStorePlaintextWithoutDecryptor(t *testing.T) {
	cs, mock := newTestChannelStore(t, nil)

	// No key configured: even prefixed values pass through untouched.
	expectChannelRow(mock, "t1", "ch-1", models.ChannelSlack,
		[]byte(`{"webhook_url":"enc:v1:opaque"}`))

	ch, err := cs.Load(context.Background(), "t1", "ch-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ch.Config["webhook_url"] != "enc:v1:opaque" {
		t.Errorf("webhook_url = %v, want stored value", ch.Config["webhook_url"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestChannelStoreScopesByTenant(t *testing.T) {
	cs, mock := newTestChannelStore(t, nil)

	// Same channel id under two tenants resolves to two cache entries,
	// each fetched under its own tenant scope.
	expectChannelRow(mock, "t1", "ch-1", models.ChannelSlack,
		[]byte(`{"webhook_url":"https://hooks.example.com/T0"}`))
	expectChannelRow(mock, "t2", "ch-1", models.ChannelWebhook,
		[]byte(`{"url":"https://example.com/hook"}`))

	first, err := cs.Load(context.Background(), "t1", "ch-1")
	if err != nil {
		t.Fatalf("Load t1: %v", err)
	}
	second, err := cs.Load(context.Background(), "t2", "ch-1")
	if err != nil {
		t.Fatalf("Load t2: %v", err)
	}
	if first.ChannelType == second.ChannelType {
		t.Errorf("tenants shared a cache entry: %q", first.ChannelType)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestValidateChannelConfig(t *testing.T) {
	t.Parallel()

	guard := permissiveGuard()

	testCases := []struct {
		name        string
		channelType string
		config      models.JSONB
		wantErr     bool
	}{
		{
			name:        "slack ok",
			channelType: models.ChannelSlack,
			config:      models.JSONB{"webhook_url": "https://hooks.slack.com/services/T0/B0"},
		},
		{
			name:        "slack missing webhook_url",
			channelType: models.ChannelSlack,
			config:      models.JSONB{"title": "ops"},
			wantErr:     true,
		},
		{
			name:        "teams ok",
			channelType: models.ChannelTeams,
			config:      models.JSONB{"webhook_url": "https://outlook.office.com/webhook/x"},
		},
		{
			name:        "webhook ok",
			channelType: models.ChannelWebhook,
			config:      models.JSONB{"url": "https://example.com/hook"},
		},
		{
			name:        "webhook private address blocked",
			channelType: models.ChannelWebhook,
			config:      models.JSONB{"url": "https://10.0.0.8/hook"},
			wantErr:     true,
		},
		{
			name:        "pagerduty ok",
			channelType: models.ChannelPagerDuty,
			config:      models.JSONB{"routing_key": "R0123456789012345678901234567890"},
		},
		{
			name:        "pagerduty missing routing_key",
			channelType: models.ChannelPagerDuty,
			config:      models.JSONB{},
			wantErr:     true,
		},
		{
			name:        "email ok",
			channelType: models.ChannelEmail,
			config: models.JSONB{"host": "smtp.example.com", "from": "alerts@example.com",
				"to": []interface{}{"ops@example.com"}},
		},
		{
			name:        "email missing recipients",
			channelType: models.ChannelEmail,
			config:      models.JSONB{"host": "smtp.example.com", "from": "alerts@example.com"},
			wantErr:     true,
		},
		{
			name:        "snmp ok",
			channelType: models.ChannelSNMP,
			config:      models.JSONB{"host": "traps.example.com"},
		},
		{
			name:        "snmp v3 without security_name",
			channelType: models.ChannelSNMP,
			config:      models.JSONB{"host": "traps.example.com", "version": "3"},
			wantErr:     true,
		},
		{
			name:        "mqtt ok",
			channelType: models.ChannelMQTT,
			config:      models.JSONB{"broker_url": "tls://broker.example.com:8883"},
		},
		{
			name:        "mqtt missing broker_url",
			channelType: models.ChannelMQTT,
			config:      models.JSONB{},
			wantErr:     true,
		},
		{
			name:        "mqtt wildcard topic template",
			channelType: models.ChannelMQTT,
			config:      models.JSONB{"broker_url": "tls://broker.example.com:8883", "topic_template": "alerts/+/{device_id}"},
			wantErr:     true,
		},
		{
			name:        "unknown channel type",
			channelType: "carrier-pigeon",
			config:      models.JSONB{},
			wantErr:     true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validateChannelConfig(context.Background(), guard, tc.channelType, tc.config)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateChannelConfig = %v, wantErr=%v", err, tc.wantErr)
			}
			if err != nil && faults.KindOf(err) != faults.KindPermanent {
				t.Errorf("kind = %v, want permanent", faults.KindOf(err))
			}
		})
	}
}
