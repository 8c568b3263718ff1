package notify

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// senderTestClient dials srv no matter what host the request names, so
// sender tests can use public-looking channel URLs while the traffic
// lands locally.
func senderTestClient(srv *httptest.Server) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(_ context.Context, network, _ string) (net.Conn, error) {
				return net.Dial(network, srv.Listener.Addr().String())
			},
		},
	}
}

// permissiveGuard resolves every hostname to a public address and allows
// plain http, matching the dev override.
func permissiveGuard() *urlGuard {
	return guardWithLookup(true, []net.IP{net.ParseIP("203.0.113.10")}, nil)
}

func samplePayload() models.AlertPayload {
	return models.AlertPayload{
		AlertID:       "a-100",
		TenantID:      "t1",
		DeviceID:      "pump-7",
		SiteID:        "site-1",
		Severity:      4,
		SeverityLabel: "MAJOR",
		AlertType:     "THRESHOLD",
		Summary:       "temp_c GT 40 (current 45)",
		Details:       map[string]interface{}{"metric": "temp_c", "current": 45.0},
		TriggeredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TriggerEvent:  models.TriggerOpen,
	}
}

func TestPostJSONClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status   int
		wantOK   bool
		wantKind faults.Kind
	}{
		{status: 200, wantOK: true},
		{status: 202, wantOK: true},
		{status: 204, wantOK: true},
		{status: 408, wantKind: faults.KindTransient},
		{status: 425, wantKind: faults.KindTransient},
		{status: 429, wantKind: faults.KindTransient},
		{status: 500, wantKind: faults.KindTransient},
		{status: 503, wantKind: faults.KindTransient},
		{status: 400, wantKind: faults.KindPermanent},
		{status: 401, wantKind: faults.KindPermanent},
		{status: 404, wantKind: faults.KindPermanent},
		{status: 410, wantKind: faults.KindPermanent},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q, want application/json", ct)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := postJSON(context.Background(), srv.Client(), srv.URL, []byte(`{}`), nil)
			if tc.wantOK {
				if err != nil {
					t.Fatalf("postJSON status %d = %v, want nil", tc.status, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("postJSON status %d = nil, want %v fault", tc.status, tc.wantKind)
			}
			if got := faults.KindOf(err); got != tc.wantKind {
				t.Fatalf("postJSON status %d kind = %v, want %v", tc.status, got, tc.wantKind)
			}
		})
	}
}

func TestPostJSONConnectionErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // refuse connections

	err := postJSON(context.Background(), &http.Client{Timeout: time.Second}, srv.URL, []byte(`{}`), nil)
	if err == nil {
		t.Fatal("expected error against closed server")
	}
	if got := faults.KindOf(err); got != faults.KindTransient {
		t.Fatalf("kind = %v, want transient", got)
	}
}

func TestPostJSONSendsHeaders(t *testing.T) {
	t.Parallel()

	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	headers := map[string]string{signatureHeader: "abc123"}
	if err := postJSON(context.Background(), srv.Client(), srv.URL, []byte(`{}`), headers); err != nil {
		t.Fatalf("postJSON: %v", err)
	}
	if gotSig != "abc123" {
		t.Fatalf("signature header = %q, want abc123", gotSig)
	}
}

func TestSignBodyKnownVector(t *testing.T) {
	t.Parallel()

	// RFC-style HMAC-SHA256 vector.
	got := signBody("key", []byte("The quick brown fox jumps over the lazy dog"))
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Fatalf("signBody = %s, want %s", got, want)
	}
}

func TestDecodeChannelConfig(t *testing.T) {
	t.Parallel()

	t.Run("missing config is permanent", func(t *testing.T) {
		t.Parallel()
		var cfg slackConfig
		err := decodeChannelConfig(nil, &cfg)
		if err == nil || faults.KindOf(err) != faults.KindPermanent {
			t.Fatalf("decodeChannelConfig(nil) = %v, want permanent fault", err)
		}
	})

	t.Run("unknown keys ignored", func(t *testing.T) {
		t.Parallel()
		var cfg slackConfig
		doc := models.JSONB{"webhook_url": "https://example.com", "color": "red"}
		if err := decodeChannelConfig(doc, &cfg); err != nil {
			t.Fatalf("decodeChannelConfig: %v", err)
		}
		if cfg.WebhookURL != "https://example.com" {
			t.Fatalf("WebhookURL = %q", cfg.WebhookURL)
		}
	})

	t.Run("wrong value type is permanent", func(t *testing.T) {
		t.Parallel()
		var cfg emailConfig
		doc := models.JSONB{"host": "smtp.example.com", "port": "not-a-number"}
		err := decodeChannelConfig(doc, &cfg)
		if err == nil || faults.KindOf(err) != faults.KindPermanent {
			t.Fatalf("decodeChannelConfig = %v, want permanent fault", err)
		}
	})

	t.Run("numeric fields decode from json numbers", func(t *testing.T) {
		t.Parallel()
		var cfg emailConfig
		doc := models.JSONB{
			"host": "smtp.example.com",
			"port": float64(2525),
			"from": "alerts@example.com",
			"to":   []interface{}{"ops@example.com"},
		}
		if err := decodeChannelConfig(doc, &cfg); err != nil {
			t.Fatalf("decodeChannelConfig: %v", err)
		}
		if cfg.Port != 2525 || len(cfg.To) != 1 || cfg.To[0] != "ops@example.com" {
			t.Fatalf("decoded config = %+v", cfg)
		}
	})
}
