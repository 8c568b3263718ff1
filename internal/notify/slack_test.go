package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

func TestSlackSendPostsAttachment(t *testing.T) {
	t.Parallel()

	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &slackSender{client: senderTestClient(srv), guard: permissiveGuard()}
	cfg := models.JSONB{"webhook_url": "http://hooks.example.test/services/T000/B000"}

	if err := s.Send(context.Background(), samplePayload(), cfg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	attachments, ok := body["attachments"].([]interface{})
	if !ok || len(attachments) != 1 {
		t.Fatalf("attachments = %v, want one entry", body["attachments"])
	}
	att := attachments[0].(map[string]interface{})
	if att["title"] != "[MAJOR] THRESHOLD" {
		t.Fatalf("title = %v, want [MAJOR] THRESHOLD", att["title"])
	}
	if att["color"] != "#e85d04" {
		t.Fatalf("color = %v, want #e85d04", att["color"])
	}
	if att["text"] != "temp_c GT 40 (current 45)" {
		t.Fatalf("text = %v", att["text"])
	}
}

func TestSlackSendMarksTestPayloads(t *testing.T) {
	t.Parallel()

	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &slackSender{client: senderTestClient(srv), guard: permissiveGuard()}
	payload := samplePayload()
	payload.Test = true

	if err := s.Send(context.Background(), payload, models.JSONB{"webhook_url": "http://hooks.example.test/x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	att := body["attachments"].([]interface{})[0].(map[string]interface{})
	if att["title"] != "[TEST] [MAJOR] THRESHOLD" {
		t.Fatalf("title = %v, want [TEST] prefix", att["title"])
	}
}

func TestSlackSendMissingURL(t *testing.T) {
	t.Parallel()

	s := &slackSender{client: http.DefaultClient, guard: permissiveGuard()}
	err := s.Send(context.Background(), samplePayload(), models.JSONB{"name": "no url here"})
	if err == nil || faults.KindOf(err) != faults.KindPermanent {
		t.Fatalf("Send = %v, want permanent fault", err)
	}
}

func TestSlackSendGuardBlocksLoopback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("request should never reach the server")
	}))
	defer srv.Close()

	// Real guard, real loopback URL: the request must be refused before
	// any traffic is sent.
	s := &slackSender{client: srv.Client(), guard: newURLGuard(true)}
	err := s.Send(context.Background(), samplePayload(), models.JSONB{"webhook_url": srv.URL})
	if err == nil || faults.KindOf(err) != faults.KindPermanent {
		t.Fatalf("Send = %v, want permanent fault", err)
	}
}

func TestSlackSendServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := &slackSender{client: senderTestClient(srv), guard: permissiveGuard()}
	err := s.Send(context.Background(), samplePayload(), models.JSONB{"webhook_url": "http://hooks.example.test/x"})
	if err == nil || faults.KindOf(err) != faults.KindTransient {
		t.Fatalf("Send = %v, want transient fault", err)
	}
}
