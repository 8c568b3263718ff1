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

func TestTeamsSendPostsMessageCard(t *testing.T) {
	t.Parallel()

	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &teamsSender{client: senderTestClient(srv), guard: permissiveGuard()}
	cfg := models.JSONB{"webhook_url": "http://outlook.example.test/webhook/abc"}

	if err := s.Send(context.Background(), samplePayload(), cfg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if body["@type"] != "MessageCard" {
		t.Fatalf("@type = %v, want MessageCard", body["@type"])
	}
	if body["title"] != "[MAJOR] THRESHOLD: pump-7" {
		t.Fatalf("title = %v", body["title"])
	}
	if body["themeColor"] != "E85D04" {
		t.Fatalf("themeColor = %v, want E85D04", body["themeColor"])
	}
	sections, ok := body["sections"].([]interface{})
	if !ok || len(sections) != 1 {
		t.Fatalf("sections = %v, want one entry", body["sections"])
	}
	if text := sections[0].(map[string]interface{})["text"]; text != "temp_c GT 40 (current 45)" {
		t.Fatalf("section text = %v", text)
	}
}

func TestTeamsThemeColor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		severity int
		want     string
	}{
		{severity: 5, want: "D00000"},
		{severity: 6, want: "D00000"},
		{severity: 4, want: "E85D04"},
		{severity: 3, want: "FAA307"},
		{severity: 2, want: "8D99AE"},
		{severity: 1, want: "8D99AE"},
	}
	for _, tc := range testCases {
		if got := teamsThemeColor(tc.severity); got != tc.want {
			t.Fatalf("teamsThemeColor(%d) = %s, want %s", tc.severity, got, tc.want)
		}
	}
}

func TestTeamsSendMissingURL(t *testing.T) {
	t.Parallel()

	s := &teamsSender{client: http.DefaultClient, guard: permissiveGuard()}
	err := s.Send(context.Background(), samplePayload(), models.JSONB{"channel": "general"})
	if err == nil || faults.KindOf(err) != faults.KindPermanent {
		t.Fatalf("Send = %v, want permanent fault", err)
	}
}
