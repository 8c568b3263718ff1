package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

type teamsConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// teamsSender posts a MessageCard to a Microsoft Teams incoming webhook.
type teamsSender struct {
	client *http.Client
	guard  *urlGuard
}

func (s *teamsSender) Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error {
	var cfg teamsConfig
	if err := decodeChannelConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.WebhookURL == "" {
		return faults.New(faults.KindPermanent, "teams channel has no webhook_url")
	}
	if err := s.guard.Check(ctx, cfg.WebhookURL); err != nil {
		return err
	}

	title := fmt.Sprintf("[%s] %s: %s", payload.SeverityLabel, payload.AlertType, payload.DeviceID)
	if payload.Test {
		title = "[TEST] " + title
	}

	body, err := json.Marshal(map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    title,
		"themeColor": teamsThemeColor(payload.Severity),
		"title":      title,
		"sections": []map[string]interface{}{{
			"text": payload.Summary,
			"facts": []map[string]string{
				{"name": "Device", "value": payload.DeviceID},
				{"name": "Site", "value": payload.SiteID},
				{"name": "Event", "value": payload.TriggerEvent},
				{"name": "Triggered", "value": payload.TriggeredAt.Format("2006-01-02 15:04:05 UTC")},
			},
		}},
	})
	if err != nil {
		return faults.Wrap(faults.KindPermanent, err)
	}
	return postJSON(ctx, s.client, cfg.WebhookURL, body, nil)
}

func teamsThemeColor(severity int) string {
	switch {
	case severity >= 5:
		return "D00000"
	case severity == 4:
		return "E85D04"
	case severity == 3:
		return "FAA307"
	default:
		return "8D99AE"
	}
}
