package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

type slackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// slackSender posts an attachment-style message to a Slack incoming
// webhook.
type slackSender struct {
	client *http.Client
	guard  *urlGuard
}

var slackSeverityColors = map[int]string{
	5: "#d00000",
	4: "#e85d04",
	3: "#faa307",
	2: "#ffd60a",
	1: "#8d99ae",
}

func (s *slackSender) Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error {
	var cfg slackConfig
	if err := decodeChannelConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.WebhookURL == "" {
		return faults.New(faults.KindPermanent, "slack channel has no webhook_url")
	}
	if err := s.guard.Check(ctx, cfg.WebhookURL); err != nil {
		return err
	}

	color, ok := slackSeverityColors[payload.Severity]
	if !ok {
		color = slackSeverityColors[1]
	}
	title := fmt.Sprintf("[%s] %s", payload.SeverityLabel, payload.AlertType)
	if payload.Test {
		title = "[TEST] " + title
	}

	body, err := json.Marshal(map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color": color,
			"title": title,
			"text":  payload.Summary,
			"fields": []map[string]interface{}{
				{"title": "Device", "value": payload.DeviceID, "short": true},
				{"title": "Site", "value": payload.SiteID, "short": true},
				{"title": "Event", "value": payload.TriggerEvent, "short": true},
				{"title": "Triggered", "value": payload.TriggeredAt.Format("2006-01-02 15:04:05 UTC"), "short": true},
			},
		}},
	})
	if err != nil {
		return faults.Wrap(faults.KindPermanent, err)
	}
	return postJSON(ctx, s.client, cfg.WebhookURL, body, nil)
}
