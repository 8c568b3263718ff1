package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const pagerdutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

type pagerdutyConfig struct {
	RoutingKey string `json:"routing_key"`
}

// pagerdutySender sends Events API v2 events. Opens trigger an incident,
// closes resolve it; the alert ID doubles as the dedup key so both sides
// land on the same incident.
type pagerdutySender struct {
	client   *http.Client
	endpoint string
}

func (s *pagerdutySender) Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error {
	var cfg pagerdutyConfig
	if err := decodeChannelConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.RoutingKey == "" {
		return faults.New(faults.KindPermanent, "pagerduty channel has no routing_key")
	}
	endpoint := s.endpoint
	if endpoint == "" {
		endpoint = pagerdutyEventsURL
	}

	action := "trigger"
	if payload.TriggerEvent == models.TriggerClose {
		action = "resolve"
	}

	event := map[string]interface{}{
		"routing_key":  cfg.RoutingKey,
		"event_action": action,
		"dedup_key":    payload.AlertID,
	}
	if action == "trigger" {
		event["payload"] = map[string]interface{}{
			"summary":   fmt.Sprintf("[%s] %s: %s", payload.SeverityLabel, payload.AlertType, payload.Summary),
			"source":    payload.DeviceID,
			"severity":  pagerdutySeverity(payload.Severity),
			"timestamp": payload.TriggeredAt.Format("2006-01-02T15:04:05.000Z07:00"),
			"group":     payload.SiteID,
			"custom_details": map[string]interface{}{
				"tenant_id":  payload.TenantID,
				"alert_type": payload.AlertType,
				"details":    payload.Details,
				"test":       payload.Test,
			},
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return faults.Wrap(faults.KindPermanent, err)
	}
	return postJSON(ctx, s.client, endpoint, body, nil)
}

func pagerdutySeverity(severity int) string {
	switch {
	case severity >= 5:
		return "critical"
	case severity == 4:
		return "error"
	case severity == 3:
		return "warning"
	default:
		return "info"
	}
}
