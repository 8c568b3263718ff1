package notify

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

type webhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// webhookSender delivers the raw alert payload to a customer-supplied
// endpoint. When a shared secret is configured the request carries an
// HMAC-SHA256 signature of the body so the receiver can authenticate it.
type webhookSender struct {
	client *http.Client
	guard  *urlGuard
}

func (s *webhookSender) Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error {
	var cfg webhookConfig
	if err := decodeChannelConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return faults.New(faults.KindPermanent, "webhook channel has no url")
	}
	if err := s.guard.Check(ctx, cfg.URL); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.KindPermanent, err)
	}
	var headers map[string]string
	if cfg.Secret != "" {
		headers = map[string]string{signatureHeader: signBody(cfg.Secret, body)}
	}
	return postJSON(ctx, s.client, cfg.URL, body, headers)
}
