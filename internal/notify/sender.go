package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// signatureHeader carries the HMAC-SHA256 digest of the request body on
// signed webhook deliveries.
const signatureHeader = "X-Pulse-Signature"

// Sender delivers one payload through one channel. Errors come back
// classified via faults so the worker can decide retry vs dead-letter
// without knowing the channel type.
type Sender interface {
	Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error
}

type senderSet map[string]Sender

// newSenders builds the per-channel-type senders. HTTP channels share one
// client with the worker timeout; email and SNMP carry their own protocol
// timeouts.
func newSenders(cfg Config, guard *urlGuard, logger logging.Logger) senderSet {
	client := &http.Client{Timeout: cfg.WorkerTimeout}

	return senderSet{
		models.ChannelSlack:     &slackSender{client: client, guard: guard},
		models.ChannelTeams:     &teamsSender{client: client, guard: guard},
		models.ChannelWebhook:   &webhookSender{client: client, guard: guard},
		models.ChannelPagerDuty: &pagerdutySender{client: client},
		models.ChannelEmail:     &emailSender{},
		models.ChannelSNMP:      &snmpSender{},
		models.ChannelMQTT:      &mqttSender{logger: logger},
	}
}

// postJSON posts a JSON body and classifies the response. The response
// body is drained and discarded; channel endpoints speak with status
// codes.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return faults.Wrapf(faults.KindPermanent, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Timeouts, resets, refused connections: all worth a retry.
		return faults.Wrap(faults.KindTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return faults.Newf(faults.ClassifyHTTPStatus(resp.StatusCode), "unexpected status %d", resp.StatusCode)
}

// signBody computes the hex HMAC-SHA256 digest sent in X-Pulse-Signature.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// decodeChannelConfig unpacks the channel's JSONB config document into a
// typed struct. Unknown keys are ignored; missing required fields are
// each sender's problem to report.
func decodeChannelConfig(doc models.JSONB, out interface{}) error {
	if len(doc) == 0 {
		return faults.New(faults.KindPermanent, "channel config missing")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return faults.Wrapf(faults.KindPermanent, err, "channel config malformed")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return faults.Wrapf(faults.KindPermanent, err, "channel config malformed")
	}
	return nil
}
