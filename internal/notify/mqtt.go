package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 10 * time.Second
	defaultAlertTopic  = "pulse/alerts/{tenant_id}/{device_id}"
)

type mqttConfig struct {
	BrokerURL     string `json:"broker_url"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	TopicTemplate string `json:"topic_template,omitempty"`
}

// mqttSender republishes alerts to a customer broker, one short-lived
// connection per delivery. Redelivery belongs to the job queue, so the
// client never auto-reconnects; a lost PUBACK surfaces as transient and
// the attempt is retried whole.
type mqttSender struct {
	logger logging.Logger
}

func (s *mqttSender) Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error {
	var cfg mqttConfig
	if err := decodeChannelConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.BrokerURL == "" {
		return faults.New(faults.KindPermanent, "mqtt channel has no broker_url")
	}
	topic, err := expandAlertTopic(cfg.TopicTemplate, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.KindPermanent, err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID("pulse-notifier-" + payload.AlertID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(mqttConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return faults.New(faults.KindTransient, "mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return faults.Wrapf(faults.KindTransient, err, "mqtt connect")
	}
	defer client.Disconnect(250)

	pub := client.Publish(topic, 1, false, body)
	if !pub.WaitTimeout(mqttPublishTimeout) {
		return faults.New(faults.KindTransient, "mqtt publish not acknowledged")
	}
	if err := pub.Error(); err != nil {
		return faults.Wrapf(faults.KindTransient, err, "mqtt publish")
	}

	s.logger.WithFields(logging.Fields{
		"topic":    topic,
		"alert_id": payload.AlertID,
	}).Debug("Alert republished to MQTT channel")
	return nil
}

// expandAlertTopic substitutes payload fields into the channel's topic
// template. Wildcards in the result would change broker semantics, so
// they are rejected outright.
func expandAlertTopic(template string, payload models.AlertPayload) (string, error) {
	if template == "" {
		template = defaultAlertTopic
	}
	r := strings.NewReplacer(
		"{tenant_id}", payload.TenantID,
		"{device_id}", payload.DeviceID,
		"{site_id}", payload.SiteID,
		"{alert_type}", payload.AlertType,
		"{alert_id}", payload.AlertID,
		"{severity}", strconv.Itoa(payload.Severity),
	)
	topic := r.Replace(template)
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return "", faults.Newf(faults.KindPermanent, "invalid mqtt topic %q", topic)
	}
	return topic, nil
}
