package ingest

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// Consumer owns the broker connection for the ingest service. Clean
// session is off so the broker queues QoS 1 messages across restarts;
// every (re)connect resubscribes the full filter set.
type Consumer struct {
	client  mqtt.Client
	logger  logging.Logger
	handler mqtt.MessageHandler
}

// NewConsumer configures the paho client without connecting.
func NewConsumer(cfg Config, handler mqtt.MessageHandler, logger logging.Logger) *Consumer {
	c := &Consumer{
		logger:  logger,
		handler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	return c
}

// Start connects to the broker. Subscriptions happen in the connect
// handler so they survive reconnects.
func (c *Consumer) Start() error {
	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Stop disconnects, giving in-flight handlers a second to finish.
func (c *Consumer) Stop() {
	c.client.Disconnect(1000)
	c.logger.Info("MQTT consumer disconnected")
}

// Connected reports broker connectivity for the health check.
func (c *Consumer) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Client exposes the underlying paho client for the MQTT health check.
func (c *Consumer) Client() mqtt.Client {
	return c.client
}

func (c *Consumer) onConnect(client mqtt.Client) {
	filters := make(map[string]byte, len(Subscriptions))
	for _, filter := range Subscriptions {
		filters[filter] = 1
	}

	token := client.SubscribeMultiple(filters, c.handler)
	if !token.WaitTimeout(10 * time.Second) {
		c.logger.Error("MQTT subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		c.logger.WithField("error", err).Error("MQTT subscribe failed")
		return
	}
	c.logger.WithField("filters", len(filters)).Info("MQTT subscriptions established")
}

func (c *Consumer) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.WithField("error", err).Warn("MQTT connection lost, reconnecting")
}
