// Package ingest consumes device MQTT traffic: it authenticates
// connections for the broker, rate-limits and validates messages, and
// batch-writes telemetry and platform health to the store.
package ingest

import (
	"fmt"
	"strings"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// Topic kinds on the device topic tree
const (
	TopicData       = "data"        // telemetry | heartbeat | event
	TopicShadow     = "shadow"      // shadow/reported
	TopicCommandAck = "command_ack" // command/ack
)

// Subscriptions covers every filter ingest consumes, QoS 1.
var Subscriptions = []string{
	"tenant/+/device/+/telemetry",
	"tenant/+/device/+/heartbeat",
	"tenant/+/device/+/event",
	"tenant/+/device/+/shadow/reported",
	"tenant/+/device/+/command/ack",
}

// Topic is one parsed device topic. The tenant and device segments are
// authoritative over anything the payload claims.
type Topic struct {
	TenantID string
	DeviceID string
	Kind     string
	MsgType  string // set for Kind == TopicData
}

// ParseTopic validates a topic against the grammar
// tenant/{tenant}/device/{device}/{suffix}.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != "tenant" || parts[2] != "device" {
		return Topic{}, fmt.Errorf("topic %q does not match tenant/{tenant}/device/{device}/...", topic)
	}
	if parts[1] == "" || parts[3] == "" {
		return Topic{}, fmt.Errorf("topic %q has an empty tenant or device segment", topic)
	}

	t := Topic{TenantID: parts[1], DeviceID: parts[3]}
	suffix := parts[4:]

	switch {
	case len(suffix) == 1:
		switch suffix[0] {
		case models.MsgTypeTelemetry, models.MsgTypeHeartbeat, models.MsgTypeEvent:
			t.Kind = TopicData
			t.MsgType = suffix[0]
			return t, nil
		}
	case len(suffix) == 2 && suffix[0] == "shadow" && suffix[1] == "reported":
		t.Kind = TopicShadow
		return t, nil
	case len(suffix) == 2 && suffix[0] == "command" && suffix[1] == "ack":
		t.Kind = TopicCommandAck
		return t, nil
	}
	return Topic{}, fmt.Errorf("topic %q has an unknown suffix", topic)
}
