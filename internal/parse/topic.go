package parse

import (
	"fmt"
	"strings"

	"irrigation-registry-backend/internal/apperr"
)

// Device message kinds carried on MQTT topics.
const (
	KindHeartbeat = "heartbeat"
	KindReadings  = "readings"
	KindAck       = "ack"
	KindCommands  = "commands"
)

// Topic is a parsed device topic of the form "{prefix}/devices/{id}/{kind}".
type Topic struct {
	DeviceID string
	Kind     string
}

// ParseTopic splits a device topic published under prefix.
func ParseTopic(prefix, topic string) (Topic, error) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/devices/")
	if !ok {
		return Topic{}, fmt.Errorf("%w: topic %q outside %q", apperr.ErrMalformedPayload, topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Topic{}, fmt.Errorf("%w: unexpected topic shape %q", apperr.ErrMalformedPayload, topic)
	}
	switch parts[1] {
	case KindHeartbeat, KindReadings, KindAck:
	default:
		return Topic{}, fmt.Errorf("%w: unknown topic kind %q", apperr.ErrMalformedPayload, parts[1])
	}
	return Topic{DeviceID: parts[0], Kind: parts[1]}, nil
}

// DeviceTopic builds the topic for a device and kind.
func DeviceTopic(prefix, deviceID, kind string) string {
	return strings.TrimSuffix(prefix, "/") + "/devices/" + deviceID + "/" + kind
}

// SubscriptionFilter is the wildcard filter matching every device's messages of kind.
func SubscriptionFilter(prefix, kind string) string {
	return DeviceTopic(prefix, "+", kind)
}
