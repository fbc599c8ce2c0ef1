package broker

import (
	"errors"
	"strings"
)

// Topic kinds under <tenant>/devices/<device_uid>/.
const (
	KindTelemetry = "telemetry"
	KindCommands  = "commands"
	KindStatus    = "status"
)

// ErrMalformedTopic is returned for topics outside the device tree.
var ErrMalformedTopic = errors.New("broker: malformed device topic")

// DeviceTopic is a parsed <tenant>/devices/<device_uid>/<kind> topic.
type DeviceTopic struct {
	Tenant    string
	DeviceUID string
	Kind      string
}

// TelemetryTopic returns the inbound telemetry topic of a device.
func TelemetryTopic(tenant, deviceUID string) string {
	return deviceTopic(tenant, deviceUID, KindTelemetry)
}

// CommandTopic returns the outbound command topic of a device.
func CommandTopic(tenant, deviceUID string) string {
	return deviceTopic(tenant, deviceUID, KindCommands)
}

// StatusTopic returns the retained status topic of a device.
func StatusTopic(tenant, deviceUID string) string {
	return deviceTopic(tenant, deviceUID, KindStatus)
}

func deviceTopic(tenant, deviceUID, kind string) string {
	return tenant + "/devices/" + deviceUID + "/" + kind
}

// ParseDeviceTopic splits a concrete device topic. It requires exactly four segments.
func ParseDeviceTopic(topic string) (DeviceTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != "devices" {
		return DeviceTopic{}, ErrMalformedTopic
	}
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, "+#") {
			return DeviceTopic{}, ErrMalformedTopic
		}
	}
	return DeviceTopic{Tenant: parts[0], DeviceUID: parts[2], Kind: parts[3]}, nil
}
