package mqtt

import (
	"strings"

	"github.com/nugget/nina-bridge/internal/buildinfo"
	"github.com/nugget/nina-bridge/internal/config"
)

// Availability payloads used on every availability topic.
const (
	PayloadOn  = "ON"
	PayloadOff = "OFF"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads. Every entity references the same
// device block so HA groups them under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message.
type SensorConfig struct {
	Name                string     `json:"name"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	ExpireAfter         int        `json:"expire_after,omitempty"`
}

// CameraConfig is the discovery payload for an image class.
type CameraConfig struct {
	Name                string     `json:"name"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	Topic               string     `json:"topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
	Device              DeviceInfo `json:"device"`
}

// NewDeviceInfo builds the HA device block from configuration. The
// configured device id comes first; the persistent instance id is a
// second identifier so history survives a device_id rename.
func NewDeviceInfo(info config.DeviceInfoConfig, instanceID string) DeviceInfo {
	ids := []string{info.DeviceID}
	if instanceID != "" && instanceID != info.DeviceID {
		ids = append(ids, instanceID)
	}
	return DeviceInfo{
		Identifiers:  ids,
		Name:         info.Name,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		SWVersion:    buildinfo.Version,
	}
}

// entityName turns a snake_case variable into a display name.
func entityName(parts ...string) string {
	var words []string
	for _, p := range parts {
		for _, w := range strings.FieldsFunc(p, func(r rune) bool { return r == '_' || r == ' ' }) {
			words = append(words, strings.ToUpper(w[:1])+w[1:])
		}
	}
	return strings.Join(words, " ")
}
