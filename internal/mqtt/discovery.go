//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"buspro-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/buspro_1_40_1/temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadOpen       string   `json:"payload_open,omitempty"`
	PayloadClose      string   `json:"payload_close,omitempty"`
	PayloadStop       string   `json:"payload_stop,omitempty"`
	PositionTopic     string   `json:"position_topic,omitempty"`
	PositionTemplate  string   `json:"position_template,omitempty"`
	SetPositionTopic  string   `json:"set_position_topic,omitempty"`
	BrightnessScale   int      `json:"brightness_scale,omitempty"`
	Brightness        bool     `json:"brightness,omitempty"`
	Schema            string   `json:"schema,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	return dev.Address
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "buspro_" + strings.ReplaceAll(dev.Address, ".", "_")
}

// deviceTopicName returns the topic name for a device (name or address).
func deviceTopicName(dev *store.Device) string {
	if dev.Name != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.Name)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return strings.ReplaceAll(dev.Address, ".", "_")
}

// buildDiscovery generates HA discovery messages for a device based on its type.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "HDL",
		Model:        string(dev.Type),
		Name:         displayName,
	}

	switch dev.Type {
	case store.DeviceLight:
		return []discoveryMsg{buildLight(nodeID, displayName, stateTopic, avail, haDev, prefix, dev)}
	case store.DeviceCover:
		return []discoveryMsg{buildCover(nodeID, displayName, stateTopic, avail, haDev, prefix, dev)}
	case store.DeviceSensor:
		if dev.Sensor == nil {
			return nil
		}
		return buildSensorDiscovery(nodeID, displayName, stateTopic, avail, haDev, dev.Sensor.Kind)
	case store.DeviceDryContact:
		return []discoveryMsg{buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"contact", "Contact", "opening", "{{ value_json.contact }}")}
	}
	return nil
}

// buildSensorDiscovery maps a sensor kind to its HA entity.
func buildSensorDiscovery(nodeID, displayName, stateTopic, avail string, haDev haDevice, kind string) []discoveryMsg {
	switch kind {
	case "temperature":
		return []discoveryMsg{buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"temperature", "Temperature", "temperature", "°C", "measurement",
			"{{ value_json.temperature }}")}
	case "humidity":
		return []discoveryMsg{buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"humidity", "Humidity", "humidity", "%", "measurement",
			"{{ value_json.humidity }}")}
	case "illuminance":
		return []discoveryMsg{buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"illuminance", "Illuminance", "illuminance", "lx", "measurement",
			"{{ value_json.illuminance }}")}
	case "air_quality":
		// Level text plus the gas percentage the same element reports.
		return []discoveryMsg{
			buildSensor(nodeID, displayName, stateTopic, avail, haDev,
				"air_quality", "Air Quality", "", "", "",
				"{{ value_json.air_quality }}"),
			buildSensor(nodeID, displayName, stateTopic, avail, haDev,
				"gas", "Gas", "", "%", "measurement",
				"{{ value_json.gas }}"),
		}
	case "pir":
		return []discoveryMsg{buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"pir", "Motion", "motion", "{{ value_json.pir }}")}
	case "ultrasonic":
		return []discoveryMsg{buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"ultrasonic", "Presence", "occupancy", "{{ value_json.ultrasonic }}")}
	}
	return nil
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(nodeID, displayName, stateTopic, avail string, haDev haDevice, prefix string, dev *store.Device) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", nodeID)
	cmdTopic := prefix + "/" + deviceTopicName(dev) + "/set"
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_light",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		Schema:            "json",
		Device:            haDev,
	}
	if dev.Dimmable {
		payload.Brightness = true
		payload.BrightnessScale = 255
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildCover(nodeID, displayName, stateTopic, avail string, haDev haDevice, prefix string, dev *store.Device) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/cover/%s/cover/config", nodeID)
	base := prefix + "/" + deviceTopicName(dev)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_cover",
		StateTopic:        stateTopic,
		CommandTopic:      base + "/set",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		DeviceClass:       "curtain",
		PayloadOpen:       "OPEN",
		PayloadClose:      "CLOSE",
		PayloadStop:       "STOP",
		PositionTopic:     stateTopic,
		PositionTemplate:  "{{ value_json.position }}",
		SetPositionTopic:  base + "/set_position",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)

	// Remove all possible component types.
	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"cover", "cover"},
		{"sensor", "temperature"},
		{"sensor", "humidity"},
		{"sensor", "illuminance"},
		{"sensor", "air_quality"},
		{"sensor", "gas"},
		{"binary_sensor", "pir"},
		{"binary_sensor", "ultrasonic"},
		{"binary_sensor", "contact"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
