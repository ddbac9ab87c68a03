package store

import "time"

// DeviceType classifies a configured bus device channel.
type DeviceType string

const (
	DeviceLight      DeviceType = "light"
	DeviceCover      DeviceType = "cover"
	DeviceSensor     DeviceType = "sensor"
	DeviceDryContact DeviceType = "dry_contact"
)

// Device represents one configured channel on the bus, keyed by its
// "subnet.device.channel" address.
type Device struct {
	Address  string     `json:"address"`
	Type     DeviceType `json:"type"`
	Name     string     `json:"name,omitempty"`
	Dimmable bool       `json:"dimmable,omitempty"`

	Calibration *CoverCalibration `json:"calibration,omitempty"`
	Sensor      *SensorSettings   `json:"sensor,omitempty"`

	AddedAt  time.Time `json:"added_at"`
	LastSeen time.Time `json:"last_seen"`
}

// CoverCalibration holds measured travel times for a curtain channel.
// Values are seconds so they round-trip cleanly through config and API.
type CoverCalibration struct {
	TravelUpSeconds   float64 `json:"travel_up_s"`
	TravelDownSeconds float64 `json:"travel_down_s"`
	StartDelaySeconds float64 `json:"start_delay_s,omitempty"`
}

// SensorSettings holds the decode tuning for a sensor channel.
type SensorSettings struct {
	Kind       string   `json:"kind"`
	TempFormat string   `json:"temp_format,omitempty"`
	TempScale  float64  `json:"temp_scale,omitempty"`
	TempOffset float64  `json:"temp_offset,omitempty"`
	MinValue   *float64 `json:"min_value,omitempty"`
	MaxValue   *float64 `json:"max_value,omitempty"`
	LuxScale   float64  `json:"lux_scale,omitempty"`
	LuxOffset  float64  `json:"lux_offset,omitempty"`
	Invert     bool     `json:"invert,omitempty"`
}

// GatewayState holds the last known bus gateway endpoint, so a restart can
// reach the bus before the first broadcast is observed.
type GatewayState struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	LocalIP   string    `json:"local_ip,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
