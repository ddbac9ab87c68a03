// Package sensors decodes the sensor broadcasts of HDL multi-sensors
// (12-in-1, MASLA.2C, MS12.2C and similar). The payload layouts are
// reverse-engineered from bus captures and differ between firmware
// variants, so every layout detail stays overridable through SensorConfig
// instead of being hardcoded per device model.
package sensors

import (
	"log/slog"
	"sync"
	"time"

	"buspro-home/internal/buspro"
)

// Kind classifies a sensor reading.
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindIlluminance Kind = "illuminance"
	KindAirQuality  Kind = "air_quality"
	KindGasPercent  Kind = "gas_percent"
	KindPIR         Kind = "pir"
	KindUltrasonic  Kind = "ultrasonic"
	KindDryContact  Kind = "dry_contact"
)

// TempFormat selects how 0xE3E5 temperature payloads are interpreted.
type TempFormat string

const (
	// TempAuto uses float32 when the payload is long enough, else the
	// common half-degree two-byte encoding.
	TempAuto TempFormat = "auto"
	// TempFloat32 forces the little-endian float32 layout.
	TempFloat32 TempFormat = "float32"
	// TempShort forces the two-byte raw*scale+offset layout.
	TempShort TempFormat = "short"
)

// SensorConfig describes one configured sensor channel.
type SensorConfig struct {
	Address buspro.DeviceAddress
	Kind    Kind
	Name    string

	// Temperature decoding.
	TempFormat TempFormat
	TempScale  float64 // 0 means the format default (0.5 for short)
	TempOffset float64
	MinValue   *float64
	MaxValue   *float64

	// Illuminance calibration.
	LuxScale  float64 // 0 means 1.0
	LuxOffset float64

	// Dry contacts: swap ON/OFF.
	Invert bool
}

// Reading is one decoded sensor value. Value carries numeric kinds; Text
// carries air quality levels and ON/OFF states.
type Reading struct {
	Address buspro.DeviceAddress
	Kind    Kind
	Value   float64
	Text    string
	At      time.Time
}

// Decoder routes raw bus telegrams to the configured sensor channels. Wire
// HandleTelegram as a gateway telegram listener. Duplicate consecutive
// readings per channel are suppressed.
type Decoder struct {
	logger *slog.Logger
	emit   func(Reading)

	mu     sync.Mutex
	byKind map[Kind]map[buspro.DeviceAddress]SensorConfig
	last   map[lastKey]string
}

type lastKey struct {
	addr buspro.DeviceAddress
	kind Kind
}

// NewDecoder creates a decoder that delivers readings to emit.
func NewDecoder(logger *slog.Logger, emit func(Reading)) *Decoder {
	return &Decoder{
		logger: logger,
		emit:   emit,
		byKind: make(map[Kind]map[buspro.DeviceAddress]SensorConfig),
		last:   make(map[lastKey]string),
	}
}

// Configure replaces the set of known sensor channels.
func (d *Decoder) Configure(configs []SensorConfig) {
	byKind := make(map[Kind]map[buspro.DeviceAddress]SensorConfig)
	for _, cfg := range configs {
		m := byKind[cfg.Kind]
		if m == nil {
			m = make(map[buspro.DeviceAddress]SensorConfig)
			byKind[cfg.Kind] = m
		}
		m[cfg.Address] = cfg
	}
	d.mu.Lock()
	d.byKind = byKind
	d.mu.Unlock()
}

// Add registers or replaces a single sensor channel.
func (d *Decoder) Add(cfg SensorConfig) {
	d.mu.Lock()
	m := d.byKind[cfg.Kind]
	if m == nil {
		m = make(map[buspro.DeviceAddress]SensorConfig)
		d.byKind[cfg.Kind] = m
	}
	m[cfg.Address] = cfg
	d.mu.Unlock()
}

// Remove drops a sensor channel.
func (d *Decoder) Remove(kind Kind, addr buspro.DeviceAddress) {
	d.mu.Lock()
	if m := d.byKind[kind]; m != nil {
		delete(m, addr)
	}
	delete(d.last, lastKey{addr, kind})
	d.mu.Unlock()
}

func (d *Decoder) lookup(kind Kind, addr buspro.DeviceAddress) (SensorConfig, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg, ok := d.byKind[kind][addr]
	return cfg, ok
}

// channelsFor returns every configured channel of kind on the source
// device. Humidity and illuminance values arrive per device, not per
// channel, and fan out to all configured channels.
func (d *Decoder) channelsFor(kind Kind, subnet, device uint8) []SensorConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []SensorConfig
	for addr, cfg := range d.byKind[kind] {
		if addr.Subnet == subnet && addr.Device == device {
			out = append(out, cfg)
		}
	}
	return out
}

// deliver emits a reading unless it repeats the channel's previous one.
func (d *Decoder) deliver(r Reading, dedupeKey string) {
	k := lastKey{r.Address, r.Kind}
	d.mu.Lock()
	if prev, ok := d.last[k]; ok && prev == dedupeKey {
		d.mu.Unlock()
		return
	}
	d.last[k] = dedupeKey
	d.mu.Unlock()
	d.emit(r)
}

// HandleTelegram decodes any sensor data carried by t.
func (d *Decoder) HandleTelegram(t *buspro.Telegram) {
	switch t.OperateCode {
	case buspro.OpBroadcastTemperatureResponse:
		d.handleTemperature(t)
	case buspro.OpReadSensorsInOneStatusResp, buspro.OpSensorsInOneBroadcast:
		d.handleHumidity(t)
		d.handleIlluminance(t)
		d.handleAirQuality(t)
	case buspro.OpReadSensorStatusResponse, buspro.OpSensorStatusBroadcast:
		d.handleIlluminance(t)
		d.handlePresence(t)
	case buspro.OpPanelControlResponse:
		d.handleDryContact(t)
	}
}
