package sensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"buspro-home/internal/buspro"
)

// sensorHeader is the marker byte most 12-in-1 payloads start with.
const sensorHeader = 248

// handleTemperature decodes 0xE3E5 broadcasts: payload[0] is the sensor id;
// long payloads carry a little-endian float32 at bytes 2..6, two-byte
// payloads a raw value scaled per configuration (half-degree steps by
// default).
func (d *Decoder) handleTemperature(t *buspro.Telegram) {
	if len(t.Payload) < 2 {
		return
	}
	addr := buspro.DeviceAddress{Subnet: t.SourceSubnet, Device: t.SourceDevice, Channel: t.Payload[0]}
	cfg, ok := d.lookup(KindTemperature, addr)
	if !ok {
		return
	}

	var value float64
	switch {
	case len(t.Payload) >= 6 && (cfg.TempFormat == TempAuto || cfg.TempFormat == TempFloat32 || cfg.TempFormat == ""):
		bits := binary.LittleEndian.Uint32(t.Payload[2:6])
		value = float64(math.Float32frombits(bits))
	case cfg.TempFormat == TempShort || len(t.Payload) < 6:
		if cfg.TempFormat == TempFloat32 {
			return
		}
		scale := cfg.TempScale
		if scale == 0 {
			scale = 0.5
		}
		value = float64(t.Payload[1])*scale + cfg.TempOffset
	default:
		return
	}

	if cfg.MinValue != nil && value < *cfg.MinValue {
		return
	}
	if cfg.MaxValue != nil && value > *cfg.MaxValue {
		return
	}
	d.deliver(Reading{
		Address: addr,
		Kind:    KindTemperature,
		Value:   value,
		At:      time.Now(),
	}, fmt.Sprintf("%.1f", value))
}

// handleHumidity extracts the humidity byte from 12-in-1 combined status
// payloads: index 4 behind the 248 header on 0x1605, index 3 on the headerless
// 0x1630 variant. 0xFF means the sensor has no humidity element.
func (d *Decoder) handleHumidity(t *buspro.Telegram) {
	var raw byte
	switch {
	case t.OperateCode == buspro.OpReadSensorsInOneStatusResp &&
		len(t.Payload) >= 5 && t.Payload[0] == sensorHeader:
		raw = t.Payload[4]
	case t.OperateCode == buspro.OpSensorsInOneBroadcast && len(t.Payload) >= 4:
		raw = t.Payload[3]
	default:
		return
	}
	if raw == 0xFF {
		return
	}
	for _, cfg := range d.channelsFor(KindHumidity, t.SourceSubnet, t.SourceDevice) {
		d.deliver(Reading{
			Address: cfg.Address,
			Kind:    KindHumidity,
			Value:   float64(raw),
			At:      time.Now(),
		}, fmt.Sprintf("%d", raw))
	}
}

// handleIlluminance extracts lux from whichever layout the firmware uses:
// 16-bit at bytes 2..4 or 24-bit at bytes 5..8 on 0x1605, 24-bit at 4..7 on
// 0x1630, 16-bit at 2..4 on 0x1646. All-0xFF fields mean "no reading".
func (d *Decoder) handleIlluminance(t *buspro.Telegram) {
	p := t.Payload
	var lux float64 = -1

	switch t.OperateCode {
	case buspro.OpReadSensorsInOneStatusResp:
		if len(p) < 4 || p[0] != sensorHeader {
			return
		}
		lux16 := -1
		if !(p[2] == 0xFF && p[3] == 0xFF) {
			lux16 = int(p[2])<<8 + int(p[3])
		}
		lux24 := -1
		if len(p) >= 8 && !(p[5] == 0xFF && p[6] == 0xFF && p[7] == 0xFF) {
			lux24 = int(p[5])<<16 + int(p[6])<<8 + int(p[7])
		}
		// MASLA layouts put the air quality level (0..3) where other
		// variants put the high lux byte; prefer the 16-bit field there.
		maybeAir := 0xFF
		if len(p) >= 6 {
			maybeAir = int(p[5])
		}
		if lux16 >= 0 && maybeAir <= 3 {
			lux = float64(lux16)
		} else if lux24 >= 0 {
			lux = float64(lux24)
		} else if lux16 >= 0 {
			lux = float64(lux16)
		}
	case buspro.OpSensorsInOneBroadcast:
		if len(p) < 7 {
			return
		}
		if !(p[4] == 0xFF && p[5] == 0xFF && p[6] == 0xFF) {
			lux = float64(int(p[4])<<16 + int(p[5])<<8 + int(p[6]))
		}
	case buspro.OpReadSensorStatusResponse:
		if len(p) < 4 {
			return
		}
		var b0, b1 byte
		if p[0] == sensorHeader {
			b0, b1 = p[2], p[3]
		} else {
			b0, b1 = p[0], p[1]
		}
		if !(b0 == 0xFF && b1 == 0xFF) {
			lux = float64(int(b0)<<8 + int(b1))
		}
	default:
		return
	}
	if lux < 0 {
		return
	}

	for _, cfg := range d.channelsFor(KindIlluminance, t.SourceSubnet, t.SourceDevice) {
		v := lux
		if cfg.LuxScale != 0 {
			v *= cfg.LuxScale
		}
		v += cfg.LuxOffset
		d.deliver(Reading{
			Address: cfg.Address,
			Kind:    KindIlluminance,
			Value:   v,
			At:      time.Now(),
		}, fmt.Sprintf("%.0f", v))
	}
}

// AirLevelText maps the 0..3 air quality level to its display name.
func AirLevelText(level int) string {
	switch level {
	case 0:
		return "clean"
	case 1:
		return "mild"
	case 2:
		return "moderate"
	case 3:
		return "severe"
	}
	return "unknown"
}

// handleAirQuality decodes the air level and gas percentage from combined
// status payloads. The sensor channel is the header byte itself (248, or
// 245 on some firmwares).
func (d *Decoder) handleAirQuality(t *buspro.Telegram) {
	p := t.Payload
	var channel byte
	air, gas := -1, -1

	switch t.OperateCode {
	case buspro.OpReadSensorsInOneStatusResp:
		if len(p) < 7 || (p[0] != 248 && p[0] != 245) {
			return
		}
		channel = p[0]
		if p[5] != 0xFF {
			air = int(p[5])
		}
		if p[6] != 0xFF {
			gas = int(p[6])
		}
	case buspro.OpSensorsInOneBroadcast:
		if len(p) < 6 {
			return
		}
		channel = sensorHeader
		if p[4] != 0xFF {
			air = int(p[4])
		}
		if p[5] != 0xFF {
			gas = int(p[5])
		}
	default:
		return
	}

	addr := buspro.DeviceAddress{Subnet: t.SourceSubnet, Device: t.SourceDevice, Channel: channel}
	cfg, ok := d.lookup(KindAirQuality, addr)
	if !ok {
		return
	}
	now := time.Now()
	if air >= 0 {
		text := AirLevelText(air)
		d.deliver(Reading{Address: cfg.Address, Kind: KindAirQuality, Value: float64(air), Text: text, At: now}, text)
	}
	if gas >= 0 && gas <= 100 {
		d.deliver(Reading{Address: cfg.Address, Kind: KindGasPercent, Value: float64(gas), At: now}, fmt.Sprintf("%d", gas))
	}
}

// handlePresence decodes PIR and ultrasonic presence flags: on 0x1646 the
// payload is [248, sensorID, _, _, pir, ultrasonic, ...], the unsolicited
// 0x1647 broadcast drops the header byte.
func (d *Decoder) handlePresence(t *buspro.Telegram) {
	p := t.Payload
	var channel byte
	var pir, ultrasonic bool

	switch t.OperateCode {
	case buspro.OpReadSensorStatusResponse:
		if len(p) < 6 || p[0] != sensorHeader {
			return
		}
		channel = p[1]
		pir = p[4] != 0
		ultrasonic = p[5] != 0
	case buspro.OpSensorStatusBroadcast:
		if len(p) < 6 {
			return
		}
		channel = p[0]
		pir = p[4] != 0
		ultrasonic = p[5] != 0
	default:
		return
	}

	addr := buspro.DeviceAddress{Subnet: t.SourceSubnet, Device: t.SourceDevice, Channel: channel}
	now := time.Now()
	if cfg, ok := d.lookup(KindPIR, addr); ok {
		d.deliver(Reading{Address: cfg.Address, Kind: KindPIR, Text: onOff(pir), At: now}, onOff(pir))
	}
	if cfg, ok := d.lookup(KindUltrasonic, addr); ok {
		d.deliver(Reading{Address: cfg.Address, Kind: KindUltrasonic, Text: onOff(ultrasonic), At: now}, onOff(ultrasonic))
	}
}

// handleDryContact decodes panel control responses carrying dry contact
// input states: payload [x, inputID, value] with value 0/1. Other values
// are panel traffic this decoder ignores.
func (d *Decoder) handleDryContact(t *buspro.Telegram) {
	p := t.Payload
	if len(p) < 3 {
		return
	}
	var state bool
	switch p[2] {
	case 0:
		state = false
	case 1:
		state = true
	default:
		return
	}

	addr := buspro.DeviceAddress{Subnet: t.SourceSubnet, Device: t.SourceDevice, Channel: p[1]}
	cfg, ok := d.lookup(KindDryContact, addr)
	if !ok {
		return
	}
	if cfg.Invert {
		state = !state
	}
	d.deliver(Reading{Address: cfg.Address, Kind: KindDryContact, Text: onOff(state), At: time.Now()}, onOff(state))
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
