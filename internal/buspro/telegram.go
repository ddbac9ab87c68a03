// Package buspro implements the HDL Buspro wire protocol: telegram
// encoding/decoding with CRC-16 checksums and the UDP transport used to
// exchange telegrams with a physical bus gateway.
package buspro

import (
	"fmt"
	"net"
)

// Operate codes observed on the bus. The set here covers lights, covers and
// the sensor broadcasts the bridge decodes; unknown codes still round-trip
// through the codec untouched.
const (
	OpSceneControl                 uint16 = 0x0002
	OpSceneControlResponse         uint16 = 0x0003
	OpSingleChannelControl         uint16 = 0x0031
	OpSingleChannelControlResponse uint16 = 0x0032
	OpReadStatusOfChannels         uint16 = 0x0033
	OpReadStatusOfChannelsResponse uint16 = 0x0034
	OpReadSensorsInOneStatus       uint16 = 0x1604
	OpReadSensorsInOneStatusResp   uint16 = 0x1605
	OpSensorsInOneBroadcast        uint16 = 0x1630
	OpReadSensorStatus             uint16 = 0x1645
	OpReadSensorStatusResponse     uint16 = 0x1646
	OpSensorStatusBroadcast        uint16 = 0x1647
	OpPanelControlResponse         uint16 = 0xE3D9
	OpCurtainSwitchControl         uint16 = 0xE3E0
	OpCurtainSwitchControlResponse uint16 = 0xE3E1
	OpReadStatusOfCurtainSwitch    uint16 = 0xE3E2
	OpReadCurtainSwitchResponse    uint16 = 0xE3E3
	OpBroadcastTemperatureResponse uint16 = 0xE3E5
)

var opNames = map[uint16]string{
	OpSceneControl:                 "SceneControl",
	OpSceneControlResponse:         "SceneControlResponse",
	OpSingleChannelControl:         "SingleChannelControl",
	OpSingleChannelControlResponse: "SingleChannelControlResponse",
	OpReadStatusOfChannels:         "ReadStatusOfChannels",
	OpReadStatusOfChannelsResponse: "ReadStatusOfChannelsResponse",
	OpReadSensorsInOneStatus:       "ReadSensorsInOneStatus",
	OpReadSensorsInOneStatusResp:   "ReadSensorsInOneStatusResponse",
	OpSensorsInOneBroadcast:        "SensorsInOneBroadcast",
	OpReadSensorStatus:             "ReadSensorStatus",
	OpReadSensorStatusResponse:     "ReadSensorStatusResponse",
	OpSensorStatusBroadcast:        "SensorStatusBroadcast",
	OpPanelControlResponse:         "PanelControlResponse",
	OpCurtainSwitchControl:         "CurtainSwitchControl",
	OpCurtainSwitchControlResponse: "CurtainSwitchControlResponse",
	OpReadStatusOfCurtainSwitch:    "ReadStatusOfCurtainSwitch",
	OpReadCurtainSwitchResponse:    "ReadCurtainSwitchResponse",
	OpBroadcastTemperatureResponse: "BroadcastTemperatureResponse",
}

// OpName returns a human-readable name for an operate code, or the hex value
// for codes the bridge does not know.
func OpName(op uint16) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", op)
}

// Curtain channel status values used by CurtainSwitchControl and its
// read-status responses.
const (
	CoverStatusStop  uint8 = 0
	CoverStatusOpen  uint8 = 1
	CoverStatusClose uint8 = 2
)

// Default source address for telegrams originated by this bridge.
const (
	DefaultSourceSubnet uint8 = 200
	DefaultSourceDevice uint8 = 200
)

// DeviceAddress identifies one controllable point on the bus. It is the map
// key everywhere: scheduler queues, device tables, sensor indexes.
type DeviceAddress struct {
	Subnet  uint8
	Device  uint8
	Channel uint8
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Subnet, a.Device, a.Channel)
}

// ParseDeviceAddress parses "subnet.device.channel".
func ParseDeviceAddress(s string) (DeviceAddress, error) {
	var subnet, device, channel int
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &subnet, &device, &channel); err != nil {
		return DeviceAddress{}, fmt.Errorf("parse device address %q: %w", s, err)
	}
	if subnet < 0 || subnet > 255 || device < 0 || device > 255 || channel < 0 || channel > 255 {
		return DeviceAddress{}, fmt.Errorf("device address %q out of range", s)
	}
	return DeviceAddress{Subnet: uint8(subnet), Device: uint8(device), Channel: uint8(channel)}, nil
}

// Telegram is one parsed bus message. SourceSubnet/SourceDevice default to
// (200,200) and SourceDeviceType to 0 when a caller builds a telegram without
// setting them (Encode fills them in).
type Telegram struct {
	SourceSubnet     uint8
	SourceDevice     uint8
	SourceDeviceType uint16
	OperateCode      uint16
	TargetSubnet     uint8
	TargetDevice     uint8
	Payload          []byte

	// Set by Decode only.
	CRC  uint16
	Raw  []byte
	From *net.UDPAddr
}

func (t *Telegram) String() string {
	return fmt.Sprintf("%s %d.%d->%d.%d payload=%X",
		OpName(t.OperateCode), t.SourceSubnet, t.SourceDevice, t.TargetSubnet, t.TargetDevice, t.Payload)
}
