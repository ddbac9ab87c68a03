package buspro

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestEncodeFrameLayout(t *testing.T) {
	c := NewCodec("192.168.1.50")
	tg := &Telegram{
		SourceSubnet:     1,
		SourceDevice:     2,
		SourceDeviceType: 0x1234,
		OperateCode:      OpSingleChannelControl,
		TargetSubnet:     3,
		TargetDevice:     4,
		Payload:          []byte{5, 100, 0, 0},
	}
	data := c.Encode(tg)

	if !bytes.Equal(data[0:4], []byte{192, 168, 1, 50}) {
		t.Errorf("local IP prefix: got %v", data[0:4])
	}
	if !bytes.Equal(data[4:14], []byte("HDLMIRACLE")) {
		t.Errorf("marker: got %q", data[4:14])
	}
	if data[14] != 0xAA || data[15] != 0xAA {
		t.Errorf("0xAAAA: got %02X %02X", data[14], data[15])
	}
	if data[offLength] != 11+4 {
		t.Errorf("frame length: got %d, want 15", data[offLength])
	}
	if data[offSourceSubnet] != 1 || data[offSourceDevice] != 2 {
		t.Errorf("source: got %d.%d", data[offSourceSubnet], data[offSourceDevice])
	}
	if data[offOperateCode] != 0x00 || data[offOperateCode+1] != 0x31 {
		t.Errorf("operate code bytes: got %02X %02X", data[offOperateCode], data[offOperateCode+1])
	}
	if data[offTargetSubnet] != 3 || data[offTargetDevice] != 4 {
		t.Errorf("target: got %d.%d", data[offTargetSubnet], data[offTargetDevice])
	}
	if !bytes.Equal(data[offPayload:offPayload+4], []byte{5, 100, 0, 0}) {
		t.Errorf("payload: got %X", data[offPayload:offPayload+4])
	}
	if len(data) != offPayload+4+2 {
		t.Errorf("total size: got %d, want %d", len(data), offPayload+4+2)
	}
}

func TestRoundTrip(t *testing.T) {
	c := NewCodec("10.0.0.7")
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6000}

	cases := []Telegram{
		{SourceSubnet: 1, SourceDevice: 20, SourceDeviceType: 0x0BEA, OperateCode: OpSingleChannelControlResponse, TargetSubnet: 255, TargetDevice: 255, Payload: []byte{1, 0xF8, 75}},
		{SourceSubnet: 1, SourceDevice: 30, OperateCode: OpCurtainSwitchControl, TargetSubnet: 1, TargetDevice: 31, Payload: []byte{2, CoverStatusOpen}},
		{SourceSubnet: 3, SourceDevice: 9, OperateCode: OpReadStatusOfChannels, TargetSubnet: 3, TargetDevice: 10, Payload: nil},
	}
	for _, want := range cases {
		data := c.Encode(&want)
		got, err := c.Decode(data, from)
		if err != nil {
			t.Fatalf("decode %s: %v", want.String(), err)
		}
		if got.SourceSubnet != want.SourceSubnet || got.SourceDevice != want.SourceDevice {
			t.Errorf("%s: source mismatch: %d.%d", want.String(), got.SourceSubnet, got.SourceDevice)
		}
		if got.SourceDeviceType != want.SourceDeviceType {
			t.Errorf("%s: device type: got 0x%04X", want.String(), got.SourceDeviceType)
		}
		if got.OperateCode != want.OperateCode {
			t.Errorf("%s: operate code: got 0x%04X", want.String(), got.OperateCode)
		}
		if got.TargetSubnet != want.TargetSubnet || got.TargetDevice != want.TargetDevice {
			t.Errorf("%s: target mismatch", want.String())
		}
		if len(want.Payload) == 0 {
			if len(got.Payload) != 0 {
				t.Errorf("%s: payload: got %X, want empty", want.String(), got.Payload)
			}
		} else if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("%s: payload: got %X want %X", want.String(), got.Payload, want.Payload)
		}
		if got.From != from {
			t.Errorf("%s: from address not recorded", want.String())
		}
	}
}

func TestEncodeSourceDefaults(t *testing.T) {
	c := NewCodec("10.0.0.7")
	data := c.Encode(&Telegram{OperateCode: OpReadStatusOfChannels, TargetSubnet: 1, TargetDevice: 2})
	if data[offSourceSubnet] != DefaultSourceSubnet || data[offSourceDevice] != DefaultSourceDevice {
		t.Errorf("source defaults: got %d.%d, want 200.200", data[offSourceSubnet], data[offSourceDevice])
	}
	if data[offDeviceType] != 0 || data[offDeviceType+1] != 0 {
		t.Errorf("device type default: got %02X%02X, want 0000", data[offDeviceType], data[offDeviceType+1])
	}
}

func TestChecksumSensitivity(t *testing.T) {
	c := NewCodec("10.0.0.7")
	data := c.Encode(&Telegram{
		SourceSubnet: 1, SourceDevice: 2,
		OperateCode:  OpCurtainSwitchControl,
		TargetSubnet: 1, TargetDevice: 3,
		Payload: []byte{1, CoverStatusClose},
	})

	// Flip every bit in the checksummed range (length byte through payload)
	// and verify each corruption is rejected.
	for i := offLength; i < len(data)-2; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), data...)
			corrupted[i] ^= 1 << bit
			_, err := c.Decode(corrupted, nil)
			if err == nil {
				t.Fatalf("decode accepted corruption at byte %d bit %d", i, bit)
			}
			// A flipped length byte may instead fail the length sanity
			// check; everything else must be a checksum mismatch.
			if i != offLength && !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("byte %d bit %d: got %v, want checksum mismatch", i, bit, err)
			}
		}
	}
}

func TestDecodeTooShort(t *testing.T) {
	c := NewCodec("10.0.0.7")
	if _, err := c.Decode([]byte{1, 2, 3}, nil); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("got %v, want frame too short", err)
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/XMODEM ("123456789" => 0x31C3) matches this variant: poly
	// 0x1021, init 0, no reflection.
	if got := crc16([]byte("123456789")); got != 0x31C3 {
		t.Errorf("crc16: got 0x%04X, want 0x31C3", got)
	}
}

func TestDetectLocalIPAndFallback(t *testing.T) {
	if ip := DetectLocalIP("127.0.0.1"); ip == "" {
		t.Skip("no route to loopback")
	} else if net.ParseIP(ip) == nil {
		t.Errorf("detected IP %q does not parse", ip)
	}
	c := NewCodec("not-an-ip")
	if c.LocalIP() != "127.0.0.1" {
		t.Errorf("fallback local IP: got %s", c.LocalIP())
	}
}

func TestParseDeviceAddress(t *testing.T) {
	addr, err := ParseDeviceAddress("1.20.3")
	if err != nil {
		t.Fatal(err)
	}
	if addr != (DeviceAddress{Subnet: 1, Device: 20, Channel: 3}) {
		t.Errorf("got %v", addr)
	}
	if addr.String() != "1.20.3" {
		t.Errorf("string: got %s", addr.String())
	}
	if _, err := ParseDeviceAddress("nope"); err == nil {
		t.Error("expected error for malformed address")
	}
	if _, err := ParseDeviceAddress("1.300.3"); err == nil {
		t.Error("expected error for out-of-range device")
	}
}
