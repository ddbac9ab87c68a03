package buspro

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Frame layout byte offsets. Every frame starts with the sender's IPv4 and the
// "HDLMIRACLE" marker; gateways route replies to that IP, so getting the
// prefix right matters as much as the checksum.
const (
	offLength       = 16
	offSourceSubnet = 17
	offSourceDevice = 18
	offDeviceType   = 19
	offOperateCode  = 21
	offTargetSubnet = 23
	offTargetDevice = 24
	offPayload      = 25

	// frameLength counts length byte + source(2) + type(2) + op(2) +
	// target(2) + CRC(2) = 11, plus the payload.
	frameOverhead = 11

	minFrameSize = offPayload + 2 // empty payload + CRC
)

var frameMarker = []byte("HDLMIRACLE")

// Decode errors.
var (
	ErrChecksumMismatch = errors.New("telegram checksum mismatch")
	ErrFrameTooShort    = errors.New("telegram frame too short")
)

// Codec encodes and decodes Buspro frames. It is pure byte manipulation, no
// I/O; the local IPv4 it stamps into outgoing frames is fixed at construction.
type Codec struct {
	localIP [4]byte
}

// NewCodec creates a codec stamping localIP (dotted quad) into outgoing
// frames. An empty or non-IPv4 value falls back to 127.0.0.1.
func NewCodec(localIP string) *Codec {
	c := &Codec{localIP: [4]byte{127, 0, 0, 1}}
	if ip := net.ParseIP(localIP); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(c.localIP[:], v4)
		}
	}
	return c
}

// DetectLocalIP returns the local interface IPv4 the OS would use to reach
// host. No packets are sent; the connected UDP socket only selects a route.
func DetectLocalIP(host string) string {
	conn, err := net.Dial("udp4", net.JoinHostPort(host, "1"))
	if err != nil {
		return ""
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return ""
	}
	if v4 := local.IP.To4(); v4 != nil {
		return v4.String()
	}
	return ""
}

// LocalIP returns the dotted-quad address stamped into outgoing frames.
func (c *Codec) LocalIP() string {
	return net.IP(c.localIP[:]).String()
}

// Encode lays out the full UDP frame for t, applying source defaults and
// appending the CRC. The returned slice is freshly allocated.
func (c *Codec) Encode(t *Telegram) []byte {
	srcSubnet, srcDevice := t.SourceSubnet, t.SourceDevice
	if srcSubnet == 0 && srcDevice == 0 {
		srcSubnet, srcDevice = DefaultSourceSubnet, DefaultSourceDevice
	}

	frameLength := frameOverhead + len(t.Payload)
	buf := make([]byte, 0, offPayload+len(t.Payload)+2)
	buf = append(buf, c.localIP[:]...)
	buf = append(buf, frameMarker...)
	buf = append(buf, 0xAA, 0xAA)
	buf = append(buf, uint8(frameLength))
	buf = append(buf, srcSubnet, srcDevice)
	buf = binary.BigEndian.AppendUint16(buf, t.SourceDeviceType)
	buf = binary.BigEndian.AppendUint16(buf, t.OperateCode)
	buf = append(buf, t.TargetSubnet, t.TargetDevice)
	buf = append(buf, t.Payload...)

	// CRC over the last frameLength-2 bytes, i.e. the length byte through
	// the payload inclusive.
	crc := crc16(buf[len(buf)-(frameLength-2):])
	buf = binary.BigEndian.AppendUint16(buf, crc)
	return buf
}

// Decode parses a received datagram. It returns ErrFrameTooShort for
// truncated data and ErrChecksumMismatch when the recomputed CRC does not
// match the trailing two bytes; callers drop such datagrams silently.
func (c *Codec) Decode(data []byte, from *net.UDPAddr) (*Telegram, error) {
	if len(data) < minFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}

	frameLength := int(data[offLength])
	payloadLen := frameLength - frameOverhead
	if payloadLen < 0 || offPayload+payloadLen+2 > len(data) {
		return nil, fmt.Errorf("%w: frame length %d exceeds datagram of %d bytes", ErrFrameTooShort, frameLength, len(data))
	}

	crc := binary.BigEndian.Uint16(data[len(data)-2:])
	computed := crc16(data[len(data)-2-(frameLength-2) : len(data)-2])
	if crc != computed {
		return nil, fmt.Errorf("%w: got 0x%04X want 0x%04X", ErrChecksumMismatch, crc, computed)
	}

	t := &Telegram{
		SourceSubnet:     data[offSourceSubnet],
		SourceDevice:     data[offSourceDevice],
		SourceDeviceType: binary.BigEndian.Uint16(data[offDeviceType : offDeviceType+2]),
		OperateCode:      binary.BigEndian.Uint16(data[offOperateCode : offOperateCode+2]),
		TargetSubnet:     data[offTargetSubnet],
		TargetDevice:     data[offTargetDevice],
		Payload:          append([]byte(nil), data[offPayload:offPayload+payloadLen]...),
		CRC:              crc,
		Raw:              append([]byte(nil), data...),
		From:             from,
	}
	return t, nil
}

// crc16 is the CRC-16/CCITT variant Buspro gateways use: poly 0x1021, init
// 0x0000, MSB first, no reflection, no final XOR.
func crc16(data []byte) uint16 {
	var reg uint16
	for _, octet := range data {
		for i := 0; i < 8; i++ {
			topbit := reg & 0x8000
			if octet&(0x80>>i) != 0 {
				topbit ^= 0x8000
			}
			reg <<= 1
			if topbit != 0 {
				reg ^= 0x1021
			}
		}
	}
	return reg
}
