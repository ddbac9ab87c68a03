package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"buspro-home/internal/buspro"
)

// LightState is the externally visible state of one dimmer channel.
// Brightness is on the 0..255 scale consumers expect; the bus itself works
// in 0..100 percent.
type LightState struct {
	On         bool
	Brightness int
}

// Light is the handle for one dimmer or relay channel. State updates come
// from bus telegrams via HandleTelegram; commands go out through the send
// function injected by the gateway.
type Light struct {
	addr   buspro.DeviceAddress
	name   string
	logger *slog.Logger

	send   func(ctx context.Context, t *buspro.Telegram) error
	notify func()

	mu    sync.Mutex
	level int // 0..100
	known bool
}

func newLight(addr buspro.DeviceAddress, name string, logger *slog.Logger, send func(context.Context, *buspro.Telegram) error, notify func()) *Light {
	return &Light{addr: addr, name: name, logger: logger, send: send, notify: notify}
}

// Address returns the bus address of this channel.
func (l *Light) Address() buspro.DeviceAddress { return l.addr }

// Name returns the configured display name.
func (l *Light) Name() string { return l.name }

// State returns the current state. Brightness maps the bus percent level to
// 0..255.
func (l *Light) State() LightState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LightState{
		On:         l.level > 0,
		Brightness: l.level * 255 / 100,
	}
}

// SetBrightness sends a channel control for level percent (0..100). runtime
// is the optional ramp duration supported by HDL dimmers; zero means
// immediate. The local state is updated optimistically; the control response
// telegram reconciles it.
func (l *Light) SetBrightness(ctx context.Context, level int, runtime time.Duration) error {
	if level < 0 {
		level = 0
	} else if level > 100 {
		level = 100
	}
	secs := int(runtime / time.Second)
	t := &buspro.Telegram{
		OperateCode:  buspro.OpSingleChannelControl,
		TargetSubnet: l.addr.Subnet,
		TargetDevice: l.addr.Device,
		Payload:      []byte{l.addr.Channel, byte(level), byte(secs / 60), byte(secs % 60)},
	}
	if err := l.send(ctx, t); err != nil {
		return err
	}
	l.mu.Lock()
	l.level = level
	l.known = true
	l.mu.Unlock()
	l.notify()
	return nil
}

// SetOff turns the channel off.
func (l *Light) SetOff(ctx context.Context, runtime time.Duration) error {
	return l.SetBrightness(ctx, 0, runtime)
}

// ReadStatus requests the current levels of all channels on the device.
func (l *Light) ReadStatus(ctx context.Context) error {
	t := &buspro.Telegram{
		OperateCode:  buspro.OpReadStatusOfChannels,
		TargetSubnet: l.addr.Subnet,
		TargetDevice: l.addr.Device,
	}
	return l.send(ctx, t)
}

// HandleTelegram updates state from channel control and read status
// responses addressed from this device.
func (l *Light) HandleTelegram(t *buspro.Telegram) {
	switch t.OperateCode {
	case buspro.OpSingleChannelControlResponse:
		// Payload: [channel, success flag, level].
		if len(t.Payload) < 3 || t.Payload[0] != l.addr.Channel {
			return
		}
		l.setLevel(int(t.Payload[2]))
	case buspro.OpReadStatusOfChannelsResponse:
		// Payload: [channel count, level1..levelN].
		if len(t.Payload) < 1 {
			return
		}
		count := int(t.Payload[0])
		ch := int(l.addr.Channel)
		if ch < 1 || ch > count || len(t.Payload) < 1+ch {
			return
		}
		l.setLevel(int(t.Payload[ch]))
	}
}

func (l *Light) setLevel(level int) {
	if level < 0 {
		level = 0
	} else if level > 100 {
		level = 100
	}
	l.mu.Lock()
	changed := !l.known || l.level != level
	l.level = level
	l.known = true
	l.mu.Unlock()
	if changed {
		l.notify()
	}
}
