package gateway

import (
	"context"
	"testing"

	"buspro-home/internal/buspro"
)

func TestLightSetBrightnessTelegram(t *testing.T) {
	addr := buspro.DeviceAddress{Subnet: 1, Device: 20, Channel: 3}
	var sent *buspro.Telegram
	l := newLight(addr, "hall", testLogger(), func(ctx context.Context, tg *buspro.Telegram) error {
		sent = tg
		return nil
	}, func() {})

	if err := l.SetBrightness(context.Background(), 130, 0); err != nil {
		t.Fatal(err)
	}
	if sent == nil {
		t.Fatal("nothing sent")
	}
	if sent.OperateCode != buspro.OpSingleChannelControl {
		t.Errorf("operate code = 0x%04X", sent.OperateCode)
	}
	if sent.TargetSubnet != 1 || sent.TargetDevice != 20 {
		t.Errorf("target = %d.%d", sent.TargetSubnet, sent.TargetDevice)
	}
	// Over-range level clamps to 100.
	if want := []byte{3, 100, 0, 0}; string(sent.Payload) != string(want) {
		t.Errorf("payload = %v, want %v", sent.Payload, want)
	}
	if st := l.State(); !st.On || st.Brightness != 255 {
		t.Errorf("state = %+v", st)
	}
}

func TestLightChannelResponseParsing(t *testing.T) {
	addr := buspro.DeviceAddress{Subnet: 1, Device: 20, Channel: 2}
	notified := 0
	l := newLight(addr, "", testLogger(), nil, func() { notified++ })

	// Wrong channel: ignored.
	l.HandleTelegram(&buspro.Telegram{
		OperateCode: buspro.OpSingleChannelControlResponse,
		Payload:     []byte{1, 0xF8, 50},
	})
	if notified != 0 {
		t.Fatal("notified for another channel")
	}

	l.HandleTelegram(&buspro.Telegram{
		OperateCode: buspro.OpSingleChannelControlResponse,
		Payload:     []byte{2, 0xF8, 50},
	})
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}
	if st := l.State(); !st.On || st.Brightness != 50*255/100 {
		t.Errorf("state = %+v", st)
	}

	// Off via read-status response.
	l.HandleTelegram(&buspro.Telegram{
		OperateCode: buspro.OpReadStatusOfChannelsResponse,
		Payload:     []byte{2, 0, 0},
	})
	if st := l.State(); st.On {
		t.Errorf("state = %+v, want off", st)
	}
	if notified != 2 {
		t.Errorf("notified = %d, want 2", notified)
	}
}
