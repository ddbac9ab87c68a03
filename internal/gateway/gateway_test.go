package gateway

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"buspro-home/internal/buspro"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return New(Config{
		Host:     "127.0.0.1",
		Port:     freePort(t),
		BindPort: freePort(t),
		LocalIP:  "127.0.0.1",
	}, testLogger())
}

func TestGatewayStartStopIdempotent(t *testing.T) {
	g := newTestGateway(t)
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	if !g.TransportReady() {
		t.Error("transport not ready after start")
	}
	g.Stop()
	g.Stop()
	if g.Started() {
		t.Error("still started after stop")
	}
	if g.TransportReady() {
		t.Error("transport ready after stop")
	}
}

func TestGatewayDispatchListenerIsolation(t *testing.T) {
	g := newTestGateway(t)

	var mu sync.Mutex
	var delivered []uint16
	g.AddTelegramListener(func(tg *buspro.Telegram) {
		panic("listener bug")
	})
	g.AddTelegramListener(func(tg *buspro.Telegram) {
		mu.Lock()
		delivered = append(delivered, tg.OperateCode)
		mu.Unlock()
	})

	g.dispatch(&buspro.Telegram{
		OperateCode:  buspro.OpSingleChannelControlResponse,
		SourceSubnet: 1, SourceDevice: 5,
		Payload: []byte{1, 0xF8, 40},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != buspro.OpSingleChannelControlResponse {
		t.Errorf("second listener got %v despite first panicking", delivered)
	}
}

func TestGatewayLightStateEmission(t *testing.T) {
	g := newTestGateway(t)
	addr := buspro.DeviceAddress{Subnet: 1, Device: 5, Channel: 2}
	g.EnsureLight(addr, "kitchen")

	var mu sync.Mutex
	var emitted []LightState
	g.AddLightListener(func(a buspro.DeviceAddress, st LightState) {
		if a != addr {
			t.Errorf("state for wrong device %v", a)
		}
		mu.Lock()
		emitted = append(emitted, st)
		mu.Unlock()
	})

	// Read-status response: 4 channels, channel 2 at 75%.
	resp := &buspro.Telegram{
		OperateCode:  buspro.OpReadStatusOfChannelsResponse,
		SourceSubnet: 1, SourceDevice: 5,
		Payload: []byte{4, 0, 75, 0, 0},
	}
	g.dispatch(resp)
	g.dispatch(resp) // identical state must not re-emit

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 1 {
		t.Fatalf("emissions = %d, want 1", len(emitted))
	}
	if !emitted[0].On || emitted[0].Brightness != 75*255/100 {
		t.Errorf("state = %+v, want on at 75%%", emitted[0])
	}
}

func TestGatewayCoverRoutingByTarget(t *testing.T) {
	g := newTestGateway(t)
	addr := buspro.DeviceAddress{Subnet: 1, Device: 9, Channel: 1}
	dev := g.EnsureCover(addr, "bedroom", CoverCalibration{TravelUp: time.Second, TravelDown: time.Second})

	// A control telegram from a wall panel is addressed TO the device.
	g.dispatch(&buspro.Telegram{
		OperateCode:  buspro.OpCurtainSwitchControl,
		SourceSubnet: 1, SourceDevice: 100,
		TargetSubnet: 1, TargetDevice: 9,
		Payload: []byte{1, buspro.CoverStatusOpen},
	})
	if st := dev.State(); st.Phase != "OPENING" {
		t.Errorf("phase = %s, want OPENING from externally addressed control", st.Phase)
	}
}

func TestGatewayEnsureIdempotent(t *testing.T) {
	g := newTestGateway(t)
	addr := buspro.DeviceAddress{Subnet: 2, Device: 3, Channel: 4}

	l1 := g.EnsureLight(addr, "first")
	l2 := g.EnsureLight(addr, "second")
	if l1 != l2 {
		t.Error("EnsureLight created a duplicate handle")
	}

	c1 := g.EnsureCover(addr, "first", CoverCalibration{TravelUp: 5 * time.Second, TravelDown: 7 * time.Second})
	c2 := g.EnsureCover(addr, "", CoverCalibration{})
	if c1 != c2 {
		t.Error("EnsureCover created a duplicate handle")
	}
	c1.mu.Lock()
	cal := c1.cal
	c1.mu.Unlock()
	if cal.TravelUp != 5*time.Second || cal.TravelDown != 7*time.Second {
		t.Errorf("default-argument lookup clobbered calibration: %+v", cal)
	}
}

func TestGatewayAwaitSupersededIsNoOp(t *testing.T) {
	g := newTestGateway(t)
	ch := make(chan error, 1)
	ch <- ErrSuperseded
	if err := g.await(context.Background(), ch); err != nil {
		t.Errorf("superseded command surfaced as %v, want nil", err)
	}
}
