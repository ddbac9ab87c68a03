package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"buspro-home/internal/buspro"
)

type coverHarness struct {
	mu    sync.Mutex
	sent  []uint8
	reads int
}

func (h *coverHarness) sendControl(ctx context.Context, status uint8) error {
	h.mu.Lock()
	h.sent = append(h.sent, status)
	h.mu.Unlock()
	return nil
}

func (h *coverHarness) readStatus(ctx context.Context) error {
	h.mu.Lock()
	h.reads++
	h.mu.Unlock()
	return nil
}

func (h *coverHarness) sentStatuses() []uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint8(nil), h.sent...)
}

func (h *coverHarness) countSent(status uint8) int {
	n := 0
	for _, s := range h.sentStatuses() {
		if s == status {
			n++
		}
	}
	return n
}

func newTestCover(t *testing.T, h *coverHarness, cal CoverCalibration) *Cover {
	t.Helper()
	addr := buspro.DeviceAddress{Subnet: 1, Device: 10, Channel: 1}
	return newCover(addr, "test cover", cal, testLogger(), h.sendControl, h.readStatus, func() {})
}

// confirmMotion delivers the read-status response that tells the engine the
// motor really started moving.
func confirmMotion(c *Cover, status uint8) {
	c.HandleTelegram(&buspro.Telegram{
		OperateCode: buspro.OpReadCurtainSwitchResponse,
		Payload:     []byte{c.addr.Channel, status},
	})
}

func TestCoverSetPositionInterpolation(t *testing.T) {
	h := &coverHarness{}
	c := newTestCover(t, h, CoverCalibration{TravelUp: 2 * time.Second, TravelDown: 2 * time.Second})
	c.position = 30

	if err := c.SetPosition(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if got := h.countSent(buspro.CoverStatusOpen); got != 1 {
		t.Fatalf("OPEN telegrams sent = %d, want 1", got)
	}
	if c.State().Phase != "OPENING" {
		t.Fatalf("phase = %s, want OPENING while pending", c.State().Phase)
	}
	// Position must not move before the bus confirms motion.
	if pos := c.Position(); pos != 30 {
		t.Fatalf("position moved to %d while pending", pos)
	}

	confirmMotion(c, buspro.CoverStatusOpen)

	// 70% of a 2s full travel.
	wantDuration := 1400 * time.Millisecond
	c.mu.Lock()
	duration := c.duration
	c.mu.Unlock()
	if duration != wantDuration {
		t.Errorf("movement duration = %v, want %v", duration, wantDuration)
	}

	// Halfway through the movement the estimate should be near 65.
	time.Sleep(700 * time.Millisecond)
	if pos := c.Position(); pos < 55 || pos > 75 {
		t.Errorf("mid-travel position = %d, want ~65", pos)
	}

	// After the scheduled duration the auto-stop fires and sends STOP twice.
	time.Sleep(1200 * time.Millisecond)
	if got := h.countSent(buspro.CoverStatusStop); got != 2 {
		t.Errorf("STOP telegrams sent = %d, want 2", got)
	}
	st := c.State()
	if st.Position != 100 {
		t.Errorf("final position = %d, want 100", st.Position)
	}
	if st.Phase != "OPEN" {
		t.Errorf("final phase = %s, want OPEN", st.Phase)
	}
}

func TestCoverSetPositionNoOp(t *testing.T) {
	h := &coverHarness{}
	c := newTestCover(t, h, CoverCalibration{TravelUp: time.Second, TravelDown: time.Second})
	c.position = 50

	if err := c.SetPosition(context.Background(), 50); err != nil {
		t.Fatal(err)
	}
	if len(h.sentStatuses()) != 0 {
		t.Errorf("telegrams sent for a no-op: %v", h.sentStatuses())
	}
	if st := c.State(); st.Phase != "STOP" || st.Position != 50 {
		t.Errorf("state = %+v, want STOP at 50", st)
	}
}

func TestCoverPositionBounds(t *testing.T) {
	h := &coverHarness{}
	c := newTestCover(t, h, CoverCalibration{TravelUp: 200 * time.Millisecond, TravelDown: 200 * time.Millisecond})

	if err := c.SetPosition(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	confirmMotion(c, buspro.CoverStatusOpen)

	// Sample past the end of the movement: the estimate must stay in range.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if pos := c.Position(); pos < 0 || pos > 100 {
			t.Fatalf("position %d out of range", pos)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCoverExternalMotionNoAutoStop(t *testing.T) {
	h := &coverHarness{}
	c := newTestCover(t, h, CoverCalibration{TravelUp: time.Second, TravelDown: time.Second})
	// Idle at 0; the wall switch starts opening.
	c.HandleTelegram(&buspro.Telegram{
		OperateCode: buspro.OpCurtainSwitchControlResponse,
		Payload:     []byte{c.addr.Channel, buspro.CoverStatusOpen},
	})
	if st := c.State(); st.Phase != "OPENING" {
		t.Fatalf("phase = %s, want OPENING", st.Phase)
	}

	time.Sleep(300 * time.Millisecond)
	mid := c.Position()
	if mid <= 0 || mid >= 100 {
		t.Fatalf("mid position = %d, want between endstops", mid)
	}

	// A wall-switch STOP freezes the estimate where it is.
	c.HandleTelegram(&buspro.Telegram{
		OperateCode: buspro.OpCurtainSwitchControlResponse,
		Payload:     []byte{c.addr.Channel, buspro.CoverStatusStop},
	})
	frozen := c.Position()
	if diff := absInt(frozen - mid); diff > 15 {
		t.Errorf("frozen at %d, interpolated was %d", frozen, mid)
	}
	if st := c.State(); st.Phase == "OPENING" {
		t.Error("still opening after STOP")
	}

	// Long after the would-be travel time: position pinned, and the engine
	// never sent a STOP of its own (the bus owns external motion).
	time.Sleep(900 * time.Millisecond)
	if pos := c.Position(); pos != frozen {
		t.Errorf("position drifted from %d to %d after freeze", frozen, pos)
	}
	if got := h.countSent(buspro.CoverStatusStop); got != 0 {
		t.Errorf("engine sent %d STOPs for externally owned motion", got)
	}
}

func TestCoverStopFreezesEstimate(t *testing.T) {
	h := &coverHarness{}
	c := newTestCover(t, h, CoverCalibration{TravelUp: time.Second, TravelDown: time.Second})

	if err := c.SetPosition(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	confirmMotion(c, buspro.CoverStatusOpen)
	time.Sleep(300 * time.Millisecond)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := c.State()
	if st.Phase == "OPENING" {
		t.Error("still opening after Stop")
	}
	if st.Position <= 0 || st.Position >= 100 {
		t.Errorf("stopped position = %d, want mid-travel", st.Position)
	}
	if got := h.countSent(buspro.CoverStatusStop); got != 1 {
		t.Errorf("STOP telegrams = %d, want 1", got)
	}

	// The cancelled movement's auto-stop must not fire later.
	time.Sleep(900 * time.Millisecond)
	if got := h.countSent(buspro.CoverStatusStop); got != 1 {
		t.Errorf("auto-stop fired after manual Stop: %d STOPs", got)
	}
}

func TestCoverFallbackStartsWithoutConfirmation(t *testing.T) {
	h := &coverHarness{}
	c := newTestCover(t, h, CoverCalibration{TravelUp: 2 * time.Second, TravelDown: 2 * time.Second})

	if err := c.SetPosition(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	// No bus confirmation at all. The fallback timer (1.2s + start delay)
	// must start the interpolation anyway.
	time.Sleep(1600 * time.Millisecond)
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase != phaseOpening {
		t.Fatalf("phase = %d, want opening after fallback", phase)
	}
	if pos := c.Position(); pos <= 0 {
		t.Errorf("position = %d, want progress after fallback start", pos)
	}
}

func TestCoverCalibrationDefaults(t *testing.T) {
	cal := CoverCalibration{}.withDefaults()
	if cal.TravelUp != 20*time.Second || cal.TravelDown != 20*time.Second {
		t.Errorf("default travel times = %v/%v, want 20s", cal.TravelUp, cal.TravelDown)
	}
	cal = CoverCalibration{TravelUp: 5 * time.Second, TravelDown: 8 * time.Second, StartDelay: -time.Second}.withDefaults()
	if cal.TravelUp != 5*time.Second || cal.TravelDown != 8*time.Second || cal.StartDelay != 0 {
		t.Errorf("calibration mangled: %+v", cal)
	}
}
