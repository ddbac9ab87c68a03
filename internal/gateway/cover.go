package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"buspro-home/internal/buspro"
)

// Cover movement phases.
type coverPhase int

const (
	phaseStopped coverPhase = iota
	phasePendingOpen
	phasePendingClose
	phaseOpening
	phaseClosing
)

// CoverCalibration holds the per-device travel timings. TravelUp and
// TravelDown are the full 0..100 travel times; StartDelay is how long the
// motor typically takes to actually start moving after acknowledging a
// command.
type CoverCalibration struct {
	TravelUp   time.Duration
	TravelDown time.Duration
	StartDelay time.Duration
}

func (c CoverCalibration) withDefaults() CoverCalibration {
	if c.TravelUp <= 0 {
		c.TravelUp = 20 * time.Second
	}
	if c.TravelDown <= 0 {
		c.TravelDown = 20 * time.Second
	}
	if c.StartDelay < 0 {
		c.StartDelay = 0
	}
	return c
}

// CoverState is the externally visible state of one curtain channel.
// Phase is OPENING, CLOSING, OPEN, CLOSED or STOP.
type CoverState struct {
	Phase    string
	Position int
}

// Cover tracks one motorized curtain channel. The bus only reports discrete
// start/stop events, so position is estimated by interpolating between the
// position at motion start and the requested target over the calibrated
// travel time.
//
// All timers belonging to one movement (motion start fallback, probe reads,
// auto-stop, motion tick, status poll) run under a single per-movement
// context that is cancelled on every phase transition, so a stale timer can
// never act on a newer movement.
type Cover struct {
	addr   buspro.DeviceAddress
	name   string
	logger *slog.Logger

	sendControl func(ctx context.Context, status uint8) error
	readStatus  func(ctx context.Context) error
	notify      func()

	mu        sync.Mutex
	cal       CoverCalibration
	phase     coverPhase
	position  int // last frozen/confirmed position
	startPos  int
	requested int
	startTime time.Time
	duration  time.Duration
	moveCtx   context.Context
	cancel    context.CancelFunc
}

func newCover(addr buspro.DeviceAddress, name string, cal CoverCalibration, logger *slog.Logger,
	sendControl func(context.Context, uint8) error, readStatus func(context.Context) error, notify func()) *Cover {
	return &Cover{
		addr:        addr,
		name:        name,
		logger:      logger,
		cal:         cal.withDefaults(),
		sendControl: sendControl,
		readStatus:  readStatus,
		notify:      notify,
	}
}

// Address returns the bus address of this channel.
func (c *Cover) Address() buspro.DeviceAddress { return c.addr }

// Name returns the configured display name.
func (c *Cover) Name() string { return c.name }

// Calibrate replaces the travel timings. Takes effect from the next
// movement.
func (c *Cover) Calibrate(cal CoverCalibration) {
	c.mu.Lock()
	c.cal = cal.withDefaults()
	c.mu.Unlock()
}

// mergeCalibration overwrites only the fields that were explicitly set, so
// repeated lookups with default arguments cannot clobber saved timings.
func (c *Cover) mergeCalibration(cal CoverCalibration) {
	c.mu.Lock()
	if cal.TravelUp > 0 {
		c.cal.TravelUp = cal.TravelUp
	}
	if cal.TravelDown > 0 {
		c.cal.TravelDown = cal.TravelDown
	}
	if cal.StartDelay > 0 {
		c.cal.StartDelay = cal.StartDelay
	}
	c.mu.Unlock()
}

// Position returns the current position estimate, interpolated while
// moving.
func (c *Cover) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(time.Now())
}

func (c *Cover) positionLocked(now time.Time) int {
	if (c.phase == phaseOpening || c.phase == phaseClosing) && !c.startTime.IsZero() && c.duration > 0 {
		elapsed := now.Sub(c.startTime)
		if elapsed >= c.duration {
			return c.requested
		}
		frac := float64(elapsed) / float64(c.duration)
		return clampPos(c.startPos + int(float64(c.requested-c.startPos)*frac))
	}
	return c.position
}

// State returns the consumer-facing snapshot. Endstop positions map to OPEN
// and CLOSED.
func (c *Cover) State() CoverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.positionLocked(time.Now())
	phase := "STOP"
	switch {
	case c.phase == phaseOpening || c.phase == phasePendingOpen:
		phase = "OPENING"
	case c.phase == phaseClosing || c.phase == phasePendingClose:
		phase = "CLOSING"
	case pos == 0:
		phase = "CLOSED"
	case pos == 100:
		phase = "OPEN"
	}
	return CoverState{Phase: phase, Position: pos}
}

// cancelMovementLocked tears down the current movement's timers. Every
// phase transition goes through here first.
func (c *Cover) cancelMovementLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.moveCtx = nil
	}
}

// newMovementLocked arms a fresh movement context.
func (c *Cover) newMovementLocked() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c.moveCtx = ctx
	c.cancel = cancel
	return ctx
}

// Open fully opens the cover.
func (c *Cover) Open(ctx context.Context) error { return c.SetPosition(ctx, 100) }

// Close fully closes the cover.
func (c *Cover) Close(ctx context.Context) error { return c.SetPosition(ctx, 0) }

// SetPosition drives the cover to target percent. The directional command
// is sent immediately, but interpolation starts only once the bus confirms
// actual motion (probe reads) or a fallback timer expires, because motors
// on some installations start 1-3 s after the acknowledgement.
func (c *Cover) SetPosition(ctx context.Context, target int) error {
	target = clampPos(target)

	c.mu.Lock()
	now := time.Now()
	current := c.positionLocked(now)
	if target == current {
		// Already there: settle without a phantom zero-length movement.
		c.cancelMovementLocked()
		c.position = current
		c.phase = phaseStopped
		c.mu.Unlock()
		c.notify()
		return nil
	}

	var dir uint8
	var full time.Duration
	if target > current {
		dir = buspro.CoverStatusOpen
		full = c.cal.TravelUp
	} else {
		dir = buspro.CoverStatusClose
		full = c.cal.TravelDown
	}

	c.cancelMovementLocked()
	c.startPos = current
	c.requested = target
	c.duration = time.Duration(float64(full) * float64(absInt(target-current)) / 100)
	if dir == buspro.CoverStatusOpen {
		c.phase = phasePendingOpen
	} else {
		c.phase = phasePendingClose
	}
	startDelay := c.cal.StartDelay
	mctx := c.newMovementLocked()
	c.mu.Unlock()

	if err := c.sendControl(ctx, dir); err != nil {
		c.mu.Lock()
		c.cancelMovementLocked()
		c.phase = phaseStopped
		c.mu.Unlock()
		return err
	}
	c.notify()

	go c.probePendingStart(mctx)
	go c.fallbackStart(mctx, startDelay)
	return nil
}

// probePendingStart re-reads channel status at increasing delays so a bus
// status telegram can confirm the real motion start.
func (c *Cover) probePendingStart(ctx context.Context) {
	for _, delay := range []time.Duration{350 * time.Millisecond, 900 * time.Millisecond, 1800 * time.Millisecond} {
		if !sleepCtx(ctx, delay) {
			return
		}
		if err := c.readStatus(ctx); err != nil {
			c.logger.Debug("cover probe read failed", "device", c.addr.String(), "err", err)
		}
	}
}

// fallbackStart force-starts interpolation when no bus confirmation arrives
// in time, so the position estimate never gets stuck in pending.
func (c *Cover) fallbackStart(ctx context.Context, startDelay time.Duration) {
	wait := 1200*time.Millisecond + startDelay
	if wait < time.Second {
		wait = time.Second
	} else if wait > 6*time.Second {
		wait = 6 * time.Second
	}
	if !sleepCtx(ctx, wait) {
		return
	}
	c.startPendingMotion()
}

// startPendingMotion transitions a pending command into actual motion:
// records the start time, arms the auto-stop, and starts the motion tick
// and status poll. No-op unless a command is pending.
func (c *Cover) startPendingMotion() {
	c.mu.Lock()
	if c.phase != phasePendingOpen && c.phase != phasePendingClose {
		c.mu.Unlock()
		return
	}
	opening := c.phase == phasePendingOpen
	c.cancelMovementLocked()
	c.startTime = time.Now()
	if opening {
		c.phase = phaseOpening
	} else {
		c.phase = phaseClosing
	}
	d := c.duration
	mctx := c.newMovementLocked()
	c.mu.Unlock()

	go c.autoStop(mctx, d)
	go c.motionTick(mctx)
	go c.statusPoll(mctx)
	c.notify()
}

// startExternalMotion begins interpolation toward an endstop for motion the
// bus reports but this engine did not command. No auto-stop is scheduled:
// whoever started the motion owns stopping it.
func (c *Cover) startExternalMotion(opening bool) {
	c.mu.Lock()
	now := time.Now()
	current := c.positionLocked(now)
	c.cancelMovementLocked()
	c.startPos = current
	c.startTime = now
	if opening {
		c.requested = 100
		c.phase = phaseOpening
		c.duration = time.Duration(float64(c.cal.TravelUp) * float64(100-current) / 100)
	} else {
		c.requested = 0
		c.phase = phaseClosing
		c.duration = time.Duration(float64(c.cal.TravelDown) * float64(current) / 100)
	}
	mctx := c.newMovementLocked()
	c.mu.Unlock()

	go c.motionTick(mctx)
	go c.statusPoll(mctx)
	c.notify()
}

// autoStop fires when the calculated travel duration elapses: it freezes
// the estimate, sends STOP twice (single STOPs get dropped on some
// installations), and reconciles with a best-effort status read.
func (c *Cover) autoStop(ctx context.Context, d time.Duration) {
	if !sleepCtx(ctx, d) {
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	est := c.positionLocked(time.Now())
	if absInt(est-c.requested) <= 2 {
		// Snap to the target to avoid oscillation from rounding.
		est = c.requested
	}
	c.cancelMovementLocked()
	c.position = clampPos(est)
	c.phase = phaseStopped
	c.mu.Unlock()

	stop := func() {
		if err := c.sendControl(context.Background(), buspro.CoverStatusStop); err != nil {
			c.logger.Warn("cover auto-stop send failed", "device", c.addr.String(), "err", err)
		}
	}
	stop()
	time.Sleep(150 * time.Millisecond)
	stop()
	c.notify()

	time.Sleep(400 * time.Millisecond)
	if err := c.readStatus(context.Background()); err != nil {
		c.logger.Debug("cover post-stop read failed", "device", c.addr.String(), "err", err)
	}
}

// motionTick notifies observers twice a second while moving so position
// updates look continuous without needing bus traffic.
func (c *Cover) motionTick(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.notify()
		case <-ctx.Done():
			return
		}
	}
}

// statusPoll re-requests status every two seconds while moving to catch
// wall-switch STOPs, backing off near the scheduled auto-stop so polling
// cannot congest the bus and delay the STOP telegram.
func (c *Cover) statusPoll(ctx context.Context) {
	c.mu.Lock()
	deadline := time.Now().Add(maxDur(c.cal.TravelUp, c.cal.TravelDown) + 15*time.Second)
	c.mu.Unlock()
	for time.Now().Before(deadline) {
		c.mu.Lock()
		moving := c.phase == phaseOpening || c.phase == phaseClosing
		remaining := c.duration - time.Since(c.startTime)
		c.mu.Unlock()
		if !moving {
			return
		}
		if remaining <= 2800*time.Millisecond {
			if !sleepCtx(ctx, 350*time.Millisecond) {
				return
			}
			continue
		}
		if err := c.readStatus(ctx); err != nil {
			c.logger.Debug("cover status poll failed", "device", c.addr.String(), "err", err)
		}
		if !sleepCtx(ctx, 2*time.Second) {
			return
		}
	}
}

// Stop freezes the estimate at the currently interpolated position and
// sends a STOP telegram.
func (c *Cover) Stop(ctx context.Context) error {
	c.freeze()
	err := c.sendControl(ctx, buspro.CoverStatusStop)
	c.notify()
	return err
}

// freeze cancels all movement timers and pins the position estimate at its
// current interpolated value.
func (c *Cover) freeze() {
	c.mu.Lock()
	c.position = c.positionLocked(time.Now())
	c.cancelMovementLocked()
	c.phase = phaseStopped
	c.mu.Unlock()
}

// HandleTelegram feeds curtain control and status responses for this
// channel into the state machine.
func (c *Cover) HandleTelegram(t *buspro.Telegram) {
	switch t.OperateCode {
	case buspro.OpCurtainSwitchControl, buspro.OpCurtainSwitchControlResponse,
		buspro.OpReadCurtainSwitchResponse:
	default:
		return
	}

	if len(t.Payload) == 0 {
		c.notify()
		return
	}
	if t.Payload[0] != c.addr.Channel {
		return
	}
	statusKnown := len(t.Payload) >= 2
	var status uint8
	if statusKnown {
		status = t.Payload[1]
	}

	isControl := t.OperateCode != buspro.OpReadCurtainSwitchResponse
	if isControl {
		c.handleControl(statusKnown, status)
	} else {
		c.handleStatus(statusKnown, status)
	}
	c.notify()
}

// handleControl processes command echoes. A directional echo matching a
// pending command is only the acknowledgement, not the motion start; a
// directional echo while idle means someone else started the cover.
func (c *Cover) handleControl(statusKnown bool, status uint8) {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	if !statusKnown {
		if phase == phaseOpening || phase == phaseClosing {
			c.freeze()
		}
		return
	}
	switch status {
	case buspro.CoverStatusOpen:
		if phase == phasePendingOpen || phase == phaseOpening {
			return
		}
		c.startExternalMotion(true)
	case buspro.CoverStatusClose:
		if phase == phasePendingClose || phase == phaseClosing {
			return
		}
		c.startExternalMotion(false)
	case buspro.CoverStatusStop:
		c.freeze()
	default:
		c.logger.Debug("cover control unexpected status", "device", c.addr.String(), "status", status)
		if phase == phaseOpening || phase == phaseClosing {
			c.freeze()
		}
	}
}

// handleStatus processes read-status responses. A directional status
// confirms a matching pending command (the motor really moved); while idle
// it means externally started motion, unless we are already at that
// endstop, which some firmwares keep reporting as the last direction.
func (c *Cover) handleStatus(statusKnown bool, status uint8) {
	c.mu.Lock()
	phase := c.phase
	pos := c.positionLocked(time.Now())
	c.mu.Unlock()

	moving := phase == phaseOpening || phase == phaseClosing
	if !statusKnown {
		if moving {
			c.freeze()
		}
		return
	}
	switch status {
	case buspro.CoverStatusStop:
		if moving {
			c.freeze()
		}
	case buspro.CoverStatusOpen:
		if phase == phasePendingOpen {
			c.startPendingMotion()
			return
		}
		if phase == phaseOpening || pos >= 100 {
			return
		}
		c.startExternalMotion(true)
	case buspro.CoverStatusClose:
		if phase == phasePendingClose {
			c.startPendingMotion()
			return
		}
		if phase == phaseClosing || pos <= 0 {
			return
		}
		c.startExternalMotion(false)
	default:
		c.logger.Debug("cover status unexpected status", "device", c.addr.String(), "status", status)
		if moving {
			c.freeze()
		}
	}
}

func clampPos(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
