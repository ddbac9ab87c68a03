package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"buspro-home/internal/buspro"
)

// Config is the gateway configuration.
type Config struct {
	Host     string
	Port     int
	BindPort int

	// Scheduler pacing per control domain.
	LightInterval time.Duration
	CoverInterval time.Duration

	// Optional global minimum spacing between outgoing UDP telegrams.
	SendInterval time.Duration

	// LocalIP overrides the detected local address used in the frame
	// prefix. Empty means autodetect.
	LocalIP string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 6000
	}
	if c.LightInterval <= 0 {
		c.LightInterval = 120 * time.Millisecond
	}
	if c.CoverInterval <= 0 {
		c.CoverInterval = 180 * time.Millisecond
	}
	return c
}

// Gateway wires the codec, transport, command schedulers and device handles
// together, and fans incoming telegrams out to registered listeners.
type Gateway struct {
	cfg       Config
	logger    *slog.Logger
	codec     *buspro.Codec
	transport *buspro.Transport
	lightQ    *Scheduler
	coverQ    *Scheduler

	mu          sync.Mutex
	started     bool
	lastError   string
	lights      map[buspro.DeviceAddress]*Light
	covers      map[buspro.DeviceAddress]*Cover
	lastLight   map[buspro.DeviceAddress]LightState
	lastCover   map[buspro.DeviceAddress]CoverState
	tgListeners []func(*buspro.Telegram)
	lightSubs   []func(buspro.DeviceAddress, LightState)
	coverSubs   []func(buspro.DeviceAddress, CoverState)
}

// New builds a gateway from cfg. Nothing touches the network until Start.
func New(cfg Config, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	localIP := cfg.LocalIP
	if localIP == "" {
		localIP = buspro.DetectLocalIP(cfg.Host)
	}
	g := &Gateway{
		cfg:       cfg,
		logger:    logger,
		codec:     buspro.NewCodec(localIP),
		lights:    make(map[buspro.DeviceAddress]*Light),
		covers:    make(map[buspro.DeviceAddress]*Cover),
		lastLight: make(map[buspro.DeviceAddress]LightState),
		lastCover: make(map[buspro.DeviceAddress]CoverState),
	}
	g.transport = buspro.NewTransport(buspro.TransportConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		BindPort:        cfg.BindPort,
		MinSendInterval: cfg.SendInterval,
	}, logger)
	g.lightQ = NewScheduler("light", cfg.LightInterval, logger)
	g.coverQ = NewScheduler("cover", cfg.CoverInterval, logger)
	return g
}

// Start binds the transport and launches the scheduler workers. A bind
// failure is recorded and returned but leaves the gateway queryable; the
// process stays up so status endpoints keep working. Idempotent.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	g.lightQ.Start()
	g.coverQ.Start()

	err := g.transport.Start(g.onDatagram)
	if err != nil {
		g.setLastError(err.Error())
		g.logger.Warn("gateway transport not ready", "err", err)
		return err
	}
	g.logger.Info("gateway started", "host", g.cfg.Host, "port", g.cfg.Port)
	return nil
}

// Stop drains both schedulers (pending commands resolve with ErrStopped)
// and closes the transport. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.mu.Unlock()

	g.lightQ.Stop()
	g.coverQ.Stop()
	g.transport.Stop()
	g.logger.Info("gateway stopped")
}

// Started reports whether Start has been called without a matching Stop.
func (g *Gateway) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// TransportReady reports whether the UDP socket is bound.
func (g *Gateway) TransportReady() bool { return g.transport.Ready() }

// SendTarget returns the current outbound destination.
func (g *Gateway) SendTarget() (string, int) { return g.transport.Target() }

// LastError returns the most recent operational error, if any.
func (g *Gateway) LastError() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastError
}

func (g *Gateway) setLastError(msg string) {
	g.mu.Lock()
	g.lastError = msg
	g.mu.Unlock()
}

// AddTelegramListener registers cb for every decoded inbound telegram.
// Listeners run in registration order; a panic in one does not stop
// delivery to the rest.
func (g *Gateway) AddTelegramListener(cb func(*buspro.Telegram)) {
	g.mu.Lock()
	g.tgListeners = append(g.tgListeners, cb)
	g.mu.Unlock()
}

// AddLightListener registers cb for light state changes. Each change is
// delivered once with the full new state.
func (g *Gateway) AddLightListener(cb func(buspro.DeviceAddress, LightState)) {
	g.mu.Lock()
	g.lightSubs = append(g.lightSubs, cb)
	g.mu.Unlock()
}

// AddCoverListener registers cb for cover state changes.
func (g *Gateway) AddCoverListener(cb func(buspro.DeviceAddress, CoverState)) {
	g.mu.Lock()
	g.coverSubs = append(g.coverSubs, cb)
	g.mu.Unlock()
}

// sendTelegram encodes and transmits one telegram.
func (g *Gateway) sendTelegram(ctx context.Context, t *buspro.Telegram) error {
	return g.transport.Send(ctx, g.codec.Encode(t))
}

// onDatagram is the transport receive callback.
func (g *Gateway) onDatagram(data []byte, from *net.UDPAddr) {
	t, err := g.codec.Decode(data, from)
	if err != nil {
		// Protocol noise is expected on a shared bus.
		g.logger.Debug("dropped datagram", "from", from, "err", err)
		return
	}
	g.transport.ObserveSender(from)
	g.dispatch(t)
}

// dispatch routes t to matching device handles and then to every telegram
// listener in registration order.
func (g *Gateway) dispatch(t *buspro.Telegram) {
	g.mu.Lock()
	var lightDevs []*Light
	for addr, dev := range g.lights {
		if matchesDevice(t, addr) {
			lightDevs = append(lightDevs, dev)
		}
	}
	var coverDevs []*Cover
	for addr, dev := range g.covers {
		if matchesDevice(t, addr) {
			coverDevs = append(coverDevs, dev)
		}
	}
	listeners := append([](func(*buspro.Telegram))(nil), g.tgListeners...)
	g.mu.Unlock()

	for _, dev := range lightDevs {
		dev.HandleTelegram(t)
	}
	for _, dev := range coverDevs {
		dev.HandleTelegram(t)
	}
	for _, cb := range listeners {
		g.safeInvoke(cb, t)
	}
}

func (g *Gateway) safeInvoke(cb func(*buspro.Telegram), t *buspro.Telegram) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("telegram listener panicked", "panic", r)
		}
	}()
	cb(t)
}

// matchesDevice reports whether t concerns the device at addr: responses
// come from the device, control echoes are addressed to it.
func matchesDevice(t *buspro.Telegram, addr buspro.DeviceAddress) bool {
	if t.SourceSubnet == addr.Subnet && t.SourceDevice == addr.Device {
		return true
	}
	return t.TargetSubnet == addr.Subnet && t.TargetDevice == addr.Device
}

// EnsureLight returns the handle for addr, creating it on first use.
func (g *Gateway) EnsureLight(addr buspro.DeviceAddress, name string) *Light {
	g.mu.Lock()
	defer g.mu.Unlock()
	if dev, ok := g.lights[addr]; ok {
		return dev
	}
	dev := newLight(addr, name, g.logger, g.sendTelegram, func() { g.emitLight(addr) })
	g.lights[addr] = dev
	return dev
}

// EnsureCover returns the handle for addr, creating it on first use. For an
// existing handle, positive calibration fields overwrite the stored ones;
// zero fields leave saved calibrations alone.
func (g *Gateway) EnsureCover(addr buspro.DeviceAddress, name string, cal CoverCalibration) *Cover {
	g.mu.Lock()
	defer g.mu.Unlock()
	if dev, ok := g.covers[addr]; ok {
		dev.mergeCalibration(cal)
		return dev
	}
	dev := newCover(addr, name, cal, g.logger,
		func(ctx context.Context, status uint8) error {
			return g.sendTelegram(ctx, &buspro.Telegram{
				OperateCode:  buspro.OpCurtainSwitchControl,
				TargetSubnet: addr.Subnet,
				TargetDevice: addr.Device,
				Payload:      []byte{addr.Channel, status},
			})
		},
		func(ctx context.Context) error {
			return g.sendTelegram(ctx, &buspro.Telegram{
				OperateCode:  buspro.OpReadStatusOfCurtainSwitch,
				TargetSubnet: addr.Subnet,
				TargetDevice: addr.Device,
				Payload:      []byte{addr.Channel},
			})
		},
		func() { g.emitCover(addr) },
	)
	g.covers[addr] = dev
	return dev
}

// emitLight pushes the light's state to subscribers if it changed since the
// last emission.
func (g *Gateway) emitLight(addr buspro.DeviceAddress) {
	g.mu.Lock()
	dev, ok := g.lights[addr]
	if !ok {
		g.mu.Unlock()
		return
	}
	st := dev.State()
	if prev, seen := g.lastLight[addr]; seen && prev == st {
		g.mu.Unlock()
		return
	}
	g.lastLight[addr] = st
	subs := append([](func(buspro.DeviceAddress, LightState))(nil), g.lightSubs...)
	g.mu.Unlock()

	for _, cb := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("light listener panicked", "panic", r)
				}
			}()
			cb(addr, st)
		}()
	}
}

func (g *Gateway) emitCover(addr buspro.DeviceAddress) {
	g.mu.Lock()
	dev, ok := g.covers[addr]
	if !ok {
		g.mu.Unlock()
		return
	}
	st := dev.State()
	if prev, seen := g.lastCover[addr]; seen && prev == st {
		g.mu.Unlock()
		return
	}
	g.lastCover[addr] = st
	subs := append([](func(buspro.DeviceAddress, CoverState))(nil), g.coverSubs...)
	g.mu.Unlock()

	for _, cb := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("cover listener panicked", "panic", r)
				}
			}()
			cb(addr, st)
		}()
	}
}

// LightStates returns a snapshot of all known light states.
func (g *Gateway) LightStates() map[buspro.DeviceAddress]LightState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[buspro.DeviceAddress]LightState, len(g.lastLight))
	for k, v := range g.lastLight {
		out[k] = v
	}
	return out
}

// CoverStates returns a snapshot of all known cover states.
func (g *Gateway) CoverStates() map[buspro.DeviceAddress]CoverState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[buspro.DeviceAddress]CoverState, len(g.lastCover))
	for k, v := range g.lastCover {
		out[k] = v
	}
	return out
}

// await blocks on a scheduler result and folds a superseded command into a
// successful no-op, which is what control-surface callers want.
func (g *Gateway) await(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		if errors.Is(err, ErrSuperseded) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetLight turns addr on or off. brightness, when non-nil, is on the 0..255
// scale; nil with on=true means full brightness. Plain on/off commands get
// priority over queued dimmer-slider traffic.
func (g *Gateway) SetLight(ctx context.Context, addr buspro.DeviceAddress, on bool, brightness *int) error {
	priority := 0
	if brightness == nil {
		priority = 1
	}
	ch := g.lightQ.Enqueue(addr, KindSet, priority, func(jctx context.Context) error {
		dev := g.EnsureLight(addr, "")
		if !on {
			return dev.SetOff(jctx, 0)
		}
		if brightness == nil {
			return dev.SetBrightness(jctx, 100, 0)
		}
		b := *brightness
		if b < 0 {
			b = 0
		} else if b > 255 {
			b = 255
		}
		pct := (b*100 + 127) / 255
		if b > 0 && pct < 1 {
			pct = 1
		}
		return dev.SetBrightness(jctx, pct, 0)
	})
	err := g.await(ctx, ch)
	if err != nil {
		g.setLastError(err.Error())
	}
	return err
}

// ReadLightStatus requests the channel levels for addr's device.
func (g *Gateway) ReadLightStatus(ctx context.Context, addr buspro.DeviceAddress) error {
	ch := g.lightQ.Enqueue(addr, KindRead, 0, func(jctx context.Context) error {
		return g.EnsureLight(addr, "").ReadStatus(jctx)
	})
	return g.await(ctx, ch)
}

// CoverOpen fully opens the cover at addr.
func (g *Gateway) CoverOpen(ctx context.Context, addr buspro.DeviceAddress) error {
	ch := g.coverQ.Enqueue(addr, KindOpen, 0, func(jctx context.Context) error {
		return g.EnsureCover(addr, "", CoverCalibration{}).Open(jctx)
	})
	return g.await(ctx, ch)
}

// CoverClose fully closes the cover at addr.
func (g *Gateway) CoverClose(ctx context.Context, addr buspro.DeviceAddress) error {
	ch := g.coverQ.Enqueue(addr, KindClose, 0, func(jctx context.Context) error {
		return g.EnsureCover(addr, "", CoverCalibration{}).Close(jctx)
	})
	return g.await(ctx, ch)
}

// CoverSetPosition drives the cover at addr to target percent.
func (g *Gateway) CoverSetPosition(ctx context.Context, addr buspro.DeviceAddress, target int) error {
	ch := g.coverQ.Enqueue(addr, KindSet, 0, func(jctx context.Context) error {
		return g.EnsureCover(addr, "", CoverCalibration{}).SetPosition(jctx, target)
	})
	return g.await(ctx, ch)
}

// CoverStop stops the cover at addr. STOP preempts any queued command for
// the same cover. The stop is sent twice with a short gap because some
// installations drop a single STOP, then a status read reconciles the
// estimate.
func (g *Gateway) CoverStop(ctx context.Context, addr buspro.DeviceAddress) error {
	ch := g.coverQ.Enqueue(addr, KindStop, 0, func(jctx context.Context) error {
		dev := g.EnsureCover(addr, "", CoverCalibration{})
		if err := dev.Stop(jctx); err != nil {
			return err
		}
		if sleepCtx(jctx, 150*time.Millisecond) {
			if err := dev.sendControl(jctx, buspro.CoverStatusStop); err != nil {
				g.logger.Debug("repeat stop failed", "device", addr.String(), "err", err)
			}
		}
		if err := dev.readStatus(jctx); err != nil {
			g.logger.Debug("post-stop read failed", "device", addr.String(), "err", err)
		}
		return nil
	})
	err := g.await(ctx, ch)
	if err != nil {
		g.setLastError(err.Error())
	}
	return err
}

// CoverOpenRaw sends a bare OPEN without motion tracking or auto-stop.
// Calibration runs use it to time full travels.
func (g *Gateway) CoverOpenRaw(ctx context.Context, addr buspro.DeviceAddress) error {
	return g.coverRaw(ctx, addr, buspro.CoverStatusOpen)
}

// CoverCloseRaw sends a bare CLOSE without motion tracking or auto-stop.
func (g *Gateway) CoverCloseRaw(ctx context.Context, addr buspro.DeviceAddress) error {
	return g.coverRaw(ctx, addr, buspro.CoverStatusClose)
}

func (g *Gateway) coverRaw(ctx context.Context, addr buspro.DeviceAddress, status uint8) error {
	kind := KindOpen
	if status == buspro.CoverStatusClose {
		kind = KindClose
	}
	ch := g.coverQ.Enqueue(addr, kind, 0, func(jctx context.Context) error {
		g.EnsureCover(addr, "", CoverCalibration{})
		return g.sendTelegram(jctx, &buspro.Telegram{
			OperateCode:  buspro.OpCurtainSwitchControl,
			TargetSubnet: addr.Subnet,
			TargetDevice: addr.Device,
			Payload:      []byte{addr.Channel, status},
		})
	})
	return g.await(ctx, ch)
}

// ReadCoverStatus requests the current status of the cover channel.
func (g *Gateway) ReadCoverStatus(ctx context.Context, addr buspro.DeviceAddress) error {
	ch := g.coverQ.Enqueue(addr, KindRead, 0, func(jctx context.Context) error {
		return g.EnsureCover(addr, "", CoverCalibration{}).readStatus(jctx)
	})
	return g.await(ctx, ch)
}
