//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"buspro-home/internal/buspro"
	"buspro-home/internal/gateway"
	"buspro-home/internal/sensors"
	"buspro-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the bus gateway to MQTT with HA autodiscovery. Device
// rows from the store decide which entities are announced; gateway state
// listeners and sensor readings feed retained per-device state topics.
type Bridge struct {
	client pahomqtt.Client
	gw     *gateway.Gateway
	prefix string
	logger *slog.Logger

	// Per-device state accumulator, keyed by "subnet.device.channel".
	mu      sync.Mutex
	devices map[string]*store.Device
	states  map[string]map[string]any
}

// NewBridge creates and connects an MQTT bridge announcing the given devices.
func NewBridge(gw *gateway.Gateway, devices []*store.Device, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		gw:      gw,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
		devices: make(map[string]*store.Device, len(devices)),
		states:  make(map[string]map[string]any),
	}
	for _, dev := range devices {
		b.devices[dev.Address] = dev
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("buspro-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to gateway state changes and begins MQTT publishing.
func (b *Bridge) Start() {
	b.gw.AddLightListener(b.handleLightState)
	b.gw.AddCoverListener(b.handleCoverState)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleLightState(addr buspro.DeviceAddress, st gateway.LightState) {
	state := "OFF"
	if st.On {
		state = "ON"
	}
	b.updateAndPublishState(addr.String(), map[string]any{
		"state":      state,
		"brightness": st.Brightness,
	})
}

func (b *Bridge) handleCoverState(addr buspro.DeviceAddress, st gateway.CoverState) {
	b.updateAndPublishState(addr.String(), map[string]any{
		"state":    haCoverState(st.Phase),
		"position": st.Position,
	})
}

// haCoverState maps the engine phase to HA's cover state vocabulary.
func haCoverState(phase string) string {
	switch phase {
	case "OPENING":
		return "opening"
	case "CLOSING":
		return "closing"
	case "OPEN":
		return "open"
	case "CLOSED":
		return "closed"
	}
	return "stopped"
}

// HandleReading publishes one decoded sensor reading. Wire it as the
// sensor decoder's emit target.
func (b *Bridge) HandleReading(r sensors.Reading) {
	var prop string
	var value any
	switch r.Kind {
	case sensors.KindTemperature:
		prop, value = "temperature", round1(r.Value)
	case sensors.KindHumidity:
		prop, value = "humidity", r.Value
	case sensors.KindIlluminance:
		prop, value = "illuminance", r.Value
	case sensors.KindAirQuality:
		prop, value = "air_quality", r.Text
	case sensors.KindGasPercent:
		prop, value = "gas", r.Value
	case sensors.KindPIR:
		prop, value = "pir", r.Text
	case sensors.KindUltrasonic:
		prop, value = "ultrasonic", r.Text
	case sensors.KindDryContact:
		prop, value = "contact", r.Text
	default:
		return
	}
	b.updateAndPublishState(r.Address.String(), map[string]any{prop: value})
}

func (b *Bridge) updateAndPublishState(addr string, props map[string]any) {
	b.mu.Lock()
	dev, known := b.devices[addr]
	if !known {
		b.mu.Unlock()
		return
	}
	state, ok := b.states[addr]
	if !ok {
		state = make(map[string]any)
		b.states[addr] = state
	}
	for k, v := range props {
		state[k] = v
	}
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	topic := b.prefix + "/" + deviceTopicName(dev)
	b.publish(topic, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	b.mu.Lock()
	devices := make([]*store.Device, 0, len(b.devices))
	for _, dev := range b.devices {
		devices = append(devices, dev)
	}
	b.mu.Unlock()

	for _, dev := range devices {
		for _, msg := range buildDiscovery(dev, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.logger.Info("published HA discovery", "devices", len(devices))
}

func (b *Bridge) subscribeCommands() {
	b.mu.Lock()
	devices := make([]*store.Device, 0, len(b.devices))
	for _, dev := range b.devices {
		devices = append(devices, dev)
	}
	b.mu.Unlock()

	for _, dev := range devices {
		switch dev.Type {
		case store.DeviceLight:
			b.subscribeLightCommands(dev)
		case store.DeviceCover:
			b.subscribeCoverCommands(dev)
		}
	}
}

func (b *Bridge) subscribeLightCommands(dev *store.Device) {
	topic := b.prefix + "/" + deviceTopicName(dev) + "/set"
	addr := dev.Address
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleLightCommand(addr, msg.Payload())
	})
}

func (b *Bridge) subscribeCoverCommands(dev *store.Device) {
	base := b.prefix + "/" + deviceTopicName(dev)
	addr := dev.Address
	b.client.Subscribe(base+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCoverCommand(addr, msg.Payload())
	})
	b.client.Subscribe(base+"/set_position", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCoverPosition(addr, msg.Payload())
	})
}

func (b *Bridge) handleLightCommand(addr string, payload []byte) {
	devAddr, err := buspro.ParseDeviceAddress(addr)
	if err != nil {
		return
	}

	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "addr", addr, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var brightness *int
	if v, ok := toFloat64(cmd["brightness"]); ok {
		n := int(v)
		if n < 0 {
			n = 0
		}
		if n > 255 {
			n = 255
		}
		brightness = &n
	}

	on := brightness != nil && *brightness > 0
	if state, ok := cmd["state"].(string); ok {
		on = strings.EqualFold(state, "ON")
	} else if brightness == nil {
		return
	}

	if err := b.gw.SetLight(ctx, devAddr, on, brightness); err != nil {
		b.logger.Warn("light command failed", "addr", addr, "err", err)
	}
}

func (b *Bridge) handleCoverCommand(addr string, payload []byte) {
	devAddr, err := buspro.ParseDeviceAddress(addr)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "OPEN":
		err = b.gw.CoverOpen(ctx, devAddr)
	case "CLOSE":
		err = b.gw.CoverClose(ctx, devAddr)
	case "STOP":
		err = b.gw.CoverStop(ctx, devAddr)
	default:
		b.logger.Warn("unknown cover command", "addr", addr, "payload", string(payload))
		return
	}
	if err != nil {
		b.logger.Warn("cover command failed", "addr", addr, "err", err)
	}
}

func (b *Bridge) handleCoverPosition(addr string, payload []byte) {
	devAddr, err := buspro.ParseDeviceAddress(addr)
	if err != nil {
		return
	}
	target, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		b.logger.Warn("invalid cover position", "addr", addr, "payload", string(payload))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.gw.CoverSetPosition(ctx, devAddr, target); err != nil {
		b.logger.Warn("cover position failed", "addr", addr, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+copysignHalf(v))) / 10
}

func copysignHalf(v float64) float64 {
	if v < 0 {
		return -0.5
	}
	return 0.5
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
