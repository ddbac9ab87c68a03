package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"buspro-home/internal/buspro"
	"buspro-home/internal/gateway"
	"buspro-home/internal/sensors"
	"buspro-home/internal/sniffer"
	"buspro-home/internal/store"
	"buspro-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type SensorConfig struct {
	Kind       string   `yaml:"kind"`
	TempFormat string   `yaml:"temp_format"`
	TempScale  float64  `yaml:"temp_scale"`
	TempOffset float64  `yaml:"temp_offset"`
	MinValue   *float64 `yaml:"min_value"`
	MaxValue   *float64 `yaml:"max_value"`
	LuxScale   float64  `yaml:"lux_scale"`
	LuxOffset  float64  `yaml:"lux_offset"`
}

type DeviceConfig struct {
	Address  string `yaml:"address"` // "subnet.device.channel"
	Type     string `yaml:"type"`    // light, cover, sensor, dry_contact
	Name     string `yaml:"name"`
	Dimmable bool   `yaml:"dimmable"`

	// Covers
	TravelUpSeconds   float64 `yaml:"travel_up_s"`
	TravelDownSeconds float64 `yaml:"travel_down_s"`
	StartDelaySeconds float64 `yaml:"start_delay_s"`

	// Sensors
	Sensor *SensorConfig `yaml:"sensor"`
	// Dry contacts
	Invert bool `yaml:"invert"`
}

type Config struct {
	Gateway struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		BindPort       int    `yaml:"bind_port"`
		LocalIP        string `yaml:"local_ip"`
		LightInterval  int    `yaml:"light_interval_ms"`
		CoverInterval  int    `yaml:"cover_interval_ms"`
		SendIntervalMS int    `yaml:"send_interval_ms"`
	} `yaml:"gateway"`
	Devices []DeviceConfig `yaml:"devices"`
	Web     struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Sniffer struct {
		ShareDir string `yaml:"share_dir"`
		Capacity int    `yaml:"capacity"`
	} `yaml:"sniffer"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, dev := range c.Devices {
		if _, err := buspro.ParseDeviceAddress(dev.Address); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		switch dev.Type {
		case "light", "cover", "dry_contact":
		case "sensor":
			if dev.Sensor == nil || dev.Sensor.Kind == "" {
				return fmt.Errorf("devices[%d] (%s): sensor.kind is required", i, dev.Address)
			}
		default:
			return fmt.Errorf("devices[%d] (%s): unknown type %q", i, dev.Address, dev.Type)
		}
		key := dev.Address + "/" + dev.Type
		if seen[key] {
			return fmt.Errorf("devices[%d]: duplicate %s %s", i, dev.Type, dev.Address)
		}
		seen[key] = true
	}
	return nil
}

// mqttHandle is what main needs from the MQTT bridge. The no_mqtt build
// tag swaps the real bridge for noopMQTT.
type mqttHandle interface {
	HandleReading(sensors.Reading)
	Stop()
}

type noopMQTT struct{}

func (noopMQTT) HandleReading(sensors.Reading) {}
func (noopMQTT) Stop()                         {}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("buspro-home starting", "version", version)

	// Open store and sync the configured devices into it.
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := syncDevices(db, cfg.Devices); err != nil {
		logger.Error("sync devices", "err", err)
		os.Exit(1)
	}

	// Bus gateway.
	gw := gateway.New(gateway.Config{
		Host:          cfg.Gateway.Host,
		Port:          cfg.Gateway.Port,
		BindPort:      cfg.Gateway.BindPort,
		LocalIP:       cfg.Gateway.LocalIP,
		LightInterval: time.Duration(cfg.Gateway.LightInterval) * time.Millisecond,
		CoverInterval: time.Duration(cfg.Gateway.CoverInterval) * time.Millisecond,
		SendInterval:  time.Duration(cfg.Gateway.SendIntervalMS) * time.Millisecond,
	}, logger)
	if err := gw.Start(); err != nil {
		// The bus may be temporarily unreachable; keep running, the API
		// reports the error and broadcasts can still redirect the target.
		logger.Error("start gateway", "err", err)
	} else {
		host, port := gw.SendTarget()
		if err := db.SaveGatewayState(&store.GatewayState{
			Host:      host,
			Port:      port,
			LocalIP:   cfg.Gateway.LocalIP,
			UpdatedAt: time.Now(),
		}); err != nil {
			logger.Warn("save gateway state", "err", err)
		}
	}
	defer gw.Stop()

	registerDevices(gw, cfg.Devices)

	// Sniffer on the raw telegram stream.
	sn := sniffer.New(logger.With("component", "sniffer"), cfg.Sniffer.ShareDir, cfg.Sniffer.Capacity)
	gw.AddTelegramListener(sn.HandleTelegram)

	// Web server.
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithSniffer(sn),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(gw, db, logger.With("component", "web"), webOpts...)

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(gw, db, cfg, logger)

	// Sensor decoder fans readings out to MQTT and websocket clients.
	decoder := sensors.NewDecoder(logger.With("component", "sensors"), func(r sensors.Reading) {
		webServer.HandleReading(r)
		mqtt.HandleReading(r)
	})
	decoder.Configure(sensorConfigs(cfg.Devices))
	gw.AddTelegramListener(decoder.HandleTelegram)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	sn.Stop()
	gw.Stop()

	logger.Info("goodbye")
}

// syncDevices writes the configured devices into the store, preserving
// AddedAt and LastSeen for rows that already exist.
func syncDevices(db store.Store, devices []DeviceConfig) error {
	now := time.Now()
	for _, dc := range devices {
		row := configToDevice(dc)
		prev, err := db.GetDevice(dc.Address)
		switch {
		case err == nil:
			row.AddedAt = prev.AddedAt
			row.LastSeen = prev.LastSeen
		case errors.Is(err, store.ErrNotFound):
			row.AddedAt = now
		default:
			return err
		}
		if err := db.SaveDevice(row); err != nil {
			return err
		}
	}
	return nil
}

func configToDevice(dc DeviceConfig) *store.Device {
	dev := &store.Device{
		Address:  dc.Address,
		Type:     store.DeviceType(dc.Type),
		Name:     dc.Name,
		Dimmable: dc.Dimmable,
	}
	if dc.Type == "cover" {
		dev.Calibration = &store.CoverCalibration{
			TravelUpSeconds:   dc.TravelUpSeconds,
			TravelDownSeconds: dc.TravelDownSeconds,
			StartDelaySeconds: dc.StartDelaySeconds,
		}
	}
	if dc.Type == "sensor" && dc.Sensor != nil {
		dev.Sensor = &store.SensorSettings{
			Kind:       dc.Sensor.Kind,
			TempFormat: dc.Sensor.TempFormat,
			TempScale:  dc.Sensor.TempScale,
			TempOffset: dc.Sensor.TempOffset,
			MinValue:   dc.Sensor.MinValue,
			MaxValue:   dc.Sensor.MaxValue,
			LuxScale:   dc.Sensor.LuxScale,
			LuxOffset:  dc.Sensor.LuxOffset,
		}
	}
	if dc.Type == "dry_contact" {
		dev.Sensor = &store.SensorSettings{Kind: "dry_contact", Invert: dc.Invert}
	}
	return dev
}

// registerDevices creates the gateway handles so inbound telegrams are
// routed before the first command arrives.
func registerDevices(gw *gateway.Gateway, devices []DeviceConfig) {
	for _, dc := range devices {
		addr, err := buspro.ParseDeviceAddress(dc.Address)
		if err != nil {
			continue
		}
		switch dc.Type {
		case "light":
			gw.EnsureLight(addr, dc.Name)
		case "cover":
			gw.EnsureCover(addr, dc.Name, gateway.CoverCalibration{
				TravelUp:   secondsToDuration(dc.TravelUpSeconds),
				TravelDown: secondsToDuration(dc.TravelDownSeconds),
				StartDelay: secondsToDuration(dc.StartDelaySeconds),
			})
		}
	}
}

// sensorConfigs converts sensor and dry contact rows to decoder channels.
func sensorConfigs(devices []DeviceConfig) []sensors.SensorConfig {
	var out []sensors.SensorConfig
	for _, dc := range devices {
		addr, err := buspro.ParseDeviceAddress(dc.Address)
		if err != nil {
			continue
		}
		switch dc.Type {
		case "sensor":
			sc := dc.Sensor
			out = append(out, sensors.SensorConfig{
				Address:    addr,
				Kind:       sensors.Kind(sc.Kind),
				Name:       dc.Name,
				TempFormat: sensors.TempFormat(sc.TempFormat),
				TempScale:  sc.TempScale,
				TempOffset: sc.TempOffset,
				MinValue:   sc.MinValue,
				MaxValue:   sc.MaxValue,
				LuxScale:   sc.LuxScale,
				LuxOffset:  sc.LuxOffset,
			})
		case "dry_contact":
			out = append(out, sensors.SensorConfig{
				Address: addr,
				Kind:    sensors.KindDryContact,
				Name:    dc.Name,
				Invert:  dc.Invert,
			})
		}
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 6000
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "buspro-home.db"
	}
	if cfg.Sniffer.ShareDir == "" {
		cfg.Sniffer.ShareDir = "captures"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "buspro"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
