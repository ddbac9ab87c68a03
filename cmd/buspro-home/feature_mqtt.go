//go:build !no_mqtt

package main

import (
	"log/slog"

	"buspro-home/internal/gateway"
	"buspro-home/internal/mqtt"
	"buspro-home/internal/store"
)

// initMQTT connects the MQTT bridge when enabled in config. Build with
// -tags no_mqtt to compile the bridge out entirely.
func initMQTT(gw *gateway.Gateway, db store.Store, cfg *Config, logger *slog.Logger) mqttHandle {
	if !cfg.MQTT.Enabled {
		return noopMQTT{}
	}

	devices, err := db.ListDevices()
	if err != nil {
		logger.Error("list devices for MQTT", "err", err)
		return noopMQTT{}
	}

	bridge, err := mqtt.NewBridge(gw, devices, mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("MQTT bridge unavailable", "err", err)
		return noopMQTT{}
	}
	bridge.Start()
	return bridge
}
