//go:build no_mqtt

package main

import (
	"log/slog"

	"buspro-home/internal/gateway"
	"buspro-home/internal/store"
)

func initMQTT(_ *gateway.Gateway, _ store.Store, cfg *Config, logger *slog.Logger) mqttHandle {
	if cfg.MQTT.Enabled {
		logger.Warn("MQTT enabled in config but compiled out (no_mqtt build tag)")
	}
	return noopMQTT{}
}
