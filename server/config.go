// Package server wires the transport stack (socket, optionally TLS and
// WebSocket, then MQTT framing) to the broker core, decodes freeform
// configuration into typed Config values, and runs one or more listener
// stacks concurrently until told to stop.
package server

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ListenerConfig describes one transport stack to serve: a bind address,
// optional TLS termination, and an optional WebSocket upgrade before MQTT
// framing. The zero value is a plain MQTT-over-TCP listener.
type ListenerConfig struct {
	// Name labels this listener in logs; it has no effect on behavior.
	Name string `mapstructure:"name"`

	// BindAddress is passed straight through to the socket layer.
	BindAddress string `mapstructure:"bind_address"`

	// TLS, when non-nil, wraps the socket layer with TLS termination
	// using these server parameters before WebSocket/MQTT framing.
	TLS *tls.Config `mapstructure:"-"`

	// WebSocket wraps the (optionally TLS-terminated) byte stream with a
	// WebSocket upgrade and binary framing before MQTT framing.
	WebSocket bool `mapstructure:"websocket"`
}

// Config is the top-level broker server configuration. DecodeConfig builds one
// from a freeform map (e.g. parsed from YAML/JSON/env by the caller),
// mirroring the teacher library's preference for decoding configuration
// through github.com/mitchellh/mapstructure rather than hand-rolled field
// walking.
type Config struct {
	// Listeners is every transport stack to serve concurrently. At least
	// one is required.
	Listeners []ListenerConfig `mapstructure:"listeners"`

	// ShutdownGrace bounds how long RunUntilSignal waits, after a
	// SIGINT/SIGTERM, for in-flight connection handlers to return on their
	// own before the serve context is cancelled out from under them. Zero
	// means cancel immediately.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// DecodeConfig decodes a freeform map (as produced by a YAML/JSON/env
// loader upstream of this package) into a Config, using mapstructure's
// weakly-typed decoding so callers can supply booleans and similar fields
// as plain strings or numbers, plus a duration decode hook so
// shutdown_grace can be supplied as a plain string like "5s".
func DecodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, fmt.Errorf("server: build config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("server: decode config: %w", err)
	}
	if len(cfg.Listeners) == 0 {
		return Config{}, fmt.Errorf("server: config must declare at least one listener")
	}
	for i := range cfg.Listeners {
		if cfg.Listeners[i].BindAddress == "" {
			return Config{}, fmt.Errorf("server: listener %d: bind_address is required", i)
		}
	}
	return cfg, nil
}
