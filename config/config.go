// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the link emulator.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Channels ChannelsConfig `yaml:"channels"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds health and telemetry settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string        `yaml:"otel_service_name"`
	OtelServiceVersion  string        `yaml:"otel_service_version"`
	OtelTracesEnabled   bool          `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool          `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64       `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
	OtelMetricsInterval time.Duration `yaml:"otel_metrics_interval"`

	// Collector connection. Insecure disables TLS on the OTLP gRPC channel.
	OtelInsecure      bool              `yaml:"otel_insecure"`
	OtelHeaders       map[string]string `yaml:"otel_headers"`
	OtelExportTimeout time.Duration     `yaml:"otel_export_timeout"`
}

// BrokerConfig holds the AMQP connection settings.
type BrokerConfig struct {
	URL               string        `yaml:"url"` // Overrides address and credentials
	Address           string        `yaml:"address"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Vhost             string        `yaml:"vhost"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	Prefetch          int           `yaml:"prefetch"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
}

// ChannelsConfig holds the relay settings shared by both channels.
type ChannelsConfig struct {
	// Path of the channel parameter document, re-read for every packet.
	Document     string        `yaml:"document"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	Request ChannelConfig `yaml:"request"`
	Reply   ChannelConfig `yaml:"reply"`
}

// ChannelConfig binds one logical channel to its queues.
type ChannelConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Section       string `yaml:"section"`
	InboundQueue  string `yaml:"inbound_queue"`
	OutboundQueue string `yaml:"outbound_queue"`
}

// BreakerConfig holds the publisher circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "linkem",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelMetricsInterval: 10 * time.Second,
			OtelInsecure:        true,
			OtelExportTimeout:   30 * time.Second,
		},
		Broker: BrokerConfig{
			Address:           "localhost:5672",
			Username:          "guest",
			Password:          "guest",
			Vhost:             "/",
			Heartbeat:         60 * time.Second,
			DialTimeout:       10 * time.Second,
			ReconnectInterval: 5 * time.Second,
			Prefetch:          50,
			ConfirmTimeout:    5 * time.Second,
		},
		Channels: ChannelsConfig{
			Document:     "channel.yml",
			PollInterval: 100 * time.Millisecond,
			DrainTimeout: 30 * time.Second,
			Request: ChannelConfig{
				Enabled:       true,
				Section:       "request_channel",
				InboundQueue:  "network_request",
				OutboundQueue: "network_request_after_channel",
			},
			Reply: ChannelConfig{
				Enabled:       true,
				Section:       "reply_channel",
				InboundQueue:  "network_reply",
				OutboundQueue: "network_reply_after_channel",
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.URL == "" && c.Broker.Address == "" {
		return fmt.Errorf("broker.url or broker.address is required")
	}
	if c.Broker.Prefetch < 1 {
		return fmt.Errorf("broker.prefetch must be at least 1")
	}
	if c.Broker.ReconnectInterval < 10*time.Millisecond {
		return fmt.Errorf("broker.reconnect_interval must be at least 10ms")
	}
	if c.Broker.ConfirmTimeout <= 0 {
		return fmt.Errorf("broker.confirm_timeout must be positive")
	}

	if c.Channels.Document == "" {
		return fmt.Errorf("channels.document cannot be empty")
	}
	if c.Channels.PollInterval <= 0 {
		return fmt.Errorf("channels.poll_interval must be positive")
	}
	if c.Channels.DrainTimeout < 0 {
		return fmt.Errorf("channels.drain_timeout cannot be negative")
	}
	if !c.Channels.Request.Enabled && !c.Channels.Reply.Enabled {
		return fmt.Errorf("at least one of channels.request and channels.reply must be enabled")
	}
	for name, ch := range map[string]ChannelConfig{"request": c.Channels.Request, "reply": c.Channels.Reply} {
		if !ch.Enabled {
			continue
		}
		if ch.Section == "" {
			return fmt.Errorf("channels.%s.section cannot be empty", name)
		}
		if ch.InboundQueue == "" || ch.OutboundQueue == "" {
			return fmt.Errorf("channels.%s requires inbound_queue and outbound_queue", name)
		}
		if ch.InboundQueue == ch.OutboundQueue {
			return fmt.Errorf("channels.%s inbound_queue and outbound_queue must differ", name)
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.ResetTimeout < time.Second {
		return fmt.Errorf("breaker.reset_timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelMetricsInterval < time.Second {
			return fmt.Errorf("server.otel_metrics_interval must be at least 1 second")
		}
		if c.Server.OtelExportTimeout <= 0 {
			return fmt.Errorf("server.otel_export_timeout must be positive")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
