// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/delivery"
	"github.com/hoccer/hoccer-talk-spike-sub005/push"
	"github.com/hoccer/hoccer-talk-spike-sub005/ratelimit"
	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the talk server.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	RPC       RPCConfig        `yaml:"rpc"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Push      push.Config      `yaml:"push"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
}

// ServerConfig holds listener and telemetry configuration.
type ServerConfig struct {
	// ID identifies this server instance in push requests and telemetry.
	ID string `yaml:"id"`

	WSAddr           string        `yaml:"ws_addr"`
	WSPath           string        `yaml:"ws_path"`
	WSAllowedOrigins []string      `yaml:"ws_allowed_origins"` // empty allows any origin
	MaxMessageSize   int64         `yaml:"max_message_size"`
	HealthAddr       string        `yaml:"health_addr"`
	HealthEnabled    bool          `yaml:"health_enabled"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	MetricsAddr         string  `yaml:"metrics_addr"` // OTLP gRPC endpoint
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json

	// File enables rotating file output in addition to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir  string        `yaml:"badger_dir"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// RPCConfig holds the call policy for server-initiated calls.
type RPCConfig struct {
	CallTimeout            time.Duration `yaml:"call_timeout"`
	MaxConsecutiveTimeouts int           `yaml:"max_consecutive_timeouts"`
	UnresponsiveAfter      time.Duration `yaml:"unresponsive_after"`
	PingInterval           time.Duration `yaml:"ping_interval"`
}

// Correlator returns the correlator settings.
func (c RPCConfig) Correlator() rpc.CorrelatorConfig {
	return rpc.CorrelatorConfig{
		Timeout:                c.CallTimeout,
		MaxConsecutiveTimeouts: c.MaxConsecutiveTimeouts,
		UnresponsiveAfter:      c.UnresponsiveAfter,
	}
}

// DeliveryConfig holds delivery engine settings.
type DeliveryConfig struct {
	Workers      int           `yaml:"workers"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	RecentWindow time.Duration `yaml:"recent_window"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// Engine returns the delivery engine settings.
func (c DeliveryConfig) Engine() delivery.Config {
	return delivery.Config{
		Workers:      c.Workers,
		StaleAfter:   c.StaleAfter,
		RecentWindow: c.RecentWindow,
		RetryDelay:   c.RetryDelay,
	}
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	engine := delivery.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ID:                  "talk-1",
			WSAddr:              ":8080",
			WSPath:              "/talk",
			MaxMessageSize:      1024 * 1024,
			HealthAddr:          ":8081",
			HealthEnabled:       true,
			ShutdownTimeout:     30 * time.Second,
			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "talk-server",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelMetricsEnabled:  true,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Storage: StorageConfig{
			Type:       "badger",
			BadgerDir:  "/tmp/talk/data",
			GCInterval: 5 * time.Minute,
		},
		RPC: RPCConfig{
			CallTimeout:            rpc.DefaultCallTimeout,
			MaxConsecutiveTimeouts: rpc.DefaultMaxConsecutiveTimeouts,
			UnresponsiveAfter:      rpc.DefaultUnresponsiveAfter,
			PingInterval:           60 * time.Second,
		},
		Delivery: DeliveryConfig{
			Workers:      engine.Workers,
			StaleAfter:   engine.StaleAfter,
			RecentWindow: engine.RecentWindow,
			RetryDelay:   engine.RetryDelay,
		},
		Push:      push.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
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
	if c.Server.ID == "" {
		return fmt.Errorf("server.id cannot be empty")
	}
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with '/'")
	}
	if c.Server.MaxMessageSize < 1024 {
		return fmt.Errorf("server.max_message_size must be at least 1KB")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}
	if c.Log.File != "" && c.Log.MaxSizeMB < 1 {
		return fmt.Errorf("log.max_size_mb must be at least 1 when log.file is set")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.RPC.CallTimeout < 100*time.Millisecond {
		return fmt.Errorf("rpc.call_timeout must be at least 100ms")
	}
	if c.RPC.MaxConsecutiveTimeouts < 1 {
		return fmt.Errorf("rpc.max_consecutive_timeouts must be at least 1")
	}
	if c.RPC.UnresponsiveAfter <= 0 {
		return fmt.Errorf("rpc.unresponsive_after must be positive")
	}
	if c.RPC.PingInterval < time.Second {
		return fmt.Errorf("rpc.ping_interval must be at least 1 second")
	}

	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery.workers must be at least 1")
	}
	if c.Delivery.StaleAfter <= 0 || c.Delivery.RecentWindow <= 0 || c.Delivery.RetryDelay <= 0 {
		return fmt.Errorf("delivery.stale_after, delivery.recent_window and delivery.retry_delay must be positive")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if err := c.Push.Validate(); err != nil {
		return err
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
