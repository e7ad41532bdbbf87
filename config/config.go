// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the gateway.
//
// Configuration is loaded from a single YAML file specified by the
// EMBER_CONFIG environment variable or the --config flag. There are no
// fallbacks or automatic discovery; the file is the single source of
// truth. The file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the gateway.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Node identifies this gateway node in presence records and logs.
	// Defaults to the hostname.
	Node string `yaml:"node"`

	// Listen configures the HTTP listener.
	Listen ListenConfig `yaml:"listen"`

	// Broker configures the event bus connection.
	Broker BrokerConfig `yaml:"broker"`

	// Store configures the shared presence/auth store.
	Store StoreConfig `yaml:"store"`

	// Session configures per-session policy.
	Session SessionConfig `yaml:"session"`

	// Per-environment overrides, applied after the base config loads.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per
// environment.
type Overrides struct {
	Listen  *ListenConfig  `yaml:"listen,omitempty"`
	Broker  *BrokerConfig  `yaml:"broker,omitempty"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty"`
}

// ListenConfig configures the HTTP listener serving /ws, /metrics,
// and /healthz.
type ListenConfig struct {
	// Addr is the listen address. Default: 127.0.0.1:8420.
	Addr string `yaml:"addr"`
}

// BrokerConfig configures the NATS connection.
type BrokerConfig struct {
	// URL is the NATS server URL. Default: nats://127.0.0.1:4222.
	URL string `yaml:"url"`
}

// StoreConfig configures the Redis connection shared with the auth
// service.
type StoreConfig struct {
	// Addr is the Redis address. Default: 127.0.0.1:6379.
	Addr string `yaml:"addr"`

	// Password is the Redis password, empty for none.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	DB int `yaml:"db"`
}

// SessionConfig configures per-session policy. Durations are strings
// in Go duration syntax ("15s", "1m").
type SessionConfig struct {
	// HandshakeTimeout bounds the wait for the Authenticate frame.
	// Default: 10s.
	HandshakeTimeout string `yaml:"handshake_timeout"`

	// HeartbeatInterval is the client liveness interval advertised in
	// Ready. Default: 15s.
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// DebounceWindow delays the offline presence transition after the
	// last session disconnects. Default: 10s.
	DebounceWindow string `yaml:"debounce_window"`

	// QueueCapacity bounds each session's outbound queue. Default: 64.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxFrameBytes bounds inbound frame size. Default: 65536.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// PermissionCacheSize bounds the (user, scope) permission cache.
	// Default: 16384.
	PermissionCacheSize int `yaml:"permission_cache_size"`
}

// Timeouts is the parsed form of the SessionConfig duration fields.
type Timeouts struct {
	Handshake time.Duration
	Heartbeat time.Duration
	Debounce  time.Duration
}

// Timeouts parses the duration fields.
func (s SessionConfig) Timeouts() (Timeouts, error) {
	handshake, err := time.ParseDuration(s.HandshakeTimeout)
	if err != nil {
		return Timeouts{}, fmt.Errorf("parsing session.handshake_timeout: %w", err)
	}
	heartbeat, err := time.ParseDuration(s.HeartbeatInterval)
	if err != nil {
		return Timeouts{}, fmt.Errorf("parsing session.heartbeat_interval: %w", err)
	}
	debounce, err := time.ParseDuration(s.DebounceWindow)
	if err != nil {
		return Timeouts{}, fmt.Errorf("parsing session.debounce_window: %w", err)
	}
	return Timeouts{Handshake: handshake, Heartbeat: heartbeat, Debounce: debounce}, nil
}

// Default returns the default configuration, used as the base before
// the config file loads.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Environment: Development,
		Node:        hostname,
		Listen:      ListenConfig{Addr: "127.0.0.1:8420"},
		Broker:      BrokerConfig{URL: "nats://127.0.0.1:4222"},
		Store:       StoreConfig{Addr: "127.0.0.1:6379"},
		Session: SessionConfig{
			HandshakeTimeout:    "10s",
			HeartbeatInterval:   "15s",
			DebounceWindow:      "10s",
			QueueCapacity:       64,
			MaxFrameBytes:       64 << 10,
			PermissionCacheSize: 16384,
		},
	}
}

// Load loads configuration from the EMBER_CONFIG environment variable.
func Load() (*Config, error) {
	path := os.Getenv("EMBER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("EMBER_CONFIG environment variable not set; " +
			"set it to the path of your ember.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. Environment
// variables do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Listen != nil && overrides.Listen.Addr != "" {
		c.Listen.Addr = overrides.Listen.Addr
	}
	if overrides.Broker != nil && overrides.Broker.URL != "" {
		c.Broker.URL = overrides.Broker.URL
	}
	if overrides.Store != nil {
		if overrides.Store.Addr != "" {
			c.Store.Addr = overrides.Store.Addr
		}
		if overrides.Store.Password != "" {
			c.Store.Password = overrides.Store.Password
		}
		if overrides.Store.DB != 0 {
			c.Store.DB = overrides.Store.DB
		}
	}
	if overrides.Session != nil {
		if overrides.Session.HandshakeTimeout != "" {
			c.Session.HandshakeTimeout = overrides.Session.HandshakeTimeout
		}
		if overrides.Session.HeartbeatInterval != "" {
			c.Session.HeartbeatInterval = overrides.Session.HeartbeatInterval
		}
		if overrides.Session.DebounceWindow != "" {
			c.Session.DebounceWindow = overrides.Session.DebounceWindow
		}
		if overrides.Session.QueueCapacity != 0 {
			c.Session.QueueCapacity = overrides.Session.QueueCapacity
		}
		if overrides.Session.MaxFrameBytes != 0 {
			c.Session.MaxFrameBytes = overrides.Session.MaxFrameBytes
		}
		if overrides.Session.PermissionCacheSize != 0 {
			c.Session.PermissionCacheSize = overrides.Session.PermissionCacheSize
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Listen.Addr == "" {
		errs = append(errs, fmt.Errorf("listen.addr is required"))
	}
	if c.Broker.URL == "" {
		errs = append(errs, fmt.Errorf("broker.url is required"))
	}
	if c.Store.Addr == "" {
		errs = append(errs, fmt.Errorf("store.addr is required"))
	}
	if _, err := c.Session.Timeouts(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("session.queue_capacity must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
