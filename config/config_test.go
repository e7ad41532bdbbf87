// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ember.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
environment: production
node: gw-3
listen:
  addr: 0.0.0.0:8420
broker:
  url: nats://bus.internal:4222
store:
  addr: redis.internal:6379
  db: 2
session:
  heartbeat_interval: 20s
  queue_capacity: 128
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Node != "gw-3" || cfg.Listen.Addr != "0.0.0.0:8420" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Store.DB != 2 {
		t.Fatalf("store db = %d", cfg.Store.DB)
	}
	timeouts, err := cfg.Session.Timeouts()
	if err != nil {
		t.Fatalf("Timeouts: %v", err)
	}
	if timeouts.Heartbeat != 20*time.Second {
		t.Fatalf("heartbeat = %v", timeouts.Heartbeat)
	}
	// Unset fields keep their defaults.
	if timeouts.Handshake != 10*time.Second {
		t.Fatalf("handshake = %v", timeouts.Handshake)
	}
}

func TestEnvironmentOverridesApply(t *testing.T) {
	path := writeConfig(t, `
environment: production
production:
  listen:
    addr: 0.0.0.0:443
  session:
    heartbeat_interval: 30s
staging:
  listen:
    addr: 0.0.0.0:8443
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Listen.Addr != "0.0.0.0:443" {
		t.Fatalf("listen addr = %s, want production override", cfg.Listen.Addr)
	}
	if cfg.Session.HeartbeatInterval != "30s" {
		t.Fatalf("heartbeat = %s", cfg.Session.HeartbeatInterval)
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
session:
  heartbeat_interval: soon
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Fatalf("Validate = %v, want heartbeat_interval error", err)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("EMBER_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without EMBER_CONFIG")
	}
}
