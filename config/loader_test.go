/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_WritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, resolved, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if resolved != path {
		t.Errorf("Expected path %s, got %s", path, resolved)
	}
	if cfg.RingTimeout != 45*time.Second {
		t.Errorf("Expected ring timeout 45s, got %v", cfg.RingTimeout)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("Expected connect timeout 30s, got %v", cfg.ConnectTimeout)
	}
	if cfg.PollIntervalConnected != 15*time.Second {
		t.Errorf("Expected connected poll 15s, got %v", cfg.PollIntervalConnected)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected default config to be written, got %v", err)
	}
	if !strings.Contains(string(data), "ring_timeout: 45s") {
		t.Errorf("Expected ring_timeout in written config, got:\n%s", data)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `base_url: https://chat.example.com
room_id: "12"
username: alice
ring_timeout: 30s
ice_servers:
  - stun:stun.example.com:3478
auto_accept: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("ROOMCALL_USERNAME", "bob")
	t.Setenv("ROOMCALL_SESSION_COOKIE", "s3cret")

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.BaseURL != "https://chat.example.com" {
		t.Errorf("Expected base URL from file, got %s", cfg.BaseURL)
	}
	if cfg.RoomID != "12" {
		t.Errorf("Expected room 12, got %s", cfg.RoomID)
	}
	if cfg.Username != "bob" {
		t.Errorf("Expected env to override username, got %s", cfg.Username)
	}
	if cfg.SessionCookie != "s3cret" {
		t.Errorf("Expected session cookie from env, got %s", cfg.SessionCookie)
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Errorf("Expected ring timeout 30s, got %v", cfg.RingTimeout)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0] != "stun:stun.example.com:3478" {
		t.Errorf("Unexpected ICE servers %v", cfg.ICEServers)
	}
	if !cfg.AutoAccept {
		t.Error("Expected auto_accept true")
	}
	if cfg.PollIntervalRinging != 3*time.Second {
		t.Errorf("Expected default ringing poll 3s, got %v", cfg.PollIntervalRinging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("base_url: [unclosed"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, _, err := Load(nil, path); err == nil {
		t.Error("Expected error for invalid yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing room", func(c *Config) { c.RoomID = "" }, "room_id"},
		{"missing username", func(c *Config) { c.Username = "" }, "username"},
		{"missing session", func(c *Config) { c.SessionCookie = "" }, "session_cookie"},
		{"valid", func(c *Config) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.RoomID = "1"
			cfg.Username = "alice"
			cfg.SessionCookie = "abc"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestUpdateFrom(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{RoomID: "9", AutoAccept: true})
	if cfg.RoomID != "9" || !cfg.AutoAccept {
		t.Errorf("Expected overrides applied, got %+v", cfg)
	}
	if cfg.ControlAddr != Default().ControlAddr {
		t.Errorf("Expected control addr untouched, got %s", cfg.ControlAddr)
	}
}
