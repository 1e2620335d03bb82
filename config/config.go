/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads the agent configuration from defaults, a yaml file
// and ROOMCALL_* environment variables.
package config

import (
	"errors"
	"time"
)

// Config holds agent configuration values.
type Config struct {
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	RoomID        string `mapstructure:"room_id" yaml:"room_id"`
	Username      string `mapstructure:"username" yaml:"username"`
	CSRFToken     string `mapstructure:"csrf_token" yaml:"csrf_token"`
	SessionCookie string `mapstructure:"session_cookie" yaml:"session_cookie"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`

	ICEServers []string `mapstructure:"ice_servers" yaml:"ice_servers"`

	RingTimeout           time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	PollIntervalRinging   time.Duration `mapstructure:"poll_interval_ringing" yaml:"poll_interval_ringing"`
	PollIntervalConnected time.Duration `mapstructure:"poll_interval_connected" yaml:"poll_interval_connected"`
	IncomingPollInterval  time.Duration `mapstructure:"incoming_poll_interval" yaml:"incoming_poll_interval"`

	ControlAddr string `mapstructure:"control_addr" yaml:"control_addr"`
	AutoAccept  bool   `mapstructure:"auto_accept" yaml:"auto_accept"`
}

// Default returns configuration with starter defaults.
func Default() Config {
	return Config{
		BaseURL:               "http://localhost:8000",
		LogLevel:              "info",
		ICEServers:            []string{"stun:stun.l.google.com:19302"},
		RingTimeout:           45 * time.Second,
		ConnectTimeout:        30 * time.Second,
		PollIntervalRinging:   3 * time.Second,
		PollIntervalConnected: 15 * time.Second,
		IncomingPollInterval:  3 * time.Second,
		ControlAddr:           "127.0.0.1:8089",
	}
}

// Validate reports the first missing required value.
func (c Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.New("base_url is required")
	case c.RoomID == "":
		return errors.New("room_id is required")
	case c.Username == "":
		return errors.New("username is required")
	case c.SessionCookie == "":
		return errors.New("session_cookie is required")
	}
	return nil
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.BaseURL != "" {
		c.BaseURL = other.BaseURL
	}
	if other.RoomID != "" {
		c.RoomID = other.RoomID
	}
	if other.Username != "" {
		c.Username = other.Username
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ControlAddr != "" {
		c.ControlAddr = other.ControlAddr
	}
	if other.AutoAccept {
		c.AutoAccept = true
	}
}
