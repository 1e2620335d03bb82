/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	roomcall "github.com/tejzpr/roomcall-go-sdk"
	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/config"
	"github.com/tejzpr/roomcall-go-sdk/logging"
	"github.com/tejzpr/roomcall-go-sdk/metrics"
	"github.com/tejzpr/roomcall-go-sdk/negotiation"
	"github.com/tejzpr/roomcall-go-sdk/voicecall"
)

// agent is a configured call stack for one room.
type agent struct {
	cfg       config.Config
	logger    *zerolog.Logger
	registry  *prometheus.Registry
	room      *roomcall.Room
	presenter *logPresenter
}

func newAgent(opts *rootOptions) (*agent, error) {
	bootLogger := logging.New(opts.logLevel)
	cfg, path, err := config.Load(bootLogger, opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.UpdateFrom(config.Config{RoomID: opts.roomID, LogLevel: opts.logLevel})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger := logging.New(cfg.LogLevel)

	coreConfig := chatsdk.DefaultConfig()
	coreConfig.BaseURL = cfg.BaseURL
	coreConfig.CSRFToken = cfg.CSRFToken
	coreConfig.SessionCookie = cfg.SessionCookie
	coreConfig.Logger = logger

	client, err := roomcall.NewClient(cfg.Username, coreConfig)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	client.SetMetrics(metrics.New(registry))

	callConfig := voicecall.DefaultConfig()
	callConfig.RingTimeout = cfg.RingTimeout
	callConfig.ConnectTimeout = cfg.ConnectTimeout
	callConfig.PollIntervalRinging = cfg.PollIntervalRinging
	callConfig.PollIntervalConnected = cfg.PollIntervalConnected
	callConfig.IncomingPollInterval = cfg.IncomingPollInterval
	callConfig.Logger = logger
	callConfig.NewEngine = voicecall.NewEngineFactory(iceServers(cfg.ICEServers), &negotiation.SilenceSource{}, logger)

	presenter := newLogPresenter(logger)
	room := client.Room(chatsdk.ID(cfg.RoomID), presenter, callConfig)

	logger.Info().Str("config", path).Str("room_id", cfg.RoomID).Str("username", cfg.Username).
		Str("push_url", client.Core().WebSocketURL(room.ID)).Msg("agent configured")

	return &agent{cfg: cfg, logger: logger, registry: registry, room: room, presenter: presenter}, nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
