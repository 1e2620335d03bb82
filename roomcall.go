/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package roomcall is the top-level client for room voice calls. It shares
// one backend client between the call directory and the per-room push
// channel, signaling transport and call controller.
package roomcall

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/directory"
	"github.com/tejzpr/roomcall-go-sdk/metrics"
	"github.com/tejzpr/roomcall-go-sdk/push"
	"github.com/tejzpr/roomcall-go-sdk/signaling"
	"github.com/tejzpr/roomcall-go-sdk/voicecall"
)

// RoomCallClient is the top-level client for room voice calls
type RoomCallClient struct {
	// Core client for the chat backend
	core *chatsdk.Client

	identity string
	metrics  *metrics.Metrics
	logger   *zerolog.Logger

	directoryClient *directory.Client

	mu    sync.Mutex
	rooms map[chatsdk.ID]*Room
}

// Room is the wired call stack of one chat room.
type Room struct {
	ID         chatsdk.ID
	Push       *push.Client
	Signaling  *signaling.Transport
	Controller *voicecall.Controller
}

// NewClient creates a client acting as identity, the local username.
func NewClient(identity string, config *chatsdk.Config) (*RoomCallClient, error) {
	core, err := chatsdk.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &RoomCallClient{
		core:     core,
		identity: identity,
		logger:   core.Config.Logger,
		rooms:    make(map[chatsdk.ID]*Room),
	}, nil
}

// SetMetrics sets the collectors used by rooms created afterwards.
func (c *RoomCallClient) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Directory returns the call directory client
func (c *RoomCallClient) Directory() *directory.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.directoryClient == nil {
		c.directoryClient = directory.New(c.core, &directory.Config{Logger: c.logger})
	}
	return c.directoryClient
}

// Room returns the call stack for roomID, building it on first use. The
// presenter and callConfig are only used when the room is first built; a
// nil callConfig uses voicecall.DefaultConfig.
func (c *RoomCallClient) Room(roomID chatsdk.ID, presenter voicecall.Presenter, callConfig *voicecall.Config) *Room {
	dir := c.Directory()

	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok := c.rooms[roomID]; ok {
		return room
	}

	pushConfig := push.DefaultConfig()
	pushConfig.Username = c.identity
	pushConfig.Logger = c.logger
	pushConfig.Metrics = c.metrics
	pushClient := push.NewForRoom(c.core, roomID, pushConfig)

	sigConfig := signaling.DefaultConfig()
	sigConfig.Identity = c.identity
	sigConfig.Logger = c.logger
	sigConfig.Metrics = c.metrics
	transport := signaling.New(pushClient, dir, sigConfig)

	if callConfig == nil {
		callConfig = voicecall.DefaultConfig()
	}
	callConfig.Identity = c.identity
	callConfig.Events = pushClient
	if callConfig.Logger == nil {
		callConfig.Logger = c.logger
	}
	if callConfig.Metrics == nil {
		callConfig.Metrics = c.metrics
	}

	room := &Room{
		ID:         roomID,
		Push:       pushClient,
		Signaling:  transport,
		Controller: voicecall.New(dir, transport, presenter, callConfig),
	}
	c.rooms[roomID] = room
	return room
}

// Core returns the core backend client
func (c *RoomCallClient) Core() *chatsdk.Client {
	return c.core
}
