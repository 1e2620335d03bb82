/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package roomcall

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/metrics"
	"github.com/tejzpr/roomcall-go-sdk/voicecall"
)

func newTestClient(t *testing.T) *RoomCallClient {
	t.Helper()
	config := chatsdk.DefaultConfig()
	config.BaseURL = "https://chat.example.com"
	client, err := NewClient("alice", config)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	config := chatsdk.DefaultConfig()
	config.BaseURL = "chat.example.com"
	if _, err := NewClient("alice", config); !chatsdk.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestRoomCallClientAccessors(t *testing.T) {
	client := newTestClient(t)

	if client.Core() == nil {
		t.Error("Core() should not return nil")
	}
	dir := client.Directory()
	if dir == nil {
		t.Fatal("Directory() should not return nil")
	}
	if client.Directory() != dir {
		t.Error("Expected Directory() to return the cached instance")
	}
}

func TestRoomIsCachedPerRoom(t *testing.T) {
	client := newTestClient(t)
	client.SetMetrics(metrics.New(prometheus.NewRegistry()))

	room := client.Room("7", nil, nil)
	if room.Push == nil || room.Signaling == nil || room.Controller == nil {
		t.Fatalf("Expected a fully wired room, got %+v", room)
	}
	if client.Room("7", nil, nil) != room {
		t.Error("Expected Room() to return the cached room")
	}
	if client.Room("8", nil, nil) == room {
		t.Error("Expected a distinct room for another id")
	}
	if room.Controller.State() != voicecall.StateIdle {
		t.Errorf("Expected idle controller, got %s", room.Controller.State())
	}
	if room.Push.IsConnected() {
		t.Error("Expected push channel not to connect until Run")
	}
}

func TestRoomAppliesIdentity(t *testing.T) {
	client := newTestClient(t)
	config := voicecall.DefaultConfig()

	client.Room("7", nil, config)

	if config.Identity != "alice" {
		t.Errorf("Expected identity alice, got %q", config.Identity)
	}
	if config.Events == nil {
		t.Error("Expected push events to be wired")
	}
}
