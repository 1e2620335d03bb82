/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package voicecall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/directory"
	"github.com/tejzpr/roomcall-go-sdk/negotiation"
)

// State is the controller's call state.
type State int

const (
	StateIdle State = iota
	StateRingingOut
	StateRingingIn
	StateConnecting
	StateInCall
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOut:
		return "ringing-out"
	case StateRingingIn:
		return "ringing-in"
	case StateConnecting:
		return "connecting"
	case StateInCall:
		return "in-call"
	}
	return "unknown"
}

// IsRinging reports whether the call is waiting for the other side.
func (s State) IsRinging() bool {
	return s == StateRingingOut || s == StateRingingIn
}

var transitions = map[State][]State{
	StateIdle:       {StateRingingOut, StateRingingIn},
	StateRingingOut: {StateConnecting, StateIdle},
	StateRingingIn:  {StateConnecting, StateIdle},
	StateConnecting: {StateInCall, StateIdle},
	StateInCall:     {StateIdle},
}

// CanTransition reports whether the controller may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CallSession holds everything owned by one call. The controller holds at
// most one; a nil session means no call. Results of asynchronous steps are
// applied only while their session is still the controller's current one.
type CallSession struct {
	ID        chatsdk.ID
	RoomID    chatsdk.ID
	Role      negotiation.Role
	Initiator string

	ctx    context.Context
	cancel context.CancelFunc

	participants []string
	engine       Engine
	buffered     []*directory.SignalingMessage
	muted        bool
	peerJoined   bool
	connectedAt  time.Time
	ringTimer    *time.Timer
	connectTimer *time.Timer
	stopOnce     sync.Once
}

func newSession(parent context.Context, roomID chatsdk.ID, role negotiation.Role) *CallSession {
	ctx, cancel := context.WithCancel(parent)
	return &CallSession{RoomID: roomID, Role: role, ctx: ctx, cancel: cancel}
}

// stop cancels in-flight work and timers of the session.
func (s *CallSession) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.ringTimer != nil {
			s.ringTimer.Stop()
		}
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}
	})
}

// formatElapsed renders d as mm:ss.
func formatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State        string     `json:"state"`
	RoomID       chatsdk.ID `json:"room_id,omitempty"`
	CallID       chatsdk.ID `json:"call_id,omitempty"`
	Role         string     `json:"role,omitempty"`
	Initiator    string     `json:"initiator,omitempty"`
	Participants []string   `json:"participants,omitempty"`
	Muted        bool       `json:"muted"`
	Elapsed      string     `json:"elapsed,omitempty"`
	Degraded     bool       `json:"push_degraded"`
	Packets      uint64     `json:"packets_received,omitempty"`
}
