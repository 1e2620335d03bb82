/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package directory queries and mutates voice calls through the chat
// backend: active-call lookup, initiate, join, status polling, signaling
// relay, end and decline.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
)

// Status is the backend status of a call.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusMissed    Status = "missed"
)

// IsActive reports whether peers may still join the call.
func (s Status) IsActive() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusOngoing:
		return true
	}
	return false
}

// IsTerminal reports whether the call is over.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusMissed:
		return true
	}
	return false
}

// CanTransition reports whether a call in status s may move to next.
// Status only moves forward and never leaves a terminal status.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusInitiated:
		return next == StatusRinging || next == StatusOngoing || next.IsTerminal()
	case StatusRinging:
		return next == StatusOngoing || next.IsTerminal()
	case StatusOngoing:
		return next.IsTerminal()
	case "":
		return true
	}
	return false
}

// Call represents one voice session
type Call struct {
	ID           chatsdk.ID `json:"id"`
	RoomID       chatsdk.ID `json:"room_id,omitempty"`
	Initiator    string     `json:"initiator,omitempty"`
	Participants []string   `json:"participants,omitempty"`
	Status       Status     `json:"status,omitempty"`
	StartTime    string     `json:"start_time,omitempty"`
}

// Started parses StartTime. The backend may omit the zone offset.
func (c *Call) Started() (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, c.StartTime); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HasParticipant reports whether name has joined the call.
func (c *Call) HasParticipant(name string) bool {
	for _, p := range c.Participants {
		if p == name {
			return true
		}
	}
	return false
}

// MessageType is the kind of a signaling message.
type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageTest         MessageType = "test"
)

// SignalingMessage is one negotiation unit relayed between peers. SDP and
// Candidate are opaque to everything but the negotiation engine.
type SignalingMessage struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Key identifies the message for duplicate suppression. Messages from peers
// that do not assign ids are keyed by their content.
func (m *SignalingMessage) Key() string {
	if m.ID != "" {
		return m.ID
	}
	var b strings.Builder
	b.WriteString(m.Sender)
	b.WriteByte('|')
	b.WriteString(string(m.Type))
	b.WriteByte('|')
	b.Write(m.SDP)
	b.WriteByte('|')
	b.Write(m.Candidate)
	return b.String()
}

// StatusReport is the result of polling a call's status. Messages are
// removed from the backend once reported.
type StatusReport struct {
	CallStatus        Status             `json:"call_status"`
	Participants      []string           `json:"participants"`
	Duration          *float64           `json:"duration"`
	Initiator         string             `json:"initiator"`
	SignalingMessages []SignalingMessage `json:"signaling_messages"`
}

// Config holds the configuration for the directory client
type Config struct {
	Logger *zerolog.Logger
}

// DefaultConfig returns the default configuration for the directory client
func DefaultConfig() *Config {
	return &Config{}
}

// Client is the call directory API client
type Client struct {
	core   *chatsdk.Client
	config *Config
	logger zerolog.Logger
}

// New creates a new directory client
func New(core *chatsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := core.GetLogger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Client{
		core:   core,
		config: config,
		logger: logger.With().Str("module", "directory").Logger(),
	}
}

// FindActiveCall returns the active call in a room, or nil when there is none.
func (c *Client) FindActiveCall(ctx context.Context, roomID chatsdk.ID) (*Call, error) {
	if roomID.IsZero() {
		return nil, fmt.Errorf("roomID is required")
	}

	var result struct {
		ActiveCall *Call `json:"active_call"`
	}
	path := fmt.Sprintf("chat/%s/active-call/", roomID)
	if err := c.core.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	if result.ActiveCall == nil || result.ActiveCall.ID.IsZero() {
		return nil, nil
	}
	result.ActiveCall.RoomID = roomID
	return result.ActiveCall, nil
}

// Initiate creates a call in the room and returns its id. A room that
// already has a call yields a ConflictError; callers join instead.
func (c *Client) Initiate(ctx context.Context, roomID chatsdk.ID) (chatsdk.ID, error) {
	if roomID.IsZero() {
		return "", fmt.Errorf("roomID is required")
	}

	var result struct {
		CallID chatsdk.ID `json:"call_id"`
	}
	path := fmt.Sprintf("chat/%s/voice-call/initiate/", roomID)
	if err := c.core.Do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return "", err
	}
	if result.CallID.IsZero() {
		return "", fmt.Errorf("initiate response carried no call_id")
	}

	c.logger.Info().Str("room_id", roomID.String()).Str("call_id", result.CallID.String()).Msg("call initiated")
	return result.CallID, nil
}

// Join adds the local user to the call. A call that has ended yields a
// NotFoundError.
func (c *Client) Join(ctx context.Context, callID chatsdk.ID) (*Call, error) {
	if callID.IsZero() {
		return nil, fmt.Errorf("callID is required")
	}

	var result struct {
		CallInfo *Call `json:"call_info"`
	}
	path := fmt.Sprintf("voice-call/%s/join/", callID)
	if err := c.core.Do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}

	call := result.CallInfo
	if call == nil {
		call = &Call{ID: callID}
	}
	call.Status = StatusOngoing
	return call, nil
}

// ReportStatus polls the call's status, participants and the signaling
// messages queued for the local user. Reported messages are consumed.
func (c *Client) ReportStatus(ctx context.Context, callID chatsdk.ID) (*StatusReport, error) {
	return c.status(ctx, callID, nil)
}

// SendSignal stores a signaling message for the other participants and
// returns the status report that the backend answers with.
func (c *Client) SendSignal(ctx context.Context, callID chatsdk.ID, msg *SignalingMessage) (*StatusReport, error) {
	if msg == nil {
		return nil, fmt.Errorf("signaling message is required")
	}
	return c.status(ctx, callID, map[string]interface{}{"signaling_message": msg})
}

func (c *Client) status(ctx context.Context, callID chatsdk.ID, body interface{}) (*StatusReport, error) {
	if callID.IsZero() {
		return nil, fmt.Errorf("callID is required")
	}

	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}

	var report StatusReport
	path := fmt.Sprintf("voice-call/%s/status/", callID)
	if err := c.core.Do(ctx, method, path, body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// End ends the call. Ending a call that is already gone succeeds.
func (c *Client) End(ctx context.Context, callID chatsdk.ID) error {
	return c.terminal(ctx, callID, "end")
}

// Decline declines an incoming call. Declining a call that is already gone
// succeeds.
func (c *Client) Decline(ctx context.Context, callID chatsdk.ID) error {
	return c.terminal(ctx, callID, "decline")
}

func (c *Client) terminal(ctx context.Context, callID chatsdk.ID, op string) error {
	if callID.IsZero() {
		return fmt.Errorf("callID is required")
	}

	path := fmt.Sprintf("voice-call/%s/%s/", callID, op)
	err := c.core.Do(ctx, http.MethodPost, path, nil, nil)
	if chatsdk.IsNotFound(err) {
		c.logger.Debug().Str("call_id", callID.String()).Str("op", op).Msg("call already gone")
		return nil
	}
	return err
}
