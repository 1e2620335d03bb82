/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package voicecall is the top-level call controller. It owns the current
// call session, drives the directory, signaling transport and negotiation
// engine, runs the ring, duration and status-poll timers, and tears
// everything down when the call ends for any reason.
package voicecall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/directory"
	"github.com/tejzpr/roomcall-go-sdk/metrics"
	"github.com/tejzpr/roomcall-go-sdk/negotiation"
	"github.com/tejzpr/roomcall-go-sdk/push"
	"github.com/tejzpr/roomcall-go-sdk/signaling"
)

var (
	// ErrCallActive is returned by Initiate while a call is already held.
	ErrCallActive = errors.New("a call is already active")

	// ErrInvalidState is returned when an operation is not valid in the
	// current state.
	ErrInvalidState = errors.New("operation not valid in current call state")

	// ErrNotRunning is returned by Initiate before Run has set the room.
	ErrNotRunning = errors.New("controller is not running")
)

// Directory is the call directory, implemented by *directory.Client.
type Directory interface {
	FindActiveCall(ctx context.Context, roomID chatsdk.ID) (*directory.Call, error)
	Initiate(ctx context.Context, roomID chatsdk.ID) (chatsdk.ID, error)
	Join(ctx context.Context, callID chatsdk.ID) (*directory.Call, error)
	ReportStatus(ctx context.Context, callID chatsdk.ID) (*directory.StatusReport, error)
	End(ctx context.Context, callID chatsdk.ID) error
	Decline(ctx context.Context, callID chatsdk.ID) error
}

// Signaling is the signaling transport, implemented by *signaling.Transport.
type Signaling interface {
	Connect(ctx context.Context) error
	Send(callID chatsdk.ID, msg *directory.SignalingMessage) error
	OnMessage(handler signaling.MessageHandler)
	Deliver(callID chatsdk.ID, msgs []directory.SignalingMessage)
	ResetCall(callID chatsdk.ID)
	Degraded() bool
	Close() error
}

// Events is the push channel's envelope subscription, implemented by
// *push.Client.
type Events interface {
	On(envType string, handler push.Handler)
}

// Engine is the negotiation engine of one call, implemented by
// *negotiation.Engine.
type Engine interface {
	Start(ctx context.Context) error
	HandleMessage(msg *directory.SignalingMessage)
	ResendOffer() error
	SetMuted(muted bool)
	OnConnected(fn func())
	OnFailed(fn func(error))
	Close() error
}

// EngineFactory builds the engine for a new call.
type EngineFactory func(role negotiation.Role, signaler negotiation.Signaler) Engine

// NewEngineFactory returns a factory building pion-backed engines.
func NewEngineFactory(iceServers []webrtc.ICEServer, media negotiation.MediaSource, logger *zerolog.Logger) EngineFactory {
	defaults := negotiation.DefaultConfig()
	return func(role negotiation.Role, signaler negotiation.Signaler) Engine {
		return negotiation.New(&negotiation.Config{
			Role:              role,
			ICEServers:        iceServers,
			Media:             media,
			ICERestarts:       defaults.ICERestarts,
			ICERestartTimeout: defaults.ICERestartTimeout,
			Logger:            logger,
		}, signaler)
	}
}

// Config holds the configuration for the call controller
type Config struct {
	// Identity is the local username, used to suppress our own
	// notifications.
	Identity string

	RingTimeout           time.Duration // Ringing calls are abandoned after this
	ConnectTimeout        time.Duration // Calls stuck connecting fail after this
	PollIntervalRinging   time.Duration // Status poll interval until connected
	PollIntervalConnected time.Duration // Status poll interval once connected
	PollBackoffBase       time.Duration // First delay after a failed poll
	PollBackoffMax        time.Duration // Poll backoff ceiling
	MaxPollFailures       int           // Consecutive poll failures that end the call
	IncomingPollInterval  time.Duration // Active-call lookup interval while idle or ringing in
	TeardownTimeout       time.Duration // Bound on the best-effort backend notification
	TimerTick             time.Duration // Duration display refresh

	NewEngine EngineFactory
	Events    Events

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default configuration for the call controller
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:           45 * time.Second,
		ConnectTimeout:        30 * time.Second,
		PollIntervalRinging:   3 * time.Second,
		PollIntervalConnected: 15 * time.Second,
		PollBackoffBase:       5 * time.Second,
		PollBackoffMax:        60 * time.Second,
		MaxPollFailures:       6,
		IncomingPollInterval:  3 * time.Second,
		TeardownTimeout:       5 * time.Second,
		TimerTick:             time.Second,
	}
}

// Controller is the call state machine for one chat room tab.
type Controller struct {
	dir       Directory
	sig       Signaling
	presenter Presenter
	config    *Config
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	session  *CallSession
	roomID   chatsdk.ID
	runCtx   context.Context
	declined map[chatsdk.ID]struct{}
}

// New creates a controller. presenter may be nil.
func New(dir Directory, sig Signaling, presenter Presenter, config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if config.NewEngine == nil {
		config.NewEngine = NewEngineFactory(negotiation.DefaultConfig().ICEServers, &negotiation.SilenceSource{}, config.Logger)
	}
	if presenter == nil {
		presenter = NopPresenter{}
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	c := &Controller{
		dir:       dir,
		sig:       sig,
		presenter: presenter,
		config:    config,
		logger:    logger.With().Str("module", "voicecall").Logger(),
		state:     StateIdle,
		runCtx:    context.Background(),
		declined:  make(map[chatsdk.ID]struct{}),
	}
	sig.OnMessage(c.handleSignal)
	if config.Events != nil {
		config.Events.On(push.TypeCallNotification, c.handleCallNotification)
		config.Events.On(push.TypeCallStatusUpdate, c.handleStatusUpdate)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current call session, or nil.
func (c *Controller) Session() *CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// transition must be called with c.mu held.
func (c *Controller) transition(next State) bool {
	if !c.state.CanTransition(next) {
		c.logger.Debug().Str("from", c.state.String()).Str("to", next.String()).Msg("transition rejected")
		return false
	}
	c.logger.Info().Str("from", c.state.String()).Str("to", next.String()).Msg("call state")
	c.state = next
	return true
}

// current must be called with c.mu held.
func (c *Controller) current(s *CallSession) bool {
	return s != nil && c.session == s && s.ctx.Err() == nil
}

// Run attaches the controller to a room: it connects the signaling
// transport and watches the room for incoming calls until ctx is done.
// A push channel failure is logged and signaling continues over HTTP.
func (c *Controller) Run(ctx context.Context, roomID chatsdk.ID) error {
	if roomID.IsZero() {
		return errors.New("roomID is required")
	}
	c.mu.Lock()
	c.roomID = roomID
	c.runCtx = ctx
	c.mu.Unlock()

	c.presenter.RequestNotificationPermission()

	if err := c.sig.Connect(ctx); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID.String()).Msg("push channel unavailable, using polling")
	}

	ticker := time.NewTicker(c.config.IncomingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.End(context.Background())
			_ = c.sig.Close()
			return nil
		case <-ticker.C:
			c.watchRoom(ctx)
		}
	}
}

// watchRoom looks up the room's active call. While idle it surfaces
// incoming calls; while ringing in it notices a caller who gave up.
func (c *Controller) watchRoom(ctx context.Context) {
	c.mu.Lock()
	state, s, roomID := c.state, c.session, c.roomID
	c.mu.Unlock()
	if state != StateIdle && state != StateRingingIn {
		return
	}

	call, err := c.dir.FindActiveCall(ctx, roomID)
	if err != nil {
		c.logger.Debug().Err(err).Msg("active call lookup failed")
		return
	}

	if state == StateRingingIn {
		if call == nil || call.ID != s.ID || call.Status.IsTerminal() {
			c.teardown(s, teardownOptions{status: textCallEnded, outcome: "missed"})
		}
		return
	}
	if call != nil {
		c.HandleIncoming(call)
	}
}

// Initiate places a call in the room. If the room already has a call, the
// controller joins it instead. Initiate returns once the call is ringing
// or joined; negotiation continues in the background.
func (c *Controller) Initiate(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrCallActive
	}
	if c.roomID.IsZero() {
		c.mu.Unlock()
		return ErrNotRunning
	}
	s := newSession(c.runCtx, c.roomID, negotiation.RoleInitiator)
	s.Initiator = c.config.Identity
	c.session = s
	c.transition(StateRingingOut)
	c.mu.Unlock()

	c.config.Metrics.CallStarted()
	c.presenter.ShowStatus(textCalling)

	existing, err := c.dir.FindActiveCall(ctx, s.RoomID)
	if err != nil {
		c.failSetup(s, err)
		return err
	}
	if existing != nil {
		return c.joinExisting(ctx, s, existing)
	}

	callID, err := c.dir.Initiate(ctx, s.RoomID)
	if chatsdk.IsConflict(err) {
		existing, err = c.dir.FindActiveCall(ctx, s.RoomID)
		if err == nil && existing != nil {
			return c.joinExisting(ctx, s, existing)
		}
		if err == nil {
			err = errors.New("call conflict without an active call")
		}
	}
	if err != nil {
		c.failSetup(s, err)
		return err
	}

	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		c.abandon(callID)
		return context.Canceled
	}
	s.ID = callID
	s.participants = []string{c.config.Identity}
	s.ringTimer = time.AfterFunc(c.config.RingTimeout, func() { c.ringExpired(s) })
	c.mu.Unlock()

	c.logger.Info().Str("call_id", callID.String()).Msg("calling")
	c.startEngine(s)
	go c.pollStatus(s)
	return nil
}

// joinExisting turns an initiate attempt into a join of the room's call.
func (c *Controller) joinExisting(ctx context.Context, s *CallSession, call *directory.Call) error {
	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		return context.Canceled
	}
	s.ID = call.ID
	s.Role = negotiation.RoleJoiner
	s.Initiator = call.Initiator
	s.participants = call.Participants
	c.mu.Unlock()

	c.logger.Info().Str("call_id", call.ID.String()).Msg("room already has a call, joining")
	return c.join(ctx, s)
}

// join registers the local user with the call and starts negotiating as
// joiner.
func (c *Controller) join(ctx context.Context, s *CallSession) error {
	joined, err := c.dir.Join(ctx, s.ID)
	if err != nil {
		if chatsdk.IsNotFound(err) {
			c.teardown(s, teardownOptions{status: textCallEnded, outcome: "missed"})
		} else {
			c.failSetup(s, err)
		}
		return err
	}

	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		return context.Canceled
	}
	if joined != nil && joined.Initiator != "" {
		s.Initiator = joined.Initiator
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if c.state != StateConnecting && !c.transition(StateConnecting) {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.armConnectTimer(s)
	c.mu.Unlock()

	c.presenter.ShowStatus(textConnecting)
	c.startEngine(s)
	go c.pollStatus(s)
	return nil
}

// HandleIncoming surfaces a call announced by the push channel or the room
// watcher. It is ignored while a call is held, for our own calls, for calls
// that are no longer active and for calls already declined.
func (c *Controller) HandleIncoming(call *directory.Call) {
	if call == nil || call.ID.IsZero() {
		return
	}
	if call.Initiator == c.config.Identity {
		return
	}
	if call.Status != "" && !call.Status.IsActive() {
		return
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.declined[call.ID]; ok {
		c.mu.Unlock()
		return
	}
	roomID := call.RoomID
	if roomID.IsZero() {
		roomID = c.roomID
	}
	s := newSession(c.runCtx, roomID, negotiation.RoleJoiner)
	s.ID = call.ID
	s.Initiator = call.Initiator
	s.participants = call.Participants
	c.session = s
	c.transition(StateRingingIn)
	s.ringTimer = time.AfterFunc(c.config.RingTimeout, func() { c.ringExpired(s) })
	c.mu.Unlock()

	c.logger.Info().Str("call_id", call.ID.String()).Str("initiator", call.Initiator).Msg("incoming call")
	c.config.Metrics.CallStarted()
	c.presenter.ShowIncomingCall(call.Initiator)
	c.presenter.PlayRingtone()
}

// Accept answers the ringing incoming call.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil || c.state != StateRingingIn {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.transition(StateConnecting)
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	c.armConnectTimer(s)
	c.mu.Unlock()

	c.presenter.StopRingtone()
	return c.join(ctx, s)
}

// Decline rejects the ringing incoming call without touching media.
func (c *Controller) Decline(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil || c.state != StateRingingIn {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.declined[s.ID] = struct{}{}
	c.mu.Unlock()

	c.teardown(s, teardownOptions{notify: c.dir.Decline, status: textCallDeclined, outcome: "declined"})
	return nil
}

// End hangs up. It is valid in every state, and a no-op when idle. Local
// cleanup always completes; the backend is notified best-effort.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	c.teardown(s, teardownOptions{notify: c.dir.End, status: textCallEnded, outcome: "completed"})
	return nil
}

// ToggleMute flips the local microphone and returns the new muted state.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	s := c.session
	if s == nil || (c.state != StateConnecting && c.state != StateInCall) {
		c.mu.Unlock()
		return false, ErrInvalidState
	}
	s.muted = !s.muted
	muted, eng := s.muted, s.engine
	c.mu.Unlock()

	if eng != nil {
		eng.SetMuted(muted)
	}
	return muted, nil
}

// Snapshot returns the current call state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state.String(), RoomID: c.roomID, Degraded: c.sig.Degraded()}
	s := c.session
	if s == nil {
		return snap
	}
	snap.CallID = s.ID
	snap.Role = s.Role.String()
	snap.Initiator = s.Initiator
	snap.Participants = append([]string(nil), s.participants...)
	snap.Muted = s.muted
	if !s.connectedAt.IsZero() {
		snap.Elapsed = formatElapsed(time.Since(s.connectedAt))
	}
	if rs, ok := s.engine.(interface {
		RemoteStream() *negotiation.RemoteStream
	}); ok && rs.RemoteStream() != nil {
		snap.Packets = rs.RemoteStream().Received()
	}
	return snap
}

// startEngine builds and starts the session's negotiation engine. Signals
// buffered while ringing are replayed into it.
func (c *Controller) startEngine(s *CallSession) {
	eng := c.config.NewEngine(s.Role, negotiation.SignalerFunc(func(msg *directory.SignalingMessage) error {
		return c.sig.Send(s.ID, msg)
	}))
	eng.OnConnected(func() { c.handleConnected(s) })
	eng.OnFailed(func(err error) { c.handleEngineFailure(s, err) })

	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		_ = eng.Close()
		return
	}
	s.engine = eng
	buffered := s.buffered
	s.buffered = nil
	muted := s.muted
	c.mu.Unlock()

	eng.SetMuted(muted)
	for _, msg := range buffered {
		eng.HandleMessage(msg)
	}

	go func() {
		if err := eng.Start(s.ctx); err != nil && !errors.Is(err, negotiation.ErrClosed) {
			c.handleEngineFailure(s, err)
		}
	}()
}

func (c *Controller) handleConnected(s *CallSession) {
	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		return
	}
	if c.state == StateRingingOut {
		c.transition(StateConnecting)
	}
	if !c.transition(StateInCall) {
		c.mu.Unlock()
		return
	}
	s.peerJoined = true
	s.connectedAt = time.Now()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	c.mu.Unlock()

	c.presenter.StopRingtone()
	c.presenter.ShowStatus(textConnected)
	c.presenter.ShowTimer(formatElapsed(0))
	go c.runDurationTimer(s)
}

func (c *Controller) runDurationTimer(s *CallSession) {
	ticker := time.NewTicker(c.config.TimerTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.current(s) {
				c.mu.Unlock()
				return
			}
			elapsed := time.Since(s.connectedAt)
			c.mu.Unlock()
			c.presenter.ShowTimer(formatElapsed(elapsed))
		}
	}
}

func (c *Controller) handleEngineFailure(s *CallSession, err error) {
	if negotiation.IsMediaAccess(err) {
		if c.teardown(s, teardownOptions{notify: c.dir.End, status: textCallFailed, outcome: "failed"}) {
			c.presenter.ShowAlert(textMicrophoneAlert)
		}
		return
	}
	c.logger.Warn().Err(err).Msg("negotiation failed")
	c.teardown(s, teardownOptions{notify: c.dir.End, status: textCallFailed, outcome: "failed"})
}

// failSetup ends a call whose directory setup failed.
func (c *Controller) failSetup(s *CallSession, err error) {
	c.logger.Warn().Err(err).Msg("call setup failed")
	if chatsdk.IsConfiguration(err) {
		c.logger.Error().Err(err).Msg("client is misconfigured")
	}
	c.teardown(s, teardownOptions{notify: c.dir.End, status: textCallFailed, outcome: "failed"})
}

// abandon ends a call created for a session that was cancelled meanwhile.
func (c *Controller) abandon(callID chatsdk.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.TeardownTimeout)
	defer cancel()
	if err := c.dir.End(ctx, callID); err != nil {
		c.logger.Warn().Err(err).Str("call_id", callID.String()).Msg("failed to end abandoned call")
	}
}

func (c *Controller) ringExpired(s *CallSession) {
	c.mu.Lock()
	if !c.current(s) || !c.state.IsRinging() {
		c.mu.Unlock()
		return
	}
	state := c.state
	if state == StateRingingIn {
		c.declined[s.ID] = struct{}{}
	}
	c.mu.Unlock()

	c.logger.Info().Str("call_id", s.ID.String()).Str("state", state.String()).Msg("ring timeout")
	if state == StateRingingIn {
		c.teardown(s, teardownOptions{notify: c.dir.Decline, status: textNoAnswer, outcome: "missed"})
		return
	}
	c.teardown(s, teardownOptions{notify: c.dir.End, status: textNoAnswer, outcome: "missed"})
}

// armConnectTimer bounds the time s may spend connecting. It must be
// called with c.mu held.
func (c *Controller) armConnectTimer(s *CallSession) {
	if s.connectTimer != nil || c.config.ConnectTimeout <= 0 {
		return
	}
	s.connectTimer = time.AfterFunc(c.config.ConnectTimeout, func() { c.connectExpired(s) })
}

func (c *Controller) connectExpired(s *CallSession) {
	c.mu.Lock()
	if !c.current(s) || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Warn().Str("call_id", s.ID.String()).Dur("timeout", c.config.ConnectTimeout).Msg("negotiation did not complete")
	c.teardown(s, teardownOptions{notify: c.dir.End, status: textCallFailed, outcome: "failed"})
}

// pollBackoff returns the delay after the n-th consecutive poll failure:
// base·2^(n-1), capped.
func pollBackoff(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// pollStatus is the only consumer of the call's status endpoint. It feeds
// relayed signals to the transport and status changes to the controller.
func (c *Controller) pollStatus(s *CallSession) {
	failures := 0
	for {
		var wait time.Duration
		if failures > 0 {
			wait = pollBackoff(c.config.PollBackoffBase, c.config.PollBackoffMax, failures)
		} else if c.State() == StateInCall {
			wait = c.config.PollIntervalConnected
		} else {
			wait = c.config.PollIntervalRinging
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		report, err := c.dir.ReportStatus(s.ctx, s.ID)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			if chatsdk.IsNotFound(err) {
				c.teardown(s, teardownOptions{status: textCallEnded, outcome: "completed"})
				return
			}
			failures++
			c.config.Metrics.StatusPollFailed()
			c.logger.Warn().Err(err).Int("failures", failures).Str("call_id", s.ID.String()).Msg("status poll failed")
			if failures >= c.config.MaxPollFailures {
				c.teardown(s, teardownOptions{notify: c.dir.End, status: textConnectionLost, outcome: "failed"})
				return
			}
			continue
		}

		failures = 0
		c.sig.Deliver(s.ID, report.SignalingMessages)
		c.applyStatus(s, report.CallStatus, report.Participants)
	}
}

// applyStatus reconciles a status report or push update with the session.
func (c *Controller) applyStatus(s *CallSession, status directory.Status, participants []string) {
	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		return
	}
	state := c.state
	if participants != nil {
		s.participants = append([]string(nil), participants...)
	}

	if status.IsTerminal() {
		c.mu.Unlock()
		text := textCallEnded
		if status == directory.StatusDeclined || (state == StateRingingOut && !s.peerJoined) {
			text = textCallDeclined
		}
		c.teardown(s, teardownOptions{status: text, outcome: string(status)})
		return
	}

	var eng Engine
	peerArrived := s.Role == negotiation.RoleInitiator && state == StateRingingOut &&
		(status == directory.StatusOngoing || len(s.participants) > 1)
	if peerArrived {
		s.peerJoined = true
		if s.ringTimer != nil {
			s.ringTimer.Stop()
		}
		c.transition(StateConnecting)
		c.armConnectTimer(s)
		eng = s.engine
	}
	c.mu.Unlock()

	if participants != nil {
		c.presenter.ShowParticipants(participants)
	}
	if peerArrived {
		c.presenter.ShowStatus(textConnecting)
		if eng != nil {
			if err := eng.ResendOffer(); err != nil {
				c.logger.Warn().Err(err).Msg("failed to re-send offer")
			}
		}
	}
}

// handleSignal routes an inbound signal to the session's engine, or buffers
// it while the call is still ringing.
func (c *Controller) handleSignal(callID chatsdk.ID, msg *directory.SignalingMessage) {
	c.mu.Lock()
	s := c.session
	if s == nil || s.ID != callID {
		c.mu.Unlock()
		return
	}
	eng := s.engine
	if eng == nil {
		s.buffered = append(s.buffered, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	eng.HandleMessage(msg)
}

func (c *Controller) handleCallNotification(env *push.Envelope) {
	var call directory.Call
	if err := json.Unmarshal(env.CallData, &call); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed call notification")
		return
	}
	c.HandleIncoming(&call)
}

func (c *Controller) handleStatusUpdate(env *push.Envelope) {
	var update struct {
		CallID       chatsdk.ID       `json:"call_id"`
		Status       directory.Status `json:"status"`
		Participants []string         `json:"participants"`
	}
	if err := json.Unmarshal(env.StatusData, &update); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed status update")
		return
	}

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || s.ID != update.CallID {
		return
	}
	c.applyStatus(s, update.Status, update.Participants)
}

type teardownOptions struct {
	// notify tells the backend; nil when the backend already knows.
	notify  func(ctx context.Context, callID chatsdk.ID) error
	status  string
	outcome string
}

// teardown releases everything held by s and returns the controller to
// idle. It reports whether this call performed the teardown; later calls
// for the same session are no-ops.
func (c *Controller) teardown(s *CallSession, opts teardownOptions) bool {
	c.mu.Lock()
	if s == nil || c.session != s {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	c.transition(StateIdle)
	s.stop()
	eng := s.engine
	s.engine = nil
	s.buffered = nil
	c.mu.Unlock()

	if eng != nil {
		if err := eng.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("engine close failed")
		}
	}

	if opts.notify != nil && !s.ID.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.TeardownTimeout)
		if err := opts.notify(ctx, s.ID); err != nil {
			c.logger.Warn().Err(err).Str("call_id", s.ID.String()).Msg("backend notification failed")
		}
		cancel()
	}
	if !s.ID.IsZero() {
		c.sig.ResetCall(s.ID)
	}

	c.logger.Info().Str("call_id", s.ID.String()).Str("outcome", opts.outcome).Msg("call torn down")
	c.config.Metrics.CallFinished(opts.outcome)
	c.presenter.StopRingtone()
	c.presenter.HideCall()
	c.presenter.ShowStatus(opts.status)
	return true
}
