/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package negotiation owns the peer connection of one call: local media,
// offer/answer exchange, trickle ICE, renegotiation and connection state.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tejzpr/roomcall-go-sdk/directory"
)

// ErrClosed is returned by Start when the engine was closed while media was
// being acquired.
var ErrClosed = errors.New("negotiation engine closed")

// Signaler delivers outbound signaling messages for the engine's call.
type Signaler interface {
	Signal(msg *directory.SignalingMessage) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(msg *directory.SignalingMessage) error

func (f SignalerFunc) Signal(msg *directory.SignalingMessage) error { return f(msg) }

// Config holds the configuration for a negotiation engine
type Config struct {
	Role       Role
	ICEServers []webrtc.ICEServer

	// Media acquires local audio. Default: SilenceSource.
	Media MediaSource

	// NewPeerConnection builds the peer connection. Default: NewPeerConnection.
	NewPeerConnection PeerFactory

	// StreamBuffer is the capacity of the merged remote packet channel.
	StreamBuffer int

	// ICERestarts is how many times a dropped connection is recovered
	// before the engine fails. Zero fails on the first failed state.
	ICERestarts int

	// ICERestartTimeout bounds each outage. Default: 15s.
	ICERestartTimeout time.Duration

	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration for a joiner using public STUN.
func DefaultConfig() *Config {
	return &Config{
		Role: RoleJoiner,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ICERestarts:       3,
		ICERestartTimeout: 15 * time.Second,
	}
}

// Engine manages the peer connection for exactly one call.
type Engine struct {
	config   *Config
	signaler Signaler
	logger   zerolog.Logger
	stream   *RemoteStream

	// opMu serializes description and candidate handling
	opMu sync.Mutex

	mu                sync.Mutex
	state             State
	pc                PeerConnection
	audio             LocalAudio
	queued            []*directory.SignalingMessage
	pendingCandidates []webrtc.ICECandidateInit
	seenCandidates    map[string]struct{}
	lastRemoteOffer   string
	offerSent         bool
	renegotiate       bool
	iceRestart        bool
	restarts          int
	restartTimer      *time.Timer
	pcState           webrtc.PeerConnectionState
	muted             bool
	failure           error
	onConnected       []func()
	onFailed          []func(error)
	onStateChange     []func(State)
}

// New creates an engine in state new. Nothing is acquired until Start.
func New(config *Config, signaler Signaler) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Media == nil {
		config.Media = &SilenceSource{}
	}
	if config.NewPeerConnection == nil {
		config.NewPeerConnection = NewPeerConnection
	}
	if config.ICERestartTimeout <= 0 {
		config.ICERestartTimeout = 15 * time.Second
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Engine{
		config:         config,
		signaler:       signaler,
		logger:         logger.With().Str("module", "negotiation").Str("role", config.Role.String()).Logger(),
		stream:         newRemoteStream(config.StreamBuffer),
		state:          StateNew,
		seenCandidates: make(map[string]struct{}),
	}
}

// OnConnected registers a callback for the first transition to connected.
func (e *Engine) OnConnected(fn func()) {
	e.mu.Lock()
	e.onConnected = append(e.onConnected, fn)
	e.mu.Unlock()
}

// OnFailed registers a callback for the transition to failed.
func (e *Engine) OnFailed(fn func(error)) {
	e.mu.Lock()
	e.onFailed = append(e.onFailed, fn)
	e.mu.Unlock()
}

// OnStateChange registers a callback for every state transition.
func (e *Engine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	e.onStateChange = append(e.onStateChange, fn)
	e.mu.Unlock()
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that failed the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// RemoteStream returns the merged remote audio of the call.
func (e *Engine) RemoteStream() *RemoteStream {
	return e.stream
}

// transition moves to next if the table allows it. Must hold e.mu. The
// returned callbacks are run by the caller after unlocking.
func (e *Engine) transition(next State) (bool, []func()) {
	if !e.state.CanTransition(next) {
		if e.state != next {
			e.logger.Debug().Str("from", e.state.String()).Str("to", next.String()).Msg("transition rejected")
		}
		return false, nil
	}
	e.logger.Debug().Str("from", e.state.String()).Str("to", next.String()).Msg("state changed")
	e.state = next

	var callbacks []func()
	for _, fn := range e.onStateChange {
		callbacks = append(callbacks, func() { fn(next) })
	}
	switch next {
	case StateConnected:
		callbacks = append(callbacks, e.onConnected...)
	case StateFailed:
		err := e.failure
		for _, fn := range e.onFailed {
			callbacks = append(callbacks, func() { fn(err) })
		}
	}
	return true, callbacks
}

func runCallbacks(callbacks []func()) {
	if len(callbacks) == 0 {
		return
	}
	go func() {
		for _, fn := range callbacks {
			fn()
		}
	}()
}

// Start acquires local media, builds the peer connection and begins
// negotiating. The initiator sends its offer immediately; a joiner waits
// for the remote offer. Start may block on media acquisition; Close may be
// called meanwhile, in which case Start releases what it acquired and
// returns ErrClosed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	ok, cbs := e.transition(StateGatheringMedia)
	e.mu.Unlock()
	runCallbacks(cbs)
	if !ok {
		return fmt.Errorf("cannot start engine in state %s", e.State())
	}

	audio, err := e.config.Media.Open(ctx)
	if err != nil {
		if e.State().IsTerminal() {
			return ErrClosed
		}
		return e.fail(&MediaAccessError{Err: err})
	}
	if e.State().IsTerminal() {
		_ = audio.Stop()
		return ErrClosed
	}

	pc, err := e.config.NewPeerConnection(webrtc.Configuration{ICEServers: e.config.ICEServers})
	if err != nil {
		_ = audio.Stop()
		return e.fail(err)
	}

	pc.OnICECandidate(e.handleLocalCandidate)
	pc.OnConnectionStateChange(e.handleConnectionState)
	pc.OnSignalingStateChange(e.handleSignalingState)
	pc.OnNegotiationNeeded(e.RequestRenegotiation)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.Info().Str("track", track.ID()).Str("codec", track.Codec().MimeType).Msg("remote track")
		e.stream.add(track)
	})

	sender, err := pc.AddTrack(audio.Track())
	if err != nil {
		_ = audio.Stop()
		_ = pc.Close()
		return e.fail(fmt.Errorf("failed to add audio track: %w", err))
	}
	if sender != nil {
		go drainRTCP(sender)
	}

	e.mu.Lock()
	if e.state.IsTerminal() {
		e.mu.Unlock()
		_ = audio.Stop()
		_ = pc.Close()
		return ErrClosed
	}
	audio.SetEnabled(!e.muted)
	e.pc = pc
	e.audio = audio
	ok, cbs = e.transition(StateNegotiating)
	queued := e.queued
	e.queued = nil
	e.mu.Unlock()
	runCallbacks(cbs)
	if !ok {
		return ErrClosed
	}

	if e.config.Role == RoleInitiator {
		if err := e.sendOffer(); err != nil {
			return e.fail(err)
		}
	}

	for _, msg := range queued {
		e.HandleMessage(msg)
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// HandleMessage applies one inbound signaling message. Messages received
// before local media is attached are queued and replayed. Duplicates are
// ignored.
func (e *Engine) HandleMessage(msg *directory.SignalingMessage) {
	if msg == nil {
		return
	}

	e.mu.Lock()
	switch e.state {
	case StateNew, StateGatheringMedia:
		e.queued = append(e.queued, msg)
		e.mu.Unlock()
		return
	case StateClosed, StateFailed:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	var err error
	switch msg.Type {
	case directory.MessageOffer:
		err = e.handleOffer(msg.SDP)
	case directory.MessageAnswer:
		err = e.handleAnswer(msg.SDP)
	case directory.MessageICECandidate:
		err = e.handleRemoteCandidate(msg.Candidate)
	default:
		return
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("signaling message rejected")
	}
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, fmt.Errorf("missing session description")
	}
	if raw[0] == '"' {
		var sdp string
		if err := json.Unmarshal(raw, &sdp); err != nil {
			return desc, err
		}
		return webrtc.SessionDescription{Type: want, SDP: sdp}, nil
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("invalid session description: %w", err)
	}
	if desc.Type == 0 {
		desc.Type = want
	}
	if desc.Type != want {
		return desc, fmt.Errorf("expected %s, got %s", want, desc.Type)
	}
	return desc, nil
}

func (e *Engine) peer() PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.IsTerminal() {
		return nil
	}
	return e.pc
}

func (e *Engine) handleOffer(raw json.RawMessage) error {
	offer, err := decodeDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	pc := e.peer()
	if pc == nil {
		return nil
	}

	e.mu.Lock()
	duplicate := offer.SDP == e.lastRemoteOffer
	e.mu.Unlock()
	if duplicate {
		e.logger.Debug().Msg("ignoring duplicate offer")
		return nil
	}

	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// glare: the initiator's own offer wins
		if e.config.Role == RoleInitiator {
			e.logger.Info().Msg("ignoring remote offer while local offer is outstanding")
			return nil
		}
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("failed to roll back local offer: %w", err)
		}
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	e.mu.Lock()
	e.lastRemoteOffer = offer.SDP
	e.mu.Unlock()
	e.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	local := pc.LocalDescription()
	if local == nil {
		local = &answer
	}
	return e.signalDescription(directory.MessageAnswer, *local)
}

func (e *Engine) handleAnswer(raw json.RawMessage) error {
	answer, err := decodeDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	pc := e.peer()
	if pc == nil {
		return nil
	}
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		e.logger.Debug().Str("signaling_state", pc.SignalingState().String()).Msg("ignoring answer without outstanding offer")
		return nil
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	e.flushCandidates(pc)
	return nil
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *c.SDPMLineIndex)
	}
	return key
}

func (e *Engine) handleRemoteCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("invalid ICE candidate: %w", err)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	pc := e.peer()
	if pc == nil {
		return nil
	}

	key := candidateKey(c)
	e.mu.Lock()
	if _, dup := e.seenCandidates[key]; dup {
		e.mu.Unlock()
		return nil
	}
	e.seenCandidates[key] = struct{}{}
	if pc.RemoteDescription() == nil {
		e.pendingCandidates = append(e.pendingCandidates, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if c.Candidate == "" {
		// end-of-candidates marker
		return nil
	}
	return pc.AddICECandidate(c)
}

// flushCandidates applies candidates buffered before the remote description.
// Caller holds opMu.
func (e *Engine) flushCandidates(pc PeerConnection) {
	e.mu.Lock()
	pending := e.pendingCandidates
	e.pendingCandidates = nil
	e.mu.Unlock()

	for _, c := range pending {
		if c.Candidate == "" {
			continue
		}
		if err := pc.AddICECandidate(c); err != nil {
			e.logger.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
}

// PendingCandidates returns the number of remote candidates waiting for a
// remote description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingCandidates)
}

func (e *Engine) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	if e.State().IsTerminal() {
		return
	}
	payload, err := json.Marshal(c.ToJSON())
	if err != nil {
		return
	}
	if err := e.signaler.Signal(&directory.SignalingMessage{
		Type:      directory.MessageICECandidate,
		Candidate: payload,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to queue local candidate")
	}
}

func (e *Engine) handleConnectionState(s webrtc.PeerConnectionState) {
	e.logger.Debug().Str("pc_state", s.String()).Msg("connection state")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		e.mu.Lock()
		e.pcState = s
		e.restarts = 0
		if e.restartTimer != nil {
			e.restartTimer.Stop()
			e.restartTimer = nil
		}
		_, cbs := e.transition(StateConnected)
		e.mu.Unlock()
		runCallbacks(cbs)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		e.recoverConnection(s)
	default:
		e.mu.Lock()
		e.pcState = s
		e.mu.Unlock()
	}
}

// recoverConnection restarts ICE after the connection drops. The
// initiator sends an ICE-restart offer; a joiner waits for it. The engine
// fails once the restart budget is spent or the outage outlasts
// ICERestartTimeout.
func (e *Engine) recoverConnection(s webrtc.PeerConnectionState) {
	e.mu.Lock()
	e.pcState = s
	if e.state != StateNegotiating && e.state != StateConnected {
		e.mu.Unlock()
		return
	}
	if e.restarts >= e.config.ICERestarts {
		e.mu.Unlock()
		if s == webrtc.PeerConnectionStateFailed {
			_ = e.fail(errors.New("peer connection failed"))
		}
		return
	}
	e.restarts++
	attempt := e.restarts
	if e.restartTimer == nil {
		e.restartTimer = time.AfterFunc(e.config.ICERestartTimeout, e.restartExpired)
	}
	e.mu.Unlock()

	e.logger.Warn().Str("pc_state", s.String()).Int("attempt", attempt).Msg("connection lost, restarting ICE")
	if e.config.Role == RoleInitiator {
		go e.restartICE()
	}
}

func (e *Engine) restartExpired() {
	e.mu.Lock()
	e.restartTimer = nil
	recovered := e.pcState == webrtc.PeerConnectionStateConnected
	e.mu.Unlock()
	if !recovered {
		_ = e.fail(errors.New("peer connection did not recover"))
	}
}

// restartICE sends an offer with fresh ICE credentials. An unanswered
// local offer is rolled back first; any other exchange in flight defers
// the restart until stable.
func (e *Engine) restartICE() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	pc := e.peer()
	if pc == nil {
		return
	}
	switch pc.SignalingState() {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			e.logger.Warn().Err(err).Msg("failed to roll back offer for ICE restart")
			return
		}
	default:
		e.mu.Lock()
		e.renegotiate = true
		e.iceRestart = true
		e.mu.Unlock()
		return
	}

	if err := e.createAndSendOffer(pc, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		e.logger.Warn().Err(err).Msg("ICE restart failed")
	}
}

func (e *Engine) handleSignalingState(s webrtc.SignalingState) {
	if s != webrtc.SignalingStateStable {
		return
	}
	e.mu.Lock()
	pending := e.renegotiate
	e.renegotiate = false
	e.mu.Unlock()
	if pending {
		go e.RequestRenegotiation()
	}
}

// RequestRenegotiation sends a fresh offer after local track changes. Only
// the initiator offers. A request made while an exchange is in flight is
// deferred until the signaling state returns to stable.
func (e *Engine) RequestRenegotiation() {
	if e.config.Role != RoleInitiator {
		return
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state != StateNegotiating && e.state != StateConnected {
		e.mu.Unlock()
		return
	}
	if !e.offerSent {
		// the initial offer covers the current tracks
		e.mu.Unlock()
		return
	}
	pc := e.pc
	e.mu.Unlock()

	if pc.SignalingState() != webrtc.SignalingStateStable {
		e.mu.Lock()
		e.renegotiate = true
		e.mu.Unlock()
		e.logger.Debug().Msg("renegotiation deferred until stable")
		return
	}

	var options *webrtc.OfferOptions
	e.mu.Lock()
	if e.iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
		e.iceRestart = false
	}
	e.mu.Unlock()

	if err := e.createAndSendOffer(pc, options); err != nil {
		e.logger.Warn().Err(err).Msg("renegotiation failed")
	}
}

// RenegotiationPending reports whether a deferred renegotiation is waiting.
func (e *Engine) RenegotiationPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renegotiate
}

func (e *Engine) sendOffer() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	pc := e.peer()
	if pc == nil {
		return nil
	}
	return e.createAndSendOffer(pc, nil)
}

// createAndSendOffer must be called with opMu held.
func (e *Engine) createAndSendOffer(pc PeerConnection, options *webrtc.OfferOptions) error {
	offer, err := pc.CreateOffer(options)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	e.mu.Lock()
	e.offerSent = true
	e.mu.Unlock()

	local := pc.LocalDescription()
	if local == nil {
		local = &offer
	}
	return e.signalDescription(directory.MessageOffer, *local)
}

// ResendOffer re-sends the outstanding local offer. A peer that joins after
// the offer was relayed may never have received it.
func (e *Engine) ResendOffer() error {
	if e.config.Role != RoleInitiator {
		return nil
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	pc := e.peer()
	if pc == nil {
		return nil
	}
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	local := pc.LocalDescription()
	if local == nil {
		return nil
	}
	e.logger.Info().Msg("re-sending offer")
	return e.signalDescription(directory.MessageOffer, *local)
}

func (e *Engine) signalDescription(t directory.MessageType, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return e.signaler.Signal(&directory.SignalingMessage{Type: t, SDP: payload})
}

// SetMuted enables or disables the local audio track. It never
// renegotiates.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	e.muted = muted
	audio := e.audio
	e.mu.Unlock()
	if audio != nil {
		audio.SetEnabled(!muted)
	}
}

// Muted reports whether local audio is disabled.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// fail moves the engine to failed, releases everything and returns err.
func (e *Engine) fail(err error) error {
	e.mu.Lock()
	if e.state.IsTerminal() {
		e.mu.Unlock()
		return err
	}
	e.failure = err
	_, cbs := e.transition(StateFailed)
	pc, audio := e.detach()
	e.mu.Unlock()

	e.logger.Error().Err(err).Msg("negotiation failed")
	release(pc, audio)
	e.stream.close()
	runCallbacks(cbs)
	return err
}

// Close releases local media and closes the peer connection. Close is
// idempotent and safe while Start is in flight.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	_, cbs := e.transition(StateClosed)
	pc, audio := e.detach()
	e.mu.Unlock()

	err := release(pc, audio)
	e.stream.close()
	runCallbacks(cbs)
	return err
}

// detach must be called with e.mu held.
func (e *Engine) detach() (PeerConnection, LocalAudio) {
	pc, audio := e.pc, e.audio
	e.pc, e.audio = nil, nil
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	e.queued = nil
	e.pendingCandidates = nil
	return pc, audio
}

func release(pc PeerConnection, audio LocalAudio) error {
	var errs []error
	if audio != nil {
		if err := audio.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close peer connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
