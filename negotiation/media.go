/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaAccessError reports that local audio could not be acquired. It is
// fatal to the call attempt and never retried.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("microphone unavailable: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// IsMediaAccess reports whether err is a MediaAccessError.
func IsMediaAccess(err error) bool {
	var e *MediaAccessError
	return errors.As(err, &e)
}

// LocalAudio is one acquired local audio capture.
type LocalAudio interface {
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the capture device. Stop is idempotent.
	Stop() error
}

// MediaSource acquires local audio. Open may block on a permission prompt
// and must honour ctx.
type MediaSource interface {
	Open(ctx context.Context) (LocalAudio, error)
}

// PeerConnection is the subset of *webrtc.PeerConnection used by the engine.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnSignalingStateChange(f func(webrtc.SignalingState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnNegotiationNeeded(f func())
	Close() error
}

// PeerFactory builds the peer connection for one call.
type PeerFactory func(config webrtc.Configuration) (PeerConnection, error)

// NewPeerConnection builds a pion peer connection restricted to the G.711
// codecs, with the default RTCP/NACK/TWCC interceptors.
func NewPeerConnection(config webrtc.Configuration) (PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000, Channels: 1},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// without the default interceptors pion drops incoming SRTP when a
	// custom MediaEngine is supplied
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// SilenceSource produces a PCMU track carrying digital silence. It stands
// in for a microphone on headless agents.
type SilenceSource struct {
	// StreamID groups the track on the remote side. Default "roomcall".
	StreamID string
}

// Open starts a silence generator paced at one 20ms frame per tick.
func (s *SilenceSource) Open(ctx context.Context) (LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "roomcall"
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	a := &silenceAudio{
		track:   track,
		enabled: true,
		stop:    make(chan struct{}),
	}
	go a.run(20 * time.Millisecond)
	return a, nil
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

type silenceAudio struct {
	track *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	enabled bool
	stopped bool
	stop    chan struct{}
}

func (a *silenceAudio) Track() webrtc.TrackLocal { return a.track }

func (a *silenceAudio) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
}

func (a *silenceAudio) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *silenceAudio) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.stopped {
		a.stopped = true
		close(a.stop)
	}
	return nil
}

func (a *silenceAudio) run(frame time.Duration) {
	writeSilence(a.track, frame, a.Enabled, a.stop)
}

// writeSilence writes 160-byte µ-law silence frames (0xFF) to w every frame
// while enabled returns true, until stop is closed. Sequence numbers and
// timestamps keep advancing while muted so the receiver sees a gap, not a
// reset.
func writeSilence(w rtpWriter, frame time.Duration, enabled func() bool, stop <-chan struct{}) {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF
	}

	var seq uint16
	var ts uint32
	first := true
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seq++
			ts += 160
			if !enabled() {
				continue
			}
			err := w.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    0,
					SequenceNumber: seq,
					Timestamp:      ts,
					Marker:         first,
				},
				Payload: payload,
			})
			first = false
			if err != nil {
				return
			}
		}
	}
}
