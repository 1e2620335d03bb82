/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package negotiation

import (
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// RemoteTrack is the subset of *webrtc.TrackRemote read by RemoteStream.
type RemoteTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteStream merges every remote audio track of a call into one packet
// channel, so a consumer binds a single sink per call.
type RemoteStream struct {
	packets  chan *rtp.Packet
	done     chan struct{}
	received atomic.Uint64
	dropped  atomic.Uint64

	mu     sync.Mutex
	tracks []string
	closed bool
	wg     sync.WaitGroup
}

func newRemoteStream(buffer int) *RemoteStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &RemoteStream{
		packets: make(chan *rtp.Packet, buffer),
		done:    make(chan struct{}),
	}
}

// Packets returns the merged packet channel. It is closed when the call ends.
// A consumer that falls behind loses packets rather than stalling the peers.
func (s *RemoteStream) Packets() <-chan *rtp.Packet {
	return s.packets
}

// TrackIDs returns the ids of the tracks merged so far.
func (s *RemoteStream) TrackIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tracks...)
}

// Received returns the number of packets read from remote tracks.
func (s *RemoteStream) Received() uint64 { return s.received.Load() }

// Dropped returns the number of packets discarded because the consumer
// was not keeping up.
func (s *RemoteStream) Dropped() uint64 { return s.dropped.Load() }

func (s *RemoteStream) add(track RemoteTrack) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tracks = append(s.tracks, track.ID())
	s.wg.Add(1)
	s.mu.Unlock()

	go s.pump(track)
}

func (s *RemoteStream) pump(track RemoteTrack) {
	defer s.wg.Done()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		s.received.Add(1)
		select {
		case s.packets <- pkt:
		case <-s.done:
			return
		default:
			s.dropped.Add(1)
		}
	}
}

// close stops accepting tracks. Pumps exit once their track read fails,
// which happens when the peer connection closes.
func (s *RemoteStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	go func() {
		s.wg.Wait()
		close(s.packets)
	}()
}
