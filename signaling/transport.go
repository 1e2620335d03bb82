/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling delivers negotiation messages between the peers of a
// call over the room's push channel, falling back to the backend's HTTP
// relay when the push channel is unavailable.
//
// Outbound messages are queued per call and leave in order. A message stays
// queued until one channel accepts it; failed attempts are retried with
// exponential backoff. Inbound messages from either channel are
// de-duplicated and handed to a single handler.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/directory"
	"github.com/tejzpr/roomcall-go-sdk/metrics"
	"github.com/tejzpr/roomcall-go-sdk/push"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("signaling transport closed")

	// ErrCallEnded is returned by Send for a call released by ResetCall.
	ErrCallEnded = errors.New("call has ended")
)

// PushChannel is the subset of *push.Client used by the transport.
type PushChannel interface {
	Connect(ctx context.Context) error
	Send(v interface{}) error
	On(envType string, handler push.Handler)
	OnDegraded(fn func(error))
	IsConnected() bool
	Close() error
}

// Relay is the HTTP side of signaling, implemented by *directory.Client.
type Relay interface {
	SendSignal(ctx context.Context, callID chatsdk.ID, msg *directory.SignalingMessage) (*directory.StatusReport, error)
}

// MessageHandler receives each distinct inbound message once.
type MessageHandler func(callID chatsdk.ID, msg *directory.SignalingMessage)

// Config holds the configuration for the signaling transport
type Config struct {
	// Identity is the local username. Messages carrying it as sender are
	// our own, echoed back by the room group.
	Identity string

	RetryBaseDelay time.Duration // First retry delay for a failed send
	RetryMaxDelay  time.Duration // Retry delay ceiling
	SendTimeout    time.Duration // Timeout of one HTTP relay attempt
	SeenLimit      int           // Remembered message keys per call

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default configuration for the signaling transport
func DefaultConfig() *Config {
	return &Config{
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  30 * time.Second,
		SendTimeout:    10 * time.Second,
		SeenLimit:      512,
	}
}

// Transport is the signaling transport for one room
type Transport struct {
	push   PushChannel
	relay  Relay
	config *Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handler  MessageHandler
	outboxes map[chatsdk.ID]*outbox
	seen     map[chatsdk.ID]*seenSet
	finished map[chatsdk.ID]error
	degraded bool
	closed   bool
	wg       sync.WaitGroup
}

// New creates a transport. pushCh may be nil, in which case the transport
// runs degraded on the HTTP relay from the start.
func New(pushCh PushChannel, relay Relay, config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		push:     pushCh,
		relay:    relay,
		config:   config,
		logger:   logger.With().Str("module", "signaling").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		outboxes: make(map[chatsdk.ID]*outbox),
		seen:     make(map[chatsdk.ID]*seenSet),
		finished: make(map[chatsdk.ID]error),
		degraded: pushCh == nil,
	}

	if pushCh != nil {
		pushCh.On(push.TypeWebRTCSignal, t.handlePushSignal)
		pushCh.OnDegraded(func(err error) {
			t.logger.Warn().Err(err).Msg("push channel exhausted, relaying over HTTP")
			t.setDegraded(true)
		})
	}
	return t
}

// Connect opens the push channel. On failure the transport degrades to the
// HTTP relay and the TransportError is returned for reporting; the
// transport stays usable. Calling Connect again retries the push channel.
func (t *Transport) Connect(ctx context.Context) error {
	if t.push == nil {
		return nil
	}
	err := t.push.Connect(ctx)
	if errors.Is(err, push.ErrAlreadyConnecting) {
		return nil
	}
	t.setDegraded(err != nil)
	if err != nil {
		t.logger.Warn().Err(err).Msg("push channel unavailable, relaying over HTTP")
	}
	return err
}

// Degraded reports whether the push channel has been given up on.
func (t *Transport) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Transport) setDegraded(v bool) {
	t.mu.Lock()
	t.degraded = v
	t.mu.Unlock()
}

// OnMessage sets the inbound message handler.
func (t *Transport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Send queues msg for delivery to the call's other peers. The message is
// stamped with an id, the local identity and a timestamp. Send fails for a
// call that has been reset or whose delivery failed permanently.
func (t *Transport) Send(callID chatsdk.ID, msg *directory.SignalingMessage) error {
	if callID.IsZero() || msg == nil {
		return errors.New("callID and message are required")
	}

	out := *msg
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Sender == "" {
		out.Sender = t.config.Identity
	}
	if out.Timestamp == "" {
		out.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if err, ok := t.finished[callID]; ok {
		t.mu.Unlock()
		return err
	}
	// our own frames come back through the room group
	t.seenFor(callID).add(out.Key())

	box, ok := t.outboxes[callID]
	if !ok {
		box = newOutbox(callID)
		t.outboxes[callID] = box
		t.wg.Add(1)
		go t.drain(box)
	}
	box.push(&out)
	t.mu.Unlock()
	return nil
}

// Pending returns the number of queued, undelivered messages for the call.
func (t *Transport) Pending(callID chatsdk.ID) int {
	t.mu.Lock()
	box, ok := t.outboxes[callID]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return box.len()
}

// Deliver hands messages obtained from a status poll to the inbound path.
func (t *Transport) Deliver(callID chatsdk.ID, msgs []directory.SignalingMessage) {
	for i := range msgs {
		t.receive(callID, &msgs[i], metrics.ChannelPoll)
	}
}

// ResetCall drops the queue and duplicate history of a finished call.
// Later sends for the call fail with ErrCallEnded.
func (t *Transport) ResetCall(callID chatsdk.ID) {
	t.mu.Lock()
	box, ok := t.outboxes[callID]
	delete(t.outboxes, callID)
	delete(t.seen, callID)
	if _, done := t.finished[callID]; !done {
		t.finished[callID] = ErrCallEnded
	}
	t.mu.Unlock()
	if ok {
		box.stop()
	}
}

// Close stops all queues and closes the push channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	boxes := t.outboxes
	t.outboxes = make(map[chatsdk.ID]*outbox)
	t.mu.Unlock()

	t.cancel()
	for _, box := range boxes {
		box.stop()
	}
	t.wg.Wait()

	if t.push != nil {
		return t.push.Close()
	}
	return nil
}

// handlePushSignal unpacks a webrtc_signal envelope
func (t *Transport) handlePushSignal(env *push.Envelope) {
	if env.CallID.IsZero() || len(env.Signals) == 0 {
		return
	}
	var msgs []directory.SignalingMessage
	if err := json.Unmarshal(env.Signals, &msgs); err != nil {
		t.logger.Debug().Err(err).Msg("ignoring malformed signals")
		return
	}
	for i := range msgs {
		t.receive(env.CallID, &msgs[i], metrics.ChannelPush)
	}
}

// receive filters self-sent and duplicate messages, then calls the handler
// outside the lock.
func (t *Transport) receive(callID chatsdk.ID, msg *directory.SignalingMessage, channel string) {
	if msg.Type == "" || msg.Type == directory.MessageTest {
		return
	}
	if t.config.Identity != "" && msg.Sender == t.config.Identity {
		return
	}

	t.mu.Lock()
	if t.closed || !t.seenFor(callID).add(msg.Key()) {
		t.mu.Unlock()
		return
	}
	handler := t.handler
	t.mu.Unlock()

	t.config.Metrics.SignalReceived(channel)
	t.logger.Debug().Str("call_id", callID.String()).Str("type", string(msg.Type)).
		Str("channel", channel).Msg("signal received")
	if handler != nil {
		handler(callID, msg)
	}
}

// seenFor must be called with t.mu held.
func (t *Transport) seenFor(callID chatsdk.ID) *seenSet {
	s, ok := t.seen[callID]
	if !ok {
		s = newSeenSet(t.config.SeenLimit)
		t.seen[callID] = s
	}
	return s
}

// drain delivers a call's queue in order until the queue is stopped
func (t *Transport) drain(box *outbox) {
	defer t.wg.Done()

	attempt := 0
	for {
		batch, ok := box.wait(t.ctx)
		if !ok {
			return
		}

		delivered, err := t.deliver(box.callID, batch)
		box.ack(delivered)
		if err == nil {
			attempt = 0
			continue
		}

		t.config.Metrics.SignalSendFailed()
		if chatsdk.IsConfiguration(err) {
			t.logger.Error().Err(err).Str("call_id", box.callID.String()).
				Int("dropped", box.len()).Msg("signal delivery cannot succeed, giving up")
			t.giveUp(box, err)
			return
		}
		delay := backoff(t.config.RetryBaseDelay, t.config.RetryMaxDelay, attempt)
		attempt++
		t.logger.Warn().Err(err).Str("call_id", box.callID.String()).
			Int("pending", box.len()).Dur("retry_in", delay).Msg("signal delivery failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-box.done:
			timer.Stop()
			return
		case <-t.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// giveUp drops box and makes later sends for its call fail with err.
func (t *Transport) giveUp(box *outbox, err error) {
	t.mu.Lock()
	if t.outboxes[box.callID] == box {
		delete(t.outboxes, box.callID)
	}
	t.finished[box.callID] = err
	t.mu.Unlock()
	box.stop()
}

// deliver sends a batch over push when it is open, otherwise one message
// at a time over HTTP. It returns how many leading messages were accepted.
func (t *Transport) deliver(callID chatsdk.ID, batch []*directory.SignalingMessage) (int, error) {
	if t.push != nil && !t.Degraded() && t.push.IsConnected() {
		frame := map[string]interface{}{
			"type":    push.TypeWebRTCSignal,
			"call_id": callID,
			"signals": batch,
		}
		err := t.push.Send(frame)
		if err == nil {
			for range batch {
				t.config.Metrics.SignalSent(metrics.ChannelPush)
			}
			return len(batch), nil
		}
		t.logger.Debug().Err(err).Msg("push send failed, falling back to HTTP")
	}

	for i, msg := range batch {
		ctx, cancel := context.WithTimeout(t.ctx, t.config.SendTimeout)
		report, err := t.relay.SendSignal(ctx, callID, msg)
		cancel()
		if err != nil {
			return i, err
		}
		t.config.Metrics.SignalSent(metrics.ChannelHTTP)
		// The relay response carries the peer's pending messages, which the
		// backend has now consumed.
		if report != nil {
			t.Deliver(callID, report.SignalingMessages)
		}
	}
	return len(batch), nil
}

// backoff returns base·2^attempt capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
