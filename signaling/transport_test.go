/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/directory"
	"github.com/tejzpr/roomcall-go-sdk/push"
)

type fakePush struct {
	mu         sync.Mutex
	connected  bool
	sendErr    error
	connectErr error
	frames     []map[string]interface{}
	handlers   map[string][]push.Handler
	degraded   []func(error)
	closed     bool
}

func newFakePush(connected bool) *fakePush {
	return &fakePush{connected: connected, handlers: make(map[string][]push.Handler)}
}

func (f *fakePush) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakePush) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	data, _ := json.Marshal(v)
	var frame map[string]interface{}
	_ = json.Unmarshal(data, &frame)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakePush) On(envType string, handler push.Handler) {
	f.mu.Lock()
	f.handlers[envType] = append(f.handlers[envType], handler)
	f.mu.Unlock()
}

func (f *fakePush) OnDegraded(fn func(error)) {
	f.mu.Lock()
	f.degraded = append(f.degraded, fn)
	f.mu.Unlock()
}

func (f *fakePush) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePush) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePush) emit(env *push.Envelope) {
	f.mu.Lock()
	handlers := append([]push.Handler(nil), f.handlers[env.Type]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (f *fakePush) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeRelay struct {
	mu       sync.Mutex
	failures int
	err      error
	attempts int
	sent     []*directory.SignalingMessage
	reply    []directory.SignalingMessage
}

func (r *fakeRelay) SendSignal(ctx context.Context, callID chatsdk.ID, msg *directory.SignalingMessage) (*directory.StatusReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.err != nil {
		return nil, r.err
	}
	if r.failures > 0 {
		r.failures--
		return nil, &chatsdk.NetworkError{Op: "POST status", Err: errors.New("connection reset")}
	}
	r.sent = append(r.sent, msg)
	reply := r.reply
	r.reply = nil
	return &directory.StatusReport{SignalingMessages: reply}, nil
}

func (r *fakeRelay) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *fakeRelay) sentTypes() []directory.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []directory.MessageType
	for _, m := range r.sent {
		out = append(out, m.Type)
	}
	return out
}

func testConfig() *Config {
	return &Config{
		Identity:       "alice",
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		SendTimeout:    time.Second,
		SeenLimit:      16,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func candidate(s string) *directory.SignalingMessage {
	return &directory.SignalingMessage{
		Type:      directory.MessageICECandidate,
		Candidate: json.RawMessage(`{"candidate":"` + s + `"}`),
	}
}

func TestSend_OverPush(t *testing.T) {
	p := newFakePush(true)
	relay := &fakeRelay{}
	tr := New(p, relay, testConfig())
	defer tr.Close()

	if err := tr.Send("42", &directory.SignalingMessage{Type: directory.MessageOffer, SDP: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool { return tr.Pending("42") == 0 && p.frameCount() > 0 }, "push delivery")

	p.mu.Lock()
	frame := p.frames[0]
	p.mu.Unlock()
	if frame["type"] != push.TypeWebRTCSignal {
		t.Errorf("Expected webrtc_signal frame, got %v", frame["type"])
	}
	if frame["call_id"] != float64(42) {
		t.Errorf("Expected numeric call_id 42, got %v", frame["call_id"])
	}
	signals := frame["signals"].([]interface{})
	first := signals[0].(map[string]interface{})
	if first["sender"] != "alice" || first["id"] == "" || first["type"] != "offer" {
		t.Errorf("Unexpected signal %v", first)
	}
	if len(relay.sentTypes()) != 0 {
		t.Error("Expected no HTTP relay use while push is open")
	}
}

func TestSend_SurvivesPushFailure(t *testing.T) {
	p := newFakePush(true)
	p.sendErr = errors.New("broken pipe")
	relay := &fakeRelay{failures: 2}
	tr := New(p, relay, testConfig())
	defer tr.Close()

	_ = tr.Send("42", &directory.SignalingMessage{Type: directory.MessageOffer, SDP: json.RawMessage(`{}`)})
	_ = tr.Send("42", candidate("a"))
	_ = tr.Send("42", candidate("b"))

	waitFor(t, func() bool { return len(relay.sentTypes()) == 3 }, "relay delivery")

	got := relay.sentTypes()
	want := []directory.MessageType{directory.MessageOffer, directory.MessageICECandidate, directory.MessageICECandidate}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected message %d to be %s, got %s", i, want[i], got[i])
		}
	}
	relay.mu.Lock()
	second := string(relay.sent[1].Candidate)
	relay.mu.Unlock()
	if second != `{"candidate":"a"}` {
		t.Errorf("Expected candidate a second, got %s", second)
	}
	if tr.Pending("42") != 0 {
		t.Errorf("Expected empty queue, got %d", tr.Pending("42"))
	}
}

func TestDegraded_UsesRelay(t *testing.T) {
	p := newFakePush(true)
	relay := &fakeRelay{}
	tr := New(p, relay, testConfig())
	defer tr.Close()

	p.mu.Lock()
	fns := p.degraded
	p.mu.Unlock()
	for _, fn := range fns {
		fn(errors.New("exhausted"))
	}
	if !tr.Degraded() {
		t.Fatal("Expected transport to be degraded")
	}

	_ = tr.Send("42", candidate("a"))
	waitFor(t, func() bool { return len(relay.sentTypes()) == 1 }, "relay delivery")
	if p.frameCount() != 0 {
		t.Error("Expected no push frames while degraded")
	}
}

func TestRelay_DeliversReplyMessages(t *testing.T) {
	relay := &fakeRelay{reply: []directory.SignalingMessage{
		{Type: directory.MessageAnswer, SDP: json.RawMessage(`{"type":"answer","sdp":"v=0"}`), Sender: "bob"},
	}}
	tr := New(nil, relay, testConfig())
	defer tr.Close()

	var mu sync.Mutex
	var got []directory.MessageType
	tr.OnMessage(func(callID chatsdk.ID, msg *directory.SignalingMessage) {
		mu.Lock()
		got = append(got, msg.Type)
		mu.Unlock()
	})

	_ = tr.Send("42", &directory.SignalingMessage{Type: directory.MessageOffer, SDP: json.RawMessage(`{}`)})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "reply delivery")

	if got[0] != directory.MessageAnswer {
		t.Errorf("Expected answer from relay reply, got %s", got[0])
	}
}

func TestConnect_FailureDegrades(t *testing.T) {
	p := newFakePush(false)
	p.connectErr = &push.TransportError{URL: "ws://x", Attempts: 6, Err: errors.New("refused")}
	tr := New(p, &fakeRelay{}, testConfig())
	defer tr.Close()

	err := tr.Connect(context.Background())
	if !push.IsTransport(err) {
		t.Errorf("Expected TransportError, got %v", err)
	}
	if !tr.Degraded() {
		t.Error("Expected degraded after failed connect")
	}

	p.mu.Lock()
	p.connectErr = nil
	p.mu.Unlock()
	if err := tr.Connect(context.Background()); err != nil {
		t.Errorf("Expected reconnect to succeed, got %v", err)
	}
	if tr.Degraded() {
		t.Error("Expected transport to recover from degraded")
	}
}

func TestReceive_DedupeAndSelfFilter(t *testing.T) {
	p := newFakePush(true)
	tr := New(p, &fakeRelay{}, testConfig())
	defer tr.Close()

	var mu sync.Mutex
	var got []string
	tr.OnMessage(func(callID chatsdk.ID, msg *directory.SignalingMessage) {
		mu.Lock()
		got = append(got, callID.String()+":"+string(msg.Candidate))
		mu.Unlock()
	})

	signals, _ := json.Marshal([]directory.SignalingMessage{
		{Type: directory.MessageICECandidate, Candidate: json.RawMessage(`"x"`), Sender: "bob"},
		{Type: directory.MessageICECandidate, Candidate: json.RawMessage(`"mine"`), Sender: "alice"},
		{Type: directory.MessageTest, Sender: "bob"},
	})
	p.emit(&push.Envelope{Type: push.TypeWebRTCSignal, CallID: "42", Signals: signals})

	// same message again through the poll channel
	tr.Deliver("42", []directory.SignalingMessage{
		{Type: directory.MessageICECandidate, Candidate: json.RawMessage(`"x"`), Sender: "bob"},
		{Type: directory.MessageICECandidate, Candidate: json.RawMessage(`"y"`), Sender: "bob"},
	})

	// echo of our own outbound message without a sender
	_ = tr.Send("42", &directory.SignalingMessage{ID: "own-1", Type: directory.MessageICECandidate, Candidate: json.RawMessage(`"z"`)})
	tr.Deliver("42", []directory.SignalingMessage{{ID: "own-1", Type: directory.MessageICECandidate, Candidate: json.RawMessage(`"z"`)}})

	mu.Lock()
	defer mu.Unlock()
	want := []string{`42:"x"`, `42:"y"`}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], got[i])
		}
	}
}

func TestResetCall_ClearsHistory(t *testing.T) {
	tr := New(nil, &fakeRelay{}, testConfig())
	defer tr.Close()

	count := 0
	tr.OnMessage(func(chatsdk.ID, *directory.SignalingMessage) { count++ })

	msg := directory.SignalingMessage{Type: directory.MessageICECandidate, Candidate: json.RawMessage(`"x"`), Sender: "bob"}
	tr.Deliver("42", []directory.SignalingMessage{msg})
	tr.ResetCall("42")
	tr.Deliver("42", []directory.SignalingMessage{msg})
	if count != 2 {
		t.Errorf("Expected message to be accepted again after reset, got %d", count)
	}
}

func TestResetCall_RejectsLaterSends(t *testing.T) {
	relay := &fakeRelay{}
	tr := New(nil, relay, testConfig())
	defer tr.Close()

	if err := tr.Send("42", candidate("a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool { return len(relay.sentTypes()) == 1 }, "relay delivery")

	tr.ResetCall("42")
	if err := tr.Send("42", candidate("late")); !errors.Is(err, ErrCallEnded) {
		t.Errorf("Expected ErrCallEnded, got %v", err)
	}
	if tr.Pending("42") != 0 {
		t.Errorf("Expected no queue for an ended call, got %d", tr.Pending("42"))
	}
	if err := tr.Send("43", candidate("b")); err != nil {
		t.Errorf("Expected a new call to be accepted, got %v", err)
	}
}

func TestSend_ConfigurationErrorIsNotRetried(t *testing.T) {
	relay := &fakeRelay{err: &chatsdk.ConfigurationError{Field: "CSRFToken", Reason: "missing"}}
	tr := New(nil, relay, testConfig())
	defer tr.Close()

	if err := tr.Send("42", candidate("a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool { return relay.attemptCount() == 1 }, "relay attempt")
	time.Sleep(30 * time.Millisecond)

	if got := relay.attemptCount(); got != 1 {
		t.Errorf("Expected 1 relay attempt, got %d", got)
	}
	if err := tr.Send("42", candidate("b")); !chatsdk.IsConfiguration(err) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
	if tr.Pending("42") != 0 {
		t.Errorf("Expected queue to be dropped, got %d", tr.Pending("42"))
	}
}

func TestClose(t *testing.T) {
	p := newFakePush(true)
	tr := New(p, &fakeRelay{}, testConfig())
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if err := tr.Send("42", candidate("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if !p.closed {
		t.Error("Expected push channel to be closed")
	}
}

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, 30*time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := backoff(base, max, i); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}
