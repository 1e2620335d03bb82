/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/tejzpr/roomcall-go-sdk/directory"
)

// pipe relays signaling messages to an engine in send order.
type pipe struct {
	msgs chan *directory.SignalingMessage
}

func newPipe() *pipe {
	return &pipe{msgs: make(chan *directory.SignalingMessage, 256)}
}

func (p *pipe) Signal(msg *directory.SignalingMessage) error {
	p.msgs <- msg
	return nil
}

func (p *pipe) run(ctx context.Context, to *Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.msgs:
			to.HandleMessage(msg)
		}
	}
}

func TestEngines_ConnectOverPion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping peer connection test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	toJoiner, toInitiator := newPipe(), newPipe()
	initiator := New(&Config{Role: RoleInitiator}, toJoiner)
	joiner := New(&Config{Role: RoleJoiner}, toInitiator)
	defer initiator.Close()
	defer joiner.Close()

	go toJoiner.run(ctx, joiner)
	go toInitiator.run(ctx, initiator)

	connected := make(chan Role, 2)
	initiator.OnConnected(func() { connected <- RoleInitiator })
	joiner.OnConnected(func() { connected <- RoleJoiner })

	errs := make(chan error, 2)
	go func() { errs <- joiner.Start(ctx) }()
	go func() { errs <- initiator.Start(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-ctx.Done():
			t.Fatalf("Timed out waiting for connection, initiator=%s joiner=%s", initiator.State(), joiner.State())
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if initiator.RemoteStream().Received() > 0 && joiner.RemoteStream().Received() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := joiner.RemoteStream().Received(); got == 0 {
		t.Error("Expected joiner to receive audio packets")
	}
	if got := initiator.RemoteStream().Received(); got == 0 {
		t.Error("Expected initiator to receive audio packets")
	}
	if ids := joiner.RemoteStream().TrackIDs(); len(ids) != 1 || ids[0] != "audio" {
		t.Errorf("Expected remote track audio, got %v", ids)
	}
}
