/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"sync"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/directory"
)

// outbox is the ordered queue of one call's undelivered messages
type outbox struct {
	callID chatsdk.ID

	mu      sync.Mutex
	items   []*directory.SignalingMessage
	notify  chan struct{}
	done    chan struct{}
	stopped bool
}

func newOutbox(callID chatsdk.ID) *outbox {
	return &outbox{
		callID: callID,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (o *outbox) push(msg *directory.SignalingMessage) {
	o.mu.Lock()
	o.items = append(o.items, msg)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// wait blocks until the queue is non-empty and returns a snapshot of it.
func (o *outbox) wait(ctx context.Context) ([]*directory.SignalingMessage, bool) {
	for {
		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			return nil, false
		}
		if len(o.items) > 0 {
			batch := append([]*directory.SignalingMessage(nil), o.items...)
			o.mu.Unlock()
			return batch, true
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-o.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// ack removes the first n messages.
func (o *outbox) ack(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.items = o.items[n:]
	o.mu.Unlock()
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *outbox) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	close(o.done)
}

// seenSet remembers recent message keys, evicting the oldest beyond limit.
type seenSet struct {
	limit int
	keys  map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	if limit <= 0 {
		limit = 512
	}
	return &seenSet{limit: limit, keys: make(map[string]struct{})}
}

// add records key and reports whether it was new.
func (s *seenSet) add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.limit {
		delete(s.keys, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
