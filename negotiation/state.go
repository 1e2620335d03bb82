/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package negotiation

// State is the lifecycle state of a negotiation engine.
type State int

const (
	StateNew State = iota
	StateGatheringMedia
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateGatheringMedia:
		return "gathering-media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateNew:            {StateGatheringMedia, StateClosed, StateFailed},
	StateGatheringMedia: {StateNegotiating, StateClosed, StateFailed},
	StateNegotiating:    {StateConnected, StateClosed, StateFailed},
	StateConnected:      {StateClosed, StateFailed},
}

// CanTransition reports whether the engine may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Role is the local peer's part in the call.
type Role int

const (
	RoleJoiner Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "joiner"
}
