/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// logPresenter renders the call UI as log lines.
type logPresenter struct {
	logger zerolog.Logger

	mu         sync.Mutex
	onIncoming func(caller string)
}

func newLogPresenter(logger *zerolog.Logger) *logPresenter {
	return &logPresenter{logger: logger.With().Str("module", "ui").Logger()}
}

// OnIncoming sets a hook run when an incoming call is shown.
func (p *logPresenter) OnIncoming(fn func(caller string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onIncoming = fn
}

func (p *logPresenter) ShowIncomingCall(caller string) {
	p.logger.Info().Str("caller", caller).Msg("incoming call")
	p.mu.Lock()
	fn := p.onIncoming
	p.mu.Unlock()
	if fn != nil {
		go fn(caller)
	}
}

func (p *logPresenter) ShowStatus(text string) {
	p.logger.Info().Msg(text)
}

func (p *logPresenter) ShowParticipants(names []string) {
	p.logger.Debug().Str("participants", strings.Join(names, ", ")).Msg("participants")
}

func (p *logPresenter) ShowTimer(elapsed string) {
	p.logger.Debug().Str("elapsed", elapsed).Msg("call timer")
}

func (p *logPresenter) PlayRingtone() { p.logger.Debug().Msg("ringtone on") }
func (p *logPresenter) StopRingtone() { p.logger.Debug().Msg("ringtone off") }

func (p *logPresenter) RequestNotificationPermission() {}

func (p *logPresenter) ShowAlert(text string) {
	p.logger.Error().Msg(text)
}

func (p *logPresenter) HideCall() {}
