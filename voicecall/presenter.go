/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package voicecall

// Presenter surfaces call state to the user. The controller only calls it
// and never reads state back. Calls may arrive from several goroutines.
type Presenter interface {
	ShowIncomingCall(initiatorName string)
	ShowStatus(text string)
	ShowParticipants(names []string)
	// ShowTimer receives the call duration as mm:ss.
	ShowTimer(mmss string)
	PlayRingtone()
	StopRingtone()
	RequestNotificationPermission()
	// ShowAlert shows the single user-facing failure message of a call.
	ShowAlert(text string)
	HideCall()
}

// NopPresenter discards everything.
type NopPresenter struct{}

func (NopPresenter) ShowIncomingCall(string)        {}
func (NopPresenter) ShowStatus(string)              {}
func (NopPresenter) ShowParticipants([]string)      {}
func (NopPresenter) ShowTimer(string)               {}
func (NopPresenter) PlayRingtone()                  {}
func (NopPresenter) StopRingtone()                  {}
func (NopPresenter) RequestNotificationPermission() {}
func (NopPresenter) ShowAlert(string)               {}
func (NopPresenter) HideCall()                      {}

// User-facing texts.
const (
	textCalling         = "Calling..."
	textConnecting      = "Connecting..."
	textConnected       = "Connected"
	textCallEnded       = "Call ended"
	textCallDeclined    = "Call declined"
	textNoAnswer        = "No answer"
	textCallFailed      = "Call failed"
	textConnectionLost  = "Connection lost"
	textMicrophoneAlert = "This application needs microphone access to make calls. Please enable microphone access and try again."
)
