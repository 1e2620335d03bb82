/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package metrics holds the prometheus collectors for signaling traffic and
// call outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery channels used as the "channel" label.
const (
	ChannelPush = "push"
	ChannelHTTP = "http"
	ChannelPoll = "poll"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	activeCalls       prometheus.Gauge
	signalsSent       *prometheus.CounterVec
	signalsReceived   *prometheus.CounterVec
	signalSendFailure prometheus.Counter
	pollFailures      prometheus.Counter
	calls             *prometheus.CounterVec
	pushReconnects    prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcall_active_calls",
			Help: "Whether a call session is currently held by this client",
		}),
		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcall_signals_sent_total",
			Help: "Signaling messages delivered to the backend, by channel",
		}, []string{"channel"}),
		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcall_signals_received_total",
			Help: "Distinct signaling messages received, by channel",
		}, []string{"channel"}),
		signalSendFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcall_signal_send_failures_total",
			Help: "Failed signaling delivery attempts that were re-queued",
		}),
		pollFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcall_status_poll_failures_total",
			Help: "Failed call status polls",
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcall_calls_total",
			Help: "Finished call sessions, by outcome",
		}, []string{"outcome"}),
		pushReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcall_push_reconnects_total",
			Help: "Push channel reconnect attempts",
		}),
	}
}

func (m *Metrics) SignalSent(channel string) {
	if m == nil {
		return
	}
	m.signalsSent.WithLabelValues(channel).Inc()
}

func (m *Metrics) SignalReceived(channel string) {
	if m == nil {
		return
	}
	m.signalsReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) SignalSendFailed() {
	if m == nil {
		return
	}
	m.signalSendFailure.Inc()
}

func (m *Metrics) StatusPollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

func (m *Metrics) PushReconnected() {
	if m == nil {
		return
	}
	m.pushReconnects.Inc()
}

// CallStarted marks a session as held.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.activeCalls.Set(1)
}

// CallFinished records the outcome of a session (completed, declined,
// missed, failed) and clears the active gauge.
func (m *Metrics) CallFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeCalls.Set(0)
	m.calls.WithLabelValues(outcome).Inc()
}
