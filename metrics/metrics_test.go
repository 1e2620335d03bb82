/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SignalSent(ChannelPush)
	m.SignalSent(ChannelPush)
	m.SignalSent(ChannelHTTP)
	m.SignalReceived(ChannelPoll)
	m.SignalSendFailed()
	m.StatusPollFailed()
	m.PushReconnected()
	m.CallStarted()
	m.CallFinished("declined")

	if got := testutil.ToFloat64(m.signalsSent.WithLabelValues(ChannelPush)); got != 2 {
		t.Errorf("Expected 2 push sends, got %v", got)
	}
	if got := testutil.ToFloat64(m.signalsSent.WithLabelValues(ChannelHTTP)); got != 1 {
		t.Errorf("Expected 1 http send, got %v", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("declined")); got != 1 {
		t.Errorf("Expected 1 declined call, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeCalls); got != 0 {
		t.Errorf("Expected active gauge 0, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 7 {
		t.Errorf("Expected 7 metric families, got %d", len(families))
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.SignalSent(ChannelPush)
	m.SignalReceived(ChannelPush)
	m.SignalSendFailed()
	m.StatusPollFailed()
	m.PushReconnected()
	m.CallStarted()
	m.CallFinished("completed")
}
