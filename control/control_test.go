/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/metrics"
	"github.com/tejzpr/roomcall-go-sdk/negotiation"
	"github.com/tejzpr/roomcall-go-sdk/voicecall"
)

type fakeController struct {
	state     string
	muted     bool
	initErr   error
	acceptErr error
	calls     []string
}

func (f *fakeController) Initiate(ctx context.Context) error {
	f.calls = append(f.calls, "call")
	if f.initErr == nil {
		f.state = "ringing-out"
	}
	return f.initErr
}

func (f *fakeController) Accept(ctx context.Context) error {
	f.calls = append(f.calls, "accept")
	return f.acceptErr
}

func (f *fakeController) Decline(ctx context.Context) error {
	f.calls = append(f.calls, "decline")
	return nil
}

func (f *fakeController) End(ctx context.Context) error {
	f.calls = append(f.calls, "end")
	f.state = "idle"
	return nil
}

func (f *fakeController) ToggleMute() (bool, error) {
	if f.state != "in-call" {
		return false, voicecall.ErrInvalidState
	}
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeController) Snapshot() voicecall.Snapshot {
	return voicecall.Snapshot{State: f.state, CallID: "42", Muted: f.muted}
}

func newTestServer(t *testing.T, ctrl *fakeController, reg *prometheus.Registry) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewHandler(ctrl, reg, nil).NewRouter())
	t.Cleanup(server.Close)
	return server
}

func TestStatus(t *testing.T) {
	server := newTestServer(t, &fakeController{state: "in-call"}, prometheus.NewRegistry())

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var snap voicecall.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.State != "in-call" || snap.CallID != "42" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestActions(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ctrl       *fakeController
		wantStatus int
	}{
		{"call", "/call", &fakeController{state: "idle"}, http.StatusOK},
		{"call while busy", "/call", &fakeController{initErr: voicecall.ErrCallActive}, http.StatusConflict},
		{"call before run", "/call", &fakeController{initErr: voicecall.ErrNotRunning}, http.StatusServiceUnavailable},
		{"accept ended call", "/accept", &fakeController{acceptErr: &chatsdk.NotFoundError{APIError: &chatsdk.APIError{StatusCode: 200}}}, http.StatusNotFound},
		{"accept without microphone", "/accept", &fakeController{acceptErr: &negotiation.MediaAccessError{Err: errors.New("denied")}}, http.StatusFailedDependency},
		{"accept network failure", "/accept", &fakeController{acceptErr: &chatsdk.NetworkError{Op: "POST", Err: errors.New("reset")}}, http.StatusBadGateway},
		{"decline", "/decline", &fakeController{}, http.StatusOK},
		{"end", "/end", &fakeController{state: "in-call"}, http.StatusOK},
		{"mute while idle", "/mute", &fakeController{state: "idle"}, http.StatusConflict},
		{"mute in call", "/mute", &fakeController{state: "in-call"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, tt.ctrl, prometheus.NewRegistry())

			resp, err := http.Post(server.URL+tt.path, "application/json", nil)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("Expected status %d, got %d: %s", tt.wantStatus, resp.StatusCode, body)
			}
		})
	}
}

func TestActions_WrongMethod(t *testing.T) {
	server := newTestServer(t, &fakeController{}, prometheus.NewRegistry())

	resp, err := http.Get(server.URL + "/end")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SignalSent(metrics.ChannelPush)
	server := newTestServer(t, &fakeController{}, reg)

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `roomcall_signals_sent_total{channel="push"} 1`) {
		t.Errorf("Expected signal counter in metrics output, got:\n%s", body)
	}
}
