/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "roomcall dev") {
		t.Errorf("Expected version output, got %q", out.String())
	}
}

func TestListen_RequiresRoom(t *testing.T) {
	root := newRootCmd()
	path := filepath.Join(t.TempDir(), "config.yaml")
	root.SetArgs([]string{"listen", "--config", path, "--log-level", "error"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "room_id") {
		t.Errorf("Expected missing room_id error, got %v", err)
	}
}

func TestIceServers(t *testing.T) {
	if got := iceServers(nil); got != nil {
		t.Errorf("Expected no ICE servers, got %v", got)
	}
	got := iceServers([]string{"stun:a", "stun:b"})
	if len(got) != 1 || len(got[0].URLs) != 2 {
		t.Errorf("Expected one server with two URLs, got %v", got)
	}
}
