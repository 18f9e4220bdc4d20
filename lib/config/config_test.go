// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadFileYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerdesk.yaml")
	content := `
paths:
  root: ` + dir + `
signaling:
  url: wss://directory.example.com/signal
transport:
  reconnect_grace: 5s
media:
  fps: 60
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if config.Signaling.URL != "wss://directory.example.com/signal" {
		t.Errorf("signaling.url = %q", config.Signaling.URL)
	}
	if config.Transport.ReconnectGrace.Std() != 5*time.Second {
		t.Errorf("reconnect_grace = %v", config.Transport.ReconnectGrace.Std())
	}
	if config.Media.FPS != 60 {
		t.Errorf("media.fps = %d", config.Media.FPS)
	}
	// Untouched fields keep their defaults.
	if config.Media.GOPSeconds != 2 {
		t.Errorf("media.gop_seconds = %d, want default 2", config.Media.GOPSeconds)
	}
	if config.Paths.State != filepath.Join(dir, "state") {
		t.Errorf("paths.state = %q, want expansion under root", config.Paths.State)
	}
}

func TestParseJSONC(t *testing.T) {
	content := `{
		// comments are allowed
		"session": {"remote_control": true, "connect_timeout": "10s",},
		"ice": {"servers": [{"urls": ["stun:stun.example.org:3478"]}], "policy": "all"},
	}`
	config, err := Parse([]byte(content), ".jsonc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !config.Session.RemoteControl {
		t.Error("session.remote_control not applied")
	}
	if config.Session.ConnectTimeout.Std() != 10*time.Second {
		t.Errorf("connect_timeout = %v", config.Session.ConnectTimeout.Std())
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRequiresSTUN(t *testing.T) {
	config := Default()
	config.ICE.Servers = []ICEServer{{URLs: []string{"turn:relay.example.org:3478"}, Username: "u", Credential: "p"}}
	err := config.Validate()
	if err == nil || !strings.Contains(err.Error(), "at least one stun") {
		t.Fatalf("Validate = %v, want missing stun error", err)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	config := Default()
	config.Signaling.URL = "http://wrong"
	config.ICE.Policy = "relay"
	config.ICE.Servers = []ICEServer{{URLs: []string{"stun:ok.example.org"}}, {URLs: []string{"turn:relay.example.org"}}}
	config.Session.RecoveryTimeout = 0

	err := config.Validate()
	if err == nil {
		t.Fatal("Validate succeeded")
	}
	for _, fragment := range []string{"ws:// or wss://", "needs username", "session.recovery_timeout"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q lacks %q", err, fragment)
		}
	}
}

func TestBadDuration(t *testing.T) {
	if _, err := Parse([]byte("session:\n  connect_timeout: soon\n"), ".yaml"); err == nil {
		t.Fatal("Parse accepted an invalid duration")
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), EnvironmentVariable) {
		t.Fatalf("Load = %v", err)
	}
}
