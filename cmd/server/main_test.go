package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd(sdReady)
	if err == nil || !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("err = %v, want NOTIFY_SOCKET not set", err)
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "missing.sock"))

	err := notifySystemd(sdReady)
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("err = %v, want dial failed", err)
	}
}

func TestNotifySystemd_States(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	for _, state := range []string{sdReady, sdStopping} {
		if err := notifySystemd(state); err != nil {
			t.Fatalf("notifySystemd(%q) = %v, want nil", state, err)
		}
		buf := make([]byte, 64)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read from socket: %v", err)
		}
		if got := string(buf[:n]); got != state {
			t.Errorf("payload = %q, want %q", got, state)
		}
	}
}
