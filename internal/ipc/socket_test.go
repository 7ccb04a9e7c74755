package ipc

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// MockHandler implements MessageHandler for testing
type MockHandler struct {
	mu          sync.Mutex
	stopCalls   int
	statusCalls int
	status      Status
	stopError   error
	statusError error
}

func (m *MockHandler) HandleStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return m.stopError
}

func (m *MockHandler) HandleStatus() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	return m.status, m.statusError
}

func startServer(t *testing.T, handler MessageHandler) *SocketServer {
	t.Helper()
	server := NewSocketServer(SocketPath(t.TempDir(), 4242), handler)
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("/run/user/1000/waymirror", 4242)
	if got != "/run/user/1000/waymirror/ctl-4242.sock" {
		t.Errorf("SocketPath() = %s", got)
	}
}

func TestSocketServerStartStop(t *testing.T) {
	handler := &MockHandler{}
	server := NewSocketServer(filepath.Join(t.TempDir(), "ctl.sock"), handler)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	info, err := os.Stat(server.Path())
	if err != nil {
		t.Fatalf("Socket file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Socket permissions = %o, want 600", perm)
	}

	// Starting again should not error
	if err := server.Start(); err != nil {
		t.Errorf("Start() on running server error = %v", err)
	}

	server.Stop()

	if _, err := os.Stat(server.Path()); !os.IsNotExist(err) {
		t.Error("Socket file was not cleaned up")
	}

	// Stopping again should not panic
	server.Stop()
}

func TestSocketServerCleanupExistingSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create stale socket file: %v", err)
	}
	file.Close()

	server := NewSocketServer(path, &MockHandler{})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	server.Stop()
}

func TestClientStop(t *testing.T) {
	handler := &MockHandler{}
	server := startServer(t, handler)

	client := NewClient(server.Path(), time.Second)
	if err := client.SendStop(); err != nil {
		t.Fatalf("SendStop() error = %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.stopCalls != 1 {
		t.Errorf("HandleStop called %d times, want 1", handler.stopCalls)
	}
}

func TestClientStopRefused(t *testing.T) {
	handler := &MockHandler{stopError: errors.New("already stopping")}
	server := startServer(t, handler)

	err := NewClient(server.Path(), time.Second).SendStop()
	if err == nil {
		t.Fatal("SendStop() should report the handler error")
	}
	if want := "instance error: already stopping"; err.Error() != want {
		t.Errorf("SendStop() error = %q, want %q", err, want)
	}
}

func TestClientStatus(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 30, 0, 250, time.UTC)
	handler := &MockHandler{status: Status{
		PID:        4242,
		Source:     "eDP-1",
		Targets:    []string{"HDMI-A-1", "DP-2"},
		State:      "running",
		Mode:       "fit",
		Cursor:     true,
		Workspaces: true,
		Started:    started,
		Frames:     1200,
		Dropped:    3,
	}}
	server := startServer(t, handler)

	status, err := NewClient(server.Path(), time.Second).SendStatus()
	if err != nil {
		t.Fatalf("SendStatus() error = %v", err)
	}

	if status.PID != 4242 || status.Source != "eDP-1" || status.State != "running" {
		t.Errorf("unexpected status %+v", status)
	}
	if len(status.Targets) != 2 || status.Targets[1] != "DP-2" {
		t.Errorf("Targets = %v", status.Targets)
	}
	if !status.Cursor || !status.Workspaces || status.Mode != "fit" {
		t.Errorf("flags not preserved: %+v", status)
	}
	if !status.Started.Equal(started) {
		t.Errorf("Started = %v, want %v", status.Started, started)
	}
	if status.Frames != 1200 || status.Dropped != 3 {
		t.Errorf("Frames/Dropped = %d/%d", status.Frames, status.Dropped)
	}
}

func TestClientNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)

	if err := client.SendStop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SendStop() error = %v, want ErrNotRunning", err)
	}
	if _, err := client.SendStatus(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SendStatus() error = %v, want ErrNotRunning", err)
	}
}

func TestSocketServerStopWithOpenConnection(t *testing.T) {
	server := NewSocketServer(filepath.Join(t.TempDir(), "ctl.sock"), &MockHandler{})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// An idle client must not keep Stop waiting
	conn, err := dialUnix(server.Path())
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		server.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("Stop() took too long")
	}
}
