package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ProcessName is the command name a waymirror process reports in /proc
const ProcessName = "waymirror"

// procRoot is swapped in tests
var procRoot = "/proc"

// Command returns the command name of pid
func Command(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, fmt.Sprint(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// IsWaymirror reports whether pid is alive and runs waymirror. It guards
// against signalling a process that reused the pid of a dead instance.
func IsWaymirror(pid int) bool {
	if pid <= 0 {
		return false
	}
	name, err := Command(pid)
	if err != nil {
		return false
	}
	return name == ProcessName
}

// Alive reports whether a process with pid exists
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM to a waymirror process and waits until it exits
// or ctx ends
func Terminate(ctx context.Context, pid int) error {
	if !IsWaymirror(pid) {
		return fmt.Errorf("pid %d is not a waymirror process", pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for Alive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d did not exit: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
