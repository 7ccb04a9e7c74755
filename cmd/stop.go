package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bnema/waymirror/internal/config"
	"github.com/bnema/waymirror/internal/instance"
	"github.com/bnema/waymirror/internal/ipc"
	"github.com/bnema/waymirror/internal/logger"
	"github.com/bnema/waymirror/internal/ui"
	"github.com/bnema/waymirror/internal/workspace"
)

// stopPoll is how often a stopping instance is checked for exit
const stopPoll = 50 * time.Millisecond

// stopper stops running instances and cleans up after dead ones
type stopper struct {
	out     io.Writer
	dir     string
	timeout time.Duration
	runner  workspace.Runner

	// terminate and isWaymirror are swapped in tests
	terminate   func(ctx context.Context, pid int) error
	isWaymirror func(pid int) bool
}

func newStopper(out io.Writer, cfg *config.Config) *stopper {
	return &stopper{
		out:         out,
		dir:         instance.Dir(),
		timeout:     time.Duration(cfg.Control.StopTimeout) * time.Second,
		runner:      workspace.ExecRunner{},
		terminate:   instance.Terminate,
		isWaymirror: instance.IsWaymirror,
	}
}

// stopAll stops every live instance. It fails with ExitNotRunning when
// there was nothing to stop.
func (s *stopper) stopAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := instance.NewStore(s.dir)
	if err != nil {
		return err
	}

	// Listing also drops markers of instances that died
	markers, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to read instance markers: %w", err)
	}

	var errs []error
	for _, m := range markers {
		if err := s.stopOne(ctx, store, m); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", m.PID, err))
			continue
		}
		fmt.Fprintf(s.out, "%s Stopped mirror %s\n",
			ui.SuccessStyle.Render(ui.IconSuccess), ui.FormatRoute(m.Source, m.Targets))
	}

	restored := s.restoreOrphans(ctx, store)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if len(markers) == 0 {
		if restored > 0 {
			fmt.Fprintf(s.out, "%s Restored workspaces left by a crashed instance\n",
				ui.SuccessStyle.Render(ui.IconSuccess))
		}
		fmt.Fprintln(s.out, ui.WarningStyle.Render("waymirror is not running"))
		return &ExitError{Code: ExitNotRunning}
	}
	return nil
}

// stopOne asks m to stop over its socket and waits until its marker is
// gone. An instance that does not answer gets SIGTERM.
func (s *stopper) stopOne(ctx context.Context, store *instance.Store, m instance.Marker) error {
	if !s.isWaymirror(m.PID) {
		return fmt.Errorf("pid %d is not a waymirror process, not signalling it", m.PID)
	}

	client := ipc.NewClient(m.Socket, s.timeout)
	err := client.SendStop()
	if err == nil {
		if s.waitGone(ctx, store, m.PID) {
			return nil
		}
		logger.Warn("Instance acknowledged but did not exit", "pid", m.PID)
	} else {
		logger.Debug("Control socket failed, signalling", "pid", m.PID, "error", err)
	}

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.terminate(tctx, m.PID); err != nil {
		return err
	}
	if s.waitGone(ctx, store, m.PID) {
		return nil
	}

	// The process is gone but did not clean up
	if err := workspace.RestoreFile(ctx, workspace.SnapshotPath(s.dir, m.PID), s.runner); err != nil {
		logger.Warn("Failed to restore workspaces", "pid", m.PID, "error", err)
	}
	return store.Remove(m.PID)
}

// waitGone polls until the marker of pid disappears or the timeout ends
func (s *stopper) waitGone(ctx context.Context, store *instance.Store, pid int) bool {
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(stopPoll)
	defer tick.Stop()

	for {
		if _, found, err := store.Find(pid); err == nil && !found {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// restoreOrphans restores snapshots whose instance no longer runs. It
// returns how many were restored.
func (s *stopper) restoreOrphans(ctx context.Context, store *instance.Store) int {
	pids, err := workspace.SnapshotPIDs(s.dir)
	if err != nil {
		logger.Debug("Failed to list workspace snapshots", "error", err)
		return 0
	}

	restored := 0
	for _, pid := range pids {
		if _, live, err := store.Find(pid); err != nil || live {
			continue
		}
		logger.Info("Restoring workspaces of dead instance", "pid", pid)
		if err := workspace.RestoreFile(ctx, workspace.SnapshotPath(s.dir, pid), s.runner); err != nil {
			logger.Warn("Failed to restore workspaces", "pid", pid, "error", err)
			continue
		}
		restored++
	}
	return restored
}
