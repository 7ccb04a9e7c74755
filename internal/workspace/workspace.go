// Package workspace gathers every workspace onto the mirrored output while
// a session runs and puts them back afterwards.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/logger"
	"gopkg.in/yaml.v3"
)

// Snapshot is the workspace layout before a session moved anything
type Snapshot struct {
	Compositor string `yaml:"compositor"`
	Source     string `yaml:"source"`
	Focused    string `yaml:"focused,omitempty"`
	// Outputs maps workspace name to its original output
	Outputs map[string]string `yaml:"outputs"`
	Taken   time.Time         `yaml:"taken"`
}

// SnapshotPath returns where the instance with pid persists its snapshot
func SnapshotPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("workspaces-%d.yaml", pid))
}

// SnapshotPIDs lists the pids that left a snapshot in dir
func SnapshotPIDs(dir string) ([]int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "workspaces-*.yaml"))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, path := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "workspaces-"), ".yaml")
		pid, err := strconv.Atoi(name)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Save writes s to path atomically
func (s Snapshot) Save(path string) error {
	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("failed to encode workspace snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write workspace snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write workspace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by Save
func LoadSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse workspace snapshot %s: %w", path, err)
	}
	return s, nil
}

// Coordinator moves workspaces through a Backend. A disabled coordinator
// does nothing.
type Coordinator struct {
	backend Backend
}

// NewCoordinator returns a coordinator over b. A nil b disables it.
func NewCoordinator(b Backend) *Coordinator {
	return &Coordinator{backend: b}
}

// Enabled reports whether workspaces will be moved
func (c *Coordinator) Enabled() bool {
	return c != nil && c.backend != nil
}

// Capture records where every workspace lives now
func (c *Coordinator) Capture(ctx context.Context, source string) (Snapshot, error) {
	snap := Snapshot{Source: source, Outputs: map[string]string{}, Taken: time.Now()}
	if !c.Enabled() {
		return snap, nil
	}
	snap.Compositor = c.backend.Kind().String()

	workspaces, err := c.backend.Workspaces(ctx)
	if err != nil {
		return snap, err
	}
	for _, ws := range workspaces {
		snap.Outputs[ws.Name] = ws.Output
		if ws.Focused {
			snap.Focused = ws.Name
		}
	}
	return snap, nil
}

// MoveAllToward moves every workspace of snap that is not on its source
// onto the source. Failures are collected and do not stop the others.
func (c *Coordinator) MoveAllToward(ctx context.Context, snap Snapshot) error {
	if !c.Enabled() {
		return nil
	}

	var errs []error
	moved := 0
	for _, name := range sortedNames(snap.Outputs) {
		if snap.Outputs[name] == snap.Source {
			continue
		}
		if err := c.backend.Move(ctx, name, snap.Source); err != nil {
			logger.Warn("Failed to move workspace", "workspace", name, "output", snap.Source, "error", err)
			errs = append(errs, err)
			continue
		}
		moved++
	}

	// Moving changes focus
	if moved > 0 {
		c.refocus(ctx, snap)
	}
	logger.Debug("Moved workspaces", "count", moved, "output", snap.Source)
	return errors.Join(errs...)
}

// Restore puts moved workspaces back. Workspaces that no longer exist are
// skipped. Calling it again is harmless.
func (c *Coordinator) Restore(ctx context.Context, snap Snapshot) error {
	if !c.Enabled() {
		return nil
	}

	current, err := c.backend.Workspaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to read workspaces: %w", err)
	}

	var errs []error
	for _, ws := range current {
		original, ok := snap.Outputs[ws.Name]
		if !ok || original == snap.Source || ws.Output == original {
			continue
		}
		if ws.Output != snap.Source {
			// Moved elsewhere by the user while mirroring
			continue
		}
		if err := c.backend.Move(ctx, ws.Name, original); err != nil {
			logger.Warn("Failed to restore workspace", "workspace", ws.Name, "output", original, "error", err)
			errs = append(errs, err)
		}
	}

	c.refocus(ctx, snap)
	return errors.Join(errs...)
}

func (c *Coordinator) refocus(ctx context.Context, snap Snapshot) {
	if snap.Focused == "" {
		return
	}
	if err := c.backend.Focus(ctx, snap.Focused); err != nil {
		logger.Debug("Failed to refocus workspace", "workspace", snap.Focused, "error", err)
	}
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sortNatural(names)
	return names
}

// sortNatural orders numbered workspaces numerically, then the rest by name
func sortNatural(names []string) {
	sort.Slice(names, func(i, j int) bool {
		a, errA := strconv.Atoi(names[i])
		b, errB := strconv.Atoi(names[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return names[i] < names[j]
	})
}

// Guard holds workspaces on the source for the lifetime of a session
type Guard struct {
	coord *Coordinator
	snap  Snapshot
	path  string

	mu       sync.Mutex
	released bool
}

// Acquire captures the layout, persists it to path and moves everything
// onto source. A failed move is logged; the guard still restores what did
// move.
func Acquire(ctx context.Context, c *Coordinator, source, path string) (*Guard, error) {
	g := &Guard{coord: c, path: path}
	if !c.Enabled() {
		return g, nil
	}

	snap, err := c.Capture(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to capture workspaces: %w", err)
	}
	g.snap = snap

	if path != "" {
		if err := snap.Save(path); err != nil {
			return nil, err
		}
	}

	if err := c.MoveAllToward(ctx, snap); err != nil {
		logger.Warn("Some workspaces could not be moved", "error", err)
	}
	return g, nil
}

// Snapshot returns the layout captured by Acquire
func (g *Guard) Snapshot() Snapshot {
	return g.snap
}

// Release restores the layout and removes the persisted snapshot. After a
// failed restore the snapshot stays on disk and a later call retries.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released || !g.coord.Enabled() {
		return nil
	}

	if err := g.coord.Restore(ctx, g.snap); err != nil {
		if g.path != "" {
			return fmt.Errorf("%w (snapshot kept at %s)", err, g.path)
		}
		return err
	}
	g.released = true
	if g.path != "" {
		if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// RestoreFile restores a snapshot left behind by an instance that did not
// shut down cleanly, then removes it. A missing file is not an error.
func RestoreFile(ctx context.Context, path string, runner Runner) error {
	snap, err := LoadSnapshot(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	kind, err := display.ParseKind(snap.Compositor)
	if err != nil {
		return err
	}
	backend, err := NewBackend(kind, runner)
	if err != nil {
		os.Remove(path)
		return err
	}
	if err := NewCoordinator(backend).Restore(ctx, snap); err != nil {
		return err
	}
	return os.Remove(path)
}
