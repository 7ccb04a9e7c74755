// Package instance records running mirror sessions in the runtime
// directory so overlapping launches are refused and --stop can find them.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bnema/waymirror/internal/logger"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// ErrAlreadyRunning means a live instance already mirrors one of the outputs
var ErrAlreadyRunning = errors.New("waymirror is already running")

// ConflictError names the instance and outputs that overlap
type ConflictError struct {
	PID     int
	Outputs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("waymirror is already running as pid %d on %s", e.PID, strings.Join(e.Outputs, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrAlreadyRunning
}

// Marker is the on-disk record of one running instance
type Marker struct {
	PID     int       `yaml:"pid"`
	Source  string    `yaml:"source"`
	Targets []string  `yaml:"targets"`
	Socket  string    `yaml:"socket"`
	Started time.Time `yaml:"started"`
}

// Outputs returns the source followed by the targets
func (m Marker) Outputs() []string {
	return append([]string{m.Source}, m.Targets...)
}

// Overlap returns the outputs m shares with other
func (m Marker) Overlap(other Marker) []string {
	mine := make(map[string]bool)
	for _, name := range m.Outputs() {
		mine[name] = true
	}
	var shared []string
	for _, name := range other.Outputs() {
		if mine[name] {
			shared = append(shared, name)
			delete(mine, name)
		}
	}
	return shared
}

// Dir returns the runtime directory shared by all instances of the user
func Dir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "waymirror")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("waymirror-%d", os.Getuid()))
}

// Store manages the markers in one directory
type Store struct {
	dir string
}

// NewStore opens dir, creating it when missing
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory of the store
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) markerPath(pid int) string {
	return filepath.Join(s.dir, fmt.Sprintf("instance-%d.yaml", pid))
}

// lock serializes claims between processes
func (s *Store) lock() (func(), error) {
	f, err := os.OpenFile(filepath.Join(s.dir, ".lock"), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock runtime directory: %w", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// Claim is held by a running instance. Its marker stays locked until
// Release.
type Claim struct {
	Marker Marker
	path   string
	file   *os.File
}

// Claim records m unless a live instance already uses one of its outputs
func (s *Store) Claim(m Marker) (*Claim, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	live, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, other := range live {
		if other.PID == m.PID {
			continue
		}
		if shared := m.Overlap(other); len(shared) > 0 {
			return nil, &ConflictError{PID: other.PID, Outputs: shared}
		}
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode marker: %w", err)
	}

	path := s.markerPath(m.PID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create marker: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock marker: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write marker: %w", err)
	}

	logger.Debug("Claimed outputs", "pid", m.PID, "outputs", m.Outputs())
	return &Claim{Marker: m, path: path, file: f}, nil
}

// Update replaces the targets of a held claim. Targets that another live
// instance already uses are refused with ErrAlreadyRunning.
func (s *Store) Update(c *Claim, targets []string) error {
	if c.file == nil {
		return fmt.Errorf("claim of pid %d already released", c.Marker.PID)
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	next := c.Marker
	next.Targets = append([]string(nil), targets...)

	live, err := s.list()
	if err != nil {
		return err
	}
	for _, other := range live {
		if other.PID == next.PID {
			continue
		}
		if shared := next.Overlap(other); len(shared) > 0 {
			return &ConflictError{PID: other.PID, Outputs: shared}
		}
	}

	data, err := yaml.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode marker: %w", err)
	}
	if err := c.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to rewrite marker: %w", err)
	}
	if _, err := c.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to rewrite marker: %w", err)
	}
	c.Marker = next
	return nil
}

// Release removes the marker. It is idempotent.
func (c *Claim) Release() error {
	if c.file == nil {
		return nil
	}
	err := os.Remove(c.path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	c.file.Close()
	c.file = nil
	return err
}

// List returns the markers of live instances, oldest first. Markers left
// behind by dead instances are removed.
func (s *Store) List() ([]Marker, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.list()
}

// Find returns the live marker of pid
func (s *Store) Find(pid int) (Marker, bool, error) {
	markers, err := s.List()
	if err != nil {
		return Marker{}, false, err
	}
	for _, m := range markers {
		if m.PID == pid {
			return m, true, nil
		}
	}
	return Marker{}, false, nil
}

// Remove deletes the marker of pid, for instances that were stopped
// from outside
func (s *Store) Remove(pid int) error {
	err := os.Remove(s.markerPath(pid))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) list() ([]Marker, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "instance-*.yaml"))
	if err != nil {
		return nil, err
	}

	var markers []Marker
	for _, path := range paths {
		m, err := readMarker(path)
		if err != nil {
			logger.Warn("Removing unreadable marker", "path", path, "error", err)
			os.Remove(path)
			continue
		}
		if !locked(path) {
			logger.Debug("Removing stale marker", "pid", m.PID)
			os.Remove(path)
			continue
		}
		markers = append(markers, m)
	}

	sort.Slice(markers, func(i, j int) bool {
		return markers[i].Started.Before(markers[j].Started)
	})
	return markers, nil
}

func readMarker(path string) (Marker, error) {
	var m Marker
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.PID <= 0 {
		return m, fmt.Errorf("marker without pid")
	}
	return m, nil
}

// locked reports whether the owner of the marker still holds its lock
func locked(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false
	}
	return errors.Is(err, unix.EWOULDBLOCK)
}
