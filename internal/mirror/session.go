// Package mirror runs a mirror session: one capture of the source output
// fanned out to an overlay surface on every target output.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/gpu"
	"github.com/bnema/waymirror/internal/instance"
	"github.com/bnema/waymirror/internal/ipc"
	"github.com/bnema/waymirror/internal/logger"
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/present"
	"github.com/bnema/waymirror/internal/render"
	"github.com/bnema/waymirror/internal/wayland"
	"github.com/bnema/waymirror/internal/workspace"
)

var (
	// ErrNoTargets means every target output failed
	ErrNoTargets = errors.New("no target output left to mirror to")
	// ErrSourceDisconnected means the source output was unplugged
	ErrSourceDisconnected = errors.New("source output disconnected")
)

// State is the lifecycle position of a Session
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Conn is the compositor connection as seen by the loop
type Conn interface {
	Events() <-chan *wayland.Event
	Dispatch(ev *wayland.Event) error
	Err() error
}

// Surface is the presentation surface of one target
type Surface interface {
	Name() string
	Ready() bool
	Closed() bool
	Busy() bool
	Acquire() (gpu.Target, error)
	Present(target gpu.Target) error
	ResetBuffers()
	Destroy()
	Stats() present.Stats
}

type target struct {
	name    string
	surface Surface
}

// Session is one running mirror. Everything except the control entry
// points is owned by the goroutine running Run.
type Session struct {
	opts    Options
	conn    Conn
	outputs *output.Registry

	capture  *capture.Session
	dev      gpu.Device
	renderer *render.Renderer

	targets    []*target
	newSurface func(name string) (Surface, error)
	// pendingAdd holds target outputs announced while running
	pendingAdd []string

	store  *instance.Store
	claim  *instance.Claim
	guard  *workspace.Guard
	server *ipc.SocketServer
	// newBackend replaces workspace.NewBackend when set
	newBackend func(kind display.Kind) (workspace.Backend, error)

	control chan request
	done    chan struct{}
	cursor  <-chan display.CursorPosition
	pointer *display.CursorPosition

	state    State
	stopping bool
	stopErr  error
	started  time.Time

	// deviceReset is set after a reset until a frame renders without loss
	deviceReset bool
	dropped     uint64

	// cleanup runs last during teardown, for resources owned by Start
	cleanup []func()
}

// State returns the lifecycle state. It must be called from the loop
// goroutine, or after Run returned.
func (s *Session) State() State {
	return s.state
}

// Targets returns the names of the live targets
func (s *Session) Targets() []string {
	names := make([]string, 0, len(s.targets))
	for _, t := range s.targets {
		names = append(names, t.name)
	}
	return names
}

// Run drives the session until it stops, then tears it down. It returns
// the reason for stopping, nil for a requested stop.
func (s *Session) Run(ctx context.Context) error {
	s.state = StateRunning
	logger.Info("Mirroring", "source", s.opts.Source, "targets", s.Targets(), "scale", s.renderer.Mode())

	s.pump()
	events := s.conn.Events()
	for !s.stopping {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted, stopping")
			s.stop(nil)
		case ev, ok := <-events:
			if !ok {
				s.stop(fmt.Errorf("compositor connection lost: %w", s.conn.Err()))
				break
			}
			if err := s.conn.Dispatch(ev); err != nil {
				s.stop(fmt.Errorf("protocol error: %w", err))
			}
		case req := <-s.control:
			s.handle(req)
		case pos, ok := <-s.cursor:
			if !ok {
				s.cursor = nil
				break
			}
			s.pointer = &pos
		}
		if !s.stopping {
			s.pump()
		}
	}

	s.teardown()
	return s.stopErr
}

// pump advances the pipeline after every wakeup of the loop
func (s *Session) pump() {
	s.applyTopology()
	if s.stopping {
		return
	}

	if err := s.capture.Err(); err != nil {
		s.stop(fmt.Errorf("%s: %w", s.opts.Source, err))
		return
	}
	if frame, ok := s.capture.Take(); ok {
		s.render(frame)
	}
	if s.stopping {
		return
	}

	if s.capture.State() == capture.StateIdle && s.wantsFrame() {
		if err := s.capture.Request(); err != nil {
			logger.Warn("Failed to request frame", "source", s.opts.Source, "error", err)
		}
	}
}

// wantsFrame paces capture on the fastest target
func (s *Session) wantsFrame() bool {
	for _, t := range s.targets {
		if t.surface.Ready() && !t.surface.Busy() {
			return true
		}
	}
	return false
}

func (s *Session) render(frame *capture.Frame) {
	tex, err := gpu.ImportFrame(s.dev, frame)
	if err != nil {
		if errors.Is(err, gpu.ErrDeviceLost) {
			if !s.resetDevice() {
				s.stop(fmt.Errorf("failed to import frame: %w", err))
			}
			return
		}
		s.dropped++
		logger.Debug("Dropped frame", "seq", frame.Seq, "error", err)
		return
	}

	ptr := s.mapPointer(tex)
	var lost []*target
	for _, t := range append([]*target(nil), s.targets...) {
		if !t.surface.Ready() {
			continue
		}
		buf, err := t.surface.Acquire()
		if errors.Is(err, present.ErrBusy) {
			continue
		}
		if err != nil {
			s.failTarget(t, err)
			continue
		}

		if err := s.renderer.Composite(t.name, buf, tex, frame.YInverted(), ptr); err != nil {
			var rerr *render.RenderError
			if errors.As(err, &rerr) && rerr.DeviceLost() {
				lost = append(lost, t)
				continue
			}
			s.failTarget(t, err)
			continue
		}
		if err := t.surface.Present(buf); err != nil {
			s.failTarget(t, err)
		}
	}
	tex.Destroy()

	if len(lost) == 0 {
		s.deviceReset = false
		return
	}
	if s.resetDevice() {
		return
	}
	for _, t := range lost {
		s.failTarget(t, fmt.Errorf("render: %w", gpu.ErrDeviceLost))
	}
}

// resetDevice recreates the GPU context once per loss. It reports false
// when a reset was already tried without a good frame since.
func (s *Session) resetDevice() bool {
	if s.deviceReset {
		return false
	}
	s.deviceReset = true

	for _, t := range s.targets {
		t.surface.ResetBuffers()
	}
	s.renderer.Reset()
	if err := s.dev.Reset(); err != nil {
		logger.Error("Failed to recreate GPU context", "error", err)
		return false
	}
	logger.Warn("GPU context recreated")
	return true
}

func (s *Session) mapPointer(tex gpu.Texture) *render.Pointer {
	if s.pointer == nil {
		return nil
	}
	src, err := s.outputs.Resolve(s.opts.Source)
	if err != nil {
		return nil
	}
	p, ok := render.MapPointer(src, tex.Width(), tex.Height(), s.pointer.X, s.pointer.Y)
	if !ok {
		return nil
	}
	return &p
}

// applyTopology adds announced outputs and drops closed surfaces
func (s *Session) applyTopology() {
	for _, t := range append([]*target(nil), s.targets...) {
		if t.surface.Closed() {
			s.failTarget(t, present.ErrClosed)
		}
	}

	pending := s.pendingAdd
	s.pendingAdd = nil
	for _, name := range pending {
		if s.stopping {
			return
		}
		if err := s.addTarget(name); err != nil {
			logger.Warn("Not mirroring to new output", "output", name, "error", err)
		}
	}
	if len(s.targets) == 0 && len(pending) > 0 {
		s.stop(ErrNoTargets)
	}
}

func (s *Session) outputAdded(o output.Output) {
	if o.Name == s.opts.Source || s.hasTarget(o.Name) || !s.wantsOutput(o.Name) {
		return
	}
	s.pendingAdd = append(s.pendingAdd, o.Name)
}

// wantsOutput reports whether a connected output should become a target.
// Named targets come back when they reconnect.
func (s *Session) wantsOutput(name string) bool {
	if s.opts.autoTargets() {
		return true
	}
	for _, n := range s.opts.Targets {
		if n == name {
			return true
		}
	}
	return false
}

func (s *Session) outputRemoved(o output.Output) {
	if o.Name == s.opts.Source {
		logger.Warn("Source output disconnected", "output", o.Name)
		s.stop(fmt.Errorf("%s: %w", o.Name, ErrSourceDisconnected))
		return
	}
	for _, t := range s.targets {
		if t.name == o.Name {
			s.removeTarget(t, "output disconnected")
			if len(s.targets) == 0 {
				logger.Info("No target output connected, waiting", "source", s.opts.Source)
			}
			return
		}
	}
}

func (s *Session) hasTarget(name string) bool {
	for _, t := range s.targets {
		if t.name == name {
			return true
		}
	}
	for _, n := range s.pendingAdd {
		if n == name {
			return true
		}
	}
	return false
}

// addTarget claims name and creates its surface
func (s *Session) addTarget(name string) error {
	if s.claim != nil {
		if err := s.store.Update(s.claim, append(s.Targets(), name)); err != nil {
			return err
		}
	}
	surface, err := s.newSurface(name)
	if err != nil {
		s.updateClaim()
		return err
	}
	s.targets = append(s.targets, &target{name: name, surface: surface})
	logger.Info("Mirroring to new output", "output", name)
	return nil
}

// failTarget removes a target that broke. The session stops when none is
// left.
func (s *Session) failTarget(t *target, err error) {
	if !s.dropTarget(t) {
		return
	}
	logger.Warn("Target removed", "output", t.name, "error", err)

	if len(s.targets) == 0 && s.pendingAdd == nil {
		s.stop(ErrNoTargets)
	}
}

// removeTarget removes a target that went away. Capture pauses while no
// target is left.
func (s *Session) removeTarget(t *target, reason string) {
	if s.dropTarget(t) {
		logger.Info("Target removed", "output", t.name, "reason", reason)
	}
}

func (s *Session) dropTarget(t *target) bool {
	idx := -1
	for i, candidate := range s.targets {
		if candidate == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	t.surface.Destroy()
	s.targets = append(s.targets[:idx], s.targets[idx+1:]...)
	s.updateClaim()
	return true
}

func (s *Session) updateClaim() {
	if s.claim == nil {
		return
	}
	if err := s.store.Update(s.claim, s.Targets()); err != nil {
		logger.Debug("Failed to update instance marker", "error", err)
	}
}

// stop moves the session to Stopping. The first reason wins.
func (s *Session) stop(err error) {
	if s.stopping {
		return
	}
	s.stopping = true
	s.stopErr = err
	s.state = StateStopping
}

// teardown releases everything in reverse order of acquisition
func (s *Session) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Control requests from here on are answered without the loop
	close(s.done)

	for _, t := range s.targets {
		t.surface.Destroy()
	}
	s.targets = nil
	if s.capture != nil {
		s.capture.Close()
	}
	if s.renderer != nil {
		s.renderer.Close()
	}

	if s.guard != nil {
		if err := s.guard.Release(ctx); err != nil {
			logger.Warn("Failed to restore workspaces", "error", err)
		} else if s.opts.Workspaces {
			logger.Info("Restored workspaces")
		}
	}
	if s.server != nil {
		s.server.Stop()
	}
	if s.claim != nil {
		if err := s.claim.Release(); err != nil {
			logger.Warn("Failed to remove instance marker", "error", err)
		}
	}
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}

	if s.state != StateStarting {
		logger.Info("Stopped", "frames", s.capture.Stats().Ready, "dropped", s.dropped)
	}
	s.state = StateStopped
}

// status builds the answer to a status request
func (s *Session) status() ipc.Status {
	st := ipc.Status{
		PID:        os.Getpid(),
		Source:     s.opts.Source,
		Targets:    s.Targets(),
		State:      s.state.String(),
		Mode:       s.renderer.Mode().String(),
		Cursor:     s.opts.Cursor,
		Workspaces: s.guard != nil && s.opts.Workspaces,
		Started:    s.started,
		Frames:     s.capture.Stats().Ready,
		Dropped:    s.dropped,
	}
	for _, t := range s.targets {
		st.Dropped += t.surface.Stats().Dropped
	}
	return st
}
