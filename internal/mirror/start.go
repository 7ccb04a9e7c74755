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
	"github.com/bnema/waymirror/internal/workspace"
)

// cursorInterval is how often the compositor is polled for the pointer
const cursorInterval = 8 * time.Millisecond

// Options configure a session
type Options struct {
	Source string
	// Targets lists target outputs. Empty mirrors to every other output,
	// including ones connected later.
	Targets    []string
	Mode       render.Mode
	Cursor     bool
	Workspaces bool
	Background [4]float32
	Buffers    int
	RenderNode string
	// Compositor overrides detection when not display.KindUnknown
	Compositor display.Kind
	// RuntimeDir holds instance markers, sockets and snapshots
	RuntimeDir string
}

func (o Options) autoTargets() bool {
	return len(o.Targets) == 0
}

// ResolveTargets checks the source and target names against reg and
// returns the target set
func ResolveTargets(reg *output.Registry, source string, targets []string) ([]string, error) {
	if _, err := reg.Resolve(source); err != nil {
		return nil, err
	}

	if len(targets) == 0 {
		var names []string
		for _, o := range reg.Others(source) {
			names = append(names, o.Name)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: %s is the only output", ErrNoTargets, source)
		}
		return names, nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, name := range targets {
		if name == source {
			return nil, fmt.Errorf("output %s cannot mirror itself", name)
		}
		if _, err := reg.Resolve(name); err != nil {
			return nil, err
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// Start connects to the compositor and brings a session up to the point
// where Run can take over. Nothing is changed on the desktop if it fails
// before the workspaces are moved, which is its last step.
func Start(ctx context.Context, opts Options) (*Session, error) {
	d, err := display.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to compositor: %w", err)
	}
	if err := d.Require(); err != nil {
		d.Close()
		return nil, err
	}

	targets, err := ResolveTargets(d.Outputs, opts.Source, opts.Targets)
	if err != nil {
		d.Close()
		return nil, err
	}

	s := &Session{
		opts:    opts,
		conn:    d.Wayland(),
		outputs: d.Outputs,
		control: make(chan request),
		done:    make(chan struct{}),
		state:   StateStarting,
		cleanup: []func(){func() { d.Close() }},
	}
	if err := s.init(ctx, d, targets); err != nil {
		s.teardown()
		return nil, err
	}
	return s, nil
}

func (s *Session) init(ctx context.Context, d *display.Display, targets []string) error {
	pid := os.Getpid()
	return s.bringUp(ctx, pid, targets, func(ctx context.Context) (display.Kind, error) {
		return s.initPipeline(ctx, d, pid, targets)
	})
}

// bringUp claims the outputs, builds the pipeline and moves workspaces, in
// that order. A refused claim or a broken pipeline leaves the desktop as it
// was.
func (s *Session) bringUp(ctx context.Context, pid int, targets []string, pipeline func(context.Context) (display.Kind, error)) error {
	if err := s.initClaim(pid, targets); err != nil {
		return err
	}

	kind, err := pipeline(ctx)
	if err != nil {
		return err
	}

	if s.opts.Workspaces {
		s.initWorkspaces(ctx, kind, pid)
	}
	s.started = time.Now()
	return nil
}

// initPipeline opens the GPU and sets up capture, rendering and one
// surface per target. It returns the compositor kind.
func (s *Session) initPipeline(ctx context.Context, d *display.Display, pid int, targets []string) (display.Kind, error) {
	opts := s.opts

	dev, err := gpu.Open(opts.RenderNode)
	if err != nil {
		return display.KindUnknown, fmt.Errorf("failed to open GPU: %w", err)
	}
	s.dev = dev
	s.cleanup = append(s.cleanup, func() { dev.Close() })

	kind := opts.Compositor
	if kind == display.KindUnknown {
		kind = display.DetectKind()
	}
	logger.Debug("Detected compositor", "kind", kind)

	overlayCursor := s.initCursor(kind)
	s.renderer = render.New(dev, render.Options{
		Mode:       opts.Mode,
		Background: opts.Background,
		Cursor:     opts.Cursor && !overlayCursor,
	})

	src, err := d.Outputs.Resolve(opts.Source)
	if err != nil {
		return kind, err
	}
	wlSource, err := d.Output(opts.Source)
	if err != nil {
		return kind, err
	}
	s.capture = capture.NewSession(d.ExportDmabuf.ForOutput(wlSource), overlayCursor, nil)
	s.capture.Transform = int32(src.Transform)

	globals := present.Globals{
		Compositor:  d.Compositor,
		LayerShell:  d.LayerShell,
		LinuxDmabuf: d.LinuxDmabuf,
	}
	s.newSurface = func(name string) (Surface, error) {
		o, err := d.Outputs.Resolve(name)
		if err != nil {
			return nil, err
		}
		wlOut, err := d.Output(name)
		if err != nil {
			return nil, err
		}
		return present.New(dev, globals, present.Options{
			Name:    name,
			Output:  wlOut,
			Scale:   o.Scale,
			Buffers: opts.Buffers,
		})
	}
	for _, name := range targets {
		surface, err := s.newSurface(name)
		if err != nil {
			return kind, err
		}
		s.targets = append(s.targets, &target{name: name, surface: surface})
	}

	// Collect the first configure of every surface
	if err := d.Wayland().Roundtrip(ctx); err != nil {
		return kind, fmt.Errorf("failed to set up surfaces: %w", err)
	}

	d.Outputs.OnAdded(s.outputAdded)
	d.Outputs.OnRemoved(s.outputRemoved)

	s.server = ipc.NewSocketServer(ipc.SocketPath(s.store.Dir(), pid), s)
	if err := s.server.Start(); err != nil {
		logger.Warn("Control socket unavailable, --stop will signal instead", "error", err)
		s.server = nil
	}
	return kind, nil
}

// initClaim records the instance before anything on the desktop changes
func (s *Session) initClaim(pid int, targets []string) error {
	store, err := instance.NewStore(s.opts.RuntimeDir)
	if err != nil {
		return err
	}
	claim, err := store.Claim(instance.Marker{
		PID:     pid,
		Source:  s.opts.Source,
		Targets: targets,
		Socket:  ipc.SocketPath(store.Dir(), pid),
		Started: time.Now(),
	})
	if err != nil {
		return err
	}
	s.store, s.claim = store, claim
	return nil
}

// initCursor starts pointer polling when the compositor exposes it. It
// reports whether the compositor has to draw the cursor into frames
// instead.
func (s *Session) initCursor(kind display.Kind) bool {
	if !s.opts.Cursor {
		return false
	}
	src, err := display.NewCursorSource(kind)
	if err != nil {
		if !errors.Is(err, display.ErrCursorUnavailable) {
			logger.Debug("Cursor source failed", "error", err)
		}
		return true
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cleanup = append(s.cleanup, cancel)
	s.cursor = display.WatchCursor(ctx, src, cursorInterval)
	return false
}

func (s *Session) initWorkspaces(ctx context.Context, kind display.Kind, pid int) {
	newBackend := s.newBackend
	if newBackend == nil {
		newBackend = func(kind display.Kind) (workspace.Backend, error) {
			return workspace.NewBackend(kind, nil)
		}
	}
	backend, err := newBackend(kind)
	if err != nil {
		logger.Info("Leaving workspaces in place", "reason", err)
		return
	}
	guard, err := workspace.Acquire(ctx, workspace.NewCoordinator(backend), s.opts.Source,
		workspace.SnapshotPath(s.store.Dir(), pid))
	if err != nil {
		logger.Warn("Failed to move workspaces", "error", err)
		return
	}
	s.guard = guard
	logger.Info("Moved workspaces", "output", s.opts.Source)
}
