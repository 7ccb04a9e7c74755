// Package present shows rendered frames on target outputs through
// full-screen layer-shell overlay surfaces.
package present

import (
	"errors"
	"fmt"
	"time"

	"github.com/bnema/waymirror/internal/gpu"
	"github.com/bnema/waymirror/internal/logger"
	"github.com/bnema/waymirror/internal/protocols"
	"github.com/bnema/waymirror/internal/wayland"
	"github.com/charmbracelet/log"
)

var (
	// ErrNotReady means the surface has not been configured yet
	ErrNotReady = errors.New("surface not configured")
	// ErrBusy means the previous frame is still on its way to the screen
	ErrBusy = errors.New("surface busy presenting")
	// ErrClosed means the compositor closed the surface
	ErrClosed = errors.New("surface closed by compositor")
)

// Namespace is the layer-shell namespace of every mirror surface
const Namespace = "waymirror"

// Globals are the protocol objects a surface is built from
type Globals struct {
	Compositor  *wayland.Compositor
	LayerShell  *protocols.LayerShell
	LinuxDmabuf *protocols.LinuxDmabuf
}

// Options describe one target
type Options struct {
	Name   string
	Output *wayland.Output
	// Scale is the integer output scale; buffers are allocated at
	// surface size times Scale
	Scale int32
	// Buffers bounds the render buffers cycled through
	Buffers int
}

// Stats counts presented and dropped frames
type Stats struct {
	Presented uint64
	Dropped   uint64
}

type buffer struct {
	target gpu.Target
	wl     *wayland.Buffer
	// held while the compositor may still read the buffer
	held bool
}

// Surface is the presentation surface of one target output. It is owned
// by the event loop.
type Surface struct {
	name    string
	log     *log.Logger
	dev     gpu.Device
	globals Globals
	scale   int32
	max     int

	surface *wayland.Surface
	layer   *protocols.LayerSurface

	width, height int
	configured    bool
	closed        bool
	destroyed     bool

	buffers []*buffer
	pending *wayland.Callback
	stats   Stats

	// onConfigure runs after every configure, with the new buffer size
	onConfigure func(width, height int)
	// onPresented runs when the compositor is ready for the next frame
	onPresented func(t time.Time)
	// onClosed runs once when the compositor closes the surface
	onClosed func()
}

// New creates the overlay surface. It becomes Ready after the first
// configure is dispatched.
func New(dev gpu.Device, g Globals, opts Options) (*Surface, error) {
	if opts.Scale < 1 {
		opts.Scale = 1
	}
	if opts.Buffers < 1 {
		opts.Buffers = 2
	}
	s := &Surface{
		name:    opts.Name,
		log:     logger.With("output", opts.Name),
		dev:     dev,
		globals: g,
		scale:   opts.Scale,
		max:     opts.Buffers,
	}

	surface, err := g.Compositor.CreateSurface()
	if err != nil {
		return nil, fmt.Errorf("failed to create surface for %s: %w", opts.Name, err)
	}
	s.surface = surface

	layer, err := g.LayerShell.GetLayerSurface(surface, opts.Output, protocols.LayerOverlay, Namespace)
	if err != nil {
		surface.Destroy()
		return nil, fmt.Errorf("failed to create layer surface for %s: %w", opts.Name, err)
	}
	s.layer = layer
	layer.OnConfigure = s.configure
	layer.OnClosed = s.handleClosed

	if err := s.setup(); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("failed to set up surface for %s: %w", opts.Name, err)
	}
	return s, nil
}

func (s *Surface) setup() error {
	// Zero size on all anchored edges fills the output
	if err := s.layer.SetSize(0, 0); err != nil {
		return err
	}
	if err := s.layer.SetAnchor(protocols.AnchorAll); err != nil {
		return err
	}
	if err := s.layer.SetExclusiveZone(-1); err != nil {
		return err
	}
	if err := s.layer.SetKeyboardInteractivity(protocols.KeyboardInteractivityNone); err != nil {
		return err
	}

	// An empty input region lets pointer events reach what is underneath
	region, err := s.globals.Compositor.CreateRegion()
	if err != nil {
		return err
	}
	if err := s.surface.SetInputRegion(region); err != nil {
		region.Destroy()
		return err
	}
	if err := region.Destroy(); err != nil {
		return err
	}

	if s.scale > 1 {
		if err := s.surface.SetBufferScale(s.scale); err != nil {
			return err
		}
	}
	// The initial commit without a buffer asks for a configure
	return s.surface.Commit()
}

// Name returns the target output name
func (s *Surface) Name() string {
	return s.name
}

// Size returns the buffer size in pixels
func (s *Surface) Size() (int, int) {
	return s.width, s.height
}

// Ready reports whether frames can be presented
func (s *Surface) Ready() bool {
	return s.configured && !s.closed && !s.destroyed && s.width > 0 && s.height > 0
}

// Closed reports whether the compositor closed the surface
func (s *Surface) Closed() bool {
	return s.closed
}

// Busy reports whether a presented frame has not been shown yet
func (s *Surface) Busy() bool {
	return s.pending != nil
}

// Stats returns frame counters
func (s *Surface) Stats() Stats {
	return s.stats
}

// Acquire returns a render target for the next frame. When the surface
// is busy the frame is counted as dropped and ErrBusy is returned.
func (s *Surface) Acquire() (gpu.Target, error) {
	switch {
	case s.closed:
		return nil, ErrClosed
	case !s.Ready():
		return nil, ErrNotReady
	case s.pending != nil:
		s.stats.Dropped++
		return nil, ErrBusy
	}

	for _, b := range s.buffers {
		if !b.held {
			return b.target, nil
		}
	}
	if len(s.buffers) >= s.max {
		s.stats.Dropped++
		return nil, ErrBusy
	}

	b, err := s.allocate()
	if err != nil {
		return nil, err
	}
	s.buffers = append(s.buffers, b)
	return b.target, nil
}

func (s *Surface) allocate() (*buffer, error) {
	target, err := s.dev.NewTarget(s.width, s.height)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %dx%d buffer: %w", s.width, s.height, err)
	}
	if l, ok := target.(gpu.Labeler); ok {
		l.SetLabel(s.name)
	}

	wb, err := s.wrap(target)
	if err != nil {
		target.Destroy()
		return nil, err
	}
	b := &buffer{target: target, wl: wb}
	wb.OnRelease = func() { b.held = false }
	s.log.Debug("Allocated surface buffer", "width", s.width, "height", s.height, "count", len(s.buffers)+1)
	return b, nil
}

// wrap shares target with the compositor as a wl_buffer
func (s *Surface) wrap(target gpu.Target) (*wayland.Buffer, error) {
	dmabuf := s.globals.LinuxDmabuf
	if !dmabuf.Supports(target.Format(), target.Modifier()) {
		s.log.Debug("Compositor did not advertise buffer modifier",
			"format", gpu.FormatName(target.Format()), "modifier", fmt.Sprintf("%#x", target.Modifier()))
	}

	params, err := dmabuf.CreateParams()
	if err != nil {
		return nil, err
	}
	defer params.Destroy()

	for i, p := range target.Planes() {
		if err := params.Add(p.FD, uint32(i), p.Offset, p.Stride, target.Modifier()); err != nil {
			return nil, fmt.Errorf("failed to add plane %d: %w", i, err)
		}
	}
	return params.CreateImmed(int32(target.Width()), int32(target.Height()), target.Format(), 0)
}

// Present shows target, which must come from Acquire, at the next
// refresh. The surface stays Busy until the compositor wants another frame.
func (s *Surface) Present(target gpu.Target) error {
	if s.closed {
		return ErrClosed
	}
	if !s.Ready() {
		return ErrNotReady
	}
	var b *buffer
	for _, candidate := range s.buffers {
		if candidate.target == target {
			b = candidate
			break
		}
	}
	if b == nil {
		return fmt.Errorf("present on %s: target not owned by surface", s.name)
	}

	if err := s.surface.Attach(b.wl, 0, 0); err != nil {
		return err
	}
	if err := s.surface.DamageBuffer(0, 0, int32(s.width), int32(s.height)); err != nil {
		return err
	}
	cb, err := s.surface.Frame()
	if err != nil {
		return err
	}
	cb.OnDone = func(uint32) {
		if s.pending == cb {
			s.pending = nil
		}
		if !s.destroyed && s.onPresented != nil {
			s.onPresented(time.Now())
		}
	}
	if err := s.surface.Commit(); err != nil {
		return err
	}

	s.pending = cb
	b.held = true
	s.stats.Presented++
	return nil
}

// ResetBuffers destroys every buffer. New ones are allocated on demand,
// after a resize or a device reset.
func (s *Surface) ResetBuffers() {
	for _, b := range s.buffers {
		b.wl.OnRelease = nil
		b.wl.Destroy()
		b.target.Destroy()
	}
	s.buffers = nil
}

// Destroy tears the surface down. It is idempotent.
func (s *Surface) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.ResetBuffers()
	s.pending = nil
	if s.layer != nil {
		s.layer.Destroy()
	}
	if s.surface != nil {
		s.surface.Destroy()
	}
	s.log.Debug("Destroyed surface", "presented", s.stats.Presented, "dropped", s.stats.Dropped)
}

func (s *Surface) configure(width, height uint32) {
	w, h := int(width)*int(s.scale), int(height)*int(s.scale)
	if s.configured && (w != s.width || h != s.height) {
		s.log.Debug("Surface resized", "width", w, "height", h)
		s.ResetBuffers()
	}
	s.width, s.height = w, h
	s.configured = true
	if s.onConfigure != nil {
		s.onConfigure(w, h)
	}
}

func (s *Surface) handleClosed() {
	if s.closed {
		return
	}
	s.closed = true
	s.log.Warn("Compositor closed mirror surface")
	if s.onClosed != nil {
		s.onClosed()
	}
}
