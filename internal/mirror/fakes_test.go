package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/gpu"
	"github.com/bnema/waymirror/internal/gpu/gputest"
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/present"
	"github.com/bnema/waymirror/internal/render"
	"github.com/bnema/waymirror/internal/wayland"
	"github.com/bnema/waymirror/internal/workspace"
)

// fdLedger hands out fake descriptors and records every close
type fdLedger struct {
	next   int
	open   map[int]bool
	closes map[int]int
}

func newLedger() *fdLedger {
	return &fdLedger{next: 1000, open: map[int]bool{}, closes: map[int]int{}}
}

func (l *fdLedger) alloc() int {
	l.next++
	l.open[l.next] = true
	return l.next
}

func (l *fdLedger) close(fd int) error {
	l.closes[fd]++
	if !l.open[fd] {
		return errors.New("bad file descriptor")
	}
	delete(l.open, fd)
	return nil
}

func (l *fdLedger) doubleCloses() int {
	n := 0
	for _, c := range l.closes {
		if c > 1 {
			n++
		}
	}
	return n
}

type fakeHandle struct{ destroyed int }

func (h *fakeHandle) Destroy() error {
	h.destroyed++
	return nil
}

type fakeRequester struct {
	calls    int
	listener capture.Listener
}

func (r *fakeRequester) CaptureOutput(_ bool, l capture.Listener) (capture.Handle, error) {
	r.calls++
	r.listener = l
	return &fakeHandle{}, nil
}

type fakeConn struct {
	events chan *wayland.Event
}

func (c *fakeConn) Events() <-chan *wayland.Event { return c.events }
func (c *fakeConn) Dispatch(*wayland.Event) error { return nil }
func (c *fakeConn) Err() error                    { return errors.New("broken pipe") }

// fakeSurface presents into gputest targets and is completed by hand
type fakeSurface struct {
	name   string
	dev    *gputest.Device
	w, h   int
	ready  bool
	closed bool
	busy   bool

	buf       gpu.Target
	stats     present.Stats
	resets    int
	destroyed int
}

func (f *fakeSurface) Name() string         { return f.name }
func (f *fakeSurface) Ready() bool          { return f.ready && !f.closed }
func (f *fakeSurface) Closed() bool         { return f.closed }
func (f *fakeSurface) Busy() bool           { return f.busy }
func (f *fakeSurface) Stats() present.Stats { return f.stats }

func (f *fakeSurface) Acquire() (gpu.Target, error) {
	switch {
	case f.closed:
		return nil, present.ErrClosed
	case !f.ready:
		return nil, present.ErrNotReady
	case f.busy:
		f.stats.Dropped++
		return nil, present.ErrBusy
	}
	if f.buf == nil {
		buf, err := f.dev.NewTarget(f.w, f.h)
		if err != nil {
			return nil, err
		}
		buf.(gpu.Labeler).SetLabel(f.name)
		f.buf = buf
	}
	return f.buf, nil
}

func (f *fakeSurface) Present(gpu.Target) error {
	f.busy = true
	f.stats.Presented++
	return nil
}

// complete delivers the frame callback
func (f *fakeSurface) complete() {
	f.busy = false
}

func (f *fakeSurface) ResetBuffers() {
	f.resets++
	if f.buf != nil {
		f.buf.Destroy()
		f.buf = nil
	}
}

func (f *fakeSurface) Destroy() {
	f.destroyed++
	f.ResetBuffers()
}

// fakeBackend keeps a workspace layout in memory
type fakeBackend struct {
	outputs map[string]string
	focused string
	moves   int
}

func (b *fakeBackend) Kind() display.Kind { return display.KindSway }

func (b *fakeBackend) Workspaces(context.Context) ([]workspace.Workspace, error) {
	var ws []workspace.Workspace
	for name, out := range b.outputs {
		ws = append(ws, workspace.Workspace{Name: name, Output: out, Focused: name == b.focused})
	}
	return ws, nil
}

func (b *fakeBackend) Move(_ context.Context, name, out string) error {
	b.moves++
	b.outputs[name] = out
	return nil
}

func (b *fakeBackend) Focus(_ context.Context, name string) error {
	b.focused = name
	return nil
}

type harness struct {
	t        *testing.T
	s        *Session
	reg      *output.Registry
	dev      *gputest.Device
	req      *fakeRequester
	ledger   *fdLedger
	conn     *fakeConn
	surfaces map[string]*fakeSurface
	nextID   uint32
}

const source = "eDP-1"

// newHarness builds a running session on source eDP-1. Passing no
// targets makes every other output a target.
func newHarness(t *testing.T, targets ...string) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		reg:      output.NewRegistry(),
		dev:      gputest.New(),
		req:      &fakeRequester{},
		ledger:   newLedger(),
		conn:     &fakeConn{events: make(chan *wayland.Event)},
		surfaces: map[string]*fakeSurface{},
		nextID:   1,
	}
	h.connect(source, 1920, 1080)

	initial := targets
	if len(targets) == 0 {
		initial = []string{"HDMI-A-1"}
		h.connect("HDMI-A-1", 1920, 1200)
	} else {
		for _, name := range targets {
			h.connect(name, 1920, 1200)
		}
	}

	h.s = &Session{
		opts:     Options{Source: source, Targets: targets, Mode: render.Fit, Cursor: true},
		conn:     h.conn,
		outputs:  h.reg,
		capture:  capture.NewSession(h.req, false, h.ledger.close),
		dev:      h.dev,
		renderer: render.New(h.dev, render.Options{Mode: render.Fit}),
		control:  make(chan request),
		done:     make(chan struct{}),
		state:    StateRunning,
	}
	h.s.newSurface = func(name string) (Surface, error) {
		f := &fakeSurface{name: name, dev: h.dev, w: 1920, h: 1200, ready: true}
		h.surfaces[name] = f
		return f, nil
	}
	for _, name := range initial {
		surface, err := h.s.newSurface(name)
		if err != nil {
			t.Fatal(err)
		}
		h.s.targets = append(h.s.targets, &target{name: name, surface: surface})
	}
	h.reg.OnAdded(h.s.outputAdded)
	h.reg.OnRemoved(h.s.outputRemoved)
	return h
}

// connect announces an output and returns its registry id
func (h *harness) connect(name string, w, ht int32) uint32 {
	id := h.nextID
	h.nextID++
	h.reg.Add(id)
	h.reg.Update(id, func(o *output.Output) {
		o.Name = name
		o.Width, o.Height = w, ht
		o.ModeWidth, o.ModeHeight = w, ht
	})
	h.reg.Done(id)
	return id
}

// deliver completes the pending capture request with a one-plane frame
func (h *harness) deliver() {
	h.t.Helper()
	l := h.req.listener
	if l == nil {
		h.t.Fatal("no capture requested")
	}
	l.HandleFrame(capture.FrameInfo{Width: 1920, Height: 1080, Format: gpu.FormatXRGB8888, NumObjects: 1})
	l.HandleObject(capture.Object{FD: h.ledger.alloc(), Stride: 7680, Size: 7680 * 1080})
	l.HandleReady(h.s.started)
}

// completeAll delivers every pending frame callback
func (h *harness) completeAll() {
	for _, f := range h.surfaces {
		f.complete()
	}
}
