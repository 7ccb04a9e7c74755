// Package gputest provides an in-memory gpu.Device for tests.
package gputest

import (
	"fmt"
	"sync"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/bnema/waymirror/internal/gpu"
	"golang.org/x/sys/unix"
)

// Device records every call and can inject failures
type Device struct {
	mu sync.Mutex

	// ImportErr, when set, is returned by Import
	ImportErr error
	// DrawErr, when set, decides the result of Draw per target
	DrawErr func(t *Target) error

	Imports    int
	Resets     int
	Closed     bool
	Draws      map[string]int
	LastPass   map[string]gpu.Pass
	Textures   []*Texture
	Targets    []*Target
	generation int
}

// New creates an empty fake device
func New() *Device {
	return &Device{
		Draws:    map[string]int{},
		LastPass: map[string]gpu.Pass{},
	}
}

// Import implements gpu.Device
func (d *Device) Import(frame *capture.Frame) (gpu.Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Imports++
	if d.ImportErr != nil {
		return nil, d.ImportErr
	}
	t := &Texture{W: int(frame.Width), H: int(frame.Height), Frame: frame}
	d.Textures = append(d.Textures, t)
	return t, nil
}

// Upload implements gpu.Device
func (d *Device) Upload(width, height int, rgba []byte) (gpu.Texture, error) {
	if len(rgba) != width*height*4 {
		return nil, fmt.Errorf("upload: %d bytes for %dx%d", len(rgba), width, height)
	}
	t := &Texture{W: width, H: height}
	d.mu.Lock()
	d.Textures = append(d.Textures, t)
	d.mu.Unlock()
	return t, nil
}

// NewTarget implements gpu.Device. Label the result with SetLabel to key
// the draw counters. The plane descriptor is a memfd so it can be sent
// over a socket like a real dmabuf.
func (d *Device) NewTarget(width, height int) (gpu.Target, error) {
	fd, err := unix.MemfdCreate("gputest-target", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &Target{W: width, H: height, FD: fd, gen: d.generation}
	d.Targets = append(d.Targets, t)
	return t, nil
}

// LiveTargets counts targets that were never destroyed
func (d *Device) LiveTargets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.Targets {
		if !t.Destroyed {
			n++
		}
	}
	return n
}

// Draw implements gpu.Device
func (d *Device) Draw(target gpu.Target, pass gpu.Pass) error {
	t := target.(*Target)
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.Destroyed {
		return fmt.Errorf("draw into destroyed target %q", t.Name)
	}
	if t.gen != d.generation {
		return fmt.Errorf("%w: stale render target", gpu.ErrDeviceLost)
	}
	if d.DrawErr != nil {
		if err := d.DrawErr(t); err != nil {
			return err
		}
	}
	d.Draws[t.Name]++
	d.LastPass[t.Name] = pass
	return nil
}

// Reset implements gpu.Device
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Resets++
	d.generation++
	return nil
}

// Close implements gpu.Device
func (d *Device) Close() error {
	d.mu.Lock()
	d.Closed = true
	d.mu.Unlock()
	return nil
}

// DrawCount returns how many passes reached the named target
func (d *Device) DrawCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Draws[name]
}

// LiveTextures counts textures that were never destroyed
func (d *Device) LiveTextures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.Textures {
		if !t.Destroyed {
			n++
		}
	}
	return n
}

// Texture is a fake texture
type Texture struct {
	W, H      int
	Frame     *capture.Frame
	Destroyed bool
}

func (t *Texture) Width() int  { return t.W }
func (t *Texture) Height() int { return t.H }

// Destroy implements gpu.Texture
func (t *Texture) Destroy() {
	if t.Destroyed {
		return
	}
	t.Destroyed = true
	if t.Frame != nil {
		t.Frame.Release()
	}
}

// Target is a fake render target
type Target struct {
	Name      string
	W, H      int
	FD        int
	Destroyed bool
	gen       int
}

// SetLabel names the target for draw accounting
func (t *Target) SetLabel(name string) { t.Name = name }

func (t *Target) Width() int       { return t.W }
func (t *Target) Height() int      { return t.H }
func (t *Target) Format() uint32   { return gpu.FormatXRGB8888 }
func (t *Target) Modifier() uint64 { return capture.ModifierInvalid }
func (t *Target) Planes() []gpu.BufferPlane {
	return []gpu.BufferPlane{{FD: t.FD, Stride: uint32(t.W * 4)}}
}

// Destroy implements gpu.Target
func (t *Target) Destroy() {
	if t.Destroyed {
		return
	}
	t.Destroyed = true
	unix.Close(t.FD)
}
