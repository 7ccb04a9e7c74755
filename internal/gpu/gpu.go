// Package gpu imports captured dmabufs as textures and renders into
// dmabuf-backed targets without touching pixel data on the CPU.
package gpu

import (
	"errors"

	"github.com/bnema/waymirror/internal/capture"
)

var (
	// ErrUnsupportedFormat means the driver cannot import this format/modifier pair
	ErrUnsupportedFormat = errors.New("unsupported buffer format")
	// ErrDeviceLost means the rendering context must be recreated
	ErrDeviceLost = errors.New("gpu device lost")
	// ErrInvalidFrame means the plane layout does not match the format
	ErrInvalidFrame = errors.New("invalid frame layout")
	// ErrNoDevice means no usable render node was found
	ErrNoDevice = errors.New("no gpu render device available")
)

// Rect is an axis-aligned rectangle. Target rectangles are in pixels,
// texture rectangles in normalised [0,1] coordinates.
type Rect struct {
	X, Y, W, H float64
}

// Empty reports whether r covers no area
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Intersect returns the overlap of r and o
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Texture is a GPU view over an image
type Texture interface {
	Width() int
	Height() int
	// Destroy frees GPU objects and, for imported frames, releases the
	// frame descriptors. It is idempotent.
	Destroy()
}

// BufferPlane describes one plane of a render target for export
type BufferPlane struct {
	FD     int
	Offset uint32
	Stride uint32
}

// Target is a dmabuf-backed render buffer
type Target interface {
	Width() int
	Height() int
	Format() uint32
	Modifier() uint64
	Planes() []BufferPlane
	Destroy()
}

// Labeler is implemented by targets that carry a name for diagnostics
type Labeler interface {
	SetLabel(label string)
}

// Quad draws Src of Texture into Dst of the target
type Quad struct {
	Texture Texture
	Dst     Rect
	Src     Rect
	FlipY   bool
	Blend   bool
}

// Pass is everything drawn into a target for one frame
type Pass struct {
	Clear [4]float32
	Quads []Quad
}

// Device is the single rendering context. It is owned by the event loop
// goroutine and never called concurrently.
type Device interface {
	// Import wraps frame as a texture. On error the frame is already released;
	// on success the texture owns it.
	Import(frame *capture.Frame) (Texture, error)
	// Upload creates a texture from tightly packed RGBA pixels
	Upload(width, height int, rgba []byte) (Texture, error)
	NewTarget(width, height int) (Target, error)
	Draw(target Target, pass Pass) error
	// Reset recreates the context after ErrDeviceLost. Textures and
	// targets created before the reset are invalid afterwards.
	Reset() error
	Close() error
}

// ImportFrame validates frame and hands it to dev. The frame is released
// on every failure path.
func ImportFrame(dev Device, frame *capture.Frame) (Texture, error) {
	if err := Validate(frame); err != nil {
		frame.Release()
		return nil, err
	}
	tex, err := dev.Import(frame)
	if err != nil {
		frame.Release()
		return nil, err
	}
	return tex, nil
}
