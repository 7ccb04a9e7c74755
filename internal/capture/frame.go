// Package capture turns the compositor's dmabuf export events into Frames.
package capture

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Buffer flags from zwlr_export_dmabuf_frame_v1.frame
const (
	BufferFlagYInvert     uint32 = 1
	BufferFlagInterlaced  uint32 = 2
	BufferFlagBottomFirst uint32 = 4
)

// Frame flags from zwlr_export_dmabuf_frame_v1.frame
const (
	FrameFlagTransient uint32 = 1
)

// ModifierInvalid is DRM_FORMAT_MOD_INVALID, the implicit modifier
const ModifierInvalid uint64 = 0x00ffffffffffffff

// Plane is one memory region of a captured buffer
type Plane struct {
	FD     int
	Index  uint32
	Offset uint32
	Stride uint32
	Size   uint32
}

// Frame is one captured buffer. The plane descriptors belong to the Frame
// until Release is called; Release is safe to call any number of times.
type Frame struct {
	Width, Height uint32
	Format        uint32 // DRM fourcc
	Modifier      uint64
	BufferFlags   uint32
	Flags         uint32
	Planes        []Plane
	Transform     int32
	Seq           uint64

	closer    func(int) error
	onRelease func(*Frame)
	released  bool
}

// NewFrame builds a standalone Frame, mostly useful in tests. closer is
// called once per plane descriptor; nil means unix.Close.
func NewFrame(width, height, format uint32, planes []Plane, closer func(int) error) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Format:   format,
		Modifier: ModifierInvalid,
		Planes:   planes,
		closer:   closer,
	}
}

// YInverted reports whether the buffer rows are stored bottom-up
func (f *Frame) YInverted() bool {
	return f.BufferFlags&BufferFlagYInvert != 0
}

// Released reports whether the descriptors have been closed
func (f *Frame) Released() bool {
	return f.released
}

// Release closes every plane descriptor exactly once. Later calls are no-ops.
func (f *Frame) Release() error {
	if f == nil || f.released {
		return nil
	}
	f.released = true

	closer := f.closer
	if closer == nil {
		closer = unix.Close
	}

	var errs []error
	for i := range f.Planes {
		if f.Planes[i].FD < 0 {
			continue
		}
		if err := closer(f.Planes[i].FD); err != nil {
			errs = append(errs, fmt.Errorf("close plane %d: %w", f.Planes[i].Index, err))
		}
		f.Planes[i].FD = -1
	}

	if f.onRelease != nil {
		f.onRelease(f)
	}
	return errors.Join(errs...)
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame #%d %dx%d %s mod=%#x planes=%d", f.Seq, f.Width, f.Height, FourCC(f.Format), f.Modifier, len(f.Planes))
}

// FourCC renders a DRM format code as its four characters
type FourCC uint32

func (c FourCC) String() string {
	b := []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
	for i, ch := range b {
		if ch < 0x20 || ch > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

// MakeFourCC builds a fourcc code from its characters
func MakeFourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}
