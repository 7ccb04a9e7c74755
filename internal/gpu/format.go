package gpu

import (
	"fmt"

	"github.com/bnema/waymirror/internal/capture"
)

const modifierLinear uint64 = 0

// formatInfo describes the DRM formats the renderer can sample as RGB
type formatInfo struct {
	name   string
	planes int
	alpha  bool
}

var formats = map[uint32]formatInfo{
	capture.MakeFourCC('X', 'R', '2', '4'): {"XRGB8888", 1, false},
	capture.MakeFourCC('A', 'R', '2', '4'): {"ARGB8888", 1, true},
	capture.MakeFourCC('X', 'B', '2', '4'): {"XBGR8888", 1, false},
	capture.MakeFourCC('A', 'B', '2', '4'): {"ABGR8888", 1, true},
	capture.MakeFourCC('R', 'X', '2', '4'): {"RGBX8888", 1, false},
	capture.MakeFourCC('R', 'A', '2', '4'): {"RGBA8888", 1, true},
	capture.MakeFourCC('B', 'X', '2', '4'): {"BGRX8888", 1, false},
	capture.MakeFourCC('B', 'A', '2', '4'): {"BGRA8888", 1, true},
	capture.MakeFourCC('X', 'R', '3', '0'): {"XRGB2101010", 1, false},
	capture.MakeFourCC('A', 'R', '3', '0'): {"ARGB2101010", 1, true},
	capture.MakeFourCC('X', 'B', '3', '0'): {"XBGR2101010", 1, false},
	capture.MakeFourCC('A', 'B', '3', '0'): {"ABGR2101010", 1, true},
	capture.MakeFourCC('R', 'G', '1', '6'): {"RGB565", 1, false},
	capture.MakeFourCC('X', 'R', '4', 'H'): {"XRGB16161616F", 1, false},
	capture.MakeFourCC('A', 'R', '4', 'H'): {"ARGB16161616F", 1, true},
	capture.MakeFourCC('X', 'B', '4', 'H'): {"XBGR16161616F", 1, false},
	capture.MakeFourCC('A', 'B', '4', 'H'): {"ABGR16161616F", 1, true},
}

// multiPlanar lists YUV formats we recognise but cannot sample as RGB
var multiPlanar = map[uint32]int{
	capture.MakeFourCC('N', 'V', '1', '2'): 2,
	capture.MakeFourCC('P', '0', '1', '0'): 2,
	capture.MakeFourCC('Y', 'U', '1', '2'): 3,
}

// FormatXRGB8888 is the format of render targets
var FormatXRGB8888 = capture.MakeFourCC('X', 'R', '2', '4')

// FormatName returns a readable name for fourcc
func FormatName(fourcc uint32) string {
	if info, ok := formats[fourcc]; ok {
		return info.name
	}
	return capture.FourCC(fourcc).String()
}

// Validate checks a frame's plane layout against its declared format.
// Modifiers other than linear or implicit may carry extra auxiliary
// planes (compression metadata), so only a lower bound applies to them.
func Validate(frame *capture.Frame) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if frame.Width == 0 || frame.Height == 0 {
		return fmt.Errorf("%w: zero size %dx%d", ErrInvalidFrame, frame.Width, frame.Height)
	}

	if n, ok := multiPlanar[frame.Format]; ok {
		if len(frame.Planes) < n {
			return fmt.Errorf("%w: %s needs %d planes, got %d", ErrInvalidFrame, capture.FourCC(frame.Format), n, len(frame.Planes))
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, capture.FourCC(frame.Format))
	}
	info, ok := formats[frame.Format]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, capture.FourCC(frame.Format))
	}

	n := len(frame.Planes)
	switch {
	case n == 0 || n > 4:
		return fmt.Errorf("%w: %d planes", ErrInvalidFrame, n)
	case frame.Modifier == modifierLinear || frame.Modifier == capture.ModifierInvalid:
		if n != info.planes {
			return fmt.Errorf("%w: %s needs %d planes, got %d", ErrInvalidFrame, info.name, info.planes, n)
		}
	case n < info.planes:
		return fmt.Errorf("%w: %s needs at least %d planes, got %d", ErrInvalidFrame, info.name, info.planes, n)
	}

	seen := make([]bool, n)
	for _, p := range frame.Planes {
		if int(p.Index) >= n {
			return fmt.Errorf("%w: plane index %d out of range", ErrInvalidFrame, p.Index)
		}
		if seen[p.Index] {
			return fmt.Errorf("%w: duplicate plane index %d", ErrInvalidFrame, p.Index)
		}
		seen[p.Index] = true
		if p.FD < 0 {
			return fmt.Errorf("%w: plane %d has no descriptor", ErrInvalidFrame, p.Index)
		}
		if p.Stride == 0 {
			return fmt.Errorf("%w: plane %d has zero stride", ErrInvalidFrame, p.Index)
		}
	}
	return nil
}

// EGL_EXT_image_dma_buf_import(_modifiers) attribute names
const (
	eglWidth          = 0x3057
	eglHeight         = 0x3056
	eglNone           = 0x3038
	eglLinuxDrmFourcc = 0x3271
	eglImagePreserved = 0x30D2
	eglTrue           = 1
)

var planeAttribs = [4]struct {
	fd, offset, pitch, modLo, modHi int32
}{
	{0x3272, 0x3273, 0x3274, 0x3443, 0x3444},
	{0x3275, 0x3276, 0x3277, 0x3445, 0x3446},
	{0x3278, 0x3279, 0x327A, 0x3447, 0x3448},
	{0x3440, 0x3441, 0x3442, 0x3449, 0x344A},
}

type importPlane struct {
	fd     int
	offset uint32
	stride uint32
}

// dmabufAttribs builds the attribute list for eglCreateImageKHR. Planes
// must already be validated and are placed by their index.
func dmabufAttribs(width, height int, fourcc uint32, modifier uint64, planes []importPlane, withModifiers bool) []int32 {
	attribs := []int32{
		eglWidth, int32(width),
		eglHeight, int32(height),
		eglLinuxDrmFourcc, int32(fourcc),
	}
	for i, p := range planes {
		if i >= len(planeAttribs) {
			break
		}
		a := planeAttribs[i]
		attribs = append(attribs,
			a.fd, int32(p.fd),
			a.offset, int32(p.offset),
			a.pitch, int32(p.stride),
		)
		if withModifiers && modifier != capture.ModifierInvalid {
			attribs = append(attribs,
				a.modLo, int32(uint32(modifier&0xffffffff)),
				a.modHi, int32(uint32(modifier>>32)),
			)
		}
	}
	attribs = append(attribs, eglImagePreserved, eglTrue, eglNone)
	return attribs
}

// framePlanes orders a frame's planes by plane index
func framePlanes(frame *capture.Frame) []importPlane {
	planes := make([]importPlane, len(frame.Planes))
	for _, p := range frame.Planes {
		planes[p.Index] = importPlane{fd: p.FD, offset: p.Offset, stride: p.Stride}
	}
	return planes
}

// quadVertices returns interleaved (x, y, s, t) for a triangle strip
// covering q.Dst in a width x height target. Pixel row 0 maps to memory
// row 0 of the target, which is what the compositor scans out as the top.
func quadVertices(q Quad, width, height int) [16]float32 {
	fw, fh := float64(width), float64(height)
	x0 := q.Dst.X/fw*2 - 1
	x1 := (q.Dst.X+q.Dst.W)/fw*2 - 1
	y0 := q.Dst.Y/fh*2 - 1
	y1 := (q.Dst.Y+q.Dst.H)/fh*2 - 1

	s0, s1 := q.Src.X, q.Src.X+q.Src.W
	t0, t1 := q.Src.Y, q.Src.Y+q.Src.H
	if q.FlipY {
		t0, t1 = 1-t0, 1-t1
	}

	return [16]float32{
		float32(x0), float32(y0), float32(s0), float32(t0),
		float32(x1), float32(y0), float32(s1), float32(t0),
		float32(x0), float32(y1), float32(s0), float32(t1),
		float32(x1), float32(y1), float32(s1), float32(t1),
	}
}
