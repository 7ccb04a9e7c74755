package gpu

import (
	"errors"
	"testing"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	xr24 = capture.MakeFourCC('X', 'R', '2', '4')
	nv12 = capture.MakeFourCC('N', 'V', '1', '2')
)

func frameWith(format uint32, modifier uint64, planes ...capture.Plane) *capture.Frame {
	f := capture.NewFrame(1920, 1080, format, planes, func(int) error { return nil })
	f.Modifier = modifier
	return f
}

func plane(index uint32, fd int) capture.Plane {
	return capture.Plane{FD: fd, Index: index, Stride: 7680}
}

func TestValidate(t *testing.T) {
	const ccs = uint64(0x0100000000000004) // I915_FORMAT_MOD_Y_TILED_CCS

	tests := []struct {
		name  string
		frame *capture.Frame
		want  error
	}{
		{"single plane linear", frameWith(xr24, 0, plane(0, 5)), nil},
		{"implicit modifier", frameWith(xr24, capture.ModifierInvalid, plane(0, 5)), nil},
		{"compressed with aux plane", frameWith(xr24, ccs, plane(0, 5), plane(1, 6)), nil},
		{"linear with extra plane", frameWith(xr24, 0, plane(0, 5), plane(1, 6)), ErrInvalidFrame},
		{"no planes", frameWith(xr24, 0), ErrInvalidFrame},
		{"duplicate index", frameWith(xr24, ccs, plane(0, 5), plane(0, 6)), ErrInvalidFrame},
		{"index gap", frameWith(xr24, ccs, plane(0, 5), plane(2, 6)), ErrInvalidFrame},
		{"missing descriptor", frameWith(xr24, 0, plane(0, -1)), ErrInvalidFrame},
		{"unknown format", frameWith(capture.MakeFourCC('Z', 'Z', 'Z', 'Z'), 0, plane(0, 5)), ErrUnsupportedFormat},
		{"yuv short of planes", frameWith(nv12, 0, plane(0, 5)), ErrInvalidFrame},
		{"yuv", frameWith(nv12, 0, plane(0, 5), plane(1, 6)), ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.frame)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	t.Run("zero size", func(t *testing.T) {
		f := frameWith(xr24, 0, plane(0, 5))
		f.Height = 0
		assert.ErrorIs(t, Validate(f), ErrInvalidFrame)
	})
	t.Run("zero stride", func(t *testing.T) {
		assert.ErrorIs(t, Validate(frameWith(xr24, 0, capture.Plane{FD: 3})), ErrInvalidFrame)
	})
}

func TestDmabufAttribs(t *testing.T) {
	planes := []importPlane{{fd: 11, offset: 0, stride: 7680}, {fd: 12, offset: 4096, stride: 128}}

	t.Run("with modifiers", func(t *testing.T) {
		attribs := dmabufAttribs(1920, 1080, xr24, 0x0100000000000004, planes, true)
		require.Equal(t, int32(eglNone), attribs[len(attribs)-1])
		assert.Equal(t, []int32{eglWidth, 1920, eglHeight, 1080, eglLinuxDrmFourcc, int32(xr24)}, attribs[:6])

		pairs := map[int32]int32{}
		for i := 0; i+1 < len(attribs); i += 2 {
			pairs[attribs[i]] = attribs[i+1]
		}
		assert.Equal(t, int32(11), pairs[0x3272])
		assert.Equal(t, int32(7680), pairs[0x3274])
		assert.Equal(t, int32(12), pairs[0x3275])
		assert.Equal(t, int32(4096), pairs[0x3276])
		assert.Equal(t, int32(4), pairs[0x3443], "modifier low bits")
		assert.Equal(t, int32(0x01000000), pairs[0x3444], "modifier high bits")
		assert.Equal(t, int32(eglTrue), pairs[eglImagePreserved])
	})

	t.Run("implicit modifier omits modifier attributes", func(t *testing.T) {
		attribs := dmabufAttribs(64, 64, xr24, capture.ModifierInvalid, planes[:1], true)
		for i := 0; i < len(attribs)-1; i += 2 {
			assert.NotEqual(t, int32(0x3443), attribs[i])
		}
		// width, height, fourcc, fd, offset, pitch, preserved = 7 pairs + EGL_NONE
		assert.Len(t, attribs, 15)
	})
}

func TestFramePlanesOrderedByIndex(t *testing.T) {
	f := frameWith(xr24, 1, plane(1, 21), plane(0, 20))
	planes := framePlanes(f)
	require.Len(t, planes, 2)
	assert.Equal(t, 20, planes[0].fd)
	assert.Equal(t, 21, planes[1].fd)
}

func TestQuadVertices(t *testing.T) {
	q := Quad{Dst: Rect{X: 0, Y: 60, W: 1920, H: 1080}, Src: Rect{W: 1, H: 1}}
	v := quadVertices(q, 1920, 1200)

	// top-left corner
	assert.InDelta(t, -1, v[0], 1e-6)
	assert.InDelta(t, -0.9, v[1], 1e-6)
	assert.InDelta(t, 0, v[2], 1e-6)
	assert.InDelta(t, 0, v[3], 1e-6)
	// bottom-right corner
	assert.InDelta(t, 1, v[12], 1e-6)
	assert.InDelta(t, 0.9, v[13], 1e-6)
	assert.InDelta(t, 1, v[14], 1e-6)
	assert.InDelta(t, 1, v[15], 1e-6)

	q.FlipY = true
	v = quadVertices(q, 1920, 1200)
	assert.InDelta(t, 1, v[3], 1e-6)
	assert.InDelta(t, 0, v[15], 1e-6)
}

func TestRectIntersect(t *testing.T) {
	a := Rect{X: -100, Y: 0, W: 2120, H: 1080}
	b := Rect{W: 1920, H: 1080}
	assert.Equal(t, Rect{W: 1920, H: 1080}, a.Intersect(b))
	assert.True(t, Rect{X: 5000, W: 10, H: 10}.Intersect(b).Empty())
}

func TestFormatName(t *testing.T) {
	assert.Equal(t, "XRGB8888", FormatName(xr24))
	assert.Equal(t, "NV12", FormatName(nv12))
}
