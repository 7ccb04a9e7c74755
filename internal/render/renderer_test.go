package render

import (
	"errors"
	"testing"

	"github.com/bnema/waymirror/internal/gpu"
	"github.com/bnema/waymirror/internal/gpu/gputest"
	"github.com/bnema/waymirror/internal/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTarget(t *testing.T, dev *gputest.Device, name string, w, h int) gpu.Target {
	t.Helper()
	target, err := dev.NewTarget(w, h)
	require.NoError(t, err)
	target.(gpu.Labeler).SetLabel(name)
	return target
}

func TestCompositeFit(t *testing.T) {
	dev := gputest.New()
	r := New(dev, Options{Mode: Fit, Background: [4]float32{0, 0, 0, 1}})
	target := newTarget(t, dev, "DP-1", 1920, 1200)
	frame := &gputest.Texture{W: 1920, H: 1080}

	require.NoError(t, r.Composite("DP-1", target, frame, false, nil))

	pass := dev.LastPass["DP-1"]
	assert.Equal(t, [4]float32{0, 0, 0, 1}, pass.Clear)
	require.Len(t, pass.Quads, 1)
	assert.Equal(t, gpu.Rect{Y: 60, W: 1920, H: 1080}, pass.Quads[0].Dst)
	assert.Same(t, frame, pass.Quads[0].Texture)
}

func TestCompositeCursorOverlay(t *testing.T) {
	dev := gputest.New()
	r := New(dev, Options{Mode: Fit, Cursor: true})
	target := newTarget(t, dev, "HDMI-A-1", 960, 600)
	frame := &gputest.Texture{W: 1920, H: 1080}

	ptr := &Pointer{X: 100, Y: 200, Scale: 1}
	require.NoError(t, r.Composite("HDMI-A-1", target, frame, true, ptr))

	pass := dev.LastPass["HDMI-A-1"]
	require.Len(t, pass.Quads, 2)
	assert.True(t, pass.Quads[0].FlipY)

	cursor := pass.Quads[1]
	assert.True(t, cursor.Blend)
	assert.False(t, cursor.FlipY)
	// half scale, 60px bars top and bottom at half size = 30
	assert.Equal(t, 50.0, cursor.Dst.X)
	assert.Equal(t, 130.0, cursor.Dst.Y)
	assert.Equal(t, float64(spriteW)/2, cursor.Dst.W)

	// sprite is uploaded once
	require.NoError(t, r.Composite("HDMI-A-1", target, frame, true, ptr))
	assert.Len(t, dev.Textures, 1)
}

func TestCompositeCursorDisabled(t *testing.T) {
	dev := gputest.New()
	r := New(dev, Options{Mode: Fit})
	target := newTarget(t, dev, "DP-2", 1920, 1080)

	require.NoError(t, r.Composite("DP-2", target, &gputest.Texture{W: 1920, H: 1080}, false, &Pointer{X: 5, Y: 5}))
	assert.Len(t, dev.LastPass["DP-2"].Quads, 1)
	assert.Empty(t, dev.Textures)
}

func TestCompositeDeviceLost(t *testing.T) {
	dev := gputest.New()
	r := New(dev, Options{Mode: Stretch})
	target := newTarget(t, dev, "DP-3", 800, 600)

	require.NoError(t, dev.Reset())
	err := r.Composite("DP-3", target, &gputest.Texture{W: 1920, H: 1080}, false, nil)

	var rerr *RenderError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "DP-3", rerr.Target)
	assert.True(t, rerr.DeviceLost())
	assert.ErrorIs(t, err, gpu.ErrDeviceLost)
}

func TestRendererResetDropsSprite(t *testing.T) {
	dev := gputest.New()
	r := New(dev, Options{Mode: Fit, Cursor: true})
	target := newTarget(t, dev, "DP-1", 1920, 1080)
	frame := &gputest.Texture{W: 1920, H: 1080}
	ptr := &Pointer{X: 10, Y: 10, Scale: 1}

	require.NoError(t, r.Composite("DP-1", target, frame, false, ptr))
	r.Reset()
	assert.Equal(t, 0, dev.LiveTextures())

	require.NoError(t, r.Composite("DP-1", target, frame, false, ptr))
	assert.Len(t, dev.Textures, 2)
	r.Close()
	assert.Equal(t, 0, dev.LiveTextures())
}

func TestMapPointer(t *testing.T) {
	out := output.Output{Name: "eDP-1", X: 1920, Y: 0, Width: 1280, Height: 800, ModeWidth: 2560, ModeHeight: 1600, Scale: 2}

	p, ok := MapPointer(out, 2560, 1600, 1920+640, 400)
	require.True(t, ok)
	assert.Equal(t, 1280.0, p.X)
	assert.Equal(t, 800.0, p.Y)
	assert.Equal(t, 2.0, p.Scale)

	_, ok = MapPointer(out, 2560, 1600, 100, 100)
	assert.False(t, ok)
	_, ok = MapPointer(out, 0, 0, 2000, 10)
	assert.False(t, ok)
}

func TestSprite(t *testing.T) {
	w, h, rgba := Sprite()
	require.Len(t, rgba, w*h*4)

	alpha := func(x, y int) byte { return rgba[(y*w+x)*4+3] }
	// tip is opaque, far corner transparent
	assert.Equal(t, byte(255), alpha(0, 1))
	assert.Equal(t, byte(0), alpha(w-1, 0))

	var white int
	for i := 0; i < len(rgba); i += 4 {
		if rgba[i+3] == 255 && rgba[i] == 255 {
			white++
		}
	}
	assert.Positive(t, white, "arrow has a white fill")
}
