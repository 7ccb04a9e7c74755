package render

import (
	"errors"
	"fmt"

	"github.com/bnema/waymirror/internal/gpu"
	"github.com/bnema/waymirror/internal/logger"
)

// RenderError is a failed draw into one target
type RenderError struct {
	Target string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render to %s: %v", e.Target, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// DeviceLost reports whether the rendering context has to be recreated
func (e *RenderError) DeviceLost() bool {
	return errors.Is(e.Err, gpu.ErrDeviceLost)
}

// Options configures a Renderer
type Options struct {
	Mode       Mode
	Background [4]float32
	Cursor     bool
}

// Renderer composites captured frames into target buffers
type Renderer struct {
	dev    gpu.Device
	opts   Options
	sprite gpu.Texture
	// spriteFailed stops retrying the upload every frame
	spriteFailed bool
}

// New creates a renderer on dev
func New(dev gpu.Device, opts Options) *Renderer {
	return &Renderer{dev: dev, opts: opts}
}

// Mode returns the scaling mode
func (r *Renderer) Mode() Mode {
	return r.opts.Mode
}

// Pass builds the draw list for one target. ptr may be nil.
func (r *Renderer) Pass(frame gpu.Texture, flipY bool, targetW, targetH int, ptr *Pointer) (gpu.Pass, Layout) {
	pass := gpu.Pass{Clear: r.opts.Background}
	l := Compute(frame.Width(), frame.Height(), targetW, targetH, r.opts.Mode)
	if !l.Valid() {
		return pass, l
	}

	pass.Quads = append(pass.Quads, gpu.Quad{Texture: frame, Dst: l.Visible, Src: l.Crop, FlipY: flipY})

	if r.opts.Cursor && ptr != nil {
		if sprite := r.cursorSprite(); sprite != nil {
			if q, ok := cursorQuad(l, sprite, *ptr); ok {
				pass.Quads = append(pass.Quads, q)
			}
		}
	}
	return pass, l
}

// Composite draws frame into target. Errors are *RenderError.
func (r *Renderer) Composite(name string, target gpu.Target, frame gpu.Texture, flipY bool, ptr *Pointer) error {
	pass, _ := r.Pass(frame, flipY, target.Width(), target.Height(), ptr)
	if err := r.dev.Draw(target, pass); err != nil {
		return &RenderError{Target: name, Err: err}
	}
	return nil
}

// Reset drops GPU state after the device was recreated
func (r *Renderer) Reset() {
	if r.sprite != nil {
		r.sprite.Destroy()
	}
	r.sprite = nil
	r.spriteFailed = false
}

// Close frees the cursor sprite
func (r *Renderer) Close() {
	if r.sprite != nil {
		r.sprite.Destroy()
		r.sprite = nil
	}
}

func (r *Renderer) cursorSprite() gpu.Texture {
	if r.sprite != nil || r.spriteFailed {
		return r.sprite
	}
	w, h, rgba := Sprite()
	tex, err := r.dev.Upload(w, h, rgba)
	if err != nil {
		logger.Warn("Cursor overlay disabled", "error", err)
		r.spriteFailed = true
		return nil
	}
	r.sprite = tex
	return tex
}
