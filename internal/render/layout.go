// Package render maps source frames onto target surfaces.
package render

import (
	"fmt"
	"math"
	"strings"

	"github.com/bnema/waymirror/internal/gpu"
)

// Mode selects how a source frame is scaled into a target
type Mode int

const (
	// Fit preserves aspect ratio and letterboxes
	Fit Mode = iota
	// Fill preserves aspect ratio and crops
	Fill
	// Stretch covers the target ignoring aspect ratio
	Stretch
	// Center draws at native size
	Center
)

var modeNames = [...]string{"fit", "fill", "stretch", "center"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a scaling mode name
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return Fit, fmt.Errorf("unknown scale mode %q (want one of %s)", s, strings.Join(modeNames[:], ", "))
}

// Modes lists all mode names
func Modes() []string {
	return append([]string(nil), modeNames[:]...)
}

// Layout places a source of SrcW x SrcH pixels into a target of
// TargetW x TargetH pixels.
type Layout struct {
	SrcW, SrcH       int
	TargetW, TargetH int

	ScaleX, ScaleY float64
	// Dst is where the whole source would land, possibly extending
	// past the target edges.
	Dst gpu.Rect
	// Visible is Dst clipped to the target
	Visible gpu.Rect
	// Crop is the part of the source shown in Visible, normalised
	Crop gpu.Rect
}

// Compute derives the layout for mode
func Compute(srcW, srcH, targetW, targetH int, mode Mode) Layout {
	l := Layout{SrcW: srcW, SrcH: srcH, TargetW: targetW, TargetH: targetH}
	if srcW <= 0 || srcH <= 0 || targetW <= 0 || targetH <= 0 {
		return l
	}

	sw, sh := float64(srcW), float64(srcH)
	tw, th := float64(targetW), float64(targetH)

	switch mode {
	case Stretch:
		l.ScaleX, l.ScaleY = tw/sw, th/sh
	case Fill:
		s := math.Max(tw/sw, th/sh)
		l.ScaleX, l.ScaleY = s, s
	case Center:
		l.ScaleX, l.ScaleY = 1, 1
	default:
		s := math.Min(tw/sw, th/sh)
		l.ScaleX, l.ScaleY = s, s
	}

	// Whole pixels keep bars crisp. An odd leftover pixel always goes to
	// the right and bottom, whether it is a bar or cropped content.
	w := math.Round(sw * l.ScaleX)
	h := math.Round(sh * l.ScaleY)
	x := math.Floor((tw - w) / 2)
	y := math.Floor((th - h) / 2)
	l.Dst = gpu.Rect{X: x, Y: y, W: w, H: h}

	l.Visible = l.Dst.Intersect(gpu.Rect{W: tw, H: th})
	if !l.Visible.Empty() {
		l.Crop = gpu.Rect{
			X: (l.Visible.X - l.Dst.X) / l.Dst.W,
			Y: (l.Visible.Y - l.Dst.Y) / l.Dst.H,
			W: l.Visible.W / l.Dst.W,
			H: l.Visible.H / l.Dst.H,
		}
	}
	return l
}

// Valid reports whether the layout shows anything
func (l Layout) Valid() bool {
	return !l.Visible.Empty()
}

// Bars returns the target regions not covered by source content
func (l Layout) Bars() []gpu.Rect {
	tw, th := float64(l.TargetW), float64(l.TargetH)
	if !l.Valid() {
		if tw > 0 && th > 0 {
			return []gpu.Rect{{W: tw, H: th}}
		}
		return nil
	}

	v := l.Visible
	var bars []gpu.Rect
	if v.Y > 0 {
		bars = append(bars, gpu.Rect{W: tw, H: v.Y})
	}
	if bottom := v.Y + v.H; bottom < th {
		bars = append(bars, gpu.Rect{Y: bottom, W: tw, H: th - bottom})
	}
	if v.X > 0 {
		bars = append(bars, gpu.Rect{Y: v.Y, W: v.X, H: v.H})
	}
	if right := v.X + v.W; right < tw {
		bars = append(bars, gpu.Rect{X: right, Y: v.Y, W: tw - right, H: v.H})
	}
	return bars
}

// Map converts a point in source pixels to target pixels
func (l Layout) Map(x, y float64) (float64, float64) {
	return l.Dst.X + x*l.ScaleX, l.Dst.Y + y*l.ScaleY
}

// Place maps a source-space rectangle into the target and clips it to
// the visible content. The returned source rectangle is the normalised
// part of r that survives clipping. ok is false when nothing is left.
func (l Layout) Place(r gpu.Rect) (dst, src gpu.Rect, ok bool) {
	x, y := l.Map(r.X, r.Y)
	full := gpu.Rect{X: x, Y: y, W: r.W * l.ScaleX, H: r.H * l.ScaleY}
	dst = full.Intersect(l.Visible)
	if dst.Empty() || full.Empty() {
		return gpu.Rect{}, gpu.Rect{}, false
	}
	src = gpu.Rect{
		X: (dst.X - full.X) / full.W,
		Y: (dst.Y - full.Y) / full.H,
		W: dst.W / full.W,
		H: dst.H / full.H,
	}
	return dst, src, true
}
