package render

import (
	"github.com/bnema/waymirror/internal/gpu"
	"github.com/bnema/waymirror/internal/output"
)

// Pointer is a cursor position in source frame pixels
type Pointer struct {
	X, Y float64
	// Scale is frame pixels per logical pixel of the source output
	Scale float64
}

// MapPointer converts a global logical position into frame pixels of out.
// ok is false when the pointer is on another output.
func MapPointer(out output.Output, frameW, frameH int, gx, gy float64) (Pointer, bool) {
	lw, lh := out.Size()
	if lw <= 0 || lh <= 0 || frameW <= 0 || frameH <= 0 {
		return Pointer{}, false
	}
	lx, ly := gx-float64(out.X), gy-float64(out.Y)
	if lx < 0 || ly < 0 || lx >= float64(lw) || ly >= float64(lh) {
		return Pointer{}, false
	}
	sx := float64(frameW) / float64(lw)
	sy := float64(frameH) / float64(lh)
	return Pointer{X: lx * sx, Y: ly * sy, Scale: (sx + sy) / 2}, true
}

// Arrow sprite geometry, hotspot at the origin
const (
	spriteW = 12
	spriteH = 19
)

var arrowOutline = [][2]float64{
	{0, 0}, {0, 16}, {4, 12.5}, {7, 18.5}, {9, 17.5}, {6.3, 11.7}, {11.5, 11.7},
}

// Sprite renders the arrow cursor as tightly packed RGBA
func Sprite() (w, h int, rgba []byte) {
	rgba = make([]byte, spriteW*spriteH*4)
	inside := func(x, y int) bool {
		if x < 0 || y < 0 || x >= spriteW || y >= spriteH {
			return false
		}
		return pointInPolygon(float64(x)+0.5, float64(y)+0.5, arrowOutline)
	}
	for y := 0; y < spriteH; y++ {
		for x := 0; x < spriteW; x++ {
			if !inside(x, y) {
				continue
			}
			i := (y*spriteW + x) * 4
			edge := !inside(x-1, y) || !inside(x+1, y) || !inside(x, y-1) || !inside(x, y+1)
			if edge {
				rgba[i], rgba[i+1], rgba[i+2] = 0, 0, 0
			} else {
				rgba[i], rgba[i+1], rgba[i+2] = 255, 255, 255
			}
			rgba[i+3] = 255
		}
	}
	return spriteW, spriteH, rgba
}

// pointInPolygon uses the even-odd rule
func pointInPolygon(x, y float64, poly [][2]float64) bool {
	in := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		xi, yi := poly[i][0], poly[i][1]
		xj, yj := poly[j][0], poly[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

// cursorQuad positions the sprite at p through l
func cursorQuad(l Layout, tex gpu.Texture, p Pointer) (gpu.Quad, bool) {
	scale := p.Scale
	if scale <= 0 {
		scale = 1
	}
	r := gpu.Rect{X: p.X, Y: p.Y, W: float64(tex.Width()) * scale, H: float64(tex.Height()) * scale}
	dst, src, ok := l.Place(r)
	if !ok {
		return gpu.Quad{}, false
	}
	return gpu.Quad{Texture: tex, Dst: dst, Src: src, Blend: true}, true
}
