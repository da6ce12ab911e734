// Package annotate draws detection overlays on RGBA frames: rectangle
// outlines with a class label, and the wall-clock timestamp stamped on every
// re-streamed frame.
package annotate

import (
	"image"
	"image/color"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/zsiec/delphis/media"
)

// Label drawn next to detection rectangles.
const Label = "Dolphin"

// TimestampFormat matches the overlay format of the upstream cameras.
const TimestampFormat = "2006-01-02 15:04:05"

// timestampAt is where the clock is stamped.
var timestampAt = image.Pt(100, 100)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// palette cycles per-rectangle outline colors so adjacent boxes stay
// distinguishable.
var palette = []color.RGBA{
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 64, B: 64, A: 255},
	{R: 64, G: 128, B: 255, A: 255},
	{R: 255, G: 200, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
}

// lineWidth of rectangle outlines, in pixels.
const lineWidth = 2

// Rectangles outlines each rect on dst and writes the label above it.
func Rectangles(dst *image.RGBA, rects []media.Rect) {
	for i, r := range rects {
		c := palette[i%len(palette)]
		outline(dst, r.Bounds(), c)
		Text(dst, r.X, r.Y-4, Label, c)
	}
}

// Timestamp stamps the wall-clock time on dst.
func Timestamp(dst *image.RGBA, at time.Time) {
	Text(dst, timestampAt.X, timestampAt.Y, at.Format(TimestampFormat), white)
}

// Text draws s with its baseline at (x, y) in the given color, clipped to
// dst's bounds.
func Text(dst *image.RGBA, x, y int, s string, c color.RGBA) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// outline draws an axis-aligned rectangle border clipped to dst.
func outline(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	for w := 0; w < lineWidth; w++ {
		hline(dst, r.Min.X, r.Max.X, r.Min.Y+w, c)
		hline(dst, r.Min.X, r.Max.X, r.Max.Y-1-w, c)
		vline(dst, r.Min.X+w, r.Min.Y, r.Max.Y, c)
		vline(dst, r.Max.X-1-w, r.Min.Y, r.Max.Y, c)
	}
}

func hline(dst *image.RGBA, x0, x1, y int, c color.RGBA) {
	if y < dst.Bounds().Min.Y || y >= dst.Bounds().Max.Y {
		return
	}
	for x := x0; x < x1; x++ {
		dst.SetRGBA(x, y, c)
	}
}

func vline(dst *image.RGBA, x, y0, y1 int, c color.RGBA) {
	if x < dst.Bounds().Min.X || x >= dst.Bounds().Max.X {
		return
	}
	for y := y0; y < y1; y++ {
		dst.SetRGBA(x, y, c)
	}
}
