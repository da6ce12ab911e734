// Package media defines the core frame types that flow through the Delphis
// detection pipeline, from ingest through the annotated re-streamer.
package media

import (
	"encoding/json"
	"image"
	"image/draw"
	"time"

	xdraw "golang.org/x/image/draw"
)

// Channel buffer sizes used by the per-channel pipeline to decouple the
// producing stage from its consumer. The dispatcher is the only stage allowed
// to drop when a buffer stays full past its deadline; everything else blocks.
const (
	IngestQueueSize   = 500  // decoded frames awaiting the dispatcher
	TileQueueSize     = 64   // per motion-worker input
	RestreamQueueSize = 1000 // annotated re-streamer feed
	OutboxSize        = 1000 // emitter outbox
)

// ReconstructQueueSize returns the reconstructor input bound for an R×C tile
// grid: enough to absorb every worker's full queue at once.
func ReconstructQueueSize(rows, cols int) int {
	return TileQueueSize * rows * cols
}

// Frame is one decoded video frame. Index is assigned by the dispatcher and
// is strictly monotonic per channel, starting at 1. Pixel data is immutable
// by contract: stages that draw on a frame must work on a Clone.
type Frame struct {
	Index int64
	Image *image.RGBA
	At    time.Time
}

// Clone returns a mutable copy of the frame's pixels.
func (f *Frame) Clone() *image.RGBA {
	return CloneRGBA(f.Image)
}

// CloneRGBA copies src into a fresh image anchored at (0,0).
func CloneRGBA(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Rect is an axis-aligned rectangle in full-frame coordinates. It serialises
// as the JSON array [x, y, w, h] used by the detection message format.
type Rect struct {
	X, Y, W, H int
}

// Bounds converts the rectangle to the stdlib representation.
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// FromBounds converts a stdlib rectangle.
func FromBounds(b image.Rectangle) Rect {
	b = b.Canon()
	return Rect{X: b.Min.X, Y: b.Min.Y, W: b.Dx(), H: b.Dy()}
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Scale maps the rectangle proportionally from one frame size to another.
func (r Rect) Scale(from, to image.Point) Rect {
	if from.X <= 0 || from.Y <= 0 || from == to {
		return r
	}
	return Rect{
		X: r.X * to.X / from.X,
		Y: r.Y * to.Y / from.Y,
		W: r.W * to.X / from.X,
		H: r.H * to.Y / from.Y,
	}
}

func (r Rect) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{r.X, r.Y, r.W, r.H})
}

func (r *Rect) UnmarshalJSON(data []byte) error {
	var a [4]int
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.X, r.Y, r.W, r.H = a[0], a[1], a[2], a[3]
	return nil
}

// Tile is a view of one cell of the R×C decomposition of a frame. Image is a
// sub-image sharing the frame's pixels; its Bounds().Min is the tile origin
// within the full frame.
type Tile struct {
	FrameIndex int64
	Row, Col   int
	Image      *image.RGBA
	FullSize   image.Point
}

// TileResult carries the motion candidates found in one tile. Rects are
// already remapped to full-frame coordinates. Mask is the tile-local
// foreground mask, kept for diagnostics.
type TileResult struct {
	FrameIndex int64
	Row, Col   int
	Rects      []Rect
	Mask       *image.Gray
}

// DetectionResult is the reconstructor's verdict for one frame: the
// rectangles that survived the gate and their scores.
type DetectionResult struct {
	FrameIndex int64
	Rects      []Rect
	Scores     []float64
}

// Detected reports whether the frame is a positive detection.
func (d *DetectionResult) Detected() bool {
	return d != nil && len(d.Rects) > 0
}

// SplitGrid cuts img into rows×cols tiles, emitted in (row, col) order. The
// last row and column absorb any remainder so the tiles cover img exactly.
func SplitGrid(frameIndex int64, img *image.RGBA, rows, cols int) []Tile {
	b := img.Bounds()
	tw, th := b.Dx()/cols, b.Dy()/rows
	tiles := make([]Tile, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x0 := b.Min.X + c*tw
			y0 := b.Min.Y + r*th
			x1 := x0 + tw
			y1 := y0 + th
			if c == cols-1 {
				x1 = b.Max.X
			}
			if r == rows-1 {
				y1 = b.Max.Y
			}
			sub := img.SubImage(image.Rect(x0, y0, x1, y1)).(*image.RGBA)
			tiles = append(tiles, Tile{
				FrameIndex: frameIndex,
				Row:        r,
				Col:        c,
				Image:      sub,
				FullSize:   image.Pt(b.Dx(), b.Dy()),
			})
		}
	}
	return tiles
}

// Resize scales img to w×h. The original image is returned unchanged when it
// already has that size.
func Resize(img *image.RGBA, w, h int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}
