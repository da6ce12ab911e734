// Package motion implements the per-tile motion stage: mean-shift smoothing,
// grayscale conversion, adaptive mean thresholding, morphological opening and
// connected-component analysis, followed by area and color filtering. The
// stage is deterministic and safe for concurrent use; every worker of a
// controller shares one instance.
package motion

import (
	"image"

	"github.com/zsiec/delphis/media"
)

// Detector produces motion candidates for one tile. The controller dispatches
// through this interface so tests can drive the pipeline with a scripted
// stage.
type Detector interface {
	DetectTile(tile media.Tile) (media.TileResult, error)
}

// Params tunes the motion stage. The zero value selects the defaults below;
// a negative MeanShiftRadius disables the smoothing pass.
type Params struct {
	MeanShiftRadius      int     `json:"mean_shift_radius"`       // spatial window radius (default 10)
	MeanShiftColorRadius int     `json:"mean_shift_color_radius"` // max channel distance (default 60)
	BlockSize            int     `json:"block_size"`              // adaptive threshold window (default 51, forced odd)
	ThresholdC           float64 `json:"threshold_c"`             // subtracted from the block mean (default 40)
	OpenKernel           int     `json:"open_kernel"`             // ellipse kernel size (default 3)
	MinArea              int     `json:"min_area"`                // component area range (default 16..40000)
	MaxArea              int     `json:"max_area"`
	MinColorDev          float64 `json:"min_color_dev"` // per-channel |component mean − global mean| range
	MaxColorDev          float64 `json:"max_color_dev"` // (default 0..255, i.e. off)
}

func (p Params) withDefaults() Params {
	if p.MeanShiftRadius == 0 {
		p.MeanShiftRadius = 10
	}
	if p.MeanShiftColorRadius == 0 {
		p.MeanShiftColorRadius = 60
	}
	if p.BlockSize <= 0 {
		p.BlockSize = 51
	}
	if p.BlockSize%2 == 0 {
		p.BlockSize++
	}
	if p.ThresholdC == 0 {
		p.ThresholdC = 40
	}
	if p.OpenKernel == 0 {
		p.OpenKernel = 3
	}
	if p.MinArea == 0 {
		p.MinArea = 16
	}
	if p.MaxArea == 0 {
		p.MaxArea = 40000
	}
	if p.MaxColorDev == 0 {
		p.MaxColorDev = 255
	}
	return p
}

// Stage is the production Detector.
type Stage struct {
	p Params
}

// NewStage returns a stage with defaults applied to p.
func NewStage(p Params) *Stage {
	return &Stage{p: p.withDefaults()}
}

// Params returns the effective parameters after defaulting.
func (s *Stage) Params() Params { return s.p }

// DetectTile runs the motion chain on one tile and returns exactly one
// result. Candidate rectangles are remapped to full-frame coordinates using
// the tile origin; the mask stays tile-local.
func (s *Stage) DetectTile(tile media.Tile) (media.TileResult, error) {
	res := media.TileResult{
		FrameIndex: tile.FrameIndex,
		Row:        tile.Row,
		Col:        tile.Col,
	}
	origin := tile.Image.Bounds().Min
	src := media.CloneRGBA(tile.Image)

	smoothed := meanShift(src, s.p.MeanShiftRadius, s.p.MeanShiftColorRadius)
	gray := grayscale(smoothed)
	mask := adaptiveMeanThreshold(gray, s.p.BlockSize, s.p.ThresholdC)
	mask = open(mask, s.p.OpenKernel)

	comps, labels := components(mask)
	if len(comps) == 0 {
		res.Mask = mask
		return res, nil
	}

	means, global := colorStats(smoothed, labels, len(comps))
	for i, c := range comps {
		if c.area < s.p.MinArea || c.area > s.p.MaxArea {
			continue
		}
		if !devInRange(means[i], global, s.p.MinColorDev, s.p.MaxColorDev) {
			continue
		}
		res.Rects = append(res.Rects, media.Rect{
			X: c.bbox.Min.X + origin.X,
			Y: c.bbox.Min.Y + origin.Y,
			W: c.bbox.Dx(),
			H: c.bbox.Dy(),
		})
	}
	res.Mask = mask
	return res, nil
}

// devInRange checks the per-channel deviation of a component mean from the
// tile-global mean against [min, max].
func devInRange(mean, global [3]float64, min, max float64) bool {
	for i := 0; i < 3; i++ {
		d := mean[i] - global[i]
		if d < 0 {
			d = -d
		}
		if d < min || d > max {
			return false
		}
	}
	return true
}

// ScanGrid runs det serially over an R×C grid of img, in (row, col) order,
// and collects all candidates. The de-duplicator uses it to re-run the motion
// stage on future frames.
func ScanGrid(det Detector, img *image.RGBA, rows, cols int) ([]media.Rect, error) {
	var out []media.Rect
	for _, t := range media.SplitGrid(0, img, rows, cols) {
		r, err := det.DetectTile(t)
		if err != nil {
			return nil, err
		}
		out = append(out, r.Rects...)
	}
	return out, nil
}
