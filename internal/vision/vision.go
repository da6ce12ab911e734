// Package vision defines the model interfaces the detection controller
// consumes — the crop classifier and the full-frame SSD detector — plus the
// image helpers shared by the gate and the de-duplicator: clamped cropping
// and a grayscale SSIM metric. Concrete DNN implementations live behind the
// opencv build tag; default builds inject whatever satisfies the interfaces.
package vision

import (
	"context"
	"image"
	"math"

	"github.com/zsiec/delphis/media"
)

// Class is a classifier verdict for one crop.
type Class struct {
	ID    int
	Score float64
}

// Classifier labels a single candidate crop. Implementations must be safe
// for calls from one goroutine at a time per controller.
type Classifier interface {
	Predict(ctx context.Context, img image.Image) (Class, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, img image.Image) (Class, error)

func (f ClassifierFunc) Predict(ctx context.Context, img image.Image) (Class, error) {
	return f(ctx, img)
}

// ScoredRect is one SSD box with its confidence.
type ScoredRect struct {
	Rect  media.Rect
	Score float64
}

// Detector runs single-shot detection over a batch of full frames, returning
// one box list per input image.
type Detector interface {
	Detect(ctx context.Context, imgs []image.Image) ([][]ScoredRect, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, imgs []image.Image) ([][]ScoredRect, error)

func (f DetectorFunc) Detect(ctx context.Context, imgs []image.Image) ([][]ScoredRect, error) {
	return f(ctx, imgs)
}

// Crop copies the pixels of r out of img, clamping r to the image bounds.
// Returns nil when the clamped rectangle is empty.
func Crop(img *image.RGBA, r media.Rect) *image.RGBA {
	b := r.Bounds().Add(img.Bounds().Min).Intersect(img.Bounds())
	if b.Empty() {
		return nil
	}
	return media.CloneRGBA(img.SubImage(b).(*image.RGBA))
}

// ssimSize is the common side length crops are scaled to before comparison.
const ssimSize = 64

// SSIM returns the mean structural similarity of two crops, in [-1, 1].
// Both are converted to grayscale and resized to a common size first, so
// crops of different shapes can be compared. The standard 8x8 sliding window
// and K1=0.01/K2=0.03 constants are used.
func SSIM(a, b *image.RGBA) float64 {
	if a == nil || b == nil {
		return 0
	}
	ga := grayPlane(media.Resize(a, ssimSize, ssimSize))
	gb := grayPlane(media.Resize(b, ssimSize, ssimSize))

	const (
		win = 8
		c1  = (0.01 * 255) * (0.01 * 255)
		c2  = (0.03 * 255) * (0.03 * 255)
	)

	var sum float64
	var windows int
	for y := 0; y+win <= ssimSize; y += win {
		for x := 0; x+win <= ssimSize; x += win {
			var ma, mb float64
			for j := 0; j < win; j++ {
				for i := 0; i < win; i++ {
					ma += ga[(y+j)*ssimSize+x+i]
					mb += gb[(y+j)*ssimSize+x+i]
				}
			}
			n := float64(win * win)
			ma /= n
			mb /= n

			var va, vb, cov float64
			for j := 0; j < win; j++ {
				for i := 0; i < win; i++ {
					da := ga[(y+j)*ssimSize+x+i] - ma
					db := gb[(y+j)*ssimSize+x+i] - mb
					va += da * da
					vb += db * db
					cov += da * db
				}
			}
			va /= n - 1
			vb /= n - 1
			cov /= n - 1

			sum += ((2*ma*mb + c1) * (2*cov + c2)) /
				((ma*ma + mb*mb + c1) * (va + vb + c2))
			windows++
		}
	}
	return sum / float64(windows)
}

// grayPlane flattens img to a float64 luma plane using the BT.601 weights.
func grayPlane(img *image.RGBA) []float64 {
	b := img.Bounds()
	out := make([]float64, b.Dx()*b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o := img.PixOffset(x, y)
			r := float64(img.Pix[o])
			g := float64(img.Pix[o+1])
			bl := float64(img.Pix[o+2])
			out[i] = 0.299*r + 0.587*g + 0.114*bl
			i++
		}
	}
	return out
}

// StdDev returns the population standard deviation of xs, or 0 when fewer
// than two samples are present.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
