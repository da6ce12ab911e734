//go:build opencv

package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/zsiec/delphis/media"
)

// DNNClassifier runs a gocv-loaded classification net over crops. It holds
// the net behind a mutex: gocv nets are not safe for concurrent forward
// passes.
type DNNClassifier struct {
	mu    sync.Mutex
	net   gocv.Net
	size  image.Point
	mean  gocv.Scalar
	scale float64
}

// NewDNNClassifier loads a classification model (Caffe, TF or ONNX, chosen
// by file extension) with the given input geometry.
func NewDNNClassifier(modelPath, configPath string, inputSize image.Point) (*DNNClassifier, error) {
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("vision: read classifier net %s", modelPath)
	}
	return &DNNClassifier{
		net:   net,
		size:  inputSize,
		mean:  gocv.NewScalar(104, 117, 123, 0),
		scale: 1.0,
	}, nil
}

// Predict returns the argmax class of the net's output for img.
func (c *DNNClassifier) Predict(ctx context.Context, img image.Image) (Class, error) {
	if err := ctx.Err(); err != nil {
		return Class{}, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return Class{}, fmt.Errorf("vision: convert crop: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, c.scale, c.size, c.mean, false, false)
	defer blob.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	defer out.Close()

	_, maxVal, _, maxLoc := gocv.MinMaxLoc(out)
	return Class{ID: maxLoc.X, Score: float64(maxVal)}, nil
}

// Close releases the underlying net.
func (c *DNNClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net.Close()
}

// DNNDetector runs an SSD-style detection net. Output rows are expected in
// the standard SSD layout [_, classID, score, x1, y1, x2, y2] with
// normalised coordinates.
type DNNDetector struct {
	mu   sync.Mutex
	net  gocv.Net
	size image.Point
}

// NewDNNDetector loads an SSD model with the given input geometry.
func NewDNNDetector(modelPath, configPath string, inputSize image.Point) (*DNNDetector, error) {
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("vision: read detector net %s", modelPath)
	}
	return &DNNDetector{net: net, size: inputSize}, nil
}

// Detect runs the net over each image and returns the decoded boxes scaled
// back to image coordinates. Score filtering is the caller's concern.
func (d *DNNDetector) Detect(ctx context.Context, imgs []image.Image) ([][]ScoredRect, error) {
	out := make([][]ScoredRect, len(imgs))
	for i, img := range imgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		boxes, err := d.detectOne(img)
		if err != nil {
			return nil, err
		}
		out[i] = boxes
	}
	return out, nil
}

func (d *DNNDetector) detectOne(img image.Image) ([]ScoredRect, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("vision: convert frame: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0, d.size, gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	d.mu.Unlock()
	defer prob.Close()

	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	var boxes []ScoredRect
	flat := prob.Reshape(1, prob.Total()/7)
	defer flat.Close()
	for r := 0; r < flat.Rows(); r++ {
		score := float64(flat.GetFloatAt(r, 2))
		if score <= 0 {
			continue
		}
		x1 := int(flat.GetFloatAt(r, 3) * float32(w))
		y1 := int(flat.GetFloatAt(r, 4) * float32(h))
		x2 := int(flat.GetFloatAt(r, 5) * float32(w))
		y2 := int(flat.GetFloatAt(r, 6) * float32(h))
		boxes = append(boxes, ScoredRect{
			Rect:  media.FromBounds(image.Rect(x1, y1, x2, y2)),
			Score: score,
		})
	}
	return boxes, nil
}

// Close releases the underlying net.
func (d *DNNDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
