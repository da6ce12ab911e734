//go:build opencv

package main

import (
	"image"
	"os"

	"github.com/zsiec/delphis/internal/vision"
)

// Model locations come from the environment rather than the config document:
// they are deployment artifacts, not per-channel tuning.
func newClassifier() (vision.Classifier, error) {
	return vision.NewDNNClassifier(
		envOr("DELPHIS_CLASSIFIER", "models/classifier.onnx"),
		os.Getenv("DELPHIS_CLASSIFIER_CONFIG"),
		image.Pt(224, 224),
	)
}

func newDetector() (vision.Detector, error) {
	return vision.NewDNNDetector(
		envOr("DELPHIS_SSD", "models/ssd.onnx"),
		os.Getenv("DELPHIS_SSD_CONFIG"),
		image.Pt(300, 300),
	)
}
