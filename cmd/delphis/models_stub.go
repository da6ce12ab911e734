//go:build !opencv

package main

import (
	"errors"

	"github.com/zsiec/delphis/internal/vision"
)

func newClassifier() (vision.Classifier, error) {
	return nil, errors.New("this build has no classifier; rebuild with -tags opencv")
}

func newDetector() (vision.Detector, error) {
	return nil, errors.New("this build has no detector; rebuild with -tags opencv")
}
