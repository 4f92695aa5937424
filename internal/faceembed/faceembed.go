package faceembed

import (
	"context"
	"errors"
	"image"
)

// ErrNoFaceDetected is returned when an image yields no face.
var ErrNoFaceDetected = errors.New("no face detected")

// Embedding is the fixed-length vector a pretrained network produces for one aligned face.
type Embedding []float32

// Face is a single detection together with its embedding.
type Face struct {
	Box       image.Rectangle
	Embedding Embedding
}

// Extractor exposes the detector and embedding network used by the comparison flow.
// Faces are returned in detection order; an image without faces yields an empty slice.
type Extractor interface {
	ExtractFile(ctx context.Context, path string) ([]Face, error)
	Name() string
}

// First returns the first detected face, or ErrNoFaceDetected.
func First(faces []Face) (Face, error) {
	if len(faces) == 0 {
		return Face{}, ErrNoFaceDetected
	}
	return faces[0], nil
}
