package faceembed

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the distance below which two faces are declared the same person.
const DefaultThreshold = 0.8

// ErrDimensionMismatch is returned when two embeddings cannot be compared.
var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// Match is the outcome of comparing two embeddings.
type Match struct {
	Distance  float64
	Threshold float64
	Matched   bool
}

// EuclideanDistance returns the L2 norm of a-b.
func EuclideanDistance(a, b Embedding) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

// Compare computes the distance between a and b and whether it falls strictly below threshold.
func Compare(a, b Embedding, threshold float64) (Match, error) {
	distance, err := EuclideanDistance(a, b)
	if err != nil {
		return Match{}, err
	}
	return Match{
		Distance:  distance,
		Threshold: threshold,
		Matched:   distance < threshold,
	}, nil
}
