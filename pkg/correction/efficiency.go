package correction

import (
	"fmt"
	"math"
)

// PixelAdjustment builds the per-pixel sensitivity correction handed to the
// reduction engine. The efficiency map must have one entry per working
// pixel; non-positive and NaN entries are replaced by 1. The input is not modified.
func PixelAdjustment(efficiency []float64, pixelCount int) ([]float64, error) {
	if len(efficiency) != pixelCount {
		return nil, fmt.Errorf("%w: efficiency map has %d values for %d pixels", ErrShapeMismatch, len(efficiency), pixelCount)
	}
	adj := make([]float64, len(efficiency))
	for i, e := range efficiency {
		if e <= 0 || math.IsNaN(e) {
			e = 1
		}
		adj[i] = e
	}
	return adj, nil
}

// UniformAdjustment returns a pixel adjustment of all ones.
func UniformAdjustment(pixelCount int) []float64 {
	adj := make([]float64, pixelCount)
	for i := range adj {
		adj[i] = 1
	}
	return adj
}
