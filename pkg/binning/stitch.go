package binning

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Range is a rebin parameter triple.
type Range struct {
	Min  float64 `yaml:"min"`
	Step float64 `yaml:"step"`
	Max  float64 `yaml:"max"`
}

// Params formats the range the way the reduction engine expects it.
func (r Range) Params() string {
	return fmt.Sprintf("%g,%g,%g", r.Min, r.Step, r.Max)
}

// TrimRange computes the rebin range that drops the leading masked bins of
// a reduced 1D curve. Masked bins come back as NaN or 0 and would otherwise
// turn the whole stitched curve into NaN.
//
// Parameters:
//   - edges: the bin edges of the curve (len(intensity)+1 values)
//   - intensity: the reduced intensity per bin
func TrimRange(edges, intensity []float64) (Range, error) {
	if len(edges) < 2 {
		return Range{}, errors.New("need at least two bin edges")
	}
	q := edges[:len(edges)-1]

	first := 0
	for i, v := range intensity {
		if !math.IsNaN(v) && v != 0 {
			first = i
			break
		}
	}

	qmin := floats.Min(q)
	if first < len(q) {
		qmin = q[first]
	}
	qmax := floats.Max(q)
	steps := len(q) - first + 1
	return Range{Min: qmin, Step: (qmax - qmin) / float64(steps), Max: qmax}, nil
}

// StitchRange combines the trimmed ranges of several Q ranges into the range
// of the stitched curve with the given number of bins.
func StitchRange(ranges []Range, bins int) (Range, error) {
	if len(ranges) == 0 {
		return Range{}, errors.New("nothing to stitch")
	}
	if bins < 1 {
		return Range{}, fmt.Errorf("invalid number of bins %d", bins)
	}
	lo, hi := ranges[0].Min, ranges[0].Max
	for _, r := range ranges[1:] {
		lo = math.Min(lo, r.Min)
		hi = math.Max(hi, r.Max)
	}
	return Range{Min: lo, Step: (hi - lo) / float64(bins), Max: hi}, nil
}

// StitchedName derives the name of a stitched curve from one of its parts
// by replacing the last "_"-separated suffix, e.g. "sample_Q1" → "sample_stitched".
func StitchedName(part string) string {
	if i := strings.LastIndex(part, "_"); i >= 0 {
		part = part[:i]
	}
	return part + "_stitched"
}
