// Package geometry resolves the instrument configuration of a measurement:
// which Q range (sample-to-detector distance) it was taken in, the nominal
// wavelength selected by the velocity selector, and the beamstop geometry.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// QRange is one of the fixed sample-to-detector configurations of the
// instrument. DistanceMM is the nominal FZZ reading (without the sample
// offset) at which the detector sits for this configuration.
type QRange struct {
	Label      string
	DistanceMM float64
}

// FilenameToken is the token used in file names of measurements that carry
// no header, e.g. "Q3" for label "3".
func (q QRange) FilenameToken() string {
	return "Q" + q.Label
}

// CalibrationMismatchError is returned when a distance reading is further
// than the tolerance from every known Q range.
type CalibrationMismatchError struct {
	DistanceMM float64
	Nearest    QRange
	ResidualMM float64
	Tolerance  float64
}

func (e *CalibrationMismatchError) Error() string {
	return fmt.Sprintf("measured distance %g mm is off by %.2f mm from Q range %s (%g mm), which exceeds the allowed tolerance of %g mm",
		e.DistanceMM, e.ResidualMM, e.Nearest.Label, e.Nearest.DistanceMM, e.Tolerance)
}

// QRangeTable is the calibration table mapping Q range labels to their
// nominal distances. It is immutable after construction.
type QRangeTable struct {
	entries   []QRange
	tolerance float64
}

// NewQRangeTable builds a table from label -> distance (mm) pairs. Entries
// are kept sorted by label so that lookups are deterministic.
func NewQRangeTable(distances map[string]float64, toleranceMM float64) (QRangeTable, error) {
	if len(distances) == 0 {
		return QRangeTable{}, errors.New("empty Q range table")
	}
	if toleranceMM < 0 {
		return QRangeTable{}, fmt.Errorf("negative Q range tolerance %g", toleranceMM)
	}

	entries := make([]QRange, 0, len(distances))
	for label, d := range distances {
		if label == "" {
			return QRangeTable{}, errors.New("empty Q range label")
		}
		entries = append(entries, QRange{Label: label, DistanceMM: d})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Label < entries[j].Label })

	return QRangeTable{entries: entries, tolerance: toleranceMM}, nil
}

// Entries returns a copy of the table entries ordered by label.
func (t QRangeTable) Entries() []QRange {
	out := make([]QRange, len(t.entries))
	copy(out, t.entries)
	return out
}

// Tolerance returns the maximum accepted residual in mm.
func (t QRangeTable) Tolerance() float64 {
	return t.tolerance
}

// Lookup returns the entry with the given label.
func (t QRangeTable) Lookup(label string) (QRange, bool) {
	for _, e := range t.entries {
		if e.Label == label {
			return e, true
		}
	}
	return QRange{}, false
}

// Resolve finds the Q range whose nominal distance is closest to the
// uncorrected (pre-offset) distance reading. On ties the entry with the
// lowest label wins.
//
// Parameters:
//   - uncorrectedMM: the FZZ reading in mm, before the sample offset is added
//
// Returns:
//   - the matching Q range, the absolute residual in mm, and a
//     *CalibrationMismatchError when the residual exceeds the tolerance
func (t QRangeTable) Resolve(uncorrectedMM float64) (QRange, float64, error) {
	if len(t.entries) == 0 {
		return QRange{}, 0, errors.New("empty Q range table")
	}

	best := t.entries[0]
	bestResidual := math.Abs(uncorrectedMM - best.DistanceMM)
	for _, e := range t.entries[1:] {
		r := math.Abs(uncorrectedMM - e.DistanceMM)
		if r < bestResidual {
			best, bestResidual = e, r
		}
	}

	if bestResidual > t.tolerance || math.IsNaN(bestResidual) {
		return best, bestResidual, &CalibrationMismatchError{
			DistanceMM: uncorrectedMM,
			Nearest:    best,
			ResidualMM: bestResidual,
			Tolerance:  t.tolerance,
		}
	}
	return best, bestResidual, nil
}

// MatchFilename returns the first entry (in label order) whose filename
// token occurs in name. It is used for background files that carry no header.
func (t QRangeTable) MatchFilename(name string) (QRange, bool) {
	for _, e := range t.entries {
		if strings.Contains(name, e.FilenameToken()) {
			return e, true
		}
	}
	return QRange{}, false
}

// WidestAngle picks, among the given labels, the Q range with the shortest
// nominal distance, i.e. the one covering the largest scattering angles.
// Unknown labels are ignored; ok is false when none is known.
func (t QRangeTable) WidestAngle(labels []string) (QRange, bool) {
	var (
		best  QRange
		found bool
	)
	for _, l := range labels {
		e, ok := t.Lookup(l)
		if !ok {
			continue
		}
		if !found || e.DistanceMM < best.DistanceMM {
			best, found = e, true
		}
	}
	return best, found
}
