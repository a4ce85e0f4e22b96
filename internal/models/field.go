package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Branch identifies which correction formula produced a corrected field.
type Branch int

const (
	// NoCan: the sample was measured without a container
	NoCan Branch = iota

	// CanWithoutTransmission: a can scatter measurement exists but no can
	// transmission, so one transmission factor covers sample and can
	CanWithoutTransmission

	// CanWithTransmission: can scatter and can transmission are both present
	CanWithTransmission
)

func (b Branch) String() string {
	switch b {
	case NoCan:
		return "no-can"
	case CanWithoutTransmission:
		return "can"
	case CanWithTransmission:
		return "can-transmission"
	default:
		return "unknown"
	}
}

// ParseBranch returns the branch named s, as printed by Branch.String.
func ParseBranch(s string) (Branch, error) {
	for _, b := range []Branch{NoCan, CanWithoutTransmission, CanWithTransmission} {
		if b.String() == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown correction branch %q", s)
}

// CorrectedField is the background- and transmission-corrected intensity
// of one sample measurement together with the metadata needed to reuse the
// transmission factors across a measurement set.
type CorrectedField struct {
	// Name is the name of the sample scatter record
	Name string

	// I and DI are the corrected intensity and its uncertainty per pixel
	I  []float64
	DI []float64

	// TSample and TCan are the transmission factors that were applied
	TSample float64
	TCan    float64

	// QRange is the Q range label of the sample scatter measurement
	QRange string

	// Branch is the correction formula that was used
	Branch Branch

	// Warnings lists physically suspicious but non-fatal findings
	Warnings []string
}

// Scale multiplies I and DI in place, e.g. by 1/thickness.
func (f *CorrectedField) Scale(factor float64) {
	floats.Scale(factor, f.I)
	floats.Scale(factor, f.DI)
}
