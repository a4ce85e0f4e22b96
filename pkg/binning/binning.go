// Package binning derives the wavelength window and the Q-space binning
// parameters handed to the reduction engine. It does not bin data itself.
package binning

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"ridsans/internal/models"
)

// Defaults
const (
	// DefaultSpread is the full relative width Δλ/λ0 of the wavelength bin
	DefaultSpread = 0.1

	// DefaultBins is the number of Q bins of a 1D plan
	DefaultBins = 200

	// DefaultStitchBins is the number of bins of a stitched curve
	DefaultStitchBins = 50
)

// Dimensions of a reduction
const (
	OneD = 1
	TwoD = 2
)

var (
	// ErrNoWavelength is returned for records without a nominal wavelength
	ErrNoWavelength = errors.New("measurement has no nominal wavelength")

	// ErrNoDistance is returned for records without a detector distance
	ErrNoDistance = errors.New("measurement has no detector distance")
)

// WavelengthBins is the single wavelength bin [Min, Max] in Å.
type WavelengthBins struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Center returns the nominal wavelength at the middle of the bin.
func (w WavelengthBins) Center() float64 {
	return (w.Min + w.Max) / 2
}

// Wavelength returns the window λ0·(1 ∓ spread/2) around the nominal
// wavelength.
func Wavelength(lambda0, spread float64) WavelengthBins {
	return WavelengthBins{
		Min: lambda0 * (1 - spread/2),
		Max: lambda0 * (1 + spread/2),
	}
}

// QMax returns the largest momentum transfer (Å⁻¹) seen at the edge of the
// active area: 4π/λ0 · sin(atan(halfWidth/distance)/2).
//
// Parameters:
//   - lambda0: nominal wavelength in Å
//   - distance: sample-to-detector distance in m
//   - halfWidth: half the active detector width in m
func QMax(lambda0, distance, halfWidth float64) float64 {
	return 4 * math.Pi / lambda0 * math.Sin(math.Atan(halfWidth/distance)/2)
}

// Plan1D is a radial binning on equally spaced edges from 0 to Max.
type Plan1D struct {
	Edges []float64 `yaml:"edges"`
	Min   float64   `yaml:"min"`
	Step  float64   `yaml:"step"`
	Max   float64   `yaml:"max"`
}

// Plan2D is a square Cartesian binning over ±MaxQxy.
type Plan2D struct {
	MaxQxy float64 `yaml:"maxQxy"`
	DeltaQ float64 `yaml:"deltaQ"`
}

// NewPlan1D returns N bins spanning [0, qmax].
func NewPlan1D(qmax float64, n int) (Plan1D, error) {
	if n < 1 {
		return Plan1D{}, fmt.Errorf("invalid number of bins %d", n)
	}
	edges := make([]float64, n+1)
	floats.Span(edges, 0, qmax)
	return Plan1D{Edges: edges, Min: 0, Step: qmax / float64(n), Max: qmax}, nil
}

// NewPlan2D returns a grid of ±qmax with n steps across the full width.
func NewPlan2D(qmax float64, n int) (Plan2D, error) {
	if n < 2 {
		return Plan2D{}, fmt.Errorf("invalid number of bins %d", n)
	}
	return Plan2D{MaxQxy: qmax, DeltaQ: qmax / (float64(n) / 2)}, nil
}

// Plan holds the wavelength window and Q binning of one reduced measurement.
type Plan struct {
	Dimension  int            `yaml:"dimension"`
	Wavelength WavelengthBins `yaml:"wavelength"`
	QMax       float64        `yaml:"qMax"`
	OneD       *Plan1D        `yaml:"oneD,omitempty"`
	TwoD       *Plan2D        `yaml:"twoD,omitempty"`
}

// Planner derives plans from records.
type Planner struct {
	spread    float64
	bins      int
	halfWidth float64
}

// NewPlanner creates a planner for a detector with the given active width (m).
func NewPlanner(spread float64, bins int, activeWidth float64) *Planner {
	return &Planner{spread: spread, bins: bins, halfWidth: activeWidth / 2}
}

// Plan derives the wavelength window and the Q binning for rec.
func (p *Planner) Plan(rec *models.MeasurementRecord, dimension int) (*Plan, error) {
	if !rec.HasWavelength {
		return nil, fmt.Errorf("%w: %s", ErrNoWavelength, rec.Name)
	}
	if !rec.HasDistance || rec.DetectorDistance <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDistance, rec.Name)
	}
	return p.PlanFor(rec.Wavelength, rec.DetectorDistance, dimension)
}

// PlanFor derives a plan from a nominal wavelength and a distance.
func (p *Planner) PlanFor(lambda0, distance float64, dimension int) (*Plan, error) {
	if lambda0 <= 0 {
		return nil, fmt.Errorf("%w: λ0 = %g", ErrNoWavelength, lambda0)
	}
	plan := &Plan{
		Dimension:  dimension,
		Wavelength: Wavelength(lambda0, p.spread),
		QMax:       QMax(lambda0, distance, p.halfWidth),
	}

	switch dimension {
	case OneD:
		p1, err := NewPlan1D(plan.QMax, p.bins)
		if err != nil {
			return nil, err
		}
		plan.OneD = &p1
	case TwoD:
		p2, err := NewPlan2D(plan.QMax, p.bins)
		if err != nil {
			return nil, err
		}
		plan.TwoD = &p2
	default:
		return nil, fmt.Errorf("unsupported dimension %d", dimension)
	}
	return plan, nil
}
