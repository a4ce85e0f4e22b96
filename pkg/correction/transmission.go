// Package correction turns parsed measurements into background- and
// transmission-corrected intensities with propagated Poisson uncertainty.
package correction

import (
	"errors"
	"fmt"

	"ridsans/internal/models"
)

// ErrShapeMismatch is returned when per-pixel arrays of the inputs differ
// in length.
var ErrShapeMismatch = errors.New("pixel array length mismatch")

// DivisionByZeroError is returned instead of propagating Inf or NaN when a
// normalising quantity evaluates to zero.
type DivisionByZeroError struct {
	Quantity string
}

func (e *DivisionByZeroError) Error() string {
	return fmt.Sprintf("division by zero: %s is 0", e.Quantity)
}

// Transmission plausibility limits
const (
	// MinReliableTransmission is the transmission below which multiple
	// scattering makes the correction questionable
	MinReliableTransmission = 0.8
)

// TransmissionFactor computes the fraction of the beam passing through a
// sample from a transmission measurement and a direct-beam measurement:
//
//	T = Σ(trans.I·β − bg.I) / Σ(direct.I − bg.I),  β = direct.I0 / trans.I0
//
// β compensates for different incident flux during the two acquisitions.
// When background is nil the background term is dropped and
// T = Σ(trans.I)/Σ(direct.I)·β. Sums run over all working pixels.
func TransmissionFactor(trans, direct, background *models.MeasurementRecord) (float64, error) {
	if trans == nil || direct == nil {
		return 0, errors.New("transmission factor needs a transmission and a direct-beam measurement")
	}
	if err := sameLength(trans, direct, background); err != nil {
		return 0, err
	}
	if trans.I0 == 0 {
		return 0, &DivisionByZeroError{Quantity: "flux of " + trans.Name}
	}
	beta := direct.I0 / trans.I0

	var num, den float64
	if background == nil {
		for i := range trans.I {
			num += trans.I[i]
			den += direct.I[i]
		}
		if den == 0 {
			return 0, &DivisionByZeroError{Quantity: "direct-beam intensity of " + direct.Name}
		}
		return num / den * beta, nil
	}

	for i := range trans.I {
		num += trans.I[i]*beta - background.I[i]
		den += direct.I[i] - background.I[i]
	}
	if den == 0 {
		return 0, &DivisionByZeroError{Quantity: "background-subtracted direct-beam intensity of " + direct.Name}
	}
	return num / den, nil
}

// TransmissionWarnings returns the plausibility findings for a transmission
// factor: outside [0, 1], and below MinReliableTransmission.
func TransmissionWarnings(label string, t float64) []string {
	var warnings []string
	if t < 0 || t > 1 {
		warnings = append(warnings, fmt.Sprintf("%s = %.4g is outside [0, 1]", label, t))
	}
	if t < MinReliableTransmission {
		warnings = append(warnings, fmt.Sprintf("%s = %.4g is below %.2g, single scattering may not hold", label, t, MinReliableTransmission))
	}
	return warnings
}

// sameLength checks that every non-nil record has as many I and DI values
// as the first one.
func sameLength(recs ...*models.MeasurementRecord) error {
	n := -1
	for _, r := range recs {
		if r == nil {
			continue
		}
		if n < 0 {
			n = len(r.I)
		}
		if len(r.I) != n || len(r.DI) != n {
			return fmt.Errorf("%w: %s has %d/%d values, expected %d", ErrShapeMismatch, r.Name, len(r.I), len(r.DI), n)
		}
	}
	return nil
}
