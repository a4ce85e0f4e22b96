package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Velocity selector characterisation constants (wavelength = A/rpm + B).
const (
	DefaultWavelengthA = 1.27085576e05  // Å·RPM
	DefaultWavelengthB = 3.34615760e-03 // Å
)

// CalibrationPoint is one (velocity selector speed, wavelength) pair of the
// selector characterisation table.
type CalibrationPoint struct {
	RPM        float64 `yaml:"rpm"`
	Wavelength float64 `yaml:"wavelength"`
}

// DefaultReferenceTable is the selector characterisation measured on the
// test data set. Fitting it yields DefaultWavelengthA/B; the two diverge as
// soon as the table is edited.
var DefaultReferenceTable = []CalibrationPoint{
	{RPM: 9100, Wavelength: 14.0},
	{RPM: 9750, Wavelength: 13.0},
	{RPM: 10600, Wavelength: 12.0},
	{RPM: 11550, Wavelength: 11.0},
	{RPM: 12700, Wavelength: 10.0},
	{RPM: 14150, Wavelength: 9.0},
	{RPM: 21200, Wavelength: 6.0},
	{RPM: 23100, Wavelength: 5.5},
	{RPM: 25450, Wavelength: 5.0},
}

// WavelengthModel maps a velocity selector speed to the nominal neutron
// wavelength through lambda = A/rpm + B.
type WavelengthModel struct {
	A float64 // Å·RPM
	B float64 // Å
}

// DefaultWavelengthModel returns the model with the fixed characterisation constants.
func DefaultWavelengthModel() WavelengthModel {
	return WavelengthModel{A: DefaultWavelengthA, B: DefaultWavelengthB}
}

// Wavelength returns the nominal wavelength in Å for a selector speed in RPM.
// A zero speed has no wavelength (background measurements); callers check
// for it before calling.
func (m WavelengthModel) Wavelength(rpm float64) float64 {
	return m.A/rpm + m.B
}

// FitWavelengthModel performs the least-squares fit of lambda = A/rpm + B
// over a reference table. The model is linear in A and B, so fitting the
// wavelength against 1/rpm with an ordinary linear regression gives the
// same optimum as a non-linear curve fit.
//
// Parameters:
//   - points: at least two reference pairs with distinct, non-zero speeds
//
// Returns:
//   - the fitted model, or an error when the table cannot determine it
func FitWavelengthModel(points []CalibrationPoint) (WavelengthModel, error) {
	if len(points) < 2 {
		return WavelengthModel{}, fmt.Errorf("wavelength fit needs at least 2 reference points, got %d", len(points))
	}

	inv := make([]float64, len(points))
	lambda := make([]float64, len(points))
	for i, p := range points {
		if p.RPM == 0 {
			return WavelengthModel{}, errors.New("wavelength reference point with zero RPM")
		}
		inv[i] = 1 / p.RPM
		lambda[i] = p.Wavelength
	}

	// stat.LinearRegression returns (intercept, slope) of lambda = alpha + beta*x
	alpha, beta := stat.LinearRegression(inv, lambda, nil, false)
	if math.IsNaN(alpha) || math.IsNaN(beta) || math.IsInf(beta, 0) {
		return WavelengthModel{}, errors.New("degenerate wavelength fit: reference speeds must differ")
	}

	return WavelengthModel{A: beta, B: alpha}, nil
}
