package config

import (
	"fmt"

	"ridsans/pkg/detector"
	"ridsans/pkg/geometry"
)

// Calibration is the process-wide instrument calibration. It is built once
// at start-up by Config.BuildCalibration and shared read-only by all components.
type Calibration struct {
	QRanges            geometry.QRangeTable
	SampleOffsetMM     float64
	DefaultDistanceMM  float64
	DefaultSelectorRPM float64
	Wavelength         geometry.WavelengthModel
	Beamstop           geometry.BeamstopSpec
	Detector           detector.Layout
	ImageToken         string
	KeepAllCounts      bool
}

// BuildCalibration validates the configuration and builds the calibration. In
// fit mode the wavelength constants are fitted here, once.
func (c *Config) BuildCalibration() (*Calibration, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	table, err := geometry.NewQRangeTable(c.Calibration.QRanges, c.Calibration.ToleranceMM)
	if err != nil {
		return nil, err
	}

	model := geometry.WavelengthModel{A: c.Wavelength.A, B: c.Wavelength.B}
	if c.Wavelength.Mode == WavelengthFit {
		model, err = geometry.FitWavelengthModel(c.Wavelength.Reference)
		if err != nil {
			return nil, fmt.Errorf("fit wavelength model: %w", err)
		}
	}

	return &Calibration{
		QRanges:            table,
		SampleOffsetMM:     c.Calibration.SampleOffsetMM,
		DefaultDistanceMM:  c.Calibration.DefaultDistanceMM,
		DefaultSelectorRPM: c.Calibration.DefaultSelectorRPM,
		Wavelength:         model,
		Beamstop:           c.Beamstop,
		Detector:           c.Detector,
		ImageToken:         c.Parsing.ImageToken,
		KeepAllCounts:      c.Parsing.KeepAllCounts,
	}, nil
}

// DefaultCalibration returns the calibration of the default configuration.
func DefaultCalibration() *Calibration {
	cal, err := DefaultConfig().BuildCalibration()
	if err != nil {
		// the defaults are constants; failing here is a programming error
		panic(err)
	}
	return cal
}
