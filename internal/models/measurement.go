// Package models holds the data types shared by the parser, the correction
// pipeline and the reduction orchestrator.
package models

import (
	"ridsans/pkg/detector"
	"ridsans/pkg/geometry"
)

// MeasurementRecord is a single parsed measurement file. It is built once
// by the parser and treated as read-only afterwards.
type MeasurementRecord struct {
	// Name is the human readable identifier derived from the file name
	Name string

	// Path is the file the record was parsed from
	Path string

	// Checksum is the blake3 digest (hex) of the decompressed file content
	Checksum string

	// DetectorImage is the full readout after the row flip
	DetectorImage *detector.Image

	// ActiveRegion is the cropped (and possibly rebinned) working region. In
	// keep-all-counts mode it is the same image as DetectorImage.
	ActiveRegion *detector.Image

	// Counts is ActiveRegion flattened in row-major order
	Counts []float64

	// PixelCount is the declared number of working pixels
	PixelCount int

	// MeasurementTime is the live time in seconds (always > 0)
	MeasurementTime float64

	// TotalCounts is the detector total reported in the [CHN2] block
	TotalCounts int64

	// MonitorCount is the sc#01 scaler reading; HasMonitor is false when it
	// was absent or zero
	MonitorCount int64
	HasMonitor   bool

	// I is Counts / MeasurementTime and DI its Poisson uncertainty
	I  []float64
	DI []float64

	// I0 is the flux normaliser: monitor rate if a monitor reading exists,
	// otherwise the total detector rate
	I0 float64

	// DetectorDistance is the sample-to-detector distance in m including the
	// sample offset. HasDistance is false for header-less files whose name
	// does not identify a Q range.
	DetectorDistance float64
	HasDistance      bool

	// QRange is the resolved Q range label, empty when unresolved
	QRange string

	// VelocitySelectorRPM is the SpeedVS reading (or its default)
	VelocitySelectorRPM float64

	// Wavelength is the nominal wavelength in Å; HasWavelength is false for
	// background-type records (selector at 0 RPM or no header)
	Wavelength    float64
	HasWavelength bool

	// Sample is the free-text sample label from the header
	Sample string

	// Beamstop is nil when the header has no beamstop motor positions
	Beamstop *geometry.Beamstop

	// Header holds all key=value pairs preceding the [MCS8A A] marker
	Header map[string]string

	// Scaler holds the [SCALER A] section, if any
	Scaler map[string]string

	// Diagnostics collects the non-fatal problems found while parsing
	Diagnostics []error
}

// IsBackground reports whether the record looks like a background
// measurement (no header or the velocity selector at rest).
func (r *MeasurementRecord) IsBackground() bool {
	return !r.HasWavelength
}

// Release drops the pixel arrays so that the memory of a large readout can
// be reclaimed while the scalar metadata stays available.
func (r *MeasurementRecord) Release() {
	r.DetectorImage = nil
	r.ActiveRegion = nil
	r.Counts = nil
	r.I = nil
	r.DI = nil
}
