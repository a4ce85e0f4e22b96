package geometry

import (
	"fmt"
	"math"
)

// BeamstopSize tells which of the two beamstops is in the beam.
type BeamstopSize int

const (
	LargeBeamstop BeamstopSize = iota
	SmallBeamstop
)

func (s BeamstopSize) String() string {
	if s == SmallBeamstop {
		return "small"
	}
	return "large"
}

// BeamstopSpec holds the projected size of the large beamstop on the detector.
type BeamstopSpec struct {
	WidthPixels  int     `yaml:"widthPixels" validate:"gt=0"`
	HeightPixels int     `yaml:"heightPixels" validate:"gt=0"`
	PixelSize    float64 `yaml:"pixelSize" validate:"gt=0"` // m
}

// DefaultBeamstopSpec returns the nominal large beamstop projection. The
// pixel size is a placeholder until the detector datasheet is confirmed.
func DefaultBeamstopSpec() BeamstopSpec {
	return BeamstopSpec{WidthPixels: 62, HeightPixels: 62, PixelSize: 0.000275}
}

// UnsupportedGeometryError is returned when geometry is requested for a
// beamstop whose dimensions are not known.
type UnsupportedGeometryError struct {
	Size BeamstopSize
}

func (e *UnsupportedGeometryError) Error() string {
	return fmt.Sprintf("geometry of the %s beamstop is not known", e.Size)
}

// Beamstop describes the beamstop in place during a measurement. Positions
// are in metres. Only the large beamstop has computed geometry.
type Beamstop struct {
	Size   BeamstopSize
	LargeX float64
	SmallX float64
	Y      float64

	// Centre and extent of the projected large beamstop
	CenterX float64
	CenterY float64
	Width   float64
	Height  float64
}

// ClassifyBeamstop decides which beamstop is in the beam from the motor
// positions (m) and computes the projected geometry for the large one. The
// beamstop whose X motor is closest to zero is the active one.
func ClassifyBeamstop(largeX, smallX, y float64, spec BeamstopSpec) Beamstop {
	b := Beamstop{LargeX: largeX, SmallX: smallX, Y: y}
	if math.Abs(largeX) > math.Abs(smallX) {
		b.Size = SmallBeamstop
		return b
	}

	b.Size = LargeBeamstop
	b.Width = float64(spec.WidthPixels) * spec.PixelSize
	b.Height = float64(spec.HeightPixels) * spec.PixelSize
	// TODO: replace with the motor-to-projection mapping once the beamstop
	// geometry survey is available
	b.CenterX = largeX + b.Width
	b.CenterY = y - b.Height/6
	return b
}

// Rect returns the projected rectangle (centre and size) of the beamstop.
func (b Beamstop) Rect() (cx, cy, w, h float64, err error) {
	if b.Size != LargeBeamstop {
		return 0, 0, 0, 0, &UnsupportedGeometryError{Size: b.Size}
	}
	return b.CenterX, b.CenterY, b.Width, b.Height, nil
}
