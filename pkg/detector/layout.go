package detector

import "fmt"

// Layout describes the native sensor and the active region cut out of it.
type Layout struct {
	// NativeSize is the side length of the square sensor readout in pixels
	NativeSize int `yaml:"nativeSize" validate:"gt=0"`

	// CropRowStart and CropColStart locate the active region in readout coordinates
	CropRowStart int `yaml:"cropRowStart" validate:"gte=0"`
	CropColStart int `yaml:"cropColStart" validate:"gte=0"`

	// ActivePixels is the side length of the square active region
	ActivePixels int `yaml:"activePixels" validate:"gt=0"`

	// Rebin is the block-sum factor applied to the active region; 1 disables it
	Rebin int `yaml:"rebin" validate:"gte=1"`

	// ActiveWidth and ActiveHeight are the physical extent of the active region in m
	ActiveWidth  float64 `yaml:"activeWidth" validate:"gt=0"`
	ActiveHeight float64 `yaml:"activeHeight" validate:"gt=0"`
}

// DefaultLayout returns the layout of the 1024x1024 detector with its
// 552x552 active region rebinned by 4.
func DefaultLayout() Layout {
	return Layout{
		NativeSize:   1024,
		CropRowStart: 235,
		CropColStart: 239,
		ActivePixels: 552,
		Rebin:        4,
		ActiveWidth:  0.6,
		ActiveHeight: 0.6,
	}
}

// Check verifies that the active region fits inside the sensor.
func (l Layout) Check() error {
	if l.CropRowStart+l.ActivePixels > l.NativeSize || l.CropColStart+l.ActivePixels > l.NativeSize {
		return fmt.Errorf("active region %d px at (%d, %d) does not fit a %d px sensor",
			l.ActivePixels, l.CropRowStart, l.CropColStart, l.NativeSize)
	}
	if l.Rebin > l.ActivePixels {
		return fmt.Errorf("rebin factor %d exceeds active region of %d px", l.Rebin, l.ActivePixels)
	}
	return nil
}

// GridSize returns the side length of the working grid.
func (l Layout) GridSize(keepAllCounts bool) int {
	if keepAllCounts {
		return l.NativeSize
	}
	return l.ActivePixels / l.Rebin
}

// PixelCount returns the declared number of working pixels.
func (l Layout) PixelCount(keepAllCounts bool) int {
	n := l.GridSize(keepAllCounts)
	return n * n
}

// PixelPitch returns the physical size of one working pixel in m. In
// keep-all-counts mode the pitch of the active region is kept, so the grid
// extends beyond the active width.
func (l Layout) PixelPitch(keepAllCounts bool) (dx, dy float64) {
	dx = l.ActiveWidth / float64(l.ActivePixels)
	dy = l.ActiveHeight / float64(l.ActivePixels)
	if !keepAllCounts {
		dx *= float64(l.Rebin)
		dy *= float64(l.Rebin)
	}
	return dx, dy
}
