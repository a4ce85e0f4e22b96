// Package mask decides which detector pixels are excluded before reduction.
//
// Pixels are identified by 1-based spectrum numbers in row-major order of
// the working grid, the numbering used by the engine's masking interface:
// spectrum k is pixel index k-1 of the flattened intensity array.
package mask

import (
	"math"
	"sort"

	"ridsans/pkg/detector"
	"ridsans/pkg/geometry"
)

// Point is a position in the detector plane in m.
type Point struct {
	X float64
	Y float64
}

// Grid is the nominal pixel grid of the working region, centred on the
// detector axis.
type Grid struct {
	Rows   int
	Cols   int
	PitchX float64
	PitchY float64
}

// NewGrid returns the working grid of layout.
func NewGrid(layout detector.Layout, keepAllCounts bool) Grid {
	n := layout.GridSize(keepAllCounts)
	dx, dy := layout.PixelPitch(keepAllCounts)
	return Grid{Rows: n, Cols: n, PitchX: dx, PitchY: dy}
}

// Positions returns the pixel centres in row-major order. Row 0 is the
// lowest row (images are flipped to the physical orientation on load) and
// column 0 the leftmost.
func (g Grid) Positions() []Point {
	pts := make([]Point, 0, g.Rows*g.Cols)
	x0 := float64(g.Cols) * g.PitchX / 2
	y0 := float64(g.Rows) * g.PitchY / 2
	for r := 0; r < g.Rows; r++ {
		y := (float64(r)+0.5)*g.PitchY - y0
		for c := 0; c < g.Cols; c++ {
			pts = append(pts, Point{X: (float64(c)+0.5)*g.PitchX - x0, Y: y})
		}
	}
	return pts
}

// Rectangle returns the spectra to exclude for a w x h rectangle centred at
// offset. Pixel i is excluded iff (|x−ox| > w/2 or |y−oy| > h/2) == !negative,
// so by default everything outside the rectangle is masked and negative
// masks the inside.
func Rectangle(positions []Point, w, h float64, offset Point, negative bool) []int {
	var spectra []int
	for i, p := range positions {
		outside := math.Abs(p.X-offset.X) > w/2 || math.Abs(p.Y-offset.Y) > h/2
		if outside == !negative {
			spectra = append(spectra, i+1)
		}
	}
	return spectra
}

// Circle returns the spectra to exclude for a circle of radius r centred at
// offset. Pixel i is excluded iff (dist > r) == !negative.
func Circle(positions []Point, r float64, offset Point, negative bool) []int {
	var spectra []int
	for i, p := range positions {
		outside := math.Hypot(p.X-offset.X, p.Y-offset.Y) > r
		if outside == !negative {
			spectra = append(spectra, i+1)
		}
	}
	return spectra
}

// Beamstop returns the spectra shadowed by the projected beamstop. Only the
// large beamstop has a known geometry; for the small one a
// *geometry.UnsupportedGeometryError is returned.
func Beamstop(positions []Point, bs geometry.Beamstop) ([]int, error) {
	cx, cy, w, h, err := bs.Rect()
	if err != nil {
		return nil, err
	}
	return Rectangle(positions, w, h, Point{X: cx, Y: cy}, true), nil
}

// Options selects the masks applied to a measurement. Zero values disable
// the corresponding mask.
type Options struct {
	// Center shifts the active area and ROI masks
	Center Point

	// ActiveWidth and ActiveHeight mask everything outside the active area
	ActiveWidth  float64
	ActiveHeight float64

	// ROIRadius masks everything further than this from Center
	ROIRadius float64

	// ROIExcludeInside inverts the ROI circle so that the disc itself is
	// masked and the pixels beyond ROIRadius are kept
	ROIExcludeInside bool

	// Beamstop masks the projected beamstop
	Beamstop *geometry.Beamstop
}

// Build combines the enabled masks into one sorted list of unique spectra.
func Build(positions []Point, opts Options) ([]int, error) {
	excluded := make(map[int]struct{})
	add := func(spectra []int) {
		for _, s := range spectra {
			excluded[s] = struct{}{}
		}
	}

	if opts.ActiveWidth > 0 && opts.ActiveHeight > 0 {
		add(Rectangle(positions, opts.ActiveWidth, opts.ActiveHeight, opts.Center, false))
	}
	if opts.ROIRadius > 0 {
		add(Circle(positions, opts.ROIRadius, opts.Center, opts.ROIExcludeInside))
	}
	if opts.Beamstop != nil {
		spectra, err := Beamstop(positions, *opts.Beamstop)
		if err != nil {
			return nil, err
		}
		add(spectra)
	}

	out := make([]int, 0, len(excluded))
	for s := range excluded {
		out = append(out, s)
	}
	sort.Ints(out)
	return out, nil
}
