// Package detector holds the 2D detector count image and the operations
// used to turn the native sensor readout into the active working region:
// row flipping, cropping, block-sum rebinning and flattening.
package detector

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Image is a 2D detector image in row-major order. Values are counts (or
// count-derived quantities) stored as float64 in a gonum dense matrix.
type Image struct {
	m *mat.Dense
}

// NewImage creates an image of the given size from row-major data. The
// slice is used as backing storage, not copied.
func NewImage(rows, cols int, data []float64) (*Image, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("image dimensions must be positive, got %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("image data has %d values, expected %d (%dx%d)", len(data), rows*cols, rows, cols)
	}
	return &Image{m: mat.NewDense(rows, cols, data)}, nil
}

// FromInt16 builds an image from signed 16-bit readout values.
func FromInt16(values []int16, rows, cols int) (*Image, error) {
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return NewImage(rows, cols, data)
}

// Dims returns the number of rows and columns.
func (im *Image) Dims() (rows, cols int) {
	return im.m.Dims()
}

// At returns the value at row r, column c.
func (im *Image) At(r, c int) float64 {
	return im.m.At(r, c)
}

// Len returns the total number of pixels.
func (im *Image) Len() int {
	r, c := im.m.Dims()
	return r * c
}

// Sum returns the sum of all pixel values.
func (im *Image) Sum() float64 {
	return mat.Sum(im.m)
}

// FlipRows returns a copy with the row order reversed (vertical flip), which
// brings the readout into the physical detector orientation.
func (im *Image) FlipRows() *Image {
	rows, cols := im.m.Dims()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		out.SetRow(rows-1-r, im.m.RawRowView(r))
	}
	return &Image{m: out}
}

// Crop returns a copy of the rows x cols sub-rectangle starting at (row0, col0).
func (im *Image) Crop(row0, col0, rows, cols int) (*Image, error) {
	if row0 < 0 || col0 < 0 {
		return nil, fmt.Errorf("crop origin must be non-negative, got (%d, %d)", row0, col0)
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("crop size must be positive, got %dx%d", rows, cols)
	}

	r, c := im.m.Dims()
	if row0+rows > r || col0+cols > c {
		return nil, fmt.Errorf("crop region [%d:%d, %d:%d] extends beyond image %dx%d",
			row0, row0+rows, col0, col0+cols, r, c)
	}

	view := im.m.Slice(row0, row0+rows, col0, col0+cols)
	return &Image{m: mat.DenseCopyOf(view)}, nil
}

// Rebin downsamples the image by summing disjoint n x n blocks. When a
// dimension is not a multiple of n, the remainder rows/columns at the high
// index end are dropped and trimmed is reported as true.
//
// Parameters:
//   - n: the block size; 1 returns an unchanged copy
//
// Returns:
//   - the rebinned image, whether trimming occurred, and an error for n < 1
//     or an image smaller than one block
func (im *Image) Rebin(n int) (*Image, bool, error) {
	if n < 1 {
		return nil, false, fmt.Errorf("rebin factor must be at least 1, got %d", n)
	}

	rows, cols := im.m.Dims()
	outRows, outCols := rows/n, cols/n
	if outRows == 0 || outCols == 0 {
		return nil, false, fmt.Errorf("image %dx%d is smaller than a %dx%d rebin block", rows, cols, n, n)
	}
	trimmed := rows%n != 0 || cols%n != 0

	out := mat.NewDense(outRows, outCols, nil)
	for r := 0; r < outRows*n; r++ {
		row := im.m.RawRowView(r)
		dst := out.RawRowView(r / n)
		for c := 0; c < outCols*n; c++ {
			dst[c/n] += row[c]
		}
	}

	return &Image{m: out}, trimmed, nil
}

// Flatten returns a fresh row-major copy of the pixel values.
func (im *Image) Flatten() []float64 {
	rows, cols := im.m.Dims()
	out := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		out = append(out, im.m.RawRowView(r)...)
	}
	return out
}

// Projections integrates the image along both axes. alongX[c] is the sum
// of column c over all rows and alongY[r] the sum of row r over all columns.
func (im *Image) Projections() (alongX, alongY []float64) {
	rows, cols := im.m.Dims()
	alongX = make([]float64, cols)
	alongY = make([]float64, rows)
	for r := 0; r < rows; r++ {
		for c, v := range im.m.RawRowView(r) {
			alongX[c] += v
			alongY[r] += v
		}
	}
	return alongX, alongY
}
