// Package visualization renders detector images as preview pictures.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"ridsans/pkg/detector"
)

// maskColor marks masked pixels in a preview
var maskColor = color.RGBA{R: 220, A: 255}

// Viewer renders one detector image.
type Viewer struct {
	// data holds the pixel values in row-major order
	data []float64

	// dimensions of the image
	rows int
	cols int

	// logScale renders log(1+counts) instead of counts
	logScale bool

	// masked holds the 1-based spectra drawn in maskColor
	masked map[int]struct{}
}

// NewViewer creates a viewer for img. Counts are shown on a logarithmic
// scale when logScale is set.
func NewViewer(img *detector.Image, logScale bool) *Viewer {
	rows, cols := img.Dims()
	return &Viewer{
		data:     img.Flatten(),
		rows:     rows,
		cols:     cols,
		logScale: logScale,
	}
}

// SetMask marks the given 1-based spectra as masked.
func (v *Viewer) SetMask(spectra []int) {
	v.masked = make(map[int]struct{}, len(spectra))
	for _, s := range spectra {
		v.masked[s] = struct{}{}
	}
}

func (v *Viewer) level(x float64) float64 {
	if x < 0 {
		x = 0
	}
	if v.logScale {
		return math.Log1p(x)
	}
	return x
}

// Render draws the image with the lowest detector row at the bottom.
// Values are normalised to the brightest pixel.
func (v *Viewer) Render() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, v.cols, v.rows))

	maxLevel := 0.0
	for _, x := range v.data {
		maxLevel = math.Max(maxLevel, v.level(x))
	}

	for r := 0; r < v.rows; r++ {
		y := v.rows - 1 - r
		for c := 0; c < v.cols; c++ {
			idx := r*v.cols + c
			if _, ok := v.masked[idx+1]; ok {
				img.SetRGBA(c, y, maskColor)
				continue
			}
			g := uint8(0)
			if maxLevel > 0 {
				g = uint8(math.Round(255 * v.level(v.data[idx]) / maxLevel))
			}
			img.SetRGBA(c, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img
}

// Scale resizes img to the given width, preserving the aspect ratio.
// Pixels are replicated so that detector pixels stay sharp.
func Scale(img image.Image, width int) image.Image {
	bounds := img.Bounds()
	if width <= 0 || width == bounds.Dx() {
		return img
	}
	height := int(math.Round(float64(bounds.Dy()) / float64(bounds.Dx()) * float64(width)))

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Rect, img, bounds, draw.Src, nil)
	return dst
}

// Save writes img as PNG or JPEG, chosen by the file extension.
func Save(img image.Image, filename string) error {
	var encode func(*os.File) error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		encode = func(f *os.File) error { return png.Encode(f, img) }
	case ".jpg", ".jpeg":
		encode = func(f *os.File) error { return jpeg.Encode(f, img, &jpeg.Options{Quality: 90}) }
	default:
		return fmt.Errorf("unsupported image format: %s", filename)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return encode(file)
}
