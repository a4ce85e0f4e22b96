// Package workspace is the boundary to the external reduction engine that
// stores named detector workspaces and performs masking, beam-centre
// finding and Q binning. Reduced data leave this module as Handoffs; the
// engine answers with opaque Handles.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ridsans/pkg/binning"
)

// Property names attached to every hand-off
const (
	PropQRange   = "Q_range_index"
	PropTSample  = "T_sample"
	PropTCan     = "T_can"
	PropBranch   = "branch"
	PropRunID    = "run_id"
	PropSample   = "sample"
	PropChecksum = "checksum"
)

// Handoff is everything the engine needs to build a workspace for one
// reduced measurement.
type Handoff struct {
	Name string `yaml:"name"`

	// Intensity and Uncertainty are per pixel, row-major, in the working
	// grid order (spectrum k is index k-1)
	Intensity   []float64 `yaml:"intensity"`
	Uncertainty []float64 `yaml:"uncertainty,omitempty"`

	// PixelAdjustment is the sensitivity correction applied during binning
	PixelAdjustment []float64 `yaml:"pixelAdjustment,omitempty"`

	// Wavelength is the single wavelength bin of the monochromatic data
	Wavelength binning.WavelengthBins `yaml:"wavelength"`

	// SampleOffset places the sample at -SampleOffset m along the beam
	// relative to the detector
	SampleOffset float64 `yaml:"sampleOffset"`

	// Plan is the Q binning; nil for workspaces that are not binned, e.g.
	// the direct beam used for beam-centre finding
	Plan *binning.Plan `yaml:"plan,omitempty"`

	// Properties are named metadata such as the Q range and the
	// transmission factors
	Properties map[string]string `yaml:"properties,omitempty"`
}

// Handle identifies a workspace inside the engine.
type Handle struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Engine is the external workspace and reduction engine.
type Engine interface {
	// Submit creates a workspace from a hand-off
	Submit(ctx context.Context, h Handoff) (Handle, error)

	// Mask excludes the given 1-based spectra of a workspace
	Mask(ctx context.Context, h Handle, spectra []int) error
}

// DirectoryEngine hands workspaces to an engine that picks them up from a
// directory: every hand-off becomes <name>.yaml and every mask
// <name>.mask.yaml.
type DirectoryEngine struct {
	dir string
}

// NewDirectoryEngine creates the output directory if needed.
func NewDirectoryEngine(dir string) (*DirectoryEngine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating hand-off directory: %w", err)
	}
	return &DirectoryEngine{dir: dir}, nil
}

// Dir returns the hand-off directory.
func (e *DirectoryEngine) Dir() string {
	return e.dir
}

// Submit writes the hand-off file.
func (e *DirectoryEngine) Submit(ctx context.Context, h Handoff) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if h.Name == "" {
		return Handle{}, fmt.Errorf("hand-off without a name")
	}

	path := filepath.Join(e.dir, SanitizeName(h.Name)+".yaml")
	if err := writeYAML(path, h); err != nil {
		return Handle{}, err
	}
	return Handle{ID: path, Name: h.Name}, nil
}

type maskFile struct {
	Workspace string `yaml:"workspace"`
	Spectra   []int  `yaml:"spectra"`
}

// Mask writes the spectrum list next to the hand-off file.
func (e *DirectoryEngine) Mask(ctx context.Context, h Handle, spectra []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(e.dir, SanitizeName(h.Name)+".mask.yaml")
	return writeYAML(path, maskFile{Workspace: h.Name, Spectra: spectra})
}

// LoadHandoff reads a hand-off file written by DirectoryEngine.
func LoadHandoff(path string) (*Handoff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading hand-off file: %w", err)
	}
	var h Handoff
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("error parsing hand-off file %s: %w", path, err)
	}
	return &h, nil
}

// LoadMask reads the spectrum list written for a workspace.
func LoadMask(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading mask file: %w", err)
	}
	var m maskFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing mask file %s: %w", path, err)
	}
	return m.Spectra, nil
}

// SanitizeName turns a workspace name into a file name.
func SanitizeName(name string) string {
	return strings.NewReplacer("/", "_", `\`, "_", " ", "_").Replace(name)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
