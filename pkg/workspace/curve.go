package workspace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Curve is a reduced 1D curve returned by the engine: len(Edges) =
// len(Intensity)+1.
type Curve struct {
	Name        string    `yaml:"name"`
	Edges       []float64 `yaml:"edges"`
	Intensity   []float64 `yaml:"intensity"`
	Uncertainty []float64 `yaml:"uncertainty,omitempty"`
}

// LoadCurve reads a curve file.
func LoadCurve(path string) (*Curve, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading curve file: %w", err)
	}
	var c Curve
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("error parsing curve file %s: %w", path, err)
	}
	if len(c.Edges) != len(c.Intensity)+1 {
		return nil, fmt.Errorf("curve %s has %d edges for %d bins", path, len(c.Edges), len(c.Intensity))
	}
	return &c, nil
}
