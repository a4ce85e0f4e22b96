// Package config provides configuration loading and management for ridsans.
// It handles loading configuration from YAML files, provides default values
// and builds the immutable instrument calibration used by every component.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ridsans/pkg/detector"
	"ridsans/pkg/geometry"
)

// Wavelength modes
const (
	// WavelengthFixed uses the A/B constants from the configuration as-is
	WavelengthFixed = "fixed"

	// WavelengthFit fits A/B once over the reference table at start-up
	WavelengthFit = "fit"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Instrument calibration
	Calibration struct {
		// QRanges maps each Q range label to its nominal FZZ reading in mm
		QRanges map[string]float64 `yaml:"qRanges" validate:"required,min=1,dive,gt=0"`

		// ToleranceMM is the maximum accepted distance between a FZZ reading
		// and the nearest Q range
		ToleranceMM float64 `yaml:"toleranceMM" validate:"gte=0"`

		// SampleOffsetMM is added to FZZ to obtain the sample-to-detector distance
		SampleOffsetMM float64 `yaml:"sampleOffsetMM" validate:"gte=0"`

		// DefaultDistanceMM is used when a header has no FZZ key
		DefaultDistanceMM float64 `yaml:"defaultDistanceMM" validate:"gt=0"`

		// DefaultSelectorRPM is used when a header has no SpeedVS key
		DefaultSelectorRPM float64 `yaml:"defaultSelectorRPM" validate:"gte=0"`
	} `yaml:"calibration"`

	// Velocity selector wavelength model
	Wavelength struct {
		// Mode is "fixed" (use A and B) or "fit" (fit Reference once)
		Mode string `yaml:"mode" validate:"oneof=fixed fit"`

		// A and B define lambda = A/rpm + B
		A float64 `yaml:"a"`
		B float64 `yaml:"b"`

		// Reference is the selector characterisation used in fit mode
		Reference []geometry.CalibrationPoint `yaml:"reference" validate:"required_if=Mode fit,dive"`
	} `yaml:"wavelength"`

	// Detector geometry
	Detector detector.Layout `yaml:"detector"`

	// Large beamstop projection
	Beamstop geometry.BeamstopSpec `yaml:"beamstop"`

	// Parsing options
	Parsing struct {
		// ImageToken is the data block holding the 1024x1024 image
		ImageToken string `yaml:"imageToken" validate:"required,alphanum"`

		// KeepAllCounts skips cropping and rebinning
		KeepAllCounts bool `yaml:"keepAllCounts"`
	} `yaml:"parsing"`

	// Processing parameters
	Processing struct {
		// NumWorkers is how many measurement files are parsed concurrently
		NumWorkers int `yaml:"numWorkers" validate:"gte=1"`

		// WavelengthSpread is the full relative width of the wavelength bin
		WavelengthSpread float64 `yaml:"wavelengthSpread" validate:"gt=0,lt=2"`

		// NumberOfBins is the number of Q bins of a 1D reduction (and the
		// number of steps across the full width of a 2D one)
		NumberOfBins int `yaml:"numberOfBins" validate:"gte=2"`

		// Dimension selects a 1D (radial) or 2D (Cartesian) binning plan
		Dimension int `yaml:"dimension" validate:"oneof=1 2"`

		// StitchBins is the number of bins of a stitched multi-range curve
		StitchBins int `yaml:"stitchBins" validate:"gte=1"`
	} `yaml:"processing"`

	// Masks applied before hand-off
	Masks struct {
		// CenterX and CenterY are the beam centre in m
		CenterX float64 `yaml:"centerX"`
		CenterY float64 `yaml:"centerY"`

		// ROIRadius keeps only pixels within this radius (m); 0 disables it
		ROIRadius float64 `yaml:"roiRadius" validate:"gte=0"`

		// ROIExcludeInside masks the ROI disc instead of the pixels beyond it
		ROIExcludeInside bool `yaml:"roiExcludeInside"`

		// ActiveArea masks everything outside the active width x height
		ActiveArea bool `yaml:"activeArea"`

		// Beamstop masks the projected large beamstop
		Beamstop bool `yaml:"beamstop"`
	} `yaml:"masks"`

	// Output parameters
	Output struct {
		// Dir receives the hand-off files
		Dir string `yaml:"dir"`

		// CacheDir holds the reduced result store; empty keeps it in memory
		CacheDir string `yaml:"cacheDir"`

		// MetricsFile receives a Prometheus text file after batch runs
		MetricsFile string `yaml:"metricsFile"`

		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat" validate:"oneof=text json"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Distances of the four sample positions. FZZ is not always present in
	// the measurement files, so these also serve as fallbacks.
	cfg.Calibration.QRanges = map[string]float64{
		"1": 9742.34272,
		"2": 7427.9968,
		"3": 3422.98528,
		"4": 1432.00036,
	}
	cfg.Calibration.ToleranceMM = 5
	cfg.Calibration.SampleOffsetMM = 1320
	cfg.Calibration.DefaultDistanceMM = 3400
	cfg.Calibration.DefaultSelectorRPM = 21506

	cfg.Wavelength.Mode = WavelengthFixed
	cfg.Wavelength.A = geometry.DefaultWavelengthA
	cfg.Wavelength.B = geometry.DefaultWavelengthB
	cfg.Wavelength.Reference = append([]geometry.CalibrationPoint(nil), geometry.DefaultReferenceTable...)

	cfg.Detector = detector.DefaultLayout()
	cfg.Beamstop = geometry.DefaultBeamstopSpec()

	cfg.Parsing.ImageToken = "CDAT2"
	cfg.Parsing.KeepAllCounts = false

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.WavelengthSpread = 0.1
	cfg.Processing.NumberOfBins = 200
	cfg.Processing.Dimension = 1
	cfg.Processing.StitchBins = 50

	cfg.Output.Dir = "reduced"
	cfg.Output.LogLevel = "info"
	cfg.Output.LogFormat = "text"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

var validate = validator.New()

// Validate checks the configuration against its field constraints and the
// consistency of the detector layout.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Detector.Check()
}
