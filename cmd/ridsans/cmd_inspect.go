package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"ridsans/internal/models"
	"ridsans/pkg/geometry"
	"ridsans/pkg/mask"
	"ridsans/pkg/mpa"
	"ridsans/pkg/visualization"
)

var (
	inspectYAML  bool
	previewDir   string
	previewWidth int

	inspectCmd = &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Parse measurement files and print their metadata",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runInspect,
	}
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectYAML, "yaml", false, "Print the summaries as YAML")
	inspectCmd.Flags().StringVar(&previewDir, "preview", "", "Write a log-scale PNG of each working region to this directory")
	inspectCmd.Flags().IntVar(&previewWidth, "preview-width", 552, "Width of the preview images in pixels")
}

// summary is the printable metadata of one measurement.
type summary struct {
	Name          string   `yaml:"name"`
	Checksum      string   `yaml:"checksum"`
	Sample        string   `yaml:"sample,omitempty"`
	QRange        string   `yaml:"qRange,omitempty"`
	DistanceM     float64  `yaml:"distanceM,omitempty"`
	SelectorRPM   float64  `yaml:"selectorRPM"`
	Wavelength    float64  `yaml:"wavelength,omitempty"`
	TimeS         float64  `yaml:"timeS"`
	TotalCounts   int64    `yaml:"totalCounts"`
	MonitorCounts int64    `yaml:"monitorCounts,omitempty"`
	I0            float64  `yaml:"i0"`
	Beamstop      string   `yaml:"beamstop,omitempty"`
	Pixels        int      `yaml:"pixels"`
	MeanCounts    float64  `yaml:"meanCounts"`
	StdDevCounts  float64  `yaml:"stdDevCounts"`
	PeakColumn    int      `yaml:"peakColumn"`
	PeakRow       int      `yaml:"peakRow"`
	Diagnostics   []string `yaml:"diagnostics,omitempty"`
}

func summarize(rec *models.MeasurementRecord) summary {
	s := summary{
		Name:          rec.Name,
		Checksum:      rec.Checksum,
		Sample:        rec.Sample,
		QRange:        rec.QRange,
		SelectorRPM:   rec.VelocitySelectorRPM,
		TimeS:         rec.MeasurementTime,
		TotalCounts:   rec.TotalCounts,
		MonitorCounts: rec.MonitorCount,
		I0:            rec.I0,
		Pixels:        rec.PixelCount,
	}
	if rec.HasDistance {
		s.DistanceM = rec.DetectorDistance
	}
	if rec.HasWavelength {
		s.Wavelength = rec.Wavelength
	}
	if rec.Beamstop != nil {
		s.Beamstop = rec.Beamstop.Size.String()
	}

	s.MeanCounts, s.StdDevCounts = stat.MeanStdDev(rec.Counts, nil)
	alongX, alongY := rec.ActiveRegion.Projections()
	s.PeakColumn = floats.MaxIdx(alongX)
	s.PeakRow = floats.MaxIdx(alongY)

	for _, d := range rec.Diagnostics {
		s.Diagnostics = append(s.Diagnostics, d.Error())
	}
	return s
}

func runInspect(cmd *cobra.Command, args []string) error {
	parser := mpa.NewParser(cal, logger)
	out := cmd.OutOrStdout()

	var summaries []summary
	for _, path := range args {
		rec, err := parser.ParseFile(path)
		if err != nil {
			return err
		}
		summaries = append(summaries, summarize(rec))

		if previewDir != "" {
			if err := writePreview(rec); err != nil {
				return err
			}
		}
	}

	if inspectYAML {
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(summaries)
	}
	for _, s := range summaries {
		printSummary(out, s)
	}
	return nil
}

func printSummary(w io.Writer, s summary) {
	fmt.Fprintf(w, "%s\n", s.Name)
	fmt.Fprintf(w, "  checksum:    %s\n", s.Checksum)
	if s.Sample != "" {
		fmt.Fprintf(w, "  sample:      %s\n", s.Sample)
	}
	if s.QRange != "" {
		fmt.Fprintf(w, "  Q range:     %s (%.4f m)\n", s.QRange, s.DistanceM)
	} else {
		fmt.Fprintf(w, "  Q range:     unknown\n")
	}
	if s.Wavelength > 0 {
		fmt.Fprintf(w, "  wavelength:  %.4f Å (%.0f rpm)\n", s.Wavelength, s.SelectorRPM)
	} else {
		fmt.Fprintf(w, "  wavelength:  none (background)\n")
	}
	fmt.Fprintf(w, "  time:        %.2f s\n", s.TimeS)
	fmt.Fprintf(w, "  counts:      %d total, monitor %d\n", s.TotalCounts, s.MonitorCounts)
	fmt.Fprintf(w, "  I0:          %.6g /s\n", s.I0)
	if s.Beamstop != "" {
		fmt.Fprintf(w, "  beamstop:    %s\n", s.Beamstop)
	}
	fmt.Fprintf(w, "  pixels:      %d, mean %.4g ± %.4g counts, peak at column %d row %d\n",
		s.Pixels, s.MeanCounts, s.StdDevCounts, s.PeakColumn, s.PeakRow)
	for _, d := range s.Diagnostics {
		fmt.Fprintf(w, "  warning:     %s\n", d)
	}
}

// writePreview renders the working region with the configured masks.
func writePreview(rec *models.MeasurementRecord) error {
	v := visualization.NewViewer(rec.ActiveRegion, true)

	opts := mask.Options{
		Center:           mask.Point{X: cfg.Masks.CenterX, Y: cfg.Masks.CenterY},
		ROIRadius:        cfg.Masks.ROIRadius,
		ROIExcludeInside: cfg.Masks.ROIExcludeInside,
	}
	if cfg.Masks.ActiveArea {
		opts.ActiveWidth, opts.ActiveHeight = cal.Detector.ActiveWidth, cal.Detector.ActiveHeight
	}
	if cfg.Masks.Beamstop && rec.Beamstop != nil && rec.Beamstop.Size == geometry.LargeBeamstop {
		opts.Beamstop = rec.Beamstop
	}
	positions := mask.NewGrid(cal.Detector, cal.KeepAllCounts).Positions()
	spectra, err := mask.Build(positions, opts)
	if err != nil {
		return err
	}
	v.SetMask(spectra)

	path := filepath.Join(previewDir, rec.Name+".png")
	if err := visualization.Save(visualization.Scale(v.Render(), previewWidth), path); err != nil {
		return fmt.Errorf("write preview of %s: %w", rec.Name, err)
	}
	logger.Info("Preview written", "path", path)
	return nil
}
