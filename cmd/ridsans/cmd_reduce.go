package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ridsans/internal/metrics"
	"ridsans/pkg/detector"
	"ridsans/pkg/reduction"
	"ridsans/pkg/workspace"
)

var (
	files          reduction.FileSet
	outputDir      string
	efficiencyFile string
	dimension      int
	noDirect       bool

	reduceCmd = &cobra.Command{
		Use:   "reduce",
		Short: "Reduce one sample measurement",
		Long: `Reduce one sample measurement: combine the sample scatter with the
transmission, direct beam, background and optional container measurements
and write the hand-off files for the reduction engine.`,
		Args: cobra.NoArgs,
		RunE: runReduce,
	}
)

func init() {
	f := reduceCmd.Flags()
	f.StringVar(&files.SampleScatter, "sample-scatter", "", "Sample scatter measurement")
	f.StringVar(&files.SampleTransmission, "sample-transmission", "", "Sample transmission measurement")
	f.StringVar(&files.CanScatter, "can-scatter", "", "Container scatter measurement")
	f.StringVar(&files.CanTransmission, "can-transmission", "", "Container transmission measurement")
	f.StringVar(&files.Direct, "direct", "", "Direct beam measurement")
	f.StringVar(&files.Background, "background", "", "Background measurement")
	f.Float64Var(&files.Thickness, "thickness", 0, "Sample thickness in cm; 0 leaves the intensity unscaled")
	f.StringVarP(&outputDir, "out", "o", "", "Hand-off directory (default from configuration)")
	f.StringVar(&efficiencyFile, "efficiency", "", "Relative pixel efficiency map")
	f.IntVar(&dimension, "dimension", 0, "Binning dimension, 1 or 2 (default from configuration)")
	f.BoolVar(&noDirect, "no-direct", false, "Do not hand off the direct beam")

	for _, name := range []string{"sample-scatter", "sample-transmission", "direct", "background"} {
		_ = reduceCmd.MarkFlagRequired(name)
	}
}

// newReducer builds a reducer writing to a directory engine, using the
// command line overrides shared by reduce and batch.
func newReducer(dir string, rec *metrics.Recorder) (*reduction.Reducer, *workspace.DirectoryEngine, error) {
	if dir == "" {
		dir = cfg.Output.Dir
	}
	engine, err := workspace.NewDirectoryEngine(dir)
	if err != nil {
		return nil, nil, err
	}

	params := reduction.ParamsFromConfig(cfg)
	params.RunID = uuid.NewString()
	params.HandOffDirect = !noDirect
	if dimension != 0 {
		params.Dimension = dimension
	}

	reducer := reduction.NewReducer(cal, params, engine, logger, rec)
	if efficiencyFile != "" {
		eff, err := detector.LoadEfficiency(efficiencyFile)
		if err != nil {
			return nil, nil, err
		}
		reducer.SetEfficiency(eff)
	}
	return reducer, engine, nil
}

func runReduce(cmd *cobra.Command, args []string) error {
	reducer, engine, err := newReducer(outputDir, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	red, err := reducer.Reduce(cmd.Context(), files, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	field := red.Field
	fmt.Fprintf(out, "Reduced %s in %.2f seconds\n", field.Name, time.Since(start).Seconds())
	fmt.Fprintf(out, "  Q range:        %s\n", field.QRange)
	fmt.Fprintf(out, "  correction:     %s\n", field.Branch)
	fmt.Fprintf(out, "  T_sample:       %.4f\n", field.TSample)
	fmt.Fprintf(out, "  T_can:          %.4f\n", field.TCan)
	fmt.Fprintf(out, "  λ window:       %.4f - %.4f Å\n", red.Plan.Wavelength.Min, red.Plan.Wavelength.Max)
	fmt.Fprintf(out, "  Q max:          %.5f 1/Å\n", red.Plan.QMax)
	if red.Plan.OneD != nil {
		fmt.Fprintf(out, "  Q binning:      %g, %g, %g\n", red.Plan.OneD.Min, red.Plan.OneD.Step, red.Plan.OneD.Max)
	}
	if red.Plan.TwoD != nil {
		fmt.Fprintf(out, "  Qxy binning:    max %g, step %g\n", red.Plan.TwoD.MaxQxy, red.Plan.TwoD.DeltaQ)
	}
	fmt.Fprintf(out, "  masked spectra: %d\n", red.Masked)
	for _, w := range field.Warnings {
		fmt.Fprintf(out, "  warning:        %s\n", w)
	}
	fmt.Fprintf(out, "Hand-off written to %s\n", engine.Dir())
	return nil
}
