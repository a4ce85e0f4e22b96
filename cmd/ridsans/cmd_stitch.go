package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ridsans/pkg/binning"
	"ridsans/pkg/workspace"
)

var (
	stitchBins int
	stitchOut  string

	stitchCmd = &cobra.Command{
		Use:   "stitch CURVE...",
		Short: "Compute the rebin ranges for stitching reduced 1D curves",
		Long: `Compute the rebin ranges for stitching the reduced 1D curves of one
sample measured at several Q ranges. Each curve is trimmed to its first
unmasked bin and the stitched range spans all trimmed ranges.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runStitch,
	}
)

func init() {
	stitchCmd.Flags().IntVar(&stitchBins, "bins", 0, "Number of bins of the stitched curve (default from configuration)")
	stitchCmd.Flags().StringVarP(&stitchOut, "out", "o", "", "Write the ranges to this YAML file")
}

type stitchPart struct {
	Name  string        `yaml:"name"`
	Range binning.Range `yaml:"range"`
}

type stitchPlan struct {
	Name     string        `yaml:"name"`
	Parts    []stitchPart  `yaml:"parts"`
	Stitched binning.Range `yaml:"stitched"`
}

func runStitch(cmd *cobra.Command, args []string) error {
	bins := stitchBins
	if bins == 0 {
		bins = cfg.Processing.StitchBins
	}

	var plan stitchPlan
	ranges := make([]binning.Range, 0, len(args))
	for _, path := range args {
		c, err := workspace.LoadCurve(path)
		if err != nil {
			return err
		}
		r, err := binning.TrimRange(c.Edges, c.Intensity)
		if err != nil {
			return fmt.Errorf("trim %s: %w", c.Name, err)
		}
		ranges = append(ranges, r)
		plan.Parts = append(plan.Parts, stitchPart{Name: c.Name, Range: r})
	}

	stitched, err := binning.StitchRange(ranges, bins)
	if err != nil {
		return err
	}
	plan.Name = binning.StitchedName(plan.Parts[0].Name)
	plan.Stitched = stitched

	out := cmd.OutOrStdout()
	for _, p := range plan.Parts {
		fmt.Fprintf(out, "%-30s %s\n", p.Name, p.Range.Params())
	}
	fmt.Fprintf(out, "%-30s %s\n", plan.Name, plan.Stitched.Params())

	if stitchOut == "" {
		return nil
	}
	data, err := yaml.Marshal(&plan)
	if err != nil {
		return fmt.Errorf("error marshaling stitch plan: %w", err)
	}
	if err := os.WriteFile(stitchOut, data, 0644); err != nil {
		return fmt.Errorf("error writing stitch plan: %w", err)
	}
	return nil
}
