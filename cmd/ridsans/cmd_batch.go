package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ridsans/internal/metrics"
	"ridsans/pkg/batch"
	"ridsans/pkg/workspace"
)

var (
	cacheDir    string
	forceReload bool
	metricsFile string

	batchCmd = &cobra.Command{
		Use:   "batch FILE",
		Short: "Reduce all measurements listed in a batch file",
		Long: `Reduce all measurements listed in a batch file. Rows sharing a set
name reuse the transmission factors of their widest-angle member. Results
are kept in the cache directory and reused while the input files are
unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: runBatch,
	}
)

func init() {
	f := batchCmd.Flags()
	f.StringVarP(&outputDir, "out", "o", "", "Hand-off directory (default from configuration)")
	f.StringVar(&cacheDir, "cache", "", "Result cache directory (default from configuration; empty keeps it in memory)")
	f.BoolVar(&forceReload, "force-reload", false, "Ignore cached results and reduce everything again")
	f.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file (default from configuration)")
	f.StringVar(&efficiencyFile, "efficiency", "", "Relative pixel efficiency map")
	f.IntVar(&dimension, "dimension", 0, "Binning dimension, 1 or 2 (default from configuration)")
	f.BoolVar(&noDirect, "no-direct", false, "Do not hand off the direct beams")
}

func runBatch(cmd *cobra.Command, args []string) error {
	file, err := batch.Load(args[0])
	if err != nil {
		return err
	}

	if cacheDir == "" {
		cacheDir = cfg.Output.CacheDir
	}
	if metricsFile == "" {
		metricsFile = cfg.Output.MetricsFile
	}

	rec := metrics.New()
	reducer, engine, err := newReducer(outputDir, rec)
	if err != nil {
		return err
	}

	store, err := workspace.OpenStore(cacheDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := batch.NewRunner(reducer, store, logger, rec)
	runner.ForceReload = forceReload

	start := time.Now()
	outcomes, runErr := runner.Run(cmd.Context(), file)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SET\tMEASUREMENT\tQ\tBRANCH\tT_SAMPLE\tT_CAN\tSTATUS")
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(tw, "%s\t%s\t\t\t\t\tfailed: %v\n", o.Set, o.Name, o.Err)
			continue
		}
		status := "reduced"
		if o.Cached {
			status = "cached"
		}
		r := o.Result
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\t%.4f\t%s\n", o.Set, o.Name, r.QRange, r.Branch, r.TSample, r.TCan, status)
	}
	tw.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d measurements in %.2f seconds, hand-offs in %s\n",
		len(outcomes), time.Since(start).Seconds(), engine.Dir())

	if metricsFile != "" {
		if err := rec.WriteTextfile(metricsFile); err != nil {
			logger.Warn("Failed to write metrics", "path", metricsFile, "error", err)
		}
	}
	return runErr
}
