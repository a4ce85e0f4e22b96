package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ridsans/pkg/config"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	cal    *config.Calibration
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "ridsans",
		Short: "Reduce small-angle neutron scattering measurements",
		Long: `ridsans parses raw .mpa detector files, applies the background,
container and transmission corrections and hands the corrected
intensities to the reduction engine for masking and Q binning.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ridsans.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json); overrides the configuration")

	rootCmd.AddCommand(inspectCmd, reduceCmd, batchCmd, stitchCmd, cacheCmd, configCmd)
}

// setup loads the configuration and builds the logger and the calibration
// shared by all commands.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Output.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Output.LogFormat = logFormat
	}

	logger, err = newLogger(cmd.ErrOrStderr(), cfg.Output.LogLevel, cfg.Output.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cal, err = cfg.BuildCalibration()
	if err != nil {
		return err
	}
	logger.Debug("Configuration loaded", "path", configPath, "wavelength_mode", cfg.Wavelength.Mode,
		"wavelength_a", cal.Wavelength.A, "wavelength_b", cal.Wavelength.B)
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
