// Package reduction runs the full reduction of one sample: it loads the
// measurement files, combines them into a corrected intensity, derives the
// binning plan and masks, and hands everything to the reduction engine.
package reduction

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"ridsans/internal/metrics"
	"ridsans/internal/models"
	"ridsans/pkg/binning"
	"ridsans/pkg/config"
	"ridsans/pkg/correction"
	"ridsans/pkg/mask"
	"ridsans/pkg/mpa"
	"ridsans/pkg/workspace"
)

// Kinds of measurement in a file set
const (
	KindSampleScatter      = "sample_scatter"
	KindSampleTransmission = "sample_transmission"
	KindCanScatter         = "can_scatter"
	KindCanTransmission    = "can_transmission"
	KindDirect             = "direct"
	KindBackground         = "background"
)

// Params holds the reduction parameters.
type Params struct {
	// NumWorkers is how many files of a set are parsed concurrently
	NumWorkers int

	// Dimension selects a 1D or 2D binning plan
	Dimension int

	// WavelengthSpread is the full relative width of the wavelength bin
	WavelengthSpread float64

	// NumberOfBins is the number of Q bins
	NumberOfBins int

	// HandOffDirect also hands the direct beam to the engine for
	// beam-centre finding
	HandOffDirect bool

	// Masks applied to the sample workspace
	Center           mask.Point
	MaskActive       bool
	ROIRadius        float64
	ROIExcludeInside bool
	MaskBeamstop     bool

	// RunID tags every hand-off of a run
	RunID string
}

// ParamsFromConfig derives the reduction parameters from the configuration.
func ParamsFromConfig(cfg *config.Config) *Params {
	return &Params{
		NumWorkers:       cfg.Processing.NumWorkers,
		Dimension:        cfg.Processing.Dimension,
		WavelengthSpread: cfg.Processing.WavelengthSpread,
		NumberOfBins:     cfg.Processing.NumberOfBins,
		HandOffDirect:    true,
		Center:           mask.Point{X: cfg.Masks.CenterX, Y: cfg.Masks.CenterY},
		MaskActive:       cfg.Masks.ActiveArea,
		ROIRadius:        cfg.Masks.ROIRadius,
		ROIExcludeInside: cfg.Masks.ROIExcludeInside,
		MaskBeamstop:     cfg.Masks.Beamstop,
	}
}

// FileSet names the files of one reduction. CanScatter and
// CanTransmission are optional; SampleTransmission may be empty when the
// transmission factors are precomputed.
type FileSet struct {
	SampleScatter      string
	SampleTransmission string
	CanScatter         string
	CanTransmission    string
	Direct             string
	Background         string

	// Thickness divides the corrected intensity (cm) to give the
	// macroscopic cross-section; 0 leaves it unscaled
	Thickness float64
}

// Paths returns the non-empty file paths in a fixed order.
func (fs FileSet) Paths() []string {
	var out []string
	for _, p := range []string{fs.SampleScatter, fs.SampleTransmission, fs.CanScatter, fs.CanTransmission, fs.Direct, fs.Background} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the mandatory files are named and that a can
// transmission comes with a can scatter.
func (fs FileSet) Validate() error {
	missing := func(kind string) error { return fmt.Errorf("file set without %s measurement", kind) }
	switch {
	case fs.SampleScatter == "":
		return missing(KindSampleScatter)
	case fs.Direct == "":
		return missing(KindDirect)
	case fs.Background == "":
		return missing(KindBackground)
	case fs.CanTransmission != "" && fs.CanScatter == "":
		return errors.New("can transmission given without can scatter")
	case fs.Thickness < 0:
		return fmt.Errorf("negative thickness %g", fs.Thickness)
	}
	return nil
}

// MeasurementSet holds the parsed records of a FileSet.
type MeasurementSet struct {
	SampleScatter      *models.MeasurementRecord
	SampleTransmission *models.MeasurementRecord
	CanScatter         *models.MeasurementRecord
	CanTransmission    *models.MeasurementRecord
	Direct             *models.MeasurementRecord
	Background         *models.MeasurementRecord
}

// Container returns the can configuration of the set.
func (ms *MeasurementSet) Container() correction.Container {
	switch {
	case ms.CanScatter == nil:
		return correction.NoCan{}
	case ms.CanTransmission == nil:
		return correction.CanScatterOnly{Scatter: ms.CanScatter}
	default:
		return correction.CanWithTransmission{Scatter: ms.CanScatter, Transmission: ms.CanTransmission}
	}
}

func (ms *MeasurementSet) checksums() []string {
	var out []string
	for _, rec := range []*models.MeasurementRecord{ms.SampleScatter, ms.SampleTransmission, ms.CanScatter, ms.CanTransmission, ms.Direct, ms.Background} {
		if rec != nil {
			out = append(out, rec.Checksum)
		}
	}
	return out
}

// Release drops the pixel data of every record.
func (ms *MeasurementSet) Release() {
	for _, r := range []*models.MeasurementRecord{ms.SampleScatter, ms.SampleTransmission, ms.CanScatter, ms.CanTransmission, ms.Direct, ms.Background} {
		if r != nil {
			r.Release()
		}
	}
}

// Reduction is the outcome of reducing one FileSet.
type Reduction struct {
	Field        *models.CorrectedField
	Plan         *binning.Plan
	Handle       workspace.Handle
	DirectHandle *workspace.Handle
	Masked       int
	Checksums    []string
}

// Reducer handles the reduction process:
// 1. Loading the measurement files of a set in parallel
// 2. Combining them into a corrected intensity
// 3. Deriving the binning plan and the pixel adjustment
// 4. Handing the result to the engine and applying the masks
type Reducer struct {
	cal      *config.Calibration
	params   *Params
	parser   *mpa.Parser
	combiner *correction.Combiner
	planner  *binning.Planner
	engine   workspace.Engine
	metrics  *metrics.Recorder
	logger   *slog.Logger

	// efficiency is the relative pixel efficiency; nil means uniform
	efficiency []float64

	// positions is the pixel grid used by the masks
	positions []mask.Point
}

// NewReducer creates a new reducer.
//
// Parameters:
//   - cal: the process-wide calibration
//   - params: reduction parameters
//   - engine: the engine receiving the hand-offs
//   - logger: diagnostics sink; nil uses slog.Default()
//   - rec: optional metrics recorder
//
// Returns:
//   - A new Reducer instance
func NewReducer(cal *config.Calibration, params *Params, engine workspace.Engine, logger *slog.Logger, rec *metrics.Recorder) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{
		cal:       cal,
		params:    params,
		parser:    mpa.NewParser(cal, logger),
		combiner:  correction.NewCombiner(logger),
		planner:   binning.NewPlanner(params.WavelengthSpread, params.NumberOfBins, cal.Detector.ActiveWidth),
		engine:    engine,
		metrics:   rec,
		logger:    logger,
		positions: mask.NewGrid(cal.Detector, cal.KeepAllCounts).Positions(),
	}
}

// SetEfficiency sets the relative pixel efficiency map. Its length is
// checked against the pixel count when a reduction uses it.
func (r *Reducer) SetEfficiency(efficiency []float64) {
	r.efficiency = efficiency
}

// Fingerprint describes the calibration and parameters that shape a
// reduction. Results stored under one fingerprint are not valid under
// another.
func (r *Reducer) Fingerprint() []string {
	p := r.params
	fp := []string{
		fmt.Sprintf("layout=%+v", r.cal.Detector),
		"keepAll=" + strconv.FormatBool(r.cal.KeepAllCounts),
		"image=" + r.cal.ImageToken,
		"dimension=" + strconv.Itoa(p.Dimension),
		"spread=" + strconv.FormatFloat(p.WavelengthSpread, 'g', -1, 64),
		"bins=" + strconv.Itoa(p.NumberOfBins),
		fmt.Sprintf("masks=%g,%g,%t,%g,%t,%t", p.Center.X, p.Center.Y, p.MaskActive, p.ROIRadius, p.ROIExcludeInside, p.MaskBeamstop),
		"direct=" + strconv.FormatBool(p.HandOffDirect),
	}
	if r.efficiency != nil {
		buf := make([]byte, 0, 8*len(r.efficiency))
		for _, e := range r.efficiency {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(e))
		}
		fp = append(fp, fmt.Sprintf("efficiency=%x", blake3.Sum256(buf)))
	}
	return fp
}

// Parser exposes the parser used by the reducer.
func (r *Reducer) Parser() *mpa.Parser {
	return r.parser
}

// LoadSet parses all files of fs concurrently. Any failure aborts the whole
// set.
func (r *Reducer) LoadSet(ctx context.Context, fs FileSet) (*MeasurementSet, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}

	ms := &MeasurementSet{}
	jobs := []loadJob{
		{KindSampleScatter, fs.SampleScatter, &ms.SampleScatter},
		{KindSampleTransmission, fs.SampleTransmission, &ms.SampleTransmission},
		{KindCanScatter, fs.CanScatter, &ms.CanScatter},
		{KindCanTransmission, fs.CanTransmission, &ms.CanTransmission},
		{KindDirect, fs.Direct, &ms.Direct},
		{KindBackground, fs.Background, &ms.Background},
	}
	if err := r.load(ctx, jobs); err != nil {
		ms.Release()
		return nil, err
	}
	return ms, nil
}

type loadJob struct {
	kind string
	path string
	dst  **models.MeasurementRecord
}

// load parses the files of jobs concurrently, skipping empty paths.
func (r *Reducer) load(ctx context.Context, jobs []loadJob) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := r.params.NumWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for _, job := range jobs {
		if job.path == "" {
			continue
		}
		job := job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			rec, err := r.parser.ParseFile(job.path)
			diagnostics := 0
			if rec != nil {
				diagnostics = len(rec.Diagnostics)
			}
			r.metrics.FileParsed(job.kind, time.Since(start), diagnostics, err)
			if err != nil {
				return fmt.Errorf("load %s: %w", job.kind, err)
			}
			*job.dst = rec
			return nil
		})
	}
	return g.Wait()
}

// Combine corrects the sample scatter of ms.
func (r *Reducer) Combine(ms *MeasurementSet, source correction.TransmissionSource) (*models.CorrectedField, error) {
	return r.combiner.Combine(correction.Inputs{
		SampleScatter:      ms.SampleScatter,
		SampleTransmission: ms.SampleTransmission,
		Direct:             ms.Direct,
		Background:         ms.Background,
		Container:          ms.Container(),
		Transmissions:      source,
	})
}

// Reduce runs the whole reduction of fs. source selects between computing
// the transmission factors and reusing precomputed ones; nil computes them.
func (r *Reducer) Reduce(ctx context.Context, fs FileSet, source correction.TransmissionSource) (*Reduction, error) {
	log := r.logger.With("sample_scatter", fs.SampleScatter)

	log.Info("Step 1: Loading measurement files")
	ms, err := r.LoadSet(ctx, fs)
	if err != nil {
		r.metrics.ReductionFailed()
		return nil, err
	}
	defer ms.Release()

	s := ms.SampleScatter
	log.Info("Step 2: Combining measurements")
	field, err := r.Combine(ms, source)
	if err != nil {
		r.metrics.ReductionFailed()
		return nil, fmt.Errorf("combine %s: %w", s.Name, err)
	}
	if fs.Thickness > 0 {
		field.Scale(1 / fs.Thickness)
	}

	red, err := r.handOff(ctx, log, s, ms.Direct, field)
	if err != nil {
		r.metrics.ReductionFailed()
		return nil, err
	}
	red.Checksums = ms.checksums()

	r.metrics.Reduced(s.Name, field.Branch.String(), field.TSample, field.TCan, len(field.Warnings))
	log.Info("Reduction complete",
		"q_range", field.QRange,
		"branch", field.Branch.String(),
		"t_sample", field.TSample,
		"t_can", field.TCan,
		"masked", red.Masked)
	return red, nil
}

// HandOff hands an already corrected field of fs to the engine without
// combining again. Only the sample scatter and, when the direct beam is
// handed off too, the direct measurement are parsed.
func (r *Reducer) HandOff(ctx context.Context, fs FileSet, field *models.CorrectedField) (*Reduction, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	log := r.logger.With("sample_scatter", fs.SampleScatter)

	ms := &MeasurementSet{}
	jobs := []loadJob{{KindSampleScatter, fs.SampleScatter, &ms.SampleScatter}}
	if r.params.HandOffDirect {
		jobs = append(jobs, loadJob{KindDirect, fs.Direct, &ms.Direct})
	}
	if err := r.load(ctx, jobs); err != nil {
		ms.Release()
		return nil, err
	}
	defer ms.Release()

	s := ms.SampleScatter
	if len(field.I) != s.PixelCount || len(field.DI) != s.PixelCount {
		return nil, fmt.Errorf("%w: stored field of %s has %d values, expected %d",
			correction.ErrShapeMismatch, s.Name, len(field.I), s.PixelCount)
	}

	red, err := r.handOff(ctx, log, s, ms.Direct, field)
	if err != nil {
		return nil, err
	}
	red.Checksums = ms.checksums()
	log.Info("Stored reduction handed off", "q_range", field.QRange, "masked", red.Masked)
	return red, nil
}

// handOff plans, submits and masks field. direct is handed off as well
// when enabled.
func (r *Reducer) handOff(ctx context.Context, log *slog.Logger, s, direct *models.MeasurementRecord, field *models.CorrectedField) (*Reduction, error) {
	log.Info("Step 3: Deriving binning plan")
	plan, err := r.planner.Plan(s, r.params.Dimension)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", s.Name, err)
	}

	adj := correction.UniformAdjustment(s.PixelCount)
	if r.efficiency != nil {
		adj, err = correction.PixelAdjustment(r.efficiency, s.PixelCount)
		if err != nil {
			return nil, err
		}
	}

	log.Info("Step 4: Handing off to the reduction engine")
	handle, err := r.engine.Submit(ctx, workspace.Handoff{
		Name:            s.Name,
		Intensity:       field.I,
		Uncertainty:     field.DI,
		PixelAdjustment: adj,
		Wavelength:      plan.Wavelength,
		SampleOffset:    s.DetectorDistance,
		Plan:            plan,
		Properties:      r.properties(s, field),
	})
	if err != nil {
		return nil, fmt.Errorf("hand off %s: %w", s.Name, err)
	}

	spectra, err := r.masks(s)
	if err != nil {
		return nil, err
	}
	if len(spectra) > 0 {
		if err := r.engine.Mask(ctx, handle, spectra); err != nil {
			return nil, fmt.Errorf("mask %s: %w", s.Name, err)
		}
	}

	red := &Reduction{Field: field, Plan: plan, Handle: handle, Masked: len(spectra)}

	if r.params.HandOffDirect {
		d := direct
		offset := d.DetectorDistance
		if !d.HasDistance {
			offset = s.DetectorDistance
		}
		dh, err := r.engine.Submit(ctx, workspace.Handoff{
			Name:         d.Name,
			Intensity:    d.I,
			Uncertainty:  d.DI,
			Wavelength:   plan.Wavelength,
			SampleOffset: offset,
			Properties: map[string]string{
				workspace.PropQRange:   d.QRange,
				workspace.PropChecksum: d.Checksum,
				workspace.PropRunID:    r.params.RunID,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("hand off %s: %w", d.Name, err)
		}
		red.DirectHandle = &dh
	}
	return red, nil
}

func (r *Reducer) properties(s *models.MeasurementRecord, field *models.CorrectedField) map[string]string {
	return map[string]string{
		workspace.PropQRange:   field.QRange,
		workspace.PropTSample:  strconv.FormatFloat(field.TSample, 'g', -1, 64),
		workspace.PropTCan:     strconv.FormatFloat(field.TCan, 'g', -1, 64),
		workspace.PropBranch:   field.Branch.String(),
		workspace.PropSample:   s.Sample,
		workspace.PropChecksum: s.Checksum,
		workspace.PropRunID:    r.params.RunID,
	}
}

// masks builds the spectrum list of the enabled masks for the sample.
func (r *Reducer) masks(s *models.MeasurementRecord) ([]int, error) {
	opts := mask.Options{
		Center:           r.params.Center,
		ROIRadius:        r.params.ROIRadius,
		ROIExcludeInside: r.params.ROIExcludeInside,
	}
	if r.params.MaskActive {
		opts.ActiveWidth = r.cal.Detector.ActiveWidth
		opts.ActiveHeight = r.cal.Detector.ActiveHeight
	}
	if r.params.MaskBeamstop {
		if s.Beamstop == nil {
			r.logger.Warn("No beamstop position in header, beamstop not masked", "measurement", s.Name)
		} else {
			opts.Beamstop = s.Beamstop
		}
	}
	if opts.ActiveWidth == 0 && opts.ROIRadius == 0 && opts.Beamstop == nil {
		return nil, nil
	}

	spectra, err := mask.Build(r.positions, opts)
	if err != nil {
		return nil, fmt.Errorf("mask %s: %w", s.Name, err)
	}
	return spectra, nil
}
