package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/zeebo/blake3"

	"ridsans/internal/metrics"
	"ridsans/internal/xzfile"
	"ridsans/pkg/correction"
	"ridsans/pkg/reduction"
	"ridsans/pkg/workspace"
)

// Outcome is the result of one row of a batch.
type Outcome struct {
	Set    string
	Name   string
	Cached bool
	Result *workspace.Result
	Err    error
}

// Runner reduces the sets of a batch file, reusing stored results whose
// inputs did not change.
type Runner struct {
	reducer *reduction.Reducer
	store   *workspace.Store
	metrics *metrics.Recorder
	logger  *slog.Logger

	// ForceReload ignores stored results and reduces everything again
	ForceReload bool
}

// NewRunner creates a runner. A nil store disables caching.
func NewRunner(reducer *reduction.Reducer, store *workspace.Store, logger *slog.Logger, rec *metrics.Recorder) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{reducer: reducer, store: store, metrics: rec, logger: logger}
}

// Run reduces all sets of f. A failing set does not stop the others; the
// returned error joins the errors of all failed sets.
func (r *Runner) Run(ctx context.Context, f *File) ([]Outcome, error) {
	var (
		outcomes []Outcome
		errs     []error
	)
	sets := f.Sets()
	for i, set := range sets {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		r.logger.Info(fmt.Sprintf("Processing set %d/%d", i+1, len(sets)), "set", set.Name, "members", len(set.Members))

		out, err := r.RunSet(ctx, set)
		outcomes = append(outcomes, out...)
		if err != nil {
			r.logger.Error("Set failed", "set", set.Name, "error", err)
			errs = append(errs, fmt.Errorf("set %s: %w", set.Name, err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// RunSet reduces one set. The widest-angle member is reduced first and its
// transmission factors are reused for the other members.
func (r *Runner) RunSet(ctx context.Context, set Set) ([]Outcome, error) {
	widest := 0
	if len(set.Members) > 1 {
		idx, _, err := r.reducer.WidestMember(set.Members)
		if err != nil {
			return nil, err
		}
		widest = idx
	}

	outcomes := make([]Outcome, len(set.Members))
	first := r.member(ctx, set.Name, set.Members[widest], nil)
	outcomes[widest] = first
	if first.Err != nil {
		return []Outcome{first}, first.Err
	}

	pre := &correction.PrecomputedTransmissions{Sample: first.Result.TSample, Can: first.Result.TCan}
	var errs []error
	for i, m := range set.Members {
		if i == widest {
			continue
		}
		outcomes[i] = r.member(ctx, set.Name, m, pre)
		if outcomes[i].Err != nil {
			errs = append(errs, outcomes[i].Err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// member reduces one file set through the store. pre is nil when the
// transmissions are computed from the set's own files.
func (r *Runner) member(ctx context.Context, set string, fs reduction.FileSet, pre *correction.PrecomputedTransmissions) Outcome {
	out := Outcome{Set: set, Name: xzfile.Stem(fs.SampleScatter)}

	var source correction.TransmissionSource = correction.ComputeTransmissions{}
	var extra []string
	if pre != nil {
		source = *pre
		extra = []string{
			"T_sample=" + strconv.FormatFloat(pre.Sample, 'g', -1, 64),
			"T_can=" + strconv.FormatFloat(pre.Can, 'g', -1, 64),
		}
	}

	load := func(ctx context.Context) (*workspace.Result, error) {
		red, err := r.reducer.Reduce(ctx, fs, source)
		if err != nil {
			return nil, err
		}
		return &workspace.Result{
			Name:        out.Name,
			QRange:      red.Field.QRange,
			Branch:      red.Field.Branch.String(),
			TSample:     red.Field.TSample,
			TCan:        red.Field.TCan,
			Intensity:   red.Field.I,
			Uncertainty: red.Field.DI,
			Warnings:    red.Field.Warnings,
			Handle:      red.Handle,
		}, nil
	}

	if r.store == nil {
		out.Result, out.Err = load(ctx)
		return out
	}

	digests, err := digestFiles(fs)
	if err != nil {
		out.Err = err
		return out
	}
	parts := append(append(digests, extra...), r.reducer.Fingerprint()...)
	key := workspace.Key(out.Name, parts...)

	res, cached, err := r.store.GetOrLoad(ctx, key, r.ForceReload, load)
	switch {
	case r.ForceReload:
		r.metrics.CacheLookup("bypass")
	case cached:
		r.metrics.CacheLookup("hit")
	default:
		r.metrics.CacheLookup("miss")
	}
	if err == nil && cached {
		r.logger.Info("Using stored result", "measurement", out.Name, "q_range", res.QRange)
		res.Handle, err = r.handOffStored(ctx, fs, res)
	}
	out.Result, out.Cached, out.Err = res, cached, err
	return out
}

// handOffStored submits a stored result to the current engine, which may
// not have seen it before.
func (r *Runner) handOffStored(ctx context.Context, fs reduction.FileSet, res *workspace.Result) (workspace.Handle, error) {
	field, err := res.Field()
	if err != nil {
		return workspace.Handle{}, fmt.Errorf("stored result of %s: %w", res.Name, err)
	}
	red, err := r.reducer.HandOff(ctx, fs, field)
	if err != nil {
		return workspace.Handle{}, err
	}
	return red.Handle, nil
}

// digestFiles hashes the raw content of every file of fs.
func digestFiles(fs reduction.FileSet) ([]string, error) {
	paths := fs.Paths()
	digests := make([]string, 0, len(paths)+1)
	for _, p := range paths {
		d, err := digestFile(p)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	digests = append(digests, "thickness="+strconv.FormatFloat(fs.Thickness, 'g', -1, 64))
	return digests, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open measurement file: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
