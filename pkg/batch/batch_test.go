package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridsans/internal/metrics"
	"ridsans/pkg/config"
	"ridsans/pkg/detector"
	"ridsans/pkg/reduction"
	"ridsans/pkg/workspace"
)

const sensor = 8

func writeBatch(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeBatch(t, dir, `
directory: data
measurements:
  - set: glassy
    sampleScatter: s_Q3
    sampleTransmission: st_Q3
    direct: d_Q3
    background: bg_Q3
    thickness: 0.1
  - sampleScatter: w_Q3
    sampleTransmission: wt_Q3.mpa
    canScatter: c_Q3
    direct: d_Q3
    background: bg_Q3
  - set: glassy
    sampleScatter: s_Q4
    direct: d_Q4
    background: bg_Q4
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultExtension, f.Extension)
	assert.Equal(t, filepath.Join(dir, "data"), f.Directory)

	sets := f.Sets()
	require.Len(t, sets, 2)
	assert.Equal(t, "glassy", sets[0].Name)
	assert.Equal(t, "#2", sets[1].Name)
	require.Len(t, sets[0].Members, 2)

	m := sets[0].Members[0]
	assert.Equal(t, filepath.Join(dir, "data", "s_Q3.mpa"), m.SampleScatter)
	assert.Equal(t, 0.1, m.Thickness)
	assert.Empty(t, m.CanScatter)
	assert.Empty(t, sets[0].Members[1].SampleTransmission)

	w := sets[1].Members[0]
	assert.Equal(t, filepath.Join(dir, "data", "wt_Q3.mpa"), w.SampleTransmission)
	assert.Equal(t, filepath.Join(dir, "data", "c_Q3.mpa"), w.CanScatter)
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"no rows": "directory: data\n",
		"missing direct": `
measurements:
  - sampleScatter: s
    sampleTransmission: st
    background: bg
`,
		"can transmission without can": `
measurements:
  - sampleScatter: s
    sampleTransmission: st
    canTransmission: ct
    direct: d
    background: bg
`,
		"negative thickness": `
measurements:
  - sampleScatter: s
    sampleTransmission: st
    direct: d
    background: bg
    thickness: -1
`,
		"single row without transmission": `
measurements:
  - sampleScatter: s
    direct: d
    background: bg
`,
		"not yaml": "measurements: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeBatch(t, t.TempDir(), content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	f := &File{Directory: "/data", Extension: ".mpa.xz"}
	assert.Equal(t, "/data/run1.mpa.xz", f.Path("run1"))
	assert.Equal(t, "/data/run1.mpa.xz", f.Path("run1.mpa.xz"))
	assert.Equal(t, "", f.Path(""))
}

// writeMeasurement writes a measurement with a uniform 8x8 readout.
func writeMeasurement(t *testing.T, dir, name string, fzz string, monitor, pixel int) {
	t.Helper()
	var b strings.Builder
	if fzz != "" {
		fmt.Fprintf(&b, "FZZ=%s\nSpeedVS=21506\n", fzz)
	}
	b.WriteString("[MCS8A A]\n[CHN2]\ncalfact=1\n")
	fmt.Fprintf(&b, "Measurement time: 10.00 s\nTotal counts: %d\n\n", pixel*sensor*sensor)
	if monitor > 0 {
		fmt.Fprintf(&b, "[SCALER A]\nsc#01=%d;monitor\n\n", monitor)
	}
	fmt.Fprintf(&b, "[TDAT0,2 ]\n0\n0\n[CDAT2,%d ]\n", sensor*sensor)
	for i := 0; i < sensor*sensor; i++ {
		fmt.Fprintf(&b, "%d\n", pixel)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0644))
}

type countingEngine struct {
	mu      sync.Mutex
	submits map[string]int
}

func (e *countingEngine) Submit(ctx context.Context, h workspace.Handoff) (workspace.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submits[h.Name]++
	return workspace.Handle{ID: h.Name, Name: h.Name}, nil
}

func (e *countingEngine) Mask(ctx context.Context, h workspace.Handle, spectra []int) error {
	return nil
}

func newTestRunner(t *testing.T, store *workspace.Store, rec *metrics.Recorder) (*Runner, *countingEngine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Detector = detector.Layout{
		NativeSize:   sensor,
		CropRowStart: 2,
		CropColStart: 2,
		ActivePixels: 4,
		Rebin:        2,
		ActiveWidth:  0.6,
		ActiveHeight: 0.6,
	}
	cal, err := cfg.BuildCalibration()
	require.NoError(t, err)

	params := reduction.ParamsFromConfig(cfg)
	params.NumWorkers = 2
	params.HandOffDirect = false
	params.NumberOfBins = 10

	engine := &countingEngine{submits: make(map[string]int)}
	reducer := reduction.NewReducer(cal, params, engine, nil, rec)
	return NewRunner(reducer, store, nil, rec), engine
}

func setupBatch(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0755))

	for _, q := range []struct{ label, fzz string }{{"3", "3424"}, {"4", "1432"}} {
		writeMeasurement(t, data, "s_Q"+q.label+".mpa", q.fzz, 1000, 10)
		writeMeasurement(t, data, "d_Q"+q.label+".mpa", q.fzz, 1000, 20)
		writeMeasurement(t, data, "bg_Q"+q.label+".mpa", "", 0, 2)
	}
	writeMeasurement(t, data, "st_Q4.mpa", "1432", 1000, 16)

	f, err := Load(writeBatch(t, dir, `
directory: data
measurements:
  - set: glassy
    sampleScatter: s_Q3
    direct: d_Q3
    background: bg_Q3
  - set: glassy
    sampleScatter: s_Q4
    sampleTransmission: st_Q4
    direct: d_Q4
    background: bg_Q4
`))
	require.NoError(t, err)
	return f
}

func TestRunnerSharesTransmissions(t *testing.T) {
	f := setupBatch(t)
	runner, engine := newTestRunner(t, nil, nil)

	outcomes, err := runner.Run(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	want := (6.4 - 0.8) / (8 - 0.8)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		assert.Equal(t, "glassy", o.Set)
		assert.InDelta(t, want, o.Result.TSample, 1e-12)
		assert.False(t, o.Cached)
	}
	assert.Equal(t, "s_Q3", outcomes[0].Name)
	assert.Equal(t, "3", outcomes[0].Result.QRange)
	assert.Equal(t, 1, engine.submits["s_Q3"])
	assert.Equal(t, 1, engine.submits["s_Q4"])
}

func TestRunnerCache(t *testing.T) {
	f := setupBatch(t)
	store, err := workspace.OpenStore("", nil)
	require.NoError(t, err)
	defer store.Close()

	rec := metrics.New()
	runner, engine := newTestRunner(t, store, rec)
	ctx := context.Background()

	first, err := runner.Run(ctx, f)
	require.NoError(t, err)

	second, err := runner.Run(ctx, f)
	require.NoError(t, err)
	for i := range second {
		assert.True(t, second[i].Cached)
		assert.Equal(t, first[i].Result.Intensity, second[i].Result.Intensity)
	}
	// stored results are handed off again
	assert.Equal(t, 2, engine.submits["s_Q3"])
	assert.Equal(t, 2, engine.submits["s_Q4"])

	runner.ForceReload = true
	_, err = runner.Run(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 3, engine.submits["s_Q3"])

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s_Q3", "s_Q4"}, names)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, rec.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `ridsans_store_lookups_total{result="miss"} 2`)
	assert.Contains(t, text, `ridsans_store_lookups_total{result="hit"} 2`)
	assert.Contains(t, text, `ridsans_store_lookups_total{result="bypass"} 2`)
}

func TestRunnerChangedInputInvalidates(t *testing.T) {
	f := setupBatch(t)
	store, err := workspace.OpenStore("", nil)
	require.NoError(t, err)
	defer store.Close()

	runner, engine := newTestRunner(t, store, nil)
	ctx := context.Background()

	_, err = runner.Run(ctx, f)
	require.NoError(t, err)

	// a new transmission changes the key of both members
	writeMeasurement(t, f.Directory, "st_Q4.mpa", "1432", 1000, 17)
	outcomes, err := runner.Run(ctx, f)
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.False(t, o.Cached)
	}
	assert.Equal(t, 2, engine.submits["s_Q3"])
}

func TestRunnerStoredResultNewEngine(t *testing.T) {
	f := setupBatch(t)
	store, err := workspace.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	runner, _ := newTestRunner(t, store, nil)
	first, err := runner.Run(ctx, f)
	require.NoError(t, err)

	again, engine := newTestRunner(t, store, nil)
	outcomes, err := again.Run(ctx, f)
	require.NoError(t, err)
	for i, o := range outcomes {
		assert.True(t, o.Cached)
		assert.Equal(t, first[i].Result.TSample, o.Result.TSample)
	}
	assert.Equal(t, 1, engine.submits["s_Q3"])
	assert.Equal(t, 1, engine.submits["s_Q4"])
}

func TestRunnerChangedEfficiencyInvalidates(t *testing.T) {
	f := setupBatch(t)
	store, err := workspace.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	runner, _ := newTestRunner(t, store, nil)
	_, err = runner.Run(ctx, f)
	require.NoError(t, err)

	again, engine := newTestRunner(t, store, nil)
	again.reducer.SetEfficiency([]float64{2, 2, 2, 2})
	outcomes, err := again.Run(ctx, f)
	require.NoError(t, err)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		assert.False(t, o.Cached)
	}
	assert.Equal(t, 1, engine.submits["s_Q3"])
	assert.Equal(t, 1, engine.submits["s_Q4"])
}

func TestRunnerSetFailure(t *testing.T) {
	f := setupBatch(t)
	f.Rows = append(f.Rows, Row{
		SampleScatter:      "missing",
		SampleTransmission: "st_Q4",
		Direct:             "d_Q4",
		Background:         "bg_Q4",
	})

	runner, _ := newTestRunner(t, nil, nil)
	outcomes, err := runner.Run(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set #3")
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[2].Err)
}
