package workspace

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridsans/pkg/binning"
)

func TestDirectoryEngineSubmitAndMask(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	engine, err := NewDirectoryEngine(dir)
	require.NoError(t, err)

	plan, err := binning.NewPlanner(0.1, 10, 0.6).PlanFor(6, 4.744, binning.OneD)
	require.NoError(t, err)

	h := Handoff{
		Name:            "glassy C/Q3",
		Intensity:       []float64{1, math.NaN(), 3},
		Uncertainty:     []float64{0.1, 0.2, 0.3},
		PixelAdjustment: []float64{1, 1, 0.9},
		Wavelength:      plan.Wavelength,
		SampleOffset:    4.744,
		Plan:            plan,
		Properties:      map[string]string{PropQRange: "3"},
	}
	handle, err := engine.Submit(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "glassy_C_Q3.yaml"), handle.ID)
	assert.Equal(t, "glassy C/Q3", handle.Name)

	loaded, err := LoadHandoff(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, h.Name, loaded.Name)
	assert.True(t, math.IsNaN(loaded.Intensity[1]))
	assert.Equal(t, 3.0, loaded.Intensity[2])
	assert.Equal(t, "3", loaded.Properties[PropQRange])
	require.NotNil(t, loaded.Plan)
	require.NotNil(t, loaded.Plan.OneD)
	assert.Len(t, loaded.Plan.OneD.Edges, 11)

	require.NoError(t, engine.Mask(context.Background(), handle, []int{1, 3}))
	spectra, err := LoadMask(filepath.Join(dir, "glassy_C_Q3.mask.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, spectra)
}

func TestDirectoryEngineErrors(t *testing.T) {
	engine, err := NewDirectoryEngine(t.TempDir())
	require.NoError(t, err)

	_, err = engine.Submit(context.Background(), Handoff{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.Submit(ctx, Handoff{Name: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, engine.Mask(ctx, Handle{Name: "x"}, nil), context.Canceled)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b_c_d", SanitizeName(`a/b\c d`))
}

func TestLoadCurve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: s_Q1\nedges: [0, 1, 2]\nintensity: [.nan, 4]\n"), 0644))

	c, err := LoadCurve(path)
	require.NoError(t, err)
	assert.Equal(t, "s_Q1", c.Name)
	assert.True(t, math.IsNaN(c.Intensity[0]))

	require.NoError(t, os.WriteFile(path, []byte("edges: [0, 1]\nintensity: [1, 2]\n"), 0644))
	_, err = LoadCurve(path)
	assert.Error(t, err)
}

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGet(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()

	key := Key("sample", "aa", "bb")
	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	res := &Result{
		Name:      "sample",
		QRange:    "2",
		TSample:   0.9,
		TCan:      1,
		Intensity: []float64{1, math.NaN()},
		Handle:    Handle{ID: "x", Name: "sample"},
	}
	require.NoError(t, s.Put(ctx, key, res))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "2", got.QRange)
	assert.Equal(t, 0.9, got.TSample)
	assert.True(t, math.IsNaN(got.Intensity[1]))
	assert.Equal(t, res.Handle, got.Handle)
}

func TestKeyDependsOnInputs(t *testing.T) {
	assert.Equal(t, Key("s", "a", "b"), Key("s", "a", "b"))
	assert.NotEqual(t, Key("s", "a", "b"), Key("s", "a", "c"))
	assert.NotEqual(t, Key("s", "ab"), Key("s", "a", "b"))
	assert.NotEqual(t, Key("s", "a"), Key("t", "a"))
}

func TestStoreGetOrLoad(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	key := Key("sample", "abc")

	calls := 0
	load := func(context.Context) (*Result, error) {
		calls++
		return &Result{Name: "sample", TSample: float64(calls)}, nil
	}

	res, cached, err := s.GetOrLoad(ctx, key, false, load)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1.0, res.TSample)
	assert.False(t, res.CreatedAt.IsZero())

	res, cached, err = s.GetOrLoad(ctx, key, false, load)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1.0, res.TSample)

	res, cached, err = s.GetOrLoad(ctx, key, true, load)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2.0, res.TSample)
	assert.Equal(t, 2, calls)

	boom := errors.New("boom")
	_, _, err = s.GetOrLoad(ctx, Key("other"), false, func(context.Context) (*Result, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestStoreDeleteAndNames(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Key("a", "1"), &Result{Name: "a"}))
	require.NoError(t, s.Put(ctx, Key("a", "2"), &Result{Name: "a"}))
	require.NoError(t, s.Put(ctx, Key("b", "1"), &Result{Name: "b"}))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	n, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Key("a", "1"), &Result{Name: "a", QRange: "4"}))
	require.NoError(t, s.Close())

	s, err = OpenStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, Key("a", "1"))
	require.NoError(t, err)
	assert.Equal(t, "4", got.QRange)
}
