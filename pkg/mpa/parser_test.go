package mpa

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridsans/internal/models"
	"ridsans/pkg/config"
	"ridsans/pkg/geometry"
)

func parse(t *testing.T, cal *config.Calibration, name string, f fixture) (*models.MeasurementRecord, error) {
	t.Helper()
	return NewParser(cal, nil).Parse(strings.NewReader(f.render()), name)
}

func hasDiagnostic(rec *models.MeasurementRecord, target error) bool {
	for _, d := range rec.Diagnostics {
		if errors.Is(d, target) {
			return true
		}
	}
	return false
}

func TestParseWellFormedFile(t *testing.T) {
	f := defaultFixture()
	rec, err := parse(t, config.DefaultCalibration(), "scattering_glassy_C_Q3", f)
	require.NoError(t, err)

	assert.Equal(t, "scattering_glassy_C_Q3", rec.Name)
	assert.Equal(t, "3", rec.QRange)
	assert.True(t, rec.HasDistance)
	assert.InDelta(t, 4.744, rec.DetectorDistance, 1e-12)

	assert.True(t, rec.HasWavelength)
	assert.InDelta(t, geometry.DefaultWavelengthA/21506+geometry.DefaultWavelengthB, rec.Wavelength, 1e-12)
	assert.Equal(t, 21506.0, rec.VelocitySelectorRPM)

	assert.True(t, rec.HasMonitor)
	assert.Equal(t, int64(5000), rec.MonitorCount)
	assert.Equal(t, 100.0, rec.MeasurementTime)
	assert.Equal(t, f.imageSum(), rec.TotalCounts)
	assert.Equal(t, 50.0, rec.I0)

	assert.Equal(t, "glassy C", rec.Sample)
	require.NotNil(t, rec.Beamstop)
	assert.Equal(t, geometry.LargeBeamstop, rec.Beamstop.Size)

	assert.Equal(t, 138*138, rec.PixelCount)
	assert.Len(t, rec.Counts, rec.PixelCount)
	assert.Len(t, rec.Checksum, 64)
	assert.Equal(t, "12", rec.Scaler["sc#02"])
	assert.False(t, hasDiagnostic(rec, ErrCountMismatch))
}

func TestParseRecoversCroppedRegion(t *testing.T) {
	cal := config.DefaultCalibration()
	cal.Detector.Rebin = 1

	f := defaultFixture()
	rec, err := parse(t, cal, "sample_Q3", f)
	require.NoError(t, err)

	rows, cols := rec.ActiveRegion.Dims()
	require.Equal(t, 552, rows)
	require.Equal(t, 552, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			want := float64(f.pixel(235+551-i, 239+j))
			if got := rec.ActiveRegion.At(i, j); got != want {
				t.Fatalf("Expected %g at (%d, %d), got %g", want, i, j, got)
			}
		}
	}

	for k, c := range rec.Counts {
		assert.Equal(t, c/100, rec.I[k])
		assert.Equal(t, math.Sqrt(c)/100, rec.DI[k])
	}
}

func TestParseRebinsActiveRegion(t *testing.T) {
	f := defaultFixture()
	rec, err := parse(t, config.DefaultCalibration(), "sample_Q3", f)
	require.NoError(t, err)

	rows, cols := rec.ActiveRegion.Dims()
	require.Equal(t, 138, rows)
	require.Equal(t, 138, cols)

	for _, ij := range [][2]int{{0, 0}, {0, 137}, {70, 12}, {137, 137}} {
		i, j := ij[0], ij[1]
		var want float64
		for di := 0; di < 4; di++ {
			for dj := 0; dj < 4; dj++ {
				want += float64(f.pixel(235+551-(4*i+di), 239+4*j+dj))
			}
		}
		assert.Equal(t, want, rec.ActiveRegion.At(i, j), "block (%d, %d)", i, j)
	}
}

func TestParseKeepAllCounts(t *testing.T) {
	cal := config.DefaultCalibration()
	cal.KeepAllCounts = true

	f := defaultFixture()
	rec, err := parse(t, cal, "sample_Q3", f)
	require.NoError(t, err)

	assert.Equal(t, nativeSize*nativeSize, rec.PixelCount)
	assert.Equal(t, float64(f.pixel(1023, 0)), rec.ActiveRegion.At(0, 0))
	assert.Equal(t, float64(f.pixel(0, 5)), rec.ActiveRegion.At(1023, 5))
}

func TestParseFileCompressed(t *testing.T) {
	dir := t.TempDir()
	f := defaultFixture()
	plain := writeFixture(t, dir, "bg_Q3.mpa", f)
	packed := writeCompressedFixture(t, dir, "bg_Q3_copy.mpa.xz", f)

	p := NewParser(config.DefaultCalibration(), nil)
	a, err := p.ParseFile(plain)
	require.NoError(t, err)
	b, err := p.ParseFile(packed)
	require.NoError(t, err)

	assert.Equal(t, "bg_Q3", a.Name)
	assert.Equal(t, "bg_Q3_copy", b.Name)
	assert.Equal(t, packed, b.Path)
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.Equal(t, a.Counts, b.Counts)
}

func TestParseFileMissing(t *testing.T) {
	_, err := NewParser(config.DefaultCalibration(), nil).ParseFile("does/not/exist.mpa")
	assert.Error(t, err)
}

func TestParseHeaderlessBackground(t *testing.T) {
	f := defaultFixture()
	f.header = nil

	rec, err := parse(t, config.DefaultCalibration(), "empty_beam_no_sample_Q1", f)
	require.NoError(t, err)

	assert.True(t, hasDiagnostic(rec, ErrNoHeader))
	assert.Equal(t, "1", rec.QRange)
	assert.True(t, rec.HasDistance)
	assert.InDelta(t, (9742.34272+1320)/1e3, rec.DetectorDistance, 1e-12)
	assert.False(t, rec.HasWavelength)
	assert.True(t, rec.IsBackground())
	assert.Nil(t, rec.Beamstop)
}

func TestParseHeaderlessUnknownRange(t *testing.T) {
	f := defaultFixture()
	f.header = nil

	rec, err := parse(t, config.DefaultCalibration(), "background", f)
	require.NoError(t, err)

	assert.True(t, hasDiagnostic(rec, ErrUnknownQRange))
	assert.Empty(t, rec.QRange)
	assert.False(t, rec.HasDistance)
}

func TestParseMissingSpeedUsesDefault(t *testing.T) {
	f := defaultFixture()
	f.header = []string{"FZZ=1430", "Sample=water"}

	rec, err := parse(t, config.DefaultCalibration(), "water", f)
	require.NoError(t, err)

	var missing *MissingFieldError
	found := false
	for _, d := range rec.Diagnostics {
		if errors.As(d, &missing) && missing.Field == "SpeedVS" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, 21506.0, rec.VelocitySelectorRPM)
	assert.Equal(t, "4", rec.QRange)
	assert.Nil(t, rec.Beamstop)
	assert.True(t, hasDiagnostic(rec, ErrNoBeamstop))
}

func TestParseMissingDistanceFallsBackToDefault(t *testing.T) {
	f := defaultFixture()
	f.header = []string{"SpeedVS=21506"}

	// the default FZZ of 3400 mm is 22.98 mm from Q range 3
	_, err := parse(t, config.DefaultCalibration(), "sample", f)
	var mismatch *geometry.CalibrationMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 3400.0, mismatch.DistanceMM)
	assert.Equal(t, "3", mismatch.Nearest.Label)
}

func TestParseCalibrationMismatch(t *testing.T) {
	f := defaultFixture()
	f.header = []string{"FZZ=3450", "SpeedVS=21506"}

	_, err := parse(t, config.DefaultCalibration(), "sample", f)
	var mismatch *geometry.CalibrationMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.InDelta(t, 27.01472, mismatch.ResidualMM, 1e-9)
}

func TestParseSelectorAtRest(t *testing.T) {
	f := defaultFixture()
	f.header = []string{"FZZ=7428", "SpeedVS=0"}

	rec, err := parse(t, config.DefaultCalibration(), "sample", f)
	require.NoError(t, err)
	assert.False(t, rec.HasWavelength)
	assert.True(t, hasDiagnostic(rec, ErrSelectorAtRest))
	assert.Equal(t, "2", rec.QRange)
}

func TestParseInvalidHeaderNumber(t *testing.T) {
	f := defaultFixture()
	f.header = []string{"FZZ=far", "SpeedVS=21506"}

	_, err := parse(t, config.DefaultCalibration(), "sample", f)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestParseMonitor(t *testing.T) {
	t.Run("zero is absent", func(t *testing.T) {
		f := defaultFixture()
		f.scaler = []string{"sc#01=0;"}
		rec, err := parse(t, config.DefaultCalibration(), "sample", f)
		require.NoError(t, err)
		assert.False(t, rec.HasMonitor)
		assert.True(t, hasDiagnostic(rec, ErrNoMonitor))
		assert.Equal(t, float64(f.imageSum())/100, rec.I0)
	})

	t.Run("no scaler section", func(t *testing.T) {
		f := defaultFixture()
		f.scaler = nil
		rec, err := parse(t, config.DefaultCalibration(), "sample", f)
		require.NoError(t, err)
		assert.False(t, rec.HasMonitor)
		assert.True(t, hasDiagnostic(rec, ErrNoScaler))
	})

	t.Run("non-numeric is fatal", func(t *testing.T) {
		f := defaultFixture()
		f.scaler = []string{"sc#01=12x4;"}
		_, err := parse(t, config.DefaultCalibration(), "sample", f)
		var fe *FormatError
		assert.ErrorAs(t, err, &fe)
	})
}

func TestParseMissingReport(t *testing.T) {
	f := defaultFixture()
	f.noReport = true

	_, err := parse(t, config.DefaultCalibration(), "sample", f)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Reason, "CHN2")
}

func TestParseZeroMeasurementTime(t *testing.T) {
	f := defaultFixture()
	f.time = "0"

	_, err := parse(t, config.DefaultCalibration(), "sample", f)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestParseCountMismatchIsDiagnostic(t *testing.T) {
	f := defaultFixture()
	f.report = []string{"Measurement time: 10 s", "Total counts: 7", ""}

	rec, err := parse(t, config.DefaultCalibration(), "sample", f)
	require.NoError(t, err)
	assert.True(t, hasDiagnostic(rec, ErrCountMismatch))
	assert.Equal(t, int64(7), rec.TotalCounts)
	assert.Equal(t, 10.0, rec.MeasurementTime)
}

func TestParseImageErrors(t *testing.T) {
	t.Run("wrong declared length", func(t *testing.T) {
		f := defaultFixture()
		f.imageLen = 1000
		_, err := parse(t, config.DefaultCalibration(), "sample", f)
		var fe *FormatError
		assert.ErrorAs(t, err, &fe)
	})

	t.Run("missing image token", func(t *testing.T) {
		cal := config.DefaultCalibration()
		cal.ImageToken = "CDAT3"
		_, err := parse(t, cal, "sample", defaultFixture())
		var fe *FormatError
		assert.ErrorAs(t, err, &fe)
	})

	t.Run("truncated block", func(t *testing.T) {
		content := defaultFixture().render()
		content = content[:len(content)/2]
		_, err := NewParser(config.DefaultCalibration(), nil).Parse(strings.NewReader(content), "sample")
		var fe *FormatError
		assert.ErrorAs(t, err, &fe)
	})
}

func TestParseAlternativeImageToken(t *testing.T) {
	cal := config.DefaultCalibration()
	cal.ImageToken = "CDAT1"

	f := defaultFixture()
	f.imageToken = "CDAT1"
	rec, err := parse(t, cal, "sample", f)
	require.NoError(t, err)
	assert.Equal(t, 138*138, rec.PixelCount)
}

func TestParseMissingHeaderMarker(t *testing.T) {
	content := strings.Replace(defaultFixture().render(), "[MCS8A A]\n", "", 1)
	_, err := NewParser(config.DefaultCalibration(), nil).Parse(strings.NewReader(content), "sample")
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestPeekQRange(t *testing.T) {
	dir := t.TempDir()
	p := NewParser(config.DefaultCalibration(), nil)

	f := defaultFixture()
	label, err := p.PeekQRange(writeFixture(t, dir, "sample.mpa", f))
	require.NoError(t, err)
	assert.Equal(t, "3", label)

	f.header = nil
	label, err = p.PeekQRange(writeCompressedFixture(t, dir, "bg_Q2.mpa.xz", f))
	require.NoError(t, err)
	assert.Equal(t, "2", label)

	label, err = p.PeekQRange(writeFixture(t, dir, "bg.mpa", f))
	require.NoError(t, err)
	assert.Empty(t, label)

	f = defaultFixture()
	f.header = []string{"FZZ=3450"}
	_, err = p.PeekQRange(writeFixture(t, dir, "off.mpa", f))
	var mismatch *geometry.CalibrationMismatchError
	assert.ErrorAs(t, err, &mismatch)
}
