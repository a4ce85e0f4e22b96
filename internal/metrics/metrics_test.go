package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()

	r.FileParsed("direct", 10*time.Millisecond, 2, nil)
	r.FileParsed("direct", 10*time.Millisecond, 0, nil)
	r.FileParsed("background", time.Millisecond, 0, errors.New("bad"))
	r.Reduced("glassy", "no-can", 0.9, 0.9, 1)
	r.CacheLookup("hit")
	r.ReductionFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.filesParsed.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.parseFailures.WithLabelValues("background")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.diagnostics.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reductions.WithLabelValues("no-can")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transmissionWarnings))
	assert.Equal(t, 0.9, testutil.ToFloat64(r.lastTransmission.WithLabelValues("glassy", "T_sample")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reductionFailures))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.FileParsed("direct", time.Second, 0, nil)
	r.Reduced("s", "no-can", 1, 1, 0)
	r.CacheLookup("miss")
	r.ReductionFailed()
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile("ignored"))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.CacheLookup("miss")

	path := filepath.Join(t.TempDir(), "ridsans.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `ridsans_store_lookups_total{result="miss"} 1`)
}
