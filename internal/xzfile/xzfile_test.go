package xzfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestOpenPlainAndCompressed(t *testing.T) {
	dir := t.TempDir()
	content := "FZZ=3424\n[MCS8A A]\n"

	plain := filepath.Join(dir, "run.mpa")
	require.NoError(t, os.WriteFile(plain, []byte(content), 0644))

	compressed := filepath.Join(dir, "run.mpa.xz")
	out, err := os.Create(compressed)
	require.NoError(t, err)
	w, err := xz.NewWriter(out)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	for _, path := range []string{plain, compressed} {
		rc, err := Open(path)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, content, string(data), path)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "missing.mpa"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bogus := filepath.Join(dir, "bogus.mpa.xz")
	require.NoError(t, os.WriteFile(bogus, []byte("not xz"), 0644))
	_, err = Open(bogus)
	assert.Error(t, err)
}

func TestStem(t *testing.T) {
	assert.Equal(t, "bg_Q1", Stem("data/bg_Q1.mpa.xz"))
	assert.Equal(t, "bg_Q1", Stem("data/bg_Q1.mpa"))
	assert.Equal(t, "bg_Q1", Stem(`C:\data\bg_Q1.mpa`))
	assert.Equal(t, "run", Stem("run"))
	assert.Equal(t, ".hidden", Stem(".hidden"))
}
