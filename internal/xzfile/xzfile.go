// Package xzfile opens input files that may be xz-compressed.
package xzfile

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
)

// Ext is the suffix that marks an xz-compressed file.
const Ext = ".xz"

type readCloser struct {
	io.Reader
	f *os.File
}

func (r *readCloser) Close() error {
	return r.f.Close()
}

// Open opens path for reading. Files ending in .xz are decompressed on the fly.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, Ext) {
		return f, nil
	}

	xr, err := xz.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open xz stream %s: %w", path, err)
	}
	return &readCloser{Reader: xr, f: f}, nil
}

// Stem returns the base name of path without its extension(s), so that
// "data/bg_Q1.mpa.xz" and "data/bg_Q1.mpa" both give "bg_Q1".
func Stem(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, Ext)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
