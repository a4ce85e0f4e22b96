// Package batch reads batch files listing many reductions and runs them
// with result caching.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ridsans/pkg/reduction"
)

// DefaultExtension is appended to file names listed without one.
const DefaultExtension = ".mpa"

var validate = validator.New()

// Row is one reduction of a batch file. File names are given relative to
// the batch directory and without extension.
type Row struct {
	// Set groups rows measured on the same sample at different Q ranges;
	// rows of one set share the transmission factors of its widest-angle
	// member. An empty set makes the row a set of its own.
	Set string `yaml:"set"`

	SampleScatter      string  `yaml:"sampleScatter" validate:"required"`
	SampleTransmission string  `yaml:"sampleTransmission"`
	CanScatter         string  `yaml:"canScatter"`
	CanTransmission    string  `yaml:"canTransmission" validate:"excluded_without=CanScatter"`
	Direct             string  `yaml:"direct" validate:"required"`
	Background         string  `yaml:"background" validate:"required"`
	Thickness          float64 `yaml:"thickness" validate:"gte=0"`
}

// File is a parsed batch file.
type File struct {
	// Directory holds the measurement files; relative paths are resolved
	// against the batch file's directory
	Directory string `yaml:"directory"`

	// Extension is appended to every file name, DefaultExtension if empty
	Extension string `yaml:"extension"`

	Rows []Row `yaml:"measurements" validate:"required,min=1,dive"`
}

// Set is a group of rows reduced together.
type Set struct {
	Name    string
	Members []reduction.FileSet
}

// Load reads and validates a batch file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading batch file: %w", err)
	}

	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("error parsing batch file: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid batch file %s: %w", path, err)
	}

	if f.Extension == "" {
		f.Extension = DefaultExtension
	}
	if !filepath.IsAbs(f.Directory) {
		f.Directory = filepath.Join(filepath.Dir(path), f.Directory)
	}
	for i, row := range f.Rows {
		if row.SampleTransmission == "" && (row.Set == "" || f.setSize(row.Set) == 1) {
			return nil, fmt.Errorf("invalid batch file %s: row %d has no sample transmission", path, i+1)
		}
	}
	return f, nil
}

func (f *File) setSize(name string) int {
	n := 0
	for _, row := range f.Rows {
		if row.Set == name {
			n++
		}
	}
	return n
}

// Path resolves a file name of the batch.
func (f *File) Path(name string) string {
	if name == "" {
		return ""
	}
	if !strings.HasSuffix(name, f.Extension) {
		name += f.Extension
	}
	return filepath.Join(f.Directory, name)
}

// FileSet resolves the files of a row.
func (f *File) FileSet(row Row) reduction.FileSet {
	return reduction.FileSet{
		SampleScatter:      f.Path(row.SampleScatter),
		SampleTransmission: f.Path(row.SampleTransmission),
		CanScatter:         f.Path(row.CanScatter),
		CanTransmission:    f.Path(row.CanTransmission),
		Direct:             f.Path(row.Direct),
		Background:         f.Path(row.Background),
		Thickness:          row.Thickness,
	}
}

// Sets groups the rows into sets in order of first appearance.
func (f *File) Sets() []Set {
	var sets []Set
	index := make(map[string]int)
	for i, row := range f.Rows {
		name := row.Set
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		k, ok := index[name]
		if !ok {
			k = len(sets)
			index[name] = k
			sets = append(sets, Set{Name: name})
		}
		sets[k].Members = append(sets[k].Members, f.FileSet(row))
	}
	return sets
}
