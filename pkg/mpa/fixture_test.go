package mpa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

const nativeSize = 1024

// fixture describes a synthetic measurement file.
type fixture struct {
	header     []string // lines before [MCS8A A]; nil for a header-less file
	scaler     []string // [SCALER A] entries; nil omits the section
	noReport   bool
	report     []string // lines following [CHN2]; nil uses time and computed counts
	time       string
	imageToken string
	imageLen   int
	pixel      func(r, c int) int16
}

func defaultFixture() fixture {
	return fixture{
		header: []string{
			"FZZ=3424",
			"SpeedVS=21506",
			"BSXL=0.5",
			"BSXS=100",
			"BSY=10",
			"Sample=glassy C",
		},
		scaler:     []string{"sc#01=5000;monitor", "sc#02=12;"},
		time:       "100.00",
		imageToken: "CDAT2",
		imageLen:   nativeSize * nativeSize,
		pixel:      func(r, c int) int16 { return int16((r*7 + c*3) % 50) },
	}
}

func (f fixture) imageSum() int64 {
	var sum int64
	for r := 0; r < nativeSize; r++ {
		for c := 0; c < nativeSize; c++ {
			sum += int64(f.pixel(r, c))
		}
	}
	return sum
}

func (f fixture) render() string {
	var b strings.Builder
	b.Grow(4 * nativeSize * nativeSize)

	for _, h := range f.header {
		b.WriteString(h + "\n")
	}
	b.WriteString("[MCS8A A]\n")
	b.WriteString("range=1048576\n")

	if !f.noReport {
		b.WriteString("[CHN2]\n")
		b.WriteString("calfact=1\n")
		report := f.report
		if report == nil {
			report = []string{
				"Measurement time: " + f.time + " s",
				fmt.Sprintf("Total counts: %d", f.imageSum()),
				"",
			}
		}
		for _, line := range report {
			b.WriteString(line + "\n")
		}
	}

	if f.scaler != nil {
		b.WriteString("[SCALER A]\n")
		for _, s := range f.scaler {
			b.WriteString(s + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("[TDAT0,2 ]\n0\n0\n")
	b.WriteString(fmt.Sprintf("[%s,%d ]\n", f.imageToken, f.imageLen))
	for r := 0; r < nativeSize; r++ {
		for c := 0; c < nativeSize; c++ {
			fmt.Fprintf(&b, "%d\n", f.pixel(r, c))
		}
	}
	return b.String()
}

func writeFixture(t *testing.T, dir, name string, f fixture) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(f.render()), 0644))
	return path
}

func writeCompressedFixture(t *testing.T, dir, name string, f fixture) string {
	t.Helper()
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	require.NoError(t, err)
	w, err := xz.NewWriter(out)
	require.NoError(t, err)
	_, err = w.Write([]byte(f.render()))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
	return path
}
