package detector

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"ridsans/internal/xzfile"
)

// LoadEfficiency reads a relative pixel efficiency map stored as
// whitespace-separated numbers (one detector row per line, '#' comments
// allowed). The values are returned flattened in row-major order.
func LoadEfficiency(path string) ([]float64, error) {
	rc, err := xzfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open efficiency file: %w", err)
	}
	defer rc.Close()

	values, err := ReadEfficiency(rc)
	if err != nil {
		return nil, fmt.Errorf("read efficiency file %s: %w", path, err)
	}
	return values, nil
}

// ReadEfficiency parses an efficiency map from r. See LoadEfficiency.
func ReadEfficiency(r io.Reader) ([]float64, error) {
	var values []float64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, field := range strings.Fields(line) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			values = append(values, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no efficiency values found")
	}
	return values, nil
}
