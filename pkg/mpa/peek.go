package mpa

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"ridsans/internal/xzfile"
)

// PeekQRange resolves the Q range label of the file at path from its header
// alone, without decoding the image. Header-less files are resolved from
// their name; an empty label means the name carries no Q range token.
func (p *Parser) PeekQRange(path string) (string, error) {
	rc, err := xzfile.Open(path)
	if err != nil {
		return "", fmt.Errorf("open measurement file: %w", err)
	}
	defer rc.Close()

	name := xzfile.Stem(path)
	header := make(map[string]string)
	n := 0

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, headerEndMarker) {
			if n == 0 {
				q, _ := p.cal.QRanges.MatchFilename(name)
				return q.Label, nil
			}
			return p.peekDistance(name, header)
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			header[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read measurement %s: %w", name, err)
	}
	return "", &FormatError{Name: name, Reason: "no " + headerEndMarker + " section"}
}

func (p *Parser) peekDistance(name string, header map[string]string) (string, error) {
	fzz := p.cal.DefaultDistanceMM
	if raw, ok := header["FZZ"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", &FormatError{Name: name, Reason: fmt.Sprintf("invalid FZZ value %q", raw), Err: err}
		}
		fzz = v
	}
	q, _, err := p.cal.QRanges.Resolve(fzz)
	if err != nil {
		return "", fmt.Errorf("resolve Q range of %s: %w", name, err)
	}
	return q.Label, nil
}
