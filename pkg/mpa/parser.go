// Package mpa parses the line-oriented measurement files written by the
// detector acquisition system into MeasurementRecords.
//
// A file consists of an optional key=value header terminated by a
// "[MCS8A A]" line, a number of bracketed sections ([CHN2], [SCALER A], ...)
// and data blocks introduced by "[TOKEN,LENGTH ]" markers, each followed by
// LENGTH lines holding one integer each. The detector image is the block
// named by the configured image token (CDAT2 by default).
package mpa

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"ridsans/internal/models"
	"ridsans/internal/xzfile"
	"ridsans/pkg/config"
	"ridsans/pkg/detector"
	"ridsans/pkg/geometry"
)

const (
	headerEndMarker = "[MCS8A A]"
	scalerMarker    = "[SCALER A]"
	dataStartToken  = "TDAT0"
	reportChannel   = "CHN2"
	monitorKey      = "sc#01"
)

var (
	sectionMarker = regexp.MustCompile(`^\[([0-9A-Za-z]+),(\d+) \]`)
	channelMarker = regexp.MustCompile(`^\[(CHN\d*)\]`)
	reportNumber  = regexp.MustCompile(`\d+\.\d+|\d+`)
)

// Parser turns measurement files into records using a shared, read-only
// calibration. A Parser is safe for concurrent use.
type Parser struct {
	cal    *config.Calibration
	logger *slog.Logger
}

// NewParser creates a parser for the given calibration.
func NewParser(cal *config.Calibration, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{cal: cal, logger: logger}
}

// ParseFile parses the file at path. Files ending in .xz are decompressed
// on the fly. The record name is the file name without directory and
// extensions.
func (p *Parser) ParseFile(path string) (*models.MeasurementRecord, error) {
	rc, err := xzfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open measurement file: %w", err)
	}
	defer rc.Close()

	rec, err := p.Parse(rc, xzfile.Stem(path))
	if err != nil {
		return nil, err
	}
	rec.Path = path
	return rec, nil
}

// Parse reads one measurement from r. name identifies the measurement in
// diagnostics and is matched against Q range tokens for header-less files.
//
// Parameters:
//   - r: the (decompressed) file content
//   - name: the human readable record name
//
// Returns:
//   - the parsed record, or a *FormatError, a *geometry.CalibrationMismatchError
//     or an I/O error
func (p *Parser) Parse(r io.Reader, name string) (*models.MeasurementRecord, error) {
	log := p.logger.With("measurement", name)
	log.Debug("Loading measurement file")

	hasher := blake3.New()
	lines, err := readLines(io.TeeReader(r, hasher))
	if err != nil {
		return nil, fmt.Errorf("read measurement %s: %w", name, err)
	}

	rec := &models.MeasurementRecord{
		Name:     name,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}
	diag := func(err error) {
		rec.Diagnostics = append(rec.Diagnostics, err)
		log.Warn(err.Error())
	}

	if err := p.parseScaler(rec, lines, diag); err != nil {
		return nil, err
	}
	if err := p.parseHeader(rec, lines, diag); err != nil {
		return nil, err
	}

	dataStart, imageStart, err := p.locateBlocks(name, lines)
	if err != nil {
		return nil, err
	}
	if err := p.parseImage(rec, lines, imageStart, diag); err != nil {
		return nil, err
	}
	if err := p.parseReport(rec, lines[:dataStart]); err != nil {
		return nil, err
	}

	rec.Counts = rec.ActiveRegion.Flatten()
	rec.I = make([]float64, len(rec.Counts))
	rec.DI = make([]float64, len(rec.Counts))
	for i, c := range rec.Counts {
		rec.I[i] = c / rec.MeasurementTime
		rec.DI[i] = math.Sqrt(c) / rec.MeasurementTime
	}

	if sum := rec.DetectorImage.Sum(); sum != float64(rec.TotalCounts) {
		diag(fmt.Errorf("%w: reported %d, image %g", ErrCountMismatch, rec.TotalCounts, sum))
	}

	p.reportRates(log, rec)
	log.Debug("Parsed measurement", "pixels", rec.PixelCount, "q_range", rec.QRange)
	return rec, nil
}

func readLines(r io.Reader) ([]string, error) {
	lines := make([]string, 0, 1<<20+1024)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// parseScaler reads the optional [SCALER A] section and the sc#01 monitor.
func (p *Parser) parseScaler(rec *models.MeasurementRecord, lines []string, diag func(error)) error {
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == scalerMarker {
			start = i
			break
		}
	}
	if start < 0 {
		diag(ErrNoScaler)
		return nil
	}

	scaler := make(map[string]string)
	for _, line := range lines[start+1:] {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") {
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value, _, _ = strings.Cut(value, ";")
		scaler[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	rec.Scaler = scaler

	raw, ok := scaler[monitorKey]
	if !ok {
		diag(fmt.Errorf("%w: %s not found", ErrNoMonitor, monitorKey))
		return nil
	}
	monitor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return &FormatError{Name: rec.Name, Reason: fmt.Sprintf("could not convert %s=%q to a number", monitorKey, raw), Err: err}
	}
	if monitor == 0 {
		diag(fmt.Errorf("%w: %s = 0, ignoring", ErrNoMonitor, monitorKey))
		return nil
	}
	rec.MonitorCount = monitor
	rec.HasMonitor = true
	return nil
}

// parseHeader reads the key=value block preceding [MCS8A A] and resolves
// distance, Q range, wavelength, beamstop and sample label from it.
func (p *Parser) parseHeader(rec *models.MeasurementRecord, lines []string, diag func(error)) error {
	headerEnd := -1
	for i, line := range lines {
		if strings.HasPrefix(line, headerEndMarker) {
			headerEnd = i
			break
		}
	}
	if headerEnd < 0 {
		return &FormatError{Name: rec.Name, Reason: "no " + headerEndMarker + " section"}
	}

	rec.Header = make(map[string]string, headerEnd)
	if headerEnd == 0 {
		diag(ErrNoHeader)
		p.resolveFromName(rec, diag)
		return nil
	}

	for _, line := range lines[:headerEnd] {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		rec.Header[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	fzz, err := p.floatWithDefault(rec, "FZZ", p.cal.DefaultDistanceMM, diag)
	if err != nil {
		return err
	}
	q, _, err := p.cal.QRanges.Resolve(fzz)
	if err != nil {
		return fmt.Errorf("resolve Q range of %s: %w", rec.Name, err)
	}
	rec.QRange = q.Label
	rec.DetectorDistance = (fzz + p.cal.SampleOffsetMM) / 1e3
	rec.HasDistance = true

	rpm, err := p.floatWithDefault(rec, "SpeedVS", p.cal.DefaultSelectorRPM, diag)
	if err != nil {
		return err
	}
	rec.VelocitySelectorRPM = rpm
	if rpm == 0 {
		diag(ErrSelectorAtRest)
	} else {
		rec.Wavelength = p.cal.Wavelength.Wavelength(rpm)
		rec.HasWavelength = true
	}

	if err := p.parseBeamstop(rec, diag); err != nil {
		return err
	}
	rec.Sample = rec.Header["Sample"]
	return nil
}

// resolveFromName resolves the Q range of a header-less file from the
// "Q<label>" token in its name. No wavelength is available.
func (p *Parser) resolveFromName(rec *models.MeasurementRecord, diag func(error)) {
	q, ok := p.cal.QRanges.MatchFilename(rec.Name)
	if !ok {
		diag(ErrUnknownQRange)
		return
	}
	rec.QRange = q.Label
	rec.DetectorDistance = (q.DistanceMM + p.cal.SampleOffsetMM) / 1e3
	rec.HasDistance = true
}

func (p *Parser) floatWithDefault(rec *models.MeasurementRecord, key string, def float64, diag func(error)) (float64, error) {
	raw, ok := rec.Header[key]
	if !ok {
		diag(&MissingFieldError{Field: key, Default: def})
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &FormatError{Name: rec.Name, Reason: fmt.Sprintf("invalid %s value %q", key, raw), Err: err}
	}
	return v, nil
}

func (p *Parser) parseBeamstop(rec *models.MeasurementRecord, diag func(error)) error {
	var pos [3]float64
	for i, key := range []string{"BSXL", "BSXS", "BSY"} {
		raw, ok := rec.Header[key]
		if !ok {
			diag(ErrNoBeamstop)
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return &FormatError{Name: rec.Name, Reason: fmt.Sprintf("invalid %s value %q", key, raw), Err: err}
		}
		pos[i] = v / 1e3
	}
	bs := geometry.ClassifyBeamstop(pos[0], pos[1], pos[2], p.cal.Beamstop)
	rec.Beamstop = &bs
	return nil
}

// locateBlocks finds the TDAT0 marker (end of the metadata region) and the
// first line of the image block.
func (p *Parser) locateBlocks(name string, lines []string) (dataStart, imageStart int, err error) {
	dataStart, imageStart = len(lines), -1
	dataFound := false
	want := p.cal.Detector.NativeSize * p.cal.Detector.NativeSize

	for i, line := range lines {
		if !strings.HasPrefix(line, "[") {
			continue
		}
		m := sectionMarker.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch m[1] {
		case dataStartToken:
			if !dataFound {
				dataStart, dataFound = i, true
			}
		case p.cal.ImageToken:
			if imageStart >= 0 {
				continue
			}
			length, err := strconv.Atoi(m[2])
			if err != nil || length != want {
				return 0, 0, &FormatError{Name: name, Reason: fmt.Sprintf("%s block declares %s values, expected %d", m[1], m[2], want)}
			}
			imageStart = i + 1
		}
	}

	if imageStart < 0 {
		return 0, 0, &FormatError{Name: name, Reason: "no " + p.cal.ImageToken + " image block"}
	}
	if imageStart+want > len(lines) {
		return 0, 0, &FormatError{Name: name, Reason: fmt.Sprintf("%s block truncated: %d of %d values", p.cal.ImageToken, len(lines)-imageStart, want)}
	}
	return dataStart, imageStart, nil
}

// parseImage decodes the image block, flips it to the physical orientation
// and cuts out the working region.
func (p *Parser) parseImage(rec *models.MeasurementRecord, lines []string, start int, diag func(error)) error {
	layout := p.cal.Detector
	n := layout.NativeSize

	values := make([]int16, n*n)
	negative := false
	for i := range values {
		v, err := strconv.ParseInt(strings.TrimSpace(lines[start+i]), 10, 16)
		if err != nil {
			return &FormatError{Name: rec.Name, Reason: fmt.Sprintf("invalid image value on line %d", start+i+1), Err: err}
		}
		values[i] = int16(v)
		negative = negative || v < 0
	}
	if negative {
		diag(ErrNegativeCounts)
	}

	raw, err := detector.FromInt16(values, n, n)
	if err != nil {
		return &FormatError{Name: rec.Name, Reason: "image", Err: err}
	}
	rec.DetectorImage = raw.FlipRows()

	if p.cal.KeepAllCounts {
		rec.ActiveRegion = rec.DetectorImage
	} else {
		// crop in readout coordinates, then flip
		crop, err := raw.Crop(layout.CropRowStart, layout.CropColStart, layout.ActivePixels, layout.ActivePixels)
		if err != nil {
			return &FormatError{Name: rec.Name, Reason: "crop active region", Err: err}
		}
		active := crop.FlipRows()
		if layout.Rebin > 1 {
			binned, trimmed, err := active.Rebin(layout.Rebin)
			if err != nil {
				return &FormatError{Name: rec.Name, Reason: "rebin active region", Err: err}
			}
			if trimmed {
				diag(fmt.Errorf("%w: factor %d", ErrRebinTrimmed, layout.Rebin))
			}
			active = binned
		}
		rec.ActiveRegion = active
	}

	rec.PixelCount = layout.PixelCount(p.cal.KeepAllCounts)
	if got := rec.ActiveRegion.Len(); got != rec.PixelCount {
		return &FormatError{Name: rec.Name, Reason: fmt.Sprintf("working region has %d pixels, expected %d", got, rec.PixelCount)}
	}
	return nil
}

// parseReport extracts the live time and total counts from the [CHN2]
// report, which precedes the data blocks.
func (p *Parser) parseReport(rec *models.MeasurementRecord, lines []string) error {
	for i, line := range lines {
		if !strings.HasPrefix(line, "[CHN") {
			continue
		}
		m := channelMarker.FindStringSubmatch(line)
		if m == nil || m[1] != reportChannel {
			continue
		}

		lo, hi := min(i+2, len(lines)), min(i+6, len(lines))
		report := strings.Join(lines[lo:hi], "\n")
		numbers := reportNumber.FindAllString(report, 2)
		if len(numbers) < 2 {
			return &FormatError{Name: rec.Name, Reason: "[CHN2] report lacks measurement time and total counts"}
		}

		t, err := strconv.ParseFloat(numbers[0], 64)
		if err != nil || t <= 0 {
			return &FormatError{Name: rec.Name, Reason: fmt.Sprintf("invalid measurement time %q", numbers[0]), Err: err}
		}
		total, err := strconv.ParseInt(numbers[1], 10, 64)
		if err != nil {
			return &FormatError{Name: rec.Name, Reason: fmt.Sprintf("invalid total counts %q", numbers[1]), Err: err}
		}

		rec.MeasurementTime = t
		rec.TotalCounts = total
		if rec.HasMonitor {
			rec.I0 = float64(rec.MonitorCount) / t
		} else {
			rec.I0 = float64(total) / t
		}
		return nil
	}
	return &FormatError{Name: rec.Name, Reason: "no [CHN2] section, measurement time unknown"}
}

func (p *Parser) reportRates(log *slog.Logger, rec *models.MeasurementRecord) {
	attrs := []any{
		"time_s", rec.MeasurementTime,
		"total_counts", rec.TotalCounts,
		"detector_rate", float64(rec.TotalCounts) / rec.MeasurementTime,
	}
	if rec.HasMonitor {
		attrs = append(attrs,
			"monitor_counts", rec.MonitorCount,
			"monitor_rate", float64(rec.MonitorCount)/rec.MeasurementTime,
			"detector_monitor_ratio", float64(rec.TotalCounts)/float64(rec.MonitorCount),
		)
	}
	if rec.HasWavelength {
		attrs = append(attrs, "wavelength", rec.Wavelength)
	}
	if rec.HasDistance {
		attrs = append(attrs, "distance_m", rec.DetectorDistance)
	}
	log.Info("Measurement loaded", attrs...)
}
