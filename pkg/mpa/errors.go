package mpa

import (
	"errors"
	"fmt"
)

// FormatError reports a structural problem that makes a file unusable:
// missing mandatory sections, a wrong image length or unparsable values.
type FormatError struct {
	Name   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("malformed measurement file %s: %s", e.Name, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// MissingFieldError is recorded as a diagnostic when an optional header
// field is absent and its default is used instead. It is never returned as
// a parse failure.
type MissingFieldError struct {
	Field   string
	Default float64
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("parameter %s not found, using default value of %g", e.Field, e.Default)
}

// Non-fatal findings kept on MeasurementRecord.Diagnostics.
var (
	ErrNoHeader       = errors.New("no header found, assuming a background measurement")
	ErrUnknownQRange  = errors.New("no Q range token in file name")
	ErrSelectorAtRest = errors.New("velocity selector at 0 RPM, is this a background measurement?")
	ErrNoScaler       = errors.New("no [SCALER A] section")
	ErrNoMonitor      = errors.New("no usable sc#01 monitor reading")
	ErrRebinTrimmed   = errors.New("active region not divisible by rebin factor, remainder trimmed")
	ErrCountMismatch  = errors.New("reported total counts differ from the image sum")
	ErrNoBeamstop     = errors.New("beamstop motor positions not in header")
	ErrNegativeCounts = errors.New("image contains negative counts")
)
