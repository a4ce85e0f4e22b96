package correction

import (
	"errors"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"

	"ridsans/internal/models"
)

// Container describes whether the sample sat in a can and which can
// measurements exist. It is one of NoCan, CanScatterOnly or
// CanWithTransmission.
type Container interface {
	container()
}

// NoCan: the sample was measured bare.
type NoCan struct{}

// CanScatterOnly: the empty can was measured in scattering geometry but
// its transmission was not.
type CanScatterOnly struct {
	Scatter *models.MeasurementRecord
}

// CanWithTransmission: both the can scatter and the can transmission exist.
type CanWithTransmission struct {
	Scatter      *models.MeasurementRecord
	Transmission *models.MeasurementRecord
}

func (NoCan) container()               {}
func (CanScatterOnly) container()      {}
func (CanWithTransmission) container() {}

// TransmissionSource tells the combiner whether to compute the
// transmission factors or to reuse factors fixed by a sibling measurement.
// It is either ComputeTransmissions or PrecomputedTransmissions.
type TransmissionSource interface {
	transmissionSource()
}

// ComputeTransmissions derives the factors from the transmission records.
type ComputeTransmissions struct{}

// PrecomputedTransmissions reuses (T_sample, T_can); the combined factor
// of sample and can is Sample·Can.
type PrecomputedTransmissions struct {
	Sample float64
	Can    float64
}

func (ComputeTransmissions) transmissionSource()     {}
func (PrecomputedTransmissions) transmissionSource() {}

// Inputs are the measurements of one reduction. SampleTransmission may be
// nil only with PrecomputedTransmissions. A nil Container means NoCan and a
// nil Transmissions means ComputeTransmissions.
type Inputs struct {
	SampleScatter      *models.MeasurementRecord
	SampleTransmission *models.MeasurementRecord
	Direct             *models.MeasurementRecord
	Background         *models.MeasurementRecord
	Container          Container
	Transmissions      TransmissionSource
}

// Combiner applies the background, can and transmission corrections.
type Combiner struct {
	logger *slog.Logger
}

// NewCombiner creates a combiner that logs plausibility warnings to logger.
func NewCombiner(logger *slog.Logger) *Combiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Combiner{logger: logger}
}

// factors holds the transmission factors used by one combination.
type factors struct {
	sample    float64 // T_sample
	can       float64 // T_can
	sampleCan float64 // T_sample_can
}

// Combine produces the corrected intensity of the sample scatter
// measurement. The formula depends on the container:
//
// NoCan:
//
//	I = (s.I − bg.I) / (T_sample·I0)
//	dI = sqrt(s.dI² + bg.dI²) / (T_sample·I0)
//
// CanScatterOnly (T_can = 1, background assumed to cancel between the two
// scatter terms):
//
//	I = (s.I − c.I·r) / (T_sample·I0)
//	dI = sqrt(s.dI² + (c.dI·r)²) / (T_sample·I0)
//
// CanWithTransmission (T_sample = T_sample_can/T_can):
//
//	I = [(s.I − bg.I)/T_sample_can − (c.I·r − bg.I)/T_can] / I0
//	dI = sqrt((s.dI² + bg.dI²)/T_sample_can² + ((c.dI·r)² + bg.dI²)/T_can²) / I0
//
// where r = c.I0/s.I0 and I0 = (s.I0/direct.I0)·Σ direct.I.
//
// Combine does not modify its inputs and is deterministic.
func (c *Combiner) Combine(in Inputs) (*models.CorrectedField, error) {
	s, bg, direct := in.SampleScatter, in.Background, in.Direct
	if s == nil || direct == nil || bg == nil {
		return nil, errors.New("sample scatter, direct beam and background are required")
	}

	container := in.Container
	if container == nil {
		container = NoCan{}
	}
	source := in.Transmissions
	if source == nil {
		source = ComputeTransmissions{}
	}

	var canScatter, canTrans *models.MeasurementRecord
	branch := models.NoCan
	switch ct := container.(type) {
	case NoCan:
	case CanScatterOnly:
		canScatter = ct.Scatter
		branch = models.CanWithoutTransmission
	case CanWithTransmission:
		canScatter, canTrans = ct.Scatter, ct.Transmission
		branch = models.CanWithTransmission
	}
	if branch != models.NoCan && canScatter == nil {
		return nil, errors.New("can scatter measurement is missing")
	}

	if err := sameLength(s, in.SampleTransmission, direct, bg, canScatter, canTrans); err != nil {
		return nil, err
	}

	field := &models.CorrectedField{
		Name:   s.Name,
		QRange: s.QRange,
		Branch: branch,
	}

	f, err := c.transmissions(in, branch, canTrans, field)
	if err != nil {
		return nil, err
	}
	field.TSample, field.TCan = f.sample, f.can

	if direct.I0 == 0 {
		return nil, &DivisionByZeroError{Quantity: "flux of " + direct.Name}
	}
	i0 := s.I0 / direct.I0 * floats.Sum(direct.I)
	if i0 == 0 {
		return nil, &DivisionByZeroError{Quantity: "incident intensity I0"}
	}

	n := len(s.I)
	field.I = make([]float64, n)
	field.DI = make([]float64, n)

	switch branch {
	case models.NoCan:
		norm := f.sample * i0
		for i := 0; i < n; i++ {
			field.I[i] = (s.I[i] - bg.I[i]) / norm
			field.DI[i] = math.Sqrt(s.DI[i]*s.DI[i]+bg.DI[i]*bg.DI[i]) / norm
		}

	case models.CanWithoutTransmission:
		ratio, err := canRatio(canScatter, s)
		if err != nil {
			return nil, err
		}
		norm := f.sample * i0
		for i := 0; i < n; i++ {
			cdi := canScatter.DI[i] * ratio
			field.I[i] = (s.I[i] - canScatter.I[i]*ratio) / norm
			field.DI[i] = math.Sqrt(s.DI[i]*s.DI[i]+cdi*cdi) / norm
		}

	case models.CanWithTransmission:
		ratio, err := canRatio(canScatter, s)
		if err != nil {
			return nil, err
		}
		tsc2, tc2 := f.sampleCan*f.sampleCan, f.can*f.can
		for i := 0; i < n; i++ {
			cdi := canScatter.DI[i] * ratio
			bg2 := bg.DI[i] * bg.DI[i]
			field.I[i] = ((s.I[i]-bg.I[i])/f.sampleCan - (canScatter.I[i]*ratio-bg.I[i])/f.can) / i0
			field.DI[i] = math.Sqrt((s.DI[i]*s.DI[i]+bg2)/tsc2+(cdi*cdi+bg2)/tc2) / i0
		}
	}

	return field, nil
}

// transmissions resolves the factors for the selected branch, either from
// the transmission records or from the precomputed pair.
func (c *Combiner) transmissions(in Inputs, branch models.Branch, canTrans *models.MeasurementRecord, field *models.CorrectedField) (factors, error) {
	var f factors

	if pre, ok := in.Transmissions.(PrecomputedTransmissions); ok {
		f = factors{sample: pre.Sample, can: pre.Can, sampleCan: pre.Sample * pre.Can}
	} else {
		if in.SampleTransmission == nil {
			return f, errors.New("sample transmission measurement is missing")
		}
		tsc, err := TransmissionFactor(in.SampleTransmission, in.Direct, in.Background)
		if err != nil {
			return f, err
		}
		f.sampleCan = tsc
		f.sample = tsc
		field.Warnings = append(field.Warnings, TransmissionWarnings("T_sample", tsc)...)

		switch branch {
		case models.NoCan:
			// no container: the sample-and-can factor is the sample factor
			f.can = tsc
		case models.CanWithoutTransmission:
			f.can = 1
		case models.CanWithTransmission:
			tc, err := TransmissionFactor(canTrans, in.Direct, in.Background)
			if err != nil {
				return f, err
			}
			f.can = tc
			field.Warnings = append(field.Warnings, TransmissionWarnings("T_can", tc)...)
			if tc == 0 {
				return f, &DivisionByZeroError{Quantity: "T_can"}
			}
			f.sample = tsc / tc
		}
	}

	if f.sample == 0 || f.sampleCan == 0 {
		return f, &DivisionByZeroError{Quantity: "T_sample"}
	}
	if branch == models.CanWithTransmission && f.can == 0 {
		return f, &DivisionByZeroError{Quantity: "T_can"}
	}

	for _, w := range field.Warnings {
		c.logger.Warn("Implausible transmission", "measurement", field.Name, "detail", w)
	}
	c.logger.Debug("Transmission factors", "measurement", field.Name, "branch", branch.String(),
		"t_sample", f.sample, "t_can", f.can)
	return f, nil
}

func canRatio(can, sample *models.MeasurementRecord) (float64, error) {
	if sample.I0 == 0 {
		return 0, &DivisionByZeroError{Quantity: "flux of " + sample.Name}
	}
	return can.I0 / sample.I0, nil
}
