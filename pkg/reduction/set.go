package reduction

import (
	"context"
	"errors"
	"fmt"

	"ridsans/pkg/correction"
)

// ErrEmptySet is returned for a measurement set without members.
var ErrEmptySet = errors.New("empty measurement set")

// WidestMember returns the index of the member whose sample scatter was
// measured at the widest-angle Q range, and the Q range labels of all
// members. Only the headers of the files are read.
func (r *Reducer) WidestMember(members []FileSet) (int, []string, error) {
	if len(members) == 0 {
		return 0, nil, ErrEmptySet
	}

	labels := make([]string, len(members))
	for i, m := range members {
		q, err := r.parser.PeekQRange(m.SampleScatter)
		if err != nil {
			return 0, nil, fmt.Errorf("member %d: %w", i, err)
		}
		labels[i] = q
	}

	widest, ok := r.cal.QRanges.WidestAngle(labels)
	if !ok {
		return 0, labels, fmt.Errorf("no member of the set has a known Q range: %v", labels)
	}
	for i, l := range labels {
		if l == widest.Label {
			return i, labels, nil
		}
	}
	return 0, labels, fmt.Errorf("widest Q range %s not found in set", widest.Label)
}

// SetReduction is the outcome of reducing a measurement set.
type SetReduction struct {
	// Widest is the index of the member that fixed the transmissions
	Widest int

	// Reductions are in member order
	Reductions []*Reduction
}

// ReduceSet reduces the members of one measurement set. The transmission
// factors are computed once from the widest-angle member and reused for
// all others.
func (r *Reducer) ReduceSet(ctx context.Context, members []FileSet) (*SetReduction, error) {
	widest, labels, err := r.WidestMember(members)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Measurement set", "members", len(members), "q_ranges", labels, "widest", labels[widest])

	out := &SetReduction{Widest: widest, Reductions: make([]*Reduction, len(members))}

	first, err := r.Reduce(ctx, members[widest], correction.ComputeTransmissions{})
	if err != nil {
		return nil, fmt.Errorf("reduce widest member: %w", err)
	}
	out.Reductions[widest] = first

	pre := correction.PrecomputedTransmissions{Sample: first.Field.TSample, Can: first.Field.TCan}
	for i, m := range members {
		if i == widest {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		red, err := r.Reduce(ctx, m, pre)
		if err != nil {
			return nil, fmt.Errorf("reduce member %d: %w", i, err)
		}
		out.Reductions[i] = red
	}
	return out, nil
}
