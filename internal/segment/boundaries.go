package segment

import (
	"fmt"
	"math"
)

// AlignmentError reports a malformed boundary list or a count mismatch
// between parallel slices. It is never recovered from.
type AlignmentError struct {
	Reason string
}

func (e *AlignmentError) Error() string {
	return "alignment invariant violated: " + e.Reason
}

// Boundaries partitions a video into slides. The first entry is 0 and the
// last is the video duration.
type Boundaries []float64

// Validate checks the boundary list against a video duration.
func (b Boundaries) Validate(duration float64) error {
	if len(b) < 2 {
		return &AlignmentError{Reason: fmt.Sprintf("need at least 2 boundaries, got %d", len(b))}
	}
	if b[0] != 0 {
		return &AlignmentError{Reason: fmt.Sprintf("first boundary is %g, want 0", b[0])}
	}
	if last := b[len(b)-1]; last != duration {
		return &AlignmentError{Reason: fmt.Sprintf("last boundary is %g, want duration %g", last, duration)}
	}
	for i := 1; i < len(b); i++ {
		if b[i] < b[i-1] {
			return &AlignmentError{Reason: fmt.Sprintf("boundary %d (%g) precedes boundary %d (%g)", i, b[i], i-1, b[i-1])}
		}
	}
	return nil
}

// Spans returns the half-open intervals between consecutive boundaries.
func (b Boundaries) Spans() []Span {
	if len(b) < 2 {
		return nil
	}
	spans := make([]Span, 0, len(b)-1)
	for i := 0; i+1 < len(b); i++ {
		spans = append(spans, Span{Index: i, Start: b[i], End: b[i+1]})
	}
	return spans
}

// Span is one slide: [Start, End).
type Span struct {
	Index int
	Start float64
	End   float64
}

// Mid returns the span midpoint.
func (s Span) Mid() float64 { return (s.Start + s.End) / 2 }

// SampleGrid returns 0, interval, 2·interval, ... strictly below the
// whole-second part of duration.
func SampleGrid(duration, interval float64) []float64 {
	if interval <= 0 || duration <= 0 {
		return nil
	}
	limit := math.Floor(duration)
	var grid []float64
	for k := 0; ; k++ {
		t := float64(k) * interval
		if t >= limit {
			break
		}
		grid = append(grid, t)
	}
	return grid
}

// Cosine returns the cosine similarity of a and b, clamped to [-1, 1].
// Mismatched lengths or a zero vector yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, s))
}

// Compute turns timestamped embeddings into a boundary list. at must be
// ascending and parallel to vecs. Sample i becomes a boundary when its
// similarity to sample i-1 is below threshold. The returned similarities
// have one entry per consecutive pair.
func Compute(at []float64, vecs [][]float32, threshold, duration float64) (Boundaries, []float64, error) {
	if len(at) != len(vecs) {
		return nil, nil, &AlignmentError{Reason: fmt.Sprintf("%d timestamps for %d embeddings", len(at), len(vecs))}
	}
	b := Boundaries{0}
	var sims []float64
	for i := 1; i < len(vecs); i++ {
		s := Cosine(vecs[i], vecs[i-1])
		sims = append(sims, s)
		if s < threshold {
			b = append(b, at[i])
		}
	}
	b = append(b, duration)
	if err := b.Validate(duration); err != nil {
		return nil, nil, err
	}
	return b, sims, nil
}
