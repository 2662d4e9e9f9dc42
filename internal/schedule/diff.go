package schedule

import (
	"time"

	"github.com/google/go-cmp/cmp"
)

type triple struct {
	FromMs    int64
	ToMs      int64
	Certainty Certainty
}

// Canonical returns the merged, sorted form of intervals with instants in
// UTC at millisecond precision.
func Canonical(in []Interval) []Interval {
	norm := make([]Interval, 0, len(in))
	for _, iv := range in {
		norm = append(norm, Interval{
			From:      iv.From.UTC().Truncate(time.Millisecond),
			To:        iv.To.UTC().Truncate(time.Millisecond),
			Certainty: iv.Certainty,
		})
	}
	return Merge(norm)
}

func triples(in []Interval) []triple {
	c := Canonical(in)
	out := make([]triple, 0, len(c))
	for _, iv := range c {
		out = append(out, triple{FromMs: iv.From.UnixMilli(), ToMs: iv.To.UnixMilli(), Certainty: iv.Certainty})
	}
	return out
}

// Equal compares the canonical (from, to, certainty) sequences of a and b.
func Equal(a, b []Interval) bool {
	return cmp.Equal(triples(a), triples(b))
}

// Changed reports whether next differs from the stored record. A missing
// record is always a change.
func Changed(prev *Record, next []Interval) bool {
	if prev == nil {
		return true
	}
	return !Equal(prev.Intervals, next)
}
