// Package schedule holds the per-technician busy interval index used by both
// availability browsing and the assignment transaction.
package schedule

import (
	"sort"
	"time"
)

// DefaultJobDuration is applied to bookings that carry no end time.
const DefaultJobDuration = 90 * time.Minute

// Interval is a half-open busy range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [s, e) intersects the interval.
func (iv Interval) Overlaps(s, e time.Time) bool {
	return s.Before(iv.End) && iv.Start.Before(e)
}

// Span derives the busy range for a single job. A nil end falls back to
// start + defaultDuration (DefaultJobDuration when zero); the travel buffer
// is appended after the job.
func Span(start time.Time, end *time.Time, defaultDuration, travelBuffer time.Duration) Interval {
	if defaultDuration <= 0 {
		defaultDuration = DefaultJobDuration
	}
	finish := start.Add(defaultDuration)
	if end != nil && end.After(start) {
		finish = *end
	}
	return Interval{Start: start, End: finish.Add(travelBuffer)}
}

// Index is a sorted, disjoint set of busy intervals for one technician.
type Index struct {
	intervals []Interval
}

// Build sorts and merges the given spans. Adjacent intervals are merged too,
// so the resulting set is minimal.
func Build(spans []Interval) *Index {
	if len(spans) == 0 {
		return &Index{}
	}
	sorted := make([]Interval, 0, len(spans))
	for _, sp := range spans {
		if !sp.End.After(sp.Start) {
			continue
		}
		sorted = append(sorted, sp)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := make([]Interval, 0, len(sorted))
	for _, sp := range sorted {
		if n := len(merged); n > 0 && !sp.Start.After(merged[n-1].End) {
			if sp.End.After(merged[n-1].End) {
				merged[n-1].End = sp.End
			}
			continue
		}
		merged = append(merged, sp)
	}
	return &Index{intervals: merged}
}

// Free reports whether [s, e) does not intersect any busy interval.
//
// The first interval starting at or after e cannot overlap, so only its
// predecessor needs checking; the disjoint invariant guarantees nothing
// earlier reaches past that predecessor.
func (ix *Index) Free(s, e time.Time) bool {
	if ix == nil || len(ix.intervals) == 0 {
		return true
	}
	if !e.After(s) {
		return false
	}
	i := sort.Search(len(ix.intervals), func(i int) bool {
		return !ix.intervals[i].Start.Before(e)
	})
	if i < len(ix.intervals) && ix.intervals[i].Overlaps(s, e) {
		return false
	}
	if i > 0 && ix.intervals[i-1].Overlaps(s, e) {
		return false
	}
	return true
}

// Intervals returns a copy of the merged set.
func (ix *Index) Intervals() []Interval {
	if ix == nil {
		return nil
	}
	out := make([]Interval, len(ix.intervals))
	copy(out, ix.intervals)
	return out
}

// Len is the number of merged intervals.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.intervals)
}
