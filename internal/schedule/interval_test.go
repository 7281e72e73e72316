package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func ptr(t time.Time) *time.Time { return &t }

func TestSpan(t *testing.T) {
	sp := Span(at(9, 0), ptr(at(10, 0)), 0, 30*time.Minute)
	assert.Equal(t, at(9, 0), sp.Start)
	assert.Equal(t, at(10, 30), sp.End)

	sp = Span(at(9, 0), nil, 0, 30*time.Minute)
	assert.Equal(t, at(11, 0), sp.End, "missing end falls back to 90 minutes plus buffer")

	sp = Span(at(9, 0), nil, time.Hour, 0)
	assert.Equal(t, at(10, 0), sp.End)

	sp = Span(at(9, 0), ptr(at(8, 0)), time.Hour, 0)
	assert.Equal(t, at(10, 0), sp.End, "end before start is treated as missing")
}

func TestBuildMergesOverlappingAndAdjacent(t *testing.T) {
	ix := Build([]Interval{
		{Start: at(13, 0), End: at(14, 0)},
		{Start: at(9, 0), End: at(10, 0)},
		{Start: at(9, 30), End: at(11, 0)},
		{Start: at(11, 0), End: at(11, 30)},
		{Start: at(16, 0), End: at(16, 0)},
	})
	got := ix.Intervals()
	require.Len(t, got, 2)
	assert.Equal(t, Interval{Start: at(9, 0), End: at(11, 30)}, got[0])
	assert.Equal(t, Interval{Start: at(13, 0), End: at(14, 0)}, got[1])
}

func TestFreeTravelBufferScenario(t *testing.T) {
	// 09:00-10:00 job with a 30 minute travel buffer.
	ix := Build([]Interval{Span(at(9, 0), ptr(at(10, 0)), 0, 30*time.Minute)})

	assert.False(t, ix.Free(at(10, 15), at(11, 15)), "10:15 starts inside the travel buffer")
	assert.True(t, ix.Free(at(10, 30), at(11, 30)), "10:30 starts exactly when the buffer ends")
	assert.True(t, ix.Free(at(7, 0), at(9, 0)), "ending exactly at job start is free")
	assert.False(t, ix.Free(at(8, 30), at(9, 1)))
	assert.False(t, ix.Free(at(9, 15), at(9, 45)), "fully contained")
	assert.False(t, ix.Free(at(8, 0), at(12, 0)), "fully containing")
}

func TestFreeEmptyAndDegenerate(t *testing.T) {
	var nilIndex *Index
	assert.True(t, nilIndex.Free(at(9, 0), at(10, 0)))
	assert.True(t, Build(nil).Free(at(9, 0), at(10, 0)))
	assert.False(t, Build(nil).Free(at(10, 0), at(10, 0)), "empty window is never bookable")
}

func TestFreeMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var spans []Interval
		for i := 0; i < rng.Intn(12); i++ {
			start := day.Add(time.Duration(rng.Intn(48)) * 15 * time.Minute)
			spans = append(spans, Interval{Start: start, End: start.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute)})
		}
		ix := Build(spans)

		merged := ix.Intervals()
		for i := 1; i < len(merged); i++ {
			require.True(t, merged[i-1].End.Before(merged[i].Start), "merged set must be sorted and disjoint")
		}

		for q := 0; q < 20; q++ {
			s := day.Add(time.Duration(rng.Intn(56)) * 15 * time.Minute)
			e := s.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute)
			want := true
			for _, sp := range spans {
				if sp.Overlaps(s, e) {
					want = false
					break
				}
			}
			require.Equal(t, want, ix.Free(s, e), "window %s-%s", s.Format("15:04"), e.Format("15:04"))
		}
	}
}
