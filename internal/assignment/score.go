package assignment

import (
	"sort"

	"github.com/wolfman30/dispatch-engine/internal/technicians"
)

// LoadBonus rewards technicians with fewer bookings today: 10 for an empty
// day, two points less per booking, never negative.
func LoadBonus(todayCount int) int {
	bonus := 10 - 2*todayCount
	if bonus < 0 {
		return 0
	}
	return bonus
}

// ProximityBonus buckets straight-line distance into 0-20 points. Unknown
// distance scores 0.
func ProximityBonus(distanceKm float64, known bool) int {
	if !known || distanceKm < 0 {
		return 0
	}
	switch {
	case distanceKm < 5:
		return 20
	case distanceKm < 10:
		return 15
	case distanceKm < 20:
		return 10
	case distanceKm < 40:
		return 5
	default:
		return 0
	}
}

// Scored is a free technician with its score breakdown.
type Scored struct {
	Technician technicians.Technician
	TodayCount int
	DistanceKm float64
	Known      bool
	Load       int
	Proximity  int
	Score      int
}

// Score computes priority*10 + load bonus + proximity bonus.
func Score(t technicians.Technician, todayCount int, distanceKm float64, known bool) Scored {
	s := Scored{
		Technician: t,
		TodayCount: todayCount,
		DistanceKm: distanceKm,
		Known:      known,
		Load:       LoadBonus(todayCount),
		Proximity:  ProximityBonus(distanceKm, known),
	}
	s.Score = t.Priority*10 + s.Load + s.Proximity
	return s
}

// Rank orders scored technicians best first: score desc, then priority desc,
// then id asc.
func Rank(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return technicians.Less(scored[i].Technician, scored[j].Technician)
	})
}

// Select returns the best scored technician.
func Select(scored []Scored) (Scored, bool) {
	if len(scored) == 0 {
		return Scored{}, false
	}
	ranked := make([]Scored, len(scored))
	copy(ranked, scored)
	Rank(ranked)
	return ranked[0], true
}
