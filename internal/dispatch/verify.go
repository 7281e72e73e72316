package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
)

// Overlap is a pair of committed bookings whose busy spans collide for one
// technician.
type Overlap struct {
	TechnicianID string           `json:"technician_id"`
	First        bookings.Booking `json:"first"`
	Second       bookings.Booking `json:"second"`
}

// VerifyOverlaps scans committed bookings starting in [from, to) and reports
// every pair assigned to the same technician whose
// [slotStart, slotEnd+travelBuffer) spans intersect. An empty result is the
// expected state.
func (e *Engine) VerifyOverlaps(ctx context.Context, businessID string, from, to time.Time) ([]Overlap, error) {
	p, err := e.policies.Get(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load policy: %w", err)
	}
	// A job that started the previous day can still run into the window.
	list, err := e.store.BookingsBetween(ctx, businessID, from.Add(-24*time.Hour), to)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load bookings: %w", err)
	}
	return FindOverlaps(list, p.DefaultDuration(), p.TravelBuffer()), nil
}

// FindOverlaps is the pure check behind VerifyOverlaps.
func FindOverlaps(list []bookings.Booking, defaultDuration, travelBuffer time.Duration) []Overlap {
	var out []Overlap
	byTech := bookings.ByTechnician(list)
	techIDs := make([]string, 0, len(byTech))
	for id := range byTech {
		techIDs = append(techIDs, id)
	}
	sort.Strings(techIDs)

	for _, techID := range techIDs {
		jobs := byTech[techID]
		sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].SlotStart.Before(jobs[j].SlotStart) })
		for i := range jobs {
			span := jobs[i].Span(defaultDuration, travelBuffer)
			for j := i + 1; j < len(jobs) && jobs[j].SlotStart.Before(span.End); j++ {
				out = append(out, Overlap{TechnicianID: techID, First: jobs[i], Second: jobs[j]})
			}
		}
	}
	return out
}
