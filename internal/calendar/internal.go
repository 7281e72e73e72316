package calendar

import (
	"context"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/policy"
)

// InternalProvider offers a fixed grid inside business hours. It is used by
// businesses without an external booking system; the bookings table is the
// only record.
type InternalProvider struct {
	step time.Duration
}

func NewInternalProvider(step time.Duration) *InternalProvider {
	if step <= 0 {
		step = 30 * time.Minute
	}
	return &InternalProvider{step: step}
}

func (p *InternalProvider) OpenSlots(_ context.Context, pol *policy.Policy, w Window, duration time.Duration) ([]Slot, error) {
	var out []Slot
	for _, day := range Days(w, pol.Location()) {
		open, closeAt, ok := pol.HoursFor(day.Add(12 * time.Hour))
		if !ok {
			continue
		}
		for s := open; !s.Add(duration).After(closeAt); s = s.Add(p.step) {
			if s.Before(w.Start) || !s.Before(w.End) {
				continue
			}
			out = append(out, Slot{Start: s, End: s.Add(duration)})
		}
	}
	return out, nil
}

func (p *InternalProvider) Reserve(_ context.Context, _ *policy.Policy, req ReserveRequest) (*Reservation, error) {
	return &Reservation{
		Kind:       KindInternal,
		BusinessID: req.BusinessID,
		BookingID:  req.BookingID,
		Ref:        req.BookingID,
		Start:      req.Start,
		End:        req.End,
		Notes:      req.Notes,
	}, nil
}

func (p *InternalProvider) Confirm(_ context.Context, _ *policy.Policy, r *Reservation) (string, error) {
	return "internal:" + r.Ref, nil
}

func (p *InternalProvider) Release(context.Context, *policy.Policy, *Reservation) error {
	return nil
}

func (p *InternalProvider) Cancel(context.Context, *policy.Policy, string) error {
	return nil
}
