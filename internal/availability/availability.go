// Package availability computes bookable slots: calendar openings that fall
// inside business hours and lead time and have at least one free technician.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/calendar"
	"github.com/wolfman30/dispatch-engine/internal/observability/metrics"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/proximity"
	"github.com/wolfman30/dispatch-engine/internal/schedule"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

var availabilityTracer = otel.Tracer("dispatch.internal.availability")

// ErrInvalidRequest is returned for malformed queries.
var ErrInvalidRequest = errors.New("availability: invalid request")

// Reader is the read-only slice of the booking store the calculator needs.
type Reader interface {
	Technicians(ctx context.Context, businessID string) ([]technicians.Technician, error)
	BookingsBetween(ctx context.Context, businessID string, from, to time.Time) ([]bookings.Booking, error)
}

// Request describes an availability query.
type Request struct {
	BusinessID string
	Emergency  bool
	// DurationMinutes is the job length; zero uses the policy default.
	DurationMinutes int
	CustomerAddress string
	// From and To optionally narrow the effective window.
	From time.Time
	To   time.Time
}

// CandidateSlot is a bookable start time with the technicians free for it.
type CandidateSlot struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Capacity   int       `json:"capacity"`
	Candidates []string  `json:"candidates"`
	// ByProximity is set when candidates were ordered by drive time.
	ByProximity bool `json:"by_proximity,omitempty"`
}

// Trace records slot counts after each filter stage.
type Trace struct {
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	CalendarKind string    `json:"calendar_kind"`
	Technicians  int       `json:"technicians"`
	Bookings     int       `json:"bookings"`
	Raw          int       `json:"raw"`
	InHours      int       `json:"in_hours"`
	AfterLead    int       `json:"after_lead"`
	WithCapacity int       `json:"with_capacity"`
	AfterCutoff  int       `json:"after_cutoff"`
	Returned     int       `json:"returned"`
}

// Result is the calculator output. CalendarError means the calendar could not
// be read and the empty slot list says nothing about real availability.
type Result struct {
	Slots         []CandidateSlot `json:"slots"`
	Summary       string          `json:"summary"`
	Trace         Trace           `json:"trace"`
	CalendarError bool            `json:"calendar_error,omitempty"`
}

// Calculator implements the availability query.
type Calculator struct {
	store     Reader
	policies  policy.Source
	calendars *calendar.Registry
	scorer    *proximity.Scorer
	metrics   *metrics.DispatchMetrics
	logger    *logging.Logger
	now       func() time.Time
}

// NewCalculator wires the calculator. scorer may be nil to rank by priority only.
func NewCalculator(store Reader, policies policy.Source, calendars *calendar.Registry, scorer *proximity.Scorer, logger *logging.Logger) *Calculator {
	if logger == nil {
		logger = logging.Default()
	}
	if calendars == nil {
		calendars = calendar.NewRegistry()
	}
	return &Calculator{
		store:     store,
		policies:  policies,
		calendars: calendars,
		scorer:    scorer,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMetrics records availability outcomes on m.
func (c *Calculator) WithMetrics(m *metrics.DispatchMetrics) *Calculator {
	c.metrics = m
	return c
}

// WithClock overrides the time source.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	if now != nil {
		c.now = now
	}
	return c
}

// EffectiveWindow returns the search window for a request made at now.
// Emergencies search the rest of today. Routine requests start later today
// when before the same-day cutoff, otherwise tomorrow, and end with the next
// business day.
func EffectiveWindow(p *policy.Policy, now time.Time, emergency bool) calendar.Window {
	loc := p.Location()
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)

	if emergency {
		return calendar.Window{Start: now, End: tomorrow}
	}
	start := tomorrow
	if local.Hour() < p.SameDayCutoffHour {
		start = now
	}
	end := p.NextBusinessDay(local).AddDate(0, 0, 1)
	return calendar.Window{Start: start, End: end}
}

// Calculate runs the availability pipeline.
func (c *Calculator) Calculate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.calculate")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.business_id", req.BusinessID),
		attribute.Bool("dispatch.emergency", req.Emergency),
	)

	if strings.TrimSpace(req.BusinessID) == "" {
		return nil, fmt.Errorf("%w: business id required", ErrInvalidRequest)
	}
	if req.DurationMinutes < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrInvalidRequest)
	}

	p, err := c.policies.Get(ctx, req.BusinessID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("availability: load policy: %w", err)
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if duration == 0 {
		duration = p.DefaultDuration()
	}
	now := c.now()

	w := EffectiveWindow(p, now, req.Emergency)
	if !req.From.IsZero() && req.From.After(w.Start) {
		w.Start = req.From
	}
	if !req.To.IsZero() && req.To.Before(w.End) {
		w.End = req.To
	}
	res := &Result{Trace: Trace{WindowStart: w.Start, WindowEnd: w.End}}

	provider, kind, err := c.calendars.For(p)
	res.Trace.CalendarKind = string(kind)
	if err != nil {
		return c.calendarFailure(ctx, res, req, err), nil
	}
	if !w.End.After(w.Start) {
		res.Summary = summarize(nil, p, req.Emergency)
		c.metrics.ObserveAvailability(string(kind), "empty", req.Emergency, 0)
		return res, nil
	}

	raw, err := provider.OpenSlots(ctx, p, w, duration)
	if err != nil {
		return c.calendarFailure(ctx, res, req, err), nil
	}
	res.Trace.Raw = len(raw)

	inHours := FilterHours(raw, p, duration)
	res.Trace.InHours = len(inHours)

	afterLead := FilterLead(inHours, now.Add(p.LeadTime(req.Emergency)))
	res.Trace.AfterLead = len(afterLead)

	roster, err := c.store.Technicians(ctx, req.BusinessID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("availability: load technicians: %w", err)
	}
	eligible := technicians.Eligible(roster, req.Emergency)
	res.Trace.Technicians = len(eligible)

	// From the day before the first local day, so jobs running past midnight
	// still block and proximity sees earlier jobs; through the last slot's end.
	loc := p.Location()
	ws := w.Start.In(loc)
	from := time.Date(ws.Year(), ws.Month(), ws.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	existing, err := c.store.BookingsBetween(ctx, req.BusinessID, from, w.End.Add(duration))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("availability: load bookings: %w", err)
	}
	res.Trace.Bookings = len(existing)
	indexes := bookings.IndexByTechnician(existing, p.DefaultDuration(), p.TravelBuffer(), "")

	slots := FreeSlots(afterLead, p, eligible, indexes, duration)
	res.Trace.WithCapacity = len(slots)

	if !req.Emergency {
		slots = HideLateToday(slots, p, now)
	}
	res.Trace.AfterCutoff = len(slots)

	if p.MaxSlots > 0 && len(slots) > p.MaxSlots {
		slots = slots[:p.MaxSlots]
	}
	res.Trace.Returned = len(slots)

	if c.scorer != nil && strings.TrimSpace(req.CustomerAddress) != "" {
		c.rankByProximity(ctx, slots, eligible, existing, req.CustomerAddress, p)
	}

	res.Slots = slots
	res.Summary = summarize(slots, p, req.Emergency)

	outcome := "ok"
	if len(slots) == 0 {
		outcome = "empty"
	}
	c.metrics.ObserveAvailability(string(kind), outcome, req.Emergency, len(slots))
	span.SetAttributes(attribute.Int("dispatch.slot_count", len(slots)))
	c.logger.Debug("availability computed",
		"business_id", req.BusinessID,
		"emergency", req.Emergency,
		"raw", res.Trace.Raw,
		"in_hours", res.Trace.InHours,
		"after_lead", res.Trace.AfterLead,
		"with_capacity", res.Trace.WithCapacity,
		"returned", res.Trace.Returned,
	)
	return res, nil
}

func (c *Calculator) calendarFailure(ctx context.Context, res *Result, req Request, err error) *Result {
	c.logger.Error("calendar unavailable", "business_id", req.BusinessID, "calendar_kind", res.Trace.CalendarKind, "error", err)
	trace.SpanFromContext(ctx).RecordError(err)
	res.CalendarError = true
	res.Slots = nil
	res.Summary = "I'm having trouble reaching the schedule right now. Please try again in a moment."
	c.metrics.ObserveAvailability(res.Trace.CalendarKind, "calendar_error", req.Emergency, 0)
	return res
}

func (c *Calculator) rankByProximity(ctx context.Context, slots []CandidateSlot, eligible []technicians.Technician, existing []bookings.Booking, address string, p *policy.Policy) {
	byID := make(map[string]technicians.Technician, len(eligible))
	for _, t := range eligible {
		byID[t.ID] = t
	}
	jobs := bookings.ByTechnician(existing)
	params := proximity.OriginParamsFrom(p)
	session := c.scorer.NewSession()

	for i := range slots {
		if slots[i].Capacity < 2 {
			continue
		}
		free := make([]technicians.Technician, 0, len(slots[i].Candidates))
		for _, id := range slots[i].Candidates {
			free = append(free, byID[id])
		}
		ranked := session.Rank(ctx, free, jobs, slots[i].Start, address, params)
		ids := make([]string, len(ranked))
		known := false
		for j, cand := range ranked {
			ids[j] = cand.Technician.ID
			known = known || cand.Known
		}
		slots[i].Candidates = ids
		slots[i].ByProximity = known
	}
}

// FilterHours keeps slots whose whole job fits inside the business hours of
// its day and drops weekend days unless weekend booking is allowed.
func FilterHours(raw []calendar.Slot, p *policy.Policy, duration time.Duration) []calendar.Slot {
	out := make([]calendar.Slot, 0, len(raw))
	for _, s := range raw {
		if !p.OpenForBooking(s.Start) {
			continue
		}
		openAt, closeAt, ok := p.HoursFor(s.Start)
		if !ok {
			continue
		}
		if s.Start.Before(openAt) || s.Start.Add(duration).After(closeAt) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// FilterLead drops slots starting before earliest.
func FilterLead(slots []calendar.Slot, earliest time.Time) []calendar.Slot {
	out := make([]calendar.Slot, 0, len(slots))
	for _, s := range slots {
		if s.Start.Before(earliest) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// FreeSlots evaluates [start, start+duration) for every slot against each
// technician's index and returns the slots with capacity, sorted by start
// with duplicate starts collapsed. Candidates are in priority order.
func FreeSlots(slots []calendar.Slot, p *policy.Policy, techs []technicians.Technician, indexes map[string]*schedule.Index, duration time.Duration) []CandidateSlot {
	ranked := make([]technicians.Technician, len(techs))
	copy(ranked, techs)
	technicians.RankByPriority(ranked)
	onCall := technicians.OnCall(ranked)

	sorted := make([]calendar.Slot, len(slots))
	copy(sorted, slots)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var out []CandidateSlot
	var last time.Time
	for i, s := range sorted {
		if i > 0 && s.Start.Equal(last) {
			continue
		}
		last = s.Start

		pool := ranked
		if p.WeekendRequiresOnCall && p.IsWeekend(s.Start) {
			pool = onCall
		}
		end := s.Start.Add(duration)
		var free []string
		for _, t := range pool {
			if indexes[t.ID].Free(s.Start, end) {
				free = append(free, t.ID)
			}
		}
		if len(free) == 0 {
			continue
		}
		out = append(out, CandidateSlot{Start: s.Start, End: end, Capacity: len(free), Candidates: free})
	}
	return out
}

// HideLateToday drops today's slots once the local time has passed the late
// cutoff hour.
func HideLateToday(slots []CandidateSlot, p *policy.Policy, now time.Time) []CandidateSlot {
	loc := p.Location()
	local := now.In(loc)
	if local.Hour() < p.LateCutoffHour {
		return slots
	}
	tomorrow := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	out := slots[:0:0]
	for _, s := range slots {
		if s.Start.Before(tomorrow) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func summarize(slots []CandidateSlot, p *policy.Policy, emergency bool) string {
	if len(slots) == 0 {
		if emergency {
			return "No technician is free for the rest of today."
		}
		return "There are no openings in the next business day."
	}
	first := slots[0]
	when := first.Start.In(p.Location()).Format("Monday, January 2 at 3:04 PM")
	noun := "technicians"
	if first.Capacity == 1 {
		noun = "technician"
	}
	return fmt.Sprintf("The earliest opening is %s with %d %s available.", when, first.Capacity, noun)
}
