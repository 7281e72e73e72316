// Package assignment commits a confirmed booking and picks its technician
// inside one transaction, so two confirmations for the same slot cannot both
// claim the same technician.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/observability/metrics"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/proximity"
	"github.com/wolfman30/dispatch-engine/internal/schedule"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

var assignmentTracer = otel.Tracer("dispatch.internal.assignment")

// DefaultTimeout bounds one commit including serialization retries.
const DefaultTimeout = 10 * time.Second

const (
	OutcomeAssigned   = "assigned"
	OutcomeUnassigned = "unassigned"
	OutcomeReplayed   = "replayed"
	OutcomeNoneFree   = "none_free"
)

var (
	ErrInvalidRequest = errors.New("assignment: invalid request")
	// ErrNoneFree is returned when RequireAssignment is set and no allowed
	// technician is free. Nothing is written.
	ErrNoneFree = errors.New("assignment: no allowed technician free")
)

// Request is a confirmed booking to commit.
type Request struct {
	// Booking carries customer, address, slot start, notes and keys. A zero
	// ID gets a fresh UUID.
	Booking bookings.Booking
	// Duration of the job; zero uses the policy default.
	Duration time.Duration
	// Reschedule updates Booking in place instead of inserting it. The
	// booking's own old slot is ignored during the overlap check.
	Reschedule bool
	// Allowed restricts candidates to these technician ids when non-empty.
	Allowed []string
	// RequireAssignment skips the unassigned fallback and returns ErrNoneFree.
	RequireAssignment bool
	// Status for an assigned booking; defaults to pending until the calendar
	// write confirms it.
	Status bookings.Status
}

// Result describes the committed booking.
type Result struct {
	Booking *bookings.Booking
	Outcome string
	Chosen  *Scored
	// Considered is every free technician, best first.
	Considered []Scored
}

// Assigner runs the assignment transaction.
type Assigner struct {
	store    bookings.Store
	policies policy.Source
	scorer   *proximity.Scorer
	metrics  *metrics.DispatchMetrics
	logger   *logging.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewAssigner wires the assigner. scorer may be nil to skip the proximity bonus.
func NewAssigner(store bookings.Store, policies policy.Source, scorer *proximity.Scorer, logger *logging.Logger) *Assigner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Assigner{
		store:    store,
		policies: policies,
		scorer:   scorer,
		logger:   logger,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
}

// WithMetrics records assignment outcomes and latency on m.
func (a *Assigner) WithMetrics(m *metrics.DispatchMetrics) *Assigner {
	a.metrics = m
	return a
}

// WithTimeout overrides DefaultTimeout for one commit. Non-positive values are ignored.
func (a *Assigner) WithTimeout(d time.Duration) *Assigner {
	if d > 0 {
		a.timeout = d
	}
	return a
}

// WithClock overrides the time source used for latency metrics.
func (a *Assigner) WithClock(now func() time.Time) *Assigner {
	if now != nil {
		a.now = now
	}
	return a
}

// Commit locks the roster, re-checks every technician against committed
// bookings, and writes the booking with the best free technician or
// unassigned with ReasonAllBusy.
func (a *Assigner) Commit(ctx context.Context, req Request) (*Result, error) {
	ctx, span := assignmentTracer.Start(ctx, "assignment.commit")
	defer span.End()

	b := req.Booking
	if strings.TrimSpace(b.BusinessID) == "" || b.SlotStart.IsZero() {
		return nil, fmt.Errorf("%w: business id and slot start required", ErrInvalidRequest)
	}
	if req.Reschedule && b.ID == "" {
		return nil, fmt.Errorf("%w: reschedule requires a booking id", ErrInvalidRequest)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("dispatch.business_id", b.BusinessID),
		attribute.String("dispatch.booking_id", b.ID),
		attribute.Bool("dispatch.reschedule", req.Reschedule),
	)

	p, err := a.policies.Get(ctx, b.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("assignment: load policy: %w", err)
	}
	duration := req.Duration
	if duration <= 0 {
		duration = p.DefaultDuration()
	}
	end := b.SlotStart.Add(duration)
	b.SlotEnd = &end

	// Geocoding and routing happen before the transaction opens.
	distances := a.distances(ctx, p, b, req.Reschedule)

	started := a.now()
	txCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var res *Result
	err = a.store.InTx(txCtx, func(tx bookings.Tx) error {
		r, err := a.commitTx(txCtx, tx, p, b, req, distances)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	elapsed := a.now().Sub(started).Seconds()

	switch {
	case errors.Is(err, bookings.ErrDuplicateIdempotencyKey):
		existing, lookupErr := a.store.BookingByIdempotencyKey(ctx, b.BusinessID, b.IdempotencyKey)
		if lookupErr != nil {
			span.RecordError(lookupErr)
			return nil, fmt.Errorf("assignment: reload idempotent booking: %w", lookupErr)
		}
		a.metrics.ObserveAssignment(OutcomeReplayed, elapsed)
		a.logger.Info("assignment lost idempotency race; returning existing booking",
			"business_id", b.BusinessID, "booking_id", existing.ID, "idempotency_key", b.IdempotencyKey)
		return &Result{Booking: existing, Outcome: OutcomeReplayed}, nil
	case errors.Is(err, ErrNoneFree):
		a.metrics.ObserveAssignment(OutcomeNoneFree, elapsed)
		return nil, err
	case err != nil:
		span.RecordError(err)
		a.metrics.ObserveAssignment("error", elapsed)
		return nil, fmt.Errorf("assignment: commit: %w", err)
	}

	a.metrics.ObserveAssignment(res.Outcome, elapsed)
	span.SetAttributes(attribute.String("dispatch.outcome", res.Outcome))
	fields := []any{
		"business_id", b.BusinessID,
		"booking_id", res.Booking.ID,
		"slot_start", res.Booking.SlotStart,
		"outcome", res.Outcome,
		"considered", len(res.Considered),
	}
	if res.Chosen != nil {
		fields = append(fields, "technician_id", res.Chosen.Technician.ID, "score", res.Chosen.Score)
	}
	a.logger.Info("assignment committed", fields...)
	return res, nil
}

func (a *Assigner) commitTx(ctx context.Context, tx bookings.Tx, p *policy.Policy, b bookings.Booking, req Request, distances map[string]proximity.Candidate) (*Result, error) {
	roster, err := tx.LockTechnicians(ctx, b.BusinessID)
	if err != nil {
		return nil, err
	}
	pool := candidatePool(roster, p, b, req.Allowed)

	dayStart, dayEnd := localDay(p, b.SlotStart)
	from, to := lookupWindow(p, b.SlotStart, *b.SlotEnd)
	existing, err := tx.BookingsBetween(ctx, b.BusinessID, from, to)
	if err != nil {
		return nil, err
	}
	exclude := ""
	if req.Reschedule {
		exclude = b.ID
	}
	indexes := bookings.IndexByTechnician(existing, p.DefaultDuration(), p.TravelBuffer(), exclude)
	today := todayCounts(existing, dayStart, dayEnd, exclude)

	scored := FreeAndScored(pool, indexes, today, distances, b.SlotStart, *b.SlotEnd)
	chosen, ok := Select(scored)
	Rank(scored)

	res := &Result{Considered: scored}
	if ok {
		res.Chosen = &chosen
		res.Outcome = OutcomeAssigned
		b.TechnicianID = chosen.Technician.ID
		b.UnassignedReason = ""
		b.Status = req.Status
		if b.Status == "" {
			b.Status = bookings.StatusPending
		}
	} else {
		if req.RequireAssignment {
			return nil, ErrNoneFree
		}
		res.Outcome = OutcomeUnassigned
		b.TechnicianID = ""
		b.UnassignedReason = bookings.ReasonAllBusy
		b.Status = bookings.StatusPending
	}

	if req.Reschedule {
		err = tx.UpdateBooking(ctx, &b)
	} else {
		err = tx.InsertBooking(ctx, &b)
	}
	if err != nil {
		return nil, err
	}
	res.Booking = &b
	return res, nil
}

// distances precomputes proximity for every eligible technician from a
// snapshot read. Failures leave the map empty; the bonus is then zero.
func (a *Assigner) distances(ctx context.Context, p *policy.Policy, b bookings.Booking, reschedule bool) map[string]proximity.Candidate {
	out := make(map[string]proximity.Candidate)
	if a.scorer == nil || strings.TrimSpace(b.ServiceAddress) == "" {
		return out
	}
	roster, err := a.store.Technicians(ctx, b.BusinessID)
	if err != nil {
		a.logger.Warn("proximity precompute: roster unavailable", "business_id", b.BusinessID, "error", err)
		return out
	}
	from, to := lookupWindow(p, b.SlotStart, *b.SlotEnd)
	existing, err := a.store.BookingsBetween(ctx, b.BusinessID, from, to)
	if err != nil {
		a.logger.Warn("proximity precompute: bookings unavailable", "business_id", b.BusinessID, "error", err)
		return out
	}
	if reschedule {
		kept := existing[:0:0]
		for _, e := range existing {
			if e.ID != b.ID {
				kept = append(kept, e)
			}
		}
		existing = kept
	}
	pool := technicians.Eligible(roster, b.IsEmergency)
	ranked := a.scorer.NewSession().Rank(ctx, pool, bookings.ByTechnician(existing), b.SlotStart, b.ServiceAddress, proximity.OriginParamsFrom(p))
	for _, c := range ranked {
		out[c.Technician.ID] = c
	}
	return out
}

// FreeAndScored keeps technicians whose index is free for [start, end) and
// scores them.
func FreeAndScored(pool []technicians.Technician, indexes map[string]*schedule.Index, today map[string]int, distances map[string]proximity.Candidate, start, end time.Time) []Scored {
	out := make([]Scored, 0, len(pool))
	for _, t := range pool {
		if !indexes[t.ID].Free(start, end) {
			continue
		}
		d := distances[t.ID]
		out = append(out, Score(t, today[t.ID], d.DistanceKm, d.Known))
	}
	return out
}

func candidatePool(roster []technicians.Technician, p *policy.Policy, b bookings.Booking, allowed []string) []technicians.Technician {
	pool := technicians.Eligible(roster, b.IsEmergency)
	if p.WeekendRequiresOnCall && p.IsWeekend(b.SlotStart) {
		pool = technicians.OnCall(pool)
	}
	if len(allowed) == 0 {
		return pool
	}
	allow := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		allow[id] = struct{}{}
	}
	out := pool[:0:0]
	for _, t := range pool {
		if _, ok := allow[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

func todayCounts(existing []bookings.Booking, dayStart, dayEnd time.Time, exclude string) map[string]int {
	out := make(map[string]int)
	for _, e := range existing {
		if !e.Blocking() || !e.Assigned() || e.ID == exclude {
			continue
		}
		if e.SlotStart.Before(dayStart) || !e.SlotStart.Before(dayEnd) {
			continue
		}
		out[e.TechnicianID]++
	}
	return out
}

// lookupWindow bounds the bookings that can collide with [start, end): jobs
// that began up to a day before the local day of start, through the end of
// that day or end, whichever is later. A late-night job that runs past
// midnight therefore sees the next morning's bookings.
func lookupWindow(p *policy.Policy, start, end time.Time) (time.Time, time.Time) {
	dayStart, dayEnd := localDay(p, start)
	if end.After(dayEnd) {
		dayEnd = end
	}
	return dayStart.AddDate(0, 0, -1), dayEnd
}

func localDay(p *policy.Policy, t time.Time) (time.Time, time.Time) {
	loc := p.Location()
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
