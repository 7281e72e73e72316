package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dispatch-engine/internal/assignment"
	"github.com/wolfman30/dispatch-engine/internal/availability"
	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/calendar"
	"github.com/wolfman30/dispatch-engine/internal/dedup"
	"github.com/wolfman30/dispatch-engine/internal/escalation"
	"github.com/wolfman30/dispatch-engine/internal/events"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/triage"
)

const slotFormat = "Monday, January 2 at 3:04 PM"

// pastTolerance lets a caller confirm a slot that started moments ago.
const pastTolerance = 5 * time.Minute

// fallbackKeySuffix separates the standard booking made after a failed
// immediate dispatch from the canceled immediate booking holding the
// caller's key.
const fallbackKeySuffix = ":fallback"

// BookRequest is a booking attempt from the voice layer. Nothing is written
// unless Confirm is set.
type BookRequest struct {
	BusinessID      string    `json:"business_id"`
	CallID          string    `json:"call_id,omitempty"`
	CustomerName    string    `json:"customer_name"`
	CustomerPhone   string    `json:"customer_phone"`
	CustomerEmail   string    `json:"customer_email,omitempty"`
	ServiceAddress  string    `json:"service_address"`
	Notes           string    `json:"notes,omitempty"`
	RequestedStart  time.Time `json:"requested_start"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	Confirm         bool      `json:"confirm"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	// Standard skips the immediate-dispatch attempt. Callers set it after a
	// fallback so a retried confirmation does not page on-call again.
	Standard bool `json:"standard_booking,omitempty"`
}

func (r BookRequest) duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Book runs the booking flow: triage, the immediate-dispatch path for
// life-threatening calls, then proposal or the confirmed commit.
func (e *Engine) Book(ctx context.Context, req BookRequest) (*Response, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.business_id", req.BusinessID),
		attribute.String("dispatch.call_id", req.CallID),
		attribute.Bool("dispatch.confirm", req.Confirm),
	)

	if strings.TrimSpace(req.BusinessID) == "" {
		return invalid("I need to know which business this call is for."), nil
	}
	if strings.TrimSpace(req.ServiceAddress) == "" {
		return invalid("What's the address where you need the service?"), nil
	}
	if req.DurationMinutes < 0 {
		return invalid("That job length doesn't look right."), nil
	}

	p, err := e.policies.Get(ctx, req.BusinessID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dispatch: load policy: %w", err)
	}
	tri := e.classify(ctx, req.Notes, p)
	span.SetAttributes(attribute.String("dispatch.tier", string(tri.Tier)))

	key := strings.TrimSpace(req.IdempotencyKey)
	prefix := ""
	if tri.ImmediateDispatch() && !req.Standard {
		if !req.Confirm {
			return &Response{
				Success: true,
				Outcome: OutcomeProposed,
				Reason:  ReasonConfirmationRequired,
				Tier:    tri.Tier,
				Message: "This sounds like an emergency. I can send our on-call technician to you right now. Should I do that?",
			}, nil
		}
		resp, err := e.immediate(ctx, p, req, tri)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
		prefix = "I couldn't reach the on-call technician right away, so I've alerted our team and we'll get you on the schedule. "
	}
	if tri.ImmediateDispatch() && key != "" {
		key += fallbackKeySuffix
	}

	if req.RequestedStart.IsZero() {
		if req.Confirm && prefix == "" {
			return withTier(invalid("What time would you like us to come out?"), tri.Tier), nil
		}
		resp, err := e.propose(ctx, p, req, tri)
		if resp != nil {
			resp.Message = prefix + resp.Message
		}
		return resp, err
	}
	if req.RequestedStart.Before(e.now().Add(-pastTolerance)) {
		return withTier(invalid("That time has already passed. What other time works for you?"), tri.Tier), nil
	}
	if !req.Confirm {
		resp, err := e.propose(ctx, p, req, tri)
		if resp != nil {
			resp.Message = prefix + resp.Message
		}
		return resp, err
	}

	resp, err := e.commit(ctx, p, req, tri, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	resp.Message = prefix + resp.Message
	resp.Tier = tri.Tier
	return resp, nil
}

func withTier(r *Response, tier triage.Tier) *Response {
	r.Tier = tier
	return r
}

// propose answers an unconfirmed request: whether the requested time is
// open, or the earliest openings when it is not.
func (e *Engine) propose(ctx context.Context, p *policy.Policy, req BookRequest, tri triage.Result) (*Response, error) {
	res, err := e.calculator.Calculate(ctx, availability.Request{
		BusinessID:      req.BusinessID,
		Emergency:       tri.Emergency(),
		DurationMinutes: req.DurationMinutes,
		CustomerAddress: req.ServiceAddress,
	})
	if err != nil {
		return nil, err
	}
	out := availabilityResponse(res, tri.Tier)
	if !out.Success {
		return out, nil
	}

	if req.RequestedStart.IsZero() {
		out.Outcome = OutcomeProposed
		out.Reason = ReasonConfirmationRequired
		out.Message = res.Summary + " Would you like that time?"
		return out, nil
	}
	for _, s := range res.Slots {
		if s.Start.Equal(req.RequestedStart) {
			start := s.Start
			out.Outcome = OutcomeProposed
			out.Reason = ReasonConfirmationRequired
			out.SlotStart = &start
			out.Message = fmt.Sprintf("%s is open. Shall I book it?", when(p, s.Start))
			return out, nil
		}
	}
	out.Success = false
	out.Reason = ReasonNoAvailability
	out.Message = fmt.Sprintf("%s isn't open. %s", when(p, req.RequestedStart), res.Summary)
	return out, nil
}

// commit handles a confirmed request: dedup first, then the assignment
// transaction, then the calendar write.
func (e *Engine) commit(ctx context.Context, p *policy.Policy, req BookRequest, tri triage.Result, key string) (*Response, error) {
	verdict, err := e.guard.Check(ctx, dedup.Request{
		BusinessID:     req.BusinessID,
		IdempotencyKey: key,
		CustomerPhone:  req.CustomerPhone,
		RequestedStart: req.RequestedStart,
	})
	if err != nil {
		return nil, err
	}

	switch verdict.Decision {
	case dedup.DecisionReplay:
		return e.replayed(ctx, p, verdict.Existing), nil
	case dedup.DecisionConfirm:
		b := verdict.Existing
		e.record(ctx, b.BusinessID, eventKey(req.CallID, b.ID), events.TypeBookingConfirmed, bookingEvent(b, OutcomeConfirmed))
		return bookingResponse(b, OutcomeConfirmed, fmt.Sprintf("You're already booked for %s. See you then.", when(p, b.SlotStart))), nil
	case dedup.DecisionReschedule:
		return e.reschedule(ctx, p, req, tri, verdict.Existing)
	}

	b := bookings.Booking{
		BusinessID:     req.BusinessID,
		CustomerName:   strings.TrimSpace(req.CustomerName),
		CustomerPhone:  req.CustomerPhone,
		CustomerEmail:  strings.TrimSpace(req.CustomerEmail),
		ServiceAddress: strings.TrimSpace(req.ServiceAddress),
		Notes:          strings.TrimSpace(req.Notes),
		SlotStart:      req.RequestedStart.UTC(),
		IdempotencyKey: key,
		SourceTag:      bookings.SourceVoice,
		IsEmergency:    tri.Emergency(),
		CallID:         req.CallID,
	}
	res, err := e.assigner.Commit(ctx, assignment.Request{Booking: b, Duration: req.duration()})
	if errors.Is(err, assignment.ErrInvalidRequest) {
		return invalid("I couldn't book that time. Could you give me the time again?"), nil
	}
	if err != nil {
		return nil, err
	}
	if res.Outcome == assignment.OutcomeReplayed {
		return e.replayed(ctx, p, res.Booking), nil
	}
	return e.finalize(ctx, p, req.CallID, res.Booking, "", events.TypeBookingCommitted, OutcomeBooked)
}

func (e *Engine) replayed(ctx context.Context, p *policy.Policy, b *bookings.Booking) *Response {
	e.record(ctx, b.BusinessID, eventKey(b.CallID, b.ID), events.TypeBookingReplayed, bookingEvent(b, OutcomeReplayed))
	return bookingResponse(b, OutcomeReplayed, fmt.Sprintf("You're all set for %s.", when(p, b.SlotStart)))
}

// reschedule moves an existing booking in place and re-runs assignment for
// the new window, ignoring the booking's own old slot.
func (e *Engine) reschedule(ctx context.Context, p *policy.Policy, req BookRequest, tri triage.Result, existing *bookings.Booking) (*Response, error) {
	b := *existing
	previousRef := b.ExternalRef
	b.SlotStart = req.RequestedStart.UTC()
	b.SlotEnd = nil
	b.ExternalRef = ""
	b.IsEmergency = tri.Emergency()
	if v := strings.TrimSpace(req.ServiceAddress); v != "" {
		b.ServiceAddress = v
	}
	if v := strings.TrimSpace(req.Notes); v != "" {
		b.Notes = v
	}
	if v := strings.TrimSpace(req.CustomerName); v != "" {
		b.CustomerName = v
	}
	if v := strings.TrimSpace(req.CustomerEmail); v != "" {
		b.CustomerEmail = v
	}
	if req.CallID != "" {
		b.CallID = req.CallID
	}

	res, err := e.assigner.Commit(ctx, assignment.Request{Booking: b, Duration: req.duration(), Reschedule: true})
	if err != nil {
		return nil, err
	}
	e.logger.Info("booking rescheduled",
		"business_id", b.BusinessID,
		"booking_id", b.ID,
		"from", existing.SlotStart,
		"to", b.SlotStart,
	)
	return e.finalize(ctx, p, req.CallID, res.Booking, previousRef, events.TypeBookingRescheduled, OutcomeRescheduled)
}

// finalize writes an assigned booking to the external calendar and marks it
// booked. Unassigned bookings stay pending with their reason and skip the
// calendar.
func (e *Engine) finalize(ctx context.Context, p *policy.Policy, callID string, b *bookings.Booking, previousRef, eventType, outcome string) (*Response, error) {
	key := eventKey(callID, b.ID)

	if !b.Assigned() {
		e.dropPreviousRef(ctx, p, b, previousRef)
		e.record(ctx, b.BusinessID, key, eventType, bookingEvent(b, OutcomeUnassigned))
		msg := fmt.Sprintf("I've recorded your request for %s, but every technician is booked then. Our team will call you to confirm.", when(p, b.SlotStart))
		return bookingResponse(b, OutcomeUnassigned, msg), nil
	}

	ref, err := e.writeCalendar(ctx, p, b)
	if err != nil {
		// The old external event must not outlive a failed reschedule.
		e.dropPreviousRef(ctx, p, b, previousRef)
		return e.calendarFailed(ctx, p, callID, b, err), nil
	}
	if previousRef != "" && previousRef != ref {
		e.cancelExternal(ctx, p, b, previousRef)
	}

	booked, err := e.lifecycle.Transition(ctx, b.BusinessID, b.ID, bookings.StatusBooked)
	if err != nil {
		return nil, fmt.Errorf("dispatch: mark booked: %w", err)
	}
	e.record(ctx, booked.BusinessID, key, eventType, bookingEvent(booked, outcome))

	if e.notifier != nil {
		snapshot := *booked
		tech := e.technician(ctx, booked.BusinessID, booked.TechnicianID)
		e.background(ctx, "booking_confirmed", func(nctx context.Context) error {
			return e.notifier.NotifyBookingConfirmed(nctx, p, snapshot, tech)
		})
	}

	msg := fmt.Sprintf("You're booked for %s.", when(p, booked.SlotStart))
	if outcome == OutcomeRescheduled {
		msg = fmt.Sprintf("I've moved your appointment to %s.", when(p, booked.SlotStart))
	}
	return bookingResponse(booked, outcome, msg), nil
}

// writeCalendar reserves then confirms the slot with the business's
// provider and stores the external reference.
func (e *Engine) writeCalendar(ctx context.Context, p *policy.Policy, b *bookings.Booking) (string, error) {
	provider, kind, err := e.calendars.For(p)
	if err != nil {
		e.metrics.ObserveCalendarWrite(string(kind), "unavailable")
		return "", err
	}
	end := b.End(p.DefaultDuration())
	resv, err := provider.Reserve(ctx, p, calendar.ReserveRequest{
		BusinessID:    b.BusinessID,
		BookingID:     b.ID,
		Start:         b.SlotStart,
		End:           end,
		CustomerName:  b.CustomerName,
		CustomerPhone: b.CustomerPhone,
		CustomerEmail: b.CustomerEmail,
		Address:       b.ServiceAddress,
		Notes:         b.Notes,
		Emergency:     b.IsEmergency,
	})
	if err != nil {
		e.metrics.ObserveCalendarWrite(string(kind), "reserve_failed")
		return "", fmt.Errorf("dispatch: calendar reserve: %w", err)
	}
	ref, err := provider.Confirm(ctx, p, resv)
	if err != nil {
		if relErr := provider.Release(ctx, p, resv); relErr != nil {
			e.logger.Warn("failed to release calendar hold", "error", relErr, "booking_id", b.ID, "ref", resv.Ref)
		}
		e.metrics.ObserveCalendarWrite(string(kind), "confirm_failed")
		return "", fmt.Errorf("dispatch: calendar confirm: %w", err)
	}
	if err := e.store.SetExternalRef(ctx, b.BusinessID, b.ID, ref); err != nil {
		e.logger.Error("failed to store external reference", "error", err, "booking_id", b.ID, "ref", ref)
	}
	b.ExternalRef = ref
	e.metrics.ObserveCalendarWrite(string(kind), "confirmed")
	return ref, nil
}

// calendarFailed marks the committed booking failed so it does not linger
// as pending, and hands it to a human.
func (e *Engine) calendarFailed(ctx context.Context, p *policy.Policy, callID string, b *bookings.Booking, cause error) *Response {
	e.logger.Error("calendar write failed after commit", "error", cause, "business_id", b.BusinessID, "booking_id", b.ID)

	failed := b
	if updated, err := e.lifecycle.Transition(ctx, b.BusinessID, b.ID, bookings.StatusFailed); err != nil {
		e.logger.Error("failed to mark booking failed", "error", err, "booking_id", b.ID)
	} else {
		failed = updated
	}
	evt := bookingEvent(failed, ReasonCalendarWriteFailed)
	evt.Error = cause.Error()
	e.record(ctx, b.BusinessID, eventKey(callID, b.ID), events.TypeBookingFailed, evt)

	escID := e.escalate(ctx, p, escalation.Request{
		BusinessID:    b.BusinessID,
		Reason:        escalation.ReasonCalendarFailed,
		CallID:        callID,
		BookingID:     b.ID,
		CustomerName:  b.CustomerName,
		CustomerPhone: b.CustomerPhone,
		Detail:        cause.Error(),
	})
	return &Response{
		Success:      false,
		Reason:       ReasonCalendarWriteFailed,
		BookingID:    failed.ID,
		Status:       failed.Status,
		EscalationID: escID,
		Message:      "I couldn't lock in that time on the schedule. Could you pick another time?",
	}
}

// dropPreviousRef cancels the external event a rescheduled booking held
// before the move and clears the stored reference.
func (e *Engine) dropPreviousRef(ctx context.Context, p *policy.Policy, b *bookings.Booking, previousRef string) {
	if previousRef == "" {
		return
	}
	e.cancelExternal(ctx, p, b, previousRef)
	if err := e.store.SetExternalRef(ctx, b.BusinessID, b.ID, ""); err != nil {
		e.logger.Warn("failed to clear external reference", "error", err, "booking_id", b.ID)
	}
	b.ExternalRef = ""
}

func (e *Engine) cancelExternal(ctx context.Context, p *policy.Policy, b *bookings.Booking, ref string) {
	provider, kind, err := e.calendars.For(p)
	if err != nil {
		e.logger.Warn("cannot cancel external event: calendar unavailable", "error", err, "booking_id", b.ID, "ref", ref)
		return
	}
	if err := provider.Cancel(ctx, p, ref); err != nil {
		e.metrics.ObserveCalendarWrite(string(kind), "cancel_failed")
		e.logger.Error("failed to cancel external event", "error", err, "booking_id", b.ID, "ref", ref)
		return
	}
	e.metrics.ObserveCalendarWrite(string(kind), "canceled")
}

func when(p *policy.Policy, t time.Time) string {
	return t.In(p.Location()).Format(slotFormat)
}
