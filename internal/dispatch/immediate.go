package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/dispatch-engine/internal/assignment"
	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/dedup"
	"github.com/wolfman30/dispatch-engine/internal/escalation"
	"github.com/wolfman30/dispatch-engine/internal/events"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
	"github.com/wolfman30/dispatch-engine/internal/triage"
)

var errNoNotifier = errors.New("dispatch: no notifier configured")

// immediate tries to send an on-call technician now, skipping slot search.
// A nil response means the caller should fall back to a standard booking;
// the fallback has already been logged and escalated.
func (e *Engine) immediate(ctx context.Context, p *policy.Policy, req BookRequest, tri triage.Result) (*Response, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.immediate")
	defer span.End()

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		verdict, err := e.guard.Check(ctx, dedup.Request{BusinessID: req.BusinessID, IdempotencyKey: key})
		if err != nil {
			return nil, err
		}
		if verdict.Decision == dedup.DecisionReplay {
			// A canceled immediate booking means the earlier attempt already
			// fell back; the retry goes straight to the standard path.
			if verdict.Existing.Status == bookings.StatusCanceled {
				return nil, nil
			}
			return withTier(e.replayed(ctx, p, verdict.Existing), tri.Tier), nil
		}
	}

	roster, err := e.store.Technicians(ctx, req.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load roster: %w", err)
	}
	onCall := technicians.OnCall(technicians.Eligible(roster, true))
	if len(onCall) == 0 {
		e.immediateFallback(ctx, p, req, tri, "no on-call technician", "")
		return nil, nil
	}

	res, err := e.assigner.Commit(ctx, assignment.Request{
		Booking: bookings.Booking{
			BusinessID:     req.BusinessID,
			CustomerName:   strings.TrimSpace(req.CustomerName),
			CustomerPhone:  req.CustomerPhone,
			CustomerEmail:  strings.TrimSpace(req.CustomerEmail),
			ServiceAddress: strings.TrimSpace(req.ServiceAddress),
			Notes:          strings.TrimSpace(req.Notes),
			SlotStart:      e.now().UTC(),
			IdempotencyKey: key,
			SourceTag:      bookings.SourceVoice,
			IsEmergency:    true,
			CallID:         req.CallID,
		},
		Duration:          req.duration(),
		Allowed:           technicians.IDs(onCall),
		RequireAssignment: true,
		Status:            bookings.StatusEnRoute,
	})
	switch {
	case errors.Is(err, assignment.ErrNoneFree):
		e.immediateFallback(ctx, p, req, tri, "on-call technicians busy", "")
		return nil, nil
	case err != nil:
		span.RecordError(err)
		return nil, err
	}
	if res.Outcome == assignment.OutcomeReplayed {
		if res.Booking.Status == bookings.StatusCanceled {
			return nil, nil
		}
		return withTier(e.replayed(ctx, p, res.Booking), tri.Tier), nil
	}

	b := res.Booking
	tech := res.Chosen.Technician
	notifyErr := errNoNotifier
	if e.notifier != nil {
		notifyErr = e.notifier.NotifyImmediateDispatch(ctx, p, tech, *b, tri.Matched)
	}
	if notifyErr != nil {
		span.RecordError(notifyErr)
		// The technician never heard about the job, so free them up.
		if _, err := e.lifecycle.Transition(ctx, b.BusinessID, b.ID, bookings.StatusCanceled); err != nil {
			e.logger.Error("failed to cancel unconfirmed immediate dispatch", "error", err, "booking_id", b.ID)
		}
		e.immediateFallback(ctx, p, req, tri, "notification failed: "+notifyErr.Error(), b.ID)
		return nil, nil
	}

	e.record(ctx, b.BusinessID, eventKey(req.CallID, b.ID), events.TypeImmediate, events.ImmediateDispatchV1{
		BookingID:    b.ID,
		BusinessID:   b.BusinessID,
		CallID:       req.CallID,
		TechnicianID: tech.ID,
		Tier:         string(tri.Tier),
		Matched:      tri.Matched,
		OccurredAt:   e.now().UTC(),
	})
	e.logger.Info("immediate dispatch sent",
		"business_id", b.BusinessID,
		"booking_id", b.ID,
		"technician_id", tech.ID,
		"matched", tri.Matched,
	)

	name := tech.Name
	if name == "" {
		name = "our on-call technician"
	}
	msg := fmt.Sprintf("I've sent %s to you right now. If anyone is in danger, leave the building and call 911.", name)
	return withTier(bookingResponse(b, OutcomeImmediate, msg), tri.Tier), nil
}

func (e *Engine) immediateFallback(ctx context.Context, p *policy.Policy, req BookRequest, tri triage.Result, reason, bookingID string) {
	e.logger.Warn("immediate dispatch fell back to standard booking",
		"business_id", req.BusinessID,
		"call_id", req.CallID,
		"reason", reason,
	)
	e.record(ctx, req.BusinessID, eventKey(req.CallID, bookingID), events.TypeImmediateFallback, events.ImmediateDispatchV1{
		BookingID:  bookingID,
		BusinessID: req.BusinessID,
		CallID:     req.CallID,
		Tier:       string(tri.Tier),
		Matched:    tri.Matched,
		Reason:     reason,
		OccurredAt: e.now().UTC(),
	})
	e.escalate(ctx, p, escalation.Request{
		BusinessID:    req.BusinessID,
		Reason:        escalation.ReasonImmediateFailed,
		CallID:        req.CallID,
		BookingID:     bookingID,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Detail:        fmt.Sprintf("%s (%s)", reason, strings.Join(tri.Matched, ", ")),
	})
}
