package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/events"
)

// Cancel cancels a booking and releases its external calendar event.
func (e *Engine) Cancel(ctx context.Context, businessID, bookingID, callID string) (*Response, error) {
	return e.UpdateStatus(ctx, businessID, bookingID, callID, bookings.StatusCanceled)
}

// UpdateStatus applies a guarded lifecycle transition (en_route, completed,
// canceled). Canceling also cancels the external calendar event.
func (e *Engine) UpdateStatus(ctx context.Context, businessID, bookingID, callID string, to bookings.Status) (*Response, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.update_status")
	defer span.End()

	if strings.TrimSpace(businessID) == "" || strings.TrimSpace(bookingID) == "" {
		return invalid("I need the booking to update."), nil
	}
	p, err := e.policies.Get(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load policy: %w", err)
	}
	current, err := e.store.BookingByID(ctx, businessID, bookingID)
	if errors.Is(err, bookings.ErrNotFound) {
		return &Response{Reason: ReasonNotFound, Message: "I couldn't find that appointment."}, nil
	}
	if err != nil {
		return nil, err
	}

	if current.Status == to {
		return bookingResponse(current, OutcomeUpdated, fmt.Sprintf("That appointment is already %s.", humanStatus(to))), nil
	}

	updated, err := e.lifecycle.Transition(ctx, businessID, bookingID, to)
	switch {
	case errors.Is(err, bookings.ErrInvalidTransition):
		return &Response{
			Reason:    ReasonInvalidTransition,
			BookingID: current.ID,
			Status:    current.Status,
			Message:   fmt.Sprintf("That appointment is already %s and can't be changed to %s.", humanStatus(current.Status), humanStatus(to)),
		}, nil
	case errors.Is(err, bookings.ErrNotFound):
		return &Response{Reason: ReasonNotFound, Message: "I couldn't find that appointment."}, nil
	case err != nil:
		span.RecordError(err)
		return nil, err
	}

	key := eventKey(callID, updated.ID)
	if to == bookings.StatusCanceled {
		if current.ExternalRef != "" {
			e.cancelExternal(ctx, p, updated, current.ExternalRef)
		}
		e.record(ctx, businessID, key, events.TypeBookingCanceled, bookingEvent(updated, OutcomeCanceled))
		return bookingResponse(updated, OutcomeCanceled, fmt.Sprintf("Your appointment on %s is canceled.", when(p, updated.SlotStart))), nil
	}

	e.record(ctx, businessID, key, events.TypeBookingStatus, bookingEvent(updated, OutcomeUpdated))
	return bookingResponse(updated, OutcomeUpdated, fmt.Sprintf("The appointment is now %s.", humanStatus(to))), nil
}

func humanStatus(s bookings.Status) string {
	return strings.ReplaceAll(string(s), "_", " ")
}
