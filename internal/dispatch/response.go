package dispatch

import (
	"time"

	"github.com/wolfman30/dispatch-engine/internal/availability"
	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/triage"
)

// Machine-readable reasons carried on unsuccessful responses.
const (
	ReasonInvalidRequest       = "invalid_request"
	ReasonConfirmationRequired = "confirmation_required"
	ReasonNoAvailability       = "no_availability"
	ReasonCalendarUnavailable  = "calendar_unavailable"
	ReasonCalendarWriteFailed  = "calendar_write_failed"
	ReasonNotFound             = "not_found"
	ReasonInvalidTransition    = "invalid_transition"
	ReasonInternal             = "internal_error"
)

// Outcomes describe what a successful booking call did.
const (
	OutcomeBooked      = "booked"
	OutcomeUnassigned  = "unassigned"
	OutcomeReplayed    = "replayed"
	OutcomeConfirmed   = "confirmed"
	OutcomeRescheduled = "rescheduled"
	OutcomeImmediate   = "immediate_dispatch"
	OutcomeProposed    = "proposed"
	OutcomeCanceled    = "canceled"
	OutcomeUpdated     = "updated"
)

// Response is what every engine operation hands back to the voice layer.
// Message is always safe to speak; the other fields let callers branch
// without parsing it.
type Response struct {
	Success      bool                         `json:"success"`
	Message      string                       `json:"message"`
	Reason       string                       `json:"reason,omitempty"`
	Outcome      string                       `json:"outcome,omitempty"`
	BookingID    string                       `json:"booking_id,omitempty"`
	Status       bookings.Status              `json:"status,omitempty"`
	TechnicianID string                       `json:"technician_id,omitempty"`
	SlotStart    *time.Time                   `json:"slot_start,omitempty"`
	Tier         triage.Tier                  `json:"tier,omitempty"`
	Slots        []availability.CandidateSlot `json:"slots,omitempty"`
	Trace        *availability.Trace          `json:"trace,omitempty"`
	EscalationID string                       `json:"escalation_id,omitempty"`
}

// Fallback is the caller-safe envelope used when an operation failed
// unexpectedly.
func Fallback() *Response {
	return &Response{
		Success: false,
		Reason:  ReasonInternal,
		Message: "Sorry, I couldn't finish that right now. Someone from our team will follow up shortly.",
	}
}

func invalid(msg string) *Response {
	return &Response{Success: false, Reason: ReasonInvalidRequest, Message: msg}
}

func bookingResponse(b *bookings.Booking, outcome, msg string) *Response {
	start := b.SlotStart
	return &Response{
		Success:      true,
		Message:      msg,
		Outcome:      outcome,
		BookingID:    b.ID,
		Status:       b.Status,
		TechnicianID: b.TechnicianID,
		SlotStart:    &start,
	}
}
