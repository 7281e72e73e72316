package events

import "time"

// Dispatch event types written to the event log.
const (
	TypeBookingCommitted   = "dispatch.booking.committed"
	TypeBookingReplayed    = "dispatch.booking.replayed"
	TypeBookingConfirmed   = "dispatch.booking.confirmed"
	TypeBookingRescheduled = "dispatch.booking.rescheduled"
	TypeBookingFailed      = "dispatch.booking.failed"
	TypeBookingCanceled    = "dispatch.booking.canceled"
	TypeBookingStatus      = "dispatch.booking.status"
	TypeImmediate          = "dispatch.immediate"
	TypeImmediateFallback  = "dispatch.immediate.fallback"
	TypeEscalation         = "dispatch.escalation"
)

type BookingEventV1 struct {
	BookingID        string     `json:"booking_id"`
	BusinessID       string     `json:"business_id"`
	CallID           string     `json:"call_id,omitempty"`
	TechnicianID     string     `json:"technician_id,omitempty"`
	Status           string     `json:"status"`
	Outcome          string     `json:"outcome,omitempty"`
	SlotStart        time.Time  `json:"slot_start"`
	SlotEnd          *time.Time `json:"slot_end,omitempty"`
	IsEmergency      bool       `json:"is_emergency"`
	UnassignedReason string     `json:"unassigned_reason,omitempty"`
	ExternalRef      string     `json:"external_ref,omitempty"`
	Error            string     `json:"error,omitempty"`
}

type ImmediateDispatchV1 struct {
	BookingID    string    `json:"booking_id,omitempty"`
	BusinessID   string    `json:"business_id"`
	CallID       string    `json:"call_id,omitempty"`
	TechnicianID string    `json:"technician_id,omitempty"`
	Tier         string    `json:"tier"`
	Matched      []string  `json:"matched,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type EscalationV1 struct {
	EscalationID string    `json:"escalation_id"`
	BusinessID   string    `json:"business_id"`
	CallID       string    `json:"call_id,omitempty"`
	BookingID    string    `json:"booking_id,omitempty"`
	Reason       string    `json:"reason"`
	Score        *float64  `json:"score,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
