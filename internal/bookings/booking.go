package bookings

import (
	"errors"
	"strings"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/schedule"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBooked    Status = "booked"
	StatusEnRoute   Status = "en_route"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// SourceVoice tags bookings created through the voice agent.
const SourceVoice = "voice"

// ReasonAllBusy is recorded when no technician was free at commit time.
const ReasonAllBusy = "all technicians busy"

var (
	ErrNotFound                = errors.New("bookings: not found")
	ErrDuplicateIdempotencyKey = errors.New("bookings: duplicate idempotency key")
	ErrInvalidTransition       = errors.New("bookings: invalid status transition")
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusBooked, StatusEnRoute, StatusCanceled, StatusFailed},
	StatusBooked:   {StatusEnRoute, StatusCompleted, StatusCanceled, StatusFailed},
	StatusEnRoute:  {StatusCompleted, StatusCanceled},
	StatusFailed:   {StatusCanceled},
	StatusCanceled: nil,
	// completed is terminal
	StatusCompleted: nil,
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus normalizes a status string.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; ok {
		return st, true
	}
	return "", false
}

// Booking is a customer appointment, possibly assigned to a technician.
type Booking struct {
	ID               string     `json:"id"`
	BusinessID       string     `json:"business_id"`
	CustomerName     string     `json:"customer_name"`
	CustomerPhone    string     `json:"customer_phone"`
	CustomerEmail    string     `json:"customer_email,omitempty"`
	ServiceAddress   string     `json:"service_address,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	SlotStart        time.Time  `json:"slot_start"`
	SlotEnd          *time.Time `json:"slot_end,omitempty"`
	Status           Status     `json:"status"`
	TechnicianID     string     `json:"technician_id,omitempty"`
	ExternalRef      string     `json:"external_ref,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key,omitempty"`
	SourceTag        string     `json:"source_tag,omitempty"`
	UnassignedReason string     `json:"unassigned_reason,omitempty"`
	IsEmergency      bool       `json:"is_emergency"`
	CallID           string     `json:"call_id,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Blocking reports whether the booking occupies its technician's time.
// Canceled and failed bookings release the slot.
func (b Booking) Blocking() bool {
	if b.DeletedAt != nil {
		return false
	}
	return b.Status != StatusCanceled && b.Status != StatusFailed
}

// Assigned reports whether a technician holds the booking.
func (b Booking) Assigned() bool {
	return b.TechnicianID != ""
}

// End returns the slot end, falling back to start + defaultDuration.
func (b Booking) End(defaultDuration time.Duration) time.Time {
	if defaultDuration <= 0 {
		defaultDuration = schedule.DefaultJobDuration
	}
	if b.SlotEnd != nil && b.SlotEnd.After(b.SlotStart) {
		return *b.SlotEnd
	}
	return b.SlotStart.Add(defaultDuration)
}

// Span is the busy interval the booking contributes to its technician.
func (b Booking) Span(defaultDuration, travelBuffer time.Duration) schedule.Interval {
	return schedule.Span(b.SlotStart, b.SlotEnd, defaultDuration, travelBuffer)
}

// IndexByTechnician builds one interval index per technician from the
// blocking, assigned bookings in list. exclude skips a booking id (used when
// rescheduling a booking over its own old slot).
func IndexByTechnician(list []Booking, defaultDuration, travelBuffer time.Duration, exclude string) map[string]*schedule.Index {
	spans := make(map[string][]schedule.Interval)
	for _, b := range list {
		if !b.Blocking() || !b.Assigned() || (exclude != "" && b.ID == exclude) {
			continue
		}
		spans[b.TechnicianID] = append(spans[b.TechnicianID], b.Span(defaultDuration, travelBuffer))
	}
	out := make(map[string]*schedule.Index, len(spans))
	for techID, sp := range spans {
		out[techID] = schedule.Build(sp)
	}
	return out
}

// ByTechnician groups blocking, assigned bookings by technician id.
func ByTechnician(list []Booking) map[string][]Booking {
	out := make(map[string][]Booking)
	for _, b := range list {
		if !b.Blocking() || !b.Assigned() {
			continue
		}
		out[b.TechnicianID] = append(out[b.TechnicianID], b)
	}
	return out
}

// NormalizePhone strips formatting so phone comparisons are stable.
func NormalizePhone(phone string) string {
	var sb strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
