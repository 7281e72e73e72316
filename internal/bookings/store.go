package bookings

import (
	"context"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/technicians"
)

// Store is the persistence boundary for technicians and bookings.
type Store interface {
	// Technicians returns the business's schedulable roster.
	Technicians(ctx context.Context, businessID string) ([]technicians.Technician, error)
	// BookingsBetween returns non-deleted bookings whose slot starts in [from, to).
	BookingsBetween(ctx context.Context, businessID string, from, to time.Time) ([]Booking, error)
	BookingByID(ctx context.Context, businessID, id string) (*Booking, error)
	BookingByIdempotencyKey(ctx context.Context, businessID, key string) (*Booking, error)
	// UpcomingByPhone returns pending or booked bookings for a customer phone
	// whose slot starts in [from, to).
	UpcomingByPhone(ctx context.Context, businessID, phone string, from, to time.Time) ([]Booking, error)
	// SetStatus applies a guarded status transition.
	SetStatus(ctx context.Context, businessID, id string, to Status) (*Booking, error)
	SetExternalRef(ctx context.Context, businessID, id, ref string) error

	// InTx runs fn inside a single transaction. fn may be invoked more than
	// once when the database reports a serialization failure; it must not
	// perform side effects outside the Tx.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view used by the assignment commit.
type Tx interface {
	// LockTechnicians locks and returns the business's schedulable roster.
	// Concurrent transactions for the same business serialize on this call.
	LockTechnicians(ctx context.Context, businessID string) ([]technicians.Technician, error)
	BookingsBetween(ctx context.Context, businessID string, from, to time.Time) ([]Booking, error)
	// InsertBooking returns ErrDuplicateIdempotencyKey when another booking
	// already holds the same (business, idempotency key).
	InsertBooking(ctx context.Context, b *Booking) error
	UpdateBooking(ctx context.Context, b *Booking) error
}
