// Package dedup decides whether a confirmed request replays, repeats or
// reschedules an existing booking before anything is committed.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/observability/metrics"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

var dedupTracer = otel.Tracer("dispatch.internal.dedup")

const (
	// Lookahead bounds the same-customer search.
	Lookahead = 7 * 24 * time.Hour
	// ConfirmTolerance is the largest start-time difference still treated as
	// the same appointment.
	ConfirmTolerance = 5 * time.Minute
)

// Decision is the guard's verdict.
type Decision string

const (
	// DecisionNew means no prior booking matched; proceed to assignment.
	DecisionNew Decision = "new"
	// DecisionReplay means the idempotency key already committed a booking.
	DecisionReplay Decision = "replay"
	// DecisionConfirm means the customer repeated an existing appointment.
	DecisionConfirm Decision = "confirm"
	// DecisionReschedule means an existing appointment should move in place.
	DecisionReschedule Decision = "reschedule"
)

// Request is the incoming confirmation.
type Request struct {
	BusinessID     string
	IdempotencyKey string
	CustomerPhone  string
	RequestedStart time.Time
}

// Outcome is the guard verdict plus the booking it refers to.
type Outcome struct {
	Decision Decision
	Existing *bookings.Booking
}

// Reader is the slice of the booking store the guard needs.
type Reader interface {
	BookingByIdempotencyKey(ctx context.Context, businessID, key string) (*bookings.Booking, error)
	UpcomingByPhone(ctx context.Context, businessID, phone string, from, to time.Time) ([]bookings.Booking, error)
}

// Classify picks between confirm and reschedule for the nearest upcoming
// booking of the same customer. upcoming must hold only that customer's
// pending/booked bookings.
func Classify(upcoming []bookings.Booking, requested time.Time) Outcome {
	var nearest *bookings.Booking
	var best time.Duration
	for i := range upcoming {
		b := upcoming[i]
		if !b.Blocking() {
			continue
		}
		if b.Status != bookings.StatusPending && b.Status != bookings.StatusBooked {
			continue
		}
		d := absDuration(b.SlotStart.Sub(requested))
		if nearest == nil || d < best || (d == best && b.SlotStart.Before(nearest.SlotStart)) {
			nearest = &upcoming[i]
			best = d
		}
	}
	if nearest == nil {
		return Outcome{Decision: DecisionNew}
	}
	existing := *nearest
	if best <= ConfirmTolerance {
		return Outcome{Decision: DecisionConfirm, Existing: &existing}
	}
	return Outcome{Decision: DecisionReschedule, Existing: &existing}
}

// Guard runs the checks against the store.
type Guard struct {
	store   Reader
	metrics *metrics.DispatchMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewGuard builds a guard over store. A nil logger uses the default.
func NewGuard(store Reader, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Default()
	}
	return &Guard{store: store, logger: logger, now: time.Now}
}

// WithMetrics records dedup decisions on m.
func (g *Guard) WithMetrics(m *metrics.DispatchMetrics) *Guard {
	g.metrics = m
	return g
}

// WithClock overrides the time source that anchors the upcoming-booking window.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	if now != nil {
		g.now = now
	}
	return g
}

// Check returns the dedup decision. The idempotency key wins over the phone
// match. It never writes; a concurrent request can still race past it and is
// caught by the unique index at commit.
func (g *Guard) Check(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := dedupTracer.Start(ctx, "dedup.check")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.business_id", req.BusinessID))

	out, err := g.check(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("dispatch.dedup_decision", string(out.Decision)))
	g.metrics.ObserveDedup(string(out.Decision))
	if out.Existing != nil {
		g.logger.Info("dedup matched existing booking",
			"business_id", req.BusinessID,
			"booking_id", out.Existing.ID,
			"decision", out.Decision,
		)
	}
	return out, nil
}

func (g *Guard) check(ctx context.Context, req Request) (Outcome, error) {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		existing, err := g.store.BookingByIdempotencyKey(ctx, req.BusinessID, key)
		switch {
		case err == nil:
			return Outcome{Decision: DecisionReplay, Existing: existing}, nil
		case !errors.Is(err, bookings.ErrNotFound):
			return Outcome{}, fmt.Errorf("dedup: idempotency lookup: %w", err)
		}
	}

	phone := bookings.NormalizePhone(req.CustomerPhone)
	if phone == "" {
		return Outcome{Decision: DecisionNew}, nil
	}
	now := g.now()
	upcoming, err := g.store.UpcomingByPhone(ctx, req.BusinessID, phone, now, now.Add(Lookahead))
	if err != nil {
		return Outcome{}, fmt.Errorf("dedup: phone lookup: %w", err)
	}
	return Classify(upcoming, req.RequestedStart), nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
