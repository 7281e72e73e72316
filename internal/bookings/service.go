package bookings

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

var bookingsTracer = otel.Tracer("dispatch.internal.bookings")

// Service applies lifecycle transitions to bookings.
type Service struct {
	store  Store
	logger *logging.Logger
}

// NewService constructs a bookings service.
func NewService(store Store, logger *logging.Logger) *Service {
	if store == nil {
		panic("bookings: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, logger: logger}
}

// Transition moves a booking to a new status if the lifecycle allows it.
func (s *Service) Transition(ctx context.Context, businessID, bookingID string, to Status) (*Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.business_id", businessID),
		attribute.String("dispatch.booking_id", bookingID),
		attribute.String("dispatch.status", string(to)),
	)

	b, err := s.store.SetStatus(ctx, businessID, bookingID, to)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("booking status changed", "business_id", businessID, "booking_id", bookingID, "status", to)
	return b, nil
}
