package boulevard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/calendar"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// BoulevardAdapter exposes Boulevard as a calendar.Provider.
type BoulevardAdapter struct {
	client           *BoulevardClient
	defaultServiceID string
	logger           *logging.Logger
}

var _ calendar.Provider = (*BoulevardAdapter)(nil)

// NewBoulevardAdapter wraps client. defaultServiceID is used when a business
// policy does not name its own service.
func NewBoulevardAdapter(client *BoulevardClient, defaultServiceID string, logger *logging.Logger) *BoulevardAdapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &BoulevardAdapter{client: client, defaultServiceID: strings.TrimSpace(defaultServiceID), logger: logger}
}

func (a *BoulevardAdapter) Name() string { return string(calendar.KindBoulevard) }

// businessID is the Boulevard business for a policy: CalendarID when set,
// otherwise the dispatch business id.
func businessID(p *policy.Policy) string {
	if id := strings.TrimSpace(p.CalendarID); id != "" {
		return id
	}
	return p.BusinessID
}

func (a *BoulevardAdapter) serviceID(p *policy.Policy) (string, error) {
	if id := strings.TrimSpace(p.CalendarServiceID); id != "" {
		return id, nil
	}
	if a.defaultServiceID != "" {
		return a.defaultServiceID, nil
	}
	return "", fmt.Errorf("boulevard adapter: %w: no service id for business %s", calendar.ErrNotConfigured, p.BusinessID)
}

// OpenSlots queries cart availability once per local day in the window.
func (a *BoulevardAdapter) OpenSlots(ctx context.Context, p *policy.Policy, w calendar.Window, duration time.Duration) ([]calendar.Slot, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("boulevard adapter: %w", calendar.ErrNotConfigured)
	}
	serviceID, err := a.serviceID(p)
	if err != nil {
		return nil, err
	}
	biz := businessID(p)

	var out []calendar.Slot
	for _, day := range calendar.Days(w, p.Location()) {
		slots, err := a.client.GetAvailableSlots(ctx, biz, serviceID, day)
		if err != nil {
			return nil, fmt.Errorf("boulevard adapter: slots for %s: %w", day.Format("2006-01-02"), err)
		}
		for _, s := range slots {
			if s.StartAt.Before(w.Start) || !s.StartAt.Before(w.End) {
				continue
			}
			out = append(out, calendar.Slot{Start: s.StartAt, End: s.StartAt.Add(duration)})
		}
	}
	return out, nil
}

// Reserve holds the slot on a fresh cart; the cart id is the reservation ref.
func (a *BoulevardAdapter) Reserve(ctx context.Context, p *policy.Policy, req calendar.ReserveRequest) (*calendar.Reservation, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("boulevard adapter: %w", calendar.ErrNotConfigured)
	}
	serviceID, err := a.serviceID(p)
	if err != nil {
		return nil, err
	}
	first, last := splitName(req.CustomerName)
	if first == "" {
		first = "Customer"
	}
	if last == "" {
		last = "Unknown"
	}

	cartID, err := a.client.HoldSlot(ctx, businessID(p), HoldRequest{
		ServiceID: serviceID,
		StartAt:   req.Start,
		Client: Client{
			FirstName: first,
			LastName:  last,
			Email:     req.CustomerEmail,
			Phone:     req.CustomerPhone,
		},
	})
	if err != nil {
		return nil, err
	}
	return &calendar.Reservation{
		Kind:       calendar.KindBoulevard,
		BusinessID: req.BusinessID,
		BookingID:  req.BookingID,
		Ref:        cartID,
		Start:      req.Start,
		End:        req.End,
		Notes:      reservationNotes(req),
	}, nil
}

// Confirm checks out the held cart and returns the Boulevard appointment id.
func (a *BoulevardAdapter) Confirm(ctx context.Context, p *policy.Policy, r *calendar.Reservation) (string, error) {
	if r == nil || r.Ref == "" {
		return "", calendar.ErrNoRemoteRecord
	}
	res, err := a.client.Checkout(ctx, businessID(p), r.Ref, r.Notes)
	if err != nil {
		return "", err
	}
	return res.BookingID, nil
}

// Release drops a hold. Boulevard expires unpaid carts on its own, so this
// only records the abandonment.
func (a *BoulevardAdapter) Release(_ context.Context, p *policy.Policy, r *calendar.Reservation) error {
	if r == nil {
		return nil
	}
	a.logger.Info("boulevard cart abandoned", "business_id", p.BusinessID, "booking_id", r.BookingID, "cart_id", r.Ref)
	return nil
}

// Cancel cancels a checked-out appointment.
func (a *BoulevardAdapter) Cancel(ctx context.Context, p *policy.Policy, externalRef string) error {
	if strings.TrimSpace(externalRef) == "" {
		return calendar.ErrNoRemoteRecord
	}
	return a.client.CancelAppointment(ctx, businessID(p), externalRef, "canceled by dispatch")
}

func reservationNotes(req calendar.ReserveRequest) string {
	parts := make([]string, 0, 3)
	if req.Emergency {
		parts = append(parts, "EMERGENCY")
	}
	if addr := strings.TrimSpace(req.Address); addr != "" {
		parts = append(parts, "Address: "+addr)
	}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		parts = append(parts, notes)
	}
	return strings.Join(parts, "\n")
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(strings.TrimSpace(full))
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
