package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

const bookingIDProperty = "dispatch_booking_id"

// GoogleProvider books into a Google Calendar. Open slots are the business
// hours grid minus events the engine did not write; holds are tentative
// events patched to confirmed on Confirm.
type GoogleProvider struct {
	svc         *gcal.Service
	calendarIDs map[string]string
	step        time.Duration
	logger      *logging.Logger
}

// NewGoogleProvider builds a provider from service-account credentials JSON.
func NewGoogleProvider(ctx context.Context, credentialsJSON string, calendarIDs map[string]string, logger *logging.Logger, opts ...option.ClientOption) (*GoogleProvider, error) {
	base := []option.ClientOption{option.WithScopes(gcal.CalendarScope)}
	if strings.TrimSpace(credentialsJSON) != "" {
		base = append(base, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	svc, err := gcal.NewService(ctx, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("calendar: google service: %w", err)
	}
	return NewGoogleProviderWithService(svc, calendarIDs, logger), nil
}

// NewGoogleProviderWithService wraps an existing service, used by tests.
func NewGoogleProviderWithService(svc *gcal.Service, calendarIDs map[string]string, logger *logging.Logger) *GoogleProvider {
	if logger == nil {
		logger = logging.Default()
	}
	if calendarIDs == nil {
		calendarIDs = map[string]string{}
	}
	return &GoogleProvider{svc: svc, calendarIDs: calendarIDs, step: 30 * time.Minute, logger: logger}
}

func (g *GoogleProvider) calendarID(p *policy.Policy) string {
	if id := strings.TrimSpace(p.CalendarID); id != "" {
		return id
	}
	if id := g.calendarIDs[p.BusinessID]; id != "" {
		return id
	}
	return "primary"
}

// busy lists the calendar's events in w and returns the blocks they
// occupy. Events this engine wrote carry bookingIDProperty and are skipped:
// technician capacity is decided by the bookings store, so only foreign
// events close a slot for the whole business.
func (g *GoogleProvider) busy(ctx context.Context, p *policy.Policy, calID string, w Window) ([]Window, error) {
	loc := p.Location()
	var out []Window
	err := g.svc.Events.List(calID).
		TimeMin(w.Start.UTC().Format(time.RFC3339)).
		TimeMax(w.End.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		MaxResults(250).
		Pages(ctx, func(page *gcal.Events) error {
			for _, ev := range page.Items {
				if !blocksTime(ev) {
					continue
				}
				start, ok := eventTime(ev.Start, loc)
				if !ok {
					continue
				}
				end, ok := eventTime(ev.End, loc)
				if !ok {
					continue
				}
				out = append(out, Window{Start: start, End: end})
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("calendar: google list events: %w", err)
	}
	return out, nil
}

func blocksTime(ev *gcal.Event) bool {
	if ev == nil || ev.Status == "cancelled" || ev.Transparency == "transparent" {
		return false
	}
	if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private[bookingIDProperty] != "" {
		return false
	}
	return true
}

// eventTime reads a timed or all-day boundary. All-day dates are midnight
// in the business's zone.
func eventTime(dt *gcal.EventDateTime, loc *time.Location) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, err == nil
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		return t, err == nil
	}
	return time.Time{}, false
}

func overlapsAny(busy []Window, s, e time.Time) bool {
	for _, b := range busy {
		if s.Before(b.End) && b.Start.Before(e) {
			return true
		}
	}
	return false
}

func (g *GoogleProvider) OpenSlots(ctx context.Context, p *policy.Policy, w Window, duration time.Duration) ([]Slot, error) {
	busy, err := g.busy(ctx, p, g.calendarID(p), w)
	if err != nil {
		return nil, err
	}
	grid, err := NewInternalProvider(g.step).OpenSlots(ctx, p, w, duration)
	if err != nil {
		return nil, err
	}
	out := grid[:0]
	for _, s := range grid {
		if !overlapsAny(busy, s.Start, s.End) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (g *GoogleProvider) Reserve(ctx context.Context, p *policy.Policy, req ReserveRequest) (*Reservation, error) {
	calID := g.calendarID(p)
	busy, err := g.busy(ctx, p, calID, Window{Start: req.Start, End: req.End})
	if err != nil {
		return nil, err
	}
	if overlapsAny(busy, req.Start, req.End) {
		return nil, ErrSlotTaken
	}

	summary := "Service visit: " + req.CustomerName
	if req.Emergency {
		summary = "EMERGENCY " + summary
	}
	ev, err := g.svc.Events.Insert(calID, &gcal.Event{
		Summary:     summary,
		Description: strings.TrimSpace(req.Notes + "\nPhone: " + req.CustomerPhone),
		Location:    req.Address,
		Status:      "tentative",
		Start:       &gcal.EventDateTime{DateTime: req.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: req.End.Format(time.RFC3339)},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{bookingIDProperty: req.BookingID},
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calendar: google insert event: %w", err)
	}
	return &Reservation{
		Kind:       KindGoogle,
		BusinessID: req.BusinessID,
		BookingID:  req.BookingID,
		Ref:        ev.Id,
		Start:      req.Start,
		End:        req.End,
		Notes:      req.Notes,
	}, nil
}

func (g *GoogleProvider) Confirm(ctx context.Context, p *policy.Policy, r *Reservation) (string, error) {
	ev, err := g.svc.Events.Patch(g.calendarID(p), r.Ref, &gcal.Event{Status: "confirmed"}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: google confirm event: %w", err)
	}
	return ev.Id, nil
}

func (g *GoogleProvider) Release(ctx context.Context, p *policy.Policy, r *Reservation) error {
	return g.delete(ctx, p, r.Ref)
}

func (g *GoogleProvider) Cancel(ctx context.Context, p *policy.Policy, externalRef string) error {
	return g.delete(ctx, p, externalRef)
}

func (g *GoogleProvider) delete(ctx context.Context, p *policy.Policy, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrNoRemoteRecord
	}
	err := g.svc.Events.Delete(g.calendarID(p), eventID).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
			return nil
		}
		return fmt.Errorf("calendar: google delete event: %w", err)
	}
	return nil
}
