// Package calendar abstracts the external calendar a business books into.
// Each business names one provider Kind in its policy; Registry.For is the
// single place that maps a Kind onto an implementation.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfman30/dispatch-engine/internal/policy"
)

var calendarTracer = otel.Tracer("dispatch.internal.calendar")

// Kind identifies a calendar provider.
type Kind string

const (
	KindInternal  Kind = "internal"
	KindBoulevard Kind = "boulevard"
	KindGoogle    Kind = "google"
)

var (
	ErrUnknownKind    = errors.New("calendar: unknown provider kind")
	ErrNotConfigured  = errors.New("calendar: provider not configured")
	ErrSlotTaken      = errors.New("calendar: slot no longer available")
	ErrNoRemoteRecord = errors.New("calendar: no remote record")
)

// ParseKind maps a policy string onto a Kind. Empty selects the internal grid.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindInternal:
		return KindInternal, nil
	case KindBoulevard:
		return KindBoulevard, nil
	case KindGoogle:
		return KindGoogle, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Slot is a raw open start time offered by the provider.
type Slot struct {
	Start time.Time
	End   time.Time
}

// ReserveRequest carries what providers need to hold a slot.
type ReserveRequest struct {
	BusinessID    string
	BookingID     string
	Start         time.Time
	End           time.Time
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Address       string
	Notes         string
	Emergency     bool
}

// Reservation is a provider-side hold that must be confirmed or released.
type Reservation struct {
	Kind       Kind
	BusinessID string
	BookingID  string
	// Ref is the provider handle for the hold (cart id, event id).
	Ref   string
	Start time.Time
	End   time.Time
	Notes string
}

// Provider is an external calendar. Reserve places a tentative hold,
// Confirm finalizes it and returns the durable external reference.
type Provider interface {
	OpenSlots(ctx context.Context, p *policy.Policy, w Window, duration time.Duration) ([]Slot, error)
	Reserve(ctx context.Context, p *policy.Policy, req ReserveRequest) (*Reservation, error)
	Confirm(ctx context.Context, p *policy.Policy, r *Reservation) (string, error)
	Release(ctx context.Context, p *policy.Policy, r *Reservation) error
	Cancel(ctx context.Context, p *policy.Policy, externalRef string) error
}

// Registry maps provider kinds onto implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
}

// NewRegistry returns a registry with the internal grid provider installed.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[Kind]Provider)}
	r.Register(KindInternal, NewInternalProvider(30*time.Minute))
	return r
}

func (r *Registry) Register(kind Kind, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = Traced(kind, p)
}

// For resolves the provider for a business policy.
func (r *Registry) For(p *policy.Policy) (Provider, Kind, error) {
	kind, err := ParseKind(p.CalendarKind)
	if err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	prov, ok := r.providers[kind]
	if !ok || prov == nil {
		return nil, kind, fmt.Errorf("%w: %s", ErrNotConfigured, kind)
	}
	return prov, kind, nil
}

// Days splits a window into local calendar days in loc, returning the
// midnight of each day the window touches.
func Days(w Window, loc *time.Location) []time.Time {
	if !w.End.After(w.Start) {
		return nil
	}
	start := w.Start.In(loc)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	var out []time.Time
	for day.Before(w.End) {
		out = append(out, day)
		day = day.AddDate(0, 0, 1)
	}
	return out
}
