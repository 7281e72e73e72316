package calendar

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/dispatch-engine/internal/policy"
)

// traced wraps a provider with one span per call.
type traced struct {
	kind  Kind
	inner Provider
}

// Traced decorates p so every call opens a span tagged with the provider kind.
func Traced(kind Kind, p Provider) Provider {
	if p == nil {
		return nil
	}
	if _, already := p.(*traced); already {
		return p
	}
	return &traced{kind: kind, inner: p}
}

func (t *traced) start(ctx context.Context, op string, p *policy.Policy) (context.Context, trace.Span) {
	ctx, span := calendarTracer.Start(ctx, "calendar."+op)
	span.SetAttributes(
		attribute.String("dispatch.calendar_kind", string(t.kind)),
		attribute.String("dispatch.business_id", p.BusinessID),
	)
	return ctx, span
}

func (t *traced) OpenSlots(ctx context.Context, p *policy.Policy, w Window, duration time.Duration) ([]Slot, error) {
	ctx, span := t.start(ctx, "open_slots", p)
	defer span.End()
	slots, err := t.inner.OpenSlots(ctx, p, w, duration)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("dispatch.slot_count", len(slots)))
	return slots, err
}

func (t *traced) Reserve(ctx context.Context, p *policy.Policy, req ReserveRequest) (*Reservation, error) {
	ctx, span := t.start(ctx, "reserve", p)
	defer span.End()
	r, err := t.inner.Reserve(ctx, p, req)
	if err != nil {
		span.RecordError(err)
	}
	return r, err
}

func (t *traced) Confirm(ctx context.Context, p *policy.Policy, r *Reservation) (string, error) {
	ctx, span := t.start(ctx, "confirm", p)
	defer span.End()
	ref, err := t.inner.Confirm(ctx, p, r)
	if err != nil {
		span.RecordError(err)
	}
	return ref, err
}

func (t *traced) Release(ctx context.Context, p *policy.Policy, r *Reservation) error {
	ctx, span := t.start(ctx, "release", p)
	defer span.End()
	err := t.inner.Release(ctx, p, r)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (t *traced) Cancel(ctx context.Context, p *policy.Policy, externalRef string) error {
	ctx, span := t.start(ctx, "cancel", p)
	defer span.End()
	err := t.inner.Cancel(ctx, p, externalRef)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
