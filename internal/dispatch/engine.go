// Package dispatch is the entry point the voice layer calls. It sequences
// triage, availability, dedup, the assignment transaction, the external
// calendar write and notifications, and records each decision in the event log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfman30/dispatch-engine/internal/archive"
	"github.com/wolfman30/dispatch-engine/internal/assignment"
	"github.com/wolfman30/dispatch-engine/internal/availability"
	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/calendar"
	"github.com/wolfman30/dispatch-engine/internal/dedup"
	"github.com/wolfman30/dispatch-engine/internal/escalation"
	"github.com/wolfman30/dispatch-engine/internal/events"
	"github.com/wolfman30/dispatch-engine/internal/observability/metrics"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/proximity"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
	"github.com/wolfman30/dispatch-engine/internal/triage"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

var dispatchTracer = otel.Tracer("dispatch.internal.dispatch")

// notifyTimeout bounds one background notification.
const notifyTimeout = 30 * time.Second

// Notifier sends the technician and customer messages.
type Notifier interface {
	NotifyImmediateDispatch(ctx context.Context, p *policy.Policy, tech technicians.Technician, b bookings.Booking, matched []string) error
	NotifyBookingConfirmed(ctx context.Context, p *policy.Policy, b bookings.Booking, tech *technicians.Technician) error
}

// Escalator records calls that need a human.
type Escalator interface {
	Create(ctx context.Context, p *policy.Policy, req escalation.Request) (*escalation.Escalation, error)
}

// Archiver stores post-call transcripts.
type Archiver interface {
	ArchiveCall(ctx context.Context, rec *archive.CallRecord) (string, error)
}

// Config carries the engine's collaborators. Store, Policies and Events are
// required; the rest degrade to no-ops when nil.
type Config struct {
	Store       bookings.Store
	Policies    policy.Source
	Calendars   *calendar.Registry
	Scorer      *proximity.Scorer
	Events      events.Log
	Notifier    Notifier
	Escalations Escalator
	Archive     Archiver
	Metrics     *metrics.DispatchMetrics
	Logger      *logging.Logger
	Clock       func() time.Time
}

// Engine is the dispatch and availability engine.
type Engine struct {
	store       bookings.Store
	policies    policy.Source
	calendars   *calendar.Registry
	calculator  *availability.Calculator
	assigner    *assignment.Assigner
	guard       *dedup.Guard
	classifier  *triage.Classifier
	lifecycle   *bookings.Service
	events      events.Log
	notifier    Notifier
	escalations Escalator
	archive     Archiver
	metrics     *metrics.DispatchMetrics
	logger      *logging.Logger
	now         func() time.Time

	wg sync.WaitGroup
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Policies == nil || cfg.Events == nil {
		return nil, errors.New("dispatch: store, policies and events are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Calendars == nil {
		cfg.Calendars = calendar.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	calc := availability.NewCalculator(cfg.Store, cfg.Policies, cfg.Calendars, cfg.Scorer, cfg.Logger).
		WithMetrics(cfg.Metrics).
		WithClock(cfg.Clock)
	assigner := assignment.NewAssigner(cfg.Store, cfg.Policies, cfg.Scorer, cfg.Logger).
		WithMetrics(cfg.Metrics).
		WithClock(cfg.Clock)
	guard := dedup.NewGuard(cfg.Store, cfg.Logger).
		WithMetrics(cfg.Metrics).
		WithClock(cfg.Clock)

	return &Engine{
		store:       cfg.Store,
		policies:    cfg.Policies,
		calendars:   cfg.Calendars,
		calculator:  calc,
		assigner:    assigner,
		guard:       guard,
		classifier:  triage.NewClassifier(cfg.Logger),
		lifecycle:   bookings.NewService(cfg.Store, cfg.Logger),
		events:      cfg.Events,
		notifier:    cfg.Notifier,
		escalations: cfg.Escalations,
		archive:     cfg.Archive,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Clock,
	}, nil
}

// Wait blocks until background notifications have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// AvailabilityRequest is a slot search from the voice layer.
type AvailabilityRequest struct {
	BusinessID      string `json:"business_id"`
	CallID          string `json:"call_id,omitempty"`
	Notes           string `json:"notes,omitempty"`
	CustomerAddress string `json:"customer_address,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	// Emergency forces the emergency window even when the notes read routine.
	Emergency bool `json:"emergency,omitempty"`
}

// Availability triages the notes and returns bookable slots. Availability is
// advisory; nothing is held.
func (e *Engine) Availability(ctx context.Context, req AvailabilityRequest) (*Response, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.availability")
	defer span.End()

	if strings.TrimSpace(req.BusinessID) == "" {
		return invalid("I need to know which business this call is for."), nil
	}
	if req.DurationMinutes < 0 {
		return invalid("That job length doesn't look right."), nil
	}
	p, err := e.policies.Get(ctx, req.BusinessID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dispatch: load policy: %w", err)
	}

	tri := e.classify(ctx, req.Notes, p)
	emergency := req.Emergency || tri.Emergency()

	res, err := e.calculator.Calculate(ctx, availability.Request{
		BusinessID:      req.BusinessID,
		Emergency:       emergency,
		DurationMinutes: req.DurationMinutes,
		CustomerAddress: req.CustomerAddress,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return availabilityResponse(res, tri.Tier), nil
}

func availabilityResponse(res *availability.Result, tier triage.Tier) *Response {
	trace := res.Trace
	out := &Response{
		Message: res.Summary,
		Tier:    tier,
		Slots:   res.Slots,
		Trace:   &trace,
	}
	switch {
	case res.CalendarError:
		out.Reason = ReasonCalendarUnavailable
	case len(res.Slots) == 0:
		out.Reason = ReasonNoAvailability
	default:
		out.Success = true
	}
	return out
}

func (e *Engine) classify(ctx context.Context, notes string, p *policy.Policy) triage.Result {
	tri := e.classifier.Classify(ctx, notes, p)
	e.metrics.ObserveTriage(string(tri.Tier))
	return tri
}

// record appends to the event log. Failures are logged; the log never
// blocks a booking outcome.
func (e *Engine) record(ctx context.Context, businessID, key, eventType string, payload any) {
	if _, err := e.events.Append(ctx, businessID, key, eventType, payload); err != nil {
		e.logger.Error("failed to append dispatch event", "error", err, "business_id", businessID, "key", key, "type", eventType)
	}
}

func bookingEvent(b *bookings.Booking, outcome string) events.BookingEventV1 {
	return events.BookingEventV1{
		BookingID:        b.ID,
		BusinessID:       b.BusinessID,
		CallID:           b.CallID,
		TechnicianID:     b.TechnicianID,
		Status:           string(b.Status),
		Outcome:          outcome,
		SlotStart:        b.SlotStart,
		SlotEnd:          b.SlotEnd,
		IsEmergency:      b.IsEmergency,
		UnassignedReason: b.UnassignedReason,
		ExternalRef:      b.ExternalRef,
	}
}

// eventKey prefers the call id so one call's decisions read together.
func eventKey(callID, bookingID string) string {
	if callID != "" {
		return callID
	}
	return bookingID
}

// escalate creates an escalation and logs it. It returns the escalation id
// or "" when nothing was recorded.
func (e *Engine) escalate(ctx context.Context, p *policy.Policy, req escalation.Request) string {
	if e.escalations == nil {
		e.logger.Warn("escalation dropped: no escalation service", "business_id", req.BusinessID, "reason", req.Reason)
		return ""
	}
	esc, err := e.escalations.Create(ctx, p, req)
	if err != nil {
		e.logger.Error("failed to create escalation", "error", err, "business_id", req.BusinessID, "reason", req.Reason)
		return ""
	}
	e.record(ctx, req.BusinessID, eventKey(req.CallID, req.BookingID), events.TypeEscalation, events.EscalationV1{
		EscalationID: esc.ID.String(),
		BusinessID:   req.BusinessID,
		CallID:       req.CallID,
		BookingID:    req.BookingID,
		Reason:       string(req.Reason),
		Score:        req.Score,
		OccurredAt:   e.now().UTC(),
	})
	return esc.ID.String()
}

// background runs fn detached from the request context so a hung-up caller
// does not cancel the technician's text.
func (e *Engine) background(ctx context.Context, name string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		nctx, cancel := context.WithTimeout(detached, notifyTimeout)
		defer cancel()
		if err := fn(nctx); err != nil {
			e.logger.Warn("background notification failed", "kind", name, "error", err)
		}
	}()
}

func (e *Engine) technician(ctx context.Context, businessID, id string) *technicians.Technician {
	if id == "" {
		return nil
	}
	roster, err := e.store.Technicians(ctx, businessID)
	if err != nil {
		e.logger.Warn("technician lookup failed", "business_id", businessID, "technician_id", id, "error", err)
		return nil
	}
	for _, t := range roster {
		if t.ID == id {
			tech := t
			return &tech
		}
	}
	return nil
}

func markerNames(markers map[string]int) []string {
	out := make([]string, 0, len(markers))
	for k, n := range markers {
		if n > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
