// Package escalation records calls that need a human and alerts the
// business's operators.
package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dispatch-engine/internal/notify"
	"github.com/wolfman30/dispatch-engine/internal/observability/metrics"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

var escalationTracer = otel.Tracer("dispatch.internal.escalation")

// Reason says why a call was escalated.
type Reason string

const (
	ReasonLowConfidence   Reason = "low_confidence"
	ReasonHumanRequested  Reason = "human_requested"
	ReasonImmediateFailed Reason = "immediate_dispatch_failed"
	ReasonCalendarFailed  Reason = "calendar_write_failed"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
)

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// ErrNotFound is returned when an update matches no open escalation.
var ErrNotFound = errors.New("escalation: not found or already handled")

// Escalation is one human-review record.
type Escalation struct {
	ID             uuid.UUID  `json:"id"`
	BusinessID     string     `json:"business_id"`
	Reason         Reason     `json:"reason"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	CallID         string     `json:"call_id,omitempty"`
	BookingID      string     `json:"booking_id,omitempty"`
	CustomerName   string     `json:"customer_name,omitempty"`
	CustomerPhone  string     `json:"customer_phone,omitempty"`
	Score          *float64   `json:"score,omitempty"`
	Markers        []string   `json:"markers,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	TranscriptKey  string     `json:"transcript_key,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Request carries the details for a new escalation.
type Request struct {
	BusinessID    string
	Reason        Reason
	CallID        string
	BookingID     string
	CustomerName  string
	CustomerPhone string
	Score         *float64
	Markers       []string
	Detail        string
	TranscriptKey string
}

// Notifier alerts operators.
type Notifier interface {
	NotifyEscalation(ctx context.Context, p *policy.Policy, n notify.EscalationNotice) error
}

// Service stores escalations in Postgres through database/sql.
type Service struct {
	db       *sql.DB
	notifier Notifier
	metrics  *metrics.DispatchMetrics
	logger   *logging.Logger
	slaHours int
	now      func() time.Time
}

func NewService(db *sql.DB, notifier Notifier, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		db:       db,
		notifier: notifier,
		logger:   logger,
		slaHours: 4,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithMetrics(m *metrics.DispatchMetrics) *Service {
	s.metrics = m
	return s
}

// WithSLAHours sets how long an escalation may stay pending before Overdue reports it.
func (s *Service) WithSLAHours(h int) *Service {
	if h > 0 {
		s.slaHours = h
	}
	return s
}

func priorityFor(r Reason) Priority {
	switch r {
	case ReasonImmediateFailed, ReasonCalendarFailed:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Create stores the escalation and notifies operators. Notification
// failures are logged and do not fail the call.
func (s *Service) Create(ctx context.Context, p *policy.Policy, req Request) (*Escalation, error) {
	ctx, span := escalationTracer.Start(ctx, "escalation.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.business_id", req.BusinessID),
		attribute.String("dispatch.escalation_reason", string(req.Reason)),
	)

	now := s.now()
	e := &Escalation{
		ID:            uuid.New(),
		BusinessID:    req.BusinessID,
		Reason:        req.Reason,
		Priority:      priorityFor(req.Reason),
		Status:        StatusPending,
		CallID:        req.CallID,
		BookingID:     req.BookingID,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Score:         req.Score,
		Markers:       req.Markers,
		Detail:        req.Detail,
		TranscriptKey: req.TranscriptKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store(ctx, e); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("escalation: store: %w", err)
	}
	s.metrics.ObserveEscalation(string(e.Reason))

	if s.notifier != nil && p != nil {
		notice := notify.EscalationNotice{
			Reason:        string(e.Reason),
			CallID:        e.CallID,
			BookingID:     e.BookingID,
			CustomerName:  e.CustomerName,
			CustomerPhone: e.CustomerPhone,
			Detail:        e.Detail,
		}
		if err := s.notifier.NotifyEscalation(ctx, p, notice); err != nil {
			s.logger.Error("failed to notify operators", "error", err, "escalation_id", e.ID)
		}
	}

	s.logger.Info("escalation created",
		"id", e.ID,
		"business_id", e.BusinessID,
		"reason", e.Reason,
		"priority", e.Priority,
		"call_id", e.CallID,
	)
	return e, nil
}

func (s *Service) store(ctx context.Context, e *Escalation) error {
	query := `
		INSERT INTO escalations (
			id, business_id, reason, priority, status, call_id, booking_id,
			customer_name, customer_phone, score, markers, detail, transcript_key,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	var score sql.NullFloat64
	if e.Score != nil {
		score = sql.NullFloat64{Float64: *e.Score, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.BusinessID, string(e.Reason), string(e.Priority), string(e.Status),
		nullString(e.CallID), nullString(e.BookingID), e.CustomerName, e.CustomerPhone,
		score, pq.Array(e.Markers), e.Detail, nullString(e.TranscriptKey),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// Acknowledge marks a pending escalation as seen by staff.
func (s *Service) Acknowledge(ctx context.Context, businessID string, id uuid.UUID, staff string) error {
	now := s.now()
	query := `
		UPDATE escalations
		SET status = $1, acknowledged_at = $2, acknowledged_by = $3, updated_at = $2
		WHERE id = $4 AND business_id = $5 AND status = $6
	`
	result, err := s.db.ExecContext(ctx, query, string(StatusAcknowledged), now, staff, id, businessID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("escalation: acknowledge: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	s.logger.Info("escalation acknowledged", "id", id, "by", staff)
	return nil
}

// Resolve closes an escalation with a resolution note.
func (s *Service) Resolve(ctx context.Context, businessID string, id uuid.UUID, staff, resolution string) error {
	now := s.now()
	query := `
		UPDATE escalations
		SET status = $1, resolved_at = $2, resolved_by = $3, resolution = $4, updated_at = $2
		WHERE id = $5 AND business_id = $6 AND status <> $1
	`
	result, err := s.db.ExecContext(ctx, query, string(StatusResolved), now, staff, resolution, id, businessID)
	if err != nil {
		return fmt.Errorf("escalation: resolve: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	s.logger.Info("escalation resolved", "id", id, "by", staff)
	return nil
}

const selectColumns = `
	SELECT id, business_id, reason, priority, status, call_id, booking_id,
		   customer_name, customer_phone, score, markers, detail, transcript_key,
		   acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution,
		   created_at, updated_at
	FROM escalations`

// Pending lists a business's unacknowledged escalations, high priority first.
func (s *Service) Pending(ctx context.Context, businessID string) ([]*Escalation, error) {
	query := selectColumns + `
		WHERE business_id = $1 AND status = $2
		ORDER BY CASE priority WHEN 'HIGH' THEN 1 ELSE 2 END, created_at ASC`
	return s.query(ctx, query, businessID, string(StatusPending))
}

// Overdue lists pending escalations older than the SLA across all businesses.
func (s *Service) Overdue(ctx context.Context) ([]*Escalation, error) {
	cutoff := s.now().Add(-time.Duration(s.slaHours) * time.Hour)
	query := selectColumns + `
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC`
	return s.query(ctx, query, string(StatusPending), cutoff)
}

func (s *Service) query(ctx context.Context, query string, args ...any) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escalation: query: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		var e Escalation
		var reason, priority, status string
		var callID, bookingID, transcriptKey, ackBy, resBy, resolution sql.NullString
		var score sql.NullFloat64
		var ackAt, resAt sql.NullTime
		var markers pq.StringArray

		if err := rows.Scan(
			&e.ID, &e.BusinessID, &reason, &priority, &status, &callID, &bookingID,
			&e.CustomerName, &e.CustomerPhone, &score, &markers, &e.Detail, &transcriptKey,
			&ackAt, &ackBy, &resAt, &resBy, &resolution,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("escalation: scan: %w", err)
		}
		e.Reason = Reason(reason)
		e.Priority = Priority(priority)
		e.Status = Status(status)
		e.CallID = callID.String
		e.BookingID = bookingID.String
		e.TranscriptKey = transcriptKey.String
		e.AcknowledgedBy = ackBy.String
		e.ResolvedBy = resBy.String
		e.Resolution = resolution.String
		e.Markers = []string(markers)
		if score.Valid {
			v := score.Float64
			e.Score = &v
		}
		if ackAt.Valid {
			t := ackAt.Time
			e.AcknowledgedAt = &t
		}
		if resAt.Valid {
			t := resAt.Time
			e.ResolvedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
