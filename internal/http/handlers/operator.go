package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/dispatch-engine/internal/dispatch"
	"github.com/wolfman30/dispatch-engine/internal/escalation"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// EscalationQueue is the staff-facing side of the escalation service.
type EscalationQueue interface {
	Pending(ctx context.Context, businessID string) ([]*escalation.Escalation, error)
	Overdue(ctx context.Context) ([]*escalation.Escalation, error)
	Acknowledge(ctx context.Context, businessID string, id uuid.UUID, staff string) error
	Resolve(ctx context.Context, businessID string, id uuid.UUID, staff, resolution string) error
}

// PolicyStore reads and writes business policy.
type PolicyStore interface {
	Get(ctx context.Context, businessID string) (*policy.Policy, error)
	Set(ctx context.Context, p *policy.Policy) error
}

// OverlapVerifier runs the committed-booking overlap check.
type OverlapVerifier interface {
	VerifyOverlaps(ctx context.Context, businessID string, from, to time.Time) ([]dispatch.Overlap, error)
}

// OperatorHandler serves the operator endpoints: escalation queue, business
// policy and the overlap check.
type OperatorHandler struct {
	escalations EscalationQueue
	policies    PolicyStore
	verifier    OverlapVerifier
	logger      *logging.Logger
	now         func() time.Time
}

// NewOperatorHandler creates the operator handler. Any collaborator may be
// nil; its routes are then not mounted.
func NewOperatorHandler(escalations EscalationQueue, policies PolicyStore, verifier OverlapVerifier, logger *logging.Logger) *OperatorHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &OperatorHandler{
		escalations: escalations,
		policies:    policies,
		verifier:    verifier,
		logger:      logger,
		now:         time.Now,
	}
}

// Routes returns the operator routes, relative to /admin.
func (h *OperatorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.escalations != nil {
		r.Get("/escalations/overdue", h.ListOverdue)
	}
	r.Route("/businesses/{businessID}", func(biz chi.Router) {
		if h.escalations != nil {
			biz.Get("/escalations", h.ListPending)
			biz.Post("/escalations/{escalationID}/ack", h.Acknowledge)
			biz.Post("/escalations/{escalationID}/resolve", h.Resolve)
		}
		if h.policies != nil {
			biz.Get("/policy", h.GetPolicy)
			biz.Put("/policy", h.PutPolicy)
		}
		if h.verifier != nil {
			biz.Get("/overlaps", h.Overlaps)
		}
	})
	return r
}

type escalationsResponse struct {
	Escalations []*escalation.Escalation `json:"escalations"`
	Total       int                      `json:"total"`
}

// ListPending returns a business's pending escalations.
// GET /admin/businesses/{businessID}/escalations
func (h *OperatorHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	list, err := h.escalations.Pending(r.Context(), businessID)
	if err != nil {
		h.logger.Error("failed to list escalations", "business_id", businessID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, escalationsResponse{Escalations: nonNil(list), Total: len(list)})
}

// ListOverdue returns pending escalations past their SLA across businesses.
// GET /admin/escalations/overdue
func (h *OperatorHandler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	list, err := h.escalations.Overdue(r.Context())
	if err != nil {
		h.logger.Error("failed to list overdue escalations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, escalationsResponse{Escalations: nonNil(list), Total: len(list)})
}

type handleRequest struct {
	Staff      string `json:"staff"`
	Resolution string `json:"resolution,omitempty"`
}

// Acknowledge marks an escalation as seen.
// POST /admin/businesses/{businessID}/escalations/{escalationID}/ack
func (h *OperatorHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	businessID, id, body, ok := h.escalationRequest(w, r)
	if !ok {
		return
	}
	h.finish(w, businessID, id, "acknowledge", h.escalations.Acknowledge(r.Context(), businessID, id, body.Staff))
}

// Resolve closes an escalation.
// POST /admin/businesses/{businessID}/escalations/{escalationID}/resolve
func (h *OperatorHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	businessID, id, body, ok := h.escalationRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(body.Resolution) == "" {
		writeError(w, http.StatusBadRequest, "resolution required")
		return
	}
	h.finish(w, businessID, id, "resolve", h.escalations.Resolve(r.Context(), businessID, id, body.Staff, body.Resolution))
}

func (h *OperatorHandler) escalationRequest(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, handleRequest, bool) {
	var body handleRequest
	businessID := chi.URLParam(r, "businessID")
	id, err := uuid.Parse(chi.URLParam(r, "escalationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escalation id")
		return "", uuid.Nil, body, false
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", uuid.Nil, body, false
	}
	if strings.TrimSpace(body.Staff) == "" {
		writeError(w, http.StatusBadRequest, "staff required")
		return "", uuid.Nil, body, false
	}
	return businessID, id, body, true
}

func (h *OperatorHandler) finish(w http.ResponseWriter, businessID string, id uuid.UUID, op string, err error) {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("failed to update escalation", "op", op, "business_id", businessID, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "result": op + "d"})
	}
}

// GetPolicy returns the business policy, defaults included.
// GET /admin/businesses/{businessID}/policy
func (h *OperatorHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	p, err := h.policies.Get(r.Context(), businessID)
	if err != nil {
		h.logger.Error("failed to get policy", "business_id", businessID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutPolicy replaces the business policy. Zero tunables fall back to
// defaults.
// PUT /admin/businesses/{businessID}/policy
func (h *OperatorHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p.BusinessID = businessID
	if _, err := time.LoadLocation(p.Timezone); p.Timezone != "" && err != nil {
		writeError(w, http.StatusBadRequest, "unknown timezone")
		return
	}
	p.Normalize()
	if err := h.policies.Set(r.Context(), &p); err != nil {
		h.logger.Error("failed to save policy", "business_id", businessID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.logger.Info("policy updated", "business_id", businessID, "calendar_kind", p.CalendarKind)
	writeJSON(w, http.StatusOK, &p)
}

type overlapsResponse struct {
	From     time.Time          `json:"from"`
	To       time.Time          `json:"to"`
	Overlaps []dispatch.Overlap `json:"overlaps"`
}

// Overlaps reports committed bookings that collide for one technician.
// Defaults to the next seven days.
// GET /admin/businesses/{businessID}/overlaps?from=...&to=...
func (h *OperatorHandler) Overlaps(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	from := h.now().UTC()
	to := from.Add(7 * 24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	list, err := h.verifier.VerifyOverlaps(r.Context(), businessID, from, to)
	if err != nil {
		h.logger.Error("overlap check failed", "business_id", businessID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(list) > 0 {
		h.logger.Warn("overlapping bookings found", "business_id", businessID, "count", len(list))
	}
	if list == nil {
		list = []dispatch.Overlap{}
	}
	writeJSON(w, http.StatusOK, overlapsResponse{From: from, To: to, Overlaps: list})
}

func nonNil(list []*escalation.Escalation) []*escalation.Escalation {
	if list == nil {
		return []*escalation.Escalation{}
	}
	return list
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
