// Package voice exposes the dispatch engine to the voice agent as JSON tool
// endpoints. Every tool answers 200 with a speakable envelope, including on
// internal failure, so a degraded agent always has a sentence to say.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/dispatch"
	httpmiddleware "github.com/wolfman30/dispatch-engine/internal/http/middleware"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

const maxBodyBytes = 64 << 10

// Local wall-clock layouts the agent sometimes sends instead of RFC 3339.
// They are read in the business's timezone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Engine is the dispatch surface the tools call.
type Engine interface {
	Availability(ctx context.Context, req dispatch.AvailabilityRequest) (*dispatch.Response, error)
	Book(ctx context.Context, req dispatch.BookRequest) (*dispatch.Response, error)
	Cancel(ctx context.Context, businessID, bookingID, callID string) (*dispatch.Response, error)
	UpdateStatus(ctx context.Context, businessID, bookingID, callID string, to bookings.Status) (*dispatch.Response, error)
	AssessCall(ctx context.Context, req dispatch.AssessRequest) (*dispatch.CallAssessment, error)
}

// Handler serves the voice agent tool endpoints.
type Handler struct {
	engine   Engine
	policies policy.Source
	logger   *logging.Logger
}

// NewHandler wires the tool endpoints to an engine. policies resolves the
// business timezone for local requested_start values.
func NewHandler(engine Engine, policies policy.Source, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: engine, policies: policies, logger: logger}
}

// Routes mounts the tools under the caller's prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/tools/availability", h.Availability)
	r.Post("/tools/book", h.Book)
	r.Post("/tools/cancel", h.Cancel)
	r.Post("/tools/status", h.UpdateStatus)
	r.Post("/calls/assess", h.AssessCall)
	return r
}

// bookPayload mirrors dispatch.BookRequest with requested_start as text.
type bookPayload struct {
	BusinessID      string `json:"business_id"`
	CallID          string `json:"call_id"`
	CustomerName    string `json:"customer_name"`
	CustomerPhone   string `json:"customer_phone"`
	CustomerEmail   string `json:"customer_email"`
	ServiceAddress  string `json:"service_address"`
	Notes           string `json:"notes"`
	RequestedStart  string `json:"requested_start"`
	DurationMinutes int    `json:"duration_minutes"`
	Confirm         bool   `json:"confirm"`
	IdempotencyKey  string `json:"idempotency_key"`
	Standard        bool   `json:"standard_booking"`
}

type statusPayload struct {
	BusinessID string `json:"business_id"`
	BookingID  string `json:"booking_id"`
	CallID     string `json:"call_id"`
	Status     string `json:"status"`
}

// Availability handles POST /v1/tools/availability.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	var req dispatch.AvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorized(w, r, req.BusinessID) {
		return
	}
	resp, err := h.engine.Availability(r.Context(), req)
	h.respond(w, r, "availability", req.BusinessID, resp, err)
}

// Book handles POST /v1/tools/book.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var body bookPayload
	if !h.decode(w, r, &body) {
		return
	}
	if !h.authorized(w, r, body.BusinessID) {
		return
	}
	start, err := h.parseStart(r.Context(), body.BusinessID, body.RequestedStart)
	if err != nil {
		writeJSON(w, http.StatusOK, invalid("I didn't catch the time you wanted. Could you say the day and time again?"))
		return
	}
	resp, err := h.engine.Book(r.Context(), dispatch.BookRequest{
		BusinessID:      body.BusinessID,
		CallID:          body.CallID,
		CustomerName:    body.CustomerName,
		CustomerPhone:   body.CustomerPhone,
		CustomerEmail:   body.CustomerEmail,
		ServiceAddress:  body.ServiceAddress,
		Notes:           body.Notes,
		RequestedStart:  start,
		DurationMinutes: body.DurationMinutes,
		Confirm:         body.Confirm,
		IdempotencyKey:  body.IdempotencyKey,
		Standard:        body.Standard,
	})
	h.respond(w, r, "book", body.BusinessID, resp, err)
}

// Cancel handles POST /v1/tools/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body statusPayload
	if !h.decode(w, r, &body) {
		return
	}
	if !h.authorized(w, r, body.BusinessID) {
		return
	}
	resp, err := h.engine.Cancel(r.Context(), body.BusinessID, body.BookingID, body.CallID)
	h.respond(w, r, "cancel", body.BusinessID, resp, err)
}

// UpdateStatus handles POST /v1/tools/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body statusPayload
	if !h.decode(w, r, &body) {
		return
	}
	if !h.authorized(w, r, body.BusinessID) {
		return
	}
	to := bookings.Status(strings.ToLower(strings.TrimSpace(body.Status)))
	switch to {
	case bookings.StatusEnRoute, bookings.StatusCompleted, bookings.StatusCanceled:
	default:
		writeJSON(w, http.StatusOK, invalid("That status isn't one I can set."))
		return
	}
	resp, err := h.engine.UpdateStatus(r.Context(), body.BusinessID, body.BookingID, body.CallID, to)
	h.respond(w, r, "status", body.BusinessID, resp, err)
}

// AssessCall handles POST /v1/calls/assess. It is a post-call webhook, so it
// uses plain HTTP status codes instead of the spoken envelope.
func (h *Handler) AssessCall(w http.ResponseWriter, r *http.Request) {
	var req dispatch.AssessRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4*maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if !h.authorized(w, r, req.BusinessID) {
		return
	}
	out, err := h.engine.AssessCall(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrInvalidAssessment):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		h.logger.Error("call assessment failed", "error", err, "business_id", req.BusinessID, "call_id", req.CallID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn("voice tool request rejected", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusOK, invalid("Sorry, I didn't get all of that. Could you repeat it?"))
		return false
	}
	return true
}

func (h *Handler) authorized(w http.ResponseWriter, r *http.Request, businessID string) bool {
	if httpmiddleware.AllowsBusiness(r.Context(), businessID) {
		return true
	}
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "token not valid for this business"})
	return false
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, tool, businessID string, resp *dispatch.Response, err error) {
	if err != nil || resp == nil {
		h.logger.Error("voice tool failed",
			"tool", tool,
			"business_id", businessID,
			"path", r.URL.Path,
			"error", err,
		)
		resp = dispatch.Fallback()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseStart accepts RFC 3339 or a local wall-clock time in the business's
// timezone. Empty means "no preference".
func (h *Handler) parseStart(ctx context.Context, businessID, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	loc := time.UTC
	if h.policies != nil && strings.TrimSpace(businessID) != "" {
		if p, err := h.policies.Get(ctx, businessID); err == nil {
			loc = p.Location()
		}
	}
	var lastErr error
	for _, layout := range localLayouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func invalid(msg string) *dispatch.Response {
	return &dispatch.Response{Success: false, Reason: dispatch.ReasonInvalidRequest, Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
