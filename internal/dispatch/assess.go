package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/dispatch-engine/internal/archive"
	"github.com/wolfman30/dispatch-engine/internal/escalation"
	"github.com/wolfman30/dispatch-engine/internal/triage"
)

// ErrInvalidAssessment is returned when a post-call report has no call id
// or no transcript.
var ErrInvalidAssessment = errors.New("dispatch: call id and transcript required")

// AssessRequest is the post-call report.
type AssessRequest struct {
	BusinessID    string        `json:"business_id"`
	CallID        string        `json:"call_id"`
	BookingID     string        `json:"booking_id,omitempty"`
	CustomerName  string        `json:"customer_name,omitempty"`
	CustomerPhone string        `json:"customer_phone,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
	Transcript    string        `json:"transcript,omitempty"`
	Turns         []triage.Turn `json:"turns,omitempty"`
}

// CallAssessment is the confidence verdict plus where it went.
type CallAssessment struct {
	CallID       string            `json:"call_id"`
	Assessment   triage.Assessment `json:"assessment"`
	ArchiveKey   string            `json:"archive_key,omitempty"`
	EscalationID string            `json:"escalation_id,omitempty"`
}

// AssessCall scores a finished call from its transcript, archives the
// transcript and escalates to a human when confidence is low or the caller
// asked for a person. It runs regardless of how the booking went.
func (e *Engine) AssessCall(ctx context.Context, req AssessRequest) (*CallAssessment, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.assess_call")
	defer span.End()

	if strings.TrimSpace(req.BusinessID) == "" || strings.TrimSpace(req.CallID) == "" {
		return nil, ErrInvalidAssessment
	}
	turns := req.Turns
	if len(turns) == 0 {
		turns = triage.ParseTranscript(req.Transcript)
	}
	if len(turns) == 0 {
		return nil, ErrInvalidAssessment
	}
	p, err := e.policies.Get(ctx, req.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load policy: %w", err)
	}

	a := triage.AssessTranscript(turns, p.ConfidenceThreshold)
	out := &CallAssessment{CallID: req.CallID, Assessment: a}

	if e.archive != nil {
		key, err := e.archive.ArchiveCall(ctx, &archive.CallRecord{
			CallID:     req.CallID,
			BusinessID: req.BusinessID,
			PhoneHash:  archive.HashPhone(req.CustomerPhone),
			BookingID:  req.BookingID,
			Outcome:    req.Outcome,
			Turns:      turns,
			Assessment: &a,
		})
		if err != nil {
			e.logger.Error("failed to archive call transcript", "error", err, "call_id", req.CallID)
		}
		out.ArchiveKey = key
	}

	if a.Escalate {
		reason := escalation.ReasonLowConfidence
		if a.HumanRequested {
			reason = escalation.ReasonHumanRequested
		}
		score := a.Score
		out.EscalationID = e.escalate(ctx, p, escalation.Request{
			BusinessID:    req.BusinessID,
			Reason:        reason,
			CallID:        req.CallID,
			BookingID:     req.BookingID,
			CustomerName:  req.CustomerName,
			CustomerPhone: req.CustomerPhone,
			Score:         &score,
			Markers:       markerNames(a.Markers),
			Detail:        strings.Join(a.Reasons, ", "),
			TranscriptKey: out.ArchiveKey,
		})
	}

	e.logger.Info("call assessed",
		"business_id", req.BusinessID,
		"call_id", req.CallID,
		"score", a.Score,
		"escalate", a.Escalate,
	)
	return out, nil
}
