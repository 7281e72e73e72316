package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/observability/metrics"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// ErrNoRecipient is returned when a notification has nowhere to go.
var ErrNoRecipient = errors.New("notify: no recipient")

const slotFormat = "Monday, January 2 at 3:04 PM"

// EscalationNotice is what operators hear about a call that needs a human.
type EscalationNotice struct {
	Reason        string
	CallID        string
	BookingID     string
	CustomerName  string
	CustomerPhone string
	Detail        string
}

// Service sends dispatch notifications to technicians, customers and operators.
type Service struct {
	email   EmailSender
	sms     SMSSender
	metrics *metrics.DispatchMetrics
	logger  *logging.Logger

	operatorPhone string
	operatorEmail string
}

func NewService(email EmailSender, sms SMSSender, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{email: email, sms: sms, logger: logger}
}

func (s *Service) WithMetrics(m *metrics.DispatchMetrics) *Service {
	s.metrics = m
	return s
}

// WithOperatorFallback sets the contacts used for escalations when a
// business has no recipients of its own.
func (s *Service) WithOperatorFallback(phone, email string) *Service {
	s.operatorPhone = strings.TrimSpace(phone)
	s.operatorEmail = strings.TrimSpace(email)
	return s
}

// NotifyImmediateDispatch texts the on-call technician about a
// life-threatening job. The policy's on-call phone wins over the
// technician's own number. Errors are returned so the caller can fall back.
func (s *Service) NotifyImmediateDispatch(ctx context.Context, p *policy.Policy, tech technicians.Technician, b bookings.Booking, matched []string) error {
	to := strings.TrimSpace(p.OnCallPhone)
	if to == "" {
		to = strings.TrimSpace(tech.Phone)
	}
	if to == "" || s.sms == nil {
		s.metrics.ObserveNotification("sms", "skipped")
		return ErrNoRecipient
	}

	body := fmt.Sprintf("EMERGENCY dispatch: %s at %s. Customer %s %s.",
		describeIssue(matched), orUnknown(b.ServiceAddress), orUnknown(b.CustomerName), orUnknown(b.CustomerPhone))
	if b.Notes != "" {
		body += " Notes: " + truncate(b.Notes, 160)
	}
	return s.sendSMS(ctx, to, body, "immediate dispatch", b.ID)
}

// NotifyBookingConfirmed texts the assigned technician and the customer and
// emails the customer when an address is on file. Failures are logged and
// counted; the returned error only summarizes them.
func (s *Service) NotifyBookingConfirmed(ctx context.Context, p *policy.Policy, b bookings.Booking, tech *technicians.Technician) error {
	when := b.SlotStart.In(p.Location()).Format(slotFormat)
	var errs []error

	if tech != nil && tech.Phone != "" {
		body := fmt.Sprintf("New job %s: %s at %s.", when, orUnknown(b.CustomerName), orUnknown(b.ServiceAddress))
		if b.IsEmergency {
			body = "URGENT " + body
		}
		if err := s.sendSMS(ctx, tech.Phone, body, "technician booking", b.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if b.CustomerPhone != "" {
		body := fmt.Sprintf("You're booked for %s.", when)
		if tech != nil && tech.Name != "" {
			body = fmt.Sprintf("You're booked for %s. %s will be your technician.", when, tech.Name)
		}
		if p.Name != "" {
			body = p.Name + ": " + body
		}
		if err := s.sendSMS(ctx, b.CustomerPhone, body, "customer confirmation", b.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if b.CustomerEmail != "" {
		msg := EmailMessage{
			To:      b.CustomerEmail,
			ToName:  b.CustomerName,
			Subject: "Your appointment is confirmed",
			Body:    fmt.Sprintf("Your service appointment is confirmed for %s at %s.", when, orUnknown(b.ServiceAddress)),
		}
		if err := s.sendEmail(ctx, msg, b.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d notification(s) failed", len(errs))
	}
	return nil
}

// NotifyEscalation alerts the business's operators by SMS and email.
func (s *Service) NotifyEscalation(ctx context.Context, p *policy.Policy, n EscalationNotice) error {
	smsTo := p.Notifications.GetSMSRecipients()
	emailTo := p.Notifications.EmailRecipients
	if len(smsTo) == 0 && len(emailTo) == 0 {
		if s.operatorPhone != "" {
			smsTo = []string{s.operatorPhone}
		}
		if s.operatorEmail != "" {
			emailTo = []string{s.operatorEmail}
		}
	}
	if len(smsTo) == 0 && len(emailTo) == 0 {
		s.logger.Warn("escalation has no operator recipients", "business_id", p.BusinessID, "reason", n.Reason)
		return ErrNoRecipient
	}

	var errs []error
	body := fmt.Sprintf("Call needs a person (%s). Caller %s %s.", n.Reason, orUnknown(n.CustomerName), orUnknown(n.CustomerPhone))
	if n.BookingID != "" {
		body += " Booking " + n.BookingID + "."
	}
	if n.Detail != "" {
		body += " " + truncate(n.Detail, 200)
	}
	for _, to := range smsTo {
		if err := s.sendSMS(ctx, to, body, "escalation", n.CallID); err != nil {
			errs = append(errs, err)
		}
	}

	for _, to := range emailTo {
		msg := EmailMessage{
			To:      to,
			Subject: fmt.Sprintf("Escalation: %s", n.Reason),
			Body:    fmt.Sprintf("%s\n\nCall ID: %s\nReported: %s", body, orUnknown(n.CallID), time.Now().In(p.Location()).Format(time.RFC1123)),
		}
		if err := s.sendEmail(ctx, msg, n.CallID); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d notification(s) failed", len(errs))
	}
	return nil
}

func (s *Service) sendSMS(ctx context.Context, to, body, kind, ref string) error {
	if s.sms == nil {
		s.metrics.ObserveNotification("sms", "skipped")
		return ErrNoRecipient
	}
	if err := s.sms.SendSMS(ctx, to, body); err != nil {
		s.metrics.ObserveNotification("sms", "failed")
		s.logger.Error("notification sms failed", "error", err, "kind", kind, "ref", ref)
		return err
	}
	s.metrics.ObserveNotification("sms", "sent")
	return nil
}

func (s *Service) sendEmail(ctx context.Context, msg EmailMessage, ref string) error {
	if s.email == nil {
		s.metrics.ObserveNotification("email", "skipped")
		return nil
	}
	if err := s.email.Send(ctx, msg); err != nil {
		s.metrics.ObserveNotification("email", "failed")
		s.logger.Error("notification email failed", "error", err, "ref", ref)
		return err
	}
	s.metrics.ObserveNotification("email", "sent")
	return nil
}

func describeIssue(matched []string) string {
	if len(matched) == 0 {
		return "life-threatening issue"
	}
	return strings.Join(matched, ", ")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
