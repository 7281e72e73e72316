package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	if sender := NewSendGridSender(SendGridConfig{FromEmail: "test@example.com"}, nil); sender != nil {
		t.Error("expected nil sender when API key is empty")
	}
}

func TestNewSendGridSender_DefaultFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "test@example.com"}, nil)
	if sender == nil {
		t.Fatal("expected non-nil sender")
	}
	if sender.fromName != defaultFromName {
		t.Errorf("expected default from name %q, got %q", defaultFromName, sender.fromName)
	}
}

type fakeSendGrid struct {
	status int
	err    error
	got    *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	f.got = m
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func TestSendGridSender_Send(t *testing.T) {
	client := &fakeSendGrid{status: 202}
	sender := &SendGridSender{client: client, fromEmail: "ops@example.com", fromName: "Dispatch", logger: logging.Default()}

	if err := sender.Send(context.Background(), EmailMessage{To: "a@example.com", Subject: "Hi", Body: "plain"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.got == nil || client.got.Subject != "Hi" {
		t.Fatalf("unexpected message: %#v", client.got)
	}

	client.status = 500
	if err := sender.Send(context.Background(), EmailMessage{To: "a@example.com"}); err == nil {
		t.Fatal("expected status error")
	}
	client.err = errors.New("dial tcp")
	if err := sender.Send(context.Background(), EmailMessage{To: "a@example.com"}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestSendGridSender_Send_NilClient(t *testing.T) {
	var sender *SendGridSender
	if err := sender.Send(context.Background(), EmailMessage{To: "x@example.com"}); err == nil {
		t.Fatal("expected error for unconfigured sender")
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender_Send(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSender(client, SESConfig{FromEmail: "ops@example.com"}, nil)
	err := sender.Send(context.Background(), EmailMessage{To: "a@example.com", Subject: "Escalation", Body: "text", HTML: "<p>text</p>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(client.input.FromEmailAddress); got != "Dispatch <ops@example.com>" {
		t.Errorf("unexpected from address %q", got)
	}
	if client.input.Content.Simple.Body.Text == nil || client.input.Content.Simple.Body.Html == nil {
		t.Error("expected both text and html bodies")
	}
	if NewSESSender(nil, SESConfig{}, nil) != nil {
		t.Error("expected nil sender without a client")
	}
}

func TestTwilioSender_SendSMS(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if user, _, ok := r.BasicAuth(); !ok || user != "AC123" {
			t.Errorf("missing basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("To") != "+15550001111" || r.Form.Get("From") != "+15557654321" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":20429,"message":"Too Many Requests"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	sender := NewTwilioSender("AC123", "token", "+15557654321", nil).WithBaseURL(srv.URL)
	sender.backoff = func(int) time.Duration { return time.Millisecond }

	if err := sender.SendSMS(context.Background(), "+15550001111", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected a retry after 429, got %d calls", calls)
	}
}

func TestTwilioSender_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	sender := NewTwilioSender("AC123", "token", "+15557654321", nil).WithBaseURL(srv.URL)
	err := sender.SendSMS(context.Background(), "bad", "hello")
	if err == nil || !strings.Contains(err.Error(), "code 21211") {
		t.Fatalf("expected twilio error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retry, got %d calls", calls)
	}
}

func TestTwilioSender_Validation(t *testing.T) {
	if err := NewTwilioSender("", "", "", nil).SendSMS(context.Background(), "+1", "x"); err == nil {
		t.Error("expected credentials error")
	}
	if err := NewTwilioSender("AC", "tok", "+1", nil).SendSMS(context.Background(), "+1", "  "); err == nil {
		t.Error("expected body error")
	}
}
