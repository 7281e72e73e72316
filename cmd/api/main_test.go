package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/calendar"
	appconfig "github.com/wolfman30/dispatch-engine/internal/config"
	"github.com/wolfman30/dispatch-engine/internal/events"
	"github.com/wolfman30/dispatch-engine/internal/notify"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

func TestSetupMetricsExposesMetrics(t *testing.T) {
	handler, metrics := setupMetrics()
	if handler == nil || metrics == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	metrics.ObserveTriage("urgent")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "dispatch_triage_classifications_total") {
		t.Fatalf("expected triage counter to be exported")
	}
}

func TestConnectPostgresPoolEmptyURLReturnsNil(t *testing.T) {
	logger := logging.New("error")
	if pool := connectPostgresPool(context.Background(), "", logger); pool != nil {
		t.Fatalf("expected nil pool for empty URL")
	}
	if db := openEscalationDB(" ", logger); db != nil {
		t.Fatalf("expected nil escalation db for empty URL")
	}
}

func TestSetupStoresFallsBackToMemory(t *testing.T) {
	_, m := setupMetrics()
	store, log, pending := setupStores(&appconfig.Config{}, nil, m, logging.New("error"))

	if _, ok := store.(*bookings.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if _, ok := log.(*events.MemoryLog); !ok {
		t.Fatalf("expected memory event log, got %T", log)
	}
	if pending == nil {
		t.Fatalf("expected pending store")
	}
}

func TestConnectRedis(t *testing.T) {
	logger := logging.New("error")
	mr := miniredis.RunT(t)

	client := connectRedis(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger)
	if client == nil {
		t.Fatalf("expected redis client")
	}
	defer client.Close()

	store := policy.NewStore(client)
	p := policy.DefaultPolicy("biz-1")
	p.CalendarKind = "google"
	if err := store.Set(context.Background(), p); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	got, err := store.Get(context.Background(), "biz-1")
	if err != nil || got.CalendarKind != "google" {
		t.Fatalf("unexpected policy %+v, err %v", got, err)
	}

	mr.Close()
	if c := connectRedis(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger); c != nil {
		t.Fatalf("expected nil client when redis is down")
	}
}

func TestSetupCalendarsWithoutCredentials(t *testing.T) {
	registry := setupCalendars(context.Background(), &appconfig.Config{}, logging.New("error"))

	internal := policy.DefaultPolicy("biz-1")
	if _, kind, err := registry.For(internal); err != nil || kind != calendar.KindInternal {
		t.Fatalf("expected internal provider, got %s %v", kind, err)
	}
	google := policy.DefaultPolicy("biz-1")
	google.CalendarKind = "google"
	if _, _, err := registry.For(google); err == nil {
		t.Fatalf("expected google to be unconfigured")
	}
}

func TestParseCalendarIDs(t *testing.T) {
	ids, err := parseCalendarIDs(`{"biz-1":"ops@group.calendar.google.com"}`)
	if err != nil || ids["biz-1"] != "ops@group.calendar.google.com" {
		t.Fatalf("unexpected ids %v, err %v", ids, err)
	}
	if _, err := parseCalendarIDs("{not json"); err == nil {
		t.Fatalf("expected parse error")
	}
	if ids, err := parseCalendarIDs(""); err != nil || len(ids) != 0 {
		t.Fatalf("expected empty map, got %v %v", ids, err)
	}
}

func TestSetupEventDeliveryDisabled(t *testing.T) {
	logger := logging.New("error")
	deliverer, closeFn := setupEventDelivery(&appconfig.Config{EventTransport: "none"}, nil, events.NewMemoryLog(), logger)
	if deliverer != nil {
		t.Fatalf("expected no deliverer")
	}
	closeFn()

	deliverer, _ = setupEventDelivery(&appconfig.Config{EventTransport: "sqs"}, nil, events.NewMemoryLog(), logger)
	if deliverer != nil {
		t.Fatalf("expected no deliverer without AWS config")
	}
}

func TestSetupNotifierFallsBackToStubs(t *testing.T) {
	svc := setupNotifier(&appconfig.Config{EmailProvider: "sendgrid"}, nil, nil, logging.New("error"))
	if svc == nil {
		t.Fatalf("expected notifier")
	}
	p := policy.DefaultPolicy("biz-1")
	p.Notifications.SMSRecipient = "+15550000001"
	p.Notifications.EmailRecipients = []string{"ops@example.com"}
	if err := svc.NotifyEscalation(context.Background(), p, notify.EscalationNotice{Reason: "low_confidence", CallID: "call-1"}); err != nil {
		t.Fatalf("stub senders should not fail: %v", err)
	}
}
