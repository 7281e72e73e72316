package boulevard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/calendar"
	"github.com/wolfman30/dispatch-engine/internal/policy"
)

type fakeBoulevard struct {
	mu       sync.Mutex
	ops      []string
	business []string
	vars     map[string]map[string]any
	failOp   string
}

func (f *fakeBoulevard) server(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperationName string         `json:"operationName"`
			Variables     map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.ops = append(f.ops, req.OperationName)
		f.business = append(f.business, r.Header.Get("X-Business-Id"))
		if f.vars == nil {
			f.vars = make(map[string]map[string]any)
		}
		f.vars[req.OperationName] = req.Variables
		fail := f.failOp == req.OperationName
		f.mu.Unlock()

		if fail {
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]any{{"message": "slot unavailable"}}})
			return
		}

		var data map[string]any
		switch req.OperationName {
		case "CreateCart":
			data = map[string]any{"createCart": map[string]any{"cart": map[string]any{"id": "cart_1"}}}
		case "CartAddService":
			data = map[string]any{"cartAddService": map[string]any{"cart": map[string]any{"id": "cart_1"}}}
		case "CartAvailableTimeSlots":
			data = map[string]any{"cartAvailableTimeSlots": []map[string]any{
				{"startAt": "2026-03-10T09:00:00Z", "endAt": "2026-03-10T10:00:00Z"},
				{"startAt": "2026-03-10T13:00:00Z", "endAt": "2026-03-10T14:00:00Z"},
				{"startAt": "garbage", "endAt": "2026-03-10T14:00:00Z"},
			}}
		case "CartReserveTimeSlot":
			data = map[string]any{"cartReserveTimeSlot": map[string]any{"cart": map[string]any{"id": "cart_1"}}}
		case "CartSetClient":
			data = map[string]any{"cartSetClient": map[string]any{"cart": map[string]any{"id": "cart_1"}}}
		case "CartCheckout":
			data = map[string]any{"cartCheckout": map[string]any{"booking": map[string]any{"id": "appt_1", "status": "confirmed"}}}
		case "CancelAppointment":
			data = map[string]any{"cancelAppointment": map[string]any{"appointment": map[string]any{"id": "appt_1"}}}
		default:
			http.Error(w, "unknown op", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (f *fakeBoulevard) variable(op, name string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[op][name]
}

func newTestClient(t *testing.T, f *fakeBoulevard) *BoulevardClient {
	c := NewBoulevardClient("key", nil)
	c.endpoint = f.server(t).URL
	return c
}

func boulevardPolicy() *policy.Policy {
	p := policy.DefaultPolicy("biz-1")
	p.Timezone = "UTC"
	p.CalendarKind = "boulevard"
	p.CalendarID = "blvd-biz"
	return p
}

func TestGetAvailableSlotsSkipsUnparseable(t *testing.T) {
	f := &fakeBoulevard{}
	c := newTestClient(t, f)

	slots, err := c.GetAvailableSlots(context.Background(), "blvd-biz", "svc_1", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetAvailableSlots error: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if got := f.variable("CartAvailableTimeSlots", "date"); got != "2026-03-10" {
		t.Fatalf("unexpected date variable: %v", got)
	}
}

func TestHoldThenCheckout(t *testing.T) {
	f := &fakeBoulevard{}
	c := newTestClient(t, f)
	ctx := context.Background()

	cartID, err := c.HoldSlot(ctx, "blvd-biz", HoldRequest{
		ServiceID: "svc_1",
		StartAt:   time.Date(2026, 2, 21, 15, 0, 0, 0, time.UTC),
		Client:    Client{FirstName: "Jane", LastName: "Doe", Phone: "+15555550123"},
	})
	if err != nil {
		t.Fatalf("HoldSlot error: %v", err)
	}
	if cartID != "cart_1" {
		t.Fatalf("unexpected cart id %q", cartID)
	}

	res, err := c.Checkout(ctx, "blvd-biz", cartID, "notes")
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}
	if res.BookingID != "appt_1" || res.CartID != "cart_1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := []string{"CreateCart", "CartAddService", "CartReserveTimeSlot", "CartSetClient", "CartCheckout"}
	if strings.Join(f.ops, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected ops: %v", f.ops)
	}
	for _, b := range f.business {
		if b != "blvd-biz" {
			t.Fatalf("expected business header on every call, got %q", b)
		}
	}
}

func TestGraphQLErrorSurfaces(t *testing.T) {
	f := &fakeBoulevard{failOp: "CartReserveTimeSlot"}
	c := newTestClient(t, f)

	_, err := c.HoldSlot(context.Background(), "blvd-biz", HoldRequest{ServiceID: "svc_1", StartAt: time.Now()})
	if err == nil || !strings.Contains(err.Error(), "slot unavailable") {
		t.Fatalf("expected graphql error, got %v", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	c := NewBoulevardClient("", nil)
	if _, err := c.GetAvailableSlots(context.Background(), "biz", "svc", time.Now()); err == nil {
		t.Fatal("expected missing api key error")
	}
	c = NewBoulevardClient("key", nil)
	if err := c.CancelAppointment(context.Background(), " ", "appt", ""); err == nil {
		t.Fatal("expected missing business id error")
	}
}

func TestAdapterOpenSlotsFiltersWindow(t *testing.T) {
	f := &fakeBoulevard{}
	a := NewBoulevardAdapter(newTestClient(t, f), "svc_default", nil)
	p := boulevardPolicy()

	w := calendar.Window{Start: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)}
	slots, err := a.OpenSlots(context.Background(), p, w, 90*time.Minute)
	if err != nil {
		t.Fatalf("OpenSlots error: %v", err)
	}
	if len(slots) != 1 || slots[0].Start.Hour() != 13 {
		t.Fatalf("expected only the 13:00 slot, got %+v", slots)
	}
	if slots[0].End.Sub(slots[0].Start) != 90*time.Minute {
		t.Fatalf("slot end should follow requested duration: %+v", slots[0])
	}
	if got := f.variable("CartAddService", "serviceId"); got != "svc_default" {
		t.Fatalf("expected default service id, got %v", got)
	}
}

func TestAdapterReserveConfirmCancel(t *testing.T) {
	f := &fakeBoulevard{}
	a := NewBoulevardAdapter(newTestClient(t, f), "", nil)
	p := boulevardPolicy()
	p.CalendarServiceID = "svc_policy"
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)

	res, err := a.Reserve(ctx, p, calendar.ReserveRequest{
		BusinessID:   "biz-1",
		BookingID:    "bk-1",
		Start:        start,
		End:          start.Add(time.Hour),
		CustomerName: "Cher",
		Address:      "1 Main St",
		Emergency:    true,
	})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if res.Ref != "cart_1" || res.Kind != calendar.KindBoulevard {
		t.Fatalf("unexpected reservation: %+v", res)
	}
	if got := f.variable("CartSetClient", "lastName"); got != "Unknown" {
		t.Fatalf("single names get a placeholder last name, got %v", got)
	}

	ref, err := a.Confirm(ctx, p, res)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if ref != "appt_1" {
		t.Fatalf("unexpected external ref %q", ref)
	}
	if notes, _ := f.variable("CartCheckout", "notes").(string); !strings.HasPrefix(notes, "EMERGENCY") {
		t.Fatalf("expected emergency marker in checkout notes, got %q", notes)
	}

	if err := a.Cancel(ctx, p, ref); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if err := a.Cancel(ctx, p, ""); !errors.Is(err, calendar.ErrNoRemoteRecord) {
		t.Fatalf("expected ErrNoRemoteRecord, got %v", err)
	}
}

func TestAdapterWithoutServiceID(t *testing.T) {
	a := NewBoulevardAdapter(NewBoulevardClient("key", nil), "", nil)
	_, err := a.OpenSlots(context.Background(), boulevardPolicy(), calendar.Window{}, time.Hour)
	if !errors.Is(err, calendar.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSplitName(t *testing.T) {
	first, last := splitName("  Mary Ann Smith ")
	if first != "Mary" || last != "Ann Smith" {
		t.Fatalf("unexpected split: %q %q", first, last)
	}
}
