package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
)

const biz = "biz-1"

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func booking(id string, start time.Time, status bookings.Status) bookings.Booking {
	return bookings.Booking{ID: id, BusinessID: biz, CustomerPhone: "+1 (555) 010-2000", SlotStart: start, Status: status}
}

func TestClassify(t *testing.T) {
	tomorrow := now.Add(24 * time.Hour)

	assert.Equal(t, DecisionNew, Classify(nil, tomorrow).Decision)

	out := Classify([]bookings.Booking{booking("a", tomorrow, bookings.StatusBooked)}, tomorrow.Add(4*time.Minute))
	assert.Equal(t, DecisionConfirm, out.Decision)
	assert.Equal(t, "a", out.Existing.ID)

	out = Classify([]bookings.Booking{booking("a", tomorrow, bookings.StatusBooked)}, tomorrow.Add(5*time.Minute))
	assert.Equal(t, DecisionConfirm, out.Decision, "five minutes is still the same appointment")

	out = Classify([]bookings.Booking{booking("a", tomorrow, bookings.StatusPending)}, tomorrow.Add(2*time.Hour))
	assert.Equal(t, DecisionReschedule, out.Decision)

	out = Classify([]bookings.Booking{
		booking("far", tomorrow.Add(48*time.Hour), bookings.StatusBooked),
		booking("near", tomorrow, bookings.StatusBooked),
	}, tomorrow.Add(time.Hour))
	assert.Equal(t, "near", out.Existing.ID, "the nearest appointment is the one being moved")

	out = Classify([]bookings.Booking{booking("x", tomorrow, bookings.StatusCanceled)}, tomorrow)
	assert.Equal(t, DecisionNew, out.Decision)
}

func TestGuardReplayWinsOverPhone(t *testing.T) {
	store := bookings.NewMemoryStore()
	b := booking("bk-1", now.Add(3*time.Hour), bookings.StatusBooked)
	b.IdempotencyKey = "call-9"
	store.PutBooking(b)

	g := NewGuard(store, nil).WithClock(func() time.Time { return now })
	out, err := g.Check(context.Background(), Request{BusinessID: biz, IdempotencyKey: "call-9", CustomerPhone: "+15550102000", RequestedStart: now.Add(30 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, DecisionReplay, out.Decision)
	assert.Equal(t, "bk-1", out.Existing.ID)
}

func TestGuardPhoneMatch(t *testing.T) {
	store := bookings.NewMemoryStore()
	store.PutBooking(booking("bk-1", now.Add(26*time.Hour), bookings.StatusBooked))
	store.PutBooking(booking("old", now.Add(-26*time.Hour), bookings.StatusBooked))
	store.PutBooking(booking("later", now.Add(8*24*time.Hour), bookings.StatusBooked))

	g := NewGuard(store, nil).WithClock(func() time.Time { return now })

	out, err := g.Check(context.Background(), Request{BusinessID: biz, IdempotencyKey: "unknown", CustomerPhone: "555-010-2000", RequestedStart: now.Add(26 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, DecisionNew, out.Decision, "a number without its country code is a different customer")

	out, err = g.Check(context.Background(), Request{BusinessID: biz, CustomerPhone: "+1 555 010 2000", RequestedStart: now.Add(26*time.Hour + 3*time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, DecisionConfirm, out.Decision)
	assert.Equal(t, "bk-1", out.Existing.ID)

	out, err = g.Check(context.Background(), Request{BusinessID: biz, CustomerPhone: "+15550102000", RequestedStart: now.Add(50 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, DecisionReschedule, out.Decision)
	assert.Equal(t, "bk-1", out.Existing.ID, "bookings outside the 7 day window are ignored")
}

func TestGuardNoPhone(t *testing.T) {
	g := NewGuard(bookings.NewMemoryStore(), nil)
	out, err := g.Check(context.Background(), Request{BusinessID: biz})
	require.NoError(t, err)
	assert.Equal(t, DecisionNew, out.Decision)
}

type brokenStore struct{}

func (brokenStore) BookingByIdempotencyKey(context.Context, string, string) (*bookings.Booking, error) {
	return nil, errors.New("connection reset")
}

func (brokenStore) UpcomingByPhone(context.Context, string, string, time.Time, time.Time) ([]bookings.Booking, error) {
	return nil, errors.New("connection reset")
}

func TestGuardPropagatesStoreErrors(t *testing.T) {
	g := NewGuard(brokenStore{}, nil)
	_, err := g.Check(context.Background(), Request{BusinessID: biz, IdempotencyKey: "k"})
	assert.ErrorContains(t, err, "idempotency lookup")
	_, err = g.Check(context.Background(), Request{BusinessID: biz, CustomerPhone: "+1555"})
	assert.ErrorContains(t, err, "phone lookup")
}
