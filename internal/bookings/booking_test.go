package bookings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusBooked))
	assert.True(t, CanTransition(StatusBooked, StatusEnRoute))
	assert.True(t, CanTransition(StatusEnRoute, StatusCompleted))
	assert.True(t, CanTransition(StatusFailed, StatusCanceled))
	assert.False(t, CanTransition(StatusCompleted, StatusCanceled))
	assert.False(t, CanTransition(StatusCanceled, StatusBooked))
	assert.False(t, CanTransition(StatusEnRoute, StatusPending))
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" En_Route ")
	assert.True(t, ok)
	assert.Equal(t, StatusEnRoute, st)

	_, ok = ParseStatus("archived")
	assert.False(t, ok)
}

func TestBlocking(t *testing.T) {
	now := time.Now()
	assert.True(t, Booking{Status: StatusPending}.Blocking())
	assert.True(t, Booking{Status: StatusEnRoute}.Blocking())
	assert.False(t, Booking{Status: StatusCanceled}.Blocking())
	assert.False(t, Booking{Status: StatusFailed}.Blocking())
	assert.False(t, Booking{Status: StatusBooked, DeletedAt: &now}.Blocking())
}

func TestIndexByTechnicianSkipsNonBlockingAndExcluded(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	end := base.Add(time.Hour)
	list := []Booking{
		{ID: "b1", TechnicianID: "t1", Status: StatusBooked, SlotStart: base, SlotEnd: &end},
		{ID: "b2", TechnicianID: "t1", Status: StatusCanceled, SlotStart: base.Add(3 * time.Hour)},
		{ID: "b3", TechnicianID: "", Status: StatusPending, SlotStart: base},
		{ID: "b4", TechnicianID: "t2", Status: StatusBooked, SlotStart: base},
	}

	idx := IndexByTechnician(list, 0, 30*time.Minute, "b4")
	assert.Len(t, idx, 1)
	assert.False(t, idx["t1"].Free(base.Add(75*time.Minute), base.Add(2*time.Hour)))
	assert.True(t, idx["t1"].Free(base.Add(90*time.Minute), base.Add(2*time.Hour)))
	assert.True(t, idx["t1"].Free(base.Add(3*time.Hour), base.Add(4*time.Hour)), "canceled booking frees its slot")
	assert.Nil(t, idx["t2"], "excluded booking contributes nothing")
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+15551234567", NormalizePhone(" +1 (555) 123-4567 "))
	assert.Equal(t, "5551234567", NormalizePhone("555.123.4567"))
}
