package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/proximity"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
)

const biz = "biz-1"

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func setup(techs ...technicians.Technician) (*bookings.MemoryStore, *Assigner) {
	store := bookings.NewMemoryStore()
	for _, t := range techs {
		t.BusinessID = biz
		t.Active = true
		store.PutTechnician(t)
	}
	p := policy.DefaultPolicy(biz)
	p.Timezone = "UTC"
	return store, NewAssigner(store, policy.NewStaticSource(p), nil, nil)
}

func confirmed(id string, start time.Time) Request {
	return Request{
		Booking: bookings.Booking{
			ID:            id,
			BusinessID:    biz,
			CustomerName:  "Customer " + id,
			CustomerPhone: "+1555000" + id,
			SlotStart:     start,
			SourceTag:     bookings.SourceVoice,
		},
		Duration: time.Hour,
	}
}

func TestTravelBufferScenario(t *testing.T) {
	store, a := setup(technicians.Technician{ID: "tech-a"})
	end := at(10, 0)
	store.PutBooking(bookings.Booking{ID: "existing", BusinessID: biz, SlotStart: at(9, 0), SlotEnd: &end, Status: bookings.StatusBooked, TechnicianID: "tech-a"})

	res, err := a.Commit(context.Background(), confirmed("1015", at(10, 15)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnassigned, res.Outcome, "10:15 is inside the 30 minute travel buffer")
	assert.Empty(t, res.Booking.TechnicianID)
	assert.Equal(t, bookings.ReasonAllBusy, res.Booking.UnassignedReason)
	assert.Equal(t, bookings.StatusPending, res.Booking.Status)

	res, err = a.Commit(context.Background(), confirmed("1030", at(10, 30)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	assert.Equal(t, "tech-a", res.Booking.TechnicianID)
	require.NotNil(t, res.Booking.SlotEnd)
	assert.Equal(t, at(11, 30), *res.Booking.SlotEnd)
}

func TestConcurrentConfirmationsSingleTechnician(t *testing.T) {
	store, a := setup(technicians.Technician{ID: "tech-a"})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Commit(context.Background(), confirmed(fmt.Sprintf("c%d", i), at(13, 0)))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	outcomes := []string{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []string{OutcomeAssigned, OutcomeUnassigned}, outcomes)
	for _, r := range results {
		if r.Outcome == OutcomeUnassigned {
			assert.Equal(t, bookings.ReasonAllBusy, r.Booking.UnassignedReason)
		} else {
			assert.Equal(t, "tech-a", r.Booking.TechnicianID)
		}
	}
	assert.Len(t, store.All(biz), 2, "both bookings are visible")
}

func TestConcurrentConfirmationsSpreadAcrossTechnicians(t *testing.T) {
	store, a := setup(
		technicians.Technician{ID: "tech-a", Priority: 2},
		technicians.Technician{ID: "tech-b", Priority: 1},
	)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := a.Commit(context.Background(), confirmed(fmt.Sprintf("c%d", i), at(13, 0)))
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assigned := []string{results[0].Booking.TechnicianID, results[1].Booking.TechnicianID}
	assert.ElementsMatch(t, []string{"tech-a", "tech-b"}, assigned)
	assert.Len(t, store.All(biz), 2)
}

func TestNoDoubleBookingUnderLoad(t *testing.T) {
	store, a := setup(
		technicians.Technician{ID: "tech-a"},
		technicians.Technician{ID: "tech-b"},
		technicians.Technician{ID: "tech-c"},
	)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(8, 0).Add(time.Duration(i%6) * 45 * time.Minute)
			_, err := a.Commit(context.Background(), confirmed(fmt.Sprintf("load-%02d", i), start))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all := store.All(biz)
	require.Len(t, all, 24)
	buffer := 30 * time.Minute
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			x, y := all[i], all[j]
			if !x.Assigned() || x.TechnicianID != y.TechnicianID {
				continue
			}
			// Each job window stays clear of the other's job plus travel buffer.
			xs := x.Span(time.Hour, buffer)
			ys := y.Span(time.Hour, buffer)
			assert.False(t, xs.Overlaps(y.SlotStart, *y.SlotEnd), "%s and %s overlap for %s", x.ID, y.ID, x.TechnicianID)
			assert.False(t, ys.Overlaps(x.SlotStart, *x.SlotEnd), "%s and %s overlap for %s", y.ID, x.ID, x.TechnicianID)
		}
	}
}

func TestConcurrentIdempotentCommits(t *testing.T) {
	store, a := setup(technicians.Technician{ID: "tech-a"}, technicians.Technician{ID: "tech-b"})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := confirmed(fmt.Sprintf("idem-%d", i), at(14, 0))
			req.Booking.IdempotencyKey = "call-123"
			r, err := a.Commit(context.Background(), req)
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.Len(t, store.All(biz), 1, "at most one committed booking per idempotency key")
	assert.Equal(t, results[0].Booking.ID, results[1].Booking.ID)
	assert.ElementsMatch(t, []string{OutcomeAssigned, OutcomeReplayed}, []string{results[0].Outcome, results[1].Outcome})
}

func TestLoadBalancePrefersLighterDay(t *testing.T) {
	store, a := setup(technicians.Technician{ID: "tech-a"}, technicians.Technician{ID: "tech-b"})
	for i, h := range []int{8, 10} {
		end := at(h, 30)
		store.PutBooking(bookings.Booking{ID: fmt.Sprintf("a-%d", i), BusinessID: biz, SlotStart: at(h, 0), SlotEnd: &end, Status: bookings.StatusBooked, TechnicianID: "tech-a"})
	}

	res, err := a.Commit(context.Background(), confirmed("new", at(14, 0)))
	require.NoError(t, err)
	assert.Equal(t, "tech-b", res.Booking.TechnicianID)
	require.Len(t, res.Considered, 2)
	assert.Equal(t, 6, res.Considered[1].Load)
}

type mapGeocoder map[string]proximity.Coordinates

func (m mapGeocoder) Geocode(_ context.Context, address string) (proximity.Coordinates, error) {
	if c, ok := m[address]; ok {
		return c, nil
	}
	return proximity.Coordinates{}, proximity.ErrNoResult
}

func TestProximityBonusCanOutweighPriority(t *testing.T) {
	store, _ := setup(
		technicians.Technician{ID: "tech-near", Priority: 1, HomeAddress: "near"},
		technicians.Technician{ID: "tech-far", Priority: 2, HomeAddress: "far"},
	)
	p := policy.DefaultPolicy(biz)
	p.Timezone = "UTC"
	geo := mapGeocoder{
		"customer": {Lat: 40.0, Lng: -75.0},
		"near":     {Lat: 40.01, Lng: -75.0},
		"far":      {Lat: 41.0, Lng: -75.0},
	}
	a := NewAssigner(store, policy.NewStaticSource(p), proximity.NewScorer(geo, nil, nil), nil)

	req := confirmed("prox", at(9, 0))
	req.Booking.ServiceAddress = "customer"
	res, err := a.Commit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tech-near", res.Booking.TechnicianID)
	assert.Equal(t, 10+10+20, res.Chosen.Score)
}

func TestRequireAssignmentWritesNothing(t *testing.T) {
	store, a := setup(technicians.Technician{ID: "tech-a", OnCall: true}, technicians.Technician{ID: "tech-b"})
	end := at(13, 0)
	store.PutBooking(bookings.Booking{ID: "busy", BusinessID: biz, SlotStart: at(12, 0), SlotEnd: &end, Status: bookings.StatusBooked, TechnicianID: "tech-a"})

	req := confirmed("urgent", at(12, 30))
	req.Allowed = []string{"tech-a"}
	req.RequireAssignment = true
	req.Status = bookings.StatusEnRoute
	_, err := a.Commit(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoneFree)
	assert.Len(t, store.All(biz), 1)

	req.Booking.SlotStart = at(14, 0)
	res, err := a.Commit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tech-a", res.Booking.TechnicianID)
	assert.Equal(t, bookings.StatusEnRoute, res.Booking.Status)
}

func TestRescheduleIgnoresOwnSlot(t *testing.T) {
	store, a := setup(technicians.Technician{ID: "tech-a"})
	end := at(10, 0)
	original := bookings.Booking{ID: "bk-1", BusinessID: biz, CustomerPhone: "+15550001", SlotStart: at(9, 0), SlotEnd: &end, Status: bookings.StatusBooked, TechnicianID: "tech-a"}
	store.PutBooking(original)

	moved := original
	moved.SlotStart = at(9, 30)
	res, err := a.Commit(context.Background(), Request{Booking: moved, Duration: time.Hour, Reschedule: true})
	require.NoError(t, err)
	assert.Equal(t, "tech-a", res.Booking.TechnicianID)

	all := store.All(biz)
	require.Len(t, all, 1)
	assert.Equal(t, at(9, 30), all[0].SlotStart)
}

func TestCommitValidation(t *testing.T) {
	_, a := setup()
	_, err := a.Commit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := confirmed("", at(9, 0))
	req.Reschedule = true
	_, err = a.Commit(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCommitHonorsContext(t *testing.T) {
	_, a := setup(technicians.Technician{ID: "tech-a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Commit(ctx, confirmed("x", at(9, 0)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCommitGeneratesID(t *testing.T) {
	_, a := setup(technicians.Technician{ID: "tech-a"})
	res, err := a.Commit(context.Background(), confirmed("", at(9, 0)))
	require.NoError(t, err)
	assert.Len(t, res.Booking.ID, 36)
}

func TestLateNightJobSeesNextMorningBookings(t *testing.T) {
	store, a := setup(technicians.Technician{ID: "tech-a"}, technicians.Technician{ID: "tech-b"})
	early := time.Date(2026, 3, 11, 0, 15, 0, 0, time.UTC)
	earlyEnd := early.Add(time.Hour)
	store.PutBooking(bookings.Booking{ID: "overnight", BusinessID: biz, SlotStart: early, SlotEnd: &earlyEnd, Status: bookings.StatusBooked, TechnicianID: "tech-a"})

	req := confirmed("2330", at(23, 30))
	req.RequireAssignment = true
	req.Allowed = []string{"tech-a"}

	_, err := a.Commit(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoneFree, "23:30-00:30 collides with tech-a's 00:15 job")

	req.Allowed = nil
	res, err := a.Commit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tech-b", res.Booking.TechnicianID)
}

func TestLookupWindowExtendsPastMidnight(t *testing.T) {
	p := policy.DefaultPolicy(biz)
	p.Timezone = "UTC"

	from, to := lookupWindow(p, at(23, 30), at(23, 30).Add(90*time.Minute))
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC), to)

	_, to = lookupWindow(p, at(9, 0), at(10, 0))
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), to, "same-day jobs still load the whole day")
}

func TestCommitChosenMatchesSelect(t *testing.T) {
	_, a := setup(
		technicians.Technician{ID: "tech-b", Priority: 1},
		technicians.Technician{ID: "tech-a", Priority: 1},
		technicians.Technician{ID: "tech-c", Priority: 2},
	)

	res, err := a.Commit(context.Background(), confirmed("sel", at(11, 0)))
	require.NoError(t, err)
	require.NotNil(t, res.Chosen)
	require.Len(t, res.Considered, 3)

	want, ok := Select(res.Considered)
	require.True(t, ok)
	assert.Equal(t, want.Technician.ID, res.Chosen.Technician.ID)
	assert.Equal(t, "tech-c", res.Booking.TechnicianID)
	assert.Equal(t, res.Chosen.Technician.ID, res.Considered[0].Technician.ID, "considered is best first")
}
