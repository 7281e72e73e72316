package proximity

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
)

type fakeGeocoder struct {
	points map[string]Coordinates
	calls  int
}

func (f *fakeGeocoder) Geocode(_ context.Context, address string) (Coordinates, error) {
	f.calls++
	if c, ok := f.points[address]; ok {
		return c, nil
	}
	return Coordinates{}, ErrNoResult
}

type fakeRouter struct {
	err   error
	calls int
}

func (f *fakeRouter) DriveTime(_ context.Context, from, to Coordinates) (time.Duration, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	// One minute per hundredth of a degree of latitude keeps results predictable.
	d := math.Round(math.Abs(to.Lat-from.Lat) * 100)
	return time.Duration(d) * time.Minute, nil
}

var params = OriginParams{
	DefaultDuration:    90 * time.Minute,
	CleanupBuffer:      20 * time.Minute,
	FirstJobCutoffHour: 11,
	Location:           time.UTC,
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func TestHaversine(t *testing.T) {
	nyc := Coordinates{Lat: 40.7128, Lng: -74.0060}
	philly := Coordinates{Lat: 39.9526, Lng: -75.1652}
	assert.InDelta(t, 129.6, Haversine(nyc, philly), 1.0)
	assert.Zero(t, Haversine(nyc, nyc))
}

func TestEstimateDrive(t *testing.T) {
	assert.Equal(t, 30*time.Minute, EstimateDrive(20, 40))
	assert.Equal(t, time.Hour, EstimateDrive(40, 0), "non-positive speed uses the default")
}

func TestExpectedOrigin(t *testing.T) {
	tech := technicians.Technician{ID: "t1", HomeAddress: "home"}
	end := at(10, 0)
	job := bookings.Booking{ID: "b1", TechnicianID: "t1", Status: bookings.StatusBooked, SlotStart: at(9, 0), SlotEnd: &end, ServiceAddress: "job-site"}

	assert.Equal(t, Origin{Address: "job-site", Source: OriginPriorJob},
		ExpectedOrigin(tech, []bookings.Booking{job}, at(10, 20), params), "ended exactly cleanup buffer earlier")

	assert.Equal(t, Origin{Address: "home", Source: OriginHome},
		ExpectedOrigin(tech, []bookings.Booking{job}, at(10, 10), params), "still cleaning up, before cutoff")

	assert.Equal(t, Origin{Source: OriginUnknown},
		ExpectedOrigin(tech, nil, at(11, 0), params), "no prior job at or after cutoff")

	assert.Equal(t, Origin{Source: OriginUnknown},
		ExpectedOrigin(technicians.Technician{ID: "t1"}, nil, at(8, 0), params), "no home address on file")

	canceled := job
	canceled.Status = bookings.StatusCanceled
	assert.Equal(t, OriginHome, ExpectedOrigin(tech, []bookings.Booking{canceled}, at(10, 30), params).Source)

	earlier := bookings.Booking{ID: "b0", TechnicianID: "t1", Status: bookings.StatusBooked, SlotStart: at(7, 0), ServiceAddress: "first-site"}
	got := ExpectedOrigin(tech, []bookings.Booking{earlier, job}, at(13, 0), params)
	assert.Equal(t, "job-site", got.Address, "latest qualifying job wins")
}

func TestRankOrdersKnownThenUnknownDeterministically(t *testing.T) {
	geo := &fakeGeocoder{points: map[string]Coordinates{
		"customer": {Lat: 40.00, Lng: -75},
		"near":     {Lat: 40.05, Lng: -75},
		"far":      {Lat: 40.30, Lng: -75},
	}}
	router := &fakeRouter{}
	scorer := NewScorer(geo, router, nil)

	techs := []technicians.Technician{
		{ID: "t-unknown-low", Priority: 1},
		{ID: "t-far", Priority: 9, HomeAddress: "far"},
		{ID: "t-near", Priority: 1, HomeAddress: "near"},
		{ID: "t-unknown-high", Priority: 5},
		{ID: "t-bad-address", Priority: 7, HomeAddress: "nowhere"},
	}

	got := scorer.NewSession().Rank(context.Background(), techs, nil, at(9, 0), "customer", params)
	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.Technician.ID
	}
	assert.Equal(t, []string{"t-near", "t-far", "t-bad-address", "t-unknown-high", "t-unknown-low"}, ids)
	assert.True(t, got[0].Known)
	assert.Equal(t, 5*time.Minute, got[0].DriveTime)
	assert.InDelta(t, 5.56, got[0].DistanceKm, 0.1)
	assert.False(t, got[2].Known)
}

func TestRankFallsBackToStraightLineWhenRoutingFails(t *testing.T) {
	geo := &fakeGeocoder{points: map[string]Coordinates{
		"customer": {Lat: 40.00, Lng: -75},
		"home":     {Lat: 40.18, Lng: -75},
	}}
	scorer := NewScorer(geo, &fakeRouter{err: errors.New("quota")}, nil).WithFallbackSpeed(40)

	got := scorer.NewSession().Rank(context.Background(),
		[]technicians.Technician{{ID: "t1", HomeAddress: "home"}}, nil, at(8, 0), "customer", params)
	require.Len(t, got, 1)
	assert.True(t, got[0].Known)
	assert.Equal(t, EstimateDrive(got[0].DistanceKm, 40), got[0].DriveTime)
}

func TestRankWithoutCustomerAddressUsesPriority(t *testing.T) {
	scorer := NewScorer(&fakeGeocoder{}, nil, nil)
	got := scorer.NewSession().Rank(context.Background(), []technicians.Technician{
		{ID: "b", Priority: 1}, {ID: "a", Priority: 1}, {ID: "c", Priority: 3},
	}, nil, at(9, 0), "", params)
	assert.Equal(t, "c", got[0].Technician.ID)
	assert.Equal(t, "a", got[1].Technician.ID)
	assert.Equal(t, "b", got[2].Technician.ID)
}

func TestSessionCachesGeocodes(t *testing.T) {
	geo := &fakeGeocoder{points: map[string]Coordinates{
		"customer": {Lat: 40, Lng: -75},
		"home":     {Lat: 40.1, Lng: -75},
	}}
	router := &fakeRouter{}
	sess := NewScorer(geo, router, nil).NewSession()
	techs := []technicians.Technician{{ID: "t1", HomeAddress: "home"}, {ID: "t2", HomeAddress: "Home "}}

	sess.Rank(context.Background(), techs, nil, at(8, 0), "customer", params)
	sess.Rank(context.Background(), techs, nil, at(8, 30), "customer", params)

	assert.Equal(t, 2, geo.calls, "customer and home geocoded once each")
	assert.Equal(t, 1, router.calls, "identical legs are routed once")
}
