package proximity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/technicians"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// OriginSource describes how a technician's starting point was derived.
type OriginSource string

const (
	OriginPriorJob OriginSource = "prior_job"
	OriginHome     OriginSource = "home"
	OriginUnknown  OriginSource = "unknown"
)

// Origin is where a technician is expected to be at slot start.
type Origin struct {
	Address string
	Source  OriginSource
}

// OriginParams are the policy inputs of the origin rule.
type OriginParams struct {
	DefaultDuration    time.Duration
	CleanupBuffer      time.Duration
	FirstJobCutoffHour int
	Location           *time.Location
}

// OriginParamsFrom extracts the origin rule parameters from a policy.
func OriginParamsFrom(p *policy.Policy) OriginParams {
	return OriginParams{
		DefaultDuration:    p.DefaultDuration(),
		CleanupBuffer:      p.CleanupBuffer(),
		FirstJobCutoffHour: p.FirstJobCutoffHour,
		Location:           p.Location(),
	}
}

// ExpectedOrigin applies the origin rule: the service address of the latest
// same-day job that finished at least CleanupBuffer before slotStart; else
// home when the slot starts before the first-job cutoff; else unknown.
func ExpectedOrigin(tech technicians.Technician, jobs []bookings.Booking, slotStart time.Time, params OriginParams) Origin {
	loc := params.Location
	if loc == nil {
		loc = time.UTC
	}
	local := slotStart.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var (
		latest    *bookings.Booking
		latestEnd time.Time
	)
	for i := range jobs {
		b := jobs[i]
		if !b.Blocking() || b.TechnicianID != tech.ID {
			continue
		}
		end := b.End(params.DefaultDuration)
		if end.Add(params.CleanupBuffer).After(slotStart) || end.Before(dayStart) {
			continue
		}
		if latest == nil || end.After(latestEnd) {
			latest = &jobs[i]
			latestEnd = end
		}
	}
	if latest != nil {
		if strings.TrimSpace(latest.ServiceAddress) == "" {
			return Origin{Source: OriginUnknown}
		}
		return Origin{Address: latest.ServiceAddress, Source: OriginPriorJob}
	}
	if local.Hour() < params.FirstJobCutoffHour && strings.TrimSpace(tech.HomeAddress) != "" {
		return Origin{Address: tech.HomeAddress, Source: OriginHome}
	}
	return Origin{Source: OriginUnknown}
}

// Candidate is a technician annotated with proximity to the customer.
type Candidate struct {
	Technician technicians.Technician
	Origin     Origin
	DriveTime  time.Duration
	DistanceKm float64
	// Known is false when either end of the trip could not be located.
	Known bool
}

// SortCandidates orders known drive times ascending, unknown after, ties by
// priority descending then id ascending.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.Known != b.Known {
			return a.Known
		}
		if a.Known && a.DriveTime != b.DriveTime {
			return a.DriveTime < b.DriveTime
		}
		return technicians.Less(a.Technician, b.Technician)
	})
}

// Scorer resolves origins and drive times. Collaborator failures degrade to
// unknown proximity rather than errors.
type Scorer struct {
	geocoder Geocoder
	router   Router
	speedKmh float64
	timeout  time.Duration
	logger   *logging.Logger
}

// NewScorer creates a scorer. geocoder and router may be nil.
func NewScorer(geocoder Geocoder, router Router, logger *logging.Logger) *Scorer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scorer{
		geocoder: geocoder,
		router:   router,
		speedKmh: DefaultSpeedKmh,
		timeout:  4 * time.Second,
		logger:   logger,
	}
}

func (s *Scorer) WithFallbackSpeed(kmh float64) *Scorer {
	if kmh > 0 {
		s.speedKmh = kmh
	}
	return s
}

func (s *Scorer) WithTimeout(d time.Duration) *Scorer {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Session caches geocodes and drive times for the lifetime of one request.
type Session struct {
	scorer   *Scorer
	mu       sync.Mutex
	geocodes map[string]geocodeResult
	drives   map[string]time.Duration
}

type geocodeResult struct {
	coords Coordinates
	ok     bool
}

// NewSession starts a per-request cache.
func (s *Scorer) NewSession() *Session {
	return &Session{
		scorer:   s,
		geocodes: make(map[string]geocodeResult),
		drives:   make(map[string]time.Duration),
	}
}

func (sess *Session) locate(ctx context.Context, address string) (Coordinates, bool) {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" || sess.scorer == nil || sess.scorer.geocoder == nil {
		return Coordinates{}, false
	}
	sess.mu.Lock()
	if r, ok := sess.geocodes[key]; ok {
		sess.mu.Unlock()
		return r.coords, r.ok
	}
	sess.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, sess.scorer.timeout)
	defer cancel()
	coords, err := sess.scorer.geocoder.Geocode(callCtx, address)
	result := geocodeResult{coords: coords, ok: err == nil}
	if err != nil {
		sess.scorer.logger.Warn("geocode failed; proximity unknown", "error", err)
	}

	sess.mu.Lock()
	sess.geocodes[key] = result
	sess.mu.Unlock()
	return result.coords, result.ok
}

func (sess *Session) drive(ctx context.Context, from, to Coordinates) time.Duration {
	key := fmt.Sprintf("%s|%s", formatLatLng(from), formatLatLng(to))
	sess.mu.Lock()
	if d, ok := sess.drives[key]; ok {
		sess.mu.Unlock()
		return d
	}
	sess.mu.Unlock()

	d := EstimateDrive(Haversine(from, to), sess.scorer.speedKmh)
	if sess.scorer.router != nil {
		callCtx, cancel := context.WithTimeout(ctx, sess.scorer.timeout)
		routed, err := sess.scorer.router.DriveTime(callCtx, from, to)
		cancel()
		if err == nil {
			d = routed
		} else {
			sess.scorer.logger.Warn("routing failed; using straight-line estimate", "error", err)
		}
	}

	sess.mu.Lock()
	sess.drives[key] = d
	sess.mu.Unlock()
	return d
}

// Rank annotates techs with their drive time to customerAddress for a job
// starting at slotStart and returns them in ranking order. jobs maps
// technician id to that technician's bookings around the slot.
func (sess *Session) Rank(ctx context.Context, techs []technicians.Technician, jobs map[string][]bookings.Booking, slotStart time.Time, customerAddress string, params OriginParams) []Candidate {
	out := make([]Candidate, len(techs))
	for i, t := range techs {
		out[i] = Candidate{Technician: t, Origin: Origin{Source: OriginUnknown}}
	}

	dest, ok := sess.locate(ctx, customerAddress)
	if !ok {
		SortCandidates(out)
		return out
	}

	for i := range out {
		origin := ExpectedOrigin(out[i].Technician, jobs[out[i].Technician.ID], slotStart, params)
		out[i].Origin = origin
		if origin.Source == OriginUnknown {
			continue
		}
		from, ok := sess.locate(ctx, origin.Address)
		if !ok {
			continue
		}
		out[i].Known = true
		out[i].DistanceKm = Haversine(from, dest)
		out[i].DriveTime = sess.drive(ctx, from, dest)
	}
	SortCandidates(out)
	return out
}
