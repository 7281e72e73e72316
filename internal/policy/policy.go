// Package policy provides per-business dispatch policy and its Redis store.
package policy

import (
	"strings"
	"time"
)

// DayHours represents the working hours for a single day.
// Nil means the business is closed that day.
type DayHours struct {
	Open  string `json:"open"`  // "08:00" in 24-hour format
	Close string `json:"close"` // "17:00" in 24-hour format
}

// BusinessHours maps day names to their hours.
type BusinessHours struct {
	Monday    *DayHours `json:"monday,omitempty"`
	Tuesday   *DayHours `json:"tuesday,omitempty"`
	Wednesday *DayHours `json:"wednesday,omitempty"`
	Thursday  *DayHours `json:"thursday,omitempty"`
	Friday    *DayHours `json:"friday,omitempty"`
	Saturday  *DayHours `json:"saturday,omitempty"`
	Sunday    *DayHours `json:"sunday,omitempty"`
}

// GetHoursForDay returns the hours for a given weekday.
func (b *BusinessHours) GetHoursForDay(weekday time.Weekday) *DayHours {
	switch weekday {
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	case time.Sunday:
		return b.Sunday
	}
	return nil
}

// HasAnyHours returns true if at least one day has hours configured.
func (b *BusinessHours) HasAnyHours() bool {
	return b.Monday != nil || b.Tuesday != nil || b.Wednesday != nil ||
		b.Thursday != nil || b.Friday != nil || b.Saturday != nil || b.Sunday != nil
}

// NotificationPrefs holds who hears about escalations for a business.
type NotificationPrefs struct {
	EmailRecipients []string `json:"email_recipients,omitempty"`
	SMSRecipient    string   `json:"sms_recipient,omitempty"`
	SMSRecipients   []string `json:"sms_recipients,omitempty"`
}

// GetSMSRecipients merges the single and list recipients, removing duplicates.
func (n *NotificationPrefs) GetSMSRecipients() []string {
	seen := make(map[string]struct{})
	var recipients []string
	add := func(r string) {
		if r == "" {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		recipients = append(recipients, r)
	}
	add(n.SMSRecipient)
	for _, r := range n.SMSRecipients {
		add(r)
	}
	return recipients
}

const (
	DefaultOpen                = "08:00"
	DefaultClose               = "17:00"
	DefaultTimezone            = "America/New_York"
	DefaultConfidenceThreshold = 0.6
	DefaultTravelBufferMinutes = 30
	DefaultDurationMinutes     = 90
	DefaultCleanupBufferMins   = 20
	DefaultFirstJobCutoffHour  = 11
	DefaultSameDayCutoffHour   = 14
	DefaultLateCutoffHour      = 16
	DefaultEmergencyLeadMins   = 30
	DefaultRoutineLeadMins     = 120
	DefaultMaxSlots            = 20
)

// Policy is the per-business configuration read by the dispatch engine.
type Policy struct {
	BusinessID    string        `json:"business_id"`
	Name          string        `json:"name,omitempty"`
	Timezone      string        `json:"timezone"`
	BusinessHours BusinessHours `json:"business_hours"`

	AllowWeekendBooking   bool `json:"allow_weekend_booking"`
	WeekendRequiresOnCall bool `json:"weekend_requires_on_call"`

	// Trade narrows triage phrase sets: plumbing, electrical, hvac, general.
	// Empty means all trades.
	Trade                   string   `json:"trade,omitempty"`
	EmergencyKeywords       []string `json:"emergency_keywords,omitempty"`
	LifeThreateningKeywords []string `json:"life_threatening_keywords,omitempty"`
	ConfidenceThreshold     float64  `json:"confidence_threshold"`

	TravelBufferMinutes    int `json:"travel_buffer_minutes"`
	DefaultDurationMinutes int `json:"default_duration_minutes"`
	CleanupBufferMinutes   int `json:"cleanup_buffer_minutes"`
	FirstJobCutoffHour     int `json:"first_job_cutoff_hour"`
	SameDayCutoffHour      int `json:"same_day_cutoff_hour"`
	LateCutoffHour         int `json:"late_cutoff_hour"`
	EmergencyLeadMinutes   int `json:"emergency_lead_minutes"`
	RoutineLeadMinutes     int `json:"routine_lead_minutes"`
	MaxSlots               int `json:"max_slots"`

	// CalendarKind selects the calendar provider: internal, boulevard, google.
	CalendarKind string `json:"calendar_kind,omitempty"`
	// CalendarID is the provider-side calendar or location identifier.
	CalendarID string `json:"calendar_id,omitempty"`
	// CalendarServiceID is the provider-side service booked for dispatch jobs (Boulevard).
	CalendarServiceID string `json:"calendar_service_id,omitempty"`
	// OnCallPhone overrides the technician's phone for immediate dispatch texts.
	OnCallPhone   string            `json:"on_call_phone,omitempty"`
	Notifications NotificationPrefs `json:"notifications"`

	// loc caches the zone resolved for locName by Normalize.
	loc     *time.Location
	locName string
}

// DefaultPolicy returns a policy with Monday-Friday 8-17 hours and the
// standard dispatch tunables.
func DefaultPolicy(businessID string) *Policy {
	weekday := &DayHours{Open: DefaultOpen, Close: DefaultClose}
	p := &Policy{
		BusinessID: businessID,
		Timezone:   DefaultTimezone,
		BusinessHours: BusinessHours{
			Monday:    weekday,
			Tuesday:   weekday,
			Wednesday: weekday,
			Thursday:  weekday,
			Friday:    weekday,
		},
		CalendarKind: "internal",
	}
	p.Normalize()
	return p
}

// Normalize fills zero-valued tunables with defaults so partially stored
// policies behave like complete ones.
func (p *Policy) Normalize() {
	if strings.TrimSpace(p.Timezone) == "" {
		p.Timezone = DefaultTimezone
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if p.TravelBufferMinutes <= 0 {
		p.TravelBufferMinutes = DefaultTravelBufferMinutes
	}
	if p.DefaultDurationMinutes <= 0 {
		p.DefaultDurationMinutes = DefaultDurationMinutes
	}
	if p.CleanupBufferMinutes <= 0 {
		p.CleanupBufferMinutes = DefaultCleanupBufferMins
	}
	if p.FirstJobCutoffHour <= 0 {
		p.FirstJobCutoffHour = DefaultFirstJobCutoffHour
	}
	if p.SameDayCutoffHour <= 0 {
		p.SameDayCutoffHour = DefaultSameDayCutoffHour
	}
	if p.LateCutoffHour <= 0 {
		p.LateCutoffHour = DefaultLateCutoffHour
	}
	if p.EmergencyLeadMinutes <= 0 {
		p.EmergencyLeadMinutes = DefaultEmergencyLeadMins
	}
	if p.RoutineLeadMinutes <= 0 {
		p.RoutineLeadMinutes = DefaultRoutineLeadMins
	}
	if p.MaxSlots <= 0 {
		p.MaxSlots = DefaultMaxSlots
	}
	if strings.TrimSpace(p.CalendarKind) == "" {
		p.CalendarKind = "internal"
	}
	p.loc, p.locName = loadLocation(p.Timezone), p.Timezone
}

// Location resolves the business timezone, falling back to UTC. The zone
// resolved by Normalize is reused while Timezone is unchanged; Location never
// writes the cache so a shared policy stays safe to read concurrently.
func (p *Policy) Location() *time.Location {
	if p.loc != nil && p.locName == p.Timezone {
		return p.loc
	}
	return loadLocation(p.Timezone)
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (p *Policy) TravelBuffer() time.Duration {
	return time.Duration(p.TravelBufferMinutes) * time.Minute
}

func (p *Policy) DefaultDuration() time.Duration {
	return time.Duration(p.DefaultDurationMinutes) * time.Minute
}

func (p *Policy) CleanupBuffer() time.Duration {
	return time.Duration(p.CleanupBufferMinutes) * time.Minute
}

// LeadTime is the minimum gap between now and a bookable slot.
func (p *Policy) LeadTime(emergency bool) time.Duration {
	if emergency {
		return time.Duration(p.EmergencyLeadMinutes) * time.Minute
	}
	return time.Duration(p.RoutineLeadMinutes) * time.Minute
}

// IsWeekend reports whether t falls on Saturday or Sunday in the business timezone.
func (p *Policy) IsWeekend(t time.Time) bool {
	wd := t.In(p.Location()).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// HoursFor returns the open and close instants for the local day containing t.
// Unconfigured businesses work 8-17 every day; weekend days without hours
// use the same default when weekend booking is allowed.
func (p *Policy) HoursFor(t time.Time) (openAt, closeAt time.Time, ok bool) {
	loc := p.Location()
	local := t.In(loc)

	hours := p.BusinessHours.GetHoursForDay(local.Weekday())
	if hours == nil {
		switch {
		case !p.BusinessHours.HasAnyHours():
			hours = &DayHours{Open: DefaultOpen, Close: DefaultClose}
		case p.AllowWeekendBooking && p.IsWeekend(t):
			hours = &DayHours{Open: DefaultOpen, Close: DefaultClose}
		default:
			return time.Time{}, time.Time{}, false
		}
	}

	openMin, err := parseClock(hours.Open)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	closeMin, err := parseClock(hours.Close)
	if err != nil || closeMin <= openMin {
		return time.Time{}, time.Time{}, false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(time.Duration(openMin) * time.Minute), midnight.Add(time.Duration(closeMin) * time.Minute), true
}

// OpenForBooking reports whether a day is bookable at all: it has hours and,
// for weekends, weekend booking is allowed.
func (p *Policy) OpenForBooking(t time.Time) bool {
	if p.IsWeekend(t) && !p.AllowWeekendBooking {
		return false
	}
	_, _, ok := p.HoursFor(t)
	return ok
}

// NextBusinessDay returns local midnight of the first bookable day after t.
// It gives up after two weeks and returns the following day.
func (p *Policy) NextBusinessDay(t time.Time) time.Time {
	loc := p.Location()
	local := t.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	for i := 1; i <= 14; i++ {
		candidate := day.AddDate(0, 0, i)
		if p.OpenForBooking(candidate.Add(12 * time.Hour)) {
			return candidate
		}
	}
	return day.AddDate(0, 0, 1)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
