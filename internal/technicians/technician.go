// Package technicians holds the roster model shared by availability,
// assignment and immediate dispatch.
package technicians

import (
	"sort"
	"time"
)

// Technician is a field worker who can be assigned bookings.
type Technician struct {
	ID            string     `json:"id"`
	BusinessID    string     `json:"business_id"`
	Name          string     `json:"name"`
	Phone         string     `json:"phone,omitempty"`
	Email         string     `json:"email,omitempty"`
	HomeAddress   string     `json:"home_address,omitempty"`
	Active        bool       `json:"active"`
	OnCall        bool       `json:"on_call"`
	EmergencyOnly bool       `json:"emergency_only"`
	Priority      int        `json:"priority"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Schedulable reports whether the technician can take any work at all.
func (t Technician) Schedulable() bool {
	return t.Active && t.DeletedAt == nil
}

// EligibleFor reports whether the technician may be offered a job of the
// given urgency. Emergency-only technicians never take routine work.
func (t Technician) EligibleFor(emergency bool) bool {
	if !t.Schedulable() {
		return false
	}
	if t.EmergencyOnly && !emergency {
		return false
	}
	return true
}

// Less orders technicians by priority descending, then id ascending.
func Less(a, b Technician) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// RankByPriority sorts in place using Less.
func RankByPriority(techs []Technician) {
	sort.SliceStable(techs, func(i, j int) bool { return Less(techs[i], techs[j]) })
}

// Eligible returns the subset of techs that can take a job of the given urgency.
func Eligible(techs []Technician, emergency bool) []Technician {
	out := make([]Technician, 0, len(techs))
	for _, t := range techs {
		if t.EligibleFor(emergency) {
			out = append(out, t)
		}
	}
	return out
}

// OnCall returns the schedulable technicians flagged on call, ranked by priority.
func OnCall(techs []Technician) []Technician {
	var out []Technician
	for _, t := range techs {
		if t.Schedulable() && t.OnCall {
			out = append(out, t)
		}
	}
	RankByPriority(out)
	return out
}

// IDs extracts technician ids preserving order.
func IDs(techs []Technician) []string {
	ids := make([]string, len(techs))
	for i, t := range techs {
		ids[i] = t.ID
	}
	return ids
}
