// Package calendartest serves an in-memory Google Calendar for tests.
package calendartest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// GoogleServer keeps events per calendar and answers the list, insert,
// patch and delete calls the provider makes.
type GoogleServer struct {
	mu       sync.Mutex
	srv      *httptest.Server
	events   map[string][]*gcal.Event
	seq      int
	requests []string
}

// NewGoogleServer starts a server that is closed when the test ends.
func NewGoogleServer(t testing.TB) *GoogleServer {
	t.Helper()
	s := &GoogleServer{events: map[string][]*gcal.Event{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// Options points a calendar client at the server.
func (s *GoogleServer) Options() []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(s.srv.URL + "/"),
		option.WithHTTPClient(s.srv.Client()),
		option.WithoutAuthentication(),
	}
}

// AddEvent seeds an event written by someone other than the engine.
func (s *GoogleServer) AddEvent(calID string, ev *gcal.Event) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(calID, ev).Id
}

// Events returns copies of the events stored for calID.
func (s *GoogleServer) Events(calID string) []gcal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gcal.Event, 0, len(s.events[calID]))
	for _, ev := range s.events[calID] {
		out = append(out, *ev)
	}
	return out
}

// Requests lists "METHOD /path" for every call received.
func (s *GoogleServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *GoogleServer) insertLocked(calID string, ev *gcal.Event) *gcal.Event {
	s.seq++
	ev.Id = fmt.Sprintf("evt-%d", s.seq)
	if ev.Status == "" {
		ev.Status = "confirmed"
	}
	s.events[calID] = append(s.events[calID], ev)
	return ev
}

func (s *GoogleServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)

	// calendars/{calendarId}/events[/{eventId}]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "calendars" || parts[2] != "events" {
		http.Error(w, "unexpected path", http.StatusBadRequest)
		return
	}
	calID := parts[1]
	eventID := ""
	if len(parts) > 3 {
		eventID = parts[3]
	}

	switch {
	case r.Method == http.MethodGet && eventID == "":
		s.list(w, r, calID)
	case r.Method == http.MethodPost && eventID == "":
		var ev gcal.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, s.insertLocked(calID, &ev))
	case r.Method == http.MethodPatch && eventID != "":
		ev := s.findLocked(calID, eventID)
		if ev == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var patch gcal.Event
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if patch.Status != "" {
			ev.Status = patch.Status
		}
		if patch.Summary != "" {
			ev.Summary = patch.Summary
		}
		writeJSON(w, ev)
	case r.Method == http.MethodDelete && eventID != "":
		if !s.removeLocked(calID, eventID) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unexpected call", http.StatusBadRequest)
	}
}

func (s *GoogleServer) list(w http.ResponseWriter, r *http.Request, calID string) {
	q := r.URL.Query()
	from, _ := time.Parse(time.RFC3339, q.Get("timeMin"))
	to, _ := time.Parse(time.RFC3339, q.Get("timeMax"))
	items := []*gcal.Event{}
	for _, ev := range s.events[calID] {
		if ev.Status == "cancelled" && q.Get("showDeleted") != "true" {
			continue
		}
		if !within(ev, from, to) {
			continue
		}
		items = append(items, ev)
	}
	writeJSON(w, &gcal.Events{Items: items})
}

func (s *GoogleServer) findLocked(calID, id string) *gcal.Event {
	for _, ev := range s.events[calID] {
		if ev.Id == id {
			return ev
		}
	}
	return nil
}

func (s *GoogleServer) removeLocked(calID, id string) bool {
	evs := s.events[calID]
	for i, ev := range evs {
		if ev.Id == id {
			s.events[calID] = append(evs[:i], evs[i+1:]...)
			return true
		}
	}
	return false
}

// within reports whether a timed event overlaps [from, to). All-day events
// are always returned and left to the caller.
func within(ev *gcal.Event, from, to time.Time) bool {
	if ev.Start == nil || ev.End == nil || ev.Start.DateTime == "" || ev.End.DateTime == "" {
		return true
	}
	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return true
	}
	end, err := time.Parse(time.RFC3339, ev.End.DateTime)
	if err != nil {
		return true
	}
	if !to.IsZero() && !start.Before(to) {
		return false
	}
	if !from.IsZero() && !from.Before(end) {
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
