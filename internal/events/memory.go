package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-process Log used by tests and the local CLI.
type MemoryLog struct {
	mu        sync.Mutex
	entries   []Entry
	delivered map[uuid.UUID]bool
	now       func() time.Time
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		delivered: make(map[uuid.UUID]bool),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryLog) Append(_ context.Context, businessID, key, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := Entry{
		ID:         uuid.New(),
		BusinessID: businessID,
		Key:        key,
		Type:       eventType,
		Payload:    data,
		CreatedAt:  m.now(),
	}
	m.entries = append(m.entries, e)
	return e.ID, nil
}

func (m *MemoryLog) History(_ context.Context, businessID, key string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.BusinessID == businessID && e.Key == key {
			out = append(out, e)
		}
	}
	return out, nil
}

// Entries returns a snapshot of all events, optionally filtered by type.
func (m *MemoryLog) Entries(types ...string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(types) == 0 {
		return append([]Entry(nil), m.entries...)
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Entry
	for _, e := range m.entries {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryLog) FetchPending(_ context.Context, limit int32) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if m.delivered[e.ID] {
			continue
		}
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryLog) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delivered[id] {
		return false, nil
	}
	m.delivered[id] = true
	return true, nil
}
