package bookings

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/dispatch-engine/internal/technicians"
)

// MemoryStore is an in-process Store for local development and tests.
// Transactions are serialized on a single mutex, which stands in for the
// roster row lock taken by the Postgres repository.
type MemoryStore struct {
	txMu     sync.Mutex
	mu       sync.RWMutex
	techs    map[string]map[string]technicians.Technician
	bookings map[string]Booking
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		techs:    make(map[string]map[string]technicians.Technician),
		bookings: make(map[string]Booking),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutTechnician inserts or replaces a roster entry.
func (m *MemoryStore) PutTechnician(t technicians.Technician) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.techs[t.BusinessID] == nil {
		m.techs[t.BusinessID] = make(map[string]technicians.Technician)
	}
	m.techs[t.BusinessID][t.ID] = t
}

// PutBooking inserts or replaces a booking without any checks.
func (m *MemoryStore) PutBooking(b Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.CustomerPhone = NormalizePhone(b.CustomerPhone)
	m.bookings[b.ID] = b
}

// All returns every booking for a business ordered by slot start.
func (m *MemoryStore) All(businessID string) []Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Booking
	for _, b := range m.bookings {
		if b.BusinessID == businessID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out
}

func (m *MemoryStore) Technicians(_ context.Context, businessID string) ([]technicians.Technician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rosterLocked(businessID), nil
}

func (m *MemoryStore) rosterLocked(businessID string) []technicians.Technician {
	var out []technicians.Technician
	for _, t := range m.techs[businessID] {
		if t.Schedulable() {
			out = append(out, t)
		}
	}
	technicians.RankByPriority(out)
	return out
}

func (m *MemoryStore) BookingsBetween(_ context.Context, businessID string, from, to time.Time) ([]Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterBetween(m.bookings, nil, businessID, from, to), nil
}

func (m *MemoryStore) BookingByID(_ context.Context, businessID, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok || b.BusinessID != businessID || b.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *MemoryStore) BookingByIdempotencyKey(_ context.Context, businessID, key string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := findByKey(m.bookings, nil, businessID, key); ok {
		return &b, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpcomingByPhone(_ context.Context, businessID, phone string, from, to time.Time) ([]Booking, error) {
	phone = NormalizePhone(phone)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Booking
	for _, b := range filterBetween(m.bookings, nil, businessID, from, to) {
		if b.CustomerPhone != phone {
			continue
		}
		if b.Status == StatusPending || b.Status == StatusBooked {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, businessID, id string, to Status) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.BusinessID != businessID || b.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if b.Status != to {
		if !CanTransition(b.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
		}
		b.Status = to
		b.UpdatedAt = m.now()
		m.bookings[id] = b
	}
	return &b, nil
}

func (m *MemoryStore) SetExternalRef(_ context.Context, businessID, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.BusinessID != businessID {
		return ErrNotFound
	}
	b.ExternalRef = ref
	b.UpdatedAt = m.now()
	m.bookings[id] = b
	return nil
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: m, staged: make(map[string]Booking)}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range tx.staged {
		m.bookings[id] = b
	}
	return nil
}

type memTx struct {
	store  *MemoryStore
	staged map[string]Booking
}

func (t *memTx) LockTechnicians(_ context.Context, businessID string) ([]technicians.Technician, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.rosterLocked(businessID), nil
}

func (t *memTx) BookingsBetween(_ context.Context, businessID string, from, to time.Time) ([]Booking, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return filterBetween(t.store.bookings, t.staged, businessID, from, to), nil
}

func (t *memTx) InsertBooking(_ context.Context, b *Booking) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if _, exists := t.store.bookings[b.ID]; exists {
		return fmt.Errorf("bookings: insert: id %s already exists", b.ID)
	}
	if b.IdempotencyKey != "" {
		if _, dup := findByKey(t.store.bookings, t.staged, b.BusinessID, b.IdempotencyKey); dup {
			return ErrDuplicateIdempotencyKey
		}
	}
	now := t.store.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	b.CustomerPhone = NormalizePhone(b.CustomerPhone)
	t.staged[b.ID] = *b
	return nil
}

func (t *memTx) UpdateBooking(_ context.Context, b *Booking) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	existing, ok := t.staged[b.ID]
	if !ok {
		existing, ok = t.store.bookings[b.ID]
	}
	if !ok || existing.BusinessID != b.BusinessID {
		return ErrNotFound
	}
	b.UpdatedAt = t.store.now()
	t.staged[b.ID] = *b
	return nil
}

func filterBetween(committed, staged map[string]Booking, businessID string, from, to time.Time) []Booking {
	var out []Booking
	visit := func(b Booking) {
		if b.BusinessID != businessID || b.DeletedAt != nil {
			return
		}
		if b.SlotStart.Before(from) || !b.SlotStart.Before(to) {
			return
		}
		out = append(out, b)
	}
	for id, b := range committed {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		visit(b)
	}
	for _, b := range staged {
		visit(b)
	}
	sortBookings(out)
	return out
}

func findByKey(committed, staged map[string]Booking, businessID, key string) (Booking, bool) {
	match := func(b Booking) bool {
		return b.BusinessID == businessID && b.IdempotencyKey == key && b.DeletedAt == nil
	}
	for _, b := range staged {
		if match(b) {
			return b, true
		}
	}
	for id, b := range committed {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if match(b) {
			return b, true
		}
	}
	return Booking{}, false
}

func sortBookings(list []Booking) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].SlotStart.Equal(list[j].SlotStart) {
			return list[i].ID < list[j].ID
		}
		return list[i].SlotStart.Before(list[j].SlotStart)
	})
}
