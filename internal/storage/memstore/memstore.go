// Package memstore is an in-process storage.Store. Units of work are
// serialized by one mutex and rolled back on error, and the same guards as
// the Postgres schema are enforced on every write.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
)

type user struct {
	id   int64
	name string
	role models.Role
}

type state struct {
	users    map[int64]user
	clients  map[int64]string
	buses    map[int64]string
	routes   map[int64]string
	seats    map[int64]*models.Seat
	trips    map[int64]*models.Trip
	tickets  map[int64]*models.Ticket
	packages map[int64]*models.Package
	outbox   map[int64]*models.OutboxEvent
	history  []*models.HistoryEntry
	nextID   int64
}

// clone copies the maps. Stored records are replaced on write, never mutated,
// so sharing the pointers is safe.
func (s *state) clone() *state {
	return &state{
		users:    cloneMap(s.users),
		clients:  cloneMap(s.clients),
		buses:    cloneMap(s.buses),
		routes:   cloneMap(s.routes),
		seats:    cloneMap(s.seats),
		trips:    cloneMap(s.trips),
		tickets:  cloneMap(s.tickets),
		packages: cloneMap(s.packages),
		outbox:   cloneMap(s.outbox),
		history:  append([]*models.HistoryEntry(nil), s.history...),
		nextID:   s.nextID,
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Store struct {
	mu sync.Mutex
	st *state
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: &state{
		users:    map[int64]user{},
		clients:  map[int64]string{},
		buses:    map[int64]string{},
		routes:   map[int64]string{},
		seats:    map[int64]*models.Seat{},
		trips:    map[int64]*models.Trip{},
		tickets:  map[int64]*models.Ticket{},
		packages: map[int64]*models.Package{},
		outbox:   map[int64]*models.OutboxEvent{},
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &Tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Seed helpers.

func (s *Store) AddUser(name string, role models.Role) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.users[id] = user{id: id, name: name, role: role}
	return id
}

func (s *Store) AddClient(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.clients[id] = name
	return id
}

func (s *Store) AddRoute(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.id()
	s.st.routes[id] = name
	return id
}

// AddBus creates a bus with seats numbered 1..seats on deck 1 and returns the
// bus id and the seat ids in seat-number order.
func (s *Store) AddBus(plate string, seats int) (int64, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	busID := s.st.id()
	s.st.buses[busID] = plate
	ids := make([]int64, 0, seats)
	for n := 1; n <= seats; n++ {
		id := s.st.id()
		s.st.seats[id] = &models.Seat{ID: id, BusID: busID, SeatNumber: n, Deck: 1, Row: (n-1)/4 + 1, Column: (n-1)%4 + 1}
		ids = append(ids, id)
	}
	return busID, ids
}

// ClaimDueEvents mirrors the Postgres lease: claimed events get their next
// attempt pushed to now+lease.
func (s *Store) ClaimDueEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.OutboxEvent
	for _, e := range s.st.outbox {
		if e.PublishedAt == nil && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.OutboxEvent, 0, len(due))
	for _, e := range due {
		leased := *e
		leased.NextAttemptAt = now.Add(lease)
		s.st.outbox[e.ID] = &leased
		cp := leased
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) MarkEventPublished(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *e
	cp.PublishedAt = &at
	cp.LastError = nil
	s.st.outbox[id] = &cp
	return nil
}

func (s *Store) MarkEventFailed(ctx context.Context, id int64, reason string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *e
	cp.Attempts++
	cp.LastError = &reason
	cp.NextAttemptAt = nextAttemptAt
	s.st.outbox[id] = &cp
	return nil
}

// Events returns a copy of every outbox event ordered by id.
func (s *Store) Events() []*models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.OutboxEvent, 0, len(s.st.outbox))
	for _, e := range s.st.outbox {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tx implements storage.Tx over a private working copy of the state.
type Tx struct {
	st *state
}

var _ storage.Tx = (*Tx)(nil)

// LockKeys is a no-op: the store mutex already serializes units of work.
func (t *Tx) LockKeys(ctx context.Context, keys ...string) error { return nil }

func (t *Tx) RefExists(ctx context.Context, kind models.RefKind, id int64) (bool, error) {
	switch kind {
	case models.RefDriver:
		u, ok := t.st.users[id]
		return ok && u.role == models.RoleDriver, nil
	case models.RefAssistant:
		u, ok := t.st.users[id]
		return ok && u.role == models.RoleAssistant, nil
	case models.RefSecretary:
		u, ok := t.st.users[id]
		return ok && (u.role == models.RoleSecretary || u.role == models.RoleAdmin), nil
	case models.RefBus:
		_, ok := t.st.buses[id]
		return ok, nil
	case models.RefRoute:
		_, ok := t.st.routes[id]
		return ok, nil
	case models.RefClient:
		_, ok := t.st.clients[id]
		return ok, nil
	}
	return false, domain.ValidationError{Field: "ref_kind", Msg: "unknown reference kind " + string(kind)}
}

func (t *Tx) UserRole(ctx context.Context, userID int64) (models.Role, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return u.role, nil
}
