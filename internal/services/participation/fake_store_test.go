package participation_test

import (
	"context"
	"maps"
	"slices"
	"sync"

	"eventsync/internal/models"
	"eventsync/internal/storage"

	"github.com/google/uuid"
)

// fakeStore is an in-memory store. Transactions run one at a time and are
// rolled back by restoring a snapshot taken when they began.
type fakeStore struct {
	mu sync.Mutex
	state
	writes int
}

type state struct {
	events       map[uuid.UUID]models.Event
	participants map[uuid.UUID]map[string]models.Participant
	categories   map[int64]string
	links        map[uuid.UUID]map[int64]struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: state{
		events:       map[uuid.UUID]models.Event{},
		participants: map[uuid.UUID]map[string]models.Participant{},
		categories:   map[int64]string{},
		links:        map[uuid.UUID]map[int64]struct{}{},
	}}
}

func (s state) clone() state {
	c := state{
		events:       maps.Clone(s.events),
		participants: make(map[uuid.UUID]map[string]models.Participant, len(s.participants)),
		categories:   maps.Clone(s.categories),
		links:        make(map[uuid.UUID]map[int64]struct{}, len(s.links)),
	}
	for id, ps := range s.participants {
		c.participants[id] = maps.Clone(ps)
	}
	for id, ls := range s.links {
		c.links[id] = maps.Clone(ls)
	}
	return c
}

func (s *fakeStore) WithTx(_ context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&fakeTx{s: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *fakeStore) addCategory(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[id] = name
}

func (s *fakeStore) linkedCategories(eventID uuid.UUID) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Collect(maps.Keys(s.links[eventID]))
	slices.Sort(ids)
	return ids
}

func (s *fakeStore) participant(eventID uuid.UUID, email string) (models.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[eventID][email]
	return p, ok
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeTx struct {
	s *fakeStore
}

var _ storage.Tx = (*fakeTx)(nil)

func (t *fakeTx) LockEvent(_ context.Context, eventID uuid.UUID) (models.Event, error) {
	event, ok := t.s.events[eventID]
	if !ok {
		return models.Event{}, storage.ErrEventNotFound
	}
	return event, nil
}

func (t *fakeTx) InsertEvent(_ context.Context, event models.Event) error {
	t.s.writes++
	t.s.events[event.ID] = event
	t.s.participants[event.ID] = map[string]models.Participant{}
	return nil
}

func (t *fakeTx) UpdateEvent(_ context.Context, event models.Event) error {
	if _, ok := t.s.events[event.ID]; !ok {
		return storage.ErrEventNotFound
	}
	t.s.writes++
	t.s.events[event.ID] = event
	return nil
}

func (t *fakeTx) DeleteEvent(_ context.Context, eventID uuid.UUID) error {
	if _, ok := t.s.events[eventID]; !ok {
		return storage.ErrEventNotFound
	}
	t.s.writes++
	delete(t.s.events, eventID)
	delete(t.s.participants, eventID)
	delete(t.s.links, eventID)
	return nil
}

func (t *fakeTx) Participant(_ context.Context, eventID uuid.UUID, email string) (models.Participant, error) {
	p, ok := t.s.participants[eventID][email]
	if !ok {
		return models.Participant{}, storage.ErrParticipantNotFound
	}
	return p, nil
}

func (t *fakeTx) Participants(_ context.Context, eventID uuid.UUID) ([]models.Participant, error) {
	ps := slices.Collect(maps.Values(t.s.participants[eventID]))
	slices.SortFunc(ps, func(a, b models.Participant) int {
		switch {
		case a.Email < b.Email:
			return -1
		case a.Email > b.Email:
			return 1
		}
		return 0
	})
	return ps, nil
}

func (t *fakeTx) CountParticipants(_ context.Context, eventID uuid.UUID, role models.Role) (int, error) {
	n := 0
	for _, p := range t.s.participants[eventID] {
		if p.Role == role {
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) CountOtherHosts(_ context.Context, eventID uuid.UUID, email string) (int, error) {
	n := 0
	for _, p := range t.s.participants[eventID] {
		if p.Role == models.RoleHost && p.Email != email {
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) InsertParticipant(_ context.Context, eventID uuid.UUID, p models.Participant) error {
	if _, ok := t.s.participants[eventID][p.Email]; ok {
		return storage.ErrParticipantExists
	}
	t.s.writes++
	t.s.participants[eventID][p.Email] = p
	return nil
}

func (t *fakeTx) DeleteParticipant(_ context.Context, eventID uuid.UUID, email string) (models.Participant, error) {
	p, ok := t.s.participants[eventID][email]
	if !ok {
		return models.Participant{}, storage.ErrParticipantNotFound
	}
	t.s.writes++
	delete(t.s.participants[eventID], email)
	return p, nil
}

func (t *fakeTx) UpdateParticipantRole(_ context.Context, eventID uuid.UUID, email string, role models.Role) error {
	p, ok := t.s.participants[eventID][email]
	if !ok {
		return storage.ErrParticipantNotFound
	}
	t.s.writes++
	p.Role = role
	t.s.participants[eventID][email] = p
	return nil
}

func (t *fakeTx) SetCalendarEventID(_ context.Context, eventID uuid.UUID, email, prior, next string) error {
	p, ok := t.s.participants[eventID][email]
	if !ok {
		return storage.ErrParticipantNotFound
	}
	if p.CalendarEventID != prior {
		return storage.ErrCalendarIDChanged
	}
	t.s.writes++
	p.CalendarEventID = next
	t.s.participants[eventID][email] = p
	return nil
}

func (t *fakeTx) EventCategoryIDs(_ context.Context, eventID uuid.UUID) ([]int64, error) {
	ids := slices.Collect(maps.Keys(t.s.links[eventID]))
	slices.Sort(ids)
	return ids, nil
}

func (t *fakeTx) ExistingCategoryIDs(_ context.Context, ids []int64) ([]int64, error) {
	var out []int64
	for _, id := range ids {
		if _, ok := t.s.categories[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *fakeTx) UnlinkCategories(_ context.Context, eventID uuid.UUID, ids []int64) error {
	t.s.writes++
	for _, id := range ids {
		delete(t.s.links[eventID], id)
	}
	return nil
}

func (t *fakeTx) LinkCategories(_ context.Context, eventID uuid.UUID, ids []int64) error {
	t.s.writes++
	if t.s.links[eventID] == nil {
		t.s.links[eventID] = map[int64]struct{}{}
	}
	for _, id := range ids {
		t.s.links[eventID][id] = struct{}{}
	}
	return nil
}
