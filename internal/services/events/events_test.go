package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eventsync/internal/models"
	"eventsync/internal/services/dispatcher"
	"eventsync/internal/services/events"
	"eventsync/internal/services/participation"
	"eventsync/internal/storage"
	"eventsync/internal/storage/sqlite"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu      sync.Mutex
	created []string
	updated []string
	deleted []string
	emailed []string

	// onCreate runs after an entry was created, before its id is returned.
	onCreate func(attendee models.Participant)
}

func (n *fakeNotifier) NotifyCreateOrUpdate(_ context.Context, _ models.Event, attendee models.Participant, prior string) (string, error) {
	n.mu.Lock()
	if prior != "" {
		n.updated = append(n.updated, prior)
		n.mu.Unlock()
		return prior, nil
	}
	id := "cal-" + attendee.Email
	n.created = append(n.created, id)
	hook := n.onCreate
	n.mu.Unlock()

	if hook != nil {
		hook(attendee)
	}
	return id, nil
}

func (n *fakeNotifier) NotifyDelete(_ context.Context, externalID string) error {
	if externalID == "" {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, externalID)
	return nil
}

func (n *fakeNotifier) NotifyPlainEmail(_ context.Context, _, _ string, recipients []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emailed = append(n.emailed, recipients...)
	return nil
}

// queue holds submitted jobs until run is called.
type queue struct {
	mu   sync.Mutex
	jobs []dispatcher.Job
	name []string
	keys map[string][]string
}

func (q *queue) SubmitKeyed(key, name string, job dispatcher.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	q.name = append(q.name, name)
	if q.keys == nil {
		q.keys = map[string][]string{}
	}
	q.keys[name] = append(q.keys[name], key)
	return true
}

// keysOf returns the keys every job called name was submitted with.
func (q *queue) keysOf(name string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.keys[name]...)
}

func (q *queue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.name...)
}

func (q *queue) run(t *testing.T) {
	t.Helper()

	q.mu.Lock()
	jobs := q.jobs
	q.jobs, q.name = nil, nil
	q.mu.Unlock()

	for _, job := range jobs {
		require.NoError(t, job(context.Background()))
	}
}

type publisher struct {
	mu       sync.Mutex
	messages []events.DomainEvent
}

func (p *publisher) Publish(_ context.Context, _, value []byte) error {
	var msg events.DomainEvent
	if err := json.Unmarshal(value, &msg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *publisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, m := range p.messages {
		types = append(types, m.Type)
	}
	return types
}

type suite struct {
	svc       *events.Service
	engine    *participation.Engine
	store     *sqlite.Storage
	notifier  *fakeNotifier
	jobs      *queue
	publisher *publisher
}

func newSuite(t *testing.T, opts ...events.Option) *suite {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "eventsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &suite{
		store:     store,
		notifier:  &fakeNotifier{},
		jobs:      &queue{},
		publisher: &publisher{},
	}
	opts = append([]events.Option{events.WithPublisher(s.publisher)}, opts...)
	s.engine = participation.New(log, store)
	s.svc = events.New(log, s.engine, store, store, s.notifier, s.jobs, opts...)

	return s
}

func identity() models.Identity {
	return models.Identity{Email: gofakeit.Email(), Name: gofakeit.Name()}
}

func input(limit int) events.EventInput {
	start := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Millisecond)
	return events.EventInput{
		Title:            gofakeit.Sentence(3),
		Description:      gofakeit.Paragraph(1, 2, 8, " "),
		StartTime:        start,
		EndTime:          start.Add(2 * time.Hour),
		Location:         gofakeit.City(),
		Public:           true,
		ParticipantLimit: limit,
	}
}

func (s *suite) createEvent(t *testing.T, host models.Identity, limit int) models.FullEvent {
	t.Helper()

	full, err := s.svc.CreateEvent(context.Background(), host, input(limit))
	require.NoError(t, err)
	s.jobs.run(t)
	return full
}

func TestCreateEvent(t *testing.T) {
	s := newSuite(t)
	host := identity()

	full, err := s.svc.CreateEvent(context.Background(), host, input(3))
	require.NoError(t, err)
	require.Len(t, full.Hosts, 1)
	assert.Equal(t, models.NormalizeEmail(host.Email), full.Hosts[0].Email)
	assert.ElementsMatch(t, []string{"calendar.sync", "kafka.publish"}, s.jobs.names())

	s.jobs.run(t)

	stored, err := s.svc.GetEvent(context.Background(), full.Event.ID)
	require.NoError(t, err)
	require.Len(t, stored.Hosts, 1)
	assert.Equal(t, "cal-"+stored.Hosts[0].Email, stored.Hosts[0].CalendarEventID)
	assert.Equal(t, []string{"event.created"}, s.publisher.types())
}

func TestCreateEvent_Validation(t *testing.T) {
	s := newSuite(t)

	tests := []struct {
		name  string
		input func() events.EventInput
	}{
		{
			name: "missing title",
			input: func() events.EventInput {
				in := input(0)
				in.Title = ""
				return in
			},
		},
		{
			name: "end before start",
			input: func() events.EventInput {
				in := input(0)
				in.EndTime = in.StartTime.Add(-time.Hour)
				return in
			},
		},
		{
			name: "negative limit",
			input: func() events.EventInput {
				in := input(0)
				in.ParticipantLimit = -1
				return in
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.svc.CreateEvent(context.Background(), identity(), tt.input())
			require.ErrorIs(t, err, events.ErrInvalidInput)
		})
	}
	assert.Empty(t, s.jobs.names())
}

func TestRegister_NotifiesOnlyAfterCommit(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	full := s.createEvent(t, identity(), 1)

	first := identity()
	require.NoError(t, s.svc.Register(ctx, first, full.Event.ID))
	assert.ElementsMatch(t, []string{"calendar.sync", "kafka.publish"}, s.jobs.names())
	s.jobs.run(t)

	err := s.svc.Register(ctx, identity(), full.Event.ID)
	require.ErrorIs(t, err, participation.ErrEventFull)

	err = s.svc.Register(ctx, first, full.Event.ID)
	require.ErrorIs(t, err, participation.ErrAlreadyRegistered)

	err = s.svc.Register(ctx, identity(), uuid.New())
	require.ErrorIs(t, err, participation.ErrEventNotFound)

	assert.Empty(t, s.jobs.names())
	assert.Len(t, s.notifier.created, 2)
}

func TestRegister_ParticipantLeftBeforeCalendarSync(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	full := s.createEvent(t, identity(), 0)

	guest := identity()
	require.NoError(t, s.svc.Register(ctx, guest, full.Event.ID))
	// The registration's calendar job is still queued.
	require.NoError(t, s.svc.Unregister(ctx, guest, full.Event.ID))
	s.jobs.run(t)

	id := "cal-" + models.NormalizeEmail(guest.Email)
	assert.NotContains(t, s.notifier.created, id)
	assert.Empty(t, s.notifier.deleted)
}

func TestRegister_ParticipantLeftWhileEntryWasCreated(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	full := s.createEvent(t, identity(), 0)

	guest := identity()
	require.NoError(t, s.svc.Register(ctx, guest, full.Event.ID))

	s.notifier.onCreate = func(models.Participant) {
		require.NoError(t, s.svc.Unregister(ctx, guest, full.Event.ID))
	}
	s.jobs.run(t)

	id := "cal-" + models.NormalizeEmail(guest.Email)
	assert.Contains(t, s.notifier.created, id)
	assert.Equal(t, []string{id}, s.notifier.deleted)
}

func TestCalendarSync_QueuedJobsCreateOneEntry(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	host := identity()

	full, err := s.svc.CreateEvent(ctx, host, input(0))
	require.NoError(t, err)
	// The create job has not run when the update is submitted.
	_, err = s.svc.UpdateEvent(ctx, host, full.Event.ID, input(5))
	require.NoError(t, err)

	keys := s.jobs.keysOf("calendar.sync")
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])

	s.jobs.run(t)

	id := "cal-" + models.NormalizeEmail(host.Email)
	assert.Equal(t, []string{id}, s.notifier.created)
	assert.Equal(t, []string{id}, s.notifier.updated)
	assert.Empty(t, s.notifier.deleted)

	stored, err := s.svc.GetEvent(ctx, full.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, id, stored.Hosts[0].CalendarEventID)
}

func TestCalendarSync_LosingCreateIsDeleted(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	host := identity()

	full, err := s.svc.CreateEvent(ctx, host, input(0))
	require.NoError(t, err)

	// Another entry gets recorded while this job is creating its own.
	s.notifier.onCreate = func(attendee models.Participant) {
		require.NoError(t, s.engine.RecordCalendarEventID(ctx, full.Event.ID, attendee.Email, "", "cal-other"))
	}
	s.jobs.run(t)

	id := "cal-" + models.NormalizeEmail(host.Email)
	assert.Equal(t, []string{id}, s.notifier.deleted)

	stored, err := s.svc.GetEvent(ctx, full.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, "cal-other", stored.Hosts[0].CalendarEventID)
}

func TestUnregister_DeletesCalendarEntry(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	full := s.createEvent(t, identity(), 0)

	guest := identity()
	require.NoError(t, s.svc.Register(ctx, guest, full.Event.ID))
	s.jobs.run(t)

	require.NoError(t, s.svc.Unregister(ctx, guest, full.Event.ID))
	s.jobs.run(t)
	assert.Equal(t, []string{"cal-" + models.NormalizeEmail(guest.Email)}, s.notifier.deleted)

	err := s.svc.Unregister(ctx, guest, full.Event.ID)
	require.ErrorIs(t, err, participation.ErrEmailNotFound)
}

func TestHostOnlyOperations(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	host := identity()
	full := s.createEvent(t, host, 0)
	id := full.Event.ID

	guest := identity()
	require.NoError(t, s.svc.Register(ctx, guest, id))
	s.jobs.run(t)

	_, err := s.svc.UpdateEvent(ctx, guest, id, input(0))
	assert.ErrorIs(t, err, events.ErrForbidden)
	assert.ErrorIs(t, s.svc.DeleteEvent(ctx, guest, id), events.ErrForbidden)
	assert.ErrorIs(t, s.svc.RemoveParticipant(ctx, guest, id, host.Email), events.ErrForbidden)
	assert.ErrorIs(t, s.svc.ChangeRole(ctx, guest, id, guest.Email, models.RoleHost), events.ErrForbidden)
	_, err = s.svc.SetCategories(ctx, guest, id, nil)
	assert.ErrorIs(t, err, events.ErrForbidden)

	assert.ErrorIs(t, s.svc.DeleteEvent(ctx, host, uuid.New()), participation.ErrEventNotFound)
	assert.Empty(t, s.jobs.names())

	require.NoError(t, s.svc.ChangeRole(ctx, host, id, guest.Email, models.RoleHost))
	require.NoError(t, s.svc.RemoveParticipant(ctx, guest, id, host.Email))

	stored, err := s.svc.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{models.NormalizeEmail(guest.Email)}, models.Emails(stored.Hosts))
}

func TestUpdateEvent_SyncsEveryAttendee(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	host := identity()
	full := s.createEvent(t, host, 0)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.svc.Register(ctx, identity(), full.Event.ID))
	}
	s.jobs.run(t)

	in := input(10)
	in.Title = "Renamed"
	updated, err := s.svc.UpdateEvent(ctx, host, full.Event.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Event.Title)
	assert.Equal(t, 10, updated.Event.ParticipantLimit)

	s.jobs.run(t)
	assert.Len(t, s.notifier.updated, 3)
}

func TestDeleteEvent_CancelsForCapturedAttendees(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	host := identity()
	full := s.createEvent(t, host, 0)

	guest := identity()
	require.NoError(t, s.svc.Register(ctx, guest, full.Event.ID))
	s.jobs.run(t)

	require.NoError(t, s.svc.DeleteEvent(ctx, host, full.Event.ID))
	s.jobs.run(t)

	emails := []string{models.NormalizeEmail(host.Email), models.NormalizeEmail(guest.Email)}
	assert.ElementsMatch(t, emails, s.notifier.emailed)
	assert.ElementsMatch(t, []string{"cal-" + emails[0], "cal-" + emails[1]}, s.notifier.deleted)

	_, err := s.svc.GetEvent(ctx, full.Event.ID)
	require.ErrorIs(t, err, participation.ErrEventNotFound)
	assert.Contains(t, s.publisher.types(), "event.deleted")
}

func TestSetCategories(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	host := identity()
	full := s.createEvent(t, host, 0)

	music, err := s.svc.CreateCategory(ctx, "Music")
	require.NoError(t, err)

	delta, err := s.svc.SetCategories(ctx, host, full.Event.ID, []int64{music.ID, 12345})
	require.NoError(t, err)
	assert.Equal(t, []int64{music.ID}, delta.Added)
	s.jobs.run(t)

	delta, err = s.svc.SetCategories(ctx, host, full.Event.ID, []int64{music.ID})
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.Empty(t, s.jobs.names())

	assert.Equal(t, []string{"event.created", "event.categories_set"}, s.publisher.types())
}

func TestListEvents(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	host := identity()

	public := s.createEvent(t, host, 0)
	in := input(0)
	in.Public = false
	private, err := s.svc.CreateEvent(ctx, host, in)
	require.NoError(t, err)

	listed, err := s.svc.ListEvents(ctx, identity(), events.ListQuery{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, public.Event.ID, listed[0].Event.ID)

	mine, err := s.svc.ListEvents(ctx, host, events.ListQuery{OnlyMine: true})
	require.NoError(t, err)
	ids := []uuid.UUID{}
	for _, e := range mine {
		ids = append(ids, e.Event.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{public.Event.ID, private.Event.ID}, ids)

	joined, err := s.svc.ListEvents(ctx, host, events.ListQuery{OnlyJoined: true})
	require.NoError(t, err)
	assert.Empty(t, joined)
}

type memoryCache struct {
	categories  []models.Category
	generation  int64
	hits        int
	invalidated int
}

func (c *memoryCache) Categories(context.Context) ([]models.Category, int64, error) {
	if c.categories == nil {
		return nil, c.generation, storage.ErrCacheMiss
	}
	c.hits++
	return c.categories, c.generation, nil
}

func (c *memoryCache) SaveCategories(_ context.Context, generation int64, categories []models.Category) error {
	if generation == c.generation {
		c.categories = categories
	}
	return nil
}

func (c *memoryCache) InvalidateCategories(context.Context) error {
	c.categories = nil
	c.generation++
	c.invalidated++
	return nil
}

// racingCategories creates a category between reading the list and
// returning it, the way a concurrent request would.
type racingCategories struct {
	events.CategoryProvider
	during func()
}

func (r *racingCategories) Categories(ctx context.Context) ([]models.Category, error) {
	categories, err := r.CategoryProvider.Categories(ctx)
	if r.during != nil {
		during := r.during
		r.during = nil
		during()
	}
	return categories, err
}

func TestListCategories_StaleListIsNotCached(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "eventsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := &memoryCache{}
	categories := &racingCategories{CategoryProvider: store}
	svc := events.New(log, participation.New(log, store), store, categories, &fakeNotifier{}, &queue{},
		events.WithCategoryCache(cache))
	ctx := context.Background()

	_, err = svc.CreateCategory(ctx, "Music")
	require.NoError(t, err)

	categories.during = func() {
		_, err := svc.CreateCategory(ctx, "Sports")
		require.NoError(t, err)
	}
	listed, err := svc.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	assert.Nil(t, cache.categories)

	listed, err = svc.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestCategories(t *testing.T) {
	cache := &memoryCache{}
	s := newSuite(t, events.WithCategoryCache(cache))
	ctx := context.Background()

	_, err := s.svc.CreateCategory(ctx, "  Music  ")
	require.NoError(t, err)

	_, err = s.svc.CreateCategory(ctx, "MUSIC")
	require.ErrorIs(t, err, events.ErrCategoryExists)

	_, err = s.svc.CreateCategory(ctx, gofakeit.LetterN(51))
	require.ErrorIs(t, err, events.ErrCategoryNameTooLong)

	_, err = s.svc.CreateCategory(ctx, "   ")
	require.ErrorIs(t, err, events.ErrInvalidInput)

	_, err = s.svc.CreateCategory(ctx, "Friluftsliv")
	require.NoError(t, err)

	listed, err := s.svc.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, 0, cache.hits)

	listed, err = s.svc.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, 1, cache.hits)

	_, err = s.svc.CreateCategory(ctx, "Sports")
	require.NoError(t, err)
	assert.Equal(t, 3, cache.invalidated)

	listed, err = s.svc.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestCategoryNameLengthCountsRunes(t *testing.T) {
	s := newSuite(t)

	name := ""
	for i := 0; i < models.MaxCategoryNameLength; i++ {
		name += "ø"
	}
	_, err := s.svc.CreateCategory(context.Background(), name)
	require.NoError(t, err)

	_, err = s.svc.CreateCategory(context.Background(), name+"ø")
	require.True(t, errors.Is(err, events.ErrCategoryNameTooLong))
}
