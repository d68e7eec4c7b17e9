package participation_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"eventsync/internal/models"
	"eventsync/internal/services/participation"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*participation.Engine, *fakeStore) {
	t.Helper()

	store := newFakeStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := participation.New(log, store, participation.WithClock(func() time.Time { return now }))

	return engine, store
}

func randomEmail() string {
	return strings.ToLower(gofakeit.Email())
}

// createEvent stores an event with one host and returns it with the host's e-mail.
func createEvent(t *testing.T, engine *participation.Engine, limit int, deadline *time.Time) (models.Event, string) {
	t.Helper()

	event := models.Event{
		ID:               uuid.New(),
		Title:            gofakeit.Sentence(3),
		StartTime:        now.Add(24 * time.Hour),
		EndTime:          now.Add(26 * time.Hour),
		Public:           true,
		ParticipantLimit: limit,
		SignupDeadline:   deadline,
	}
	host := models.Participant{Email: randomEmail(), Name: gofakeit.Name()}

	require.NoError(t, engine.CreateEvent(context.Background(), event, host))

	return event, host.Email
}

func participant() models.Participant {
	return models.Participant{Email: randomEmail(), Name: gofakeit.Name()}
}

func TestCreateEvent_CreatorIsHost(t *testing.T) {
	engine, store := newEngine(t)

	event, host := createEvent(t, engine, 0, nil)

	p, ok := store.participant(event.ID, host)
	require.True(t, ok)
	assert.Equal(t, models.RoleHost, p.Role)
}

func TestRegister_HappyPath(t *testing.T) {
	engine, store := newEngine(t)
	event, _ := createEvent(t, engine, 0, nil)

	p := participant()
	p.Email = strings.ToUpper(p.Email)

	got, err := engine.Register(context.Background(), event.ID, p)
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)

	stored, ok := store.participant(event.ID, strings.ToLower(p.Email))
	require.True(t, ok)
	assert.Equal(t, models.RoleParticipant, stored.Role)
}

func TestRegister_Rejections(t *testing.T) {
	passed := now.Add(-time.Second)
	open := now.Add(time.Hour)

	tests := []struct {
		name     string
		limit    int
		deadline *time.Time
		prepare  func(t *testing.T, engine *participation.Engine, eventID uuid.UUID) models.Participant
		wantErr  error
	}{
		{
			name:  "already registered beats full",
			limit: 1,
			prepare: func(t *testing.T, engine *participation.Engine, eventID uuid.UUID) models.Participant {
				p := participant()
				_, err := engine.Register(context.Background(), eventID, p)
				require.NoError(t, err)
				return p
			},
			wantErr: participation.ErrAlreadyRegistered,
		},
		{
			name:     "full beats deadline",
			limit:    1,
			deadline: &open,
			prepare: func(t *testing.T, engine *participation.Engine, eventID uuid.UUID) models.Participant {
				_, err := engine.Register(context.Background(), eventID, participant())
				require.NoError(t, err)
				return participant()
			},
			wantErr: participation.ErrEventFull,
		},
		{
			name:     "deadline passed",
			deadline: &passed,
			prepare: func(t *testing.T, engine *participation.Engine, eventID uuid.UUID) models.Participant {
				return participant()
			},
			wantErr: participation.ErrDeadlinePassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := newEngine(t)
			event, _ := createEvent(t, engine, tt.limit, tt.deadline)
			p := tt.prepare(t, engine, event.ID)
			writes := store.writeCount()

			_, err := engine.Register(context.Background(), event.ID, p)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, participation.IsRejection(err))
			assert.Equal(t, writes, store.writeCount())
		})
	}
}

func TestRegister_EventNotFound(t *testing.T) {
	engine, _ := newEngine(t)

	_, err := engine.Register(context.Background(), uuid.New(), participant())
	require.ErrorIs(t, err, participation.ErrEventNotFound)
}

func TestRegister_DeadlineIsInclusive(t *testing.T) {
	engine, _ := newEngine(t)
	deadline := now
	event, _ := createEvent(t, engine, 0, &deadline)

	_, err := engine.Register(context.Background(), event.ID, participant())
	require.NoError(t, err)
}

func TestRegister_HostsDoNotUseCapacity(t *testing.T) {
	engine, _ := newEngine(t)
	event, _ := createEvent(t, engine, 1, nil)
	ctx := context.Background()

	_, err := engine.Register(ctx, event.ID, participant())
	require.NoError(t, err)

	cohost := participant()
	cohost.Role = models.RoleHost
	_, err = engine.Register(ctx, event.ID, cohost)
	require.NoError(t, err)

	_, err = engine.Register(ctx, event.ID, participant())
	require.ErrorIs(t, err, participation.ErrEventFull)
}

func TestRegister_InvalidRole(t *testing.T) {
	engine, _ := newEngine(t)
	event, _ := createEvent(t, engine, 0, nil)

	p := participant()
	p.Role = "OWNER"
	_, err := engine.Register(context.Background(), event.ID, p)
	require.ErrorIs(t, err, participation.ErrInvalidRole)
}

func TestUnregister(t *testing.T) {
	engine, store := newEngine(t)
	event, _ := createEvent(t, engine, 0, nil)
	ctx := context.Background()

	p := participant()
	_, err := engine.Register(ctx, event.ID, p)
	require.NoError(t, err)
	require.NoError(t, engine.RecordCalendarEventID(ctx, event.ID, p.Email, "", "cal-1"))

	removed, err := engine.Unregister(ctx, event.ID, p.Email)
	require.NoError(t, err)
	assert.Equal(t, p.Email, removed.Email)
	assert.Equal(t, "cal-1", removed.CalendarEventID)

	_, ok := store.participant(event.ID, p.Email)
	assert.False(t, ok)

	_, err = engine.Unregister(ctx, event.ID, p.Email)
	require.ErrorIs(t, err, participation.ErrEmailNotFound)

	_, err = engine.Unregister(ctx, uuid.New(), p.Email)
	require.ErrorIs(t, err, participation.ErrEventNotFound)
}

func TestChangeRole_LastHost(t *testing.T) {
	engine, store := newEngine(t)
	event, host := createEvent(t, engine, 0, nil)

	_, err := engine.ChangeRole(context.Background(), event.ID, host, models.RoleParticipant)
	require.ErrorIs(t, err, participation.ErrWouldHaveNoHosts)

	p, ok := store.participant(event.ID, host)
	require.True(t, ok)
	assert.Equal(t, models.RoleHost, p.Role)
}

func TestChangeRole_DemoteWithSecondHost(t *testing.T) {
	engine, store := newEngine(t)
	event, host := createEvent(t, engine, 0, nil)
	ctx := context.Background()

	second := participant()
	_, err := engine.Register(ctx, event.ID, second)
	require.NoError(t, err)

	_, err = engine.ChangeRole(ctx, event.ID, second.Email, models.RoleHost)
	require.NoError(t, err)

	updated, err := engine.ChangeRole(ctx, event.ID, host, models.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, models.RoleParticipant, updated.Role)

	p, ok := store.participant(event.ID, host)
	require.True(t, ok)
	assert.Equal(t, models.RoleParticipant, p.Role)

	_, err = engine.ChangeRole(ctx, event.ID, second.Email, models.RoleParticipant)
	require.ErrorIs(t, err, participation.ErrWouldHaveNoHosts)
}

func TestChangeRole_DemoteIntoFullEvent(t *testing.T) {
	engine, _ := newEngine(t)
	event, _ := createEvent(t, engine, 1, nil)
	ctx := context.Background()

	cohost := participant()
	cohost.Role = models.RoleHost
	_, err := engine.Register(ctx, event.ID, cohost)
	require.NoError(t, err)
	_, err = engine.Register(ctx, event.ID, participant())
	require.NoError(t, err)

	_, err = engine.ChangeRole(ctx, event.ID, cohost.Email, models.RoleParticipant)
	require.ErrorIs(t, err, participation.ErrEventFull)
}

func TestChangeRole_UnknownEmail(t *testing.T) {
	engine, _ := newEngine(t)
	event, _ := createEvent(t, engine, 0, nil)

	_, err := engine.ChangeRole(context.Background(), event.ID, randomEmail(), models.RoleHost)
	require.ErrorIs(t, err, participation.ErrEmailNotFound)
}

func TestDeleteEvent_CapturesAttendees(t *testing.T) {
	engine, store := newEngine(t)
	event, host := createEvent(t, engine, 0, nil)
	ctx := context.Background()

	p := participant()
	_, err := engine.Register(ctx, event.ID, p)
	require.NoError(t, err)
	require.NoError(t, engine.RecordCalendarEventID(ctx, event.ID, p.Email, "", "cal-p"))

	deletion, err := engine.DeleteEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, deletion.Event.ID)
	assert.ElementsMatch(t, []string{host, p.Email}, models.Emails(deletion.Attendees))

	_, ok := store.participant(event.ID, p.Email)
	assert.False(t, ok)

	_, err = engine.DeleteEvent(ctx, event.ID)
	require.ErrorIs(t, err, participation.ErrEventNotFound)
}

func TestSetCategories_OnlyWritesDelta(t *testing.T) {
	engine, store := newEngine(t)
	event, _ := createEvent(t, engine, 0, nil)
	ctx := context.Background()
	for id := int64(1); id <= 4; id++ {
		store.addCategory(id, gofakeit.Word())
	}

	delta, err := engine.SetCategories(ctx, event.ID, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, delta.Added)
	assert.Empty(t, delta.Removed)

	writes := store.writeCount()
	delta, err = engine.SetCategories(ctx, event.ID, []int64{3, 2, 1, 1})
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.Equal(t, writes, store.writeCount())
	assert.Equal(t, []int64{1, 2, 3}, store.linkedCategories(event.ID))

	delta, err = engine.SetCategories(ctx, event.ID, []int64{2, 4})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{4}, delta.Added)
	assert.ElementsMatch(t, []int64{1, 3}, delta.Removed)
	assert.Equal(t, writes+2, store.writeCount())
	assert.Equal(t, []int64{2, 4}, store.linkedCategories(event.ID))
}

func TestSetCategories_DropsUnknownIDs(t *testing.T) {
	engine, store := newEngine(t)
	event, _ := createEvent(t, engine, 0, nil)
	store.addCategory(1, "music")
	store.addCategory(2, "sports")

	_, err := engine.SetCategories(context.Background(), event.ID, []int64{1, 2, 999})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, store.linkedCategories(event.ID))
}

func TestSetCategories_EventNotFound(t *testing.T) {
	engine, _ := newEngine(t)

	_, err := engine.SetCategories(context.Background(), uuid.New(), []int64{1})
	require.ErrorIs(t, err, participation.ErrEventNotFound)
}

func TestRecordCalendarEventID_ParticipantGone(t *testing.T) {
	engine, _ := newEngine(t)
	event, _ := createEvent(t, engine, 0, nil)

	err := engine.RecordCalendarEventID(context.Background(), event.ID, randomEmail(), "", "cal-x")
	require.ErrorIs(t, err, participation.ErrEmailNotFound)

	_, err = engine.CalendarEventID(context.Background(), event.ID, randomEmail())
	require.ErrorIs(t, err, participation.ErrEmailNotFound)
}

func TestRecordCalendarEventID_OnlyReplacesExpectedID(t *testing.T) {
	engine, store := newEngine(t)
	event, host := createEvent(t, engine, 0, nil)
	ctx := context.Background()

	id, err := engine.CalendarEventID(ctx, event.ID, host)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, engine.RecordCalendarEventID(ctx, event.ID, host, "", "cal-1"))

	// A second writer that also started from "no entry" loses.
	err = engine.RecordCalendarEventID(ctx, event.ID, host, "", "cal-2")
	require.ErrorIs(t, err, participation.ErrCalendarEventIDChanged)
	assert.True(t, participation.IsRejection(err))

	p, ok := store.participant(event.ID, host)
	require.True(t, ok)
	assert.Equal(t, "cal-1", p.CalendarEventID)

	require.NoError(t, engine.RecordCalendarEventID(ctx, event.ID, host, "cal-1", "cal-3"))
	id, err = engine.CalendarEventID(ctx, event.ID, strings.ToUpper(host))
	require.NoError(t, err)
	assert.Equal(t, "cal-3", id)
}

func TestIsRejection(t *testing.T) {
	assert.True(t, participation.IsRejection(participation.ErrEventFull))
	assert.False(t, participation.IsRejection(io.ErrUnexpectedEOF))
	assert.False(t, participation.IsRejection(nil))
}
