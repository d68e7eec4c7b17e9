package storage

import (
	"context"
	"errors"

	"eventsync/internal/models"

	"github.com/google/uuid"
)

var (
	ErrEventNotFound       = errors.New("event not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already exists")
	ErrCategoryExists      = errors.New("category already exists")
	ErrCalendarIDChanged   = errors.New("calendar event id changed")
	ErrCacheMiss           = errors.New("cache miss")
)

// EventFilter narrows an event listing. Zero value lists every event.
type EventFilter struct {
	OnlyFuture  bool
	OnlyPast    bool
	OnlyPublic  bool
	HostedBy    string
	JoinedBy    string
	CategoryIDs []int64
}

// Tx is the set of statements the participation engine runs inside one
// transaction. Implementations must make LockEvent block concurrent
// transactions on the same event until commit or rollback.
type Tx interface {
	// LockEvent returns the event and holds its lock for the rest of the
	// transaction. Returns ErrEventNotFound when the event does not exist.
	LockEvent(ctx context.Context, eventID uuid.UUID) (models.Event, error)
	InsertEvent(ctx context.Context, event models.Event) error
	UpdateEvent(ctx context.Context, event models.Event) error
	// DeleteEvent removes the event; participants and category links cascade.
	DeleteEvent(ctx context.Context, eventID uuid.UUID) error

	Participant(ctx context.Context, eventID uuid.UUID, email string) (models.Participant, error)
	Participants(ctx context.Context, eventID uuid.UUID) ([]models.Participant, error)
	CountParticipants(ctx context.Context, eventID uuid.UUID, role models.Role) (int, error)
	CountOtherHosts(ctx context.Context, eventID uuid.UUID, email string) (int, error)
	// InsertParticipant returns ErrParticipantExists on a duplicate (event, email).
	InsertParticipant(ctx context.Context, eventID uuid.UUID, participant models.Participant) error
	// DeleteParticipant returns the removed row, or ErrParticipantNotFound.
	DeleteParticipant(ctx context.Context, eventID uuid.UUID, email string) (models.Participant, error)
	UpdateParticipantRole(ctx context.Context, eventID uuid.UUID, email string, role models.Role) error
	// SetCalendarEventID replaces the participant's calendar id with next only
	// while it still equals prior ("" for none). Returns ErrCalendarIDChanged
	// when another writer got there first.
	SetCalendarEventID(ctx context.Context, eventID uuid.UUID, email, prior, next string) error

	EventCategoryIDs(ctx context.Context, eventID uuid.UUID) ([]int64, error)
	ExistingCategoryIDs(ctx context.Context, ids []int64) ([]int64, error)
	UnlinkCategories(ctx context.Context, eventID uuid.UUID, ids []int64) error
	LinkCategories(ctx context.Context, eventID uuid.UUID, ids []int64) error
}
