// Package events is the application layer between the HTTP handlers and the
// participation engine. It checks host privileges, validates input and,
// once a transition has committed, schedules calendar and e-mail
// notifications and domain events on the dispatcher.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventsync/internal/lib/logger/sl"
	"eventsync/internal/models"
	"eventsync/internal/services/dispatcher"
	"eventsync/internal/services/participation"
	"eventsync/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Participation is the set of guarded transitions the service drives.
type Participation interface {
	CreateEvent(ctx context.Context, event models.Event, host models.Participant) error
	UpdateEvent(ctx context.Context, event models.Event) ([]models.Participant, error)
	Register(ctx context.Context, eventID uuid.UUID, p models.Participant) (models.Event, error)
	Unregister(ctx context.Context, eventID uuid.UUID, email string) (models.Participant, error)
	ChangeRole(ctx context.Context, eventID uuid.UUID, email string, role models.Role) (models.Participant, error)
	DeleteEvent(ctx context.Context, eventID uuid.UUID) (participation.Deletion, error)
	SetCategories(ctx context.Context, eventID uuid.UUID, desired []int64) (participation.CategoryDelta, error)
	CalendarEventID(ctx context.Context, eventID uuid.UUID, email string) (string, error)
	RecordCalendarEventID(ctx context.Context, eventID uuid.UUID, email, prior, next string) error
}

type EventProvider interface {
	FullEvent(ctx context.Context, eventID uuid.UUID) (models.FullEvent, error)
	Events(ctx context.Context, filter storage.EventFilter) ([]models.Event, error)
}

type CategoryProvider interface {
	Categories(ctx context.Context) ([]models.Category, error)
	CreateCategory(ctx context.Context, name string) (models.Category, error)
}

// CategoryCache is optional. Categories returns storage.ErrCacheMiss when
// nothing is cached, along with the generation SaveCategories must be given.
// SaveCategories does nothing once the cache was invalidated after that
// generation was read.
type CategoryCache interface {
	Categories(ctx context.Context) ([]models.Category, int64, error)
	SaveCategories(ctx context.Context, generation int64, categories []models.Category) error
	InvalidateCategories(ctx context.Context) error
}

// Notifier talks to the calendar provider and the mail server.
type Notifier interface {
	NotifyCreateOrUpdate(ctx context.Context, event models.Event, attendee models.Participant, priorExternalID string) (string, error)
	NotifyDelete(ctx context.Context, externalID string) error
	NotifyPlainEmail(ctx context.Context, subject, body string, recipients []string) error
}

// Dispatcher runs jobs sharing a key one at a time, in submission order.
type Dispatcher interface {
	SubmitKeyed(key, name string, job dispatcher.Job) bool
}

// EventPublisher is optional and receives one JSON message per committed
// transition, keyed by event id.
type EventPublisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

type Service struct {
	log        *slog.Logger
	validator  *validator.Validate
	engine     Participation
	events     EventProvider
	categories CategoryProvider
	cache      CategoryCache
	notifier   Notifier
	jobs       Dispatcher
	publisher  EventPublisher
	now        func() time.Time
}

type Option func(*Service)

func WithCategoryCache(cache CategoryCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func New(
	log *slog.Logger,
	engine Participation,
	events EventProvider,
	categories CategoryProvider,
	notifier Notifier,
	jobs Dispatcher,
	opts ...Option,
) *Service {
	s := &Service{
		log:        log,
		validator:  validator.New(),
		engine:     engine,
		events:     events,
		categories: categories,
		notifier:   notifier,
		jobs:       jobs,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EventInput holds the editable fields of an event.
type EventInput struct {
	Title            string     `json:"title" validate:"required,max=255"`
	Description      string     `json:"description"`
	StartTime        time.Time  `json:"startTime" validate:"required"`
	EndTime          time.Time  `json:"endTime" validate:"required,gtfield=StartTime"`
	Location         string     `json:"location"`
	Public           bool       `json:"public"`
	ParticipantLimit int        `json:"participantLimit" validate:"gte=0"`
	SignupDeadline   *time.Time `json:"signupDeadline"`
}

func (in EventInput) toEvent(id uuid.UUID) models.Event {
	return models.Event{
		ID:               id,
		Title:            in.Title,
		Description:      in.Description,
		StartTime:        in.StartTime,
		EndTime:          in.EndTime,
		Location:         in.Location,
		Public:           in.Public,
		ParticipantLimit: in.ParticipantLimit,
		SignupDeadline:   in.SignupDeadline,
	}
}

// ListQuery selects events for ListEvents. Without OnlyMine or OnlyJoined
// only public events are listed.
type ListQuery struct {
	OnlyFuture  bool
	OnlyPast    bool
	OnlyMine    bool
	OnlyJoined  bool
	CategoryIDs []int64
}

// CreateEvent stores a new event with the caller as its host.
func (s *Service) CreateEvent(ctx context.Context, caller models.Identity, in EventInput) (models.FullEvent, error) {
	const op = "events.CreateEvent"
	log := s.log.With(slog.String("op", op))

	if err := s.validator.Struct(in); err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w: %w", op, ErrInvalidInput, err)
	}

	event := in.toEvent(uuid.New())
	host := caller.AsParticipant(models.RoleHost)

	if err := s.engine.CreateEvent(ctx, event, host); err != nil {
		log.Error("failed to create event", sl.Err(err))
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("event created", slog.String("event_id", event.ID.String()))

	s.syncCalendar(event, host)
	s.publish(typeEventCreated, event.ID, host.Email, event)

	return models.FullEvent{
		Event:        event,
		Hosts:        []models.Participant{host},
		Participants: []models.Participant{},
		Categories:   []models.Category{},
	}, nil
}

// UpdateEvent replaces the event's fields and refreshes every attendee's
// calendar entry.
func (s *Service) UpdateEvent(ctx context.Context, caller models.Identity, eventID uuid.UUID, in EventInput) (models.FullEvent, error) {
	const op = "events.UpdateEvent"
	log := s.log.With(slog.String("op", op), slog.String("event_id", eventID.String()))

	if err := s.validator.Struct(in); err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w: %w", op, ErrInvalidInput, err)
	}
	if _, err := s.authorize(ctx, caller, eventID); err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	event := in.toEvent(eventID)
	attendees, err := s.engine.UpdateEvent(ctx, event)
	if err != nil {
		return models.FullEvent{}, s.fail(log, op, "failed to update event", err)
	}

	log.Info("event updated", slog.Int("attendees", len(attendees)))

	for _, attendee := range attendees {
		s.syncCalendar(event, attendee)
	}
	s.publish(typeEventUpdated, eventID, models.NormalizeEmail(caller.Email), event)

	return s.GetEvent(ctx, eventID)
}

// GetEvent returns the event with its hosts, participants and categories.
func (s *Service) GetEvent(ctx context.Context, eventID uuid.UUID) (models.FullEvent, error) {
	const op = "events.GetEvent"

	full, err := s.events.FullEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, storage.ErrEventNotFound) {
			return models.FullEvent{}, fmt.Errorf("%s: %w", op, participation.ErrEventNotFound)
		}
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	return full, nil
}

// ListEvents lists events ordered by start time.
func (s *Service) ListEvents(ctx context.Context, caller models.Identity, q ListQuery) ([]models.FullEvent, error) {
	const op = "events.ListEvents"

	email := models.NormalizeEmail(caller.Email)
	filter := storage.EventFilter{
		OnlyFuture:  q.OnlyFuture,
		OnlyPast:    q.OnlyPast,
		OnlyPublic:  !q.OnlyMine && !q.OnlyJoined,
		CategoryIDs: q.CategoryIDs,
	}
	if q.OnlyMine {
		filter.HostedBy = email
	}
	if q.OnlyJoined {
		filter.JoinedBy = email
	}

	events, err := s.events.Events(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result := make([]models.FullEvent, 0, len(events))
	for _, event := range events {
		full, err := s.events.FullEvent(ctx, event.ID)
		if errors.Is(err, storage.ErrEventNotFound) {
			// Deleted since the listing.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, full)
	}

	return result, nil
}

// Register signs the caller up as a participant.
func (s *Service) Register(ctx context.Context, caller models.Identity, eventID uuid.UUID) error {
	const op = "events.Register"
	log := s.log.With(slog.String("op", op), slog.String("event_id", eventID.String()))

	p := caller.AsParticipant(models.RoleParticipant)
	event, err := s.engine.Register(ctx, eventID, p)
	if err != nil {
		return s.fail(log, op, "failed to register", err)
	}

	log.Info("participant registered")

	s.syncCalendar(event, p)
	s.publish(typeParticipantRegistered, eventID, p.Email, p)

	return nil
}

// Unregister removes the caller from the event.
func (s *Service) Unregister(ctx context.Context, caller models.Identity, eventID uuid.UUID) error {
	const op = "events.Unregister"

	return s.unregister(ctx, op, caller.Email, eventID, caller.Email)
}

// RemoveParticipant lets a host remove anyone, hosts included, from the event.
func (s *Service) RemoveParticipant(ctx context.Context, caller models.Identity, eventID uuid.UUID, email string) error {
	const op = "events.RemoveParticipant"

	if _, err := s.authorize(ctx, caller, eventID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.unregister(ctx, op, caller.Email, eventID, email)
}

func (s *Service) unregister(ctx context.Context, op, actor string, eventID uuid.UUID, email string) error {
	log := s.log.With(slog.String("op", op), slog.String("event_id", eventID.String()))

	removed, err := s.engine.Unregister(ctx, eventID, email)
	if err != nil {
		return s.fail(log, op, "failed to unregister", err)
	}

	log.Info("participant removed")

	s.removeCalendarEntry(eventID, removed)
	s.publish(typeParticipantUnregistered, eventID, models.NormalizeEmail(actor), removed)

	return nil
}

// ChangeRole promotes or demotes a participant of the event.
func (s *Service) ChangeRole(ctx context.Context, caller models.Identity, eventID uuid.UUID, email string, role models.Role) error {
	const op = "events.ChangeRole"
	log := s.log.With(slog.String("op", op), slog.String("event_id", eventID.String()))

	if _, err := s.authorize(ctx, caller, eventID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	updated, err := s.engine.ChangeRole(ctx, eventID, email, role)
	if err != nil {
		return s.fail(log, op, "failed to change role", err)
	}

	log.Info("role changed", slog.String("role", string(updated.Role)))

	s.publish(typeParticipantRoleChanged, eventID, models.NormalizeEmail(caller.Email), updated)

	return nil
}

// DeleteEvent deletes the event, removes every calendar entry that was
// created for it and e-mails everyone a cancellation notice.
func (s *Service) DeleteEvent(ctx context.Context, caller models.Identity, eventID uuid.UUID) error {
	const op = "events.DeleteEvent"
	log := s.log.With(slog.String("op", op), slog.String("event_id", eventID.String()))

	if _, err := s.authorize(ctx, caller, eventID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	deletion, err := s.engine.DeleteEvent(ctx, eventID)
	if err != nil {
		return s.fail(log, op, "failed to delete event", err)
	}

	log.Info("event deleted", slog.Int("attendees", len(deletion.Attendees)))

	for _, attendee := range deletion.Attendees {
		s.cancel(deletion.Event, attendee)
	}
	s.publish(typeEventDeleted, eventID, models.NormalizeEmail(caller.Email), deletion.Event)

	return nil
}

// SetCategories replaces the event's categories. Unknown ids are ignored.
func (s *Service) SetCategories(ctx context.Context, caller models.Identity, eventID uuid.UUID, categoryIDs []int64) (participation.CategoryDelta, error) {
	const op = "events.SetCategories"
	log := s.log.With(slog.String("op", op), slog.String("event_id", eventID.String()))

	if _, err := s.authorize(ctx, caller, eventID); err != nil {
		return participation.CategoryDelta{}, fmt.Errorf("%s: %w", op, err)
	}

	delta, err := s.engine.SetCategories(ctx, eventID, categoryIDs)
	if err != nil {
		return participation.CategoryDelta{}, s.fail(log, op, "failed to set categories", err)
	}

	if !delta.Empty() {
		log.Info("categories changed", slog.Int("added", len(delta.Added)), slog.Int("removed", len(delta.Removed)))
		s.publish(typeCategoriesSet, eventID, models.NormalizeEmail(caller.Email), delta)
	}

	return delta, nil
}

// authorize returns the event when the caller is one of its hosts. The check
// runs outside the transition's transaction.
func (s *Service) authorize(ctx context.Context, caller models.Identity, eventID uuid.UUID) (models.FullEvent, error) {
	full, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return models.FullEvent{}, err
	}

	email := models.NormalizeEmail(caller.Email)
	for _, host := range full.Hosts {
		if host.Email == email {
			return full, nil
		}
	}

	return models.FullEvent{}, ErrForbidden
}

// fail logs err at a level matching whether it is an expected rejection and
// returns it wrapped with op.
func (s *Service) fail(log *slog.Logger, op, msg string, err error) error {
	if participation.IsRejection(err) {
		log.Info(msg, sl.Err(err))
	} else {
		log.Error(msg, sl.Err(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
