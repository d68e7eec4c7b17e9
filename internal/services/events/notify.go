package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventsync/internal/lib/logger/sl"
	"eventsync/internal/models"
	"eventsync/internal/services/participation"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	typeEventCreated            = "event.created"
	typeEventUpdated            = "event.updated"
	typeEventDeleted            = "event.deleted"
	typeParticipantRegistered   = "participant.registered"
	typeParticipantUnregistered = "participant.unregistered"
	typeParticipantRoleChanged  = "participant.role_changed"
	typeCategoriesSet           = "event.categories_set"
)

const (
	jobCalendarSync   = "calendar.sync"
	jobCalendarDelete = "calendar.delete"
	jobCancellation   = "cancellation"
	jobPublish        = "kafka.publish"
)

// DomainEvent is the message published for every committed transition.
type DomainEvent struct {
	Type       string    `json:"type"`
	EventID    uuid.UUID `json:"eventId"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data,omitempty"`
}

// syncCalendar creates or updates attendee's calendar entry. The decision is
// taken on the id recorded when the job runs, so queued jobs for the same
// attendee never both create an entry. A newly created entry is deleted
// again when its id cannot be recorded, because the attendee left or
// another entry was recorded first.
func (s *Service) syncCalendar(event models.Event, attendee models.Participant) {
	s.submit(attendeeKey(event.ID, attendee.Email), jobCalendarSync, func(ctx context.Context) error {
		prior, err := s.engine.CalendarEventID(ctx, event.ID, attendee.Email)
		if isGone(err) {
			return nil
		}
		if err != nil {
			return err
		}

		id, err := s.notifier.NotifyCreateOrUpdate(ctx, event, attendee, prior)
		if err != nil {
			return err
		}
		if id == "" || id == prior {
			return nil
		}

		err = s.engine.RecordCalendarEventID(ctx, event.ID, attendee.Email, prior, id)
		if err == nil {
			return nil
		}

		if delErr := s.notifier.NotifyDelete(ctx, id); delErr != nil {
			s.log.Error("failed to delete orphaned calendar entry", slog.String("calendar_event_id", id), sl.Err(delErr))
		}
		if isGone(err) || errors.Is(err, participation.ErrCalendarEventIDChanged) {
			return nil
		}
		// A retry would create yet another entry.
		return backoff.Permanent(fmt.Errorf("record calendar event id: %w", err))
	})
}

func (s *Service) removeCalendarEntry(eventID uuid.UUID, removed models.Participant) {
	if removed.CalendarEventID == "" {
		return
	}
	s.submit(attendeeKey(eventID, removed.Email), jobCalendarDelete, func(ctx context.Context) error {
		return s.notifier.NotifyDelete(ctx, removed.CalendarEventID)
	})
}

// cancel deletes attendee's calendar entry and e-mails a cancellation notice.
func (s *Service) cancel(event models.Event, attendee models.Participant) {
	subject := fmt.Sprintf("Cancelled: %s", event.Title)
	body := fmt.Sprintf(`Hi %s,

The event %q planned for %s has been cancelled.

Keep an eye out for new events.
`, attendee.Name, event.Title, event.StartTime.Format("Monday 2 January 2006 15:04 MST"))

	s.submit(attendeeKey(event.ID, attendee.Email), jobCancellation, func(ctx context.Context) error {
		if err := s.notifier.NotifyDelete(ctx, attendee.CalendarEventID); err != nil {
			return err
		}
		return s.notifier.NotifyPlainEmail(ctx, subject, body, []string{attendee.Email})
	})
}

func (s *Service) publish(eventType string, eventID uuid.UUID, actor string, data any) {
	if s.publisher == nil {
		return
	}

	payload, err := json.Marshal(DomainEvent{
		Type:       eventType,
		EventID:    eventID,
		Actor:      actor,
		OccurredAt: s.now().UTC(),
		Data:       data,
	})
	if err != nil {
		s.log.Error("failed to marshal domain event", slog.String("type", eventType), sl.Err(err))
		return
	}

	key := []byte(eventID.String())
	s.submit(eventID.String(), jobPublish, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, key, payload)
	})
}

func (s *Service) submit(key, name string, job func(ctx context.Context) error) {
	if !s.jobs.SubmitKeyed(key, name, job) {
		s.log.Warn("notification dropped", slog.String("job", name), slog.String("key", key))
	}
}

// attendeeKey orders every calendar job of one attendee of one event.
func attendeeKey(eventID uuid.UUID, email string) string {
	return eventID.String() + "/" + models.NormalizeEmail(email)
}

// isGone reports whether the attendee or the whole event no longer exists.
func isGone(err error) bool {
	return errors.Is(err, participation.ErrEmailNotFound) || errors.Is(err, participation.ErrEventNotFound)
}
