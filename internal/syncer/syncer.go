package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventsync/internal/models"
)

// CalendarProvider writes one calendar entry per attendee of an event.
type CalendarProvider interface {
	// CreateEvent creates the entry and returns its external id.
	CreateEvent(ctx context.Context, event models.Event, attendee models.Participant) (string, error)
	// UpdateEvent returns models.ErrCalendarEventNotFound when externalID is gone.
	UpdateEvent(ctx context.Context, externalID string, event models.Event, attendee models.Participant) error
	DeleteEvent(ctx context.Context, externalID string) error
}

// Mailer sends plain text e-mail.
type Mailer interface {
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// Syncer keeps the external calendars and inboxes of attendees in line with
// committed changes. Either backend may be nil, in which case the matching
// notifications are skipped.
type Syncer struct {
	logger          *slog.Logger
	calendar        CalendarProvider
	mailer          Mailer
	dryRun          bool
	primaryTimeZone *time.Location
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, calendar CalendarProvider, mailer Mailer, dryRun bool, tz *time.Location) *Syncer {
	if tz == nil {
		tz = time.UTC
	}

	return &Syncer{
		logger:          logger,
		calendar:        calendar,
		mailer:          mailer,
		dryRun:          dryRun,
		primaryTimeZone: tz,
	}
}

// NotifyCreateOrUpdate creates the attendee's calendar entry when
// priorExternalID is empty and updates it otherwise. It returns the id the
// entry is known by afterwards, which is empty when nothing was written.
func (s *Syncer) NotifyCreateOrUpdate(ctx context.Context, event models.Event, attendee models.Participant, priorExternalID string) (string, error) {
	if s.calendar == nil {
		s.logger.Debug("No calendar configured, skipping.", "title", event.Title, "attendee", attendee.Email)
		return priorExternalID, nil
	}

	// Adjust times to the primary timezone
	event.StartTime = event.StartTime.In(s.primaryTimeZone)
	event.EndTime = event.EndTime.In(s.primaryTimeZone)

	if priorExternalID == "" {
		if s.dryRun {
			s.logger.Info("[DRY RUN] Would create calendar event", "title", event.Title, "attendee", attendee.Email, "startTime", event.StartTime)
			return "", nil
		}
		return s.create(ctx, event, attendee)
	}

	if s.dryRun {
		s.logger.Info("[DRY RUN] Would update calendar event", "title", event.Title, "attendee", attendee.Email, "id", priorExternalID)
		return priorExternalID, nil
	}

	err := s.calendar.UpdateEvent(ctx, priorExternalID, event, attendee)
	if errors.Is(err, models.ErrCalendarEventNotFound) {
		// Removed on the provider side; start over.
		s.logger.Warn("Calendar event vanished, creating a new one.", "title", event.Title, "id", priorExternalID)
		return s.create(ctx, event, attendee)
	}
	if err != nil {
		return "", fmt.Errorf("failed to update calendar event %s: %w", priorExternalID, err)
	}

	s.logger.Info("Updated calendar event.", "title", event.Title, "attendee", attendee.Email)
	return priorExternalID, nil
}

// NotifyDelete deletes a calendar entry. An empty id means no entry was ever
// created and nothing is done.
func (s *Syncer) NotifyDelete(ctx context.Context, externalID string) error {
	if externalID == "" {
		return nil
	}
	if s.calendar == nil {
		s.logger.Debug("No calendar configured, skipping delete.", "id", externalID)
		return nil
	}
	if s.dryRun {
		s.logger.Info("[DRY RUN] Would delete calendar event", "id", externalID)
		return nil
	}

	err := s.calendar.DeleteEvent(ctx, externalID)
	if err != nil && !errors.Is(err, models.ErrCalendarEventNotFound) {
		return fmt.Errorf("failed to delete calendar event %s: %w", externalID, err)
	}

	s.logger.Info("Deleted calendar event.", "id", externalID)
	return nil
}

// NotifyPlainEmail sends the same message to every recipient.
func (s *Syncer) NotifyPlainEmail(ctx context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	if s.mailer == nil {
		s.logger.Debug("No mailer configured, skipping e-mail.", "subject", subject)
		return nil
	}
	if s.dryRun {
		s.logger.Info("[DRY RUN] Would send e-mail", "subject", subject, "recipients", len(recipients))
		return nil
	}

	if err := s.mailer.Send(ctx, subject, body, recipients); err != nil {
		return fmt.Errorf("failed to send e-mail: %w", err)
	}

	s.logger.Info("Sent e-mail.", "subject", subject, "recipients", len(recipients))
	return nil
}

func (s *Syncer) create(ctx context.Context, event models.Event, attendee models.Participant) (string, error) {
	id, err := s.calendar.CreateEvent(ctx, event, attendee)
	if err != nil {
		return "", fmt.Errorf("failed to create calendar event: %w", err)
	}

	s.logger.Info("Created calendar event.", "title", event.Title, "attendee", attendee.Email, "id", id)
	return id, nil
}
