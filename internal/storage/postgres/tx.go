package postgres

import (
	"context"
	"errors"
	"fmt"

	"eventsync/internal/models"
	"eventsync/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type tx struct {
	queries
}

var _ storage.Tx = (*tx)(nil)

// LockEvent takes a row lock on the event that concurrent transitions on the
// same event wait for.
func (t *tx) LockEvent(ctx context.Context, eventID uuid.UUID) (models.Event, error) {
	event, err := t.event(ctx, eventID, true)
	if err != nil {
		return models.Event{}, fmt.Errorf("lock event: %w", err)
	}
	return event, nil
}

func (t *tx) InsertEvent(ctx context.Context, event models.Event) error {
	query := `
INSERT INTO events (id, title, description, start_time, end_time, location, public, participant_limit, signup_deadline)
VALUES (@id, @title, @description, @startTime, @endTime, @location, @public, @participantLimit, @signupDeadline)`

	if _, err := t.q.Exec(ctx, query, eventArgs(event)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *tx) UpdateEvent(ctx context.Context, event models.Event) error {
	query := `
UPDATE events
SET title = @title, description = @description, start_time = @startTime, end_time = @endTime,
    location = @location, public = @public, participant_limit = @participantLimit,
    signup_deadline = @signupDeadline
WHERE id = @id`

	tag, err := t.q.Exec(ctx, query, eventArgs(event))
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrEventNotFound
	}
	return nil
}

func (t *tx) DeleteEvent(ctx context.Context, eventID uuid.UUID) error {
	tag, err := t.q.Exec(ctx, "DELETE FROM events WHERE id = $1", eventID)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrEventNotFound
	}
	return nil
}

func (t *tx) Participant(ctx context.Context, eventID uuid.UUID, email string) (models.Participant, error) {
	row := t.q.QueryRow(ctx, `
SELECT email, name, role, COALESCE(calendar_event_id, '')
FROM participants
WHERE event_id = $1 AND email = $2`, eventID, email)

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Participant{}, storage.ErrParticipantNotFound
		}
		return models.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (t *tx) Participants(ctx context.Context, eventID uuid.UUID) ([]models.Participant, error) {
	participants, err := t.participants(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return participants, nil
}

func (t *tx) CountParticipants(ctx context.Context, eventID uuid.UUID, role models.Role) (int, error) {
	var count int
	err := t.q.QueryRow(ctx,
		"SELECT COUNT(*) FROM participants WHERE event_id = $1 AND role = $2",
		eventID, string(role),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return count, nil
}

func (t *tx) CountOtherHosts(ctx context.Context, eventID uuid.UUID, email string) (int, error) {
	var count int
	err := t.q.QueryRow(ctx,
		"SELECT COUNT(*) FROM participants WHERE event_id = $1 AND role = 'HOST' AND email <> $2",
		eventID, email,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count other hosts: %w", err)
	}
	return count, nil
}

func (t *tx) InsertParticipant(ctx context.Context, eventID uuid.UUID, p models.Participant) error {
	_, err := t.q.Exec(ctx,
		"INSERT INTO participants (event_id, email, name, role) VALUES ($1, $2, $3, $4)",
		eventID, p.Email, p.Name, string(p.Role),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrParticipantExists
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (t *tx) DeleteParticipant(ctx context.Context, eventID uuid.UUID, email string) (models.Participant, error) {
	row := t.q.QueryRow(ctx, `
DELETE FROM participants
WHERE event_id = $1 AND email = $2
RETURNING email, name, role, COALESCE(calendar_event_id, '')`, eventID, email)

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Participant{}, storage.ErrParticipantNotFound
		}
		return models.Participant{}, fmt.Errorf("delete participant: %w", err)
	}
	return p, nil
}

func (t *tx) UpdateParticipantRole(ctx context.Context, eventID uuid.UUID, email string, role models.Role) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE participants SET role = $1 WHERE event_id = $2 AND email = $3",
		string(role), eventID, email,
	)
	if err != nil {
		return fmt.Errorf("update participant role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrParticipantNotFound
	}
	return nil
}

func (t *tx) SetCalendarEventID(ctx context.Context, eventID uuid.UUID, email, prior, next string) error {
	tag, err := t.q.Exec(ctx, `
UPDATE participants SET calendar_event_id = NULLIF($1, '')
WHERE event_id = $2 AND email = $3 AND COALESCE(calendar_event_id, '') = $4`,
		next, eventID, email, prior,
	)
	if err != nil {
		return fmt.Errorf("set calendar event id: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := t.Participant(ctx, eventID, email); err != nil {
		return err
	}
	return storage.ErrCalendarIDChanged
}

func (t *tx) EventCategoryIDs(ctx context.Context, eventID uuid.UUID) ([]int64, error) {
	rows, err := t.q.Query(ctx,
		"SELECT category_id FROM event_categories WHERE event_id = $1 ORDER BY category_id",
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("event category ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("event category ids: %w", err)
	}
	return ids, nil
}

func (t *tx) ExistingCategoryIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := t.q.Query(ctx, "SELECT id::bigint FROM categories WHERE id = ANY($1) ORDER BY id", ids)
	if err != nil {
		return nil, fmt.Errorf("existing category ids: %w", err)
	}

	existing, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("existing category ids: %w", err)
	}
	return existing, nil
}

func (t *tx) UnlinkCategories(ctx context.Context, eventID uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := t.q.Exec(ctx,
		"DELETE FROM event_categories WHERE event_id = $1 AND category_id = ANY($2)",
		eventID, ids,
	)
	if err != nil {
		return fmt.Errorf("unlink categories: %w", err)
	}
	return nil
}

func (t *tx) LinkCategories(ctx context.Context, eventID uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := t.q.Exec(ctx,
		"INSERT INTO event_categories (event_id, category_id) SELECT $1, unnest($2::bigint[])",
		eventID, ids,
	)
	if err != nil {
		return fmt.Errorf("link categories: %w", err)
	}
	return nil
}

func eventArgs(event models.Event) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":               event.ID,
		"title":            event.Title,
		"description":      event.Description,
		"startTime":        event.StartTime,
		"endTime":          event.EndTime,
		"location":         event.Location,
		"public":           event.Public,
		"participantLimit": event.ParticipantLimit,
		"signupDeadline":   event.SignupDeadline,
	}
}
