package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"eventsync/internal/models"
	"eventsync/internal/storage"

	"github.com/google/uuid"
)

type tx struct {
	queries
}

var _ storage.Tx = (*tx)(nil)

// LockEvent reads the event. The store's single connection already keeps
// other transactions out until this one finishes.
func (t *tx) LockEvent(ctx context.Context, eventID uuid.UUID) (models.Event, error) {
	event, err := t.event(ctx, eventID)
	if err != nil {
		return models.Event{}, fmt.Errorf("lock event: %w", err)
	}
	return event, nil
}

func (t *tx) InsertEvent(ctx context.Context, event models.Event) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO events (id, title, description, start_time, end_time, location, public, participant_limit, signup_deadline)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID.String(),
		event.Title,
		event.Description,
		toMillis(event.StartTime),
		toMillis(event.EndTime),
		event.Location,
		boolToInt(event.Public),
		event.ParticipantLimit,
		nullMillis(event.SignupDeadline),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *tx) UpdateEvent(ctx context.Context, event models.Event) error {
	res, err := t.q.ExecContext(ctx, `
UPDATE events
SET title = ?, description = ?, start_time = ?, end_time = ?, location = ?,
    public = ?, participant_limit = ?, signup_deadline = ?
WHERE id = ?`,
		event.Title,
		event.Description,
		toMillis(event.StartTime),
		toMillis(event.EndTime),
		event.Location,
		boolToInt(event.Public),
		event.ParticipantLimit,
		nullMillis(event.SignupDeadline),
		event.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return expectRows(res, storage.ErrEventNotFound, "update event")
}

func (t *tx) DeleteEvent(ctx context.Context, eventID uuid.UUID) error {
	res, err := t.q.ExecContext(ctx, "DELETE FROM events WHERE id = ?", eventID.String())
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return expectRows(res, storage.ErrEventNotFound, "delete event")
}

func (t *tx) Participant(ctx context.Context, eventID uuid.UUID, email string) (models.Participant, error) {
	row := t.q.QueryRowContext(ctx, `
SELECT email, name, role, COALESCE(calendar_event_id, '')
FROM participants
WHERE event_id = ? AND email = ?`, eventID.String(), email)

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE event_id = ? AND role = ?",
		eventID.String(), string(role),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return count, nil
}

func (t *tx) CountOtherHosts(ctx context.Context, eventID uuid.UUID, email string) (int, error) {
	var count int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE event_id = ? AND role = 'HOST' AND email <> ?",
		eventID.String(), email,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count other hosts: %w", err)
	}
	return count, nil
}

func (t *tx) InsertParticipant(ctx context.Context, eventID uuid.UUID, p models.Participant) error {
	_, err := t.q.ExecContext(ctx,
		"INSERT INTO participants (event_id, email, name, role) VALUES (?, ?, ?, ?)",
		eventID.String(), p.Email, p.Name, string(p.Role),
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
	row := t.q.QueryRowContext(ctx, `
DELETE FROM participants
WHERE event_id = ? AND email = ?
RETURNING email, name, role, COALESCE(calendar_event_id, '')`, eventID.String(), email)

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Participant{}, storage.ErrParticipantNotFound
		}
		return models.Participant{}, fmt.Errorf("delete participant: %w", err)
	}
	return p, nil
}

func (t *tx) UpdateParticipantRole(ctx context.Context, eventID uuid.UUID, email string, role models.Role) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE participants SET role = ? WHERE event_id = ? AND email = ?",
		string(role), eventID.String(), email,
	)
	if err != nil {
		return fmt.Errorf("update participant role: %w", err)
	}
	return expectRows(res, storage.ErrParticipantNotFound, "update participant role")
}

func (t *tx) SetCalendarEventID(ctx context.Context, eventID uuid.UUID, email, prior, next string) error {
	res, err := t.q.ExecContext(ctx, `
UPDATE participants SET calendar_event_id = NULLIF(?, '')
WHERE event_id = ? AND email = ? AND COALESCE(calendar_event_id, '') = ?`,
		next, eventID.String(), email, prior,
	)
	if err != nil {
		return fmt.Errorf("set calendar event id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set calendar event id: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := t.Participant(ctx, eventID, email); err != nil {
		return err
	}
	return storage.ErrCalendarIDChanged
}

func (t *tx) EventCategoryIDs(ctx context.Context, eventID uuid.UUID) ([]int64, error) {
	rows, err := t.q.QueryContext(ctx,
		"SELECT category_id FROM event_categories WHERE event_id = ? ORDER BY category_id",
		eventID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("event category ids: %w", err)
	}
	return scanIDs(rows)
}

func (t *tx) ExistingCategoryIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM categories WHERE id IN (%s) ORDER BY id", placeholders(len(ids))),
		int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("existing category ids: %w", err)
	}
	return scanIDs(rows)
}

func (t *tx) UnlinkCategories(ctx context.Context, eventID uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := append([]any{eventID.String()}, int64Args(ids)...)
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM event_categories WHERE event_id = ? AND category_id IN (%s)", placeholders(len(ids))),
		args...,
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

	values := make([]string, 0, len(ids))
	args := make([]any, 0, 2*len(ids))
	for _, id := range ids {
		values = append(values, "(?, ?)")
		args = append(args, eventID.String(), id)
	}
	_, err := t.q.ExecContext(ctx,
		"INSERT INTO event_categories (event_id, category_id) VALUES "+strings.Join(values, ", "),
		args...,
	)
	if err != nil {
		return fmt.Errorf("link categories: %w", err)
	}
	return nil
}

func expectRows(res sql.Result, notFound error, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
