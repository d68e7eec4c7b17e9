package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventsync/internal/models"
	"eventsync/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Storage is a PostgreSQL-backed event store.
type Storage struct {
	dbpool *pgxpool.Pool
	queries
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

func New(ctx context.Context, dbAddr string) (*Storage, error) {
	const op = "storage.postgres.New"

	dbpool, err := pgxpool.New(ctx, dbAddr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{dbpool: dbpool, queries: queries{q: dbpool}}, nil
}

func (s *Storage) ClosePool() {
	s.dbpool.Close()
}

// WithTx runs fn in a READ COMMITTED transaction. Statements issued after
// LockEvent see every row committed before the lock was granted, which is
// what the capacity and host checks rely on.
func (s *Storage) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	const op = "storage.postgres.WithTx"

	pgTx, err := s.dbpool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() {
		_ = pgTx.Rollback(ctx)
	}()

	if err := fn(&tx{queries: queries{q: pgTx}}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

const eventColumns = "id, title, description, start_time, end_time, location, public, participant_limit, signup_deadline"

func (s *Storage) Event(ctx context.Context, eventID uuid.UUID) (models.Event, error) {
	const op = "storage.postgres.Event"

	event, err := s.event(ctx, eventID, false)
	if err != nil {
		return models.Event{}, fmt.Errorf("%s: %w", op, err)
	}

	return event, nil
}

func (s *Storage) FullEvent(ctx context.Context, eventID uuid.UUID) (models.FullEvent, error) {
	const op = "storage.postgres.FullEvent"

	event, err := s.event(ctx, eventID, false)
	if err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	participants, err := s.participants(ctx, eventID)
	if err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.q.Query(ctx, `
SELECT c.id, c.name
FROM categories c
JOIN event_categories ec ON ec.category_id = c.id
WHERE ec.event_id = $1
ORDER BY c.name`, eventID)
	if err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}
	categories, err := scanCategories(rows)
	if err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	full := models.FullEvent{
		Event:        event,
		Hosts:        []models.Participant{},
		Participants: []models.Participant{},
		Categories:   categories,
	}
	for _, p := range participants {
		if p.Role == models.RoleHost {
			full.Hosts = append(full.Hosts, p)
		} else {
			full.Participants = append(full.Participants, p)
		}
	}

	return full, nil
}

func (s *Storage) Events(ctx context.Context, filter storage.EventFilter) ([]models.Event, error) {
	const op = "storage.postgres.Events"

	clauses := []string{"TRUE"}
	args := pgx.NamedArgs{"now": time.Now().UTC()}

	if filter.OnlyFuture {
		clauses = append(clauses, "start_time > @now")
	}
	if filter.OnlyPast {
		clauses = append(clauses, "end_time < @now")
	}
	if filter.OnlyPublic {
		clauses = append(clauses, "public")
	}
	if filter.HostedBy != "" {
		clauses = append(clauses, "id IN (SELECT event_id FROM participants WHERE email = @hostedBy AND role = 'HOST')")
		args["hostedBy"] = filter.HostedBy
	}
	if filter.JoinedBy != "" {
		clauses = append(clauses, "id IN (SELECT event_id FROM participants WHERE email = @joinedBy AND role = 'PARTICIPANT')")
		args["joinedBy"] = filter.JoinedBy
	}
	if len(filter.CategoryIDs) > 0 {
		clauses = append(clauses, "id IN (SELECT event_id FROM event_categories WHERE category_id = ANY(@categoryIds))")
		args["categoryIds"] = filter.CategoryIDs
	}

	query := fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY start_time", eventColumns, strings.Join(clauses, " AND "))
	rows, err := s.q.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return events, nil
}

func (s *Storage) Categories(ctx context.Context) ([]models.Category, error) {
	const op = "storage.postgres.Categories"

	rows, err := s.q.Query(ctx, "SELECT id, name FROM categories ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	categories, err := scanCategories(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return categories, nil
}

func (s *Storage) CreateCategory(ctx context.Context, name string) (models.Category, error) {
	const op = "storage.postgres.CreateCategory"

	query := "INSERT INTO categories(name, name_key) VALUES(@name, @nameKey) RETURNING id, name"
	args := pgx.NamedArgs{
		"name":    strings.TrimSpace(name),
		"nameKey": models.CategoryKey(name),
	}

	var category models.Category
	err := s.q.QueryRow(ctx, query, args).Scan(&category.ID, &category.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Category{}, fmt.Errorf("%s: %w", op, storage.ErrCategoryExists)
		}
		return models.Category{}, fmt.Errorf("%s: %w", op, err)
	}

	return category, nil
}

func (q queries) event(ctx context.Context, eventID uuid.UUID, forUpdate bool) (models.Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	event, err := scanEvent(q.q.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Event{}, storage.ErrEventNotFound
		}
		return models.Event{}, err
	}

	return event, nil
}

func (q queries) participants(ctx context.Context, eventID uuid.UUID) ([]models.Participant, error) {
	rows, err := q.q.Query(ctx, `
SELECT email, name, role, COALESCE(calendar_event_id, '')
FROM participants
WHERE event_id = $1
ORDER BY email`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var event models.Event
	err := row.Scan(
		&event.ID,
		&event.Title,
		&event.Description,
		&event.StartTime,
		&event.EndTime,
		&event.Location,
		&event.Public,
		&event.ParticipantLimit,
		&event.SignupDeadline,
	)
	if err != nil {
		return models.Event{}, err
	}
	event.StartTime = event.StartTime.UTC()
	event.EndTime = event.EndTime.UTC()
	if event.SignupDeadline != nil {
		deadline := event.SignupDeadline.UTC()
		event.SignupDeadline = &deadline
	}

	return event, nil
}

func scanParticipant(row pgx.Row) (models.Participant, error) {
	var (
		p    models.Participant
		role string
	)
	if err := row.Scan(&p.Email, &p.Name, &role, &p.CalendarEventID); err != nil {
		return models.Participant{}, err
	}
	p.Role = models.Role(role)

	return p, nil
}

func scanCategories(rows pgx.Rows) ([]models.Category, error) {
	defer rows.Close()

	categories := []models.Category{}
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}

	return categories, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
