package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"eventsync/internal/models"
	"eventsync/internal/storage"
	"eventsync/internal/storage/migrations"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// Storage is a SQLite-backed event store.
//
// The pool is limited to one connection, so every transaction runs alone and
// the check-then-insert sequences of the engine cannot interleave.
type Storage struct {
	db *sql.DB
	queries
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements shared by the store and its transactions.
type queries struct {
	q querier
}

// New opens the database at storagePath and applies pending migrations.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	if strings.TrimSpace(storagePath) == "" {
		return nil, fmt.Errorf("%s: storage path is required", op)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		filepath.Clean(storagePath),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrations.NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := migrations.Up(m); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db, queries: queries{q: db}}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func (s *Storage) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	const op = "storage.sqlite.WithTx"

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer sqlTx.Rollback() // no-op after commit

	if err := fn(&tx{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

const eventColumns = "id, title, description, start_time, end_time, location, public, participant_limit, signup_deadline"

// Event returns a single event without locking it.
func (s *Storage) Event(ctx context.Context, eventID uuid.UUID) (models.Event, error) {
	const op = "storage.sqlite.Event"

	event, err := s.event(ctx, eventID)
	if err != nil {
		return models.Event{}, fmt.Errorf("%s: %w", op, err)
	}

	return event, nil
}

// FullEvent returns the event with its hosts, participants and categories.
func (s *Storage) FullEvent(ctx context.Context, eventID uuid.UUID) (models.FullEvent, error) {
	const op = "storage.sqlite.FullEvent"

	event, err := s.event(ctx, eventID)
	if err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	participants, err := s.participants(ctx, eventID)
	if err != nil {
		return models.FullEvent{}, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.q.QueryContext(ctx, `
SELECT c.id, c.name
FROM categories c
JOIN event_categories ec ON ec.category_id = c.id
WHERE ec.event_id = ?
ORDER BY c.name`, eventID.String())
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

// Events lists events matching filter ordered by start time.
func (s *Storage) Events(ctx context.Context, filter storage.EventFilter) ([]models.Event, error) {
	const op = "storage.sqlite.Events"

	clauses := []string{"1 = 1"}
	var args []any
	now := toMillis(time.Now())

	if filter.OnlyFuture {
		clauses = append(clauses, "start_time > ?")
		args = append(args, now)
	}
	if filter.OnlyPast {
		clauses = append(clauses, "end_time < ?")
		args = append(args, now)
	}
	if filter.OnlyPublic {
		clauses = append(clauses, "public = 1")
	}
	if filter.HostedBy != "" {
		clauses = append(clauses, "id IN (SELECT event_id FROM participants WHERE email = ? AND role = 'HOST')")
		args = append(args, filter.HostedBy)
	}
	if filter.JoinedBy != "" {
		clauses = append(clauses, "id IN (SELECT event_id FROM participants WHERE email = ? AND role = 'PARTICIPANT')")
		args = append(args, filter.JoinedBy)
	}
	if len(filter.CategoryIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf(
			"id IN (SELECT event_id FROM event_categories WHERE category_id IN (%s))",
			placeholders(len(filter.CategoryIDs)),
		))
		for _, id := range filter.CategoryIDs {
			args = append(args, id)
		}
	}

	query := fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY start_time", eventColumns, strings.Join(clauses, " AND "))
	rows, err := s.q.QueryContext(ctx, query, args...)
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

// Categories lists every category ordered by name.
func (s *Storage) Categories(ctx context.Context) ([]models.Category, error) {
	const op = "storage.sqlite.Categories"

	rows, err := s.q.QueryContext(ctx, "SELECT id, name FROM categories ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	categories, err := scanCategories(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return categories, nil
}

// CreateCategory stores a new category. Names are unique after case folding.
func (s *Storage) CreateCategory(ctx context.Context, name string) (models.Category, error) {
	const op = "storage.sqlite.CreateCategory"

	category := models.Category{Name: strings.TrimSpace(name)}
	err := s.q.QueryRowContext(ctx,
		"INSERT INTO categories(name, name_key) VALUES(?, ?) RETURNING id",
		category.Name, models.CategoryKey(category.Name),
	).Scan(&category.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Category{}, fmt.Errorf("%s: %w", op, storage.ErrCategoryExists)
		}
		return models.Category{}, fmt.Errorf("%s: %w", op, err)
	}

	return category, nil
}

func (q queries) event(ctx context.Context, eventID uuid.UUID) (models.Event, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", eventID.String())

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Event{}, storage.ErrEventNotFound
		}
		return models.Event{}, err
	}

	return event, nil
}

func (q queries) participants(ctx context.Context, eventID uuid.UUID) ([]models.Participant, error) {
	rows, err := q.q.QueryContext(ctx, `
SELECT email, name, role, COALESCE(calendar_event_id, '')
FROM participants
WHERE event_id = ?
ORDER BY email`, eventID.String())
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (models.Event, error) {
	var (
		event      models.Event
		id         string
		start, end int64
		public     int64
		deadline   sql.NullInt64
	)
	if err := row.Scan(
		&id,
		&event.Title,
		&event.Description,
		&start,
		&end,
		&event.Location,
		&public,
		&event.ParticipantLimit,
		&deadline,
	); err != nil {
		return models.Event{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return models.Event{}, fmt.Errorf("parse event id %q: %w", id, err)
	}
	event.ID = parsed
	event.StartTime = fromMillis(start)
	event.EndTime = fromMillis(end)
	event.Public = public != 0
	if deadline.Valid {
		t := fromMillis(deadline.Int64)
		event.SignupDeadline = &t
	}

	return event, nil
}

func scanParticipant(row scanner) (models.Participant, error) {
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

func scanCategories(rows *sql.Rows) ([]models.Category, error) {
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
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()

	return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
