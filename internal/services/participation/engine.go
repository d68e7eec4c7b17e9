// Package participation guards every write to an event's membership.
//
// Each transition runs in a single store transaction that starts by locking
// the event row, so the checks it performs and the write that follows see
// the same state. Notifications are not sent from here; callers schedule
// them once a transition has returned successfully, i.e. after commit.
package participation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventsync/internal/lib/logger/sl"
	"eventsync/internal/models"
	"eventsync/internal/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store opens transactions against the relational store.
type Store interface {
	WithTx(ctx context.Context, fn func(storage.Tx) error) error
}

type Engine struct {
	log      *slog.Logger
	store    Store
	now      func() time.Time
	tracer   trace.Tracer
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type Option func(*Engine)

// WithClock replaces time.Now, which decides whether a signup deadline passed.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics counts transitions by op and outcome and records their latency.
// Both vectors must have the labels "op" and "outcome".
func WithMetrics(total *prometheus.CounterVec, duration *prometheus.HistogramVec) Option {
	return func(e *Engine) {
		e.total = total
		e.duration = duration
	}
}

func New(log *slog.Logger, store Store, opts ...Option) *Engine {
	e := &Engine{
		log:    log,
		store:  store,
		now:    time.Now,
		tracer: otel.Tracer("eventsync/participation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deletion is what DeleteEvent captured before the rows disappeared.
type Deletion struct {
	Event     models.Event
	Attendees []models.Participant
}

// CategoryDelta is the difference SetCategories wrote.
type CategoryDelta struct {
	Added   []int64
	Removed []int64
}

// Empty reports whether SetCategories performed no writes.
func (d CategoryDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// CreateEvent stores a new event together with its first host.
func (e *Engine) CreateEvent(ctx context.Context, event models.Event, host models.Participant) (err error) {
	const op = "participation.CreateEvent"
	ctx, done := e.begin(ctx, op, event.ID)
	defer func() { done(err) }()

	host.Email = models.NormalizeEmail(host.Email)
	host.Role = models.RoleHost

	return e.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertEvent(ctx, event); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := tx.InsertParticipant(ctx, event.ID, host); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
}

// UpdateEvent replaces the event's editable fields and returns everyone who
// should learn about the change.
func (e *Engine) UpdateEvent(ctx context.Context, event models.Event) (attendees []models.Participant, err error) {
	const op = "participation.UpdateEvent"
	ctx, done := e.begin(ctx, op, event.ID)
	defer func() { done(err) }()

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockEvent(ctx, event.ID); err != nil {
			return translate(op, err)
		}
		if err := tx.UpdateEvent(ctx, event); err != nil {
			return translate(op, err)
		}

		attendees, err = tx.Participants(ctx, event.ID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return attendees, nil
}

// Register adds a participant. Preconditions are checked in this order:
// the event exists, the e-mail is not registered yet, there is room left,
// the signup deadline has not passed. Hosts do not take up capacity.
func (e *Engine) Register(ctx context.Context, eventID uuid.UUID, p models.Participant) (event models.Event, err error) {
	const op = "participation.Register"
	ctx, done := e.begin(ctx, op, eventID)
	defer func() { done(err) }()

	if p.Role == "" {
		p.Role = models.RoleParticipant
	}
	if !p.Role.Valid() {
		return models.Event{}, fmt.Errorf("%s: %w", op, ErrInvalidRole)
	}
	p.Email = models.NormalizeEmail(p.Email)
	p.CalendarEventID = ""

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		event, err = tx.LockEvent(ctx, eventID)
		if err != nil {
			return translate(op, err)
		}

		_, err = tx.Participant(ctx, eventID, p.Email)
		switch {
		case err == nil:
			return fmt.Errorf("%s: %w", op, ErrAlreadyRegistered)
		case !errors.Is(err, storage.ErrParticipantNotFound):
			return fmt.Errorf("%s: %w", op, err)
		}

		if p.Role == models.RoleParticipant && event.ParticipantLimit > 0 {
			count, err := tx.CountParticipants(ctx, eventID, models.RoleParticipant)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if count >= event.ParticipantLimit {
				return fmt.Errorf("%s: %w", op, ErrEventFull)
			}
		}

		if event.SignupClosed(e.now()) {
			return fmt.Errorf("%s: %w", op, ErrDeadlinePassed)
		}

		if err := tx.InsertParticipant(ctx, eventID, p); err != nil {
			return translate(op, err)
		}
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}

	return event, nil
}

// Unregister removes a participant and returns the removed row, including
// the calendar entry that was created for it.
func (e *Engine) Unregister(ctx context.Context, eventID uuid.UUID, email string) (removed models.Participant, err error) {
	const op = "participation.Unregister"
	ctx, done := e.begin(ctx, op, eventID)
	defer func() { done(err) }()

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockEvent(ctx, eventID); err != nil {
			return translate(op, err)
		}

		removed, err = tx.DeleteParticipant(ctx, eventID, models.NormalizeEmail(email))
		if err != nil {
			return translate(op, err)
		}
		return nil
	})
	if err != nil {
		return models.Participant{}, err
	}

	return removed, nil
}

// ChangeRole moves a participant to role. Taking HOST away from someone
// requires another host to remain, and moving someone into the PARTICIPANT
// role requires room under the limit.
func (e *Engine) ChangeRole(ctx context.Context, eventID uuid.UUID, email string, role models.Role) (updated models.Participant, err error) {
	const op = "participation.ChangeRole"
	ctx, done := e.begin(ctx, op, eventID)
	defer func() { done(err) }()

	if !role.Valid() {
		return models.Participant{}, fmt.Errorf("%s: %w", op, ErrInvalidRole)
	}
	email = models.NormalizeEmail(email)

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		event, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return translate(op, err)
		}

		if role != models.RoleHost {
			hosts, err := tx.CountOtherHosts(ctx, eventID, email)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if hosts == 0 {
				return fmt.Errorf("%s: %w", op, ErrWouldHaveNoHosts)
			}
		}

		updated, err = tx.Participant(ctx, eventID, email)
		if err != nil {
			return translate(op, err)
		}
		if updated.Role == role {
			return nil
		}

		if role == models.RoleParticipant && event.ParticipantLimit > 0 {
			count, err := tx.CountParticipants(ctx, eventID, models.RoleParticipant)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if count >= event.ParticipantLimit {
				return fmt.Errorf("%s: %w", op, ErrEventFull)
			}
		}

		if err := tx.UpdateParticipantRole(ctx, eventID, email, role); err != nil {
			return translate(op, err)
		}
		updated.Role = role
		return nil
	})
	if err != nil {
		return models.Participant{}, err
	}

	return updated, nil
}

// DeleteEvent removes the event. Participants and category links go with it;
// they are captured first so that the caller can notify them.
func (e *Engine) DeleteEvent(ctx context.Context, eventID uuid.UUID) (deletion Deletion, err error) {
	const op = "participation.DeleteEvent"
	ctx, done := e.begin(ctx, op, eventID)
	defer func() { done(err) }()

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		deletion.Event, err = tx.LockEvent(ctx, eventID)
		if err != nil {
			return translate(op, err)
		}

		deletion.Attendees, err = tx.Participants(ctx, eventID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if err := tx.DeleteEvent(ctx, eventID); err != nil {
			return translate(op, err)
		}
		return nil
	})
	if err != nil {
		return Deletion{}, err
	}

	return deletion, nil
}

// SetCategories makes the event's category set equal to the ids in desired
// that name an existing category. Unknown ids are dropped without error.
// Only the difference to the current set is written.
func (e *Engine) SetCategories(ctx context.Context, eventID uuid.UUID, desired []int64) (delta CategoryDelta, err error) {
	const op = "participation.SetCategories"
	ctx, done := e.begin(ctx, op, eventID)
	defer func() { done(err) }()

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockEvent(ctx, eventID); err != nil {
			return translate(op, err)
		}

		current, err := tx.EventCategoryIDs(ctx, eventID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		valid, err := tx.ExistingCategoryIDs(ctx, dedupe(desired))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		delta = CategoryDelta{
			Added:   subtract(valid, current),
			Removed: subtract(current, valid),
		}

		if len(delta.Removed) > 0 {
			if err := tx.UnlinkCategories(ctx, eventID, delta.Removed); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		if len(delta.Added) > 0 {
			if err := tx.LinkCategories(ctx, eventID, delta.Added); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		return nil
	})
	if err != nil {
		return CategoryDelta{}, err
	}

	return delta, nil
}

// CalendarEventID returns the calendar entry currently recorded for a
// participant, "" when none was created yet.
func (e *Engine) CalendarEventID(ctx context.Context, eventID uuid.UUID, email string) (string, error) {
	const op = "participation.CalendarEventID"

	var id string
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := tx.Participant(ctx, eventID, models.NormalizeEmail(email))
		if err != nil {
			return translate(op, err)
		}
		id = p.CalendarEventID
		return nil
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// RecordCalendarEventID remembers the calendar entry created for a
// participant so that later notifications update or delete it. The write
// only happens while the recorded id still equals prior; otherwise
// ErrCalendarEventIDChanged is returned and nothing changes.
func (e *Engine) RecordCalendarEventID(ctx context.Context, eventID uuid.UUID, email, prior, next string) (err error) {
	const op = "participation.RecordCalendarEventID"
	ctx, done := e.begin(ctx, op, eventID)
	defer func() { done(err) }()

	return e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockEvent(ctx, eventID); err != nil {
			return translate(op, err)
		}
		if err := tx.SetCalendarEventID(ctx, eventID, models.NormalizeEmail(email), prior, next); err != nil {
			return translate(op, err)
		}
		return nil
	})
}

// begin opens a span for op and returns the function that closes it and
// records the outcome.
func (e *Engine) begin(ctx context.Context, op string, eventID uuid.UUID) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("event.id", eventID.String())))

	return ctx, func(err error) {
		outcome := "ok"
		switch {
		case err == nil:
		case IsRejection(err):
			outcome = "rejected"
			span.SetAttributes(attribute.String("rejection", err.Error()))
		default:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.log.Error("transition failed", slog.String("op", op), slog.String("event_id", eventID.String()), sl.Err(err))
		}
		span.End()

		if e.total != nil {
			e.total.WithLabelValues(op, outcome).Inc()
		}
		if e.duration != nil {
			e.duration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
		}
	}
}

// translate maps store errors to rejections.
func translate(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrEventNotFound):
		return fmt.Errorf("%s: %w", op, ErrEventNotFound)
	case errors.Is(err, storage.ErrParticipantNotFound):
		return fmt.Errorf("%s: %w", op, ErrEmailNotFound)
	case errors.Is(err, storage.ErrParticipantExists):
		return fmt.Errorf("%s: %w", op, ErrAlreadyRegistered)
	case errors.Is(err, storage.ErrCalendarIDChanged):
		return fmt.Errorf("%s: %w", op, ErrCalendarEventIDChanged)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// subtract returns the elements of a that are not in b, keeping a's order.
func subtract(a, b []int64) []int64 {
	drop := make(map[int64]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}

	var out []int64
	for _, id := range a {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
