package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/khanyo/imbizo/internal/model"
)

const todoColumns = `uid, group_uid, created_by_uid, message, deadline_at,
	reminder_type, reminder_minutes, reminder_active, reminders_left,
	scheduled_reminder_at, status, completed_at, replicated_group_uid, version, created_at`

func insertTodo(ctx context.Context, ext sqlx.ExtContext, t *model.Todo) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO todos (
			uid, group_uid, created_by_uid, message, deadline_at,
			reminder_type, reminder_minutes, reminder_active, reminders_left,
			scheduled_reminder_at, status, completed_at, replicated_group_uid, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UID, t.GroupUID, t.CreatedByUID, t.Message, t.DeadlineAt,
		t.Reminder.Type, t.Reminder.Minutes, t.Reminder.Active, t.Reminder.RemindersLeft,
		t.ScheduledReminderAt, t.Status, t.CompletedAt, t.ReplicatedGroupUID, t.Version, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert todo %s: %w", t.UID, err)
	}
	return nil
}

func scanTodo(row sqlx.ColScanner) (*model.Todo, error) {
	var t model.Todo
	err := row.Scan(
		&t.UID, &t.GroupUID, &t.CreatedByUID, &t.Message, &t.DeadlineAt,
		&t.Reminder.Type, &t.Reminder.Minutes, &t.Reminder.Active, &t.Reminder.RemindersLeft,
		&t.ScheduledReminderAt, &t.Status, &t.CompletedAt, &t.ReplicatedGroupUID, &t.Version, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTodos persists one or more todos together with the bundle their
// creation produced, in a single transaction. A replication fan-out hands its
// whole linked set here so that partial fan-out can never be observed.
func (s *Store) CreateTodos(ctx context.Context, todos []*model.Todo, bundle *model.Bundle) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin todo tx: %w", err)
	}
	defer tx.Rollback()

	for _, t := range todos {
		if err := insertTodo(ctx, tx, t); err != nil {
			return err
		}
	}
	if bundle != nil {
		for _, l := range bundle.Logs {
			if err := insertActionLog(ctx, tx, l); err != nil {
				return err
			}
		}
		for _, n := range bundle.Notifications {
			if err := insertNotification(ctx, tx, n); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit todo tx: %w", err)
	}
	return nil
}

// GetTodo retrieves one todo by uid.
func (s *Store) GetTodo(ctx context.Context, uid string) (*model.Todo, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+todoColumns+" FROM todos WHERE uid = ?", uid)
	t, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("todo %s: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get todo %s: %w", uid, err)
	}
	return t, nil
}

// UpdateTodo writes mutable todo fields with an optimistic version check: the
// update applies only if the row still carries the version the caller read.
// On success the in-memory version is bumped to match; on a stale version the
// caller gets ErrVersionConflict and must re-fetch and retry.
func (s *Store) UpdateTodo(ctx context.Context, t *model.Todo) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE todos SET
			message = ?, deadline_at = ?,
			reminder_type = ?, reminder_minutes = ?, reminder_active = ?, reminders_left = ?,
			scheduled_reminder_at = ?, status = ?, completed_at = ?,
			version = version + 1
		WHERE uid = ? AND version = ?`,
		t.Message, t.DeadlineAt,
		t.Reminder.Type, t.Reminder.Minutes, t.Reminder.Active, t.Reminder.RemindersLeft,
		t.ScheduledReminderAt, t.Status, t.CompletedAt,
		t.UID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update todo %s: %w", t.UID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetTodo(ctx, t.UID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("todo %s: %w", t.UID, model.ErrVersionConflict)
	}
	t.Version++
	return nil
}

// ListDueTodoReminders returns open todos whose active reminder time has
// arrived.
func (s *Store) ListDueTodoReminders(ctx context.Context, now time.Time) ([]*model.Todo, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+todoColumns+` FROM todos
		WHERE status = ?
		  AND reminder_active = 1
		  AND scheduled_reminder_at IS NOT NULL
		  AND scheduled_reminder_at <= ?
		ORDER BY scheduled_reminder_at ASC`,
		model.TaskStatusOpen, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due todo reminders: %w", err)
	}
	defer rows.Close()

	var todos []*model.Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

// ListReplicatedTodos returns the linked fan-out set correlated by the shared
// message and common creation timestamp, parent first.
func (s *Store) ListReplicatedTodos(ctx context.Context, message string, createdAt time.Time) ([]*model.Todo, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+todoColumns+` FROM todos
		WHERE message = ? AND created_at = ?
		ORDER BY replicated_group_uid ASC, uid ASC`,
		message, createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("list replicated todos: %w", err)
	}
	defer rows.Close()

	var todos []*model.Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

// ConfirmCompletion records one member's completion confirmation. The insert
// is keyed on (todo, user) so a repeated confirmation is rejected.
func (s *Store) ConfirmCompletion(ctx context.Context, todoUID, userUID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO todo_confirmations (todo_uid, user_uid, confirmed_at)
		VALUES (?, ?, ?)`,
		todoUID, userUID, at,
	)
	if err != nil {
		return fmt.Errorf("confirm completion %s by %s: %w", todoUID, userUID, err)
	}
	return nil
}

// CountConfirmations returns how many members confirmed completion.
func (s *Store) CountConfirmations(ctx context.Context, todoUID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM todo_confirmations WHERE todo_uid = ?", todoUID)
	if err != nil {
		return 0, fmt.Errorf("count confirmations %s: %w", todoUID, err)
	}
	return count, nil
}

const eventColumns = `uid, event_type, group_uid, created_by_uid, name, starts_at,
	reminder_type, reminder_minutes, reminder_active, reminders_left,
	scheduled_reminder_at, status, version, created_at`

func insertEvent(ctx context.Context, ext sqlx.ExtContext, e *model.Event) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO events (
			uid, event_type, group_uid, created_by_uid, name, starts_at,
			reminder_type, reminder_minutes, reminder_active, reminders_left,
			scheduled_reminder_at, status, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UID, e.Type, e.GroupUID, e.CreatedByUID, e.Name, e.StartsAt,
		e.Reminder.Type, e.Reminder.Minutes, e.Reminder.Active, e.Reminder.RemindersLeft,
		e.ScheduledReminderAt, e.Status, e.Version, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.UID, err)
	}
	return nil
}

func scanEvent(row sqlx.ColScanner) (*model.Event, error) {
	var e model.Event
	err := row.Scan(
		&e.UID, &e.Type, &e.GroupUID, &e.CreatedByUID, &e.Name, &e.StartsAt,
		&e.Reminder.Type, &e.Reminder.Minutes, &e.Reminder.Active, &e.Reminder.RemindersLeft,
		&e.ScheduledReminderAt, &e.Status, &e.Version, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEvent persists a meeting or vote together with its creation bundle in
// one transaction.
func (s *Store) CreateEvent(ctx context.Context, e *model.Event, bundle *model.Bundle) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, e); err != nil {
		return err
	}
	if bundle != nil {
		for _, l := range bundle.Logs {
			if err := insertActionLog(ctx, tx, l); err != nil {
				return err
			}
		}
		for _, n := range bundle.Notifications {
			if err := insertNotification(ctx, tx, n); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event tx: %w", err)
	}
	return nil
}

// GetEvent retrieves one event by uid.
func (s *Store) GetEvent(ctx context.Context, uid string) (*model.Event, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE uid = ?", uid)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", uid, err)
	}
	return e, nil
}

// UpdateEvent writes mutable event fields with the same optimistic version
// check as UpdateTodo.
func (s *Store) UpdateEvent(ctx context.Context, e *model.Event) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			name = ?, starts_at = ?,
			reminder_type = ?, reminder_minutes = ?, reminder_active = ?, reminders_left = ?,
			scheduled_reminder_at = ?, status = ?,
			version = version + 1
		WHERE uid = ? AND version = ?`,
		e.Name, e.StartsAt,
		e.Reminder.Type, e.Reminder.Minutes, e.Reminder.Active, e.Reminder.RemindersLeft,
		e.ScheduledReminderAt, e.Status,
		e.UID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update event %s: %w", e.UID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetEvent(ctx, e.UID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("event %s: %w", e.UID, model.ErrVersionConflict)
	}
	e.Version++
	return nil
}

// ListDueEventReminders returns open events whose active one-shot reminder
// time has arrived.
func (s *Store) ListDueEventReminders(ctx context.Context, now time.Time) ([]*model.Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status = ?
		  AND reminder_active = 1
		  AND scheduled_reminder_at IS NOT NULL
		  AND scheduled_reminder_at <= ?
		ORDER BY scheduled_reminder_at ASC`,
		model.TaskStatusOpen, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due event reminders: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
