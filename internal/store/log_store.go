package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/khanyo/imbizo/internal/model"
)

const actionLogColumns = `uid, kind, subtype, actor_uid, created_at,
	task_uid, group_uid, target_uid, account_uid, user_uid, description, response`

func insertActionLog(ctx context.Context, ext sqlx.ExtContext, l *model.ActionLog) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO action_logs (
			uid, kind, subtype, actor_uid, created_at,
			task_uid, group_uid, target_uid, account_uid, user_uid, description, response
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.UID, l.Kind, l.Subtype, l.ActorUID, l.CreatedAt,
		l.TaskUID, l.GroupUID, l.TargetUID, l.AccountUID, l.UserUID, l.Description, l.Response,
	)
	if err != nil {
		return fmt.Errorf("insert action log %s: %w", l.UID, err)
	}
	return nil
}

func scanActionLog(row sqlx.ColScanner) (*model.ActionLog, error) {
	var l model.ActionLog
	err := row.Scan(
		&l.UID, &l.Kind, &l.Subtype, &l.ActorUID, &l.CreatedAt,
		&l.TaskUID, &l.GroupUID, &l.TargetUID, &l.AccountUID, &l.UserUID, &l.Description, &l.Response,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetActionLog retrieves one log entry by uid.
func (s *Store) GetActionLog(ctx context.Context, uid string) (*model.ActionLog, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+actionLogColumns+" FROM action_logs WHERE uid = ?", uid)
	l, err := scanActionLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action log %s: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action log %s: %w", uid, err)
	}
	return l, nil
}

// ListLogsForTask returns all log entries for an event or todo, oldest first.
// Used for notification-causality tracing.
func (s *Store) ListLogsForTask(ctx context.Context, taskUID string) ([]*model.ActionLog, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+actionLogColumns+" FROM action_logs WHERE task_uid = ? ORDER BY created_at ASC, uid ASC",
		taskUID)
	if err != nil {
		return nil, fmt.Errorf("list logs for task %s: %w", taskUID, err)
	}
	defer rows.Close()

	var logs []*model.ActionLog
	for rows.Next() {
		l, err := scanActionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AmendLogResponse updates the response value on a task-shaped entry. The only
// mutation action_logs ever sees; the broker checks the parent task is open.
func (s *Store) AmendLogResponse(ctx context.Context, uid, response string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE action_logs SET response = ?
		WHERE uid = ? AND kind IN (?, ?)`,
		response, uid, model.LogKindTaskEvent, model.LogKindTodo,
	)
	if err != nil {
		return fmt.Errorf("amend log response %s: %w", uid, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("action log %s: %w", uid, model.ErrNotFound)
	}
	return nil
}
