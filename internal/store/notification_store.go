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

const notificationColumns = `uid, kind, target_uid, message, priority, route, created_at,
	log_kind, log_uid, next_attempt_at, last_attempt_at, attempt_count,
	delivered, read, dead_lettered_at, dead_letter_reason, claimed_by, claimed_until`

func insertNotification(ctx context.Context, ext sqlx.ExtContext, n *model.Notification) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO notifications (
			uid, kind, target_uid, message, priority, route, created_at,
			log_kind, log_uid, next_attempt_at, last_attempt_at, attempt_count,
			delivered, read, dead_lettered_at, dead_letter_reason, claimed_by, claimed_until
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UID, n.Kind, n.TargetUID, n.Message, n.Priority, n.Route, n.CreatedAt,
		n.CausalLog.Kind, n.CausalLog.UID, n.NextAttemptAt, n.LastAttemptAt, n.AttemptCount,
		n.Delivered, n.Read, n.DeadLetteredAt, n.DeadLetterReason, n.ClaimedBy, n.ClaimedUntil,
	)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.UID, err)
	}
	return nil
}

func scanNotification(row sqlx.ColScanner) (*model.Notification, error) {
	var n model.Notification
	err := row.Scan(
		&n.UID, &n.Kind, &n.TargetUID, &n.Message, &n.Priority, &n.Route, &n.CreatedAt,
		&n.CausalLog.Kind, &n.CausalLog.UID, &n.NextAttemptAt, &n.LastAttemptAt, &n.AttemptCount,
		&n.Delivered, &n.Read, &n.DeadLetteredAt, &n.DeadLetterReason, &n.ClaimedBy, &n.ClaimedUntil,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNotification retrieves one notification by uid, including its send errors.
func (s *Store) GetNotification(ctx context.Context, uid string) (*model.Notification, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE uid = ?", uid)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", uid, err)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT notification_uid, error_time, error_message, status_before, status_after
		FROM notification_send_errors WHERE notification_uid = ? ORDER BY error_time ASC`, uid)
	if err != nil {
		return nil, fmt.Errorf("get send errors %s: %w", uid, err)
	}
	defer rows.Close()
	for rows.Next() {
		var se model.SendError
		if err := rows.Scan(&se.NotificationUID, &se.ErrorTime, &se.ErrorMessage,
			&se.StatusBefore, &se.StatusAfter); err != nil {
			return nil, fmt.Errorf("scan send error: %w", err)
		}
		n.SendErrors = append(n.SendErrors, se)
	}
	return n, rows.Err()
}

// FindDue selects undelivered, unclaimed notifications whose next attempt time
// has arrived, most urgent first: priority descending, then next attempt time
// ascending, then creation time ascending as the stable tie-break.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE delivered = 0
		  AND dead_lettered_at IS NULL
		  AND next_attempt_at IS NOT NULL
		  AND next_attempt_at <= ?
		  AND (claimed_until IS NULL OR claimed_until <= ?)
		ORDER BY priority DESC, next_attempt_at ASC, created_at ASC
		LIMIT ?`,
		now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find due notifications: %w", err)
	}
	defer rows.Close()

	var result []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// ClaimNotification attempts to take exclusive ownership of a due notification
// until the lease expires. The claim is one conditional update keyed on the
// notification still being undelivered, due and unclaimed, so two dispatcher
// workers can never both win. Returns false when the claim was lost.
func (s *Store) ClaimNotification(ctx context.Context, uid, owner string, now, until time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET claimed_by = ?, claimed_until = ?
		WHERE uid = ?
		  AND delivered = 0
		  AND dead_lettered_at IS NULL
		  AND next_attempt_at IS NOT NULL
		  AND next_attempt_at <= ?
		  AND (claimed_until IS NULL OR claimed_until <= ?)`,
		owner, until, uid, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim notification %s: %w", uid, err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// MarkDelivered finalizes a successful delivery. Idempotent: marking an
// already delivered notification changes nothing.
func (s *Store) MarkDelivered(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET delivered = 1, next_attempt_at = NULL, claimed_by = NULL, claimed_until = NULL
		WHERE uid = ? AND delivered = 0`,
		uid,
	)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", uid, err)
	}
	return nil
}

// MarkRead records a read receipt.
func (s *Store) MarkRead(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE uid = ?", uid)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", uid, err)
	}
	return nil
}

// RecordFailure persists a failed attempt: bumps the counter, pushes the next
// attempt out, releases the claim and keeps a diagnostic snapshot, all in one
// transaction.
func (s *Store) RecordFailure(ctx context.Context, uid string, attemptAt, next time.Time, se model.SendError) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failure tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE notifications
		SET attempt_count = attempt_count + 1,
		    last_attempt_at = ?,
		    next_attempt_at = ?,
		    claimed_by = NULL,
		    claimed_until = NULL
		WHERE uid = ? AND delivered = 0`,
		attemptAt, next, uid,
	)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", uid, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification %s: %w", uid, model.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_send_errors (
			notification_uid, error_time, error_message, status_before, status_after
		) VALUES (?, ?, ?, ?, ?)`,
		uid, se.ErrorTime, se.ErrorMessage, se.StatusBefore, se.StatusAfter,
	)
	if err != nil {
		return fmt.Errorf("insert send error %s: %w", uid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure tx: %w", err)
	}
	return nil
}

// ListExhausted returns undelivered notifications that have reached the
// attempt cap and are not yet dead-lettered.
func (s *Store) ListExhausted(ctx context.Context, maxAttempts int) ([]*model.Notification, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE delivered = 0
		  AND dead_lettered_at IS NULL
		  AND attempt_count >= ?
		ORDER BY created_at ASC`,
		maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("list exhausted notifications: %w", err)
	}
	defer rows.Close()

	var result []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// DeadLetterNotification removes a notification from dispatch selection
// permanently, keeping delivered = 0 for audit.
func (s *Store) DeadLetterNotification(ctx context.Context, uid string, now time.Time, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET dead_lettered_at = ?, dead_letter_reason = ?,
		    next_attempt_at = NULL, claimed_by = NULL, claimed_until = NULL
		WHERE uid = ? AND delivered = 0 AND dead_lettered_at IS NULL`,
		now, reason, uid,
	)
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", uid, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification %s: %w", uid, model.ErrNotFound)
	}
	return nil
}

// VoidPendingForTask dead-letters every undelivered notification caused by the
// given task's logs. Used when a task is cancelled after its reminders were
// queued, so stale reminders never reach members.
func (s *Store) VoidPendingForTask(ctx context.Context, taskUID string, now time.Time, reason string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET dead_lettered_at = ?, dead_letter_reason = ?,
		    next_attempt_at = NULL, claimed_by = NULL, claimed_until = NULL
		WHERE delivered = 0
		  AND dead_lettered_at IS NULL
		  AND log_uid IN (SELECT uid FROM action_logs WHERE task_uid = ?)`,
		now, reason, taskUID,
	)
	if err != nil {
		return 0, fmt.Errorf("void pending for task %s: %w", taskUID, err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
