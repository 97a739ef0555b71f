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

// CreateUser inserts a platform member.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.UID == "" {
		return fmt.Errorf("%w: user requires a uid", model.ErrInvalidArgument)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (uid, display_name, phone, preference, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.UID, u.DisplayName, u.Phone, u.Preference, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.UID, err)
	}
	return nil
}

// GetUser retrieves one user by uid.
func (s *Store) GetUser(ctx context.Context, uid string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowxContext(ctx,
		"SELECT uid, display_name, phone, preference, created_at FROM users WHERE uid = ?", uid).
		Scan(&u.UID, &u.DisplayName, &u.Phone, &u.Preference, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", uid, err)
	}
	return &u, nil
}

// CreateGroup inserts a group node. ParentUID is empty for root groups.
func (s *Store) CreateGroup(ctx context.Context, g *model.Group) error {
	if g.UID == "" || g.Name == "" {
		return fmt.Errorf("%w: group requires uid and name", model.ErrInvalidArgument)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (uid, name, parent_uid, reminder_minutes, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.UID, g.Name, g.ParentUID, g.ReminderMinutes, g.Version, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create group %s: %w", g.UID, err)
	}
	return nil
}

func scanGroup(row sqlx.ColScanner) (*model.Group, error) {
	var g model.Group
	err := row.Scan(&g.UID, &g.Name, &g.ParentUID, &g.ReminderMinutes, &g.Version, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGroup retrieves one group by uid.
func (s *Store) GetGroup(ctx context.Context, uid string) (*model.Group, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT uid, name, parent_uid, reminder_minutes, version, created_at FROM groups WHERE uid = ?", uid)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", uid, err)
	}
	return g, nil
}

// AddMember records group membership.
func (s *Store) AddMember(ctx context.Context, groupUID, userUID, role string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (group_uid, user_uid, role, created_at)
		VALUES (?, ?, ?, ?)`,
		groupUID, userUID, role, at,
	)
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userUID, groupUID, err)
	}
	return nil
}

// GroupMembers returns the users belonging directly to the group.
func (s *Store) GroupMembers(ctx context.Context, groupUID string) ([]*model.User, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT u.uid, u.display_name, u.phone, u.preference, u.created_at
		FROM users u
		JOIN memberships m ON m.user_uid = u.uid
		WHERE m.group_uid = ?
		ORDER BY u.uid ASC`,
		groupUID,
	)
	if err != nil {
		return nil, fmt.Errorf("group members %s: %w", groupUID, err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.UID, &u.DisplayName, &u.Phone, &u.Preference, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// DescendantsOf returns the closure of a group: itself plus all descendant
// groups at any depth, via one recursive query.
func (s *Store) DescendantsOf(ctx context.Context, groupUID string) ([]*model.Group, error) {
	rows, err := s.db.QueryxContext(ctx, `
		WITH RECURSIVE closure(uid) AS (
			SELECT uid FROM groups WHERE uid = ?
			UNION ALL
			SELECT g.uid FROM groups g JOIN closure c ON g.parent_uid = c.uid
		)
		SELECT g.uid, g.name, g.parent_uid, g.reminder_minutes, g.version, g.created_at
		FROM groups g JOIN closure c ON g.uid = c.uid
		ORDER BY g.created_at ASC, g.uid ASC`,
		groupUID,
	)
	if err != nil {
		return nil, fmt.Errorf("descendants of %s: %w", groupUID, err)
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
