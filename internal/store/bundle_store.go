package store

import (
	"context"
	"fmt"

	"github.com/khanyo/imbizo/internal/model"
)

// StoreBundle persists every action log and notification in the bundle as one
// atomic unit: all rows commit together or none do. A notification is never
// observable without its causal log.
func (s *Store) StoreBundle(ctx context.Context, bundle *model.Bundle) error {
	if bundle == nil || bundle.Empty() {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bundle tx: %w", err)
	}
	defer tx.Rollback()

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

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bundle tx: %w", err)
	}
	return nil
}
