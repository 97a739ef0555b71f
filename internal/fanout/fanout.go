// Package fanout builds replicated todo sets across a group subtree. A todo
// created with replication enabled is mirrored into every descendant of the
// originating group so each branch tracks its own completion.
package fanout

import (
	"context"
	"fmt"

	"github.com/khanyo/imbizo/internal/model"
)

// GroupHierarchy resolves a group subtree. The store's recursive closure
// query satisfies this.
type GroupHierarchy interface {
	DescendantsOf(ctx context.Context, groupUID string) ([]*model.Group, error)
}

// Replicator expands one todo request into the linked set for a subtree.
type Replicator struct {
	groups GroupHierarchy
}

func NewReplicator(groups GroupHierarchy) *Replicator {
	return &Replicator{groups: groups}
}

// Build returns the full replicated set for the root group: the parent todo
// first, then one child per strict descendant. Every member shares the exact
// message and creation timestamp, which is how the set is correlated later;
// children additionally record the root group uid. Children of deeper
// subgroups still point at the root, replication is one level of linkage no
// matter how deep the tree is.
func (r *Replicator) Build(ctx context.Context, parent *model.Todo) ([]*model.Todo, error) {
	groups, err := r.groups.DescendantsOf(ctx, parent.GroupUID)
	if err != nil {
		return nil, fmt.Errorf("resolve subtree of %s: %w", parent.GroupUID, err)
	}

	todos := []*model.Todo{parent}
	for _, g := range groups {
		if g.UID == parent.GroupUID {
			continue
		}
		child, err := model.NewTodo(parent.CreatedAt, parent.CreatedByUID, g.UID,
			parent.Message, parent.DeadlineAt, parent.Reminder, parent.GroupUID)
		if err != nil {
			return nil, fmt.Errorf("replicate todo into %s: %w", g.UID, err)
		}
		if parent.ScheduledReminderAt != nil {
			at := *parent.ScheduledReminderAt
			child.ScheduledReminderAt = &at
		}
		todos = append(todos, child)
	}
	return todos, nil
}
