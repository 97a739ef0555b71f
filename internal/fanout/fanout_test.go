package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanyo/imbizo/internal/model"
)

type fakeHierarchy struct {
	groups map[string][]*model.Group
}

func (f *fakeHierarchy) DescendantsOf(_ context.Context, groupUID string) ([]*model.Group, error) {
	return f.groups[groupUID], nil
}

func testTree() *fakeHierarchy {
	root := &model.Group{UID: "grp_root", Name: "branch"}
	a := &model.Group{UID: "grp_a", Name: "ward a", ParentUID: "grp_root"}
	b := &model.Group{UID: "grp_b", Name: "ward b", ParentUID: "grp_root"}
	a1 := &model.Group{UID: "grp_a1", Name: "street a1", ParentUID: "grp_a"}
	return &fakeHierarchy{groups: map[string][]*model.Group{
		"grp_root": {root, a, b, a1},
		"grp_a1":   {a1},
	}}
}

func TestBuildReplicatesAcrossSubtree(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	sched := model.ReminderSchedule{
		Type: model.ReminderCustom, Minutes: 1440, Active: true, RemindersLeft: 2,
	}
	parent, err := model.NewTodo(now, "usr_org", "grp_root", "collect membership forms",
		now.Add(72*time.Hour), sched, "")
	require.NoError(t, err)
	remindAt := now.Add(48 * time.Hour)
	parent.ScheduledReminderAt = &remindAt

	todos, err := NewReplicator(testTree()).Build(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, todos, 4, "parent plus one child per strict descendant")

	assert.Same(t, parent, todos[0])
	assert.Empty(t, todos[0].ReplicatedGroupUID, "the parent is not marked replicated")

	seen := map[string]bool{}
	for _, child := range todos[1:] {
		seen[child.GroupUID] = true
		assert.Equal(t, "grp_root", child.ReplicatedGroupUID,
			"every child points at the root group, not its direct parent")
		assert.Equal(t, parent.Message, child.Message)
		assert.True(t, child.CreatedAt.Equal(parent.CreatedAt),
			"the whole set shares one creation timestamp")
		assert.True(t, child.DeadlineAt.Equal(parent.DeadlineAt))
		assert.Equal(t, parent.Reminder, child.Reminder)
		require.NotNil(t, child.ScheduledReminderAt)
		assert.True(t, child.ScheduledReminderAt.Equal(remindAt))
		assert.NotEqual(t, parent.UID, child.UID)
	}
	assert.Equal(t, map[string]bool{"grp_a": true, "grp_b": true, "grp_a1": true}, seen)
}

func TestBuildLeafGroupIsJustTheParent(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	parent, err := model.NewTodo(now, "usr_org", "grp_a1", "street cleanup",
		now.Add(24*time.Hour), model.ReminderSchedule{}, "")
	require.NoError(t, err)

	todos, err := NewReplicator(testTree()).Build(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Same(t, parent, todos[0])
}
