// Package broker implements the business operations that produce action logs
// and their notification bundles. Every mutation goes through a broker so the
// log-then-notify pairing can never be skipped.
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/events"
	"github.com/khanyo/imbizo/internal/fanout"
	"github.com/khanyo/imbizo/internal/lock"
	"github.com/khanyo/imbizo/internal/model"
	"github.com/khanyo/imbizo/internal/schedule"
	"github.com/khanyo/imbizo/internal/store"
)

// TodoBroker owns the todo lifecycle: creation with optional subgroup
// replication, completion and confirmation, cancellation, and reminder firing.
// Mutations on one todo are serialized in-process through a per-UID mutex so
// concurrent callers wait instead of burning a version-conflict retry; the
// store's version check remains the cross-process guard.
type TodoBroker struct {
	store      *store.Store
	replicator *fanout.Replicator
	policy     schedule.Policy
	cfg        model.ReminderConfig
	clk        clock.Clock
	logger     *log.Logger
	eventBus   *events.Bus
	locks      *lock.MutexMap
}

func NewTodoBroker(st *store.Store, policy schedule.Policy, cfg model.ReminderConfig,
	clk clock.Clock, logger *log.Logger) *TodoBroker {

	return &TodoBroker{
		store:      st,
		replicator: fanout.NewReplicator(st),
		policy:     policy,
		cfg:        cfg,
		clk:        clk,
		logger:     logger,
		locks:      lock.NewMutexMap(),
	}
}

// SetEventBus sets the event bus for publishing reminder and replication events.
func (b *TodoBroker) SetEventBus(bus *events.Bus) {
	b.eventBus = bus
}

// CreateTodoRequest carries the caller's intent for a new action item. A zero
// Reminder falls back to the group-configured schedule with the configured
// repeat count.
type CreateTodoRequest struct {
	ActorUID  string
	GroupUID  string
	Message   string
	Deadline  time.Time
	Reminder  model.ReminderSchedule
	Replicate bool
}

func (b *TodoBroker) defaultReminder(r model.ReminderSchedule) model.ReminderSchedule {
	if r.Type != "" {
		return r
	}
	return model.ReminderSchedule{
		Type:          model.ReminderGroupConfigured,
		Active:        true,
		RemindersLeft: b.cfg.DefaultReminders,
	}
}

// Create builds the todo (or the whole replicated set), computes its reminder
// time, and persists everything together with the creation log and the member
// notifications in one transaction.
func (b *TodoBroker) Create(ctx context.Context, req CreateTodoRequest) (*model.Todo, error) {
	now := b.clk.Now()

	group, err := b.store.GetGroup(ctx, req.GroupUID)
	if err != nil {
		return nil, err
	}

	reminder := b.defaultReminder(req.Reminder)
	todo, err := model.NewTodo(now, req.ActorUID, req.GroupUID, req.Message, req.Deadline, reminder, "")
	if err != nil {
		return nil, err
	}
	todo.ScheduledReminderAt = b.policy.ReminderTime(todo.DeadlineAt, reminder, group.ReminderMinutes, now)

	createdLog, err := model.NewTodoLog(now, req.ActorUID, todo.UID, model.SubtypeCreated, req.Message)
	if err != nil {
		return nil, err
	}

	bundle := model.NewBundle()
	bundle.AddLog(createdLog)

	members, err := b.store.GroupMembers(ctx, req.GroupUID)
	if err != nil {
		return nil, err
	}
	msg := todoCreatedMessage(group.Name, req.Message, req.Deadline, b.policy.Location)
	for _, m := range members {
		if m.UID == req.ActorUID {
			continue
		}
		n, err := model.NewNotification(now, model.KindTaskInfo, m.UID, m.Preference, msg, createdLog, now)
		if err != nil {
			return nil, err
		}
		bundle.AddNotification(n)
	}

	todos := []*model.Todo{todo}
	if req.Replicate {
		todos, err = b.replicator.Build(ctx, todo)
		if err != nil {
			return nil, err
		}
		for _, child := range todos[1:] {
			childLog, err := model.NewTodoLog(now, req.ActorUID, child.UID, model.SubtypeCreated, req.Message)
			if err != nil {
				return nil, err
			}
			bundle.AddLog(childLog)
		}
	}

	if err := b.store.CreateTodos(ctx, todos, bundle); err != nil {
		return nil, err
	}

	b.logger.Printf("%s INFO todo_broker: created uid=%s group=%s replicated=%d notifications=%d",
		now.Format(time.RFC3339), todo.UID, req.GroupUID, len(todos)-1, len(bundle.Notifications))
	if req.Replicate && len(todos) > 1 && b.eventBus != nil {
		b.eventBus.Publish(events.EventTodoReplicated, map[string]interface{}{
			"task_uid":  todo.UID,
			"group_uid": req.GroupUID,
			"children":  len(todos) - 1,
		})
	}
	return todo, nil
}

// Complete marks the todo completed. Concurrent completions are resolved by
// the version check; the loser sees ErrVersionConflict and should re-read.
func (b *TodoBroker) Complete(ctx context.Context, todoUID, actorUID string) error {
	b.locks.Lock(todoUID)
	defer b.locks.Unlock(todoUID)
	now := b.clk.Now()

	todo, err := b.store.GetTodo(ctx, todoUID)
	if err != nil {
		return err
	}
	if err := model.ValidateTaskTransition(todo.Status, model.TaskStatusCompleted); err != nil {
		return err
	}

	todo.Status = model.TaskStatusCompleted
	todo.CompletedAt = &now
	todo.Reminder = schedule.Disarm(todo.Reminder)
	todo.ScheduledReminderAt = nil
	if err := b.store.UpdateTodo(ctx, todo); err != nil {
		return err
	}

	completedLog, err := model.NewTodoLog(now, actorUID, todo.UID, model.SubtypeCompleted, todo.Message)
	if err != nil {
		return err
	}
	bundle := model.NewBundle()
	bundle.AddLog(completedLog)
	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return err
	}

	b.logger.Printf("%s INFO todo_broker: completed uid=%s by=%s",
		now.Format(time.RFC3339), todo.UID, actorUID)
	return nil
}

// Confirm records one member's completion confirmation and returns the total
// count so far. Only open todos accept confirmations.
func (b *TodoBroker) Confirm(ctx context.Context, todoUID, userUID string) (int, error) {
	b.locks.Lock(todoUID)
	defer b.locks.Unlock(todoUID)
	now := b.clk.Now()

	todo, err := b.store.GetTodo(ctx, todoUID)
	if err != nil {
		return 0, err
	}
	if !todo.Open() {
		return 0, fmt.Errorf("todo %s is %s: %w", todoUID, todo.Status, model.ErrAlreadyTerminal)
	}

	if err := b.store.ConfirmCompletion(ctx, todoUID, userUID, now); err != nil {
		return 0, err
	}
	return b.store.CountConfirmations(ctx, todoUID)
}

// Cancel voids the todo and every notification still waiting to go out for
// it. Members who already received a message are not contacted again unless
// notifyMembers is set.
func (b *TodoBroker) Cancel(ctx context.Context, todoUID, actorUID string, notifyMembers bool) error {
	b.locks.Lock(todoUID)
	defer b.locks.Unlock(todoUID)
	now := b.clk.Now()

	todo, err := b.store.GetTodo(ctx, todoUID)
	if err != nil {
		return err
	}
	if err := model.ValidateTaskTransition(todo.Status, model.TaskStatusCancelled); err != nil {
		return err
	}

	todo.Status = model.TaskStatusCancelled
	todo.Reminder = schedule.Disarm(todo.Reminder)
	todo.ScheduledReminderAt = nil
	if err := b.store.UpdateTodo(ctx, todo); err != nil {
		return err
	}

	voided, err := b.store.VoidPendingForTask(ctx, todoUID, now, "task cancelled")
	if err != nil {
		return err
	}

	cancelledLog, err := model.NewTodoLog(now, actorUID, todo.UID, model.SubtypeCancelled, todo.Message)
	if err != nil {
		return err
	}
	bundle := model.NewBundle()
	bundle.AddLog(cancelledLog)

	if notifyMembers {
		group, err := b.store.GetGroup(ctx, todo.GroupUID)
		if err != nil {
			return err
		}
		members, err := b.store.GroupMembers(ctx, todo.GroupUID)
		if err != nil {
			return err
		}
		msg := todoCancelledMessage(group.Name, todo.Message)
		for _, m := range members {
			if m.UID == actorUID {
				continue
			}
			n, err := model.NewNotification(now, model.KindTaskInfo, m.UID, m.Preference, msg, cancelledLog, now)
			if err != nil {
				return err
			}
			bundle.AddNotification(n)
		}
	}

	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return err
	}

	b.logger.Printf("%s INFO todo_broker: cancelled uid=%s by=%s voided=%d",
		now.Format(time.RFC3339), todo.UID, actorUID, voided)
	return nil
}

// FireDueReminders emits reminder bundles for every open todo whose reminder
// time has arrived, then advances each schedule. The version update acts as
// the claim: a concurrent worker losing the version check skips the todo
// without sending duplicates.
func (b *TodoBroker) FireDueReminders(ctx context.Context) (int, error) {
	now := b.clk.Now()

	due, err := b.store.ListDueTodoReminders(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, todo := range due {
		if b.fireReminder(ctx, todo, now) {
			fired++
		}
	}
	return fired, nil
}

// fireReminder advances one due todo's schedule and stores its reminder
// bundle, reporting whether the reminder went out.
func (b *TodoBroker) fireReminder(ctx context.Context, todo *model.Todo, now time.Time) bool {
	b.locks.Lock(todo.UID)
	defer b.locks.Unlock(todo.UID)

	group, err := b.store.GetGroup(ctx, todo.GroupUID)
	if err != nil {
		b.logger.Printf("%s ERROR todo_broker: reminder_group uid=%s error=%v",
			now.Format(time.RFC3339), todo.UID, err)
		return false
	}

	todo.Reminder = schedule.AdvanceRepeat(todo.Reminder)
	if todo.Reminder.Active {
		todo.ScheduledReminderAt = b.policy.ReminderTime(todo.DeadlineAt, todo.Reminder, group.ReminderMinutes, now)
	} else {
		todo.ScheduledReminderAt = nil
	}
	if err := b.store.UpdateTodo(ctx, todo); err != nil {
		// A lost version race means another worker fired this one.
		return false
	}

	reminderLog, err := model.NewTodoLog(now, "", todo.UID, model.SubtypeReminderSent, todo.Message)
	if err != nil {
		return false
	}
	bundle := model.NewBundle()
	bundle.AddLog(reminderLog)

	members, err := b.store.GroupMembers(ctx, todo.GroupUID)
	if err != nil {
		b.logger.Printf("%s ERROR todo_broker: reminder_members uid=%s error=%v",
			now.Format(time.RFC3339), todo.UID, err)
		return false
	}
	msg := todoReminderMessage(group.Name, todo.Message, todo.DeadlineAt, b.policy.Location)
	for _, m := range members {
		n, err := model.NewNotification(now, model.KindTaskReminder, m.UID, m.Preference, msg, reminderLog, now)
		if err != nil {
			continue
		}
		bundle.AddNotification(n)
	}

	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		b.logger.Printf("%s ERROR todo_broker: reminder_bundle uid=%s error=%v",
			now.Format(time.RFC3339), todo.UID, err)
		return false
	}

	b.logger.Printf("%s INFO todo_broker: reminder_fired uid=%s notifications=%d left=%d",
		now.Format(time.RFC3339), todo.UID, len(bundle.Notifications), todo.Reminder.RemindersLeft)
	if b.eventBus != nil {
		b.eventBus.Publish(events.EventReminderFired, map[string]interface{}{
			"task_uid":       todo.UID,
			"group_uid":      todo.GroupUID,
			"reminders_left": todo.Reminder.RemindersLeft,
		})
	}
	return true
}
