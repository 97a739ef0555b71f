package broker

import (
	"bytes"
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/model"
	"github.com/khanyo/imbizo/internal/schedule"
	"github.com/khanyo/imbizo/internal/store"
)

type fixture struct {
	store  *store.Store
	clk    *clock.Fixed
	policy schedule.Policy
	cfg    model.ReminderConfig
	logger *log.Logger

	group   *model.Group
	creator *model.User
	members []*model.User
}

// setup seeds one group with a creator and two plain members.
func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)

	policy, err := schedule.NewPolicy("Africa/Johannesburg", 7)
	require.NoError(t, err)

	cfg := model.Config{}
	cfg.ApplyDefaults()

	group := &model.Group{UID: "grp_root", Name: "Ward 12", ReminderMinutes: 120, CreatedAt: now}
	require.NoError(t, s.CreateGroup(ctx, group))

	f := &fixture{
		store:  s,
		clk:    clk,
		policy: policy,
		cfg:    cfg.Reminder,
		logger: log.New(&bytes.Buffer{}, "", 0),
		group:  group,
	}

	for i, name := range []string{"Thandi", "Sipho", "Lerato"} {
		u := &model.User{
			UID:         model.NewID(model.IDTypeUser),
			DisplayName: name,
			Phone:       "+2782000000" + string(rune('0'+i)),
			Preference:  model.RouteSMS,
			CreatedAt:   now,
		}
		require.NoError(t, s.CreateUser(ctx, u))
		require.NoError(t, s.AddMember(ctx, group.UID, u.UID, "member", now))
		if i == 0 {
			f.creator = u
		} else {
			f.members = append(f.members, u)
		}
	}
	return f
}

func (f *fixture) todoBroker() *TodoBroker {
	return NewTodoBroker(f.store, f.policy, f.cfg, f.clk, f.logger)
}

func (f *fixture) eventBroker() *EventBroker {
	return NewEventBroker(f.store, f.policy, f.cfg, f.clk, f.logger)
}

func TestTodoCreateBundlesLogAndNotifications(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clk.Now()

	todo, err := f.todoBroker().Create(ctx, CreateTodoRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Message:  "collect membership forms",
		Deadline: now.Add(72 * time.Hour),
		Reminder: model.ReminderSchedule{
			Type: model.ReminderCustom, Minutes: 1440, Active: true, RemindersLeft: 2,
		},
	})
	require.NoError(t, err)

	// Reminder lands a day before the deadline, untouched by the daytime floor.
	require.NotNil(t, todo.ScheduledReminderAt)
	assert.True(t, todo.ScheduledReminderAt.Equal(now.Add(48*time.Hour)))

	logs, err := f.store.ListLogsForTask(ctx, todo.UID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.SubtypeCreated, logs[0].Subtype)
	assert.Equal(t, f.creator.UID, logs[0].ActorUID)

	// Both non-creator members get an info notification, immediately due.
	due, err := f.store.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	for _, n := range due {
		assert.Equal(t, model.KindTaskInfo, n.Kind)
		assert.NotEqual(t, f.creator.UID, n.TargetUID)
		assert.Equal(t, logs[0].UID, n.CausalLog.UID)
	}
}

func TestTodoCreateReplicatesIntoSubgroups(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clk.Now()

	for _, uid := range []string{"grp_a", "grp_b"} {
		require.NoError(t, f.store.CreateGroup(ctx, &model.Group{
			UID: uid, Name: uid, ParentUID: f.group.UID, CreatedAt: now.Add(time.Minute),
		}))
	}

	parent, err := f.todoBroker().Create(ctx, CreateTodoRequest{
		ActorUID:  f.creator.UID,
		GroupUID:  f.group.UID,
		Message:   "register new voters",
		Deadline:  now.Add(72 * time.Hour),
		Replicate: true,
	})
	require.NoError(t, err)
	assert.Empty(t, parent.ReplicatedGroupUID)

	set, err := f.store.ListReplicatedTodos(ctx, "register new voters", parent.CreatedAt)
	require.NoError(t, err)
	require.Len(t, set, 3, "parent plus one child per subgroup")

	children := 0
	for _, td := range set {
		if td.UID == parent.UID {
			continue
		}
		children++
		assert.Equal(t, f.group.UID, td.ReplicatedGroupUID)
		assert.True(t, td.CreatedAt.Equal(parent.CreatedAt))
		logs, err := f.store.ListLogsForTask(ctx, td.UID)
		require.NoError(t, err)
		assert.Len(t, logs, 1, "each child carries its own creation log")
	}
	assert.Equal(t, 2, children)
}

func TestTodoCompleteIsTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := f.todoBroker()

	todo, err := b.Create(ctx, CreateTodoRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Message:  "book the hall",
		Deadline: f.clk.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, b.Complete(ctx, todo.UID, f.creator.UID))

	got, err := f.store.GetTodo(ctx, todo.UID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.Reminder.Active)
	assert.Nil(t, got.ScheduledReminderAt)

	err = b.Complete(ctx, todo.UID, f.creator.UID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)

	err = b.Cancel(ctx, todo.UID, f.creator.UID, false)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal, "completed todos cannot be cancelled")
}

func TestTodoConcurrentMutationsSerializePerUID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := f.todoBroker()

	todo, err := b.Create(ctx, CreateTodoRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Message:  "hand out flyers",
		Deadline: f.clk.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)

	// One broker, racing completion against cancellation of the same todo.
	// The per-UID mutex makes every loser observe the terminal state instead
	// of a version conflict.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- b.Complete(ctx, todo.UID, f.creator.UID)
		}()
		go func() {
			defer wg.Done()
			errs <- b.Cancel(ctx, todo.UID, f.creator.UID, false)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.NotErrorIs(t, err, model.ErrVersionConflict)
		assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
	}
	assert.Equal(t, 1, succeeded, "exactly one terminal transition wins")
}

func TestTodoConfirm(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := f.todoBroker()

	todo, err := b.Create(ctx, CreateTodoRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Message:  "distribute flyers",
		Deadline: f.clk.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	count, err := b.Confirm(ctx, todo.UID, f.members[0].UID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = b.Confirm(ctx, todo.UID, f.members[1].UID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, b.Complete(ctx, todo.UID, f.creator.UID))
	_, err = b.Confirm(ctx, todo.UID, f.creator.UID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
}

func TestTodoCancelVoidsPendingNotifications(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clk.Now()
	b := f.todoBroker()

	todo, err := b.Create(ctx, CreateTodoRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Message:  "petition signatures",
		Deadline: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	due, err := f.store.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "creation notifications queued")

	require.NoError(t, b.Cancel(ctx, todo.UID, f.creator.UID, false))

	due, err = f.store.FindDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "cancellation voids everything still pending")

	got, err := f.store.GetTodo(ctx, todo.UID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)
}

func TestTodoFireDueRemindersAdvancesSchedule(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clk.Now()
	b := f.todoBroker()

	todo, err := b.Create(ctx, CreateTodoRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Message:  "submit ward report",
		Deadline: now.Add(72 * time.Hour),
		Reminder: model.ReminderSchedule{
			Type: model.ReminderCustom, Minutes: 1440, Active: true, RemindersLeft: 2,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, todo.ScheduledReminderAt)

	// Not due yet.
	fired, err := b.FireDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	f.clk.Set(todo.ScheduledReminderAt.Add(time.Minute))
	fired, err = b.FireDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := f.store.GetTodo(ctx, todo.UID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Reminder.RemindersLeft)
	assert.Equal(t, 1440+schedule.RepeatGrowthMinutes, got.Reminder.Minutes,
		"repeat window grows by a week")
	assert.True(t, got.Reminder.Active)
	require.NotNil(t, got.ScheduledReminderAt)
	assert.True(t, got.ScheduledReminderAt.Equal(got.DeadlineAt),
		"grown window lands in the past, corrected to the deadline itself")

	logs, err := f.store.ListLogsForTask(ctx, todo.UID)
	require.NoError(t, err)
	var reminderLogs int
	for _, l := range logs {
		if l.Subtype == model.SubtypeReminderSent {
			reminderLogs++
			assert.True(t, l.SystemInitiated())
		}
	}
	assert.Equal(t, 1, reminderLogs)

	// All three members are reminded, the creator included.
	due, err := f.store.FindDue(ctx, f.clk.Now(), 20)
	require.NoError(t, err)
	reminders := 0
	for _, n := range due {
		if n.Kind == model.KindTaskReminder {
			reminders++
		}
	}
	assert.Equal(t, 3, reminders)

	// Last repeat: the countdown exhausts and the schedule goes quiet.
	f.clk.Set(got.ScheduledReminderAt.Add(time.Minute))
	fired, err = b.FireDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err = f.store.GetTodo(ctx, todo.UID)
	require.NoError(t, err)
	assert.False(t, got.Reminder.Active)
	assert.Equal(t, 0, got.Reminder.RemindersLeft)
	assert.Nil(t, got.ScheduledReminderAt)

	fired, err = b.FireDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "exhausted schedule never fires again")
}

func TestEventLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clk.Now()
	b := f.eventBroker()

	event, err := b.Create(ctx, CreateEventRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Type:     model.EventTypeMeeting,
		Name:     "branch AGM",
		StartsAt: now.Add(48 * time.Hour),
		Reminder: model.ReminderSchedule{
			Type: model.ReminderCustom, Minutes: 120, Active: true, RemindersLeft: 1,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, event.ScheduledReminderAt)
	assert.True(t, event.ScheduledReminderAt.Equal(event.StartsAt.Add(-2*time.Hour)))

	// A member responds; the convener is notified and the response is amendable.
	logUID, err := b.RecordResponse(ctx, event.UID, f.members[0].UID, "yes")
	require.NoError(t, err)

	responses, err := f.store.FindDue(ctx, now, 20)
	require.NoError(t, err)
	var convenerNote *model.Notification
	for _, n := range responses {
		if n.Kind == model.KindEventResponse {
			convenerNote = n
		}
	}
	require.NotNil(t, convenerNote)
	assert.Equal(t, f.creator.UID, convenerNote.TargetUID)

	require.NoError(t, b.ChangeResponse(ctx, event.UID, logUID, "no"))
	amended, err := f.store.GetActionLog(ctx, logUID)
	require.NoError(t, err)
	assert.Equal(t, "no", amended.Response)
}

func TestEventReminderIsOneShot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clk.Now()
	b := f.eventBroker()

	event, err := b.Create(ctx, CreateEventRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Type:     model.EventTypeVote,
		Name:     "budget vote",
		StartsAt: now.Add(48 * time.Hour),
		Reminder: model.ReminderSchedule{
			Type: model.ReminderCustom, Minutes: 120, Active: true, RemindersLeft: 1,
		},
	})
	require.NoError(t, err)

	f.clk.Set(event.ScheduledReminderAt.Add(time.Minute))
	fired, err := b.FireDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := f.store.GetEvent(ctx, event.UID)
	require.NoError(t, err)
	assert.False(t, got.Reminder.Active, "event reminders fire once")
	assert.Nil(t, got.ScheduledReminderAt)

	fired, err = b.FireDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	// Moving the start re-arms the reminder against the new time.
	newStart := f.clk.Now().Add(96 * time.Hour)
	require.NoError(t, b.ChangeStart(ctx, event.UID, f.creator.UID, newStart))

	got, err = f.store.GetEvent(ctx, event.UID)
	require.NoError(t, err)
	assert.True(t, got.Reminder.Active)
	require.NotNil(t, got.ScheduledReminderAt)
	assert.True(t, got.ScheduledReminderAt.Equal(newStart.Add(-2*time.Hour)))
}

func TestEventCancelClosesResponses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := f.eventBroker()

	event, err := b.Create(ctx, CreateEventRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Type:     model.EventTypeMeeting,
		Name:     "street meeting",
		StartsAt: f.clk.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	logUID, err := b.RecordResponse(ctx, event.UID, f.members[0].UID, "yes")
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, event.UID, f.creator.UID))

	_, err = b.RecordResponse(ctx, event.UID, f.members[1].UID, "yes")
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)

	err = b.ChangeResponse(ctx, event.UID, logUID, "no")
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal,
		"responses freeze once the event is terminal")
}

func TestUserRegisterQueuesWelcome(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := NewUserBroker(f.store, f.clk, f.logger)

	user, err := b.Register(ctx, "Nomsa", "+27821234567", model.RoutePush)
	require.NoError(t, err)

	due, err := f.store.FindDue(ctx, f.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.KindWelcome, due[0].Kind)
	assert.Equal(t, user.UID, due[0].TargetUID)
	assert.Equal(t, model.RoutePush, due[0].Route)
	assert.Equal(t, model.LogKindUser, due[0].CausalLog.Kind)
}

func TestSafetyAlertJumpsTheQueue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clk.Now()
	b := NewUserBroker(f.store, f.clk, f.logger)

	// Queue an ordinary notification first, then the alert.
	_, err := f.todoBroker().Create(ctx, CreateTodoRequest{
		ActorUID: f.creator.UID,
		GroupUID: f.group.UID,
		Message:  "routine item",
		Deadline: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, b.ActivateSafety(ctx, f.group.UID, f.creator.UID, "flooding at the hall"))

	due, err := f.store.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.NotEmpty(t, due)
	assert.Equal(t, model.KindBroadcast, due[0].Kind,
		"elevated priority sorts safety broadcasts first")
	assert.Equal(t, model.LogKindSafety, due[0].CausalLog.Kind)
}

func TestGroupBrokerMembershipLog(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := NewGroupBroker(f.store, f.clk, f.logger)

	sub, err := b.CreateGroup(ctx, f.creator.UID, "Street committee", f.group.UID, 60)
	require.NoError(t, err)
	assert.Equal(t, f.group.UID, sub.ParentUID)

	newcomer, err := NewUserBroker(f.store, f.clk, f.logger).Register(ctx, "Bongani", "+27829999999", "")
	require.NoError(t, err)

	require.NoError(t, b.AddMember(ctx, sub.UID, newcomer.UID, f.creator.UID, ""))

	members, err := f.store.GroupMembers(ctx, sub.UID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, newcomer.UID, members[0].UID)
}
