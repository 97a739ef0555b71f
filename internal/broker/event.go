package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/events"
	"github.com/khanyo/imbizo/internal/lock"
	"github.com/khanyo/imbizo/internal/model"
	"github.com/khanyo/imbizo/internal/schedule"
	"github.com/khanyo/imbizo/internal/store"
)

// EventBroker owns meeting and vote lifecycles. Event reminders are one-shot:
// they fire once and stay off until the start time changes. Mutations on one
// event are serialized through a per-UID mutex, same as the todo side.
type EventBroker struct {
	store    *store.Store
	policy   schedule.Policy
	cfg      model.ReminderConfig
	clk      clock.Clock
	logger   *log.Logger
	eventBus *events.Bus
	locks    *lock.MutexMap
}

func NewEventBroker(st *store.Store, policy schedule.Policy, cfg model.ReminderConfig,
	clk clock.Clock, logger *log.Logger) *EventBroker {

	return &EventBroker{
		store:  st,
		policy: policy,
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		locks:  lock.NewMutexMap(),
	}
}

func (b *EventBroker) SetEventBus(bus *events.Bus) {
	b.eventBus = bus
}

// CreateEventRequest carries the caller's intent for a new meeting or vote.
type CreateEventRequest struct {
	ActorUID string
	GroupUID string
	Type     model.EventType
	Name     string
	StartsAt time.Time
	Reminder model.ReminderSchedule
}

func (b *EventBroker) defaultReminder(r model.ReminderSchedule) model.ReminderSchedule {
	if r.Type != "" {
		return r
	}
	return model.ReminderSchedule{
		Type:          model.ReminderGroupConfigured,
		Active:        true,
		RemindersLeft: 1,
	}
}

// Create persists the event with its creation log and the response-request
// notifications in one transaction.
func (b *EventBroker) Create(ctx context.Context, req CreateEventRequest) (*model.Event, error) {
	now := b.clk.Now()

	group, err := b.store.GetGroup(ctx, req.GroupUID)
	if err != nil {
		return nil, err
	}

	reminder := b.defaultReminder(req.Reminder)
	event, err := model.NewEvent(now, req.Type, req.ActorUID, req.GroupUID, req.Name, req.StartsAt, reminder)
	if err != nil {
		return nil, err
	}
	event.ScheduledReminderAt = b.policy.ReminderTime(event.StartsAt, reminder, group.ReminderMinutes, now)

	createdLog, err := model.NewTaskEventLog(now, req.ActorUID, event.UID, model.SubtypeCreated, "")
	if err != nil {
		return nil, err
	}

	bundle := model.NewBundle()
	bundle.AddLog(createdLog)

	members, err := b.store.GroupMembers(ctx, req.GroupUID)
	if err != nil {
		return nil, err
	}
	msg := eventCreatedMessage(group.Name, req.Name, req.StartsAt, b.policy.Location)
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

	if err := b.store.CreateEvent(ctx, event, bundle); err != nil {
		return nil, err
	}

	b.logger.Printf("%s INFO event_broker: created uid=%s type=%s group=%s notifications=%d",
		now.Format(time.RFC3339), event.UID, event.Type, req.GroupUID, len(bundle.Notifications))
	return event, nil
}

// RecordResponse stores one member's response to an open event and notifies
// the convener. The returned log uid lets the member amend their response
// later via ChangeResponse.
func (b *EventBroker) RecordResponse(ctx context.Context, eventUID, userUID, response string) (string, error) {
	now := b.clk.Now()

	event, err := b.store.GetEvent(ctx, eventUID)
	if err != nil {
		return "", err
	}
	if !event.Open() {
		return "", fmt.Errorf("event %s is %s: %w", eventUID, event.Status, model.ErrAlreadyTerminal)
	}

	responseLog, err := model.NewTaskEventLog(now, userUID, eventUID, model.SubtypeResponseRecorded, response)
	if err != nil {
		return "", err
	}

	bundle := model.NewBundle()
	bundle.AddLog(responseLog)

	if event.CreatedByUID != userUID {
		responder, err := b.store.GetUser(ctx, userUID)
		if err != nil {
			return "", err
		}
		convener, err := b.store.GetUser(ctx, event.CreatedByUID)
		if err != nil {
			return "", err
		}
		msg := eventResponseMessage(responder.DisplayName, event.Name, response)
		n, err := model.NewNotification(now, model.KindEventResponse, convener.UID, convener.Preference,
			msg, responseLog, now)
		if err != nil {
			return "", err
		}
		bundle.AddNotification(n)
	}

	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return "", err
	}
	return responseLog.UID, nil
}

// ChangeResponse amends a previously recorded response in place. The log
// itself is the single mutable field on the whole trail, and only while the
// event stays open.
func (b *EventBroker) ChangeResponse(ctx context.Context, eventUID, logUID, response string) error {
	event, err := b.store.GetEvent(ctx, eventUID)
	if err != nil {
		return err
	}
	if !event.Open() {
		return fmt.Errorf("event %s is %s: %w", eventUID, event.Status, model.ErrAlreadyTerminal)
	}
	return b.store.AmendLogResponse(ctx, logUID, response)
}

// ChangeStart moves the event, re-arms its one-shot reminder against the new
// start time, and notifies members of the change.
func (b *EventBroker) ChangeStart(ctx context.Context, eventUID, actorUID string, newStart time.Time) error {
	b.locks.Lock(eventUID)
	defer b.locks.Unlock(eventUID)
	now := b.clk.Now()

	event, err := b.store.GetEvent(ctx, eventUID)
	if err != nil {
		return err
	}
	if !event.Open() {
		return fmt.Errorf("event %s is %s: %w", eventUID, event.Status, model.ErrAlreadyTerminal)
	}
	if newStart.Before(now) {
		return fmt.Errorf("%w: new start time is in the past", model.ErrInvalidArgument)
	}

	group, err := b.store.GetGroup(ctx, event.GroupUID)
	if err != nil {
		return err
	}

	event.StartsAt = newStart
	event.Reminder = schedule.Rearm(event.Reminder)
	event.ScheduledReminderAt = b.policy.ReminderTime(newStart, event.Reminder, group.ReminderMinutes, now)
	if err := b.store.UpdateEvent(ctx, event); err != nil {
		return err
	}

	changedLog, err := model.NewTaskEventLog(now, actorUID, eventUID, model.SubtypeChanged, "")
	if err != nil {
		return err
	}
	bundle := model.NewBundle()
	bundle.AddLog(changedLog)

	members, err := b.store.GroupMembers(ctx, event.GroupUID)
	if err != nil {
		return err
	}
	msg := eventChangedMessage(group.Name, event.Name, newStart, b.policy.Location)
	for _, m := range members {
		if m.UID == actorUID {
			continue
		}
		n, err := model.NewNotification(now, model.KindTaskInfo, m.UID, m.Preference, msg, changedLog, now)
		if err != nil {
			return err
		}
		bundle.AddNotification(n)
	}
	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return err
	}

	b.logger.Printf("%s INFO event_broker: rescheduled uid=%s start=%s",
		now.Format(time.RFC3339), eventUID, newStart.Format(time.RFC3339))
	return nil
}

// Cancel voids the event and every notification still waiting to go out.
func (b *EventBroker) Cancel(ctx context.Context, eventUID, actorUID string) error {
	b.locks.Lock(eventUID)
	defer b.locks.Unlock(eventUID)
	now := b.clk.Now()

	event, err := b.store.GetEvent(ctx, eventUID)
	if err != nil {
		return err
	}
	if err := model.ValidateTaskTransition(event.Status, model.TaskStatusCancelled); err != nil {
		return err
	}

	event.Status = model.TaskStatusCancelled
	event.Reminder = schedule.Disarm(event.Reminder)
	event.ScheduledReminderAt = nil
	if err := b.store.UpdateEvent(ctx, event); err != nil {
		return err
	}

	voided, err := b.store.VoidPendingForTask(ctx, eventUID, now, "task cancelled")
	if err != nil {
		return err
	}

	cancelledLog, err := model.NewTaskEventLog(now, actorUID, eventUID, model.SubtypeCancelled, "")
	if err != nil {
		return err
	}
	bundle := model.NewBundle()
	bundle.AddLog(cancelledLog)
	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return err
	}

	b.logger.Printf("%s INFO event_broker: cancelled uid=%s by=%s voided=%d",
		now.Format(time.RFC3339), eventUID, actorUID, voided)
	return nil
}

// FireDueReminders emits the single reminder for every open event whose time
// has arrived, then deactivates the schedule.
func (b *EventBroker) FireDueReminders(ctx context.Context) (int, error) {
	now := b.clk.Now()

	due, err := b.store.ListDueEventReminders(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, event := range due {
		if b.fireReminder(ctx, event, now) {
			fired++
		}
	}
	return fired, nil
}

// fireReminder sends one due event's single reminder and deactivates the
// schedule, reporting whether the reminder went out.
func (b *EventBroker) fireReminder(ctx context.Context, event *model.Event, now time.Time) bool {
	b.locks.Lock(event.UID)
	defer b.locks.Unlock(event.UID)

	group, err := b.store.GetGroup(ctx, event.GroupUID)
	if err != nil {
		b.logger.Printf("%s ERROR event_broker: reminder_group uid=%s error=%v",
			now.Format(time.RFC3339), event.UID, err)
		return false
	}

	event.Reminder = schedule.Disarm(event.Reminder)
	event.ScheduledReminderAt = nil
	if err := b.store.UpdateEvent(ctx, event); err != nil {
		return false
	}

	reminderLog, err := model.NewTaskEventLog(now, "", event.UID, model.SubtypeReminderSent, "")
	if err != nil {
		return false
	}
	bundle := model.NewBundle()
	bundle.AddLog(reminderLog)

	members, err := b.store.GroupMembers(ctx, event.GroupUID)
	if err != nil {
		b.logger.Printf("%s ERROR event_broker: reminder_members uid=%s error=%v",
			now.Format(time.RFC3339), event.UID, err)
		return false
	}
	msg := eventReminderMessage(group.Name, event.Name, event.StartsAt, b.policy.Location)
	for _, m := range members {
		n, err := model.NewNotification(now, model.KindTaskReminder, m.UID, m.Preference, msg, reminderLog, now)
		if err != nil {
			continue
		}
		bundle.AddNotification(n)
	}

	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		b.logger.Printf("%s ERROR event_broker: reminder_bundle uid=%s error=%v",
			now.Format(time.RFC3339), event.UID, err)
		return false
	}

	if b.eventBus != nil {
		b.eventBus.Publish(events.EventReminderFired, map[string]interface{}{
			"task_uid":  event.UID,
			"group_uid": event.GroupUID,
		})
	}
	return true
}
