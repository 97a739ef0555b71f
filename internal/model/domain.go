package model

import (
	"fmt"
	"time"
)

// User is the slim projection of a platform member that the dispatch core
// needs: identity plus the delivery route preference.
type User struct {
	UID         string        `db:"uid"`
	DisplayName string        `db:"display_name"`
	Phone       string        `db:"phone"`
	Preference  DeliveryRoute `db:"preference"`
	CreatedAt   time.Time     `db:"created_at"`
}

// Group is a node in the organizing hierarchy. ReminderMinutes is the group's
// default reminder window, used by group-configured schedules.
type Group struct {
	UID             string    `db:"uid"`
	Name            string    `db:"name"`
	ParentUID       string    `db:"parent_uid"`
	ReminderMinutes int       `db:"reminder_minutes"`
	Version         int       `db:"version"`
	CreatedAt       time.Time `db:"created_at"`
}

// Todo is a recorded action item with a deadline and a repeatable reminder.
// ReplicatedGroupUID is set only on fan-out children and names the root group
// whose entry triggered their creation; the parent entry carries none.
// Version backs optimistic concurrency on the completion-confirmation set.
type Todo struct {
	UID                string     `db:"uid"`
	GroupUID           string     `db:"group_uid"`
	CreatedByUID       string     `db:"created_by_uid"`
	Message            string     `db:"message"`
	DeadlineAt         time.Time  `db:"deadline_at"`
	Reminder           ReminderSchedule
	ScheduledReminderAt *time.Time `db:"scheduled_reminder_at"`
	Status             TaskStatus `db:"status"`
	CompletedAt        *time.Time `db:"completed_at"`
	ReplicatedGroupUID string     `db:"replicated_group_uid"`
	Version            int        `db:"version"`
	CreatedAt          time.Time  `db:"created_at"`
}

// EventType distinguishes the meeting-shaped aggregates.
type EventType string

const (
	EventTypeMeeting EventType = "meeting"
	EventTypeVote    EventType = "vote"
)

// Event is a meeting or vote. Its reminder is one-shot: Reminder.Active is
// cleared when the single reminder fires and re-armed only when the start time
// changes.
type Event struct {
	UID                 string     `db:"uid"`
	Type                EventType  `db:"event_type"`
	GroupUID            string     `db:"group_uid"`
	CreatedByUID        string     `db:"created_by_uid"`
	Name                string     `db:"name"`
	StartsAt            time.Time  `db:"starts_at"`
	Reminder            ReminderSchedule
	ScheduledReminderAt *time.Time `db:"scheduled_reminder_at"`
	Status              TaskStatus `db:"status"`
	Version             int        `db:"version"`
	CreatedAt           time.Time  `db:"created_at"`
}

// NewTodo validates and builds an open todo. The reminder time itself is
// computed by the schedule package and set by the caller.
func NewTodo(now time.Time, createdByUID, groupUID, message string, deadline time.Time,
	reminder ReminderSchedule, replicatedGroupUID string) (*Todo, error) {

	if createdByUID == "" {
		return nil, fmt.Errorf("%w: todo requires a creating user", ErrInvalidArgument)
	}
	if groupUID == "" {
		return nil, fmt.Errorf("%w: todo requires a group", ErrInvalidArgument)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: todo requires a message", ErrInvalidArgument)
	}
	if deadline.Before(now) {
		return nil, fmt.Errorf("%w: todo deadline is in the past", ErrInvalidArgument)
	}
	return &Todo{
		UID:                NewID(IDTypeTodo),
		GroupUID:           groupUID,
		CreatedByUID:       createdByUID,
		Message:            message,
		DeadlineAt:         deadline,
		Reminder:           reminder,
		Status:             TaskStatusOpen,
		ReplicatedGroupUID: replicatedGroupUID,
		CreatedAt:          now,
	}, nil
}

// NewEvent validates and builds an open meeting or vote.
func NewEvent(now time.Time, eventType EventType, createdByUID, groupUID, name string,
	startsAt time.Time, reminder ReminderSchedule) (*Event, error) {

	if eventType != EventTypeMeeting && eventType != EventTypeVote {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, eventType)
	}
	if createdByUID == "" {
		return nil, fmt.Errorf("%w: event requires a creating user", ErrInvalidArgument)
	}
	if groupUID == "" {
		return nil, fmt.Errorf("%w: event requires a group", ErrInvalidArgument)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: event requires a name", ErrInvalidArgument)
	}
	if startsAt.Before(now) {
		return nil, fmt.Errorf("%w: event start time is in the past", ErrInvalidArgument)
	}
	return &Event{
		UID:          NewID(IDTypeEvent),
		Type:         eventType,
		GroupUID:     groupUID,
		CreatedByUID: createdByUID,
		Name:         name,
		StartsAt:     startsAt,
		Reminder:     reminder,
		Status:       TaskStatusOpen,
		CreatedAt:    now,
	}, nil
}

// Open reports whether the todo still accepts completions and reminders.
func (t *Todo) Open() bool { return t.Status == TaskStatusOpen }

// Open reports whether the event still accepts responses and reminders.
func (e *Event) Open() bool { return e.Status == TaskStatusOpen }
