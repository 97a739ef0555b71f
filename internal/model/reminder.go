package model

// ReminderType selects where a task's reminder window comes from.
type ReminderType string

const (
	// ReminderDisabled means no reminder fires for the task.
	ReminderDisabled ReminderType = "disabled"
	// ReminderGroupConfigured uses the owning group's default reminder window.
	ReminderGroupConfigured ReminderType = "group_configured"
	// ReminderCustom uses the task's own Minutes offset.
	ReminderCustom ReminderType = "custom"
)

// ReminderSchedule is the reminder policy embedded in events and todos.
// Minutes is a signed window subtracted from the deadline: a positive window
// fires before the deadline, a negative one after it. RemindersLeft is a
// countdown for repeatable (todo) reminders, decremented each time a reminder
// actually fires.
type ReminderSchedule struct {
	Type          ReminderType `db:"reminder_type"`
	Minutes       int          `db:"reminder_minutes"`
	Active        bool         `db:"reminder_active"`
	RemindersLeft int          `db:"reminders_left"`
}

// Disabled reports whether the schedule can never produce a reminder given the
// group's configured window.
func (r ReminderSchedule) Disabled(groupMinutes int) bool {
	if r.Type == ReminderDisabled {
		return true
	}
	if r.Type == ReminderGroupConfigured && groupMinutes <= 0 {
		return true
	}
	return false
}

// EffectiveMinutes resolves the signed window, falling back to the group's
// configured window for group-configured schedules.
func (r ReminderSchedule) EffectiveMinutes(groupMinutes int) int {
	if r.Type == ReminderGroupConfigured {
		return groupMinutes
	}
	return r.Minutes
}
