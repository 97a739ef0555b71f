// Package schedule computes when a task's reminder notification should fire.
// All computation is pure: callers inject the current instant and the fixed
// civic-calendar timezone, so tests are deterministic.
package schedule

import (
	"time"

	"github.com/khanyo/imbizo/internal/model"
)

// RepeatGrowthMinutes is the interval added between successive repeatable
// reminders after the first firing: 7 days, in minutes.
const RepeatGrowthMinutes = 7 * 24 * 60

// Policy carries the civic-calendar zone and the daytime floor. Reminders are
// never scheduled earlier than DaytimeStartHour local time.
type Policy struct {
	Location         *time.Location
	DaytimeStartHour int
}

// NewPolicy loads the named zone. An empty name falls back to UTC rather than
// the server's local zone.
func NewPolicy(timezone string, daytimeStartHour int) (Policy, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Policy{}, err
	}
	if daytimeStartHour <= 0 {
		daytimeStartHour = 7
	}
	return Policy{Location: loc, DaytimeStartHour: daytimeStartHour}, nil
}

// RestrictToDaytime pushes an instant that falls before the daytime floor
// forward to the floor hour on the same local calendar date.
func (p Policy) RestrictToDaytime(t time.Time) time.Time {
	local := t.In(p.Location)
	if local.Hour() >= p.DaytimeStartHour {
		return t
	}
	return time.Date(local.Year(), local.Month(), local.Day(),
		p.DaytimeStartHour, 0, 0, 0, p.Location)
}

// tomorrowAtFloor is the daytime floor hour on the local calendar date of
// now+24h. Used by the past-time correction.
func (p Policy) tomorrowAtFloor(now time.Time) time.Time {
	local := now.Add(24 * time.Hour).In(p.Location)
	return time.Date(local.Year(), local.Month(), local.Day(),
		p.DaytimeStartHour, 0, 0, 0, p.Location)
}

// ReminderTime derives the instant a reminder should fire, or nil when the
// schedule produces none.
//
// The offset convention follows the stored reminder window: the scheduled time
// is deadline minus Minutes, so a positive window fires before the deadline
// and a negative window after it.
//
// Corrections, in order: the daytime restriction moves pre-floor instants to
// the floor hour on the same local date; then, if the result is already in
// the past, the reminder moves to tomorrow at the floor hour (never later
// than the deadline) when the deadline is still more than a day away, and to
// exactly the deadline otherwise, since a last-moment reminder beats no
// reminder at all.
func (p Policy) ReminderTime(deadline time.Time, sched model.ReminderSchedule,
	groupMinutes int, now time.Time) *time.Time {

	if !sched.Active || sched.Disabled(groupMinutes) {
		return nil
	}

	minutes := sched.EffectiveMinutes(groupMinutes)
	naive := deadline.Add(-time.Duration(minutes) * time.Minute)
	result := p.RestrictToDaytime(naive)

	if result.Before(now) {
		if now.Add(24 * time.Hour).Before(deadline) {
			result = p.tomorrowAtFloor(now)
			// A deadline just over a day out can still fall before
			// tomorrow's floor hour. Never schedule past the deadline.
			if result.After(deadline) {
				result = deadline
			}
		} else {
			result = deadline
		}
	}

	result = result.UTC()
	return &result
}

// AdvanceRepeat moves a repeatable (todo) schedule past a firing: one fewer
// reminder left, and the next window grows by a week so that successive
// reminders spread out instead of hammering the member. At zero reminders left
// the schedule deactivates.
func AdvanceRepeat(sched model.ReminderSchedule) model.ReminderSchedule {
	sched.RemindersLeft--
	if sched.RemindersLeft <= 0 {
		sched.RemindersLeft = 0
		sched.Active = false
		return sched
	}
	if sched.Minutes < 0 {
		sched.Minutes = RepeatGrowthMinutes
	} else {
		sched.Minutes += RepeatGrowthMinutes
	}
	return sched
}

// Disarm clears a one-shot (event) schedule after its single reminder fires.
func Disarm(sched model.ReminderSchedule) model.ReminderSchedule {
	sched.Active = false
	return sched
}

// Rearm re-activates a one-shot schedule after its deadline changed; the
// caller must recompute the reminder time.
func Rearm(sched model.ReminderSchedule) model.ReminderSchedule {
	if sched.Type != model.ReminderDisabled {
		sched.Active = true
	}
	return sched
}
