package model

import (
	"fmt"
	"time"
)

// LogKind discriminates the ActionLog variants. Exactly one variant payload is
// populated per entry; the kind says which.
type LogKind string

const (
	LogKindTaskEvent LogKind = "task_event"
	LogKindTodo      LogKind = "todo"
	LogKindGroup     LogKind = "group"
	LogKindAccount   LogKind = "account"
	LogKindUser      LogKind = "user"
	LogKindSafety    LogKind = "safety"
)

var validLogKinds = map[LogKind]bool{
	LogKindTaskEvent: true,
	LogKindTodo:      true,
	LogKindGroup:     true,
	LogKindAccount:   true,
	LogKindUser:      true,
	LogKindSafety:    true,
}

// Log subtypes record what happened within a domain area.
const (
	SubtypeCreated          = "created"
	SubtypeChanged          = "changed"
	SubtypeCancelled        = "cancelled"
	SubtypeCompleted        = "completed"
	SubtypeReminderSent     = "reminder_sent"
	SubtypeResponseRecorded = "response_recorded"
	SubtypeMemberAdded      = "member_added"
	SubtypeMemberRemoved    = "member_removed"
	SubtypeSubgroupAdded    = "subgroup_added"
	SubtypeAccountEnabled   = "account_enabled"
	SubtypeUserCreated      = "user_created"
	SubtypeSafetyActivated  = "safety_activated"
	SubtypeSafetyResolved   = "safety_resolved"
)

// ActionLog is an immutable record of a domain action. An empty ActorUID means
// the action was initiated by the system itself (e.g. a scheduled job).
//
// After construction only Response may change, and only while the parent task
// is still open; every other field is written once.
type ActionLog struct {
	UID       string    `db:"uid"`
	Kind      LogKind   `db:"kind"`
	Subtype   string    `db:"subtype"`
	ActorUID  string    `db:"actor_uid"`
	CreatedAt time.Time `db:"created_at"`

	// Variant payload. TaskUID carries the event or todo reference for the
	// task-shaped kinds; GroupUID anchors group, account and safety entries.
	TaskUID     string `db:"task_uid"`
	GroupUID    string `db:"group_uid"`
	TargetUID   string `db:"target_uid"`
	AccountUID  string `db:"account_uid"`
	UserUID     string `db:"user_uid"`
	Description string `db:"description"`
	Response    string `db:"response"`
}

// NewTaskEventLog records an action on a meeting or vote. Response may be empty
// (e.g. for a creation entry); eventUID and subtype may not.
func NewTaskEventLog(now time.Time, actorUID, eventUID, subtype, response string) (*ActionLog, error) {
	if eventUID == "" {
		return nil, fmt.Errorf("%w: task event log requires event uid", ErrInvalidArgument)
	}
	if subtype == "" {
		return nil, fmt.Errorf("%w: task event log requires subtype", ErrInvalidArgument)
	}
	return &ActionLog{
		UID:       NewID(IDTypeActionLog),
		Kind:      LogKindTaskEvent,
		Subtype:   subtype,
		ActorUID:  actorUID,
		CreatedAt: now,
		TaskUID:   eventUID,
		Response:  response,
	}, nil
}

// NewTodoLog records an action on a to-do entry.
func NewTodoLog(now time.Time, actorUID, todoUID, subtype, description string) (*ActionLog, error) {
	if todoUID == "" {
		return nil, fmt.Errorf("%w: todo log requires todo uid", ErrInvalidArgument)
	}
	if subtype == "" {
		return nil, fmt.Errorf("%w: todo log requires subtype", ErrInvalidArgument)
	}
	return &ActionLog{
		UID:         NewID(IDTypeActionLog),
		Kind:        LogKindTodo,
		Subtype:     subtype,
		ActorUID:    actorUID,
		CreatedAt:   now,
		TaskUID:     todoUID,
		Description: description,
	}, nil
}

// NewGroupLog records a group-level action. TargetUID identifies the affected
// user or subgroup and may be empty for actions on the group as a whole.
func NewGroupLog(now time.Time, actorUID, groupUID, targetUID, subtype, description string) (*ActionLog, error) {
	if groupUID == "" {
		return nil, fmt.Errorf("%w: group log requires group uid", ErrInvalidArgument)
	}
	if subtype == "" {
		return nil, fmt.Errorf("%w: group log requires subtype", ErrInvalidArgument)
	}
	return &ActionLog{
		UID:         NewID(IDTypeActionLog),
		Kind:        LogKindGroup,
		Subtype:     subtype,
		ActorUID:    actorUID,
		CreatedAt:   now,
		GroupUID:    groupUID,
		TargetUID:   targetUID,
		Description: description,
	}, nil
}

// NewAccountLog records a billing-account action anchored to a group.
func NewAccountLog(now time.Time, actorUID, accountUID, groupUID, subtype, description string) (*ActionLog, error) {
	if accountUID == "" {
		return nil, fmt.Errorf("%w: account log requires account uid", ErrInvalidArgument)
	}
	if subtype == "" {
		return nil, fmt.Errorf("%w: account log requires subtype", ErrInvalidArgument)
	}
	return &ActionLog{
		UID:         NewID(IDTypeActionLog),
		Kind:        LogKindAccount,
		Subtype:     subtype,
		ActorUID:    actorUID,
		CreatedAt:   now,
		AccountUID:  accountUID,
		GroupUID:    groupUID,
		Description: description,
	}, nil
}

// NewUserLog records an action on a user profile (registration, welcome, etc).
func NewUserLog(now time.Time, actorUID, userUID, subtype, description string) (*ActionLog, error) {
	if userUID == "" {
		return nil, fmt.Errorf("%w: user log requires user uid", ErrInvalidArgument)
	}
	if subtype == "" {
		return nil, fmt.Errorf("%w: user log requires subtype", ErrInvalidArgument)
	}
	return &ActionLog{
		UID:         NewID(IDTypeActionLog),
		Kind:        LogKindUser,
		Subtype:     subtype,
		ActorUID:    actorUID,
		CreatedAt:   now,
		UserUID:     userUID,
		Description: description,
	}, nil
}

// NewSafetyLog records a safety-event action anchored to the group whose
// members must respond.
func NewSafetyLog(now time.Time, actorUID, groupUID, subtype, description string) (*ActionLog, error) {
	if groupUID == "" {
		return nil, fmt.Errorf("%w: safety log requires group uid", ErrInvalidArgument)
	}
	if subtype == "" {
		return nil, fmt.Errorf("%w: safety log requires subtype", ErrInvalidArgument)
	}
	return &ActionLog{
		UID:         NewID(IDTypeActionLog),
		Kind:        LogKindSafety,
		Subtype:     subtype,
		ActorUID:    actorUID,
		CreatedAt:   now,
		GroupUID:    groupUID,
		Description: description,
	}, nil
}

// AmendResponse updates the response value on a task-shaped entry. The caller
// is responsible for checking the parent task is still open.
func (l *ActionLog) AmendResponse(response string) error {
	if l.Kind != LogKindTaskEvent && l.Kind != LogKindTodo {
		return fmt.Errorf("%w: cannot amend response on %s log", ErrInvalidArgument, l.Kind)
	}
	l.Response = response
	return nil
}

// SystemInitiated reports whether the entry was produced by a scheduled job
// rather than an acting user.
func (l *ActionLog) SystemInitiated() bool {
	return l.ActorUID == ""
}

// Equal compares by unique id only.
func (l *ActionLog) Equal(other *ActionLog) bool {
	return other != nil && l.UID == other.UID
}
