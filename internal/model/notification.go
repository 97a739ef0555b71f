package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxMessageLength bounds the message body; SMS gateways reject longer bodies.
const MaxMessageLength = 255

// DefaultPriority applies when no override is given; higher is more urgent.
const DefaultPriority = 1

// NotificationKind discriminates message purposes.
type NotificationKind string

const (
	KindTaskReminder  NotificationKind = "task_reminder"
	KindTaskInfo      NotificationKind = "task_info"
	KindWelcome       NotificationKind = "welcome"
	KindBroadcast     NotificationKind = "broadcast"
	KindEventResponse NotificationKind = "event_response"
)

var validNotificationKinds = map[NotificationKind]bool{
	KindTaskReminder:  true,
	KindTaskInfo:      true,
	KindWelcome:       true,
	KindBroadcast:     true,
	KindEventResponse: true,
}

// DeliveryRoute selects the outbound channel; the target user's preference
// decides which one a notification rides.
type DeliveryRoute string

const (
	RouteSMS   DeliveryRoute = "sms"
	RoutePush  DeliveryRoute = "push"
	RouteEmail DeliveryRoute = "email"
)

// LogRef is the causal ActionLog reference carried by every notification:
// a kind tag plus the log uid, never zero and never more than one.
type LogRef struct {
	Kind LogKind `db:"log_kind"`
	UID  string  `db:"log_uid"`
}

// SendError is a diagnostic snapshot recorded on a failed delivery attempt.
type SendError struct {
	NotificationUID string    `db:"notification_uid"`
	ErrorTime       time.Time `db:"error_time"`
	ErrorMessage    string    `db:"error_message"`
	StatusBefore    string    `db:"status_before"`
	StatusAfter     string    `db:"status_after"`
}

// Notification is a queued outbound message to exactly one user. NextAttemptAt
// is when delivery should next be attempted; once delivered it is set to nil
// and no further attempts are made. Rows are kept after delivery for audit and
// read receipts, never deleted.
type Notification struct {
	UID        string           `db:"uid"`
	Kind       NotificationKind `db:"kind"`
	TargetUID  string           `db:"target_uid"`
	Message    string           `db:"message"`
	Priority   int              `db:"priority"`
	Route      DeliveryRoute    `db:"route"`
	CreatedAt  time.Time        `db:"created_at"`
	CausalLog  LogRef           `db:"causal_log"`

	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	AttemptCount  int        `db:"attempt_count"`
	Delivered     bool       `db:"delivered"`
	Read          bool       `db:"read"`

	DeadLetteredAt   *time.Time `db:"dead_lettered_at"`
	DeadLetterReason *string    `db:"dead_letter_reason"`

	// Claim fields prevent two dispatcher workers from both delivering the
	// same notification; see store.ClaimNotification.
	ClaimedBy    *string    `db:"claimed_by"`
	ClaimedUntil *time.Time `db:"claimed_until"`

	SendErrors []SendError `db:"-"`
}

// NewNotification builds a notification caused by the given ActionLog. The
// target, message and causal log are required; a log of an unrecognized kind
// is a programming error and fails fast. Delivery is first attempted at
// sendAt; pass now for immediate dispatch.
func NewNotification(now time.Time, kind NotificationKind, targetUID string, route DeliveryRoute,
	message string, causalLog *ActionLog, sendAt time.Time) (*Notification, error) {

	if !validNotificationKinds[kind] {
		return nil, fmt.Errorf("%w: unsupported notification kind %q", ErrInvalidArgument, kind)
	}
	if targetUID == "" {
		return nil, fmt.Errorf("%w: notification requires a target user", ErrInvalidArgument)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: notification requires a message", ErrInvalidArgument)
	}
	if causalLog == nil {
		return nil, fmt.Errorf("%w: notification requires a causal action log", ErrInvalidArgument)
	}
	if !validLogKinds[causalLog.Kind] {
		return nil, fmt.Errorf("%w: unsupported action log kind %q", ErrInvalidArgument, causalLog.Kind)
	}
	if route == "" {
		route = RouteSMS
	}
	if len(message) > MaxMessageLength {
		cut := MaxMessageLength
		// Back up to a rune boundary so the truncation never leaves a
		// split multi-byte character at the tail.
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}

	next := sendAt
	return &Notification{
		UID:           NewID(IDTypeNotification),
		Kind:          kind,
		TargetUID:     targetUID,
		Message:       message,
		Priority:      DefaultPriority,
		Route:         route,
		CreatedAt:     now,
		CausalLog:     LogRef{Kind: causalLog.Kind, UID: causalLog.UID},
		NextAttemptAt: &next,
	}, nil
}

// MarkDelivered is idempotent: calling it on an already delivered notification
// changes nothing observable.
func (n *Notification) MarkDelivered() {
	if n.Delivered {
		return
	}
	n.Delivered = true
	n.NextAttemptAt = nil
	n.ClaimedBy = nil
	n.ClaimedUntil = nil
}

// RecordFailure captures a failed attempt: bumps the attempt count, pushes the
// next attempt into the future per the caller's backoff policy, and keeps a
// diagnostic snapshot.
func (n *Notification) RecordFailure(now, next time.Time, errMsg string) {
	before := n.State()
	n.AttemptCount++
	n.LastAttemptAt = &now
	n.NextAttemptAt = &next
	n.ClaimedBy = nil
	n.ClaimedUntil = nil
	n.SendErrors = append(n.SendErrors, SendError{
		NotificationUID: n.UID,
		ErrorTime:       now,
		ErrorMessage:    errMsg,
		StatusBefore:    string(before),
		StatusAfter:     string(n.State()),
	})
}

// DeadLetter takes the notification out of dispatch selection permanently
// while keeping Delivered false for audit.
func (n *Notification) DeadLetter(now time.Time, reason string) {
	n.DeadLetteredAt = &now
	n.DeadLetterReason = &reason
	n.NextAttemptAt = nil
	n.ClaimedBy = nil
	n.ClaimedUntil = nil
}

// Due reports whether the notification should be selected for dispatch at now.
func (n *Notification) Due(now time.Time) bool {
	return !n.Delivered && n.DeadLetteredAt == nil &&
		n.NextAttemptAt != nil && !n.NextAttemptAt.After(now)
}

// Equal compares by unique id only.
func (n *Notification) Equal(other *Notification) bool {
	return other != nil && n.UID == other.UID
}
