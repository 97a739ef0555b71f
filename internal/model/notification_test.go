package model

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testLog(t *testing.T) *ActionLog {
	t.Helper()
	l, err := NewTodoLog(time.Now().UTC(), "usr_a", "todo_a", SubtypeCreated, "")
	if err != nil {
		t.Fatalf("NewTodoLog: %v", err)
	}
	return l
}

func TestNewNotificationValidation(t *testing.T) {
	now := time.Now().UTC()
	l := testLog(t)

	tests := []struct {
		name    string
		kind    NotificationKind
		target  string
		message string
		log     *ActionLog
		wantErr bool
	}{
		{"valid", KindTaskInfo, "usr_a", "hello", l, false},
		{"missing target", KindTaskInfo, "", "hello", l, true},
		{"missing message", KindTaskInfo, "usr_a", "", l, true},
		{"missing log", KindTaskInfo, "usr_a", "hello", nil, true},
		{"bad kind", NotificationKind("carrier_pigeon"), "usr_a", "hello", l, true},
		{"bad log kind", KindTaskInfo, "usr_a", "hello", &ActionLog{UID: "log_x", Kind: LogKind("mystery")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNotification(now, tt.kind, tt.target, RouteSMS, tt.message, tt.log, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestNewNotificationDefaults(t *testing.T) {
	now := time.Now().UTC()
	n, err := NewNotification(now, KindTaskInfo, "usr_a", "", "hello", testLog(t), now)
	if err != nil {
		t.Fatal(err)
	}
	if n.Priority != DefaultPriority {
		t.Errorf("priority=%d want %d", n.Priority, DefaultPriority)
	}
	if n.Route != RouteSMS {
		t.Errorf("route=%s want sms", n.Route)
	}
	if n.NextAttemptAt == nil || !n.NextAttemptAt.Equal(now) {
		t.Errorf("next attempt not set to sendAt")
	}
	if n.CausalLog.Kind != LogKindTodo {
		t.Errorf("causal kind=%s want todo", n.CausalLog.Kind)
	}
}

func TestNewNotificationTruncatesMessage(t *testing.T) {
	now := time.Now().UTC()
	long := strings.Repeat("x", 400)
	n, err := NewNotification(now, KindBroadcast, "usr_a", RouteSMS, long, testLog(t), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Message) != MaxMessageLength {
		t.Errorf("message length=%d want %d", len(n.Message), MaxMessageLength)
	}
}

func TestNewNotificationTruncationKeepsRunesWhole(t *testing.T) {
	now := time.Now().UTC()
	// 253 ASCII bytes then a 3-byte rune straddling the 255-byte cap; the
	// whole rune must go, not its first two bytes.
	long := strings.Repeat("x", 253) + strings.Repeat("€", 10)
	n, err := NewNotification(now, KindBroadcast, "usr_a", RouteSMS, long, testLog(t), now)
	if err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(n.Message) {
		t.Errorf("truncated message is not valid UTF-8: %q", n.Message)
	}
	if len(n.Message) != 253 {
		t.Errorf("message length=%d want 253", len(n.Message))
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	now := time.Now().UTC()
	n, err := NewNotification(now, KindTaskReminder, "usr_a", RouteSMS, "remember", testLog(t), now)
	if err != nil {
		t.Fatal(err)
	}
	n.AttemptCount = 2

	n.MarkDelivered()
	if !n.Delivered || n.NextAttemptAt != nil {
		t.Fatalf("first MarkDelivered: delivered=%v next=%v", n.Delivered, n.NextAttemptAt)
	}

	n.MarkDelivered()
	if !n.Delivered || n.NextAttemptAt != nil {
		t.Fatalf("second MarkDelivered changed state")
	}
	if n.AttemptCount != 2 {
		t.Errorf("attempt count changed: %d", n.AttemptCount)
	}
}

func TestRecordFailure(t *testing.T) {
	now := time.Now().UTC()
	n, err := NewNotification(now, KindTaskReminder, "usr_a", RouteSMS, "remember", testLog(t), now)
	if err != nil {
		t.Fatal(err)
	}

	next := now.Add(2 * time.Minute)
	n.RecordFailure(now, next, "gateway timeout")

	if n.AttemptCount != 1 {
		t.Errorf("attempt count=%d want 1", n.AttemptCount)
	}
	if n.LastAttemptAt == nil || !n.LastAttemptAt.Equal(now) {
		t.Errorf("last attempt not recorded")
	}
	if n.NextAttemptAt == nil || !n.NextAttemptAt.Equal(next) {
		t.Errorf("next attempt not pushed")
	}
	if len(n.SendErrors) != 1 {
		t.Fatalf("send errors=%d want 1", len(n.SendErrors))
	}
	se := n.SendErrors[0]
	if se.ErrorMessage != "gateway timeout" || se.StatusBefore != "pending" || se.StatusAfter != "retrying" {
		t.Errorf("unexpected send error snapshot: %+v", se)
	}
}

func TestDueAndDeadLetter(t *testing.T) {
	now := time.Now().UTC()
	n, err := NewNotification(now, KindTaskInfo, "usr_a", RouteSMS, "hello", testLog(t), now)
	if err != nil {
		t.Fatal(err)
	}

	if !n.Due(now) {
		t.Error("fresh notification should be due")
	}
	if n.Due(now.Add(-time.Second)) {
		t.Error("not due before sendAt")
	}

	n.DeadLetter(now, "attempts exhausted")
	if n.Due(now.Add(time.Hour)) {
		t.Error("dead-lettered notification must not be due")
	}
	if n.Delivered {
		t.Error("dead-lettering must keep delivered=false for audit")
	}
	if n.State() != StateExhausted {
		t.Errorf("state=%s want exhausted", n.State())
	}
}

func TestDeliveryStateDerivation(t *testing.T) {
	now := time.Now().UTC()
	n, _ := NewNotification(now, KindTaskInfo, "usr_a", RouteSMS, "hello", testLog(t), now)

	if n.State() != StatePending {
		t.Errorf("state=%s want pending", n.State())
	}
	n.RecordFailure(now, now.Add(time.Minute), "boom")
	if n.State() != StateRetrying {
		t.Errorf("state=%s want retrying", n.State())
	}
	n.MarkDelivered()
	if n.State() != StateDelivered {
		t.Errorf("state=%s want delivered", n.State())
	}
}

func TestValidateDeliveryTransition(t *testing.T) {
	tests := []struct {
		from, to DeliveryState
		wantErr  bool
	}{
		{StatePending, StateDelivered, false},
		{StatePending, StateRetrying, false},
		{StateRetrying, StateExhausted, false},
		{StateDelivered, StatePending, true},
		{StateExhausted, StateRetrying, true},
	}
	for _, tt := range tests {
		err := ValidateDeliveryTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s→%s: err=%v wantErr=%v", tt.from, tt.to, err, tt.wantErr)
		}
	}
}
