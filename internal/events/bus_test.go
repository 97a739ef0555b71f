package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventNotificationDelivered, func(e Event) {
		received <- e
	})

	bus.Publish(EventNotificationDelivered, map[string]interface{}{
		"notification_uid": "ntf_1",
	})

	select {
	case e := <-received:
		if e.Data["notification_uid"] != "ntf_1" {
			t.Errorf("payload = %v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusIgnoresOtherEventTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventReminderFired, func(e Event) {
		received <- e
	})

	bus.Publish(EventNotificationFailed, map[string]interface{}{"x": 1})

	select {
	case <-received:
		t.Fatal("subscriber received an event type it never registered for")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventReminderFired, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventReminderFired, nil)
	time.Sleep(100 * time.Millisecond)
	unsub()
	bus.Publish(EventReminderFired, nil)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1 (no delivery after unsubscribe)", count)
	}
}

func TestBusSubscriberPanicDoesNotKillBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan struct{}, 2)
	bus.Subscribe(EventReminderFired, func(Event) {
		received <- struct{}{}
		panic("bad observer")
	})

	bus.Publish(EventReminderFired, nil)
	bus.Publish(EventReminderFired, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("bus stopped delivering after subscriber panic")
		}
	}
}

func TestAuditLoggerWritesJSONL(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer audit.Close()

	err = audit.Record(Event{
		Type:      EventNotificationDeadLettered,
		Timestamp: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Data: map[string]interface{}{
			"notification_uid": "ntf_1",
			"reason":           "attempt budget",
		},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := audit.Record(Event{Type: EventReminderFired, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var entries []AuditEntry
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].NotificationUID != "ntf_1" {
		t.Errorf("uid column = %q, want lifted from payload", entries[0].NotificationUID)
	}
	if entries[0].EventType != string(EventNotificationDeadLettered) {
		t.Errorf("event type = %q", entries[0].EventType)
	}
}

func TestAuditLoggerRotates(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")

	// Tiny cap so the second entry forces a rotation.
	audit, err := NewAuditLogger(logPath, 50)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer audit.Close()

	for i := 0; i < 3; i++ {
		if err := audit.Record(Event{Type: EventReminderFired, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	archived, err := os.ReadDir(filepath.Join(dir, archiveDirName))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archived) == 0 {
		t.Error("no archived files after exceeding the size cap")
	}
}
