package model

// Bundle accumulates the action logs and notifications produced as a side
// effect of one business operation. It has no identity and is never persisted
// itself: it exists only to be handed, once, to the bundle store, which
// commits everything in it atomically.
type Bundle struct {
	Logs          []*ActionLog
	Notifications []*Notification
}

func NewBundle() *Bundle {
	return &Bundle{}
}

func (b *Bundle) AddLog(l *ActionLog) {
	b.Logs = append(b.Logs, l)
}

func (b *Bundle) AddNotification(n *Notification) {
	b.Notifications = append(b.Notifications, n)
}

func (b *Bundle) AddNotifications(ns []*Notification) {
	b.Notifications = append(b.Notifications, ns...)
}

// Merge absorbs another bundle, e.g. when a replication fan-out contributes
// entries to the enclosing operation's bundle.
func (b *Bundle) Merge(other *Bundle) {
	if other == nil {
		return
	}
	b.Logs = append(b.Logs, other.Logs...)
	b.Notifications = append(b.Notifications, other.Notifications...)
}

func (b *Bundle) Empty() bool {
	return len(b.Logs) == 0 && len(b.Notifications) == 0
}
