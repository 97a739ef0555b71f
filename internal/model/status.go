package model

import "fmt"

// DeliveryState is the derived position of a notification in the dispatch
// state machine. It is not stored; it is a function of the delivery fields.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateRetrying  DeliveryState = "retrying"
	StateDelivered DeliveryState = "delivered"
	StateExhausted DeliveryState = "exhausted"
)

// State derives the current delivery state.
func (n *Notification) State() DeliveryState {
	switch {
	case n.Delivered:
		return StateDelivered
	case n.DeadLetteredAt != nil:
		return StateExhausted
	case n.AttemptCount > 0:
		return StateRetrying
	default:
		return StatePending
	}
}

var terminalDeliveryStates = map[DeliveryState]bool{
	StateDelivered: true,
	StateExhausted: true,
}

// Delivery transitions: pending/retrying may deliver, retry again, or exhaust;
// terminal states never move.
var validDeliveryTransitions = map[DeliveryState]map[DeliveryState]bool{
	StatePending: {
		StateRetrying:  true,
		StateDelivered: true,
		StateExhausted: true,
	},
	StateRetrying: {
		StateRetrying:  true,
		StateDelivered: true,
		StateExhausted: true,
	},
}

func IsTerminalDeliveryState(s DeliveryState) bool {
	return terminalDeliveryStates[s]
}

func ValidateDeliveryTransition(from, to DeliveryState) error {
	if IsTerminalDeliveryState(from) {
		return fmt.Errorf("cannot transition from terminal delivery state %q", from)
	}
	allowed, ok := validDeliveryTransitions[from]
	if !ok {
		return fmt.Errorf("unknown delivery state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid delivery transition: %q → %q", from, to)
	}
	return nil
}

// TaskStatus is the lifecycle of a todo or event aggregate.
type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusCancelled: true,
}

var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusOpen: {
		TaskStatusCompleted: true,
		TaskStatusCancelled: true,
	},
}

func IsTerminalTaskStatus(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTerminalTaskStatus(from) {
		return fmt.Errorf("%w: cannot transition from terminal task status %q", ErrAlreadyTerminal, from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
