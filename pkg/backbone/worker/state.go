package worker

import "time"

// State is a step of a message's life in a consumer group.
type State int

const (
	// StateDelivered means the message was read from the bus.
	StateDelivered State = iota

	// StateProcessing means its handlers are running.
	StateProcessing

	// StateAcknowledged means every handler is done and the message left
	// the pending-entries list.
	StateAcknowledged

	// StatePendingRetry means the message stays pending and will be
	// claimed again.
	StatePendingRetry

	// StateDeadLettered means at least one handler gave up; the message
	// was acknowledged after the failure was recorded.
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateProcessing:
		return "processing"
	case StateAcknowledged:
		return "acknowledged"
	case StatePendingRetry:
		return "pending_retry"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Terminal reports whether the message is out of the pending-entries list.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateDeadLettered
}

// Transition is reported each time a message changes state.
type Transition struct {
	Group     string
	Consumer  string
	Topic     string
	MessageID string
	EventID   string
	State     State

	// DeliveryCount is the bus's delivery count for this delivery.
	DeliveryCount int64

	At time.Time
}
