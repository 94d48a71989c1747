// Package bus provides the in-process event bus the daemon's subsystems
// fan events through, plus an optional NATS mirror for out-of-process
// observers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Payload is a typed in-process value;
// only the NATS mirror serializes it.
type Event struct {
	ID        string      `json:"id"`
	Subject   string      `json:"subject"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id and UTC timestamp.
func NewEvent(subject, source string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Subject:   subject,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler processes one event. Errors are logged by the bus and otherwise
// discarded.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract.
type Bus interface {
	// Publish delivers an event to all matching subscribers.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. Patterns
	// support NATS-style wildcards: "*" matches one token, ">" the rest.
	// Each delivery runs on its own goroutine.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// SubscribeQueued registers a handler whose deliveries are
	// serialized in publish order. Consumers that depend on source
	// ordering subscribe this way.
	SubscribeQueued(subject string, handler Handler) (Subscription, error)

	// Close tears down the bus; further publishes fail.
	Close()
}
