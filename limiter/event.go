package limiter

import (
	"context"
	"time"
)

// EventType event type
type EventType string

const (
	// EventAcquired a token was granted
	EventAcquired EventType = "acquired"

	// EventRejected admission was refused without waiting
	EventRejected EventType = "rejected"

	// EventWaitTimeout a blocking acquire gave up
	EventWaitTimeout EventType = "wait_timeout"

	// EventLimitChanged the resource's limit moved
	EventLimitChanged EventType = "limit_changed"
)

// Event interface
type Event interface {
	Type() EventType
	Resource() string
	Context() context.Context
	Timestamp() time.Time
}

// BaseEvent basic event
type BaseEvent struct {
	eventType EventType
	resource  string
	ctx       context.Context
	timestamp time.Time
}

// NewBaseEvent creates a base event
func NewBaseEvent(ctx context.Context, eventType EventType, resource string) BaseEvent {
	return BaseEvent{
		eventType: eventType,
		resource:  resource,
		ctx:       ctx,
		timestamp: time.Now(),
	}
}

// Type returns the event type
func (e *BaseEvent) Type() EventType {
	return e.eventType
}

// Resource returns resource
func (e *BaseEvent) Resource() string {
	return e.resource
}

// Context returns the context
func (e *BaseEvent) Context() context.Context {
	return e.ctx
}

// Timestamp returns when the event was created
func (e *BaseEvent) Timestamp() time.Time {
	return e.timestamp
}

// AcquiredEvent a token was granted
type AcquiredEvent struct {
	BaseEvent
	Limit    int
	InFlight int
}

// RejectedEvent admission refused, or a wait timed out (Type tells which)
type RejectedEvent struct {
	BaseEvent
	Limit    int
	InFlight int
}

// LimitChangedEvent the algorithm published a new limit
type LimitChangedEvent struct {
	BaseEvent
	OldLimit int
	NewLimit int
}

// EventListener event listener interface
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc event listener function type
type EventListenerFunc func(event Event)

// OnEvent implements EventListener interface
func (f EventListenerFunc) OnEvent(event Event) {
	f(event)
}

// EventBus event bus interface
type EventBus interface {
	// Subscribe to events
	Subscribe(listener EventListener)

	// Publish event; never blocks, drops the event when the buffer is full
	Publish(event Event)

	// Close delivers buffered events and stops the bus
	Close()
}
