// Package eventbus carries call lifecycle events between callflow services.
package eventbus

import (
	"context"

	"github.com/dukex/callflow/pkg/events"
)

// Event is anything published about a call. Events of one call share a
// partition, so consumers see them in the order they were published.
type Event interface {
	GetType() events.EventType
	GetCallID() string
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event, for example
// *events.CallEventReceived.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}
