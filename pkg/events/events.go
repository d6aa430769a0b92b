// Package events defines the notifications published about call lifecycles.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/callflow/pkg/models"
)

type EventType string

const Topic = "callflow.events"

// Message metadata keys. The call id doubles as the partition key.
const (
	CallIDMetadataKey    = "call_id"
	EventTypeMetadataKey = "event_type"
)

const (
	CallStartedEvent       EventType = "call.started"
	CallEventReceivedEvent EventType = "call.event.received"
	CallEventAppliedEvent  EventType = "call.event.applied"
	HandoffCreatedEvent    EventType = "call.handoff.created"
	SupervisorAlertEvent   EventType = "call.supervisor.alert"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	CallID     string         `json:"call_id"`
	HospitalID string         `json:"hospital_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (b BaseEvent) GetCallID() string {
	return b.CallID
}

type CallStarted struct {
	BaseEvent

	Info models.CallInfo `json:"info"`
}

func (c CallStarted) GetType() EventType {
	return CallStartedEvent
}

// CallEventReceived carries a call event emitted by another service, such as
// the voice orchestrator reporting a caller answer.
type CallEventReceived struct {
	BaseEvent

	Event models.CallEvent `json:"event"`
}

func (c CallEventReceived) GetType() EventType {
	return CallEventReceivedEvent
}

// CallEventApplied is published for every event appended to a call's log.
type CallEventApplied struct {
	BaseEvent

	From    models.CallState `json:"from"`
	To      models.CallState `json:"to"`
	Event   models.CallEvent `json:"event"`
	Derived bool             `json:"derived"`
}

func (c CallEventApplied) GetType() EventType {
	return CallEventAppliedEvent
}

type HandoffCreated struct {
	BaseEvent

	Payload models.HandoffPayload `json:"payload"`
}

func (h HandoffCreated) GetType() EventType {
	return HandoffCreatedEvent
}

// SupervisorAlert asks a human supervisor to look at a call the automated
// path could not finish.
type SupervisorAlert struct {
	BaseEvent

	Reason  string           `json:"reason"`
	Message string           `json:"message"`
	State   models.CallState `json:"state"`
}

func (s SupervisorAlert) GetType() EventType {
	return SupervisorAlertEvent
}

func NewBaseEvent(eventType EventType, callID, hospitalID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		CallID:     callID,
		HospitalID: hospitalID,
		Metadata:   make(map[string]any),
	}
}

var ErrUnknownEventType = errors.New("unknown event type")

// Decode unmarshals a published payload into a pointer to the event struct
// registered for eventType.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case CallStartedEvent:
		event = &CallStarted{}
	case CallEventReceivedEvent:
		event = &CallEventReceived{}
	case CallEventAppliedEvent:
		event = &CallEventApplied{}
	case HandoffCreatedEvent:
		event = &HandoffCreated{}
	case SupervisorAlertEvent:
		event = &SupervisorAlert{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
