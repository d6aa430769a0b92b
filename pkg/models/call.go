package models

import (
	"maps"
	"strings"
	"time"
)

// CallState is the lifecycle stage of a call.
type CallState string

const (
	CallStateInitiated       CallState = "initiated"
	CallStateConsent         CallState = "consent"
	CallStateEmergencyScreen CallState = "emergency-screen"
	CallStateIntake          CallState = "intake"
	CallStateScheduling      CallState = "scheduling"
	CallStateHandoff         CallState = "handoff"
	CallStateCompleted       CallState = "completed"
	CallStateFailed          CallState = "failed"
)

func (s CallState) IsTerminal() bool {
	return s == CallStateCompleted || s == CallStateFailed
}

// Call event types.
const (
	EventConsentObtained   = "consent.obtained"
	EventConsentGiven      = "consent.given"
	EventConsentDeclined   = "consent.declined"
	EventEmergencyDetected = "emergency.detected"
	EventEmergencyCleared  = "emergency.cleared"
	EventIntentResolved    = "intent.resolved"
	EventBookingConfirmed  = "booking.confirmed"
	EventSchedulingFailed  = "scheduling.failed"
	EventHumanRequested    = "human.requested"
	EventTransferSucceeded = "transfer.succeeded"
	EventTransferFailed    = "transfer.failed"
	EventCallerResponded   = "caller.responded"
	EventWorkflowCompleted = "workflow.completed"
	EventCallError         = "call.error"
	EventCallTerminated    = "call.terminated"
)

// CallEvent is an external or derived occurrence applied to a call. Events
// are immutable once appended to a call's log.
type CallEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"              validate:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// String reads a string payload value.
func (e CallEvent) String(key string) string {
	s, _ := e.Payload[key].(string)

	return s
}

// Float reads a numeric payload value; JSON decoding yields float64 but
// in-process events may carry ints.
func (e CallEvent) Float(key string) (float64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}

	return 0, false
}

func (e CallEvent) Bool(key string) bool {
	b, _ := e.Payload[key].(bool)

	return b
}

func (e CallEvent) Strings(key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	}

	return nil
}

func (e CallEvent) Map(key string) map[string]any {
	m, _ := e.Payload[key].(map[string]any)

	return m
}

// CallInfo holds the facts a call is created with.
type CallInfo struct {
	CallID          string `json:"callId"                  validate:"required"`
	HospitalID      string `json:"hospitalId"              validate:"required"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	WorkflowID      string `json:"workflowId"              validate:"required"`
	WorkflowVersion int    `json:"workflowVersion"         validate:"min=1"`
	TranscriptURL   string `json:"transcriptUrl,omitempty"`
}

// WebhookResult is what a webhook node stores about its call.
type WebhookResult struct {
	Status int    `json:"status,omitempty"`
	Body   any    `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CallContext is the mutable data accumulated over a call.
type CallContext struct {
	Info          CallInfo
	Transcript    []string
	Fields        map[string]any
	Emergency     *EmergencyDetectionResult
	Intent        *IntentDetectionResult
	Route         *RoutingTarget
	Webhooks      map[string]WebhookResult
	HandoffReason string
	State         CallState
}

func NewCallContext(info CallInfo) *CallContext {
	return &CallContext{
		Info:     info,
		Fields:   map[string]any{},
		Webhooks: map[string]WebhookResult{},
		State:    CallStateInitiated,
	}
}

// TranscriptText joins the caller utterances seen so far.
func (c *CallContext) TranscriptText() string {
	return strings.Join(c.Transcript, " ")
}

// Values exposes the context as the nested map conditions are evaluated
// against.
func (c *CallContext) Values() map[string]any {
	values := map[string]any{
		"callId":     c.Info.CallID,
		"hospitalId": c.Info.HospitalID,
		"from":       c.Info.From,
		"to":         c.Info.To,
		"state":      string(c.State),
		"transcript": c.TranscriptText(),
		"fields":     maps.Clone(c.Fields),
	}

	if c.Emergency != nil {
		keywords := make([]any, 0, len(c.Emergency.TriggeredKeywords))
		for _, k := range c.Emergency.TriggeredKeywords {
			keywords = append(keywords, k)
		}

		values["emergency"] = map[string]any{
			"isEmergency":       c.Emergency.IsEmergency,
			"confidence":        c.Emergency.Confidence,
			"triggeredKeywords": keywords,
		}
	}

	if c.Intent != nil {
		values["intent"] = map[string]any{
			"intentKey":  c.Intent.IntentKey,
			"confidence": c.Intent.Confidence,
			"subIntent":  c.Intent.SubIntent,
		}
	}

	if c.Route != nil {
		values["route"] = map[string]any{
			"type":  string(c.Route.Type),
			"value": c.Route.Value,
		}
	}

	if len(c.Webhooks) > 0 {
		hooks := make(map[string]any, len(c.Webhooks))
		for id, r := range c.Webhooks {
			hooks[id] = map[string]any{
				"status": r.Status,
				"body":   r.Body,
				"error":  r.Error,
				"ok":     r.Error == "" && r.Status >= 200 && r.Status < 300,
			}
		}

		values["webhooks"] = hooks
	}

	return values
}
