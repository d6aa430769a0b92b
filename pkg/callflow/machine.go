// Package callflow drives calls through their lifecycle: a pure state
// machine over an append-only event log, live sessions that run the
// workflow graph and the voice actions, and the manager that owns them.
package callflow

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
)

// Handoff reasons recorded on the call context.
const (
	ReasonEmergency        = "emergency"
	ReasonIntent           = "intent"
	ReasonSchedulingFailed = "scheduling_failed"
	ReasonHumanRequested   = "human_requested"
)

type transitionKey struct {
	from  models.CallState
	event string
}

var transitions = map[transitionKey]models.CallState{
	{models.CallStateInitiated, models.EventConsentObtained}: models.CallStateConsent,

	{models.CallStateConsent, models.EventConsentGiven}:    models.CallStateEmergencyScreen,
	{models.CallStateConsent, models.EventConsentDeclined}: models.CallStateFailed,

	{models.CallStateEmergencyScreen, models.EventEmergencyDetected}: models.CallStateHandoff,
	{models.CallStateEmergencyScreen, models.EventEmergencyCleared}:  models.CallStateIntake,
	{models.CallStateEmergencyScreen, models.EventCallerResponded}:   models.CallStateEmergencyScreen,
	{models.CallStateEmergencyScreen, models.EventWorkflowCompleted}: models.CallStateCompleted,

	{models.CallStateIntake, models.EventEmergencyDetected}: models.CallStateHandoff,
	{models.CallStateIntake, models.EventEmergencyCleared}:  models.CallStateIntake,
	{models.CallStateIntake, models.EventHumanRequested}:    models.CallStateHandoff,
	{models.CallStateIntake, models.EventCallerResponded}:   models.CallStateIntake,
	{models.CallStateIntake, models.EventWorkflowCompleted}: models.CallStateCompleted,

	{models.CallStateScheduling, models.EventBookingConfirmed}:  models.CallStateCompleted,
	{models.CallStateScheduling, models.EventSchedulingFailed}:  models.CallStateHandoff,
	{models.CallStateScheduling, models.EventHumanRequested}:    models.CallStateHandoff,
	{models.CallStateScheduling, models.EventEmergencyDetected}: models.CallStateHandoff,
	{models.CallStateScheduling, models.EventEmergencyCleared}:  models.CallStateScheduling,
	{models.CallStateScheduling, models.EventIntentResolved}:    models.CallStateScheduling,
	{models.CallStateScheduling, models.EventCallerResponded}:   models.CallStateScheduling,
	{models.CallStateScheduling, models.EventWorkflowCompleted}: models.CallStateCompleted,

	{models.CallStateHandoff, models.EventTransferSucceeded}: models.CallStateCompleted,
	{models.CallStateHandoff, models.EventTransferFailed}:    models.CallStateFailed,
	{models.CallStateHandoff, models.EventEmergencyDetected}: models.CallStateHandoff,
	{models.CallStateHandoff, models.EventEmergencyCleared}:  models.CallStateHandoff,
	{models.CallStateHandoff, models.EventIntentResolved}:    models.CallStateHandoff,
	{models.CallStateHandoff, models.EventCallerResponded}:   models.CallStateHandoff,
}

// NextState looks up where an event takes a call. The second result is false
// when the event is not legal in the state.
func NextState(from models.CallState, event models.CallEvent) (models.CallState, bool) {
	if from.IsTerminal() {
		return "", false
	}

	switch event.Type {
	case models.EventCallError, models.EventCallTerminated:
		return models.CallStateFailed, true
	case models.EventIntentResolved:
		if from == models.CallStateIntake {
			if event.String("intentKey") == models.IntentScheduleAppointment {
				return models.CallStateScheduling, true
			}

			return models.CallStateHandoff, true
		}
	}

	to, ok := transitions[transitionKey{from, event.Type}]

	return to, ok
}

// Machine holds one call's state, its event log, the data folded from those
// events and the handoff payload. It performs no I/O, so replaying a log
// always rebuilds the same machine.
type Machine struct {
	state   models.CallState
	events  []models.CallEvent
	call    *models.CallContext
	handoff *models.HandoffPayload
}

func NewMachine(info models.CallInfo) *Machine {
	return &Machine{
		state: models.CallStateInitiated,
		call:  models.NewCallContext(info),
	}
}

// Replay rebuilds a machine by applying a stored event log from initiated.
func Replay(info models.CallInfo, events []models.CallEvent) (*Machine, error) {
	m := NewMachine(info)

	for i, event := range events {
		if _, err := m.Apply(event); err != nil {
			return m, fmt.Errorf("replay event %d: %w", i, err)
		}
	}

	return m, nil
}

func (m *Machine) State() models.CallState {
	return m.state
}

func (m *Machine) Info() models.CallInfo {
	return m.call.Info
}

// Context returns the live call context. Node handlers write into it.
func (m *Machine) Context() *models.CallContext {
	return m.call
}

func (m *Machine) Events() []models.CallEvent {
	return slices.Clone(m.events)
}

// Handoff returns a copy of the payload built when the call first entered
// handoff, or nil.
func (m *Machine) Handoff() *models.HandoffPayload {
	if m.handoff == nil {
		return nil
	}

	h := *m.handoff
	h.Fields = maps.Clone(m.handoff.Fields)

	if m.handoff.Patient != nil {
		p := *m.handoff.Patient
		h.Patient = &p
	}

	return &h
}

// Apply moves the call along the transition table. An event that is not
// legal in the current state leaves the machine untouched.
func (m *Machine) Apply(event models.CallEvent) (models.CallState, error) {
	to, ok := NextState(m.state, event)
	if !ok {
		return m.state, faults.Newf(faults.KindInvalidTransition, "callflow.apply",
			"event %q is not allowed in state %q", event.Type, m.state).
			With("callId", m.call.Info.CallID).
			With("state", string(m.state)).
			With("event", event.Type)
	}

	from := m.state

	fold(m.call, from, to, event)

	m.state = to
	m.call.State = to
	m.events = append(m.events, event)

	if to == models.CallStateHandoff && m.handoff == nil {
		payload := buildHandoff(m.call, event)
		m.handoff = &payload
	}

	return to, nil
}

// fold merges an event's payload into the call context. Payload keys:
// utterance (caller speech), fields (extra data), field and answer (question
// answers) and the detector results.
func fold(call *models.CallContext, from, to models.CallState, event models.CallEvent) {
	if utterance := strings.TrimSpace(event.String("utterance")); utterance != "" {
		call.Transcript = append(call.Transcript, utterance)
	}

	maps.Copy(call.Fields, event.Map("fields"))

	switch event.Type {
	case models.EventEmergencyDetected, models.EventEmergencyCleared:
		confidence, _ := event.Float("confidence")
		keywords := event.Strings("triggeredKeywords")

		if keywords == nil {
			keywords = []string{}
		}

		call.Emergency = &models.EmergencyDetectionResult{
			IsEmergency:       event.Type == models.EventEmergencyDetected || event.Bool("isEmergency"),
			Confidence:        confidence,
			TriggeredKeywords: keywords,
		}
	case models.EventIntentResolved:
		confidence, _ := event.Float("confidence")
		extracted := event.Map("extractedFields")

		call.Intent = &models.IntentDetectionResult{
			IntentKey:       event.String("intentKey"),
			Confidence:      confidence,
			SubIntent:       event.String("subIntent"),
			ExtractedFields: maps.Clone(extracted),
		}

		maps.Copy(call.Fields, extracted)
	case models.EventCallerResponded:
		if field := event.String("field"); field != "" {
			answer, ok := event.Payload["answer"]
			if !ok {
				answer = strings.TrimSpace(event.String("utterance"))
			}

			call.Fields[field] = answer
		}
	}

	if to == models.CallStateHandoff && from != models.CallStateHandoff {
		call.HandoffReason = handoffReason(event)
	}
}

func handoffReason(event models.CallEvent) string {
	switch event.Type {
	case models.EventEmergencyDetected:
		return ReasonEmergency
	case models.EventSchedulingFailed:
		return ReasonSchedulingFailed
	case models.EventHumanRequested:
		return ReasonHumanRequested
	default:
		return ReasonIntent
	}
}

func buildHandoff(call *models.CallContext, event models.CallEvent) models.HandoffPayload {
	intentKey := models.IntentGeneralInquiry
	if call.Intent != nil && call.Intent.IntentKey != "" {
		intentKey = call.Intent.IntentKey
	}

	tag := models.TagForIntent(intentKey)

	if call.HandoffReason == ReasonEmergency {
		tag = models.HandoffTagClinicalEscalation

		if call.Intent == nil {
			intentKey = models.IntentEmergency
		}
	}

	return models.HandoffPayload{
		CallID:        call.Info.CallID,
		HospitalID:    call.Info.HospitalID,
		IntentKey:     intentKey,
		Tag:           tag,
		Patient:       patientFrom(call),
		Summary:       summarize(call, intentKey),
		Fields:        maps.Clone(call.Fields),
		TranscriptURL: call.Info.TranscriptURL,
		CreatedAt:     event.Timestamp,
	}
}

func patientFrom(call *models.CallContext) *models.Patient {
	first := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := call.Fields[k].(string); ok && s != "" {
				return s
			}
		}

		return ""
	}

	p := models.Patient{
		ExternalID: first("patientId", "mrn"),
		Name:       first("patientName", "name"),
		DOB:        first("dateOfBirth", "dob"),
		Phone:      first("callbackNumber", "phone"),
	}

	if p == (models.Patient{}) {
		return nil
	}

	if p.Phone == "" {
		p.Phone = call.Info.From
	}

	return &p
}

func summarize(call *models.CallContext, intentKey string) string {
	var parts []string

	switch call.HandoffReason {
	case ReasonEmergency:
		s := "Possible emergency"
		if call.Emergency != nil {
			s += fmt.Sprintf(" (confidence %.2f", call.Emergency.Confidence)
			if len(call.Emergency.TriggeredKeywords) > 0 {
				s += ", keywords: " + strings.Join(call.Emergency.TriggeredKeywords, ", ")
			}

			s += ")"
		}

		parts = append(parts, s+".")
	case ReasonHumanRequested:
		parts = append(parts, "Caller asked for a human agent.")
	case ReasonSchedulingFailed:
		parts = append(parts, "Automated scheduling could not book an appointment.")
	default:
		parts = append(parts, fmt.Sprintf("Caller intent: %s.", strings.ReplaceAll(intentKey, "_", " ")))
	}

	if call.Intent != nil && call.Intent.SubIntent != "" {
		parts = append(parts, fmt.Sprintf("Detail: %s.", call.Intent.SubIntent))
	}

	if transcript := call.TranscriptText(); transcript != "" {
		parts = append(parts, fmt.Sprintf("Caller said: %q.", transcript))
	}

	return strings.Join(parts, " ")
}
