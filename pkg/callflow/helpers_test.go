package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/voice"
	"github.com/dukex/callflow/pkg/workflow"
)

// fakeVoice records every action as a short string.
type fakeVoice struct {
	mu       sync.Mutex
	actions  []string
	contexts []map[string]any

	transfer func(ctx context.Context, req voice.TransferRequest) error
}

func (f *fakeVoice) record(action string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.actions = append(f.actions, action)
}

func (f *fakeVoice) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.actions...)
}

func (f *fakeVoice) SendMessage(_ context.Context, _, message string) error {
	f.record("message:" + message)

	return nil
}

func (f *fakeVoice) Hold(context.Context, string, string) error {
	f.record("hold")

	return nil
}

func (f *fakeVoice) Resume(context.Context, string) error {
	f.record("resume")

	return nil
}

func (f *fakeVoice) Transfer(ctx context.Context, _ string, req voice.TransferRequest) error {
	f.record(fmt.Sprintf("transfer:%s:%s", req.Type, req.Target))

	if f.transfer != nil {
		return f.transfer(ctx, req)
	}

	return nil
}

func (f *fakeVoice) UpdateContext(_ context.Context, _ string, values map[string]any) error {
	f.mu.Lock()
	f.contexts = append(f.contexts, values)
	f.mu.Unlock()

	f.record("context")

	return nil
}

func (f *fakeVoice) Escalate(_ context.Context, _, reason string) error {
	f.record("escalate:" + reason)

	return nil
}

func (f *fakeVoice) End(_ context.Context, _, reason string) error {
	f.record("end:" + reason)

	return nil
}

type appliedEvent struct {
	From, To models.CallState
	Event    models.CallEvent
	Derived  bool
}

type fakeSink struct {
	mu       sync.Mutex
	applied  []appliedEvent
	handoffs []models.HandoffPayload
	alerts   []Alert
}

func (f *fakeSink) EventApplied(_ context.Context, _ models.CallInfo, from, to models.CallState, event models.CallEvent, derived bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = append(f.applied, appliedEvent{from, to, event, derived})
}

func (f *fakeSink) HandoffCreated(_ context.Context, payload models.HandoffPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handoffs = append(f.handoffs, payload)
}

func (f *fakeSink) Alert(_ context.Context, alert Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.alerts = append(f.alerts, alert)
}

func (f *fakeSink) AlertReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]string, 0, len(f.alerts))
	for _, a := range f.alerts {
		reasons = append(reasons, a.Reason)
	}

	return reasons
}

type fakeRules map[string][]models.RoutingRule

func (f fakeRules) RoutingRules(_ context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error) {
	rules, ok := f[intentKey]
	if !ok {
		return nil, persistence.NotFound("fake.routing_rules", persistence.ErrRoutingRulesNotFound, hospitalID+"/"+intentKey)
	}

	return rules, nil
}

type emergencyFunc func(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error)

func (f emergencyFunc) DetectEmergency(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error) {
	return f(ctx, transcript)
}

type intentFunc func(ctx context.Context, transcript string) (*models.IntentDetectionResult, error)

func (f intentFunc) DetectIntent(ctx context.Context, transcript string) (*models.IntentDetectionResult, error) {
	return f(ctx, transcript)
}

func detectsEmergency(confidence float64) emergencyFunc {
	return func(context.Context, string) (*models.EmergencyDetectionResult, error) {
		return &models.EmergencyDetectionResult{IsEmergency: true, Confidence: confidence, TriggeredKeywords: []string{"chest pain"}}, nil
	}
}

func noEmergency() emergencyFunc {
	return func(context.Context, string) (*models.EmergencyDetectionResult, error) {
		return &models.EmergencyDetectionResult{TriggeredKeywords: []string{}}, nil
	}
}

func resolvesIntent(key string) intentFunc {
	return func(context.Context, string) (*models.IntentDetectionResult, error) {
		return &models.IntentDetectionResult{
			IntentKey:       key,
			Confidence:      0.88,
			ExtractedFields: map[string]any{"patientName": "Ada Lovelace"},
		}, nil
	}
}

var errDetector = errors.New("detector down")

// Monday 2026-10-19 10:00 UTC.
var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func node(id string, t models.NodeType, config map[string]any) *models.WorkflowNode {
	return &models.WorkflowNode{ID: id, Type: t, Config: config}
}

func edge(id, from, to, cond string) *models.WorkflowEdge {
	return &models.WorkflowEdge{ID: id, FromNodeID: from, ToNodeID: to, Condition: cond}
}

// intakeGraph screens the caller, routes emergencies to the ER line, asks
// schedulers for a date and lets every other intent end the graph.
func intakeGraph() *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:      "intake",
		Version: 1,
		Nodes: []*models.WorkflowNode{
			node("start", models.NodeTypeStart, nil),
			node("screen", models.NodeTypeEmergencyScreen, nil),
			node("route-er", models.NodeTypeRoute, map[string]any{
				"rules": []any{map[string]any{
					"priority": 1,
					"target":   map[string]any{"type": "phone", "value": "+15550911"},
				}},
			}),
			node("intent", models.NodeTypeIntentDetect, nil),
			node("ask-date", models.NodeTypeQuestion, map[string]any{"prompt": "Which day works for you?", "field": "preferredDate"}),
			node("end", models.NodeTypeEnd, nil),
		},
		Edges: []*models.WorkflowEdge{
			edge("e1", "start", "screen", ""),
			edge("e2", "screen", "route-er", "emergency.isEmergency == true && emergency.confidence > 0.7"),
			edge("e3", "screen", "intent", ""),
			edge("e4", "route-er", "end", ""),
			edge("e5", "intent", "ask-date", "intent.intentKey == schedule_appointment"),
			edge("e6", "intent", "end", ""),
			edge("e7", "ask-date", "end", ""),
		},
	}
}

type harness struct {
	voice *fakeVoice
	sink  *fakeSink
	clock *clockwork.FakeClock
	rt    *Runtime
}

type harnessOption func(*harness, *workflow.Collaborators)

func withEmergency(d workflow.EmergencyDetector) harnessOption {
	return func(_ *harness, c *workflow.Collaborators) { c.Emergency = d }
}

func withIntent(d workflow.IntentDetector) harnessOption {
	return func(_ *harness, c *workflow.Collaborators) { c.Intent = d }
}

func withRules(r fakeRules) harnessOption {
	return func(h *harness, c *workflow.Collaborators) {
		c.Rules = r
		h.rt.Rules = r
	}
}

func withDefaultTarget(target models.RoutingTarget) harnessOption {
	return func(h *harness, _ *workflow.Collaborators) { h.rt.Options.DefaultTarget = &target }
}

func newHarness(opts ...harnessOption) *harness {
	clock := clockwork.NewFakeClockAt(testNow)
	resolver := routing.NewResolver(clock, nil, nil)

	h := &harness{
		voice: &fakeVoice{},
		sink:  &fakeSink{},
		clock: clock,
	}

	h.rt = &Runtime{
		Engine:   workflow.NewEngine(),
		Voice:    h.voice,
		Resolver: resolver,
		Sink:     h.sink,
		Clock:    clock,
		Logger:   slog.Default(),
		Tracer:   otelhelper.DefaultTracer("callflow-test"),
		Options:  DefaultOptions(),
	}

	collaborators := workflow.Collaborators{
		Emergency: noEmergency(),
		Intent:    resolvesIntent(models.IntentScheduleAppointment),
		Resolver:  resolver,
	}

	for _, opt := range opts {
		opt(h, &collaborators)
	}

	h.rt.Emergency = collaborators.Emergency
	h.rt.Engine.RegisterDefaults(collaborators)

	return h
}

func (h *harness) session(t *testing.T, def *models.WorkflowGraph) *Session {
	t.Helper()

	graph, err := workflow.Compile(def)
	require.NoError(t, err)

	info := models.CallInfo{
		CallID:          "call-1",
		HospitalID:      "h1",
		From:            "+15550100",
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TranscriptURL:   "https://transcripts.example.test/call-1",
	}

	return NewSession(t.Context(), info, graph, h.rt)
}

func apply(t *testing.T, s *Session, eventType string, payload map[string]any) *Transition {
	t.Helper()

	tr, err := s.Apply(t.Context(), models.CallEvent{Type: eventType, Payload: payload})
	require.NoError(t, err)

	return tr
}

// consent moves a fresh session past consent, which runs the graph.
func consent(t *testing.T, s *Session, utterance string) *Transition {
	t.Helper()

	apply(t, s, models.EventConsentObtained, nil)

	return apply(t, s, models.EventConsentGiven, map[string]any{"utterance": utterance})
}

func eventTypes(events []models.CallEvent) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}

	return types
}
