package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
	"github.com/dukex/callflow/pkg/routing"
)

type emergencyFunc func(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error)

func (f emergencyFunc) DetectEmergency(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error) {
	return f(ctx, transcript)
}

type intentFunc func(ctx context.Context, transcript string) (*models.IntentDetectionResult, error)

func (f intentFunc) DetectIntent(ctx context.Context, transcript string) (*models.IntentDetectionResult, error) {
	return f(ctx, transcript)
}

func node(id string, t models.NodeType, config map[string]any) *models.WorkflowNode {
	return &models.WorkflowNode{ID: id, Type: t, Config: config}
}

func edge(id, from, to, cond string) *models.WorkflowEdge {
	return &models.WorkflowEdge{ID: id, FromNodeID: from, ToNodeID: to, Condition: cond}
}

// triageGraph: start -> screen -> (emergency) route-er | (default) ask -> intent -> end
func triageGraph() *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:      "triage",
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
			node("ask", models.NodeTypeQuestion, map[string]any{"prompt": "How can we help?", "field": "reason"}),
			node("intent", models.NodeTypeIntentDetect, nil),
			node("end", models.NodeTypeEnd, nil),
		},
		Edges: []*models.WorkflowEdge{
			edge("e1", "start", "screen", ""),
			edge("e2", "screen", "route-er", "emergency.isEmergency == true && emergency.confidence > 0.7"),
			edge("e3", "screen", "ask", ""),
			edge("e4", "route-er", "end", ""),
			edge("e5", "ask", "intent", ""),
			edge("e6", "intent", "end", ""),
		},
	}
}

func newTestEngine(emergency bool) *Engine {
	engine := NewEngine()
	engine.RegisterDefaults(Collaborators{
		Emergency: emergencyFunc(func(context.Context, string) (*models.EmergencyDetectionResult, error) {
			if emergency {
				return &models.EmergencyDetectionResult{IsEmergency: true, Confidence: 0.9, TriggeredKeywords: []string{"chest pain"}}, nil
			}

			return &models.EmergencyDetectionResult{}, nil
		}),
		Intent: intentFunc(func(context.Context, string) (*models.IntentDetectionResult, error) {
			return &models.IntentDetectionResult{IntentKey: models.IntentBillingInquiry, Confidence: 0.8, ExtractedFields: map[string]any{"invoice": "42"}}, nil
		}),
		Resolver: routing.NewResolver(clockwork.NewFakeClock(), nil, nil),
	})

	return engine
}

func newCall() *models.CallContext {
	return models.NewCallContext(models.CallInfo{CallID: "call-1", HospitalID: "h1", WorkflowID: "triage", WorkflowVersion: 1})
}

func TestCompile_Valid(t *testing.T) {
	g, err := Compile(triageGraph())
	require.NoError(t, err)

	assert.Equal(t, "start", g.StartNodeID())
	assert.Empty(t, g.Warnings)
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *models.WorkflowGraph)
		want   string
	}{
		{"no start", func(g *models.WorkflowGraph) { g.Nodes[0].Type = models.NodeTypeQuestion; g.Nodes[0].Config = map[string]any{"prompt": "hi"} }, "no start node"},
		{"two starts", func(g *models.WorkflowGraph) {
			g.Nodes = append(g.Nodes, node("start2", models.NodeTypeStart, nil))
			g.Edges = append(g.Edges, edge("e7", "start2", "end", ""))
		}, "2 start nodes"},
		{"dangling edge", func(g *models.WorkflowGraph) { g.Edges[3].ToNodeID = "ghost" }, `unknown node "ghost"`},
		{"dead end", func(g *models.WorkflowGraph) { g.Edges = g.Edges[:5] }, `node "intent" is a dead end`},
		{"bad condition", func(g *models.WorkflowGraph) { g.Edges[1].Condition = "emergency.isEmergency ==" }, `edge "e2"`},
		{"question without prompt", func(g *models.WorkflowGraph) { g.Nodes[3].Config = nil }, `question node "ask" needs a prompt`},
		{"unknown type", func(g *models.WorkflowGraph) { g.Nodes[4].Type = "sms" }, `unknown type "sms"`},
		{"duplicate node", func(g *models.WorkflowGraph) { g.Nodes = append(g.Nodes, node("ask", models.NodeTypeEnd, nil)) }, `duplicate node id "ask"`},
		{"edge out of end", func(g *models.WorkflowGraph) { g.Edges = append(g.Edges, edge("e7", "end", "ask", "")) }, `leaves end node`},
		{"invalid route rules", func(g *models.WorkflowGraph) {
			g.Nodes[2].Config = map[string]any{"rules": []any{map[string]any{"priority": 1, "target": map[string]any{"type": "fax", "value": "1"}}}}
		}, `route node "route-er"`},
		{"webhook without url", func(g *models.WorkflowGraph) { g.Nodes[4].Type = models.NodeTypeWebhook }, `needs an absolute url`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := triageGraph()
			tt.mutate(def)

			_, err := Compile(def)
			require.Error(t, err)
			assert.Equal(t, faults.KindMalformedGraph, faults.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompile_Warnings(t *testing.T) {
	def := &models.WorkflowGraph{
		ID:      "loop",
		Version: 1,
		Nodes: []*models.WorkflowNode{
			node("start", models.NodeTypeStart, nil),
			node("ask", models.NodeTypeQuestion, map[string]any{"prompt": "Again?"}),
			node("end", models.NodeTypeEnd, nil),
			node("island", models.NodeTypeEnd, nil),
		},
		Edges: []*models.WorkflowEdge{
			edge("e1", "start", "ask", ""),
			edge("e2", "ask", "end", `fields.answer == "no"`),
			edge("e3", "ask", "ask", ""),
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)
	assert.Contains(t, g.Warnings, "workflow has no emergency-screen node")
	assert.Contains(t, g.Warnings, "workflow contains a cycle; runs are bounded by the node execution limit")
	assert.Contains(t, g.Warnings, `node "island" is unreachable from start`)
}

func TestParse(t *testing.T) {
	data, err := json.Marshal(triageGraph())
	require.NoError(t, err)

	g, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "triage", g.ID())

	_, err = Parse([]byte(`{"id": "x", "version": 0, "nodes": [], "edges": []}`))
	assert.Equal(t, faults.KindMalformedGraph, faults.KindOf(err))

	_, err = Parse([]byte(`{"id": "x"`))
	assert.Equal(t, faults.KindMalformedGraph, faults.KindOf(err))
}

func TestEngine_StepFollowsFirstMatchingEdge(t *testing.T) {
	g, err := Compile(triageGraph())
	require.NoError(t, err)

	call := newCall()

	step, err := newTestEngine(true).Step(t.Context(), g, "", call)
	require.NoError(t, err)
	assert.Equal(t, "start", step.NodeID)
	assert.Equal(t, "screen", step.NextNodeID)

	step, err = newTestEngine(true).Step(t.Context(), g, "screen", call)
	require.NoError(t, err)
	assert.Equal(t, "route-er", step.NextNodeID)
	assert.True(t, call.Emergency.IsEmergency)

	step, err = newTestEngine(false).Step(t.Context(), g, "screen", call)
	require.NoError(t, err)
	assert.Equal(t, "ask", step.NextNodeID, "falls through to the unconditional edge")
}

func TestEngine_NoMatchingEdge(t *testing.T) {
	def := triageGraph()
	def.Edges[2].Condition = "emergency.confidence < 0"

	g, err := Compile(def)
	require.NoError(t, err)

	_, err = newTestEngine(false).Step(t.Context(), g, "screen", newCall())
	assert.Equal(t, faults.KindNoMatchingEdge, faults.KindOf(err))
}

func TestEngine_RunSuspendsAndResumes(t *testing.T) {
	g, err := Compile(triageGraph())
	require.NoError(t, err)

	engine := newTestEngine(false)
	call := newCall()

	var observed []string

	observe := func(_ context.Context, step StepResult) (bool, error) {
		observed = append(observed, step.NodeID)

		return false, nil
	}

	run, err := engine.Run(t.Context(), g, "", false, call, observe)
	require.NoError(t, err)
	assert.True(t, run.Suspended)
	assert.Equal(t, "ask", run.NodeID)
	assert.Equal(t, "How can we help?", run.Steps[len(run.Steps)-1].Output.Prompt)
	assert.Equal(t, []string{"start", "screen", "ask"}, observed)

	call.Transcript = append(call.Transcript, "question about my bill")

	run, err = engine.Run(t.Context(), g, "ask", true, call, observe)
	require.NoError(t, err)
	assert.True(t, run.Completed)
	assert.Equal(t, "end", run.NodeID)
	assert.Equal(t, models.IntentBillingInquiry, call.Intent.IntentKey)
	assert.Equal(t, "42", call.Fields["invoice"])
}

func TestEngine_RunEmergencyPathRoutes(t *testing.T) {
	g, err := Compile(triageGraph())
	require.NoError(t, err)

	call := newCall()

	run, err := newTestEngine(true).Run(t.Context(), g, "", false, call, nil)
	require.NoError(t, err)
	assert.True(t, run.Completed)
	require.NotNil(t, call.Route)
	assert.Equal(t, "+15550911", call.Route.Value)
}

func TestEngine_ObserverStopsRun(t *testing.T) {
	g, err := Compile(triageGraph())
	require.NoError(t, err)

	run, err := newTestEngine(true).Run(t.Context(), g, "", false, newCall(), func(_ context.Context, step StepResult) (bool, error) {
		return step.NodeID == "screen", nil
	})
	require.NoError(t, err)
	assert.True(t, run.Stopped)
	assert.Equal(t, "screen", run.NodeID)
}

func TestEngine_LoopLimit(t *testing.T) {
	def := &models.WorkflowGraph{
		ID:      "spin",
		Version: 1,
		Nodes: []*models.WorkflowNode{
			node("start", models.NodeTypeStart, nil),
			node("a", models.NodeTypeEmergencyScreen, nil),
			node("b", models.NodeTypeEmergencyScreen, nil),
			node("end", models.NodeTypeEnd, nil),
		},
		Edges: []*models.WorkflowEdge{
			edge("e1", "start", "a", ""),
			edge("e2", "a", "b", ""),
			edge("e3", "b", "end", "emergency.isEmergency"),
			edge("e4", "b", "a", ""),
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	engine := newTestEngine(false)
	WithMaxSteps(10)(engine)

	run, err := engine.Run(t.Context(), g, "", false, newCall(), nil)
	assert.Equal(t, faults.KindWorkflowLoopLimitExceeded, faults.KindOf(err))
	assert.Len(t, run.Steps, 10)
}

func TestEngine_MissingHandler(t *testing.T) {
	g, err := Compile(triageGraph())
	require.NoError(t, err)

	_, err = NewEngine().Step(t.Context(), g, "screen", newCall())
	assert.Equal(t, faults.KindMalformedGraph, faults.KindOf(err))
}

func TestIntentDetectHandler_Fallback(t *testing.T) {
	handler := &IntentDetectHandler{
		Detector: intentFunc(func(context.Context, string) (*models.IntentDetectionResult, error) {
			return nil, faults.New(faults.KindCircuitOpen, "ai", "open")
		}),
		Logger: newTestEngine(false).logger,
	}
	call := newCall()

	_, err := handler.Execute(t.Context(), node("intent", models.NodeTypeIntentDetect, nil), call)
	assert.True(t, faults.Is(err, faults.KindCircuitOpen))

	out, err := handler.Execute(t.Context(), node("intent", models.NodeTypeIntentDetect, map[string]any{"fallbackIntent": "general_inquiry"}), call)
	require.NoError(t, err)
	assert.Equal(t, "general_inquiry", out.Intent.IntentKey)
	assert.Zero(t, out.Intent.Confidence)
}

func TestIntentDetectHandler_NoDetector(t *testing.T) {
	handler := &IntentDetectHandler{Logger: newTestEngine(false).logger}
	call := newCall()

	_, err := handler.Execute(t.Context(), node("intent", models.NodeTypeIntentDetect, nil), call)
	assert.ErrorIs(t, err, ErrNoIntentDetector)

	out, err := handler.Execute(t.Context(), node("intent", models.NodeTypeIntentDetect, map[string]any{"fallbackIntent": models.IntentBillingInquiry}), call)
	require.NoError(t, err)
	assert.Equal(t, models.IntentBillingInquiry, call.Intent.IntentKey)
	assert.Equal(t, models.IntentBillingInquiry, out.Intent.IntentKey)
}

func TestRouteHandler_DefaultTarget(t *testing.T) {
	handler := &RouteHandler{Resolver: routing.NewResolver(clockwork.NewFakeClock(), nil, nil)}
	call := newCall()

	_, err := handler.Execute(t.Context(), node("route", models.NodeTypeRoute, nil), call)
	assert.Equal(t, faults.KindNoRouteFound, faults.KindOf(err))

	out, err := handler.Execute(t.Context(), node("route", models.NodeTypeRoute, map[string]any{
		"defaultTarget": map[string]any{"type": "queue", "value": "front-desk"},
	}), call)
	require.NoError(t, err)
	assert.True(t, out.Route.Fallback)
	assert.Equal(t, "front-desk", call.Route.Value)
}

type staticRules map[string][]models.RoutingRule

func (s staticRules) RoutingRules(_ context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error) {
	rules, ok := s[hospitalID+"/"+intentKey]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "rules", "none")
	}

	return rules, nil
}

func TestRouteHandler_StoredIntentRules(t *testing.T) {
	handler := &RouteHandler{
		Resolver: routing.NewResolver(clockwork.NewFakeClock(), nil, nil),
		Rules: staticRules{"h1/billing_inquiry": {
			{Priority: 1, Target: models.RoutingTarget{Type: models.TargetTypeQueue, Value: "billing"}},
		}},
	}
	call := newCall()
	call.Intent = &models.IntentDetectionResult{IntentKey: models.IntentBillingInquiry}

	out, err := handler.Execute(t.Context(), node("route", models.NodeTypeRoute, nil), call)
	require.NoError(t, err)
	assert.Equal(t, "billing", out.Route.Target.Value)
}

func TestWebhookHandler(t *testing.T) {
	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"patientId": "p-7", "echo": body["callId"]})
	}))
	defer server.Close()

	client := resilience.NewClient(
		resilience.NewRegistry(resilience.DefaultBreakerConfig()),
		resilience.WithPolicy(resilience.RetryPolicy{MaxAttempts: 2, BackoffFactor: 1}),
		resilience.WithClassifier(faults.IsRetryable),
	)
	handler := &WebhookHandler{Client: client, HTTP: server.Client(), Logger: newTestEngine(false).logger}
	call := newCall()

	out, err := handler.Execute(t.Context(), node("lookup", models.NodeTypeWebhook, map[string]any{"url": server.URL + "/ok"}), call)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Webhook.Status)
	assert.Equal(t, "p-7", out.Webhook.Body.(map[string]any)["patientId"])
	assert.Equal(t, "call-1", call.Webhooks["lookup"].Body.(map[string]any)["echo"])

	out, err = handler.Execute(t.Context(), node("broken", models.NodeTypeWebhook, map[string]any{"url": server.URL + "/fail"}), call)
	require.NoError(t, err, "webhook failures are stored, not raised")
	assert.NotEmpty(t, out.Webhook.Error)
	assert.Equal(t, http.StatusServiceUnavailable, call.Webhooks["broken"].Status)
	assert.Equal(t, int32(3), hits.Load())
}

func TestRegisterDefaults_WebhookClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	registry := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	engine := NewEngine()
	engine.RegisterDefaults(Collaborators{
		Webhooks: resilience.NewClient(registry, resilience.WithPolicy(resilience.RetryPolicy{MaxAttempts: 3, BackoffFactor: 1})),
		HTTP:     server.Client(),
	})

	g, err := Compile(&models.WorkflowGraph{
		ID:      "lookup",
		Version: 1,
		Nodes: []*models.WorkflowNode{
			node("start", models.NodeTypeStart, nil),
			node("hook", models.NodeTypeWebhook, map[string]any{"url": server.URL + "/patients"}),
			node("end", models.NodeTypeEnd, nil),
		},
		Edges: []*models.WorkflowEdge{
			edge("e1", "start", "hook", ""),
			edge("e2", "hook", "end", ""),
		},
	})
	require.NoError(t, err)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	for range 3 {
		call := newCall()

		step, err := engine.Step(t.Context(), g, "hook", call)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, step.Output.Webhook.Status)
		assert.NotEmpty(t, step.Output.Webhook.Error)
	}

	assert.Equal(t, int32(3), hits.Load(), "one request per execution")
	assert.Equal(t, resilience.StateClosed, registry.Breaker("webhook:"+u.Host).State())
}

type agentRecorder struct {
	configs []models.AIAgentConfig
	err     error
}

func (a *agentRecorder) UpdateAIConfig(_ context.Context, _ string, cfg models.AIAgentConfig) error {
	a.configs = append(a.configs, cfg)

	return a.err
}

func TestAIAgentHandler(t *testing.T) {
	recorder := &agentRecorder{}
	handler := &AIAgentHandler{Configurer: recorder, Logger: newTestEngine(false).logger}
	n := node("agent", models.NodeTypeAIAgent, map[string]any{
		"persona":      "front desk",
		"systemPrompt": "Be brief.",
		"capabilities": []any{"scheduling"},
	})

	out, err := handler.Execute(t.Context(), n, newCall())
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["applied"])
	require.Len(t, recorder.configs, 1)
	assert.Equal(t, []string{"scheduling"}, recorder.configs[0].Capabilities)

	recorder.err = errors.New("backend down")

	out, err = handler.Execute(t.Context(), n, newCall())
	require.NoError(t, err)
	assert.Equal(t, false, out.Data["applied"])
}
