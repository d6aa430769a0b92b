package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/callflow"
	"github.com/dukex/callflow/pkg/detection"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/resilience"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/voice"
	"github.com/dukex/callflow/pkg/workflow"
)

type recordingVoice struct {
	mu      sync.Mutex
	actions []string
}

func (v *recordingVoice) record(action string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.actions = append(v.actions, action)

	return nil
}

func (v *recordingVoice) SendMessage(_ context.Context, _, message string) error {
	return v.record("message:" + message)
}

func (v *recordingVoice) Hold(context.Context, string, string) error { return v.record("hold") }
func (v *recordingVoice) Resume(context.Context, string) error       { return v.record("resume") }

func (v *recordingVoice) Transfer(_ context.Context, _ string, req voice.TransferRequest) error {
	return v.record("transfer:" + req.Target)
}

func (v *recordingVoice) UpdateContext(context.Context, string, map[string]any) error {
	return v.record("context")
}

func (v *recordingVoice) Escalate(_ context.Context, _, reason string) error {
	return v.record("escalate:" + reason)
}

func (v *recordingVoice) End(_ context.Context, _, reason string) error {
	return v.record("end:" + reason)
}

func (v *recordingVoice) Actions() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]string(nil), v.actions...)
}

const intakeWorkflow = `{
  "id": "intake",
  "version": 1,
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "screen", "type": "emergency-screen"},
    {"id": "route-er", "type": "route", "config": {"rules": [{"priority": 1, "conditions": [], "target": {"type": "phone", "value": "+15550911"}}]}},
    {"id": "ask-name", "type": "question", "config": {"prompt": "May I have your full name?", "field": "name"}},
    {"id": "end", "type": "end"}
  ],
  "edges": [
    {"id": "e1", "fromNodeId": "start", "toNodeId": "screen"},
    {"id": "e2", "fromNodeId": "screen", "toNodeId": "route-er", "condition": "emergency.isEmergency == true"},
    {"id": "e3", "fromNodeId": "screen", "toNodeId": "ask-name"},
    {"id": "e4", "fromNodeId": "route-er", "toNodeId": "end"},
    {"id": "e5", "fromNodeId": "ask-name", "toNodeId": "end"}
  ]
}`

type testServer struct {
	app   *fiber.App
	voice *recordingVoice
	calls *memory.CallLog
}

func setupTestApp(t *testing.T) *testServer {
	t.Helper()

	store := memory.NewPersistence()
	calls := memory.NewCallLog()
	v := &recordingVoice{}
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	resolver := routing.NewResolver(nil, nil, nil)

	engine := workflow.NewEngine()
	engine.RegisterDefaults(workflow.Collaborators{
		Emergency: detection.KeywordDetector{},
		Resolver:  resolver,
		Rules:     store,
	})

	manager := callflow.NewManager(t.Context(), callflow.ManagerConfig{
		Engine:    engine,
		Voice:     v,
		Resolver:  resolver,
		Rules:     store,
		Emergency: detection.KeywordDetector{},
		Workflows: store,
		Calls:     calls,
		Options:   callflow.DefaultOptions(),
	})
	t.Cleanup(manager.Close)

	api := NewAPI(slog.Default(), store, manager, nil, registry)

	return &testServer{app: api.App(), voice: v, calls: calls}
}

func (s *testServer) request(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func TestAPI_RootEndpoint(t *testing.T) {
	s := setupTestApp(t)

	status, body := s.request(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "callflow API", string(body))
}

func TestAPI_HealthCheck(t *testing.T) {
	s := setupTestApp(t)

	status, body := s.request(t, http.MethodGet, "/livez", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, _ = s.request(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestAPI_Metrics(t *testing.T) {
	s := setupTestApp(t)

	status, body := s.request(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPI_CallLifecycle(t *testing.T) {
	s := setupTestApp(t)

	status, _ := s.request(t, http.MethodPost, "/workflows", intakeWorkflow)
	require.Equal(t, http.StatusCreated, status)

	status, _ = s.request(t, http.MethodPost, "/calls",
		`{"callId": "c1", "hospitalId": "h1", "workflowId": "intake", "workflowVersion": 1}`)
	require.Equal(t, http.StatusCreated, status)

	for _, event := range []string{
		`{"type": "consent.obtained"}`,
		`{"type": "consent.given", "payload": {"utterance": "yes, I need to book a visit"}}`,
	} {
		status, body := s.request(t, http.MethodPost, "/calls/c1/events", event)
		require.Equal(t, http.StatusOK, status, string(body))
	}

	status, body := s.request(t, http.MethodGet, "/calls/c1", "")
	require.Equal(t, http.StatusOK, status)

	var snapshot callflow.Snapshot
	require.NoError(t, json.Unmarshal(body, &snapshot))
	assert.Equal(t, models.CallStateIntake, snapshot.State)
	assert.Equal(t, "ask-name", snapshot.SuspendedAt)

	status, body = s.request(t, http.MethodPost, "/calls/c1/events", `{"type": "caller.responded", "payload": {"utterance": "Ada Lovelace"}}`)
	require.Equal(t, http.StatusOK, status, string(body))

	var tr callflow.Transition
	require.NoError(t, json.Unmarshal(body, &tr))
	assert.Equal(t, models.CallStateCompleted, tr.To)
	assert.Contains(t, s.voice.Actions(), "message:May I have your full name?")
	assert.Contains(t, s.voice.Actions(), "end:completed")

	status, _ = s.request(t, http.MethodPost, "/calls/c1/events", `{"type": "human.requested"}`)
	assert.Equal(t, http.StatusConflict, status)

	logged, err := s.calls.Events(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.EventWorkflowCompleted, logged[len(logged)-1].Type)
}

func TestAPI_EmergencyHandoff(t *testing.T) {
	s := setupTestApp(t)

	status, _ := s.request(t, http.MethodPost, "/workflows", intakeWorkflow)
	require.Equal(t, http.StatusCreated, status)

	status, _ = s.request(t, http.MethodPost, "/calls",
		`{"callId": "c2", "hospitalId": "h1", "workflowId": "intake", "workflowVersion": 1}`)
	require.Equal(t, http.StatusCreated, status)

	s.request(t, http.MethodPost, "/calls/c2/events", `{"type": "consent.obtained"}`)

	status, body := s.request(t, http.MethodPost, "/calls/c2/events",
		`{"type": "consent.given", "payload": {"utterance": "my father has chest pain and can't breathe"}}`)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.request(t, http.MethodGet, "/calls/c2/handoff", "")
	require.Equal(t, http.StatusOK, status)

	var handoff models.HandoffPayload
	require.NoError(t, json.Unmarshal(body, &handoff))
	assert.Equal(t, models.HandoffTagClinicalEscalation, handoff.Tag)
	assert.Contains(t, s.voice.Actions(), "transfer:+15550911")
}
