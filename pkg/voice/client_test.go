package voice

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   map[string]int
}

func (f *fakeOrchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	var body map[string]any
	_ = json.Unmarshal(data, &body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	status := f.status[r.URL.Path]
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)

		return
	}

	if r.Method == http.MethodGet {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "in-progress", "onHold": false})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func newTestClient(t *testing.T, fake *fakeOrchestrator) *Client {
	t.Helper()

	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	resilient := resilience.NewClient(
		resilience.NewRegistry(resilience.DefaultBreakerConfig()),
		resilience.WithPolicy(resilience.RetryPolicy{MaxAttempts: 3, BackoffFactor: 1}),
	)

	return NewClient(server.URL+"/", resilient, slog.Default()).WithHTTPClient(server.Client())
}

func TestClient_Endpoints(t *testing.T) {
	fake := &fakeOrchestrator{}
	client := newTestClient(t, fake)
	ctx := t.Context()

	require.NoError(t, client.UpdateAIConfig(ctx, "c1", models.AIAgentConfig{Persona: "nurse", SystemPrompt: "triage", MaxInteractions: 5}))
	require.NoError(t, client.Hold(ctx, "c1", "Please hold"))
	require.NoError(t, client.Resume(ctx, "c1"))
	require.NoError(t, client.Transfer(ctx, "c1", TransferRequest{Type: TransferPhone, Target: "+15550100"}))
	require.NoError(t, client.UpdateContext(ctx, "c1", map[string]any{"tag": "Scheduling"}))
	require.NoError(t, client.SendMessage(ctx, "c1", "One moment"))
	require.NoError(t, client.Escalate(ctx, "c1", "emergency"))
	require.NoError(t, client.End(ctx, "c1", "completed"))

	state, err := client.State(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "in-progress", state["status"])

	paths := make([]string, 0, len(fake.requests))
	for _, r := range fake.requests {
		paths = append(paths, r.Method+" "+r.Path)
	}

	assert.Equal(t, []string{
		"POST /calls/c1/ai-config",
		"POST /calls/c1/hold",
		"POST /calls/c1/resume",
		"POST /calls/c1/transfer",
		"POST /calls/c1/context",
		"POST /calls/c1/message",
		"POST /calls/c1/escalate",
		"POST /calls/c1/end",
		"GET /calls/c1/state",
	}, paths)

	assert.Equal(t, "nurse", fake.requests[0].Body["persona"])
	assert.Nil(t, fake.requests[2].Body)
	assert.Equal(t, "phone", fake.requests[3].Body["type"])
	assert.Equal(t, "Scheduling", fake.requests[4].Body["context"].(map[string]any)["tag"])
	assert.Equal(t, "completed", fake.requests[7].Body["reason"])
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	fake := &fakeOrchestrator{status: map[string]int{"/calls/c1/transfer": http.StatusUnprocessableEntity}}
	client := newTestClient(t, fake)

	err := client.Transfer(t.Context(), "c1", TransferRequest{Type: TransferPhone, Target: "bogus"})

	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Len(t, fake.requests, 1)
}

func TestClient_ServerErrorsAreRetried(t *testing.T) {
	fake := &fakeOrchestrator{status: map[string]int{"/calls/c1/hold": http.StatusBadGateway}}
	client := newTestClient(t, fake)

	err := client.Hold(t.Context(), "c1", "Please hold")

	assert.Equal(t, faults.KindRetriesExhausted, faults.KindOf(err))
	assert.Len(t, fake.requests, 3)
}

func TestTransferFor(t *testing.T) {
	req, err := TransferFor(models.RoutingTarget{Type: models.TargetTypePhone, Value: "+1555"})
	require.NoError(t, err)
	assert.Equal(t, TransferRequest{Type: TransferPhone, Target: "+1555"}, req)

	req, err = TransferFor(models.RoutingTarget{Type: models.TargetTypeQueue, Value: "billing"})
	require.NoError(t, err)
	assert.Equal(t, TransferWeb, req.Type)

	_, err = TransferFor(models.RoutingTarget{Type: models.TargetTypeWebhook, Value: "https://example.test"})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
