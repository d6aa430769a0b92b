package detection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
)

func TestKeywordDetector(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		emergency  bool
		confidence float64
		keyword    string
	}{
		{"critical", "My father has CHEST PAIN and is sweating", true, 0.9, "chest pain"},
		{"urgent", "I had an allergic reaction to the new pills", true, 0.6, "allergic reaction"},
		{"phrase", "Please call 911 for me", true, 0.8, "call 911"},
		{"critical wins over urgent", "car accident and now a seizure", true, 0.9, "seizure"},
		{"routine", "I would like to book a checkup next week", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := KeywordDetector{}.DetectEmergency(t.Context(), tt.transcript)
			require.NoError(t, err)

			assert.Equal(t, tt.emergency, result.IsEmergency)
			assert.InDelta(t, tt.confidence, result.Confidence, 1e-9)

			if tt.keyword != "" {
				assert.Contains(t, result.TriggeredKeywords, tt.keyword)
			} else {
				assert.Empty(t, result.TriggeredKeywords)
			}
		})
	}
}

func newRemote(t *testing.T, handler http.HandlerFunc) *Remote {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	resilient := resilience.NewClient(
		resilience.NewRegistry(resilience.DefaultBreakerConfig()),
		resilience.WithPolicy(resilience.RetryPolicy{MaxAttempts: 2, BackoffFactor: 1}),
	)

	return NewRemote(server.URL, resilient).WithHTTPClient(server.Client())
}

func TestRemote_DetectIntent(t *testing.T) {
	remote := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect/intent", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "I need a refill", body["transcript"])

		_ = json.NewEncoder(w).Encode(models.IntentDetectionResult{IntentKey: models.IntentPrescriptionRefill, Confidence: 0.93})
	})

	result, err := remote.DetectIntent(t.Context(), "I need a refill")
	require.NoError(t, err)
	assert.Equal(t, models.IntentPrescriptionRefill, result.IntentKey)
}

func TestRemote_DetectEmergencyRetriesServerErrors(t *testing.T) {
	calls := 0
	remote := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_ = json.NewEncoder(w).Encode(models.EmergencyDetectionResult{IsEmergency: true, Confidence: 0.97})
	})

	result, err := remote.DetectEmergency(t.Context(), "he collapsed")
	require.NoError(t, err)
	assert.True(t, result.IsEmergency)
	assert.Equal(t, 2, calls)
}

func TestRemote_BadRequestIsNotRetried(t *testing.T) {
	calls := 0
	remote := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := remote.DetectIntent(t.Context(), "")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, 1, calls)
}

type failingDetector struct{}

func (failingDetector) DetectEmergency(context.Context, string) (*models.EmergencyDetectionResult, error) {
	return nil, faults.New(faults.KindCircuitOpen, "ai-emergency", "open")
}

func TestFallbackEmergencyDetector(t *testing.T) {
	detector := &FallbackEmergencyDetector{Primary: failingDetector{}, Secondary: KeywordDetector{}}

	result, err := detector.DetectEmergency(t.Context(), "she is unresponsive")
	require.NoError(t, err)
	assert.True(t, result.IsEmergency)
	assert.Equal(t, []string{"unresponsive"}, result.TriggeredKeywords)
}
