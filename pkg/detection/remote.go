package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
)

// Remote calls the AI service's detection endpoints:
//
//	POST {base}/detect/emergency {"transcript": "..."} -> EmergencyDetectionResult
//	POST {base}/detect/intent    {"transcript": "..."} -> IntentDetectionResult
type Remote struct {
	baseURL    string
	httpClient *http.Client
	resilient  *resilience.Client
}

func NewRemote(baseURL string, resilient *resilience.Client) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		resilient: resilient.With(resilience.WithClassifier(faults.IsRetryable)),
	}
}

func (r *Remote) WithHTTPClient(httpClient *http.Client) *Remote {
	r.httpClient = httpClient

	return r
}

func (r *Remote) DetectEmergency(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error) {
	return resilience.Do(ctx, r.resilient, "ai-emergency", func(ctx context.Context) (*models.EmergencyDetectionResult, error) {
		var result models.EmergencyDetectionResult
		if err := r.post(ctx, "/detect/emergency", transcript, &result); err != nil {
			return nil, err
		}

		return &result, nil
	})
}

func (r *Remote) DetectIntent(ctx context.Context, transcript string) (*models.IntentDetectionResult, error) {
	return resilience.Do(ctx, r.resilient, "ai-intent", func(ctx context.Context) (*models.IntentDetectionResult, error) {
		var result models.IntentDetectionResult
		if err := r.post(ctx, "/detect/intent", transcript, &result); err != nil {
			return nil, err
		}

		if result.IntentKey == "" {
			return nil, faults.New(faults.KindValidation, "detection.intent", "response has no intentKey")
		}

		return &result, nil
	})
}

func (r *Remote) post(ctx context.Context, path, transcript string, out any) error {
	op := "detection" + strings.ReplaceAll(path, "/", ".")

	payload, err := json.Marshal(map[string]string{"transcript": transcript})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return faults.Wrap(faults.KindValidation, op, err, "build request")
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransientNetwork, op, err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return faults.Wrap(faults.KindTransientNetwork, op, err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.FromStatus(op, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return faults.Wrap(faults.KindTransientNetwork, op, err, "decode response")
	}

	return nil
}

// FallbackEmergencyDetector asks Primary and falls back to Secondary when
// Primary fails, so a down AI service never skips emergency screening.
type FallbackEmergencyDetector struct {
	Primary   EmergencyDetector
	Secondary EmergencyDetector
	Logger    *slog.Logger
}

type EmergencyDetector interface {
	DetectEmergency(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error)
}

func (f *FallbackEmergencyDetector) DetectEmergency(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error) {
	result, err := f.Primary.DetectEmergency(ctx, transcript)
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if f.Logger != nil {
		f.Logger.WarnContext(ctx, "Remote emergency detection failed, using keyword screening", "error", err)
	}

	return f.Secondary.DetectEmergency(ctx, transcript)
}
