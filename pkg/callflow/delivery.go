package callflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
)

// WebhookDelivery hands a call to an external queue by POSTing the handoff
// payload to the routing target's URL.
type WebhookDelivery struct {
	resilient  *resilience.Client
	httpClient *http.Client
}

func NewWebhookDelivery(resilient *resilience.Client) *WebhookDelivery {
	return &WebhookDelivery{
		resilient: resilient.With(resilience.WithClassifier(faults.IsRetryable)),
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *WebhookDelivery) WithHTTPClient(httpClient *http.Client) *WebhookDelivery {
	d.httpClient = httpClient

	return d
}

func (d *WebhookDelivery) DeliverHandoff(ctx context.Context, target string, payload models.HandoffPayload) error {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() {
		return faults.Newf(faults.KindValidation, "callflow.deliver_handoff", "invalid handoff url %q", target)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}

	return d.resilient.Execute(ctx, "handoff:"+u.Host, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return faults.Wrap(faults.KindValidation, "callflow.deliver_handoff", err, "build request")
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return faults.Wrap(faults.KindTransientNetwork, "callflow.deliver_handoff", err, "request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

			return faults.FromStatus("callflow.deliver_handoff", resp.StatusCode, string(data))
		}

		return nil
	})
}
