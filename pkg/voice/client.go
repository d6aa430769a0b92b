// Package voice talks to the voice/AI orchestrator that owns the live phone
// leg of each call.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
)

const (
	DefaultBaseURL = "http://localhost:3002"
	dependencyName = "voice-orchestrator"
)

type TransferType string

const (
	TransferPhone TransferType = "phone"
	TransferWeb   TransferType = "web"
)

type TransferRequest struct {
	Type      TransferType `json:"type"`
	Target    string       `json:"target"`
	AgentName string       `json:"agentName,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	resilient  *resilience.Client
	logger     *slog.Logger
}

// NewClient returns a client for the orchestrator at baseURL. Calls go
// through resilient, with 4xx responses never retried.
func NewClient(baseURL string, resilient *resilience.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		resilient: resilient.With(resilience.WithClassifier(faults.IsRetryable)),
		logger:    logger.With("module", "voice_client"),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient

	return c
}

func (c *Client) UpdateAIConfig(ctx context.Context, callID string, cfg models.AIAgentConfig) error {
	body := map[string]any{
		"persona":         cfg.Persona,
		"systemPrompt":    cfg.SystemPrompt,
		"capabilities":    cfg.Capabilities,
		"knowledgeBase":   cfg.KnowledgeBase,
		"maxInteractions": cfg.MaxInteractions,
	}

	return c.post(ctx, callID, "ai-config", body, nil)
}

func (c *Client) Hold(ctx context.Context, callID, message string) error {
	return c.post(ctx, callID, "hold", map[string]string{"message": message}, nil)
}

func (c *Client) Resume(ctx context.Context, callID string) error {
	return c.post(ctx, callID, "resume", nil, nil)
}

func (c *Client) Transfer(ctx context.Context, callID string, req TransferRequest) error {
	return c.post(ctx, callID, "transfer", req, nil)
}

func (c *Client) UpdateContext(ctx context.Context, callID string, values map[string]any) error {
	return c.post(ctx, callID, "context", map[string]any{"context": values}, nil)
}

func (c *Client) End(ctx context.Context, callID, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}

	return c.post(ctx, callID, "end", body, nil)
}

func (c *Client) SendMessage(ctx context.Context, callID, message string) error {
	return c.post(ctx, callID, "message", map[string]string{"message": message}, nil)
}

func (c *Client) Escalate(ctx context.Context, callID, reason string) error {
	return c.post(ctx, callID, "escalate", map[string]string{"reason": reason}, nil)
}

// State returns the orchestrator's opaque view of the call.
func (c *Client) State(ctx context.Context, callID string) (map[string]any, error) {
	var state map[string]any

	err := c.resilient.Execute(ctx, dependencyName, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, c.callURL(callID, "state"), nil, &state)
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (c *Client) post(ctx context.Context, callID, action string, body, out any) error {
	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", action, err)
		}
	}

	err := c.resilient.Execute(ctx, dependencyName, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, c.callURL(callID, action), payload, out)
	})
	if err != nil {
		c.logger.WarnContext(ctx, "Voice orchestrator request failed",
			"call_id", callID,
			"action", action,
			"error", err)

		return err
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte, out any) error {
	op := "voice." + method

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return faults.Wrap(faults.KindValidation, op, err, "build request")
	}

	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransientNetwork, op, err, target)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return faults.Wrap(faults.KindTransientNetwork, op, err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.FromStatus(op, resp.StatusCode, string(body))
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return faults.Wrap(faults.KindValidation, op, err, "decode response")
		}
	}

	return nil
}

func (c *Client) callURL(callID, action string) string {
	return fmt.Sprintf("%s/calls/%s/%s", c.baseURL, url.PathEscape(callID), action)
}

// TransferFor maps a routing target to the orchestrator's transfer request.
// Webhook targets are not phone transfers and are rejected.
func TransferFor(target models.RoutingTarget) (TransferRequest, error) {
	switch target.Type {
	case models.TargetTypePhone:
		return TransferRequest{Type: TransferPhone, Target: target.Value}, nil
	case models.TargetTypeQueue:
		return TransferRequest{Type: TransferWeb, Target: target.Value, AgentName: target.Value}, nil
	default:
		return TransferRequest{}, faults.Newf(faults.KindValidation, "voice.transfer", "target type %q cannot be transferred to", target.Type)
	}
}
