package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukex/callflow/pkg/condition"
	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
	"github.com/dukex/callflow/pkg/routing"
)

var ErrNoIntentDetector = errors.New("no intent detector configured")

type EmergencyDetector interface {
	DetectEmergency(ctx context.Context, transcript string) (*models.EmergencyDetectionResult, error)
}

type IntentDetector interface {
	DetectIntent(ctx context.Context, transcript string) (*models.IntentDetectionResult, error)
}

// RuleSource returns stored routing rules for a hospital's intent.
type RuleSource interface {
	RoutingRules(ctx context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error)
}

// AgentConfigurer pushes an AI agent configuration to the voice backend.
type AgentConfigurer interface {
	UpdateAIConfig(ctx context.Context, callID string, cfg models.AIAgentConfig) error
}

// Collaborators are the external services node handlers call.
type Collaborators struct {
	Emergency EmergencyDetector
	Intent    IntentDetector
	Resolver  *routing.Resolver
	Rules     RuleSource
	Agent     AgentConfigurer
	Webhooks  *resilience.Client
	HTTP      *http.Client
	Logger    *slog.Logger
}

// RegisterDefaults registers a handler for every node type the collaborators
// support.
func (e *Engine) RegisterDefaults(c Collaborators) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e.Register(models.NodeTypeQuestion, NodeHandlerFunc(executeQuestion))

	if c.Emergency != nil {
		e.Register(models.NodeTypeEmergencyScreen, &EmergencyScreenHandler{Detector: c.Emergency})
	}

	e.Register(models.NodeTypeIntentDetect, &IntentDetectHandler{Detector: c.Intent, Logger: logger})

	if c.Resolver != nil {
		e.Register(models.NodeTypeRoute, &RouteHandler{Resolver: c.Resolver, Rules: c.Rules})
	}

	if c.Webhooks != nil {
		httpClient := c.HTTP
		if httpClient == nil {
			httpClient = http.DefaultClient
		}

		// 4xx answers are final and must not count against the target's breaker.
		client := c.Webhooks.With(resilience.WithClassifier(faults.IsRetryable))

		e.Register(models.NodeTypeWebhook, &WebhookHandler{Client: client, HTTP: httpClient, Logger: logger})
	}

	if c.Agent != nil {
		e.Register(models.NodeTypeAIAgent, &AIAgentHandler{Configurer: c.Agent, Logger: logger})
	}
}

func executeQuestion(_ context.Context, node *models.WorkflowNode, _ *models.CallContext) (NodeOutput, error) {
	return NodeOutput{
		Prompt:  node.ConfigString("prompt"),
		Suspend: true,
		Data:    map[string]any{"field": node.ConfigString("field")},
	}, nil
}

// EmergencyScreenHandler screens the transcript so far.
type EmergencyScreenHandler struct {
	Detector EmergencyDetector
}

func (h *EmergencyScreenHandler) Execute(ctx context.Context, _ *models.WorkflowNode, call *models.CallContext) (NodeOutput, error) {
	result, err := h.Detector.DetectEmergency(ctx, call.TranscriptText())
	if err != nil {
		return NodeOutput{}, fmt.Errorf("detect emergency: %w", err)
	}

	call.Emergency = result

	return NodeOutput{
		Emergency: result,
		Data: map[string]any{
			"isEmergency": result.IsEmergency,
			"confidence":  result.Confidence,
		},
	}, nil
}

// IntentDetectHandler classifies the caller's request. With a fallbackIntent
// configured, a detector failure resolves to that intent with zero
// confidence instead of failing. A nil Detector always fails.
type IntentDetectHandler struct {
	Detector IntentDetector
	Logger   *slog.Logger
}

func (h *IntentDetectHandler) Execute(ctx context.Context, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error) {
	var (
		result *models.IntentDetectionResult
		err    = ErrNoIntentDetector
	)

	if h.Detector != nil {
		result, err = h.Detector.DetectIntent(ctx, call.TranscriptText())
	}

	if err != nil {
		fallback := node.ConfigString("fallbackIntent")
		if fallback == "" {
			return NodeOutput{}, fmt.Errorf("detect intent: %w", err)
		}

		h.Logger.WarnContext(ctx, "Intent detection failed, using fallback intent",
			"call_id", call.Info.CallID,
			"fallback_intent", fallback,
			"error", err)

		result = &models.IntentDetectionResult{IntentKey: fallback}
	}

	call.Intent = result

	for k, v := range result.ExtractedFields {
		call.Fields[k] = v
	}

	return NodeOutput{
		Intent: result,
		Data: map[string]any{
			"intentKey":  result.IntentKey,
			"confidence": result.Confidence,
		},
	}, nil
}

// RouteHandler resolves the call's destination from the node's inline rules,
// or from the stored rules of the detected intent.
type RouteHandler struct {
	Resolver *routing.Resolver
	Rules    RuleSource
}

func (h *RouteHandler) Execute(ctx context.Context, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error) {
	rules, err := RouteRules(node)
	if err != nil {
		return NodeOutput{}, faults.Wrap(faults.KindMalformedGraph, "workflow.route", err, node.ID)
	}

	if len(rules) == 0 && h.Rules != nil {
		intentKey := node.ConfigString("intentKey")
		if intentKey == "" && call.Intent != nil {
			intentKey = call.Intent.IntentKey
		}

		rules, err = h.Rules.RoutingRules(ctx, call.Info.HospitalID, intentKey)
		if err != nil && !faults.Is(err, faults.KindNotFound) {
			return NodeOutput{}, fmt.Errorf("load routing rules: %w", err)
		}
	}

	decision, err := h.Resolver.ResolveNow(condition.MapFields(call.Values()), rules)
	if err != nil {
		if !faults.Is(err, faults.KindNoRouteFound) {
			return NodeOutput{}, err
		}

		fallback, derr := DefaultTarget(node)
		if derr != nil || fallback == nil {
			return NodeOutput{}, err
		}

		decision = routing.Decision{Target: *fallback, Fallback: true}
	}

	target := decision.Target
	call.Route = &target

	return NodeOutput{
		Route: &decision,
		Data: map[string]any{
			"type":     string(target.Type),
			"value":    target.Value,
			"fallback": decision.Fallback,
		},
	}, nil
}

// WebhookHandler calls an external endpoint and stores the response or the
// failure under webhooks.<nodeId>. Failures do not stop the run so edges can
// branch on them.
type WebhookHandler struct {
	Client *resilience.Client
	HTTP   *http.Client
	Logger *slog.Logger
}

func (h *WebhookHandler) Execute(ctx context.Context, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error) {
	target := node.ConfigString("url")
	method := strings.ToUpper(node.ConfigString("method"))

	if method == "" {
		method = http.MethodPost
	}

	u, err := url.Parse(target)
	if err != nil {
		return NodeOutput{}, faults.Wrap(faults.KindMalformedGraph, "workflow.webhook", err, node.ID)
	}

	var payload []byte
	if method != http.MethodGet {
		payload, err = json.Marshal(map[string]any{
			"callId":     call.Info.CallID,
			"hospitalId": call.Info.HospitalID,
			"nodeId":     node.ID,
			"context":    call.Values(),
		})
		if err != nil {
			return NodeOutput{}, fmt.Errorf("encode webhook body: %w", err)
		}
	}

	headers, _ := node.Config["headers"].(map[string]any)

	result, err := resilience.Do(ctx, h.Client, "webhook:"+u.Host, func(ctx context.Context) (models.WebhookResult, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return models.WebhookResult{}, faults.Wrap(faults.KindValidation, "workflow.webhook", err, "build request")
		}

		req.Header.Set("Content-Type", "application/json")

		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}

		resp, err := h.HTTP.Do(req)
		if err != nil {
			return models.WebhookResult{}, faults.Wrap(faults.KindTransientNetwork, "workflow.webhook", err, "request failed")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return models.WebhookResult{}, faults.Wrap(faults.KindTransientNetwork, "workflow.webhook", err, "read response")
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return models.WebhookResult{}, faults.FromStatus("workflow.webhook", resp.StatusCode, string(body))
		}

		var decoded any
		if len(body) > 0 && json.Unmarshal(body, &decoded) != nil {
			decoded = string(body)
		}

		return models.WebhookResult{Status: resp.StatusCode, Body: decoded}, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return NodeOutput{}, ctx.Err()
		}

		h.Logger.WarnContext(ctx, "Webhook failed",
			"call_id", call.Info.CallID,
			"node_id", node.ID,
			"error", err)

		result = models.WebhookResult{Error: err.Error()}

		if status, ok := statusOf(err); ok {
			result.Status = status
		}
	}

	call.Webhooks[node.ID] = result

	return NodeOutput{
		Webhook: &result,
		Data: map[string]any{
			"status": result.Status,
			"ok":     result.Error == "",
		},
	}, nil
}

// AIAgentHandler pushes the node's agent persona to the voice backend. A
// failed push is logged and the run continues with the previous agent.
type AIAgentHandler struct {
	Configurer AgentConfigurer
	Logger     *slog.Logger
}

func (h *AIAgentHandler) Execute(ctx context.Context, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error) {
	cfg, err := AgentConfig(node)
	if err != nil {
		return NodeOutput{}, faults.Wrap(faults.KindMalformedGraph, "workflow.ai_agent", err, node.ID)
	}

	if err := h.Configurer.UpdateAIConfig(ctx, call.Info.CallID, cfg); err != nil {
		if ctx.Err() != nil {
			return NodeOutput{}, ctx.Err()
		}

		h.Logger.WarnContext(ctx, "Failed to update AI agent configuration",
			"call_id", call.Info.CallID,
			"node_id", node.ID,
			"error", err)

		return NodeOutput{Data: map[string]any{"persona": cfg.Persona, "applied": false}}, nil
	}

	return NodeOutput{Data: map[string]any{"persona": cfg.Persona, "applied": true}}, nil
}

func statusOf(err error) (int, bool) {
	var fe *faults.Error

	for errors.As(err, &fe) {
		if s, ok := fe.Context["status"].(int); ok {
			return s, true
		}

		err = fe.Err
	}

	return 0, false
}
