// Package workflow interprets call workflow graphs: it validates them,
// executes nodes and selects the next node from edge conditions.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/callflow/pkg/condition"
	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/metrics"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/routing"
)

const DefaultMaxSteps = 100

// NodeHandler executes one node type. Handlers may update the call context;
// they must not change the call state.
type NodeHandler interface {
	Execute(ctx context.Context, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error)
}

type NodeHandlerFunc func(ctx context.Context, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error)

func (f NodeHandlerFunc) Execute(ctx context.Context, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error) {
	return f(ctx, node, call)
}

// NodeOutput is what a node produced. Prompt is text to say to the caller;
// Suspend stops the run until the caller answers.
type NodeOutput struct {
	Data      map[string]any                   `json:"data,omitempty"`
	Prompt    string                           `json:"prompt,omitempty"`
	Suspend   bool                             `json:"suspend,omitempty"`
	Emergency *models.EmergencyDetectionResult `json:"emergency,omitempty"`
	Intent    *models.IntentDetectionResult    `json:"intent,omitempty"`
	Route     *routing.Decision                `json:"route,omitempty"`
	Webhook   *models.WebhookResult            `json:"webhook,omitempty"`
}

// StepResult describes one node execution and where the graph goes next.
// Completed means the next node is an end node.
type StepResult struct {
	NodeID     string          `json:"nodeId"`
	NodeType   models.NodeType `json:"nodeType"`
	Output     NodeOutput      `json:"output"`
	NextNodeID string          `json:"nextNodeId,omitempty"`
	Suspended  bool            `json:"suspended,omitempty"`
	Completed  bool            `json:"completed,omitempty"`
}

// RunResult summarizes a run. NodeID is the node the run stopped at.
type RunResult struct {
	Steps     []StepResult
	NodeID    string
	Suspended bool
	Completed bool
	Stopped   bool
}

// Observer sees each step as it happens. Returning stop ends the run early.
type Observer func(ctx context.Context, step StepResult) (stop bool, err error)

type Engine struct {
	handlers map[models.NodeType]NodeHandler
	maxSteps int
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
}

type EngineOption func(*Engine)

func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithEngineTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine returns an engine with no-op start and end handlers registered.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		handlers: map[models.NodeType]NodeHandler{},
		maxSteps: DefaultMaxSteps,
		logger:   slog.Default(),
		tracer:   otelhelper.DefaultTracer("callflow/workflow"),
	}

	noop := NodeHandlerFunc(func(context.Context, *models.WorkflowNode, *models.CallContext) (NodeOutput, error) {
		return NodeOutput{}, nil
	})
	e.Register(models.NodeTypeStart, noop)
	e.Register(models.NodeTypeEnd, noop)

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Register(t models.NodeType, h NodeHandler) {
	e.handlers[t] = h
}

func (e *Engine) MaxSteps() int {
	return e.maxSteps
}

// Step executes the current node, or the start node when currentNodeID is
// empty, and selects the next one.
func (e *Engine) Step(ctx context.Context, g *Graph, currentNodeID string, call *models.CallContext) (StepResult, error) {
	if currentNodeID == "" {
		currentNodeID = g.start
	}

	node, ok := g.Node(currentNodeID)
	if !ok {
		return StepResult{}, faults.Newf(faults.KindMalformedGraph, "workflow.step", "unknown node %q", currentNodeID)
	}

	result := StepResult{NodeID: node.ID, NodeType: node.Type}

	output, err := e.execute(ctx, g, node, call)
	if err != nil {
		return result, err
	}

	result.Output = output

	if node.Type == models.NodeTypeEnd {
		result.Completed = true

		return result, nil
	}

	if output.Suspend {
		result.Suspended = true

		return result, nil
	}

	next, err := e.Next(g, node.ID, call)
	if err != nil {
		return result, err
	}

	result.NextNodeID = next
	result.Completed = g.nodes[next].Type == models.NodeTypeEnd

	return result, nil
}

// Next picks the first outgoing edge, in declaration order, whose condition
// holds. An edge without a condition always holds.
func (e *Engine) Next(g *Graph, nodeID string, call *models.CallContext) (string, error) {
	fields := condition.MapFields(call.Values())

	for _, ce := range g.outgoing[nodeID] {
		if ce.expr == nil || ce.expr.Eval(fields) {
			return ce.edge.ToNodeID, nil
		}
	}

	return "", faults.Newf(faults.KindNoMatchingEdge, "workflow.next", "no outgoing edge of %q matched", nodeID).
		With("nodeId", nodeID).
		With("workflowId", g.ID())
}

// Resume continues after a suspended node, typically a question the caller
// has now answered.
func (e *Engine) Resume(g *Graph, nodeID string, call *models.CallContext) (StepResult, error) {
	node, ok := g.Node(nodeID)
	if !ok {
		return StepResult{}, faults.Newf(faults.KindMalformedGraph, "workflow.resume", "unknown node %q", nodeID)
	}

	next, err := e.Next(g, nodeID, call)
	if err != nil {
		return StepResult{NodeID: nodeID, NodeType: node.Type}, err
	}

	return StepResult{
		NodeID:     nodeID,
		NodeType:   node.Type,
		NextNodeID: next,
		Completed:  g.nodes[next].Type == models.NodeTypeEnd,
	}, nil
}

// Run steps through the graph from a node (start when empty) until a node
// suspends, an end node is reached, the observer stops it or an error
// occurs. With resume set, from is a suspended node and is not executed
// again. More than MaxSteps node executions fail the run.
func (e *Engine) Run(ctx context.Context, g *Graph, from string, resume bool, call *models.CallContext, observe Observer) (RunResult, error) {
	var run RunResult

	current := from

	if resume {
		step, err := e.Resume(g, from, call)
		if err != nil {
			run.NodeID = from

			return run, err
		}

		if step.Completed {
			run.NodeID = step.NextNodeID
			run.Completed = true

			return run, nil
		}

		current = step.NextNodeID
	}

	for executed := 0; ; executed++ {
		if executed >= e.maxSteps {
			run.NodeID = current

			return run, faults.Newf(faults.KindWorkflowLoopLimitExceeded, "workflow.run", "exceeded %d node executions", e.maxSteps).
				With("workflowId", g.ID()).
				With("nodeId", current)
		}

		if err := ctx.Err(); err != nil {
			run.NodeID = current

			return run, err
		}

		step, err := e.Step(ctx, g, current, call)
		if err != nil {
			run.NodeID = step.NodeID

			return run, err
		}

		run.Steps = append(run.Steps, step)

		if observe != nil {
			stop, err := observe(ctx, step)
			if err != nil {
				run.NodeID = step.NodeID

				return run, err
			}

			if stop {
				run.NodeID = step.NodeID
				run.Stopped = true

				return run, nil
			}
		}

		switch {
		case step.Suspended:
			run.NodeID = step.NodeID
			run.Suspended = true

			return run, nil
		case step.Completed:
			run.NodeID = step.NextNodeID
			if step.NodeType == models.NodeTypeEnd {
				run.NodeID = step.NodeID
			}

			run.Completed = true

			return run, nil
		}

		current = step.NextNodeID
	}
}

func (e *Engine) execute(ctx context.Context, g *Graph, node *models.WorkflowNode, call *models.CallContext) (NodeOutput, error) {
	handler, ok := e.handlers[node.Type]
	if !ok {
		return NodeOutput{}, faults.Newf(faults.KindMalformedGraph, "workflow.execute", "no handler for node type %q", node.Type)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.node."+string(node.Type),
		attribute.String(otelhelper.WorkflowIDKey, g.ID()),
		attribute.Int(otelhelper.WorkflowVerKey, g.Version()),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
		attribute.String(otelhelper.CallIDKey, call.Info.CallID),
	)
	defer span.End()

	logger := e.logger.With(
		"call_id", call.Info.CallID,
		"workflow_id", g.ID(),
		"node_id", node.ID,
		"node_type", node.Type,
	)

	var timer func()
	if e.metrics != nil {
		start := time.Now()
		timer = func() {
			e.metrics.NodeDuration.WithLabelValues(string(node.Type)).Observe(time.Now().Sub(start).Seconds())
		}
	}

	output, err := handler.Execute(ctx, node, call)

	if timer != nil {
		timer()
	}

	if e.metrics != nil {
		e.metrics.NodeExecutions.WithLabelValues(string(node.Type), strconv.FormatBool(err == nil)).Inc()
	}

	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Node execution failed", "error", err)

		return output, fmt.Errorf("node %s: %w", node.ID, err)
	}

	logger.DebugContext(ctx, "Node executed", "suspend", output.Suspend)

	return output, nil
}
