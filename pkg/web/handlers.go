// Package web provides the HTTP handlers of the callflow API.
package web

import (
	"context"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/callflow/pkg/callflow"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/resilience"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/workflow"
)

const defaultTerminateReason = "terminated"

// CallManager is the call side of callflow.Manager.
type CallManager interface {
	StartCall(ctx context.Context, info models.CallInfo) (callflow.Snapshot, error)
	EmitCallEvent(ctx context.Context, callID string, event models.CallEvent) (*callflow.Transition, error)
	Terminate(ctx context.Context, callID, reason string) (*callflow.Transition, error)
	HandoffPayload(ctx context.Context, callID string) (*models.HandoffPayload, error)
	Snapshot(callID string) (callflow.Snapshot, error)
	LoadWorkflow(ctx context.Context, id string, version int) (*workflow.Graph, error)
}

// RemoteState reads the voice platform's view of a call.
type RemoteState interface {
	State(ctx context.Context, callID string) (map[string]any, error)
}

type BreakerStats interface {
	Stats() []resilience.BreakerStats
}

type APIHandlers struct {
	calls     CallManager
	store     persistence.Persistence
	remote    RemoteState
	breakers  BreakerStats
	validator *validator.Validate
}

func NewAPIHandlers(
	calls CallManager,
	store persistence.Persistence,
	remote RemoteState,
	breakers BreakerStats,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		calls:     calls,
		store:     store,
		remote:    remote,
		breakers:  breakers,
		validator: validator,
	}
}

// Register mounts every route on app.
func (h *APIHandlers) Register(app *fiber.App) {
	calls := app.Group("/calls")
	calls.Post("/", h.StartCall)
	calls.Get("/:id", h.GetCall)
	calls.Post("/:id/events", h.EmitCallEvent)
	calls.Post("/:id/terminate", h.TerminateCall)
	calls.Get("/:id/handoff", h.GetHandoff)
	calls.Get("/:id/remote-state", h.GetRemoteState)

	w := app.Group("/workflows")
	w.Post("/", h.CreateWorkflow)
	w.Post("/validate", h.ValidateWorkflow)
	w.Get("/:id/versions", h.GetWorkflowVersions)
	w.Get("/:id/versions/:version", h.GetWorkflow)

	app.Get("/hospitals/:hospitalId/routing-rules/:intentKey", h.GetRoutingRules)
	app.Put("/hospitals/:hospitalId/routing-rules/:intentKey", h.PutRoutingRules)

	app.Get("/breakers", h.GetBreakers)
}

func (h *APIHandlers) StartCall(c fiber.Ctx) error {
	var info models.CallInfo

	if err := c.Bind().JSON(&info); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.validator.Struct(info); err != nil {
		return badRequest(c, err.Error())
	}

	snapshot, err := h.calls.StartCall(c.Context(), info)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(snapshot)
}

func (h *APIHandlers) GetCall(c fiber.Ctx) error {
	snapshot, err := h.calls.Snapshot(c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(snapshot)
}

func (h *APIHandlers) EmitCallEvent(c fiber.Ctx) error {
	var req EmitEventRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	transition, err := h.calls.EmitCallEvent(c.Context(), c.Params("id"), models.CallEvent{
		ID:      req.ID,
		Type:    req.Type,
		Payload: req.Payload,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(transition)
}

func (h *APIHandlers) TerminateCall(c fiber.Ctx) error {
	var req TerminateRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	if req.Reason == "" {
		req.Reason = defaultTerminateReason
	}

	transition, err := h.calls.Terminate(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(transition)
}

func (h *APIHandlers) GetHandoff(c fiber.Ctx) error {
	payload, err := h.calls.HandoffPayload(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(payload)
}

func (h *APIHandlers) GetRemoteState(c fiber.Ctx) error {
	if h.remote == nil {
		return problem(c, fiber.StatusNotImplemented, "not_configured", "voice platform is not configured")
	}

	state, err := h.remote.State(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	version, err := strconv.Atoi(c.Params("version"))
	if err != nil || version < 1 {
		return badRequest(c, "Workflow version must be a positive integer")
	}

	graph, err := h.calls.LoadWorkflow(c.Context(), c.Params("id"), version)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(WorkflowResponse{Workflow: graph.Definition, Warnings: warnings(graph)})
}

func (h *APIHandlers) GetWorkflowVersions(c fiber.Ctx) error {
	id := c.Params("id")

	versions, err := h.store.WorkflowVersions(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(WorkflowVersionsResponse{ID: id, Versions: versions})
}

// CreateWorkflow stores a new immutable workflow version after validating it.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	graph, err := workflow.Parse(c.Body())
	if err != nil {
		return handleError(c, err)
	}

	err = h.store.SaveWorkflow(c.Context(), graph.Definition)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(WorkflowResponse{Workflow: graph.Definition, Warnings: warnings(graph)})
}

func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	graph, err := workflow.Parse(c.Body())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(ValidateWorkflowResponse{Valid: true, Warnings: warnings(graph)})
}

func (h *APIHandlers) GetRoutingRules(c fiber.Ctx) error {
	hospitalID, intentKey := c.Params("hospitalId"), c.Params("intentKey")

	rules, err := h.store.RoutingRules(c.Context(), hospitalID, intentKey)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(RoutingRulesResponse{HospitalID: hospitalID, IntentKey: intentKey, Rules: rules})
}

func (h *APIHandlers) PutRoutingRules(c fiber.Ctx) error {
	hospitalID, intentKey := c.Params("hospitalId"), c.Params("intentKey")

	rules, err := routing.ParseRules(c.Body())
	if err != nil {
		return handleError(c, err)
	}

	err = h.store.SaveRoutingRules(c.Context(), hospitalID, intentKey, rules)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(RoutingRulesResponse{HospitalID: hospitalID, IntentKey: intentKey, Rules: rules})
}

func (h *APIHandlers) GetBreakers(c fiber.Ctx) error {
	resp := BreakersResponse{Breakers: []resilience.BreakerStats{}}

	if h.breakers != nil {
		resp.Breakers = append(resp.Breakers, h.breakers.Stats()...)
	}

	return c.JSON(resp)
}

// HealthCheck reports whether storage is reachable.
func (h *APIHandlers) HealthCheck(ctx context.Context) bool {
	return h.store.HealthCheck(ctx) == nil
}

func warnings(graph *workflow.Graph) []string {
	if graph.Warnings == nil {
		return []string{}
	}

	return graph.Warnings
}
