package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/callflow/pkg/callflow"
	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/persistence"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleError maps persistence sentinels and fault kinds to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, callflow.ErrCallExists):
		return problem(c, fiber.StatusConflict, "call_exists", err.Error())
	case errors.Is(err, persistence.ErrWorkflowVersionExists):
		return problem(c, fiber.StatusConflict, "workflow_version_exists", err.Error())
	case persistence.IsWorkflowNotFound(err):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", err.Error())
	case persistence.IsCallNotFound(err):
		return problem(c, fiber.StatusNotFound, "call_not_found", err.Error())
	case persistence.IsHandoffNotFound(err):
		return problem(c, fiber.StatusNotFound, "handoff_not_found", err.Error())
	case persistence.IsRoutingRulesNotFound(err):
		return problem(c, fiber.StatusNotFound, "routing_rules_not_found", err.Error())
	}

	switch faults.KindOf(err) {
	case faults.KindValidation:
		return badRequest(c, err.Error())
	case faults.KindMalformedGraph:
		return problem(c, fiber.StatusUnprocessableEntity, "malformed_graph", err.Error())
	case faults.KindInvalidTransition:
		return problem(c, fiber.StatusConflict, "invalid_transition", err.Error())
	case faults.KindNotFound:
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())
	case faults.KindCircuitOpen:
		return problem(c, fiber.StatusServiceUnavailable, "circuit_open", err.Error())
	case faults.KindTransientNetwork, faults.KindRetriesExhausted:
		return problem(c, fiber.StatusBadGateway, "dependency_unavailable", err.Error())
	default:
		return internalError(c, err)
	}
}
