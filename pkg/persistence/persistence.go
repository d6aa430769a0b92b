// Package persistence provides the storage abstraction for workflow versions,
// routing rules and call logs.
package persistence

import (
	"context"

	"github.com/dukex/callflow/pkg/models"
)

// WorkflowRepository stores immutable workflow versions.
type WorkflowRepository interface {
	// Workflow returns one version of a workflow, or ErrWorkflowNotFound.
	Workflow(ctx context.Context, id string, version int) (*models.WorkflowGraph, error)

	// SaveWorkflow stores a new version. Versions are never overwritten;
	// saving an existing one fails with ErrWorkflowVersionExists.
	SaveWorkflow(ctx context.Context, graph *models.WorkflowGraph) error

	// WorkflowVersions lists the stored versions of a workflow in ascending order.
	WorkflowVersions(ctx context.Context, id string) ([]int, error)
}

// RoutingRuleRepository stores the routing rules of each hospital, keyed by
// intent.
type RoutingRuleRepository interface {
	RoutingRules(ctx context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error)
	SaveRoutingRules(ctx context.Context, hospitalID, intentKey string, rules []models.RoutingRule) error
}

// CallLogRepository keeps the authoritative event log of each call and the
// handoff it produced.
type CallLogRepository interface {
	SaveCall(ctx context.Context, info models.CallInfo) error
	Call(ctx context.Context, callID string) (*models.CallInfo, error)
	AppendEvent(ctx context.Context, callID string, event models.CallEvent) error
	Events(ctx context.Context, callID string) ([]models.CallEvent, error)

	// SaveHandoff stores the payload unless the call already has one. It
	// reports whether this call stored it.
	SaveHandoff(ctx context.Context, payload models.HandoffPayload) (bool, error)
	Handoff(ctx context.Context, callID string) (*models.HandoffPayload, error)

	Close(ctx context.Context) error
}

type Persistence interface {
	WorkflowRepository
	RoutingRuleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
