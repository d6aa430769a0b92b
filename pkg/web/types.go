package web

import (
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
)

// EmitEventRequest is the body of POST /calls/:id/events.
type EmitEventRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"              validate:"required"`
	Payload map[string]any `json:"payload,omitempty"`
}

type TerminateRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

// WorkflowResponse is a stored workflow version with its validation warnings.
type WorkflowResponse struct {
	Workflow *models.WorkflowGraph `json:"workflow"`
	Warnings []string              `json:"warnings"`
}

type ValidateWorkflowResponse struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings"`
}

type WorkflowVersionsResponse struct {
	ID       string `json:"id"`
	Versions []int  `json:"versions"`
}

type RoutingRulesResponse struct {
	HospitalID string               `json:"hospitalId"`
	IntentKey  string               `json:"intentKey"`
	Rules      []models.RoutingRule `json:"rules"`
}

type BreakersResponse struct {
	Breakers []resilience.BreakerStats `json:"breakers"`
}
