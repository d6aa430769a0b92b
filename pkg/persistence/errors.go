// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/callflow/pkg/faults"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates no stored workflow matches the id and version.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowVersionExists indicates the workflow version was already saved.
	ErrWorkflowVersionExists = errors.New("workflow version already exists")

	// ErrRoutingRulesNotFound indicates a hospital has no rules for an intent.
	ErrRoutingRulesNotFound = errors.New("routing rules not found")

	// ErrCallNotFound indicates no call log exists for the call id.
	ErrCallNotFound = errors.New("call not found")

	// ErrHandoffNotFound indicates the call has not produced a handoff.
	ErrHandoffNotFound = errors.New("handoff not found")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string
	WorkflowID string
	Version    int
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s v%d: %v", e.Op, e.WorkflowID, e.Version, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewWorkflowError(op, workflowID string, version int, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Version:    version,
		Err:        err,
	}
}

// CallError wraps call log errors with the call id.
type CallError struct {
	Op     string
	CallID string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s operation failed for call %s: %v", e.Op, e.CallID, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewCallError(op, callID string, err error) *CallError {
	return &CallError{Op: op, CallID: callID, Err: err}
}

// NotFound marks a sentinel as a NotFound fault so callers that dispatch on
// fault kinds treat a missing record like any other absent dependency data.
func NotFound(op string, sentinel error, subject string) error {
	return faults.Wrap(faults.KindNotFound, op, sentinel, subject)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsRoutingRulesNotFound(err error) bool {
	return errors.Is(err, ErrRoutingRulesNotFound)
}

func IsCallNotFound(err error) bool {
	return errors.Is(err, ErrCallNotFound)
}

func IsHandoffNotFound(err error) bool {
	return errors.Is(err, ErrHandoffNotFound)
}
