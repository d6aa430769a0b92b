// Package faults defines the single tagged error type used across callflow.
//
// Every failure surfaced by the state machine, the workflow engine, the
// routing resolver and the resilient client is a *Error carrying a Kind, so
// callers dispatch with a switch on KindOf instead of string matching.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type Kind string

const (
	KindInternal                  Kind = "internal"
	KindInvalidTransition         Kind = "invalid_transition"
	KindMalformedGraph            Kind = "malformed_graph"
	KindNoMatchingEdge            Kind = "no_matching_edge"
	KindNoRouteFound              Kind = "no_route_found"
	KindTransientNetwork          Kind = "transient_network"
	KindValidation                Kind = "validation"
	KindCircuitOpen               Kind = "circuit_open"
	KindRetriesExhausted          Kind = "retries_exhausted"
	KindWorkflowLoopLimitExceeded Kind = "workflow_loop_limit_exceeded"
	KindNotFound                  Kind = "not_found"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	b.WriteString(string(e.Kind))

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
	}

	return false
}

// With returns the error with an extra context entry.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}

	e.Context[key] = value

	return e
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}

		if e.Kind == kind {
			return true
		}

		err = e.Err
	}

	return false
}

// IsRetryable reports whether err is worth another attempt: transient network
// failures, timeouts and server side errors are; validation failures, open
// circuits and cancellations are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch KindOf(err) {
	case KindTransientNetwork:
		return true
	case KindValidation, KindCircuitOpen, KindNotFound, KindRetriesExhausted:
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// FromStatus classifies a non-2xx HTTP response. 4xx responses are validation
// failures and are not retried; everything else is transient.
func FromStatus(op string, status int, body string) *Error {
	msg := fmt.Sprintf("unexpected status %d", status)
	if body != "" {
		msg = fmt.Sprintf("%s: %s", msg, truncate(body, 256))
	}

	kind := KindTransientNetwork

	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status >= 400 && status < 500:
		kind = KindValidation
	}

	return New(kind, op, msg).With("status", status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
