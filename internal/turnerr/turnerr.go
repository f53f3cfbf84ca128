// Package turnerr implements the error taxonomy spec §7 names (kinds, not
// type names): InvalidRequest, ToolFailure, ProviderTransient,
// ProtocolMismatch, Cancellation, Fatal.
//
// Grounded on internal/agent/errors.go's ToolError/LoopError — a single
// Kind-tagged struct with Error/Unwrap, a classifier that maps an
// arbitrary error's text to a Kind the way classifyToolError maps one to
// a ToolErrorType, and IsRetryable/errors.As-based helpers mirroring
// IsToolError/GetToolError/IsToolRetryable. Kind generalizes
// ToolErrorType to the spec's six session-wide categories instead of
// errors.go's tool-execution-only ones; Retryable generalizes
// ToolErrorType.IsRetryable's switch the same way.
package turnerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is one of spec §7's named error categories.
type Kind string

const (
	InvalidRequest    Kind = "invalid_request"
	ToolFailure       Kind = "tool_failure"
	ProviderTransient Kind = "provider_transient"
	ProtocolMismatch  Kind = "protocol_mismatch"
	Cancellation      Kind = "cancellation"
	Fatal             Kind = "fatal"
)

// IsRetryable reports whether an error of this kind may succeed if
// retried. Only ProviderTransient is retried per spec §7 ("retried with
// scratchpad, up to a configured attempt budget").
func (k Kind) IsRetryable() bool {
	return k == ProviderTransient
}

// FatalToSession reports whether an error of this kind ends the session
// outright, as opposed to being surfaced to the client or the turn while
// the session continues.
func (k Kind) FatalToSession() bool {
	return k == Fatal
}

// Error is a Kind-tagged error carrying the component it came from and
// the underlying cause, matching spec §7's "tool output is marked
// success=false with a human-readable message" / "domain errors carry
// additional data" shape.
type Error struct {
	Kind      Kind
	Component string // e.g. a tool name, an MCP server label
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Component != "" {
		parts = append(parts, e.Component)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, component string, cause error) *Error {
	e := &Error{Kind: kind, Component: component, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithMessage overrides the human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Classify infers a Kind from an arbitrary error's text when the caller
// has not already tagged it, the same way classifyToolError falls back
// to string matching for errors that did not originate as a ToolError.
func Classify(err error) Kind {
	if err == nil {
		return ToolFailure
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	if errors.Is(err, context.Canceled) {
		return Cancellation
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cancel"):
		return Cancellation
	case strings.Contains(msg, "protocol version") || strings.Contains(msg, "handshake"):
		return ProtocolMismatch
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "stream aborted") || strings.Contains(msg, "connection reset"):
		return ProviderTransient
	case strings.Contains(msg, "unknown method") || strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "malformed") || strings.Contains(msg, "not initialized") ||
		strings.Contains(msg, "already initialized"):
		return InvalidRequest
	case strings.Contains(msg, "cwd not absolute") || strings.Contains(msg, "bind transport") ||
		strings.Contains(msg, "initialize rollout"):
		return Fatal
	default:
		return ToolFailure
	}
}

// Is reports whether err is, or wraps, a turnerr.Error of kind.
func Is(err error, kind Kind) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind == kind
	}
	return Classify(err) == kind
}

// JSONRPCCode maps a Kind to the JSON-RPC error code family spec §6
// names: -32600 for InvalidRequest, -32603 for everything else the
// server itself surfaces as an internal error. ProtocolMismatch and
// ToolFailure are never surfaced as a JSON-RPC error at all in practice
// (they become a tool output or an MCP-server-scoped failure) but get a
// sane default here for callers that do report them over the wire.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case InvalidRequest:
		return -32600
	default:
		return -32603
	}
}
