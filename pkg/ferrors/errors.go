// Package ferrors defines the error kinds surfaced by the fabric core to its
// callers (spec §7). Internal errors are wrapped with fmt.Errorf and %w;
// these sentinel kinds are what the planner, scheduler, and API layers
// branch on.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	DriverUnavailable  Kind = "driver_unavailable"
	DriverBlocked      Kind = "driver_blocked"
	InsufficientStock  Kind = "insufficient_stock"
	AgentNotFound      Kind = "agent_not_found"
	AgentOffline       Kind = "agent_offline"
	AgentBusy          Kind = "agent_busy"
	NoRecipe           Kind = "no_recipe"
	MissingMaterials   Kind = "missing_materials"
	MaxDepthExceeded   Kind = "max_depth_exceeded"
	CycleDetected      Kind = "cycle_detected"
	InvalidRequest     Kind = "invalid_request"
	ProtocolError      Kind = "protocol_error"
)

// Missing describes a single short material in a MissingMaterials error.
type Missing struct {
	Item   string
	Needed uint
	Have   uint
}

// Error is the structured error type returned at component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Missing []Missing
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs a Kind-tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an underlying error with a Kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

// WithMissing attaches a missing-materials list (for MissingMaterials errors).
func WithMissing(message string, missing []Missing) *Error {
	return &Error{Kind: MissingMaterials, Message: message, Missing: missing}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
