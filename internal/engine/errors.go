package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned across the engine's public surface.
var (
	// ErrConflict is returned by Launch when another execution for the
	// same orchestration is already running. It is surfaced synchronously
	// to the caller, never queued.
	ErrConflict = errors.New("an execution is already running for this orchestration")

	// ErrNotFound covers missing orchestrations, agents, and executions.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when the organization's message quota
	// is exhausted.
	ErrQuotaExceeded = errors.New("message quota exceeded")
)

// DelegationCode classifies why a delegation was rejected.
type DelegationCode string

const (
	DelegationDepthExceeded DelegationCode = "depth_exceeded"
	DelegationInvalidTarget DelegationCode = "invalid_target"
	DelegationQuotaExceeded DelegationCode = "quota_exceeded"
)

// DelegationError is a rejected agent-to-agent call. It is always local to
// the delegation: the dispatcher records it and returns its message as the
// tool result so the calling model can react instead of crashing the step.
type DelegationError struct {
	Code    DelegationCode
	Message string
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation rejected (%s): %s", e.Code, e.Message)
}
