// Package engine turns a declarative orchestration definition into a running,
// observable, cancellable execution. It owns the execution state machine, the
// three strategy executors, and the bounded agent-to-agent delegation protocol.
package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
)

// ExecutionStatus is the state machine of one execution.
// pending -> running -> {completed | failed | cancelled}.
// No transition leaves a terminal state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one run of an orchestration. The step list and strategy are
// snapshotted at launch so later edits to the orchestration do not change a
// running or historical execution.
type Execution struct {
	ID              uuid.UUID
	OrchestrationID uuid.UUID
	OrgID           uuid.UUID
	Status          ExecutionStatus
	Input           string
	Variables       map[string]string

	Strategy domain.Strategy
	Steps    []domain.AgentStep

	// Results are appended in step-index order regardless of completion
	// order; see resultSink.
	Results     []AgentResult
	FinalOutput string
	Error       string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResultStatus marks a single step's outcome.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// AgentResult is the recorded trace of one step of an execution.
type AgentResult struct {
	StepIndex int
	AgentID   uuid.UUID
	Role      string
	Input     string
	Output    string
	Status    ResultStatus
	Error     string

	// Seeded is true when the result was carried over from a prior
	// execution by a resumed launch rather than computed in this run.
	Seeded bool

	StartedAt   time.Time
	CompletedAt time.Time
}

// DelegationStatus marks the outcome of one agent-to-agent call.
type DelegationStatus string

const (
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
)

// Delegation is an immutable record of one agent calling another during an
// execution. Every attempt produces a row, rejected ones included, so the
// full delegation history is reconstructable from this table alone.
type Delegation struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID
	OrgID       uuid.UUID
	FromAgentID uuid.UUID
	ToAgentID   uuid.UUID
	Depth       int // 1-indexed: the first delegation of an execution is depth 1.
	Message     string
	Response    string
	Status      DelegationStatus
	CreatedAt   time.Time
}

// LaunchRequest starts (or resumes) an execution of an orchestration.
type LaunchRequest struct {
	OrgID           uuid.UUID
	OrchestrationID uuid.UUID
	Input           string
	Variables       map[string]string

	// StartFromStep, when > 0, resumes from that step index: results for
	// steps [0, StartFromStep) are seeded from ResumeFrom (or, when
	// ResumeFrom is nil, from the orchestration's most recent execution)
	// and execution continues with the chosen strategy from there.
	StartFromStep int
	ResumeFrom    *uuid.UUID
}

// Config tunes the engine. Zero values mean defaults.
type Config struct {
	// MaxDelegationDepth caps nested agent-to-agent calls. Default 3.
	MaxDelegationDepth int
	// InvokeTimeout bounds a single provider call, delegation included.
	// Default 60s. There is no overall execution ceiling.
	InvokeTimeout time.Duration
	// MaxToolIterations caps tool-use round trips within one invocation.
	// Default 8.
	MaxToolIterations int
	// MaxTokens is passed through to the provider. Default 4096.
	MaxTokens int
}

func (c Config) maxDepth() int {
	if c.MaxDelegationDepth > 0 {
		return c.MaxDelegationDepth
	}
	return 3
}

func (c Config) invokeTimeout() time.Duration {
	if c.InvokeTimeout > 0 {
		return c.InvokeTimeout
	}
	return 60 * time.Second
}

func (c Config) maxToolIterations() int {
	if c.MaxToolIterations > 0 {
		return c.MaxToolIterations
	}
	return 8
}

func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 4096
}
