// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant boundary. Agents, orchestrations, and
// executions are all scoped to exactly one organization.
type Organization struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	CreatedAt time.Time
}

// AgentStatus is the lifecycle state of an agent definition.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is a configured LLM persona that can participate in orchestrations.
// Owned by the agent-management surface; the engine references agents by ID
// and never mutates them.
type Agent struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	Name         string
	Role         string // Short role label, e.g. "researcher", "writer".
	Instructions string // System prompt. Must be non-empty for invocation.
	Model        string // Provider model identifier.
	Temperature  float64
	Status       AgentStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Strategy is the aggregation discipline for an orchestration's steps.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyConsensus  Strategy = "consensus"
)

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyConsensus:
		return true
	}
	return false
}

// OrchestrationStatus is the lifecycle state of a pipeline definition.
type OrchestrationStatus string

const (
	OrchestrationActive   OrchestrationStatus = "active"
	OrchestrationInactive OrchestrationStatus = "inactive"
)

// AgentStep is one agent's position within an orchestration. Steps are value
// objects owned by the orchestration; they are not independently addressable.
type AgentStep struct {
	AgentID        uuid.UUID `json:"agent_id"`
	Role           string    `json:"role"`
	PromptOverride string    `json:"prompt_override,omitempty"` // Replaces the agent's instructions for this step when set.
	Judge          bool      `json:"judge,omitempty"`           // Consensus only: this step aggregates the candidates instead of producing one.
}

// HookKind identifies a completion hook channel.
type HookKind string

const (
	HookWebhook HookKind = "webhook"
	HookEmail   HookKind = "email"
	HookChat    HookKind = "chat"
)

// CompletionHook is a side-effecting notification fired once an execution
// reaches a terminal state. Hooks are observers: their failures never affect
// the execution record.
type CompletionHook struct {
	Kind    HookKind `json:"kind"`
	Target  string   `json:"target"`           // URL for webhook/chat, recipient list for email.
	Secret  string   `json:"secret,omitempty"` // Webhook only: HMAC-SHA256 signing key.
	Enabled bool     `json:"enabled"`
}

// Orchestration is a named, reusable multi-agent pipeline definition.
// Executions reference, never own, an orchestration: the step list is
// snapshotted at launch, so later edits do not change past or running runs.
type Orchestration struct {
	ID       uuid.UUID
	OrgID    uuid.UUID
	Name     string
	Strategy Strategy
	Status   OrchestrationStatus
	Steps    []AgentStep
	Hooks    []CompletionHook

	// CurrentExecutionID is the single-flight token: non-nil while an
	// execution is running. Claimed and released atomically by the store.
	CurrentExecutionID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledRun launches an orchestration on a cron expression.
// A due run that collides with an already-running execution records the
// conflict as LastError; it is never queued.
type ScheduledRun struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	OrchestrationID uuid.UUID
	Name            string
	CronExpression  string // Standard 5-field cron (minute hour dom month dow).
	Input           string
	Enabled         bool
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	LastExecutionID *uuid.UUID
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
