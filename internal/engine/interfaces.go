package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/llm"
)

// Store is the persistence surface the engine depends on. Implementations
// live in internal/storage; an in-memory implementation is provided for
// tests (see InMemoryStore).
type Store interface {
	// GetOrchestration returns the orchestration scoped to the org.
	// Returns ErrNotFound if missing or owned by another org.
	GetOrchestration(ctx context.Context, orgID, id uuid.UUID) (*domain.Orchestration, error)

	// ClaimOrchestration atomically sets the orchestration's current
	// execution from none to execID. Returns ErrConflict if another
	// execution already holds the claim. This is the single-flight gate.
	ClaimOrchestration(ctx context.Context, orchestrationID, execID uuid.UUID) error

	// ReleaseOrchestration clears the claim, but only if execID still
	// holds it.
	ReleaseOrchestration(ctx context.Context, orchestrationID, execID uuid.UUID) error

	// GetAgent returns the agent scoped to the org. Returns ErrNotFound
	// if missing or owned by another org.
	GetAgent(ctx context.Context, orgID, id uuid.UUID) (*domain.Agent, error)

	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	ListExecutionsByOrchestration(ctx context.Context, orchestrationID uuid.UUID) ([]Execution, error)

	// ListRunningExecutions returns every execution still marked running,
	// used by the startup sweep after an unclean shutdown.
	ListRunningExecutions(ctx context.Context) ([]Execution, error)

	// AppendResult persists one step result. The engine guarantees calls
	// arrive in step-index order per execution.
	AppendResult(ctx context.Context, execID uuid.UUID, result *AgentResult) error

	CreateDelegation(ctx context.Context, d *Delegation) error
	ListDelegations(ctx context.Context, execID uuid.UUID) ([]Delegation, error)
}

// QuotaManager meters LLM invocations per organization. Consume returns
// ErrQuotaExceeded when the org has no remaining allowance; every agent
// invocation, delegated or not, costs one unit.
type QuotaManager interface {
	Consume(ctx context.Context, orgID uuid.UUID, n int) error
}

// HookNotifier fires completion hooks once an execution reaches a terminal
// state. Implementations are best-effort: the engine calls Notify in a
// background goroutine and never inspects the outcome.
type HookNotifier interface {
	Notify(ctx context.Context, orch *domain.Orchestration, exec *Execution)
}

// ToolRunner supplies external tools (beyond delegation) to agent
// invocations. Implementations bridge to MCP servers or built-ins.
type ToolRunner interface {
	Definitions() []llm.ToolDefinition
	Run(ctx context.Context, name string, input map[string]any) (string, error)
}

// ExecutionEngine is the engine's public surface, consumed by the HTTP
// gateway and the scheduler.
type ExecutionEngine interface {
	// Launch starts an execution. Returns ErrConflict when one is
	// already running for the orchestration.
	Launch(ctx context.Context, req *LaunchRequest) (*Execution, error)

	// Cancel requests cooperative cancellation of a running execution.
	// Cancellation takes effect at the next step boundary; in-flight
	// provider calls finish or fail naturally.
	Cancel(ctx context.Context, execID uuid.UUID) error

	Get(ctx context.Context, execID uuid.UUID) (*Execution, error)
	List(ctx context.Context, orchestrationID uuid.UUID) ([]Execution, error)
	Delegations(ctx context.Context, execID uuid.UUID) ([]Delegation, error)
}
