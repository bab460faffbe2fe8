package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/llm"
)

// Coordinator implements ExecutionEngine. It owns the lifecycle of every
// execution: claims the orchestration's single-flight slot, snapshots the
// step list, runs the strategy executor under a cancellation signal, and
// finalizes the record before firing completion hooks.
type Coordinator struct {
	store   Store
	runner  *runner
	hooks   HookNotifier
	metrics *Metrics
	logger  *slog.Logger
	config  Config

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc // Active execution cancellation functions.
}

// NewCoordinator wires the full engine: invoker, dispatcher, and
// coordinator. hooks and tools may be nil.
func NewCoordinator(
	store Store,
	provider llm.Provider,
	quota QuotaManager,
	tools ToolRunner,
	hooks HookNotifier,
	metrics *Metrics,
	logger *slog.Logger,
	config Config,
) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	invoker := NewInvoker(provider, quota, tools, metrics, logger, config)
	invoker.SetDispatcher(NewDispatcher(store, invoker, metrics, logger, config))

	return &Coordinator{
		store: store,
		runner: &runner{
			store:   store,
			invoker: invoker,
			metrics: metrics,
			logger:  logger,
		},
		hooks:   hooks,
		metrics: metrics,
		logger:  logger,
		config:  config,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Launch starts an execution of the orchestration. Exactly one execution
// per orchestration runs at a time: the claim is an atomic compare-and-set
// in the store, and a losing launch gets ErrConflict synchronously, never
// a queue slot. The step list is snapshotted here so later edits do not
// affect this run.
func (c *Coordinator) Launch(ctx context.Context, req *LaunchRequest) (*Execution, error) {
	orch, err := c.store.GetOrchestration(ctx, req.OrgID, req.OrchestrationID)
	if err != nil {
		return nil, fmt.Errorf("loading orchestration: %w", err)
	}
	if orch.Status != domain.OrchestrationActive {
		return nil, fmt.Errorf("orchestration %s is inactive", orch.ID)
	}
	if len(orch.Steps) == 0 {
		return nil, fmt.Errorf("orchestration %s has no steps", orch.ID)
	}
	if req.StartFromStep < 0 || req.StartFromStep >= len(orch.Steps) {
		return nil, fmt.Errorf("start step %d out of range [0,%d)", req.StartFromStep, len(orch.Steps))
	}

	now := time.Now().UTC()
	exec := &Execution{
		ID:              domain.NewID(),
		OrchestrationID: orch.ID,
		OrgID:           orch.OrgID,
		Status:          ExecutionPending,
		Input:           req.Input,
		Variables:       req.Variables,
		Strategy:        orch.Strategy,
		Steps:           append([]domain.AgentStep(nil), orch.Steps...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if req.StartFromStep > 0 {
		seeded, err := c.seedResults(ctx, orch, req)
		if err != nil {
			return nil, err
		}
		exec.Results = seeded
	}

	if err := c.store.ClaimOrchestration(ctx, orch.ID, exec.ID); err != nil {
		if errors.Is(err, ErrConflict) && c.metrics != nil {
			c.metrics.LaunchConflictsTotal.Inc()
		}
		return nil, err
	}

	exec.Status = ExecutionRunning
	exec.StartedAt = &now
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		if relErr := c.store.ReleaseOrchestration(ctx, orch.ID, exec.ID); relErr != nil {
			c.logger.WarnContext(ctx, "failed to release orchestration after create error",
				slog.String("orchestration_id", orch.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	c.logger.InfoContext(ctx, "execution launched",
		slog.String("execution_id", exec.ID.String()),
		slog.String("orchestration_id", orch.ID.String()),
		slog.String("strategy", string(exec.Strategy)),
		slog.Int("steps", len(exec.Steps)),
		slog.Int("start_step", req.StartFromStep),
	)

	// The run outlives the launch request; detach from the caller's
	// cancellation while keeping its values (trace context).
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancels[exec.ID] = cancel
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveExecutions.Inc()
	}

	go c.run(runCtx, cancel, orch, exec, req.StartFromStep)

	return exec, nil
}

// seedResults copies the prior execution's results for steps
// [0, StartFromStep) so a resumed run does not re-run successful, possibly
// expensive, steps. When ResumeFrom is nil the orchestration's most recent
// execution is used.
func (c *Coordinator) seedResults(ctx context.Context, orch *domain.Orchestration, req *LaunchRequest) ([]AgentResult, error) {
	var prior *Execution
	if req.ResumeFrom != nil {
		p, err := c.store.GetExecution(ctx, *req.ResumeFrom)
		if err != nil {
			return nil, fmt.Errorf("loading execution to resume from: %w", err)
		}
		if p.OrchestrationID != orch.ID {
			return nil, fmt.Errorf("execution %s does not belong to orchestration %s", p.ID, orch.ID)
		}
		prior = p
	} else {
		execs, err := c.store.ListExecutionsByOrchestration(ctx, orch.ID)
		if err != nil {
			return nil, fmt.Errorf("listing prior executions: %w", err)
		}
		if len(execs) == 0 {
			return nil, fmt.Errorf("orchestration %s has no prior execution to resume from", orch.ID)
		}
		prior = &execs[0]
	}

	if len(prior.Results) < req.StartFromStep {
		return nil, fmt.Errorf("prior execution %s has only %d results, cannot resume from step %d",
			prior.ID, len(prior.Results), req.StartFromStep)
	}

	seeded := make([]AgentResult, req.StartFromStep)
	for i := 0; i < req.StartFromStep; i++ {
		r := prior.Results[i]
		if r.Status != ResultOK {
			return nil, fmt.Errorf("prior step %d failed, cannot seed from it", i)
		}
		r.Seeded = true
		seeded[i] = r
	}
	return seeded, nil
}

// run drives one execution to a terminal state. It always releases the
// orchestration claim and fires completion hooks exactly once.
func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, orch *domain.Orchestration, exec *Execution, startStep int) {
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.cancels, exec.ID)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ActiveExecutions.Dec()
		}
	}()

	finalOutput, runErr := c.runner.run(ctx, exec, startStep)

	// Finalization must proceed even when the run context was cancelled.
	finCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.UpdatedAt = now

	switch {
	case runErr == nil:
		exec.Status = ExecutionCompleted
		exec.FinalOutput = finalOutput
	case errors.Is(runErr, context.Canceled):
		exec.Status = ExecutionCancelled
	default:
		exec.Status = ExecutionFailed
		exec.Error = runErr.Error()
	}

	// Release the claim before publishing the terminal status so a caller
	// observing the terminal state can immediately relaunch.
	if err := c.store.ReleaseOrchestration(finCtx, orch.ID, exec.ID); err != nil {
		c.logger.WarnContext(finCtx, "failed to release orchestration",
			slog.String("orchestration_id", orch.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err := c.store.UpdateExecution(finCtx, exec); err != nil {
		c.logger.ErrorContext(finCtx, "failed to finalize execution",
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if c.metrics != nil {
		c.metrics.ExecutionsTotal.WithLabelValues(string(exec.Strategy), string(exec.Status)).Inc()
		if exec.StartedAt != nil {
			c.metrics.ExecutionDuration.WithLabelValues(string(exec.Strategy)).Observe(now.Sub(*exec.StartedAt).Seconds())
		}
	}

	c.logger.InfoContext(finCtx, "execution finished",
		slog.String("execution_id", exec.ID.String()),
		slog.String("orchestration_id", orch.ID.String()),
		slog.String("status", string(exec.Status)),
		slog.Int("results", len(exec.Results)),
	)

	// Hooks are observers: fired once, asynchronously, never retried by
	// the engine, and their failures cannot touch the terminal record.
	if c.hooks != nil && len(orch.Hooks) > 0 {
		go c.hooks.Notify(finCtx, orch, exec)
	}
}

// Cancel requests cooperative cancellation. The running strategy observes
// the signal at the next step boundary; in-flight provider calls are left
// to finish naturally. Cancelling an already-terminal execution is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, execID uuid.UUID) error {
	c.mu.Lock()
	cancel, ok := c.cancels[execID]
	c.mu.Unlock()

	if !ok {
		exec, err := c.store.GetExecution(ctx, execID)
		if err != nil {
			return fmt.Errorf("execution not found: %w", err)
		}
		if exec.Status == ExecutionRunning {
			return fmt.Errorf("execution %s is running on another instance and cannot be cancelled here", execID)
		}
		return nil // Already finished.
	}

	cancel()
	c.logger.InfoContext(ctx, "execution cancellation requested",
		slog.String("execution_id", execID.String()),
	)
	return nil
}

func (c *Coordinator) Get(ctx context.Context, execID uuid.UUID) (*Execution, error) {
	return c.store.GetExecution(ctx, execID)
}

func (c *Coordinator) List(ctx context.Context, orchestrationID uuid.UUID) ([]Execution, error) {
	return c.store.ListExecutionsByOrchestration(ctx, orchestrationID)
}

func (c *Coordinator) Delegations(ctx context.Context, execID uuid.UUID) ([]Delegation, error) {
	return c.store.ListDelegations(ctx, execID)
}

// SweepStaleExecutions marks executions left running by an unclean
// shutdown as failed and releases their orchestration claims. Call once at
// startup before accepting traffic.
func (c *Coordinator) SweepStaleExecutions(ctx context.Context) error {
	stale, err := c.store.ListRunningExecutions(ctx)
	if err != nil {
		return fmt.Errorf("listing running executions: %w", err)
	}

	for i := range stale {
		exec := &stale[i]
		c.mu.Lock()
		_, active := c.cancels[exec.ID]
		c.mu.Unlock()
		if active {
			continue
		}

		now := time.Now().UTC()
		exec.Status = ExecutionFailed
		exec.Error = "execution interrupted by restart"
		exec.CompletedAt = &now
		exec.UpdatedAt = now
		if err := c.store.UpdateExecution(ctx, exec); err != nil {
			c.logger.WarnContext(ctx, "failed to sweep stale execution",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := c.store.ReleaseOrchestration(ctx, exec.OrchestrationID, exec.ID); err != nil {
			c.logger.WarnContext(ctx, "failed to release orchestration during sweep",
				slog.String("orchestration_id", exec.OrchestrationID.String()),
				slog.String("error", err.Error()),
			)
		}
		if c.metrics != nil {
			c.metrics.StaleExecutionsSwept.Inc()
		}
		c.logger.WarnContext(ctx, "stale execution marked failed",
			slog.String("execution_id", exec.ID.String()),
		)
	}
	return nil
}

// Compile-time check.
var _ ExecutionEngine = (*Coordinator)(nil)
