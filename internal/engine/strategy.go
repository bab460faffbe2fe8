package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentpipe/agentpipe/internal/domain"
)

// resultSink persists step results in step-index order. Parallel fan-out
// completes out of order, so results are buffered per index and the
// contiguous prefix is flushed as it becomes available. This keeps the
// stored trace both live (results appear while the run progresses) and
// deterministic (order equals step definition order, never completion
// order).
type resultSink struct {
	store  Store
	exec   *Execution
	logger *slog.Logger

	mu      sync.Mutex
	next    int
	pending map[int]*AgentResult
}

func newResultSink(store Store, exec *Execution, logger *slog.Logger) *resultSink {
	return &resultSink{
		store:   store,
		exec:    exec,
		logger:  logger,
		next:    len(exec.Results), // Seeded results are already persisted.
		pending: make(map[int]*AgentResult),
	}
}

// put buffers the result and flushes every contiguous entry from the
// current watermark. Safe for concurrent use.
func (s *resultSink) put(ctx context.Context, res *AgentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[res.StepIndex] = res
	for {
		r, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.exec.Results = append(s.exec.Results, *r)
		if err := s.store.AppendResult(ctx, s.exec.ID, r); err != nil {
			s.logger.WarnContext(ctx, "failed to persist step result",
				slog.String("execution_id", s.exec.ID.String()),
				slog.Int("step_index", r.StepIndex),
				slog.String("error", err.Error()),
			)
		}
		s.next++
	}
}

// runner executes an orchestration's steps under one of the three
// strategies. It is stateless between runs; one runner is shared by the
// coordinator across executions.
type runner struct {
	store   Store
	invoker *Invoker
	metrics *Metrics
	logger  *slog.Logger
}

// executeStep runs one agent step to completion and returns its result.
// Agent resolution failures and provider errors both land in the result's
// Status/Error; the strategy decides whether that fails the run.
func (r *runner) executeStep(ctx context.Context, exec *Execution, idx int, input string) *AgentResult {
	step := exec.Steps[idx]
	res := &AgentResult{
		StepIndex: idx,
		AgentID:   step.AgentID,
		Role:      step.Role,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}

	agent, err := r.store.GetAgent(ctx, exec.OrgID, step.AgentID)
	if err != nil {
		res.Status = ResultError
		res.Error = fmt.Sprintf("resolving agent %s: %s", step.AgentID, err)
		res.CompletedAt = time.Now().UTC()
		r.observeStep(res)
		return res
	}

	output, err := r.invoker.Invoke(ctx, &AgentCall{
		Execution:      exec,
		Agent:          agent,
		Prompt:         input,
		SystemOverride: step.PromptOverride,
	})
	res.CompletedAt = time.Now().UTC()
	if err != nil {
		res.Status = ResultError
		res.Error = err.Error()
	} else {
		res.Status = ResultOK
		res.Output = output
	}
	r.observeStep(res)

	r.logger.InfoContext(ctx, "step finished",
		slog.String("execution_id", exec.ID.String()),
		slog.Int("step_index", idx),
		slog.String("role", step.Role),
		slog.String("status", string(res.Status)),
		slog.Duration("elapsed", res.CompletedAt.Sub(res.StartedAt)),
	)
	return res
}

func (r *runner) observeStep(res *AgentResult) {
	if r.metrics == nil {
		return
	}
	r.metrics.StepsTotal.WithLabelValues(res.Role, string(res.Status)).Inc()
	r.metrics.StepDuration.WithLabelValues(res.Role).Observe(res.CompletedAt.Sub(res.StartedAt).Seconds())
}

// run dispatches to the strategy executor. startStep is the first
// non-seeded step index; finalOutput covers the whole run, seeded results
// included where the strategy chains them.
func (r *runner) run(ctx context.Context, exec *Execution, startStep int) (string, error) {
	sink := newResultSink(r.store, exec, r.logger)
	switch exec.Strategy {
	case domain.StrategyParallel:
		return r.runParallel(ctx, exec, sink, startStep)
	case domain.StrategyConsensus:
		return r.runConsensus(ctx, exec, sink, startStep)
	default:
		return r.runSequential(ctx, exec, sink, startStep)
	}
}
