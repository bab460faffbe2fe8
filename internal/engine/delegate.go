package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
)

// DelegationContext carries the call-site state of a delegation attempt.
// Depth is passed by value down the recursion, so the depth check is
// structural and no cycle detection is needed.
type DelegationContext struct {
	Execution   *Execution
	FromAgentID uuid.UUID
	Depth       int // Depth of the calling invocation; the new call runs at Depth+1.
}

// Dispatcher handles agent-to-agent delegation. Every attempt, rejected or
// not, is recorded as a Delegation row so history is reconstructable from
// the store alone.
type Dispatcher struct {
	store   Store
	invoker *Invoker
	metrics *Metrics
	logger  *slog.Logger
	config  Config
}

// NewDispatcher creates the delegation dispatcher. Call
// invoker.SetDispatcher with the result to close the recursive edge.
func NewDispatcher(store Store, invoker *Invoker, metrics *Metrics, logger *slog.Logger, config Config) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		store:   store,
		invoker: invoker,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// Dispatch runs the target agent on the given message at depth
// dctx.Depth+1. Rejections (depth limit, invalid target, quota) come back
// as *DelegationError; the caller surfaces their text to the model.
func (d *Dispatcher) Dispatch(ctx context.Context, dctx *DelegationContext, toAgentID uuid.UUID, message string) (string, error) {
	depth := dctx.Depth + 1
	maxDepth := d.config.maxDepth()

	if depth > maxDepth {
		derr := &DelegationError{
			Code:    DelegationDepthExceeded,
			Message: fmt.Sprintf("delegation depth limit of %d reached; complete the task yourself and explain the limit if needed", maxDepth),
		}
		d.record(ctx, dctx, toAgentID, depth, message, derr.Message, DelegationFailed)
		return "", derr
	}

	target, err := d.store.GetAgent(ctx, dctx.Execution.OrgID, toAgentID)
	if err != nil {
		var derr *DelegationError
		if errors.Is(err, ErrNotFound) {
			derr = &DelegationError{
				Code:    DelegationInvalidTarget,
				Message: fmt.Sprintf("agent %s does not exist in this organization", toAgentID),
			}
		} else {
			derr = &DelegationError{
				Code:    DelegationInvalidTarget,
				Message: fmt.Sprintf("agent %s could not be loaded: %s", toAgentID, err),
			}
		}
		d.record(ctx, dctx, toAgentID, depth, message, derr.Message, DelegationFailed)
		return "", derr
	}
	if target.Status != domain.AgentActive {
		derr := &DelegationError{
			Code:    DelegationInvalidTarget,
			Message: fmt.Sprintf("agent %s (%s) is inactive and cannot accept delegations", target.Name, toAgentID),
		}
		d.record(ctx, dctx, toAgentID, depth, message, derr.Message, DelegationFailed)
		return "", derr
	}

	response, err := d.invoker.Invoke(ctx, &AgentCall{
		Execution: dctx.Execution,
		Agent:     target,
		Prompt:    message,
		Depth:     depth,
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			derr := &DelegationError{
				Code:    DelegationQuotaExceeded,
				Message: "the organization's message quota is exhausted; the delegation was not run",
			}
			d.record(ctx, dctx, toAgentID, depth, message, derr.Message, DelegationFailed)
			return "", derr
		}
		d.record(ctx, dctx, toAgentID, depth, message, err.Error(), DelegationFailed)
		return "", fmt.Errorf("delegated agent failed: %w", err)
	}

	d.record(ctx, dctx, toAgentID, depth, message, response, DelegationCompleted)
	d.logger.InfoContext(ctx, "delegation completed",
		slog.String("execution_id", dctx.Execution.ID.String()),
		slog.String("from_agent", dctx.FromAgentID.String()),
		slog.String("to_agent", toAgentID.String()),
		slog.Int("depth", depth),
	)
	return response, nil
}

// record persists one Delegation row. A failed write is logged but does not
// fail the delegation itself.
func (d *Dispatcher) record(ctx context.Context, dctx *DelegationContext, toAgentID uuid.UUID, depth int, message, response string, status DelegationStatus) {
	del := &Delegation{
		ID:          domain.NewID(),
		ExecutionID: dctx.Execution.ID,
		OrgID:       dctx.Execution.OrgID,
		FromAgentID: dctx.FromAgentID,
		ToAgentID:   toAgentID,
		Depth:       depth,
		Message:     message,
		Response:    response,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.store.CreateDelegation(ctx, del); err != nil {
		d.logger.WarnContext(ctx, "failed to record delegation",
			slog.String("execution_id", dctx.Execution.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if d.metrics != nil {
		d.metrics.DelegationsTotal.WithLabelValues(string(status), strconv.Itoa(depth)).Inc()
	}
}
