// Package hooks delivers completion notifications once an execution reaches
// a terminal state. Hooks are observers: each one is attempted independently
// and best-effort, failures are logged for operator visibility, and nothing
// here can touch the execution's terminal record. Hooks never re-fire.
package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

// sendTimeout bounds one delivery attempt.
const sendTimeout = 15 * time.Second

// Payload is the completion notification body, shared by every hook kind.
type Payload struct {
	ExecutionID     uuid.UUID  `json:"executionId"`
	OrchestrationID uuid.UUID  `json:"orchestrationId"`
	Status          string     `json:"status"`
	FinalOutput     string     `json:"finalOutput"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
}

// Sender is one hook channel backend (webhook, email, chat).
type Sender interface {
	// Kind returns the hook kind this backend serves.
	Kind() domain.HookKind
	// Send delivers the payload to the hook's target.
	Send(ctx context.Context, hook domain.CompletionHook, payload *Payload) error
}

// Dispatcher routes completion hooks to the registered Sender per kind.
// It implements engine.HookNotifier.
type Dispatcher struct {
	senders map[domain.HookKind]Sender
	metrics *engine.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates an empty dispatcher. metrics may be nil.
func NewDispatcher(metrics *engine.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		senders: make(map[domain.HookKind]Sender),
		metrics: metrics,
		logger:  logger,
	}
}

// Register adds a channel backend. Not thread-safe, call at startup only.
func (d *Dispatcher) Register(s Sender) {
	d.senders[s.Kind()] = s
}

// Notify fires every enabled hook for the finished execution. One hook's
// failure does not block or retry the others.
func (d *Dispatcher) Notify(ctx context.Context, orch *domain.Orchestration, exec *engine.Execution) {
	payload := &Payload{
		ExecutionID:     exec.ID,
		OrchestrationID: orch.ID,
		Status:          string(exec.Status),
		FinalOutput:     exec.FinalOutput,
		Error:           exec.Error,
		StartedAt:       exec.StartedAt,
		CompletedAt:     exec.CompletedAt,
	}

	for _, hook := range orch.Hooks {
		if !hook.Enabled {
			continue
		}
		sender, ok := d.senders[hook.Kind]
		if !ok {
			d.logger.WarnContext(ctx, "no sender registered for hook kind",
				slog.String("kind", string(hook.Kind)),
				slog.String("execution_id", exec.ID.String()),
			)
			d.observe(hook.Kind, "unregistered")
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.Send(sendCtx, hook, payload)
		cancel()

		if err != nil {
			d.logger.WarnContext(ctx, "completion hook failed",
				slog.String("kind", string(hook.Kind)),
				slog.String("target", hook.Target),
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", err.Error()),
			)
			d.observe(hook.Kind, "failure")
			continue
		}

		d.logger.InfoContext(ctx, "completion hook delivered",
			slog.String("kind", string(hook.Kind)),
			slog.String("execution_id", exec.ID.String()),
		)
		d.observe(hook.Kind, "success")
	}
}

func (d *Dispatcher) observe(kind domain.HookKind, outcome string) {
	if d.metrics != nil {
		d.metrics.HookDispatchesTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

// Compile-time check.
var _ engine.HookNotifier = (*Dispatcher)(nil)
