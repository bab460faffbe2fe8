// Package tools holds the registry of external tools offered to agent
// invocations alongside the built-in delegation capability. Tools come from
// MCP servers (see the mcp subpackage) or in-process implementations.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentpipe/agentpipe/internal/engine"
	"github.com/agentpipe/agentpipe/internal/llm"
)

// MaxOutputBytes caps a single tool result fed back to the model.
const MaxOutputBytes = 64 * 1024

// Tool is a single executable capability.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Registry is a name-keyed tool collection. It implements engine.ToolRunner.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string // Registration order, for stable Definitions.
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Definitions returns the tool descriptors in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Run executes the named tool. Output is truncated to MaxOutputBytes before
// it goes back to the model.
func (r *Registry) Run(ctx context.Context, name string, input map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	r.logger.InfoContext(ctx, "tool executing", slog.String("tool", name))
	out, err := t.Execute(ctx, input)
	if err != nil {
		return "", err
	}
	return TruncateOutput(out, MaxOutputBytes), nil
}

// TruncateOutput cuts s to at most limit bytes, marking the cut.
func TruncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}

// Compile-time check.
var _ engine.ToolRunner = (*Registry)(nil)
