package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/llm"
)

const delegateToolName = "delegate_to_agent"

// delegateToolDefinition is offered on every invocation; the model decides
// autonomously whether to use it. Depth enforcement happens at dispatch
// time, not here, so a rejection reaches the model as an explanatory tool
// result instead of a missing tool.
func delegateToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        delegateToolName,
		Description: "Delegates a task to a specialist agent in the same organization and returns that agent's answer. Use when the task needs expertise outside your role.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to_agent_id": map[string]any{
					"type":        "string",
					"description": "ID of the specialist agent to delegate to.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "The task or question to hand to the specialist.",
				},
			},
			"required": []string{"to_agent_id", "message"},
		},
	}
}

// Invoker runs a single agent turn: one conversation with the configured
// LLM provider, including any tool-use round trips the model requests.
// Retries are owned by callers so sequential and parallel failure semantics
// can differ.
type Invoker struct {
	provider   llm.Provider
	quota      QuotaManager
	tools      ToolRunner // optional external tools, may be nil
	dispatcher *Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
	config     Config
}

// NewInvoker creates an agent invoker. The delegation dispatcher is wired
// separately via SetDispatcher because dispatcher and invoker reference
// each other (delegation runs the target agent through this invoker).
func NewInvoker(provider llm.Provider, quota QuotaManager, tools ToolRunner, metrics *Metrics, logger *slog.Logger, config Config) *Invoker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Invoker{
		provider: provider,
		quota:    quota,
		tools:    tools,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

// SetDispatcher wires the delegation dispatcher. Without one, delegation
// attempts are answered with an explanatory error result.
func (inv *Invoker) SetDispatcher(d *Dispatcher) { inv.dispatcher = d }

// AgentCall describes one agent invocation within an execution.
type AgentCall struct {
	Execution *Execution
	Agent     *domain.Agent
	Prompt    string
	// SystemOverride replaces the agent's instructions when non-empty
	// (per-step prompt overrides).
	SystemOverride string
	// Depth is the delegation depth of this call: 0 for a step's own
	// invocation, 1..maxDepth for delegated calls.
	Depth int
}

// Invoke runs one agent turn and returns the model's final text. Each call,
// delegated or not, consumes one unit of the org's message quota. The
// provider call carries a bounded timeout; the tool loop is capped to
// prevent runaway round trips.
func (inv *Invoker) Invoke(ctx context.Context, call *AgentCall) (string, error) {
	if err := inv.quota.Consume(ctx, call.Execution.OrgID, 1); err != nil {
		return "", err
	}

	system := call.Agent.Instructions
	if call.SystemOverride != "" {
		system = call.SystemOverride
	}
	if system == "" {
		return "", fmt.Errorf("agent %s has no instructions", call.Agent.ID)
	}

	req := &llm.Request{
		Model:        call.Agent.Model,
		SystemPrompt: renderVariables(system, call.Execution.Variables),
		Temperature:  call.Agent.Temperature,
		MaxTokens:    inv.config.maxTokens(),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: renderVariables(call.Prompt, call.Execution.Variables)},
		},
		Tools: []llm.ToolDefinition{delegateToolDefinition()},
	}
	if inv.tools != nil {
		req.Tools = append(req.Tools, inv.tools.Definitions()...)
	}

	var lastText string
	for i := 0; i < inv.config.maxToolIterations(); i++ {
		resp, err := inv.complete(ctx, req)
		if err != nil {
			return "", err
		}
		if resp.Content != "" {
			lastText = resp.Content
		}

		if !resp.HasToolUse() {
			return resp.Content, nil
		}

		// Execute every requested tool and feed the results back.
		req.Messages = append(req.Messages, llm.Message{
			Role:   llm.RoleAssistant,
			Blocks: resp.Blocks,
		})
		var results []llm.ContentBlock
		for _, tu := range resp.ToolUseBlocks() {
			text, isErr := inv.runTool(ctx, call, tu)
			results = append(results, llm.ToolResultBlock(tu.ID, text, isErr))
		}
		req.Messages = append(req.Messages, llm.Message{
			Role:   llm.RoleUser,
			Blocks: results,
		})
	}

	if lastText != "" {
		inv.logger.WarnContext(ctx, "tool iteration limit reached, returning last text",
			slog.String("agent_id", call.Agent.ID.String()),
			slog.Int("limit", inv.config.maxToolIterations()),
		)
		return lastText, nil
	}
	return "", fmt.Errorf("agent %s exceeded %d tool iterations without producing text", call.Agent.ID, inv.config.maxToolIterations())
}

// complete issues one provider call under the configured timeout.
func (inv *Invoker) complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, inv.config.invokeTimeout())
	defer cancel()

	start := time.Now()
	resp, err := inv.provider.Complete(callCtx, req)
	if err != nil {
		inv.logger.WarnContext(ctx, "provider call failed",
			slog.String("provider", inv.provider.Name()),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return nil, err
	}

	if inv.metrics != nil {
		inv.metrics.ProviderTokensTotal.WithLabelValues(inv.provider.Name(), "input").Add(float64(resp.Usage.InputTokens))
		inv.metrics.ProviderTokensTotal.WithLabelValues(inv.provider.Name(), "output").Add(float64(resp.Usage.OutputTokens))
	}
	return resp, nil
}

// runTool executes one tool_use block and returns the result text plus an
// error flag. Delegation failures are textual results, never step errors,
// so the calling model can explain the limit instead of hallucinating.
func (inv *Invoker) runTool(ctx context.Context, call *AgentCall, tu llm.ContentBlock) (string, bool) {
	if tu.Name == delegateToolName {
		return inv.runDelegation(ctx, call, tu.Input)
	}

	if inv.tools != nil {
		out, err := inv.tools.Run(ctx, tu.Name, tu.Input)
		if err != nil {
			return fmt.Sprintf("tool %s failed: %s", tu.Name, err), true
		}
		return out, false
	}
	return fmt.Sprintf("unknown tool: %s", tu.Name), true
}

func (inv *Invoker) runDelegation(ctx context.Context, call *AgentCall, input map[string]any) (string, bool) {
	if inv.dispatcher == nil {
		return "delegation is not available in this deployment", true
	}

	rawID, _ := input["to_agent_id"].(string)
	message, _ := input["message"].(string)
	toAgentID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Sprintf("invalid to_agent_id %q: must be an agent ID", rawID), true
	}
	if strings.TrimSpace(message) == "" {
		return "delegation message must not be empty", true
	}

	resp, err := inv.dispatcher.Dispatch(ctx, &DelegationContext{
		Execution:   call.Execution,
		FromAgentID: call.Agent.ID,
		Depth:       call.Depth,
	}, toAgentID, message)
	if err != nil {
		return err.Error(), true
	}
	return resp, false
}

// renderVariables substitutes {{name}} placeholders from the execution's
// variables. Unknown placeholders are left intact.
func renderVariables(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}
