package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/llm"
)

// fakeTools is a scriptable ToolRunner.
type fakeTools struct {
	defs    []llm.ToolDefinition
	mu      sync.Mutex
	invoked []string
	run     func(name string, input map[string]any) (string, error)
}

func (f *fakeTools) Definitions() []llm.ToolDefinition { return f.defs }

func (f *fakeTools) Run(_ context.Context, name string, input map[string]any) (string, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, name)
	f.mu.Unlock()
	return f.run(name, input)
}

func TestInvokerExternalToolLoop(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	tools := &fakeTools{
		defs: []llm.ToolDefinition{{
			Name:        "lookup",
			Description: "looks things up",
			InputSchema: map[string]any{"type": "object"},
		}},
		run: func(name string, input map[string]any) (string, error) {
			q, _ := input["q"].(string)
			return "result for " + q, nil
		},
	}

	var mu sync.Mutex
	calls := 0
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n == 1 {
			// The tool list must contain both the delegate tool and
			// the external tool.
			names := make(map[string]bool)
			for _, td := range req.Tools {
				names[td.Name] = true
			}
			if !names[delegateToolName] || !names["lookup"] {
				return nil, fmt.Errorf("tools = %v, want delegate + lookup", req.Tools)
			}
			return &llm.Response{
				StopReason: "tool_use",
				Blocks: []llm.ContentBlock{
					llm.ToolUseBlock("tu_1", "lookup", map[string]any{"q": "population of mars"}),
				},
			}, nil
		}

		last := req.Messages[len(req.Messages)-1]
		for _, b := range last.Blocks {
			if b.Type == "tool_result" && strings.Contains(b.Text, "result for population of mars") {
				return textResponse("answered with tool help"), nil
			}
		}
		return nil, fmt.Errorf("tool result never came back: %+v", last)
	})

	quota := unlimitedQuota{}
	invoker := NewInvoker(provider, quota, tools, nil, testLogger(), Config{})
	exec := &Execution{ID: domain.NewID(), OrgID: f.org}

	out, err := invoker.Invoke(context.Background(), &AgentCall{
		Execution: exec,
		Agent:     f.agents["a"],
		Prompt:    "how many people live on mars?",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "answered with tool help" {
		t.Errorf("output = %q", out)
	}
	if len(tools.invoked) != 1 || tools.invoked[0] != "lookup" {
		t.Errorf("invoked = %v, want one lookup call", tools.invoked)
	}
}

func TestInvokerToolIterationLimit(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	tools := &fakeTools{
		defs: []llm.ToolDefinition{{Name: "noop", InputSchema: map[string]any{"type": "object"}}},
		run:  func(string, map[string]any) (string, error) { return "ok", nil },
	}

	// The model loops on tool use forever; the invoker must cut it off.
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return &llm.Response{
			StopReason: "tool_use",
			Blocks:     []llm.ContentBlock{llm.ToolUseBlock("tu_x", "noop", nil)},
		}, nil
	})

	invoker := NewInvoker(provider, unlimitedQuota{}, tools, nil, testLogger(), Config{MaxToolIterations: 3})
	exec := &Execution{ID: domain.NewID(), OrgID: f.org}

	_, err := invoker.Invoke(context.Background(), &AgentCall{
		Execution: exec,
		Agent:     f.agents["a"],
		Prompt:    "loop forever",
	})
	if err == nil {
		t.Fatal("expected an error once the iteration limit was hit")
	}
	if got := provider.callCount(systemFor("a")); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
}

func TestInvokerRejectsAgentWithoutInstructions(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	blank := *f.agents["a"]
	blank.Instructions = ""

	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return textResponse("should not happen"), nil
	})
	invoker := NewInvoker(provider, unlimitedQuota{}, nil, nil, testLogger(), Config{})

	_, err := invoker.Invoke(context.Background(), &AgentCall{
		Execution: &Execution{ID: domain.NewID(), OrgID: f.org},
		Agent:     &blank,
		Prompt:    "hi",
	})
	if err == nil || !strings.Contains(err.Error(), "instructions") {
		t.Fatalf("err = %v, want missing-instructions rejection", err)
	}
}

func TestInvokerPromptOverride(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		return textResponse("system was: " + req.SystemPrompt), nil
	})
	invoker := NewInvoker(provider, unlimitedQuota{}, nil, nil, testLogger(), Config{})

	out, err := invoker.Invoke(context.Background(), &AgentCall{
		Execution:      &Execution{ID: domain.NewID(), OrgID: f.org},
		Agent:          f.agents["a"],
		Prompt:         "hi",
		SystemOverride: "You are someone else entirely.",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "system was: You are someone else entirely." {
		t.Errorf("override not applied: %q", out)
	}
}

func TestRenderVariables(t *testing.T) {
	vars := map[string]string{"region": "EMEA", "quarter": "Q1"}

	got := renderVariables("Summarize {{quarter}} sales for {{region}}", vars)
	if got != "Summarize Q1 sales for EMEA" {
		t.Errorf("got %q", got)
	}

	// Unknown placeholders stay intact; nil maps are a no-op.
	if got := renderVariables("keep {{unknown}}", vars); got != "keep {{unknown}}" {
		t.Errorf("got %q", got)
	}
	if got := renderVariables("plain text", nil); got != "plain text" {
		t.Errorf("got %q", got)
	}
}
