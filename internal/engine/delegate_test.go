package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/llm"
)

// chainProvider makes each agent delegate to the next on its first call and
// answer with text on the second (after the tool result comes back).
func chainProvider(f *fixture, next map[string]string, answers map[string]string) *fakeProvider {
	var mu sync.Mutex
	seen := make(map[string]int)
	return newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		mu.Lock()
		seen[req.SystemPrompt]++
		n := seen[req.SystemPrompt]
		mu.Unlock()

		if n == 1 {
			if to, ok := next[req.SystemPrompt]; ok {
				return delegateResponse(f.agents[to].ID, "please handle: "+req.Messages[0].Text()), nil
			}
		}
		return textResponse(answers[req.SystemPrompt]), nil
	})
}

func TestDelegationChainWithinDepthLimit(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	for _, role := range []string{"b", "c"} {
		a := &domain.Agent{
			ID:           uuid.New(),
			OrgID:        f.org,
			Name:         role,
			Role:         role,
			Instructions: systemFor(role),
			Model:        "test-model",
			Status:       domain.AgentActive,
		}
		f.store.PutAgent(a)
		f.agents[role] = a
	}

	provider := chainProvider(f,
		map[string]string{systemFor("a"): "b", systemFor("b"): "c"},
		map[string]string{systemFor("a"): "A final", systemFor("b"): "B answer", systemFor("c"): "C answer"},
	)
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "go"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}

	dels, err := coord.Delegations(ctx, exec.ID)
	if err != nil {
		t.Fatalf("list delegations: %v", err)
	}
	if len(dels) != 2 {
		t.Fatalf("delegations = %d, want 2 (a->b, b->c)", len(dels))
	}
	// Rows are created innermost first: b->c completes before a->b.
	byDepth := make(map[int]Delegation)
	for _, d := range dels {
		byDepth[d.Depth] = d
	}
	if d := byDepth[1]; d.FromAgentID != f.agents["a"].ID || d.ToAgentID != f.agents["b"].ID || d.Status != DelegationCompleted {
		t.Errorf("depth 1 delegation = %+v, want completed a->b", d)
	}
	if d := byDepth[2]; d.FromAgentID != f.agents["b"].ID || d.ToAgentID != f.agents["c"].ID || d.Response != "C answer" {
		t.Errorf("depth 2 delegation = %+v, want b->c with C's answer", d)
	}
}

func TestDelegationDepthLimitRejected(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	for _, role := range []string{"b", "c", "d"} {
		agent := &domain.Agent{
			ID:           uuid.New(),
			OrgID:        f.org,
			Name:         role,
			Role:         role,
			Instructions: systemFor(role),
			Model:        "test-model",
			Status:       domain.AgentActive,
		}
		f.store.PutAgent(agent)
		f.agents[role] = agent
	}

	// a -> b -> c -> d, then d tries to delegate back to a at depth 4.
	provider := chainProvider(f,
		map[string]string{
			systemFor("a"): "b",
			systemFor("b"): "c",
			systemFor("c"): "d",
			systemFor("d"): "a",
		},
		map[string]string{
			systemFor("a"): "A final",
			systemFor("b"): "B answer",
			systemFor("c"): "C answer",
			systemFor("d"): "D answer after rejection",
		},
	)
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "go"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	final := waitTerminal(t, f.store, exec.ID)

	// The rejection is surfaced to d as a tool result, not a crash: d
	// answers normally and the run completes.
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}

	dels, err := coord.Delegations(ctx, exec.ID)
	if err != nil {
		t.Fatalf("list delegations: %v", err)
	}
	if len(dels) != 4 {
		t.Fatalf("delegations = %d, want 4 (three completed, one rejected)", len(dels))
	}

	var rejected *Delegation
	for i := range dels {
		if dels[i].Status == DelegationFailed {
			if rejected != nil {
				t.Fatal("expected exactly one failed delegation")
			}
			rejected = &dels[i]
		}
	}
	if rejected == nil {
		t.Fatal("depth-4 attempt must be recorded as a failed delegation")
	}
	if rejected.Depth != 4 {
		t.Errorf("rejected depth = %d, want 4", rejected.Depth)
	}
	if rejected.FromAgentID != f.agents["d"].ID || rejected.ToAgentID != f.agents["a"].ID {
		t.Errorf("rejected delegation = %+v, want d->a", rejected)
	}
	if !strings.Contains(rejected.Response, "depth limit") {
		t.Errorf("rejection response %q must explain the limit", rejected.Response)
	}
}

func TestDelegationInvalidTarget(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	ghost := uuid.New()

	var mu sync.Mutex
	calls := 0
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return delegateResponse(ghost, "anyone there?"), nil
		}
		// The model sees the failure and answers itself.
		last := req.Messages[len(req.Messages)-1]
		for _, b := range last.Blocks {
			if b.Type == "tool_result" && !b.IsError {
				return textResponse("unexpected success"), nil
			}
		}
		return textResponse("handled it myself"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "go"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if final.FinalOutput != "handled it myself" {
		t.Errorf("finalOutput = %q, want the model's recovery answer", final.FinalOutput)
	}

	dels, _ := coord.Delegations(ctx, exec.ID)
	if len(dels) != 1 || dels[0].Status != DelegationFailed {
		t.Fatalf("delegations = %+v, want one failed row", dels)
	}
	if !strings.Contains(dels[0].Response, "does not exist") {
		t.Errorf("response %q must explain the invalid target", dels[0].Response)
	}
}

func TestDelegationInactiveTargetRejected(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	inactive := &domain.Agent{
		ID:           uuid.New(),
		OrgID:        f.org,
		Name:         "retired",
		Role:         "retired",
		Instructions: systemFor("retired"),
		Model:        "test-model",
		Status:       domain.AgentInactive,
	}
	f.store.PutAgent(inactive)

	var mu sync.Mutex
	calls := 0
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return delegateResponse(inactive.ID, "wake up"), nil
		}
		return textResponse("done without help"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "go"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitTerminal(t, f.store, exec.ID)

	dels, _ := coord.Delegations(ctx, exec.ID)
	if len(dels) != 1 || dels[0].Status != DelegationFailed {
		t.Fatalf("delegations = %+v, want one failed row", dels)
	}
	if !strings.Contains(dels[0].Response, "inactive") {
		t.Errorf("response %q must mention the inactive target", dels[0].Response)
	}
	if provider.callCount(systemFor("retired")) != 0 {
		t.Error("inactive agent must never be invoked")
	}
}

func TestDelegationCrossTenantRejected(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	foreign := &domain.Agent{
		ID:           uuid.New(),
		OrgID:        uuid.New(), // different org
		Name:         "outsider",
		Role:         "outsider",
		Instructions: systemFor("outsider"),
		Model:        "test-model",
		Status:       domain.AgentActive,
	}
	f.store.PutAgent(foreign)

	var mu sync.Mutex
	calls := 0
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return delegateResponse(foreign.ID, "help from outside"), nil
		}
		return textResponse("stayed in tenant"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "go"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitTerminal(t, f.store, exec.ID)

	dels, _ := coord.Delegations(ctx, exec.ID)
	if len(dels) != 1 || dels[0].Status != DelegationFailed {
		t.Fatalf("delegations = %+v, want one failed row", dels)
	}
	if provider.callCount(systemFor("outsider")) != 0 {
		t.Error("cross-tenant agent must never be invoked")
	}
}

func TestDelegationQuotaExhausted(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	helper := &domain.Agent{
		ID:           uuid.New(),
		OrgID:        f.org,
		Name:         "helper",
		Role:         "helper",
		Instructions: systemFor("helper"),
		Model:        "test-model",
		Status:       domain.AgentActive,
	}
	f.store.PutAgent(helper)

	var mu sync.Mutex
	calls := 0
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return delegateResponse(helper.ID, "take over"), nil
		}
		return textResponse("managed alone"), nil
	})
	// One unit: the step's own invocation consumes it, the delegation
	// cannot.
	coord := f.coordinator(provider, &cappedQuota{limit: 1}, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "go"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}

	dels, _ := coord.Delegations(ctx, exec.ID)
	if len(dels) != 1 || dels[0].Status != DelegationFailed {
		t.Fatalf("delegations = %+v, want one failed row", dels)
	}
	if !strings.Contains(dels[0].Response, "quota") {
		t.Errorf("response %q must mention the exhausted quota", dels[0].Response)
	}
	if provider.callCount(systemFor("helper")) != 0 {
		t.Error("delegated agent must not run without quota")
	}
}
