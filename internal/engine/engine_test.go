package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/llm"
)

// --- Test doubles ---

// fakeProvider routes every completion through a scriptable handler.
type fakeProvider struct {
	mu      sync.Mutex
	handler func(ctx context.Context, req *llm.Request) (*llm.Response, error)
	calls   map[string]int // Keyed by system prompt.
}

func newFakeProvider(handler func(ctx context.Context, req *llm.Request) (*llm.Response, error)) *fakeProvider {
	return &fakeProvider{handler: handler, calls: make(map[string]int)}
}

func (f *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls[req.SystemPrompt]++
	f.mu.Unlock()
	return f.handler(ctx, req)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) callCount(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[system]
}

func textResponse(s string) *llm.Response {
	return &llm.Response{
		Content:    s,
		Blocks:     []llm.ContentBlock{llm.TextBlock(s)},
		StopReason: "end_turn",
	}
}

func delegateResponse(toAgentID uuid.UUID, message string) *llm.Response {
	return &llm.Response{
		StopReason: "tool_use",
		Blocks: []llm.ContentBlock{
			llm.ToolUseBlock("tu_1", delegateToolName, map[string]any{
				"to_agent_id": toAgentID.String(),
				"message":     message,
			}),
		},
	}
}

// unlimitedQuota never rejects.
type unlimitedQuota struct{}

func (unlimitedQuota) Consume(context.Context, uuid.UUID, int) error { return nil }

// cappedQuota rejects after limit units.
type cappedQuota struct {
	mu    sync.Mutex
	limit int
	used  int
}

func (q *cappedQuota) Consume(_ context.Context, _ uuid.UUID, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used+n > q.limit {
		return ErrQuotaExceeded
	}
	q.used += n
	return nil
}

// recordingNotifier captures hook invocations.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []ExecutionStatus
	fired chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{fired: make(chan struct{}, 8)}
}

func (n *recordingNotifier) Notify(_ context.Context, _ *domain.Orchestration, exec *Execution) {
	n.mu.Lock()
	n.calls = append(n.calls, exec.Status)
	n.mu.Unlock()
	n.fired <- struct{}{}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func systemFor(role string) string { return "You are the " + role + "." }

// fixture builds an org with one agent per role and one orchestration.
type fixture struct {
	store *InMemoryStore
	org   uuid.UUID
	orch  *domain.Orchestration
	// agents keyed by role.
	agents map[string]*domain.Agent
}

func newFixture(strategy domain.Strategy, roles ...string) *fixture {
	f := &fixture{
		store:  NewInMemoryStore(),
		org:    uuid.New(),
		agents: make(map[string]*domain.Agent),
	}

	now := time.Now().UTC()
	var steps []domain.AgentStep
	for _, role := range roles {
		a := &domain.Agent{
			ID:           uuid.New(),
			OrgID:        f.org,
			Name:         role,
			Role:         role,
			Instructions: systemFor(role),
			Model:        "test-model",
			Status:       domain.AgentActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		f.store.PutAgent(a)
		f.agents[role] = a
		steps = append(steps, domain.AgentStep{AgentID: a.ID, Role: role})
	}

	f.orch = &domain.Orchestration{
		ID:        uuid.New(),
		OrgID:     f.org,
		Name:      "test pipeline",
		Strategy:  strategy,
		Status:    domain.OrchestrationActive,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.store.PutOrchestration(f.orch)
	return f
}

func (f *fixture) coordinator(provider llm.Provider, quota QuotaManager, hooks HookNotifier) *Coordinator {
	if quota == nil {
		quota = unlimitedQuota{}
	}
	return NewCoordinator(f.store, provider, quota, nil, hooks, nil, testLogger(), Config{
		InvokeTimeout: 5 * time.Second,
	})
}

func waitTerminal(t *testing.T, store Store, id uuid.UUID) *Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := store.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("getting execution: %v", err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state", id)
	return nil
}

// --- Sequential ---

func TestSequentialPipeline(t *testing.T) {
	f := newFixture(domain.StrategySequential, "researcher", "writer", "reviewer")
	outputs := map[string]string{
		systemFor("researcher"): "research notes",
		systemFor("writer"):     "draft article",
		systemFor("reviewer"):   "final review",
	}
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		return textResponse(outputs[req.SystemPrompt]), nil
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "Summarize Q1 sales",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if len(final.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(final.Results))
	}
	if final.FinalOutput != "final review" {
		t.Errorf("finalOutput = %q, want reviewer output", final.FinalOutput)
	}
	if final.Results[0].Input != "Summarize Q1 sales" {
		t.Errorf("step 0 input = %q, want original input", final.Results[0].Input)
	}
	if final.Results[1].Input != "research notes" {
		t.Errorf("step 1 input = %q, want step 0 output", final.Results[1].Input)
	}
	if final.Results[2].Input != "draft article" {
		t.Errorf("step 2 input = %q, want step 1 output", final.Results[2].Input)
	}

	// Single-flight claim must be released after completion.
	orch, err := f.store.GetOrchestration(context.Background(), f.org, f.orch.ID)
	if err != nil {
		t.Fatalf("get orchestration: %v", err)
	}
	if orch.CurrentExecutionID != nil {
		t.Error("orchestration claim not released")
	}
}

func TestSequentialProviderTimeoutFailsRun(t *testing.T) {
	f := newFixture(domain.StrategySequential, "researcher", "writer", "reviewer")
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("writer") {
			return nil, &llm.ProviderError{Provider: "fake", Message: "request timed out"}
		}
		return textResponse("ok output"), nil
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "Summarize Q1 sales",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2 (researcher ok, writer error)", len(final.Results))
	}
	if final.Results[1].Status != ResultError {
		t.Errorf("writer result status = %s, want error", final.Results[1].Status)
	}
	if !strings.Contains(final.Error, "writer") {
		t.Errorf("error %q should reference the writer step", final.Error)
	}
	if provider.callCount(systemFor("reviewer")) != 0 {
		t.Error("reviewer must never run after the chain broke")
	}
}

func TestSequentialShortCircuit(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a", "b", "c", "d")
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("c") {
			return nil, &llm.ProviderError{Provider: "fake", Code: 500, Message: "boom"}
		}
		return textResponse("out"), nil
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "go",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if len(final.Results) != 3 {
		t.Fatalf("results = %d, want 3 (two ok, one error)", len(final.Results))
	}
	for i := 0; i < 2; i++ {
		if final.Results[i].Status != ResultOK {
			t.Errorf("step %d status = %s, want ok", i, final.Results[i].Status)
		}
	}
	if final.Results[2].Status != ResultError {
		t.Errorf("step 2 status = %s, want error", final.Results[2].Status)
	}
	if provider.callCount(systemFor("d")) != 0 {
		t.Error("step 3 must never run")
	}
}

// --- Parallel ---

func TestParallelOrderingDeterministic(t *testing.T) {
	f := newFixture(domain.StrategyParallel, "slowest", "middle", "fastest")
	// Reverse the completion order relative to step definition order.
	delays := map[string]time.Duration{
		systemFor("slowest"): 60 * time.Millisecond,
		systemFor("middle"):  30 * time.Millisecond,
		systemFor("fastest"): 0,
	}
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		time.Sleep(delays[req.SystemPrompt])
		return textResponse("output of " + req.SystemPrompt), nil
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "fan out",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if len(final.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(final.Results))
	}
	for i, res := range final.Results {
		if res.StepIndex != i {
			t.Errorf("results[%d].StepIndex = %d, want %d", i, res.StepIndex, i)
		}
	}
	// Merged output follows step order too.
	slow := strings.Index(final.FinalOutput, "[slowest]")
	mid := strings.Index(final.FinalOutput, "[middle]")
	fast := strings.Index(final.FinalOutput, "[fastest]")
	if !(slow >= 0 && slow < mid && mid < fast) {
		t.Errorf("merged output not in step order: %q", final.FinalOutput)
	}

	// Every step received the original input.
	for i, res := range final.Results {
		if res.Input != "fan out" {
			t.Errorf("results[%d].Input = %q, want original input", i, res.Input)
		}
	}
}

func TestParallelBranchErrorIsLocal(t *testing.T) {
	f := newFixture(domain.StrategyParallel, "a", "b", "c")
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("b") {
			return nil, &llm.ProviderError{Provider: "fake", Code: 429, Message: "rate limited"}
		}
		return textResponse("branch output"), nil
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "fan out",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed despite one branch error", final.Status)
	}
	if len(final.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(final.Results))
	}
	if final.Results[1].Status != ResultError {
		t.Errorf("branch b status = %s, want error", final.Results[1].Status)
	}
	if strings.Contains(final.FinalOutput, "[b]") {
		t.Error("failed branch must not appear in merged output")
	}
}

func TestParallelAllBranchesFailed(t *testing.T) {
	f := newFixture(domain.StrategyParallel, "a", "b")
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return nil, &llm.ProviderError{Provider: "fake", Message: "down"}
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "fan out",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed when nothing was produced", final.Status)
	}
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2 (every branch traced)", len(final.Results))
	}
}

// --- Consensus ---

func TestConsensusFallbackLongestCandidate(t *testing.T) {
	f := newFixture(domain.StrategyConsensus, "a", "b", "c")
	outputs := map[string]string{
		systemFor("a"): "short",
		systemFor("b"): "a somewhat longer candidate answer here",
		systemFor("c"): "medium length one",
	}
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		return textResponse(outputs[req.SystemPrompt]), nil
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "answer this",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if final.FinalOutput != outputs[systemFor("b")] {
		t.Errorf("finalOutput = %q, want the longest candidate", final.FinalOutput)
	}
	if len(final.Results) != 3 {
		t.Fatalf("results = %d, want all candidates retained for audit", len(final.Results))
	}
}

func TestConsensusJudgeAggregates(t *testing.T) {
	f := newFixture(domain.StrategyConsensus, "a", "b", "judge")
	f.orch.Steps[2].Judge = true
	f.store.PutOrchestration(f.orch)

	var judgeInput string
	var mu sync.Mutex
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch req.SystemPrompt {
		case systemFor("judge"):
			mu.Lock()
			judgeInput = req.Messages[0].Content
			mu.Unlock()
			return textResponse("the judged answer"), nil
		case systemFor("a"):
			return textResponse("candidate alpha"), nil
		default:
			return textResponse("candidate beta"), nil
		}
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "pick the best",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if final.FinalOutput != "the judged answer" {
		t.Errorf("finalOutput = %q, want judge output", final.FinalOutput)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(judgeInput, "candidate alpha") || !strings.Contains(judgeInput, "candidate beta") {
		t.Errorf("judge prompt must contain every candidate, got %q", judgeInput)
	}
	if !strings.Contains(judgeInput, "pick the best") {
		t.Errorf("judge prompt must contain the original task, got %q", judgeInput)
	}
}

func TestConsensusJudgeAtFirstStep(t *testing.T) {
	f := newFixture(domain.StrategyConsensus, "judge", "a", "b")
	f.orch.Steps[0].Judge = true
	f.store.PutOrchestration(f.orch)

	var judgeInput string
	var mu sync.Mutex
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch req.SystemPrompt {
		case systemFor("judge"):
			mu.Lock()
			judgeInput = req.Messages[0].Content
			mu.Unlock()
			return textResponse("the judged answer"), nil
		case systemFor("a"):
			return textResponse("candidate alpha"), nil
		default:
			return textResponse("candidate beta"), nil
		}
	})
	coord := f.coordinator(provider, nil, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "pick the best",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if final.FinalOutput != "the judged answer" {
		t.Errorf("finalOutput = %q, want judge output", final.FinalOutput)
	}
	// The judge runs before any higher-indexed candidate clears the
	// persistence watermark; its prompt must still see every candidate.
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(judgeInput, "candidate alpha") || !strings.Contains(judgeInput, "candidate beta") {
		t.Errorf("judge prompt must contain every candidate, got %q", judgeInput)
	}
	if len(final.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(final.Results))
	}
	for i, res := range final.Results {
		if res.StepIndex != i {
			t.Errorf("results[%d].StepIndex = %d, want %d", i, res.StepIndex, i)
		}
	}
}

// --- Single-flight ---

func TestSingleFlightLaunch(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	release := make(chan struct{})
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		<-release
		return textResponse("done"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	first, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "one"})
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}

	if _, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "two"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second launch error = %v, want ErrConflict", err)
	}

	close(release)
	waitTerminal(t, f.store, first.ID)

	// After the first run finished, a new launch must succeed.
	third, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "three"})
	if err != nil {
		t.Fatalf("third launch after release: %v", err)
	}
	waitTerminal(t, f.store, third.ID)
}

func TestSingleFlightConcurrentLaunches(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	release := make(chan struct{})
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		<-release
		return textResponse("done"), nil
	})
	coord := f.coordinator(provider, nil, nil)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.Launch(context.Background(), &LaunchRequest{
				OrgID:           f.org,
				OrchestrationID: f.orch.ID,
				Input:           "race",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	close(release)

	launched, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			launched++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if launched != 1 || conflicts != n-1 {
		t.Fatalf("launched = %d, conflicts = %d; want exactly one winner", launched, conflicts)
	}
}

// --- Resume ---

func TestResumeFromStep(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a", "b", "c", "d")
	var failC sync.Map
	failC.Store("fail", true)
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("c") {
			if _, fail := failC.Load("fail"); fail {
				return nil, &llm.ProviderError{Provider: "fake", Message: "flaky"}
			}
		}
		return textResponse("output of " + req.SystemPrompt), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	first, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "start"})
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}
	failed := waitTerminal(t, f.store, first.ID)
	if failed.Status != ExecutionFailed || len(failed.Results) != 3 {
		t.Fatalf("first run: status = %s, results = %d; want failed with 3 results", failed.Status, len(failed.Results))
	}

	// Fix the flaky step and continue from step 2.
	failC.Delete("fail")
	resumed, err := coord.Launch(ctx, &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "start",
		StartFromStep:   2,
		ResumeFrom:      &first.ID,
	})
	if err != nil {
		t.Fatalf("resume launch: %v", err)
	}

	final := waitTerminal(t, f.store, resumed.ID)
	if final.Status != ExecutionCompleted {
		t.Fatalf("resumed status = %s, want completed (error: %s)", final.Status, final.Error)
	}
	if len(final.Results) != 4 {
		t.Fatalf("resumed results = %d, want 4", len(final.Results))
	}
	for i := 0; i < 2; i++ {
		if !final.Results[i].Seeded {
			t.Errorf("results[%d] must be seeded", i)
		}
		if final.Results[i].Output != failed.Results[i].Output {
			t.Errorf("results[%d].Output = %q, want prior value %q", i, final.Results[i].Output, failed.Results[i].Output)
		}
	}
	for i := 2; i < 4; i++ {
		if final.Results[i].Seeded {
			t.Errorf("results[%d] must be freshly computed", i)
		}
	}
	// The resumed chain continues from the last seeded output.
	if final.Results[2].Input != failed.Results[1].Output {
		t.Errorf("resumed step input = %q, want seeded step 1 output", final.Results[2].Input)
	}
	if provider.callCount(systemFor("a")) != 1 || provider.callCount(systemFor("b")) != 1 {
		t.Error("seeded steps must not be re-run")
	}
}

func TestResumeRejectsFailedSeed(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a", "b")
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("a") {
			return nil, &llm.ProviderError{Provider: "fake", Message: "broken"}
		}
		return textResponse("out"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	first, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "x"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitTerminal(t, f.store, first.ID)

	_, err = coord.Launch(ctx, &LaunchRequest{
		OrgID:           f.org,
		OrchestrationID: f.orch.ID,
		Input:           "x",
		StartFromStep:   1,
		ResumeFrom:      &first.ID,
	})
	if err == nil {
		t.Fatal("seeding from a failed step must be rejected")
	}
}

// --- Cancellation ---

func TestCancelAtStepBoundary(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a", "b", "c")
	started := make(chan struct{})
	release := make(chan struct{})
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("b") {
			close(started)
			<-release
		}
		return textResponse("out"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "x"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	<-started
	if err := coord.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// The in-flight step is allowed to finish; cancellation lands before
	// step c starts.
	close(release)

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2 (partial trace preserved)", len(final.Results))
	}
	if provider.callCount(systemFor("c")) != 0 {
		t.Error("step c must never start after cancellation")
	}

	orch, _ := f.store.GetOrchestration(ctx, f.org, f.orch.ID)
	if orch.CurrentExecutionID != nil {
		t.Error("claim must be released after cancellation")
	}
}

func TestCancelDuringProviderCall(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a", "b", "c")
	started := make(chan struct{})
	provider := newFakeProvider(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("b") {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return textResponse("out"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "x"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	<-started
	if err := coord.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The provider call aborts with the run context; the outcome must be
	// cancelled, not failed.
	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionCancelled {
		t.Fatalf("status = %s (error %q), want cancelled", final.Status, final.Error)
	}
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2 (partial trace preserved)", len(final.Results))
	}
	if provider.callCount(systemFor("c")) != 0 {
		t.Error("step c must never start after cancellation")
	}
}

func TestCancelFinishedExecutionIsNoop(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return textResponse("done"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "x"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitTerminal(t, f.store, exec.ID)

	if err := coord.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("cancelling a finished execution must be a no-op, got %v", err)
	}
	if err := coord.Cancel(ctx, uuid.New()); err == nil {
		t.Fatal("cancelling an unknown execution must fail")
	}
}

// --- Launch validation ---

func TestLaunchValidation(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return textResponse("done"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	if _, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown orchestration: err = %v, want ErrNotFound", err)
	}
	if _, err := coord.Launch(ctx, &LaunchRequest{OrgID: uuid.New(), OrchestrationID: f.orch.ID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign org: err = %v, want ErrNotFound", err)
	}
	if _, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, StartFromStep: 5}); err == nil {
		t.Error("out-of-range start step must be rejected")
	}

	f.orch.Status = domain.OrchestrationInactive
	f.store.PutOrchestration(f.orch)
	if _, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID}); err == nil {
		t.Error("inactive orchestration must be rejected")
	}
}

// --- Hooks ---

func TestCompletionHookFiredOnce(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	f.orch.Hooks = []domain.CompletionHook{{Kind: domain.HookWebhook, Target: "https://example.com/h", Enabled: true}}
	f.store.PutOrchestration(f.orch)

	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return textResponse("done"), nil
	})
	notifier := newRecordingNotifier()
	coord := f.coordinator(provider, nil, notifier)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "x"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitTerminal(t, f.store, exec.ID)

	select {
	case <-notifier.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("hook was never fired")
	}

	select {
	case <-notifier.fired:
		t.Fatal("hook fired more than once")
	case <-time.After(50 * time.Millisecond):
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 1 || notifier.calls[0] != ExecutionCompleted {
		t.Fatalf("notifier calls = %v, want one completed notification", notifier.calls)
	}
}

// --- Quota ---

func TestQuotaExhaustionFailsStep(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a", "b")
	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return textResponse("out"), nil
	})
	coord := f.coordinator(provider, &cappedQuota{limit: 1}, nil)

	exec, err := coord.Launch(context.Background(), &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "x"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	final := waitTerminal(t, f.store, exec.ID)
	if final.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed once quota ran out", final.Status)
	}
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(final.Results))
	}
	if !strings.Contains(final.Results[1].Error, "quota") {
		t.Errorf("step error %q should mention quota", final.Results[1].Error)
	}
}

// --- Startup sweep ---

func TestSweepStaleExecutions(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a")
	ctx := context.Background()

	// Simulate an execution left behind by an unclean shutdown.
	now := time.Now().UTC()
	stale := &Execution{
		ID:              uuid.New(),
		OrchestrationID: f.orch.ID,
		OrgID:           f.org,
		Status:          ExecutionRunning,
		Input:           "orphaned",
		Strategy:        domain.StrategySequential,
		Steps:           f.orch.Steps,
		StartedAt:       &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.store.CreateExecution(ctx, stale); err != nil {
		t.Fatalf("create stale execution: %v", err)
	}
	if err := f.store.ClaimOrchestration(ctx, f.orch.ID, stale.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	provider := newFakeProvider(func(context.Context, *llm.Request) (*llm.Response, error) {
		return textResponse("out"), nil
	})
	coord := f.coordinator(provider, nil, nil)
	if err := coord.SweepStaleExecutions(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	swept, err := f.store.GetExecution(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get swept execution: %v", err)
	}
	if swept.Status != ExecutionFailed {
		t.Fatalf("status = %s, want failed", swept.Status)
	}
	if !strings.Contains(swept.Error, "interrupted by restart") {
		t.Errorf("error = %q, want restart explanation", swept.Error)
	}

	orch, _ := f.store.GetOrchestration(ctx, f.org, f.orch.ID)
	if orch.CurrentExecutionID != nil {
		t.Error("sweep must release the orchestration claim")
	}

	// The freed slot must accept a new launch.
	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "fresh"})
	if err != nil {
		t.Fatalf("launch after sweep: %v", err)
	}
	waitTerminal(t, f.store, exec.ID)
}

// --- Step list snapshot ---

func TestStepListSnapshotIsolation(t *testing.T) {
	f := newFixture(domain.StrategySequential, "a", "b")
	gate := make(chan struct{})
	provider := newFakeProvider(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == systemFor("a") {
			<-gate
		}
		return textResponse("out " + req.SystemPrompt), nil
	})
	coord := f.coordinator(provider, nil, nil)
	ctx := context.Background()

	exec, err := coord.Launch(ctx, &LaunchRequest{OrgID: f.org, OrchestrationID: f.orch.ID, Input: "x"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	// Mutate the orchestration mid-run; the snapshot must be unaffected.
	f.orch.Steps = f.orch.Steps[:1]
	f.store.PutOrchestration(f.orch)
	close(gate)

	final := waitTerminal(t, f.store, exec.ID)
	if len(final.Results) != 2 {
		t.Fatalf("results = %d, want 2 (snapshot taken at launch)", len(final.Results))
	}
}
