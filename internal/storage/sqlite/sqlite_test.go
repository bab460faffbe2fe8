package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "agentpipe.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedOrg(t *testing.T, s *Store) uuid.UUID {
	t.Helper()
	orgID, err := s.EnsureOrganization(context.Background(), "Test Org")
	if err != nil {
		t.Fatalf("ensure org: %v", err)
	}
	return orgID
}

func seedAgent(t *testing.T, s *Store, orgID uuid.UUID, role string) *domain.Agent {
	t.Helper()
	now := time.Now().UTC()
	a := &domain.Agent{
		ID:           domain.NewID(),
		OrgID:        orgID,
		Name:         role,
		Role:         role,
		Instructions: "You are the " + role + ".",
		Model:        "test-model",
		Status:       domain.AgentActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func seedOrchestration(t *testing.T, s *Store, orgID uuid.UUID, steps ...domain.AgentStep) *domain.Orchestration {
	t.Helper()
	now := time.Now().UTC()
	o := &domain.Orchestration{
		ID:        domain.NewID(),
		OrgID:     orgID,
		Name:      "pipeline",
		Strategy:  domain.StrategySequential,
		Status:    domain.OrchestrationActive,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateOrchestration(context.Background(), o); err != nil {
		t.Fatalf("create orchestration: %v", err)
	}
	return o
}

func TestEnsureOrganizationIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureOrganization(ctx, "Acme Corp")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := s.EnsureOrganization(ctx, "Acme Corp")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first != second {
		t.Errorf("ensure returned different IDs: %s vs %s", first, second)
	}

	org, err := s.GetOrganizationBySlug(ctx, "acme-corp")
	if err != nil {
		t.Fatalf("get by slug: %v", err)
	}
	if org.ID != first {
		t.Errorf("slug lookup ID = %s, want %s", org.ID, first)
	}
}

func TestAgentScopedToOrg(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := seedOrg(t, s)
	a := seedAgent(t, s, orgID, "researcher")

	got, err := s.GetAgent(ctx, orgID, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Instructions != a.Instructions || got.Status != domain.AgentActive {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	foreignOrg := domain.NewID()
	if _, err := s.GetAgent(ctx, foreignOrg, a.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("cross-org get = %v, want ErrNotFound", err)
	}

	a.Status = domain.AgentInactive
	a.UpdatedAt = time.Now().UTC()
	if err := s.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetAgent(ctx, orgID, a.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != domain.AgentInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}

	if err := s.DeleteAgent(ctx, foreignOrg, a.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("cross-org delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteAgent(ctx, orgID, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetAgent(ctx, orgID, a.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestOrchestrationStepsAndHooksRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := seedOrg(t, s)
	a := seedAgent(t, s, orgID, "writer")

	o := seedOrchestration(t, s, orgID,
		domain.AgentStep{AgentID: a.ID, Role: "writer", PromptOverride: "Write a haiku."},
	)
	o.Hooks = []domain.CompletionHook{
		{Kind: domain.HookWebhook, Target: "https://example.com/done", Secret: "k", Enabled: true},
	}
	o.UpdatedAt = time.Now().UTC()
	if err := s.UpdateOrchestration(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetOrchestration(ctx, orgID, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].PromptOverride != "Write a haiku." {
		t.Errorf("steps did not roundtrip: %+v", got.Steps)
	}
	if len(got.Hooks) != 1 || got.Hooks[0].Kind != domain.HookWebhook || got.Hooks[0].Secret != "k" {
		t.Errorf("hooks did not roundtrip: %+v", got.Hooks)
	}
}

func TestClaimOrchestrationSingleFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := seedOrg(t, s)
	o := seedOrchestration(t, s, orgID)

	execA := domain.NewID()
	execB := domain.NewID()

	if err := s.ClaimOrchestration(ctx, o.ID, execA); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.ClaimOrchestration(ctx, o.ID, execB); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("second claim = %v, want ErrConflict", err)
	}

	got, err := s.GetOrchestration(ctx, orgID, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentExecutionID == nil || *got.CurrentExecutionID != execA {
		t.Errorf("claim holder = %v, want %s", got.CurrentExecutionID, execA)
	}

	// Release by a non-holder must not clear the claim.
	if err := s.ReleaseOrchestration(ctx, o.ID, execB); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	got, _ = s.GetOrchestration(ctx, orgID, o.ID)
	if got.CurrentExecutionID == nil || *got.CurrentExecutionID != execA {
		t.Error("stale release cleared the claim")
	}

	if err := s.ReleaseOrchestration(ctx, o.ID, execA); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ClaimOrchestration(ctx, o.ID, execB); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}

	if err := s.ClaimOrchestration(ctx, domain.NewID(), execA); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("claim on missing orchestration = %v, want ErrNotFound", err)
	}
}

func TestExecutionLifecycleRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := seedOrg(t, s)
	a := seedAgent(t, s, orgID, "researcher")
	o := seedOrchestration(t, s, orgID, domain.AgentStep{AgentID: a.ID, Role: "researcher"})

	now := time.Now().UTC()
	exec := &engine.Execution{
		ID:              domain.NewID(),
		OrchestrationID: o.ID,
		OrgID:           orgID,
		Status:          engine.ExecutionRunning,
		Input:           "investigate",
		Variables:       map[string]string{"topic": "tides"},
		Strategy:        domain.StrategySequential,
		Steps:           o.Steps,
		Results: []engine.AgentResult{
			{StepIndex: 0, AgentID: a.ID, Role: "researcher", Input: "investigate",
				Output: "notes", Status: engine.ResultOK, Seeded: true,
				StartedAt: now, CompletedAt: now},
		},
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.AppendResult(ctx, exec.ID, &engine.AgentResult{
		StepIndex: 1, AgentID: a.ID, Role: "writer", Input: "notes",
		Output: "draft", Status: engine.ResultOK,
		StartedAt: now, CompletedAt: now,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	running, err := s.ListRunningExecutions(ctx)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0].ID != exec.ID {
		t.Fatalf("running = %+v, want the one execution", running)
	}

	done := now.Add(time.Second)
	exec.Status = engine.ExecutionCompleted
	exec.FinalOutput = "draft"
	exec.CompletedAt = &done
	exec.UpdatedAt = done
	if err := s.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != engine.ExecutionCompleted || got.FinalOutput != "draft" {
		t.Errorf("terminal fields not persisted: %+v", got)
	}
	if got.Variables["topic"] != "tides" {
		t.Errorf("variables did not roundtrip: %+v", got.Variables)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(got.Results))
	}
	if !got.Results[0].Seeded || got.Results[0].StepIndex != 0 {
		t.Errorf("seeded result not first: %+v", got.Results[0])
	}
	if got.Results[1].Output != "draft" || got.Results[1].StepIndex != 1 {
		t.Errorf("appended result mismatch: %+v", got.Results[1])
	}

	if _, err := s.GetExecution(ctx, domain.NewID()); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("missing execution = %v, want ErrNotFound", err)
	}
}

func TestListExecutionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := seedOrg(t, s)
	o := seedOrchestration(t, s, orgID)

	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		exec := &engine.Execution{
			ID:              domain.NewID(),
			OrchestrationID: o.ID,
			OrgID:           orgID,
			Status:          engine.ExecutionCompleted,
			Strategy:        domain.StrategySequential,
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
			UpdatedAt:       base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, exec.ID)
	}

	list, err := s.ListExecutionsByOrchestration(ctx, o.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list = %d, want 3", len(list))
	}
	for i, want := range []uuid.UUID{ids[2], ids[1], ids[0]} {
		if list[i].ID != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestDelegationTrailRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := seedOrg(t, s)
	o := seedOrchestration(t, s, orgID)
	from := seedAgent(t, s, orgID, "lead")
	to := seedAgent(t, s, orgID, "helper")

	exec := &engine.Execution{
		ID:              domain.NewID(),
		OrchestrationID: o.ID,
		OrgID:           orgID,
		Status:          engine.ExecutionRunning,
		Strategy:        domain.StrategySequential,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	base := time.Now().UTC()
	for i, status := range []engine.DelegationStatus{engine.DelegationCompleted, engine.DelegationFailed} {
		d := &engine.Delegation{
			ID:          domain.NewID(),
			ExecutionID: exec.ID,
			OrgID:       orgID,
			FromAgentID: from.ID,
			ToAgentID:   to.ID,
			Depth:       i + 1,
			Message:     "help",
			Response:    "done",
			Status:      status,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateDelegation(ctx, d); err != nil {
			t.Fatalf("create delegation %d: %v", i, err)
		}
	}

	trail, err := s.ListDelegations(ctx, exec.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("trail = %d, want 2", len(trail))
	}
	if trail[0].Depth != 1 || trail[0].Status != engine.DelegationCompleted {
		t.Errorf("trail[0] = %+v", trail[0])
	}
	if trail[1].Depth != 2 || trail[1].Status != engine.DelegationFailed {
		t.Errorf("trail[1] = %+v", trail[1])
	}
}

func TestDueScheduleListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := seedOrg(t, s)
	o := seedOrchestration(t, s, orgID)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mk := func(name string, enabled bool, next *time.Time) *domain.ScheduledRun {
		sr := &domain.ScheduledRun{
			ID:              domain.NewID(),
			OrgID:           orgID,
			OrchestrationID: o.ID,
			Name:            name,
			CronExpression:  "0 * * * *",
			Enabled:         enabled,
			NextRunAt:       next,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.CreateSchedule(ctx, sr); err != nil {
			t.Fatalf("create schedule %s: %v", name, err)
		}
		return sr
	}

	due := mk("due", true, &past)
	mk("future", true, &future)
	mk("disabled", false, &past)
	mk("never-computed", true, nil)

	got, err := s.ListDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("due = %+v, want only %q", got, due.Name)
	}

	got[0].LastError = "orchestration busy"
	got[0].NextRunAt = &future
	got[0].UpdatedAt = now
	if err := s.UpdateSchedule(ctx, &got[0]); err != nil {
		t.Fatalf("update: %v", err)
	}
	refetched, err := s.GetSchedule(ctx, orgID, due.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if refetched.LastError != "orchestration busy" {
		t.Errorf("last error = %q", refetched.LastError)
	}
	if refetched.NextRunAt == nil || !refetched.NextRunAt.After(now) {
		t.Errorf("next run not advanced: %v", refetched.NextRunAt)
	}
}
