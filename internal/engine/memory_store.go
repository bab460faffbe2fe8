package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
)

// InMemoryStore is a Store backed by maps, used in tests and single-node
// development mode. All reads and writes copy, so callers never share
// memory with the store.
type InMemoryStore struct {
	mu             sync.RWMutex
	agents         map[uuid.UUID]*domain.Agent
	orchestrations map[uuid.UUID]*domain.Orchestration
	executions     map[uuid.UUID]*Execution
	delegations    map[uuid.UUID][]Delegation // keyed by execution ID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		agents:         make(map[uuid.UUID]*domain.Agent),
		orchestrations: make(map[uuid.UUID]*domain.Orchestration),
		executions:     make(map[uuid.UUID]*Execution),
		delegations:    make(map[uuid.UUID][]Delegation),
	}
}

// PutAgent inserts or replaces an agent.
func (s *InMemoryStore) PutAgent(a *domain.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
}

// PutOrchestration inserts or replaces an orchestration.
func (s *InMemoryStore) PutOrchestration(o *domain.Orchestration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	cp.Steps = append([]domain.AgentStep(nil), o.Steps...)
	cp.Hooks = append([]domain.CompletionHook(nil), o.Hooks...)
	s.orchestrations[o.ID] = &cp
}

func (s *InMemoryStore) GetOrchestration(_ context.Context, orgID, id uuid.UUID) (*domain.Orchestration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orchestrations[id]
	if !ok || o.OrgID != orgID {
		return nil, ErrNotFound
	}
	cp := *o
	cp.Steps = append([]domain.AgentStep(nil), o.Steps...)
	cp.Hooks = append([]domain.CompletionHook(nil), o.Hooks...)
	return &cp, nil
}

func (s *InMemoryStore) ClaimOrchestration(_ context.Context, orchestrationID, execID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orchestrations[orchestrationID]
	if !ok {
		return ErrNotFound
	}
	if o.CurrentExecutionID != nil {
		return ErrConflict
	}
	id := execID
	o.CurrentExecutionID = &id
	return nil
}

func (s *InMemoryStore) ReleaseOrchestration(_ context.Context, orchestrationID, execID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orchestrations[orchestrationID]
	if !ok {
		return ErrNotFound
	}
	if o.CurrentExecutionID != nil && *o.CurrentExecutionID == execID {
		o.CurrentExecutionID = nil
	}
	return nil
}

func (s *InMemoryStore) GetAgent(_ context.Context, orgID, id uuid.UUID) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok || a.OrgID != orgID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *InMemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *InMemoryStore) UpdateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return ErrNotFound
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id uuid.UUID) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

// ListExecutionsByOrchestration returns executions newest first.
func (s *InMemoryStore) ListExecutionsByOrchestration(_ context.Context, orchestrationID uuid.UUID) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Execution
	for _, e := range s.executions {
		if e.OrchestrationID == orchestrationID {
			out = append(out, *copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) ListRunningExecutions(_ context.Context) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Execution
	for _, e := range s.executions {
		if e.Status == ExecutionRunning {
			out = append(out, *copyExecution(e))
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendResult(_ context.Context, execID uuid.UUID, result *AgentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[execID]
	if !ok {
		return ErrNotFound
	}
	e.Results = append(e.Results, *result)
	return nil
}

func (s *InMemoryStore) CreateDelegation(_ context.Context, d *Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegations[d.ExecutionID] = append(s.delegations[d.ExecutionID], *d)
	return nil
}

func (s *InMemoryStore) ListDelegations(_ context.Context, execID uuid.UUID) ([]Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Delegation(nil), s.delegations[execID]...), nil
}

func copyExecution(e *Execution) *Execution {
	cp := *e
	cp.Steps = append([]domain.AgentStep(nil), e.Steps...)
	cp.Results = append([]AgentResult(nil), e.Results...)
	if e.Variables != nil {
		cp.Variables = make(map[string]string, len(e.Variables))
		for k, v := range e.Variables {
			cp.Variables[k] = v
		}
	}
	return &cp
}

// Compile-time check.
var _ Store = (*InMemoryStore)(nil)
