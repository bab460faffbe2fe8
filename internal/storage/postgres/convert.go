package postgres

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

func toOrgModel(o *domain.Organization) OrgModel {
	return OrgModel{
		ID:        o.ID,
		Name:      o.Name,
		Slug:      o.Slug,
		CreatedAt: o.CreatedAt,
	}
}

func toOrgDomain(m *OrgModel) *domain.Organization {
	return &domain.Organization{
		ID:        m.ID,
		Name:      m.Name,
		Slug:      m.Slug,
		CreatedAt: m.CreatedAt,
	}
}

func toAgentModel(a *domain.Agent) AgentModel {
	return AgentModel{
		ID:           a.ID,
		OrgID:        a.OrgID,
		Name:         a.Name,
		Role:         a.Role,
		Instructions: a.Instructions,
		Model:        a.Model,
		Temperature:  a.Temperature,
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func toAgentDomain(m *AgentModel) *domain.Agent {
	return &domain.Agent{
		ID:           m.ID,
		OrgID:        m.OrgID,
		Name:         m.Name,
		Role:         m.Role,
		Instructions: m.Instructions,
		Model:        m.Model,
		Temperature:  m.Temperature,
		Status:       domain.AgentStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func toOrchestrationModel(o *domain.Orchestration) (OrchestrationModel, error) {
	steps, err := json.Marshal(o.Steps)
	if err != nil {
		return OrchestrationModel{}, err
	}
	hooks, err := json.Marshal(o.Hooks)
	if err != nil {
		return OrchestrationModel{}, err
	}
	return OrchestrationModel{
		ID:                 o.ID,
		OrgID:              o.OrgID,
		Name:               o.Name,
		Strategy:           string(o.Strategy),
		Status:             string(o.Status),
		Steps:              JSONB(steps),
		Hooks:              JSONB(hooks),
		CurrentExecutionID: o.CurrentExecutionID,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}, nil
}

func toOrchestrationDomain(m *OrchestrationModel) (*domain.Orchestration, error) {
	o := &domain.Orchestration{
		ID:                 m.ID,
		OrgID:              m.OrgID,
		Name:               m.Name,
		Strategy:           domain.Strategy(m.Strategy),
		Status:             domain.OrchestrationStatus(m.Status),
		CurrentExecutionID: m.CurrentExecutionID,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if len(m.Steps) > 0 {
		if err := json.Unmarshal(m.Steps, &o.Steps); err != nil {
			return nil, err
		}
	}
	if len(m.Hooks) > 0 {
		if err := json.Unmarshal(m.Hooks, &o.Hooks); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func toExecutionModel(e *engine.Execution) (ExecutionModel, error) {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return ExecutionModel{}, err
	}
	var vars JSONB
	if len(e.Variables) > 0 {
		data, err := json.Marshal(e.Variables)
		if err != nil {
			return ExecutionModel{}, err
		}
		vars = JSONB(data)
	}
	return ExecutionModel{
		ID:              e.ID,
		OrchestrationID: e.OrchestrationID,
		OrgID:           e.OrgID,
		Status:          string(e.Status),
		Input:           e.Input,
		Variables:       vars,
		Strategy:        string(e.Strategy),
		Steps:           JSONB(steps),
		FinalOutput:     e.FinalOutput,
		Error:           e.Error,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}, nil
}

func toExecutionDomain(m *ExecutionModel) (*engine.Execution, error) {
	e := &engine.Execution{
		ID:              m.ID,
		OrchestrationID: m.OrchestrationID,
		OrgID:           m.OrgID,
		Status:          engine.ExecutionStatus(m.Status),
		Input:           m.Input,
		Strategy:        domain.Strategy(m.Strategy),
		FinalOutput:     m.FinalOutput,
		Error:           m.Error,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if len(m.Steps) > 0 {
		if err := json.Unmarshal(m.Steps, &e.Steps); err != nil {
			return nil, err
		}
	}
	if len(m.Variables) > 0 {
		if err := json.Unmarshal(m.Variables, &e.Variables); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func toResultModel(execID uuid.UUID, r *engine.AgentResult) AgentResultModel {
	return AgentResultModel{
		ExecutionID: execID,
		StepIndex:   r.StepIndex,
		AgentID:     r.AgentID,
		Role:        r.Role,
		Input:       r.Input,
		Output:      r.Output,
		Status:      string(r.Status),
		Error:       r.Error,
		Seeded:      r.Seeded,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func toResultDomain(m *AgentResultModel) engine.AgentResult {
	return engine.AgentResult{
		StepIndex:   m.StepIndex,
		AgentID:     m.AgentID,
		Role:        m.Role,
		Input:       m.Input,
		Output:      m.Output,
		Status:      engine.ResultStatus(m.Status),
		Error:       m.Error,
		Seeded:      m.Seeded,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

func toDelegationModel(d *engine.Delegation) DelegationModel {
	return DelegationModel{
		ID:          d.ID,
		ExecutionID: d.ExecutionID,
		OrgID:       d.OrgID,
		FromAgentID: d.FromAgentID,
		ToAgentID:   d.ToAgentID,
		Depth:       d.Depth,
		Message:     d.Message,
		Response:    d.Response,
		Status:      string(d.Status),
		CreatedAt:   d.CreatedAt,
	}
}

func toDelegationDomain(m *DelegationModel) engine.Delegation {
	return engine.Delegation{
		ID:          m.ID,
		ExecutionID: m.ExecutionID,
		OrgID:       m.OrgID,
		FromAgentID: m.FromAgentID,
		ToAgentID:   m.ToAgentID,
		Depth:       m.Depth,
		Message:     m.Message,
		Response:    m.Response,
		Status:      engine.DelegationStatus(m.Status),
		CreatedAt:   m.CreatedAt,
	}
}

func toScheduleModel(s *domain.ScheduledRun) ScheduledRunModel {
	return ScheduledRunModel{
		ID:              s.ID,
		OrgID:           s.OrgID,
		OrchestrationID: s.OrchestrationID,
		Name:            s.Name,
		CronExpression:  s.CronExpression,
		Input:           s.Input,
		Enabled:         s.Enabled,
		NextRunAt:       s.NextRunAt,
		LastRunAt:       s.LastRunAt,
		LastExecutionID: s.LastExecutionID,
		LastError:       s.LastError,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toScheduleDomain(m *ScheduledRunModel) *domain.ScheduledRun {
	return &domain.ScheduledRun{
		ID:              m.ID,
		OrgID:           m.OrgID,
		OrchestrationID: m.OrchestrationID,
		Name:            m.Name,
		CronExpression:  m.CronExpression,
		Input:           m.Input,
		Enabled:         m.Enabled,
		NextRunAt:       m.NextRunAt,
		LastRunAt:       m.LastRunAt,
		LastExecutionID: m.LastExecutionID,
		LastError:       m.LastError,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
