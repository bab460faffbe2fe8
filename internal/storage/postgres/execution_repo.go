package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentpipe/agentpipe/internal/engine"
)

// ExecutionRepository persists executions, their step results, and the
// delegation trail.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// CreateExecution writes the execution row and any results it already
// carries (seeded results on a resumed launch) in one transaction.
func (r *ExecutionRepository) CreateExecution(ctx context.Context, exec *engine.Execution) error {
	model, err := toExecutionModel(exec)
	if err != nil {
		return fmt.Errorf("encoding execution: %w", err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("creating execution: %w", err)
		}
		for i := range exec.Results {
			rm := toResultModel(exec.ID, &exec.Results[i])
			if err := tx.Create(&rm).Error; err != nil {
				return fmt.Errorf("seeding result %d: %w", exec.Results[i].StepIndex, err)
			}
		}
		return nil
	})
}

// UpdateExecution writes the mutable execution fields. Results are not
// touched here; they only ever arrive through AppendResult.
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, exec *engine.Execution) error {
	model, err := toExecutionModel(exec)
	if err != nil {
		return fmt.Errorf("encoding execution: %w", err)
	}
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where("id = ?", exec.ID).
		Select("status", "final_output", "error", "started_at", "completed_at", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating execution %s: %w", exec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (r *ExecutionRepository) GetExecution(ctx context.Context, id uuid.UUID) (*engine.Execution, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	exec, err := toExecutionDomain(&model)
	if err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", id, err)
	}
	if exec.Results, err = r.loadResults(ctx, id); err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *ExecutionRepository) ListExecutionsByOrchestration(ctx context.Context, orchestrationID uuid.UUID) ([]engine.Execution, error) {
	var models []ExecutionModel
	if err := r.db.WithContext(ctx).
		Where("orchestration_id = ?", orchestrationID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions for orchestration %s: %w", orchestrationID, err)
	}
	return r.attachResults(ctx, models)
}

func (r *ExecutionRepository) ListRunningExecutions(ctx context.Context) ([]engine.Execution, error) {
	var models []ExecutionModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(engine.ExecutionRunning)).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing running executions: %w", err)
	}
	return r.attachResults(ctx, models)
}

func (r *ExecutionRepository) AppendResult(ctx context.Context, execID uuid.UUID, result *engine.AgentResult) error {
	model := toResultModel(execID, result)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending result %d for execution %s: %w", result.StepIndex, execID, err)
	}
	return nil
}

func (r *ExecutionRepository) loadResults(ctx context.Context, execID uuid.UUID) ([]engine.AgentResult, error) {
	var models []AgentResultModel
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", execID).
		Order("step_index ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading results for execution %s: %w", execID, err)
	}
	results := make([]engine.AgentResult, len(models))
	for i := range models {
		results[i] = toResultDomain(&models[i])
	}
	return results, nil
}

// attachResults converts a batch of execution rows and loads their results
// with one query.
func (r *ExecutionRepository) attachResults(ctx context.Context, models []ExecutionModel) ([]engine.Execution, error) {
	if len(models) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}

	var resultModels []AgentResultModel
	if err := r.db.WithContext(ctx).
		Where("execution_id IN ?", ids).
		Order("step_index ASC").
		Find(&resultModels).Error; err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}
	byExec := make(map[uuid.UUID][]engine.AgentResult)
	for i := range resultModels {
		byExec[resultModels[i].ExecutionID] = append(byExec[resultModels[i].ExecutionID], toResultDomain(&resultModels[i]))
	}

	execs := make([]engine.Execution, len(models))
	for i := range models {
		e, err := toExecutionDomain(&models[i])
		if err != nil {
			return nil, fmt.Errorf("decoding execution %s: %w", models[i].ID, err)
		}
		e.Results = byExec[e.ID]
		execs[i] = *e
	}
	return execs, nil
}

// --- Delegations ---

func (r *ExecutionRepository) CreateDelegation(ctx context.Context, d *engine.Delegation) error {
	model := toDelegationModel(d)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating delegation: %w", err)
	}
	return nil
}

func (r *ExecutionRepository) ListDelegations(ctx context.Context, execID uuid.UUID) ([]engine.Delegation, error) {
	var models []DelegationModel
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", execID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing delegations for execution %s: %w", execID, err)
	}
	out := make([]engine.Delegation, len(models))
	for i := range models {
		out[i] = toDelegationDomain(&models[i])
	}
	return out, nil
}
