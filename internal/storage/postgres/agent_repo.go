package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

// AgentRepository persists agent definitions.
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) CreateAgent(ctx context.Context, a *domain.Agent) error {
	model := toAgentModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	return nil
}

func (r *AgentRepository) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	model := toAgentModel(a)
	result := r.db.WithContext(ctx).
		Model(&AgentModel{}).
		Where("id = ? AND org_id = ?", a.ID, a.OrgID).
		Select("name", "role", "instructions", "model", "temperature", "status", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating agent %s: %w", a.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// GetAgent is org-scoped: an agent owned by another org reads as not found.
func (r *AgentRepository) GetAgent(ctx context.Context, orgID, id uuid.UUID) (*domain.Agent, error) {
	var model AgentModel
	err := r.db.WithContext(ctx).First(&model, "id = ? AND org_id = ?", id, orgID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("getting agent %s: %w", id, err)
	}
	return toAgentDomain(&model), nil
}

func (r *AgentRepository) DeleteAgent(ctx context.Context, orgID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Delete(&AgentModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting agent %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (r *AgentRepository) ListAgents(ctx context.Context, orgID uuid.UUID) ([]domain.Agent, error) {
	var models []AgentModel
	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	agents := make([]domain.Agent, len(models))
	for i := range models {
		agents[i] = *toAgentDomain(&models[i])
	}
	return agents, nil
}
