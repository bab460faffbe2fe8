package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

// OrchestrationRepository persists orchestration definitions and owns the
// single-flight claim column.
type OrchestrationRepository struct {
	db *gorm.DB
}

// NewOrchestrationRepository creates an OrchestrationRepository.
func NewOrchestrationRepository(db *gorm.DB) *OrchestrationRepository {
	return &OrchestrationRepository{db: db}
}

func (r *OrchestrationRepository) CreateOrchestration(ctx context.Context, o *domain.Orchestration) error {
	model, err := toOrchestrationModel(o)
	if err != nil {
		return fmt.Errorf("encoding orchestration: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating orchestration: %w", err)
	}
	return nil
}

// UpdateOrchestration writes the definition fields only. The claim column is
// never touched here; it moves exclusively through Claim and Release.
func (r *OrchestrationRepository) UpdateOrchestration(ctx context.Context, o *domain.Orchestration) error {
	model, err := toOrchestrationModel(o)
	if err != nil {
		return fmt.Errorf("encoding orchestration: %w", err)
	}
	result := r.db.WithContext(ctx).
		Model(&OrchestrationModel{}).
		Where("id = ? AND org_id = ?", o.ID, o.OrgID).
		Select("name", "strategy", "status", "steps", "hooks", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating orchestration %s: %w", o.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// GetOrchestration is org-scoped: a definition owned by another org reads as
// not found.
func (r *OrchestrationRepository) GetOrchestration(ctx context.Context, orgID, id uuid.UUID) (*domain.Orchestration, error) {
	var model OrchestrationModel
	err := r.db.WithContext(ctx).First(&model, "id = ? AND org_id = ?", id, orgID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("getting orchestration %s: %w", id, err)
	}
	return toOrchestrationDomain(&model)
}

func (r *OrchestrationRepository) DeleteOrchestration(ctx context.Context, orgID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Delete(&OrchestrationModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting orchestration %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (r *OrchestrationRepository) ListOrchestrations(ctx context.Context, orgID uuid.UUID) ([]domain.Orchestration, error) {
	var models []OrchestrationModel
	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing orchestrations: %w", err)
	}
	out := make([]domain.Orchestration, len(models))
	for i := range models {
		o, err := toOrchestrationDomain(&models[i])
		if err != nil {
			return nil, fmt.Errorf("decoding orchestration %s: %w", models[i].ID, err)
		}
		out[i] = *o
	}
	return out, nil
}

// ClaimOrchestration takes the single-flight claim with one conditional
// UPDATE. Zero rows affected means either a concurrent holder or a missing
// row; a follow-up read tells the two apart.
func (r *OrchestrationRepository) ClaimOrchestration(ctx context.Context, orchestrationID, execID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&OrchestrationModel{}).
		Where("id = ? AND current_execution_id IS NULL", orchestrationID).
		Updates(map[string]any{
			"current_execution_id": execID,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("claiming orchestration %s: %w", orchestrationID, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&OrchestrationModel{}).
			Where("id = ?", orchestrationID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("claiming orchestration %s: %w", orchestrationID, err)
		}
		if count == 0 {
			return engine.ErrNotFound
		}
		return engine.ErrConflict
	}
	return nil
}

// ReleaseOrchestration clears the claim only while execID still holds it, so
// a stale release cannot clobber a newer execution's claim.
func (r *OrchestrationRepository) ReleaseOrchestration(ctx context.Context, orchestrationID, execID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&OrchestrationModel{}).
		Where("id = ? AND current_execution_id = ?", orchestrationID, execID).
		Updates(map[string]any{
			"current_execution_id": nil,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("releasing orchestration %s: %w", orchestrationID, result.Error)
	}
	return nil
}
