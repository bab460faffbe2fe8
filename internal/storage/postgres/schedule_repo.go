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

// ScheduleRepository persists scheduled runs.
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a ScheduleRepository.
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) CreateSchedule(ctx context.Context, s *domain.ScheduledRun) error {
	model := toScheduleModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating schedule: %w", err)
	}
	return nil
}

func (r *ScheduleRepository) UpdateSchedule(ctx context.Context, s *domain.ScheduledRun) error {
	model := toScheduleModel(s)
	result := r.db.WithContext(ctx).
		Model(&ScheduledRunModel{}).
		Where("id = ? AND org_id = ?", s.ID, s.OrgID).
		Select("name", "cron_expression", "input", "enabled",
			"next_run_at", "last_run_at", "last_execution_id", "last_error", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating schedule %s: %w", s.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (r *ScheduleRepository) GetSchedule(ctx context.Context, orgID, id uuid.UUID) (*domain.ScheduledRun, error) {
	var model ScheduledRunModel
	err := r.db.WithContext(ctx).First(&model, "id = ? AND org_id = ?", id, orgID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("getting schedule %s: %w", id, err)
	}
	return toScheduleDomain(&model), nil
}

func (r *ScheduleRepository) DeleteSchedule(ctx context.Context, orgID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Delete(&ScheduledRunModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting schedule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (r *ScheduleRepository) ListSchedules(ctx context.Context, orgID uuid.UUID) ([]domain.ScheduledRun, error) {
	var models []ScheduledRunModel
	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	out := make([]domain.ScheduledRun, len(models))
	for i := range models {
		out[i] = *toScheduleDomain(&models[i])
	}
	return out, nil
}

// ListDueSchedules returns enabled schedules due at or before now, across
// all organizations. The scheduler recomputes next_run_at after each fire.
func (r *ScheduleRepository) ListDueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduledRun, error) {
	var models []ScheduledRunModel
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing due schedules: %w", err)
	}
	out := make([]domain.ScheduledRun, len(models))
	for i := range models {
		out[i] = *toScheduleDomain(&models[i])
	}
	return out, nil
}
