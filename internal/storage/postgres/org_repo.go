package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

// OrgRepository persists organizations.
type OrgRepository struct {
	db *gorm.DB
}

// NewOrgRepository creates an OrgRepository.
func NewOrgRepository(db *gorm.DB) *OrgRepository {
	return &OrgRepository{db: db}
}

func (r *OrgRepository) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	model := toOrgModel(org)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating organization: %w", err)
	}
	return nil
}

func (r *OrgRepository) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	var model OrgModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("getting organization %s: %w", id, err)
	}
	return toOrgDomain(&model), nil
}

func (r *OrgRepository) GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	var model OrgModel
	if err := r.db.WithContext(ctx).First(&model, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("getting organization %q: %w", slug, err)
	}
	return toOrgDomain(&model), nil
}

// EnsureOrganization creates the named organization if missing and returns
// its ID either way.
func (r *OrgRepository) EnsureOrganization(ctx context.Context, name string) (uuid.UUID, error) {
	var model OrgModel
	err := r.db.WithContext(ctx).First(&model, "name = ?", name).Error
	if err == nil {
		return model.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, fmt.Errorf("looking up organization %q: %w", name, err)
	}

	model = OrgModel{
		ID:   domain.NewID(),
		Name: name,
		Slug: slugify(name),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		// Lost a create race; fetch what won.
		var existing OrgModel
		if ferr := r.db.WithContext(ctx).First(&existing, "name = ?", name).Error; ferr == nil {
			return existing.ID, nil
		}
		return uuid.Nil, fmt.Errorf("creating organization %q: %w", name, err)
	}
	return model.ID, nil
}

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(s), "-")
}
