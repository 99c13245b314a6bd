package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

type ProviderStateRepository interface {
	List(ctx context.Context) ([]domain.ProviderState, error)
	Save(ctx context.Context, states ...domain.ProviderState) error
}

type GormProviderStateRepo struct {
	db *gorm.DB
}

func NewGormProviderStateRepo(db *gorm.DB) *GormProviderStateRepo {
	return &GormProviderStateRepo{db: db}
}

func (r *GormProviderStateRepo) List(ctx context.Context) ([]domain.ProviderState, error) {
	var models []ProviderStateModel
	if err := r.db.WithContext(ctx).Order("provider_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	states := make([]domain.ProviderState, 0, len(models))
	for i := range models {
		states = append(states, providerStateModelToDomain(&models[i]))
	}
	return states, nil
}

// Save upserts the given provider states in one statement.
func (r *GormProviderStateRepo) Save(ctx context.Context, states ...domain.ProviderState) error {
	if len(states) == 0 {
		return nil
	}

	models := make([]*ProviderStateModel, 0, len(states))
	for _, s := range states {
		models = append(models, providerStateModelFromDomain(s))
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "status_reason", "reputation", "updated_at"}),
		}).
		Create(&models).Error
}
