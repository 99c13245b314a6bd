package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

type WarmingRepository interface {
	List(ctx context.Context) ([]domain.WarmingState, error)
	Save(ctx context.Context, state domain.WarmingState) error
	Delete(ctx context.Context, providerID string) error
}

type GormWarmingRepo struct {
	db *gorm.DB
}

func NewGormWarmingRepo(db *gorm.DB) *GormWarmingRepo {
	return &GormWarmingRepo{db: db}
}

func (r *GormWarmingRepo) List(ctx context.Context) ([]domain.WarmingState, error) {
	var models []WarmingStateModel
	if err := r.db.WithContext(ctx).Order("provider_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	states := make([]domain.WarmingState, 0, len(models))
	for i := range models {
		states = append(states, warmingModelToDomain(&models[i]))
	}
	return states, nil
}

// Save upserts the warming state of one provider.
func (r *GormWarmingRepo) Save(ctx context.Context, state domain.WarmingState) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"started_at", "paused", "pause_reason", "updated_at"}),
		}).
		Create(warmingModelFromDomain(state)).Error
}

func (r *GormWarmingRepo) Delete(ctx context.Context, providerID string) error {
	return r.db.WithContext(ctx).Delete(&WarmingStateModel{}, "provider_id = ?", providerID).Error
}
