package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch) error
	Complete(ctx context.Context, b *domain.Batch) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

// Complete stores the final counts and status of a batch.
func (r *GormBatchRepo) Complete(ctx context.Context, b *domain.Batch) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"sent_count":          b.SentCount,
			"failed_count":        b.FailedCount,
			"not_attempted_count": b.NotAttemptedCount,
			"status":              b.Status,
			"updated_at":          b.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}
