package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

type AttemptRepository interface {
	Append(ctx context.Context, a *domain.DeliveryAttempt) error
	StatsSince(ctx context.Context, since time.Time) ([]domain.AttemptStats, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

// Append inserts one attempt. Attempts are never updated.
func (r *GormAttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttempt) error {
	return r.db.WithContext(ctx).Create(attemptModelFromDomain(a)).Error
}

type attemptStatsRow struct {
	ProviderID string
	Sent       int64
	Transient  int64
	Permanent  int64
}

// StatsSince aggregates attempts per provider created at or after since.
func (r *GormAttemptRepo) StatsSince(ctx context.Context, since time.Time) ([]domain.AttemptStats, error) {
	var rows []attemptStatsRow
	err := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Select(`provider_id,
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END) AS sent,
			SUM(CASE WHEN error_class = ? THEN 1 ELSE 0 END) AS transient,
			SUM(CASE WHEN error_class = ? THEN 1 ELSE 0 END) AS permanent`,
			domain.OutcomeSent, domain.ErrorClassTransient, domain.ErrorClassPermanent,
		).
		Where("created_at >= ?", since).
		Group("provider_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make([]domain.AttemptStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, domain.AttemptStats{
			ProviderID: row.ProviderID,
			Sent:       row.Sent,
			Transient:  row.Transient,
			Permanent:  row.Permanent,
		})
	}
	return stats, nil
}
