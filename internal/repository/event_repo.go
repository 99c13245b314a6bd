package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

type EventRepository interface {
	Append(ctx context.Context, e *domain.DeliveryEvent) error
	StatsSince(ctx context.Context, since time.Time) ([]domain.EventStats, error)
}

type GormEventRepo struct {
	db *gorm.DB
}

func NewGormEventRepo(db *gorm.DB) *GormEventRepo {
	return &GormEventRepo{db: db}
}

func (r *GormEventRepo) Append(ctx context.Context, e *domain.DeliveryEvent) error {
	return r.db.WithContext(ctx).Create(&DeliveryEventModel{
		ID:         e.ID,
		ProviderID: e.ProviderID,
		Type:       e.Type,
		CreatedAt:  e.CreatedAt,
	}).Error
}

type eventStatsRow struct {
	ProviderID  string
	HardBounces int64
	SoftBounces int64
	Complaints  int64
}

// StatsSince counts bounces and complaints per provider reported at or after since.
func (r *GormEventRepo) StatsSince(ctx context.Context, since time.Time) ([]domain.EventStats, error) {
	var rows []eventStatsRow
	err := r.db.WithContext(ctx).
		Model(&DeliveryEventModel{}).
		Select(`provider_id,
			SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END) AS hard_bounces,
			SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END) AS soft_bounces,
			SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END) AS complaints`,
			domain.EventHardBounce, domain.EventSoftBounce, domain.EventComplaint,
		).
		Where("created_at >= ?", since).
		Group("provider_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make([]domain.EventStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, domain.EventStats(row))
	}
	return stats, nil
}
