package repository

import (
	"time"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID         string            `gorm:"type:uuid;primaryKey"`
	BatchID    *string           `gorm:"type:uuid"`
	Recipient  string            `gorm:"type:varchar(320);not null"`
	ProviderID string            `gorm:"type:varchar(64);not null"`
	Outcome    domain.Outcome    `gorm:"type:varchar(20);not null"`
	ErrorClass domain.ErrorClass `gorm:"type:varchar(20);not null"`
	StatusCode *int              `gorm:"type:int"`
	MessageID  *string           `gorm:"type:varchar(255)"`
	Error      *string           `gorm:"type:text"`
	CreatedAt  time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// BatchModel is the persistence model for batches.
type BatchModel struct {
	ID                string             `gorm:"type:uuid;primaryKey"`
	TotalCount        int                `gorm:"not null"`
	SentCount         int                `gorm:"not null;default:0"`
	FailedCount       int                `gorm:"not null;default:0"`
	NotAttemptedCount int                `gorm:"not null;default:0"`
	Status            domain.BatchStatus `gorm:"type:varchar(20);not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// WarmingStateModel is the persistence model for warming_states.
type WarmingStateModel struct {
	ProviderID  string    `gorm:"type:varchar(64);primaryKey"`
	StartedAt   time.Time `gorm:"type:timestamptz;not null"`
	Paused      bool      `gorm:"not null;default:false"`
	PauseReason string    `gorm:"type:text;not null;default:''"`
	UpdatedAt   time.Time
}

func (WarmingStateModel) TableName() string {
	return "warming_states"
}

// ProviderStateModel is the persistence model for provider_states.
type ProviderStateModel struct {
	ProviderID   string                `gorm:"type:varchar(64);primaryKey"`
	Status       domain.ProviderStatus `gorm:"type:varchar(20);not null"`
	StatusReason string                `gorm:"type:text;not null;default:''"`
	Reputation   float64               `gorm:"not null"`
	UpdatedAt    time.Time
}

func (ProviderStateModel) TableName() string {
	return "provider_states"
}

// DeliveryEventModel is the persistence model for delivery_events.
type DeliveryEventModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	ProviderID string           `gorm:"type:varchar(64);not null;index:idx_delivery_events_provider_created,priority:1"`
	Type       domain.EventType `gorm:"column:event_type;type:varchar(20);not null"`
	CreatedAt  time.Time        `gorm:"index:idx_delivery_events_provider_created,priority:2"`
}

func (DeliveryEventModel) TableName() string {
	return "delivery_events"
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:         a.ID,
		BatchID:    a.BatchID,
		Recipient:  a.Recipient,
		ProviderID: a.ProviderID,
		Outcome:    a.Outcome,
		ErrorClass: a.ErrorClass,
		StatusCode: a.StatusCode,
		MessageID:  a.MessageID,
		Error:      a.Error,
		CreatedAt:  a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:         m.ID,
		BatchID:    m.BatchID,
		Recipient:  m.Recipient,
		ProviderID: m.ProviderID,
		Outcome:    m.Outcome,
		ErrorClass: m.ErrorClass,
		StatusCode: m.StatusCode,
		MessageID:  m.MessageID,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
	}
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:                b.ID,
		TotalCount:        b.TotalCount,
		SentCount:         b.SentCount,
		FailedCount:       b.FailedCount,
		NotAttemptedCount: b.NotAttemptedCount,
		Status:            b.Status,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:                m.ID,
		TotalCount:        m.TotalCount,
		SentCount:         m.SentCount,
		FailedCount:       m.FailedCount,
		NotAttemptedCount: m.NotAttemptedCount,
		Status:            m.Status,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func warmingModelFromDomain(s domain.WarmingState) *WarmingStateModel {
	return &WarmingStateModel{
		ProviderID:  s.ProviderID,
		StartedAt:   s.StartedAt,
		Paused:      s.Paused,
		PauseReason: s.PauseReason,
		UpdatedAt:   s.UpdatedAt,
	}
}

func warmingModelToDomain(m *WarmingStateModel) domain.WarmingState {
	return domain.WarmingState{
		ProviderID:  m.ProviderID,
		StartedAt:   m.StartedAt,
		Paused:      m.Paused,
		PauseReason: m.PauseReason,
		UpdatedAt:   m.UpdatedAt,
	}
}

func providerStateModelFromDomain(s domain.ProviderState) *ProviderStateModel {
	return &ProviderStateModel{
		ProviderID:   s.ProviderID,
		Status:       s.Status,
		StatusReason: s.StatusReason,
		Reputation:   s.Reputation,
		UpdatedAt:    s.UpdatedAt,
	}
}

func providerStateModelToDomain(m *ProviderStateModel) domain.ProviderState {
	return domain.ProviderState{
		ProviderID:   m.ProviderID,
		Status:       m.Status,
		StatusReason: m.StatusReason,
		Reputation:   m.Reputation,
		UpdatedAt:    m.UpdatedAt,
	}
}
