package repository

import (
	"time"

	"github.com/notifyq/notifyq/internal/domain"
)

// DeadLetterModel is the persistence model for the dead_letters table.
type DeadLetterModel struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	NotificationID string         `gorm:"type:varchar(64);not null"`
	UserID         string         `gorm:"type:varchar(64)"`
	Channel        domain.Channel `gorm:"type:varchar(10);not null"`
	Target         string         `gorm:"type:varchar(255)"`
	Payload        []byte         `gorm:"type:jsonb"`
	FailureReason  string         `gorm:"type:text;not null"`
	TotalAttempts  int            `gorm:"not null;default:0"`
	LastAttemptAt  time.Time      `gorm:"type:timestamptz"`
	CreatedAt      time.Time
}

func (DeadLetterModel) TableName() string {
	return "dead_letters"
}

func deadLetterModelFromDomain(r *domain.DeadLetterRecord) *DeadLetterModel {
	if r == nil {
		return nil
	}

	return &DeadLetterModel{
		ID:             r.ID,
		NotificationID: r.NotificationID,
		UserID:         r.UserID,
		Channel:        r.Channel,
		Target:         r.Target,
		Payload:        r.Payload,
		FailureReason:  r.FailureReason,
		TotalAttempts:  r.TotalAttempts,
		LastAttemptAt:  r.LastAttemptAt,
		CreatedAt:      r.CreatedAt,
	}
}

func deadLetterModelToDomain(m *DeadLetterModel) *domain.DeadLetterRecord {
	if m == nil {
		return nil
	}

	return &domain.DeadLetterRecord{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		UserID:         m.UserID,
		Channel:        m.Channel,
		Target:         m.Target,
		Payload:        m.Payload,
		FailureReason:  m.FailureReason,
		TotalAttempts:  m.TotalAttempts,
		LastAttemptAt:  m.LastAttemptAt,
		CreatedAt:      m.CreatedAt,
	}
}
