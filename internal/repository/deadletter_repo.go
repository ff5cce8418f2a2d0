package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/notifyq/notifyq/internal/domain"
)

const (
	// maxDeadLetterRows bounds the quarantine table like the broker-side queue.
	maxDeadLetterRows = 10_000
	defaultPageSize   = 50
	maxPageSize       = 100
)

type DeadLetterListParams struct {
	Channel        *domain.Channel
	NotificationID string
	Page           int
	PageSize       int
}

// DeadLetterRepository persists quarantined deliveries for inspection.
type DeadLetterRepository interface {
	Create(ctx context.Context, record *domain.DeadLetterRecord) error
	List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterRecord, int64, error)
	// Prune drops records older than the cutoff and trims the table to its
	// row cap, oldest first. Returns the number of rows removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type GormDeadLetterRepo struct {
	db *gorm.DB
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db}
}

func (r *GormDeadLetterRepo) Create(ctx context.Context, record *domain.DeadLetterRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	model := deadLetterModelFromDomain(record)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}

	*record = *deadLetterModelToDomain(model)
	return nil
}

func (r *GormDeadLetterRepo) List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})

	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if params.NotificationID != "" {
		query = query.Where("notification_id = ?", params.NotificationID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	var models []DeadLetterModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	records := make([]domain.DeadLetterRecord, 0, len(models))
	for i := range models {
		records = append(records, *deadLetterModelToDomain(&models[i]))
	}

	return records, total, nil
}

func (r *GormDeadLetterRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	expired := r.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&DeadLetterModel{})
	if expired.Error != nil {
		return 0, expired.Error
	}
	removed := expired.RowsAffected

	var total int64
	if err := r.db.WithContext(ctx).Model(&DeadLetterModel{}).Count(&total).Error; err != nil {
		return removed, err
	}
	if total <= maxDeadLetterRows {
		return removed, nil
	}

	overflow := r.db.WithContext(ctx).Exec(`
		DELETE FROM dead_letters
		WHERE id IN (
			SELECT id FROM dead_letters
			ORDER BY created_at ASC
			LIMIT ?
		)`, total-maxDeadLetterRows)
	if overflow.Error != nil {
		return removed, overflow.Error
	}

	return removed + overflow.RowsAffected, nil
}
