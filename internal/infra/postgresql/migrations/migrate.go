package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/notifyq/notifyq/internal/repository"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_dead_letters",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeadLetterModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters (created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_dead_letters_notification_id ON dead_letters (notification_id)`,
					`CREATE INDEX IF NOT EXISTS idx_dead_letters_channel_created ON dead_letters (channel, created_at)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeadLetterModel{})
			},
		},
	})

	return m.Migrate()
}
