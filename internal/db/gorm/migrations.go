package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_campaigns_players",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Campaign{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Player{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("players", "campaigns")
			},
		},
		{
			ID: "002_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Session{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions")
			},
		},
		{
			ID: "003_sessions_date_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_campaign_date ON sessions(campaign_id, date DESC)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_sessions_campaign_date`).Error
			},
		},
	})

	return m.Migrate()
}
