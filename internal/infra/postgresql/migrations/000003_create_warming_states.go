package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/esp-dispatch/internal/repository"
)

func createWarmingStatesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_warming_states",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.WarmingStateModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WarmingStateModel{})
		},
	}
}
