package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/esp-dispatch/internal/repository"
)

func createProviderStatesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_provider_states",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.ProviderStateModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ProviderStateModel{})
		},
	}
}
