package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/esp-dispatch/internal/repository"
)

func createDeliveryEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_delivery_events",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.DeliveryEventModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryEventModel{})
		},
	}
}
