package db

import (
	"gorm.io/gorm"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

type Database struct {
	Orm *gorm.DB
}

func NewDatabase(orm *gorm.DB) Database {
	return Database{Orm: orm}
}

func (db Database) Initialize() error {
	err := db.Orm.AutoMigrate(
		&models.Migration{},
	)
	if err != nil {
		return err
	}

	return nil
}
