package versions

import (
	"log"

	"fileexchange/portal/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

/*
 * The previous portal generation stored accounts with integer ids and the
 * password hash under a different column name. This migration reshapes the
 * users table in place so the current schema's AutoMigrate can take over from
 * here. The invites table already matches and only needs AutoMigrate.
 */

func migrateUsers(txn *gorm.DB) error {
	log.Println("migrating table 'users'")

	type User struct {
		NewId uuid.UUID `gorm:"type:uuid"`
	}

	if err := txn.Migrator().RenameColumn(&User{}, "password_hash", "password"); err != nil {
		return err
	}

	if err := txn.Migrator().AddColumn(&User{}, "NewId"); err != nil {
		return err
	}

	var usernames []string
	if err := txn.Model(&User{}).Pluck("username", &usernames).Error; err != nil {
		return err
	}
	for _, username := range usernames {
		err := txn.Model(&User{}).Where("username = ?", username).Update("new_id", uuid.New()).Error
		if err != nil {
			return err
		}
	}

	if err := txn.Migrator().DropColumn(&User{}, "id"); err != nil {
		return err
	}
	if err := txn.Migrator().RenameColumn(&User{}, "new_id", "id"); err != nil {
		return err
	}

	log.Println("table 'users' migration complete")
	return nil
}

func Migration_1_legacy_portal(txn *gorm.DB) error {
	if err := migrateUsers(txn); err != nil {
		return err
	}

	// AutoMigrate fills in whatever columns and constraints are still missing
	// after the renames.
	return txn.AutoMigrate(&schema.User{}, &schema.Invite{})
}
