package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrInviteNotFound = errors.New("invite not found")
	ErrDbAccessFailed = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserByUsername(username string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by username", "username", username, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetInvite(code string, db *gorm.DB) (Invite, error) {
	var invite Invite

	result := db.First(&invite, "code = ?", code)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return invite, ErrInviteNotFound
		}
		slog.Error("sql error in get invite", "error", result.Error)
		return invite, ErrDbAccessFailed
	}

	return invite, nil
}

// CountActiveSupers backs the last-active-super guard: the account table must
// always contain at least one active super.
func CountActiveSupers(db *gorm.DB) (int64, error) {
	var count int64
	result := db.Model(&User{}).Where("role = ? AND is_active = ?", RoleSuper, true).Count(&count)
	if result.Error != nil {
		slog.Error("sql error counting active supers", "error", result.Error)
		return 0, ErrDbAccessFailed
	}
	return count, nil
}

// ActiveEmails returns the non-empty email addresses of active accounts holding
// any of the given roles.
func ActiveEmails(db *gorm.DB, roles ...string) ([]string, error) {
	var emails []string
	result := db.Model(&User{}).
		Where("role IN ? AND is_active = ? AND email != ''", roles, true).
		Pluck("email", &emails)
	if result.Error != nil {
		slog.Error("sql error listing notification recipients", "error", result.Error)
		return nil, ErrDbAccessFailed
	}
	return emails, nil
}
