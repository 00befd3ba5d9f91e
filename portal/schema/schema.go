package schema

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleSuper = "super"
	RoleAdmin = "admin"
	RoleUser  = "user"
)

func ValidRole(role string) bool {
	return role == RoleSuper || role == RoleAdmin || role == RoleUser
}

// IsStaff reports whether a role is an admin-gated role. Admin-gated actions
// always admit super as well.
func IsStaff(role string) bool {
	return role == RoleAdmin || role == RoleSuper
}

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"size:254"`
	Password []byte

	Role     string `gorm:"size:20;not null;default:'user'"`
	IsActive bool   `gorm:"not null;default:true"`

	CreatedAt time.Time
}

type Invite struct {
	Code string `gorm:"primaryKey;size:10"`

	IsUsed bool       `gorm:"not null;default:false"`
	UsedBy string     `gorm:"size:50"`
	UsedAt *time.Time

	CreatedAt time.Time
}
