package users

import (
	"strings"
	"time"
)

// User is the directory entry for an identity that has passed the gate. The
// account service owns the identity; this table only mirrors what is needed
// to resolve invitations by email and to label sessions.
type User struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	Username   string    `gorm:"column:username;size:190;not null;default:''"`
	Email      string    `gorm:"column:email;size:320;not null;default:'';index:idx_users_email"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the user directory.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
