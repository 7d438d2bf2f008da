package users

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// User is a local account. Accounts created by remote sync stay non-interactive
// until their first login.
type User struct {
	ID          uint                        `gorm:"column:id;primaryKey;autoIncrement"`
	UUID        string                      `gorm:"column:uuid;size:36;not null;uniqueIndex"`
	Username    string                      `gorm:"column:username;size:150;not null;uniqueIndex"`
	Name        string                      `gorm:"column:name;size:255"`
	Email       string                      `gorm:"column:email;size:320"`
	Groups      datatypes.JSONSlice[string] `gorm:"column:user_groups"`
	Interactive bool                        `gorm:"column:interactive;not null;default:false"`
	CreatedAt   time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// Profile is the user data a source site sends along with role assignments.
type Profile struct {
	Username string
	Name     string
	Email    string
	Groups   []string
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
