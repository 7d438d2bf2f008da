package projects

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProjectType distinguishes containers from leaf projects.
type ProjectType string

const (
	// TypeCategory may contain categories and projects.
	TypeCategory ProjectType = "CATEGORY"
	// TypeProject is a leaf and may not contain anything.
	TypeProject ProjectType = "PROJECT"
)

// Role names as exchanged between sites.
const (
	RoleOwner       = "project owner"
	RoleDelegate    = "project delegate"
	RoleContributor = "project contributor"
	RoleGuest       = "project guest"
)

var (
	// ErrInvalidType indicates a project type that is not recognized.
	ErrInvalidType = errors.New("projects: invalid project type")
	// ErrInvalidParent indicates a parent that cannot contain children.
	ErrInvalidParent = errors.New("projects: parent must be a category")
	// ErrMultipleOwners indicates a role set with more than one owner.
	ErrMultipleOwners = errors.New("projects: project can only have one owner")
	// ErrDelegateLimit indicates a role set over the configured delegate limit.
	ErrDelegateLimit = errors.New("projects: delegate limit exceeded")
	// ErrUnknownRole indicates a role name missing from the role catalogue.
	ErrUnknownRole = errors.New("projects: unknown role")
)

// ParseType validates a project type name.
func ParseType(raw string) (ProjectType, error) {
	projectType := ProjectType(strings.ToUpper(strings.TrimSpace(raw)))
	switch projectType {
	case TypeCategory, TypeProject:
		return projectType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, raw)
	}
}

// Project is a node in the category/project hierarchy.
type Project struct {
	ID          uint        `gorm:"column:id;primaryKey;autoIncrement"`
	UUID        string      `gorm:"column:uuid;size:36;not null;uniqueIndex"`
	Title       string      `gorm:"column:title;size:255;not null"`
	Type        ProjectType `gorm:"column:type;size:16;not null"`
	ParentID    *uint       `gorm:"column:parent_id;index"`
	Description string      `gorm:"column:description;type:text"`
	Readme      string      `gorm:"column:readme;type:text"`
	Remote      bool        `gorm:"column:remote;not null;default:false"`
	CreatedAt   time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Role is an entry of the role catalogue. Lower rank means more privileges.
type Role struct {
	ID   uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:64;not null;uniqueIndex"`
	Rank int    `gorm:"column:role_rank;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Role) TableName() string {
	return "roles"
}

// DefaultRoles is the catalogue seeded into every installation.
var DefaultRoles = []Role{
	{Name: RoleOwner, Rank: 10},
	{Name: RoleDelegate, Rank: 20},
	{Name: RoleContributor, Rank: 30},
	{Name: RoleGuest, Rank: 40},
}

// RoleAssignment grants a user one role in one project.
type RoleAssignment struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	ProjectID uint      `gorm:"column:project_id;not null;uniqueIndex:idx_role_assignments_project_user,priority:1"`
	UserID    uint      `gorm:"column:user_id;not null;uniqueIndex:idx_role_assignments_project_user,priority:2;index"`
	RoleID    uint      `gorm:"column:role_id;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (RoleAssignment) TableName() string {
	return "role_assignments"
}
