package projects

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const maxHierarchyDepth = 64

// errHierarchyLoop indicates parent links that never reach a root.
var errHierarchyLoop = errors.New("projects: parent hierarchy loops")

// FindByUUID loads a project by its external identifier. The boolean reports whether it exists.
func FindByUUID(db *gorm.DB, projectUUID string) (Project, bool, error) {
	var project Project
	err := db.Where("uuid = ?", projectUUID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, false, nil
	}
	if err != nil {
		return Project{}, false, err
	}
	return project, true, nil
}

// Ancestors returns the parent chain of project, nearest parent first.
func Ancestors(db *gorm.DB, project Project) ([]Project, error) {
	ancestors := make([]Project, 0, 4)
	seen := map[uint]struct{}{project.ID: {}}
	parentID := project.ParentID
	for parentID != nil {
		if _, ok := seen[*parentID]; ok || len(ancestors) >= maxHierarchyDepth {
			return nil, fmt.Errorf("%w: project %s", errHierarchyLoop, project.UUID)
		}
		seen[*parentID] = struct{}{}

		var parent Project
		if err := db.Where("id = ?", *parentID).Take(&parent).Error; err != nil {
			return nil, err
		}
		ancestors = append(ancestors, parent)
		parentID = parent.ParentID
	}
	return ancestors, nil
}

// ValidateParent enforces that children only nest under categories.
func ValidateParent(parent *Project) error {
	if parent == nil {
		return nil
	}
	if parent.Type != TypeCategory {
		return fmt.Errorf("%w: %s is a %s", ErrInvalidParent, parent.UUID, parent.Type)
	}
	return nil
}

// Catalogue indexes the role table by name and id.
type Catalogue struct {
	byName map[string]Role
	byID   map[uint]Role
}

// LoadCatalogue reads the role table.
func LoadCatalogue(db *gorm.DB) (Catalogue, error) {
	var roles []Role
	if err := db.Order("role_rank ASC").Find(&roles).Error; err != nil {
		return Catalogue{}, err
	}
	return NewCatalogue(roles), nil
}

// NewCatalogue indexes an already loaded role list.
func NewCatalogue(roles []Role) Catalogue {
	catalogue := Catalogue{
		byName: make(map[string]Role, len(roles)),
		byID:   make(map[uint]Role, len(roles)),
	}
	for _, role := range roles {
		catalogue.byName[role.Name] = role
		catalogue.byID[role.ID] = role
	}
	return catalogue
}

// ByName resolves a role name.
func (c Catalogue) ByName(name string) (Role, error) {
	role, ok := c.byName[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return role, nil
}

// ByID resolves a role id.
func (c Catalogue) ByID(id uint) (Role, bool) {
	role, ok := c.byID[id]
	return role, ok
}

// Assignments lists the role assignments of one project.
func Assignments(db *gorm.DB, projectID uint) ([]RoleAssignment, error) {
	var assignments []RoleAssignment
	if err := db.Where("project_id = ?", projectID).Order("id ASC").Find(&assignments).Error; err != nil {
		return nil, err
	}
	return assignments, nil
}

// OwnerUserIDs returns the users holding the owner role in any of the given projects.
func OwnerUserIDs(db *gorm.DB, catalogue Catalogue, projectIDs []uint) (map[uint]struct{}, error) {
	owners := make(map[uint]struct{})
	if len(projectIDs) == 0 {
		return owners, nil
	}
	ownerRole, err := catalogue.ByName(RoleOwner)
	if err != nil {
		return nil, err
	}
	var userIDs []uint
	if err := db.Model(&RoleAssignment{}).
		Where("project_id IN ? AND role_id = ?", projectIDs, ownerRole.ID).
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	for _, userID := range userIDs {
		owners[userID] = struct{}{}
	}
	return owners, nil
}

// Membership is one user's role in a proposed role set.
type Membership struct {
	UserID uint
	Role   string
}

// ValidateRoleSet checks the owner and delegate constraints of a complete role set.
// Users in exempt do not count against the delegate limit. A limit of zero is unlimited.
func ValidateRoleSet(memberships []Membership, delegateLimit int, exempt map[uint]struct{}) error {
	owners := 0
	delegates := 0
	for _, membership := range memberships {
		switch membership.Role {
		case RoleOwner:
			owners++
		case RoleDelegate:
			if _, ok := exempt[membership.UserID]; !ok {
				delegates++
			}
		}
	}
	if owners > 1 {
		return fmt.Errorf("%w: found %d", ErrMultipleOwners, owners)
	}
	if delegateLimit > 0 && delegates > delegateLimit {
		return fmt.Errorf("%w: %d over limit %d", ErrDelegateLimit, delegates, delegateLimit)
	}
	return nil
}
