package remotesync

import (
	"sort"

	"github.com/samber/lo"
	"github.com/sodar-core/sodar-sync/internal/projects"
)

type roleChanges struct {
	create []projects.RoleAssignment
	update []projects.RoleAssignment
	remove []projects.RoleAssignment
	final  []projects.Membership
}

func (c roleChanges) count() int {
	return len(c.create) + len(c.update) + len(c.remove)
}

// planRoleChanges replaces the role set of a project with desired. Existing assignments
// of inherited owners are kept even when the source does not list them, unless the kept
// assignment is the owner role and desired names another owner.
func planRoleChanges(projectID uint, existing []projects.RoleAssignment, desired map[uint]projects.Role, inherited map[uint]struct{}, catalogue projects.Catalogue) roleChanges {
	existingByUser := lo.KeyBy(existing, func(assignment projects.RoleAssignment) uint {
		return assignment.UserID
	})

	userIDs := lo.Keys(desired)
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	desiredOwner := lo.SomeBy(userIDs, func(userID uint) bool {
		return desired[userID].Name == projects.RoleOwner
	})

	changes := roleChanges{}
	for _, userID := range userIDs {
		role := desired[userID]
		changes.final = append(changes.final, projects.Membership{UserID: userID, Role: role.Name})

		current, ok := existingByUser[userID]
		if !ok {
			changes.create = append(changes.create, projects.RoleAssignment{
				ProjectID: projectID,
				UserID:    userID,
				RoleID:    role.ID,
			})
			continue
		}
		if current.RoleID != role.ID {
			current.RoleID = role.ID
			changes.update = append(changes.update, current)
		}
	}

	for _, assignment := range existing {
		if _, ok := desired[assignment.UserID]; ok {
			continue
		}
		if _, ok := inherited[assignment.UserID]; ok {
			roleName := ""
			if role, found := catalogue.ByID(assignment.RoleID); found {
				roleName = role.Name
			}
			if roleName == projects.RoleOwner && desiredOwner {
				changes.remove = append(changes.remove, assignment)
				continue
			}
			changes.final = append(changes.final, projects.Membership{UserID: assignment.UserID, Role: roleName})
			continue
		}
		changes.remove = append(changes.remove, assignment)
	}
	return changes
}
