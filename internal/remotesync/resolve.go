package remotesync

import (
	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
)

// ProjectStatus is the per-project result of a sync.
type ProjectStatus string

const (
	StatusCreated   ProjectStatus = "created"
	StatusUpdated   ProjectStatus = "updated"
	StatusUnchanged ProjectStatus = "unchanged"
	StatusRevoked   ProjectStatus = "revoked"
	StatusSkipped   ProjectStatus = "skipped"
)

type projectResolution struct {
	status  ProjectStatus
	project projects.Project
}

// resolveProject decides how incoming project data changes the local row. Metadata is
// only refreshed from VIEW_AVAIL upwards; the source wins on every differing field.
func resolveProject(existing *projects.Project, projectUUID string, incoming ProjectData, projectType projects.ProjectType, parentID *uint, level remotesites.AccessLevel) projectResolution {
	if existing == nil {
		return projectResolution{
			status: StatusCreated,
			project: projects.Project{
				UUID:        projectUUID,
				Title:       incoming.Title,
				Type:        projectType,
				ParentID:    copyID(parentID),
				Description: incoming.Description,
				Readme:      incoming.Readme,
				Remote:      true,
			},
		}
	}

	stored := *existing
	if !level.AtLeast(remotesites.LevelViewAvail) {
		return projectResolution{status: StatusUnchanged, project: stored}
	}

	updated := stored
	changed := false
	if updated.Title != incoming.Title {
		updated.Title = incoming.Title
		changed = true
	}
	if updated.Description != incoming.Description {
		updated.Description = incoming.Description
		changed = true
	}
	if updated.Readme != incoming.Readme {
		updated.Readme = incoming.Readme
		changed = true
	}
	if !sameID(updated.ParentID, parentID) {
		updated.ParentID = copyID(parentID)
		changed = true
	}

	if !changed {
		return projectResolution{status: StatusUnchanged, project: stored}
	}
	return projectResolution{status: StatusUpdated, project: updated}
}

func sameID(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyID(id *uint) *uint {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}
