package remotesync

import (
	"testing"

	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
)

func TestOrderProjectsPlacesParentsFirst(t *testing.T) {
	entries := map[string]ProjectData{
		"leaf":   {ParentUUID: stringPtr("middle")},
		"middle": {ParentUUID: stringPtr("root")},
		"root":   {},
		"local":  {ParentUUID: stringPtr("not-in-payload")},
	}
	problems := &problemSet{}
	ordered := orderProjects(entries, problems)
	if !problems.empty() {
		t.Fatalf("unexpected problems: %v", problems.err())
	}
	if len(ordered) != 4 {
		t.Fatalf("expected four projects, got %v", ordered)
	}

	position := make(map[string]int, len(ordered))
	for index, projectUUID := range ordered {
		position[projectUUID] = index
	}
	if position["root"] > position["middle"] || position["middle"] > position["leaf"] {
		t.Fatalf("parents must precede children: %v", ordered)
	}
}

func TestOrderProjectsReportsSelfReference(t *testing.T) {
	entries := map[string]ProjectData{
		"self": {ParentUUID: stringPtr("self")},
		"ok":   {},
	}
	problems := &problemSet{}
	ordered := orderProjects(entries, problems)
	if len(ordered) != 1 || ordered[0] != "ok" {
		t.Fatalf("expected only the valid project, got %v", ordered)
	}
	syncErr, isSyncErr := problems.err().(*SyncError)
	if !isSyncErr || len(syncErr.Problems) != 1 || syncErr.Problems[0].UUID != "self" {
		t.Fatalf("expected cycle problem for self, got %v", problems.err())
	}
}

func TestResolveProjectCreatesRemoteProject(t *testing.T) {
	parentID := uint(7)
	incoming := ProjectData{Title: "New", Description: "d", Readme: "r"}

	resolution := resolveProject(nil, "p-1", incoming, projects.TypeProject, &parentID, remotesites.LevelInfo)
	if resolution.status != StatusCreated {
		t.Fatalf("expected created, got %s", resolution.status)
	}
	project := resolution.project
	if project.UUID != "p-1" || project.Title != "New" || !project.Remote {
		t.Fatalf("unexpected project %#v", project)
	}
	if project.ParentID == nil || *project.ParentID != 7 {
		t.Fatalf("unexpected parent %v", project.ParentID)
	}
	parentID = 9
	if *project.ParentID != 7 {
		t.Fatalf("parent id must be copied")
	}
}

func TestResolveProjectRespectsLevel(t *testing.T) {
	existing := &projects.Project{ID: 3, UUID: "p-1", Title: "Old", Type: projects.TypeProject}
	incoming := ProjectData{Title: "New"}

	info := resolveProject(existing, "p-1", incoming, projects.TypeProject, nil, remotesites.LevelInfo)
	if info.status != StatusUnchanged || info.project.Title != "Old" {
		t.Fatalf("INFO must not update, got %s %q", info.status, info.project.Title)
	}

	view := resolveProject(existing, "p-1", incoming, projects.TypeProject, nil, remotesites.LevelViewAvail)
	if view.status != StatusUpdated || view.project.Title != "New" || view.project.ID != 3 {
		t.Fatalf("VIEW_AVAIL must update in place, got %s %#v", view.status, view.project)
	}
	if existing.Title != "Old" {
		t.Fatalf("existing project must not be mutated")
	}

	same := resolveProject(existing, "p-1", ProjectData{Title: "Old"}, projects.TypeProject, nil, remotesites.LevelReadRoles)
	if same.status != StatusUnchanged {
		t.Fatalf("expected unchanged, got %s", same.status)
	}
}

func testCatalogue() projects.Catalogue {
	return projects.NewCatalogue([]projects.Role{
		{ID: 1, Name: projects.RoleOwner, Rank: 10},
		{ID: 2, Name: projects.RoleDelegate, Rank: 20},
		{ID: 3, Name: projects.RoleContributor, Rank: 30},
		{ID: 4, Name: projects.RoleGuest, Rank: 40},
	})
}

func TestPlanRoleChangesReplacesSet(t *testing.T) {
	catalogue := testCatalogue()
	owner, _ := catalogue.ByName(projects.RoleOwner)
	guest, _ := catalogue.ByName(projects.RoleGuest)
	existing := []projects.RoleAssignment{
		{ID: 10, ProjectID: 5, UserID: 100, RoleID: 1},
		{ID: 11, ProjectID: 5, UserID: 101, RoleID: 3},
		{ID: 12, ProjectID: 5, UserID: 102, RoleID: 2},
	}
	desired := map[uint]projects.Role{100: owner, 101: guest, 103: guest}
	inherited := map[uint]struct{}{102: {}}

	changes := planRoleChanges(5, existing, desired, inherited, catalogue)
	if len(changes.create) != 1 || changes.create[0].UserID != 103 || changes.create[0].RoleID != guest.ID {
		t.Fatalf("unexpected creates %#v", changes.create)
	}
	if len(changes.update) != 1 || changes.update[0].ID != 11 || changes.update[0].RoleID != guest.ID {
		t.Fatalf("unexpected updates %#v", changes.update)
	}
	if len(changes.remove) != 0 {
		t.Fatalf("inherited owner assignment must be kept, removed %#v", changes.remove)
	}
	if len(changes.final) != 4 {
		t.Fatalf("expected final set of four, got %#v", changes.final)
	}
	if err := projects.ValidateRoleSet(changes.final, 1, inherited); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestPlanRoleChangesRemovesUnlistedUsers(t *testing.T) {
	catalogue := testCatalogue()
	owner, _ := catalogue.ByName(projects.RoleOwner)
	existing := []projects.RoleAssignment{
		{ID: 10, ProjectID: 5, UserID: 100, RoleID: 1},
		{ID: 11, ProjectID: 5, UserID: 101, RoleID: 4},
	}

	changes := planRoleChanges(5, existing, map[uint]projects.Role{100: owner}, nil, catalogue)
	if len(changes.remove) != 1 || changes.remove[0].ID != 11 {
		t.Fatalf("unexpected removals %#v", changes.remove)
	}
	if changes.count() != 1 {
		t.Fatalf("expected one change, got %d", changes.count())
	}
}

func TestPlanRoleChangesReplacesInheritedOwnerOnTransfer(t *testing.T) {
	catalogue := testCatalogue()
	owner, _ := catalogue.ByName(projects.RoleOwner)
	existing := []projects.RoleAssignment{
		{ID: 10, ProjectID: 5, UserID: 100, RoleID: owner.ID},
	}
	inherited := map[uint]struct{}{100: {}}

	changes := planRoleChanges(5, existing, map[uint]projects.Role{101: owner}, inherited, catalogue)
	if len(changes.remove) != 1 || changes.remove[0].ID != 10 {
		t.Fatalf("expected previous owner to be removed, got %#v", changes.remove)
	}
	if len(changes.create) != 1 || changes.create[0].UserID != 101 {
		t.Fatalf("unexpected creates %#v", changes.create)
	}
	if err := projects.ValidateRoleSet(changes.final, 1, inherited); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
