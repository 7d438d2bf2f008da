package remotesync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sodar-core/sodar-sync/internal/database"
	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/sodar-core/sodar-sync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func openTestDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), name), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clock *testClock, configure func(*ServiceConfig)) *Service {
	t.Helper()
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	cfg := ServiceConfig{
		Database:      db,
		Users:         userService,
		Clock:         clock.Now,
		DelegateLimit: 1,
	}
	if configure != nil {
		configure(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to create sync service: %v", err)
	}
	return service
}

func mustCreateSite(t *testing.T, db *gorm.DB, name string, mode remotesites.SiteMode, secret string) remotesites.RemoteSite {
	t.Helper()
	site := remotesites.RemoteSite{
		UUID:   name + "-uuid",
		Name:   name,
		URL:    "https://" + name + ".example.com",
		Mode:   mode,
		Secret: secret,
	}
	if err := db.Create(&site).Error; err != nil {
		t.Fatalf("failed to create site %s: %v", name, err)
	}
	return site
}

func mustDecode(t *testing.T, body string) Payload {
	t.Helper()
	payload, err := DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	return payload
}

func stringPtr(value string) *string {
	return &value
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func mustProject(t *testing.T, db *gorm.DB, projectUUID string) projects.Project {
	t.Helper()
	project, found, err := projects.FindByUUID(db, projectUUID)
	if err != nil {
		t.Fatalf("failed to load project %s: %v", projectUUID, err)
	}
	if !found {
		t.Fatalf("expected project %s to exist", projectUUID)
	}
	return project
}

func mustGrant(t *testing.T, db *gorm.DB, siteID uint, projectUUID string) remotesites.RemoteProject {
	t.Helper()
	var grant remotesites.RemoteProject
	if err := db.Where("site_id = ? AND project_uuid = ?", siteID, projectUUID).Take(&grant).Error; err != nil {
		t.Fatalf("failed to load grant for %s: %v", projectUUID, err)
	}
	return grant
}

// roleSet maps usernames to role names for one project.
func roleSet(t *testing.T, db *gorm.DB, projectUUID string) map[string]string {
	t.Helper()
	var rows []struct {
		Username string
		Name     string
	}
	err := db.Table("role_assignments").
		Select("users.username, roles.name").
		Joins("JOIN users ON users.id = role_assignments.user_id").
		Joins("JOIN roles ON roles.id = role_assignments.role_id").
		Joins("JOIN projects ON projects.id = role_assignments.project_id").
		Where("projects.uuid = ?", projectUUID).
		Scan(&rows).Error
	if err != nil {
		t.Fatalf("failed to load roles of %s: %v", projectUUID, err)
	}
	set := make(map[string]string, len(rows))
	for _, row := range rows {
		set[row.Username] = row.Name
	}
	return set
}

func assertRoleSet(t *testing.T, db *gorm.DB, projectUUID string, expected map[string]string) {
	t.Helper()
	actual := roleSet(t, db, projectUUID)
	if len(actual) != len(expected) {
		t.Fatalf("unexpected role set for %s: %#v, want %#v", projectUUID, actual, expected)
	}
	for username, role := range expected {
		if actual[username] != role {
			t.Fatalf("unexpected role set for %s: %#v, want %#v", projectUUID, actual, expected)
		}
	}
}

func assertProblemUUIDs(t *testing.T, err error, expected ...string) *SyncError {
	t.Helper()
	syncErr, ok := err.(*SyncError)
	if !ok {
		t.Fatalf("expected *SyncError, got %T: %v", err, err)
	}
	uuids := syncErr.ProjectUUIDs()
	if len(uuids) != len(expected) {
		t.Fatalf("unexpected offending projects %v, want %v", uuids, expected)
	}
	for i := range expected {
		if uuids[i] != expected[i] {
			t.Fatalf("unexpected offending projects %v, want %v", uuids, expected)
		}
	}
	return syncErr
}
