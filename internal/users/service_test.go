package users

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveSyncUserCreatesNonInteractiveUser(t *testing.T) {
	service, db := newTestService(t)

	profile := &Profile{Username: "alice", Name: "Alice", Email: "alice@example.com", Groups: []string{"lab"}}
	user, created, err := service.ResolveSyncUser(nil, "u-1", profile)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !created {
		t.Fatalf("expected user to be created")
	}
	if user.Interactive {
		t.Fatalf("sync-created user must not be interactive")
	}

	// second call must find the same row instead of creating a duplicate.
	again, created, err := service.ResolveSyncUser(nil, "u-1", profile)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if created || again.ID != user.ID {
		t.Fatalf("expected existing user %d, got %d (created=%v)", user.ID, again.ID, created)
	}

	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one user row, got %d", count)
	}
}

func TestResolveSyncUserRefreshesProfile(t *testing.T) {
	service, db := newTestService(t)

	if _, _, err := service.ResolveSyncUser(nil, "u-1", &Profile{Username: "alice", Email: "old@example.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	updated, _, err := service.ResolveSyncUser(nil, "u-1", &Profile{Username: "alice", Name: "Alice A", Email: "new@example.com", Groups: []string{"x"}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Email != "new@example.com" || updated.Name != "Alice A" {
		t.Fatalf("unexpected profile after refresh: %+v", updated)
	}

	var stored User
	if err := db.Where("uuid = ?", "u-1").Take(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Email != "new@example.com" || len(stored.Groups) != 1 || stored.Groups[0] != "x" {
		t.Fatalf("profile was not persisted: %+v", stored)
	}
}

func TestResolveSyncUserErrors(t *testing.T) {
	service, _ := newTestService(t)

	if _, _, err := service.ResolveSyncUser(nil, "missing", nil); !errors.Is(err, ErrUnresolvableUser) {
		t.Fatalf("expected unresolvable user error, got %v", err)
	}
	if _, _, err := service.ResolveSyncUser(nil, "u-2", &Profile{Username: " "}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected invalid profile error, got %v", err)
	}
	if _, _, err := service.ResolveSyncUser(nil, "u-1", &Profile{Username: "bob"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := service.ResolveSyncUser(nil, "u-3", &Profile{Username: "bob"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected username taken error, got %v", err)
	}
}
