package users

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrUnresolvableUser indicates a user that neither exists locally nor can be created.
	ErrUnresolvableUser = errors.New("users: user not found and no profile to create it")
	// ErrUsernameTaken indicates a username already held by a different user uuid.
	ErrUsernameTaken = errors.New("users: username already in use")
	// ErrInvalidProfile indicates a profile without a username.
	ErrInvalidProfile = errors.New("users: profile requires a username")
)

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves users referenced by remote sync payloads.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveSyncUser returns the local user for userUUID. When the user is missing and a
// profile is available it is created non-interactive; an existing user gets its name,
// email and groups refreshed from the profile. The boolean reports creation.
// Pass the enclosing transaction as tx; nil uses the service connection.
func (s *Service) ResolveSyncUser(tx *gorm.DB, userUUID string, profile *Profile) (User, bool, error) {
	db := tx
	if db == nil {
		db = s.db
	}
	userUUID = normalize(userUUID)

	var user User
	err := db.Where("uuid = ?", userUUID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if profile == nil {
			return User{}, false, fmt.Errorf("%w: %s", ErrUnresolvableUser, userUUID)
		}
		return s.createSyncUser(db, userUUID, *profile)
	}
	if err != nil {
		return User{}, false, err
	}
	if profile == nil {
		return user, false, nil
	}

	updates := map[string]interface{}{}
	if name := normalize(profile.Name); name != "" && name != user.Name {
		updates["name"] = name
		user.Name = name
	}
	if email := normalize(profile.Email); email != "" && email != user.Email {
		updates["email"] = email
		user.Email = email
	}
	if profile.Groups != nil && !slices.Equal([]string(user.Groups), profile.Groups) {
		groups := datatypes.NewJSONSlice(slices.Clone(profile.Groups))
		updates["user_groups"] = groups
		user.Groups = groups
	}
	if len(updates) > 0 {
		updates["updated_at"] = s.now().UTC()
		if err := db.Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return User{}, false, err
		}
	}
	return user, false, nil
}

func (s *Service) createSyncUser(db *gorm.DB, userUUID string, profile Profile) (User, bool, error) {
	username := normalize(profile.Username)
	if username == "" {
		return User{}, false, fmt.Errorf("%w: %s", ErrInvalidProfile, userUUID)
	}

	var taken int64
	if err := db.Model(&User{}).Where("username = ?", username).Count(&taken).Error; err != nil {
		return User{}, false, err
	}
	if taken > 0 {
		return User{}, false, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}

	groups := profile.Groups
	if groups == nil {
		groups = []string{}
	}
	user := User{
		UUID:        userUUID,
		Username:    username,
		Name:        normalize(profile.Name),
		Email:       normalize(profile.Email),
		Groups:      datatypes.NewJSONSlice(slices.Clone(groups)),
		Interactive: false,
	}
	if err := db.Create(&user).Error; err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

// FindByIDs loads users by local id.
func (s *Service) FindByIDs(tx *gorm.DB, ids []uint) ([]User, error) {
	db := tx
	if db == nil {
		db = s.db
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var found []User
	if err := db.Where("id IN ?", ids).Order("id ASC").Find(&found).Error; err != nil {
		return nil, err
	}
	return found, nil
}
