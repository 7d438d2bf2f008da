package remotesites

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sodar-core/sodar-sync/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNoSourceSite indicates that no SOURCE site has been configured locally.
	ErrNoSourceSite = errors.New("remotesites: no source site defined")
	// ErrSiteNotFound indicates that no site matched the lookup.
	ErrSiteNotFound = errors.New("remotesites: site not found")
	// ErrSourceExists indicates an attempt to register a second SOURCE site.
	ErrSourceExists = errors.New("remotesites: source site already exists")
	// ErrDuplicateName indicates that a site with the same name exists.
	ErrDuplicateName = errors.New("remotesites: site name already in use")
	// ErrDuplicateSecret indicates that a site with the same secret exists.
	ErrDuplicateSecret = errors.New("remotesites: site secret already in use")
	// ErrModeMismatch indicates a site mode that cannot be added in the local site mode.
	ErrModeMismatch = errors.New("remotesites: site mode not allowed for local site mode")
	// ErrInvalidSite indicates that site input failed validation.
	ErrInvalidSite = errors.New("remotesites: invalid site")

	errMissingDatabase   = errors.New("remotesites: database connection required")
	errMissingIDProvider = errors.New("remotesites: id provider required")
)

// ServiceConfig describes the dependencies of the site administration service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages remote site records and per-project access grants.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	now        func() time.Time
	logger     *zap.Logger
	validate   *validator.Validate
}

// NewService constructs the site administration service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		now:        clock,
		logger:     logger,
		validate:   validation.New(),
	}, nil
}

// SiteInput carries the attributes of a site registered by an operator.
type SiteInput struct {
	Name        string   `json:"name" validate:"required,max=255"`
	URL         string   `json:"url" validate:"required,http_url,max=2000"`
	Mode        SiteMode `json:"mode" validate:"required,oneof=SOURCE TARGET"`
	Description string   `json:"description"`
	Secret      string   `json:"secret" validate:"omitempty,min=32,max=255"`
	UserDisplay bool     `json:"user_display"`
}

// AddSite registers a remote site. On a TARGET installation only the SOURCE site can be
// added, on a SOURCE installation only TARGET sites. An empty secret is generated.
func (s *Service) AddSite(ctx context.Context, localMode SiteMode, input SiteInput) (RemoteSite, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.URL = strings.TrimRight(strings.TrimSpace(input.URL), "/")
	input.Secret = strings.TrimSpace(input.Secret)
	if err := s.validate.Struct(input); err != nil {
		return RemoteSite{}, fmt.Errorf("%w: %s", ErrInvalidSite, validation.Format(err))
	}
	if (localMode == ModeTarget && input.Mode != ModeSource) || (localMode == ModeSource && input.Mode != ModeTarget) {
		return RemoteSite{}, fmt.Errorf("%w: cannot add %s site to %s site", ErrModeMismatch, input.Mode, localMode)
	}

	if input.Secret == "" {
		secret, err := s.idProvider.NewSecret()
		if err != nil {
			return RemoteSite{}, err
		}
		input.Secret = secret
	}
	siteUUID, err := s.idProvider.NewID()
	if err != nil {
		return RemoteSite{}, err
	}

	site := RemoteSite{
		UUID:        siteUUID,
		Name:        input.Name,
		URL:         input.URL,
		Mode:        input.Mode,
		Description: input.Description,
		Secret:      input.Secret,
		UserDisplay: input.UserDisplay,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if input.Mode == ModeSource {
			if err := tx.Model(&RemoteSite{}).Where("mode = ?", ModeSource).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrSourceExists
			}
		}
		if err := tx.Model(&RemoteSite{}).Where("name = ?", site.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateName, site.Name)
		}
		if err := tx.Model(&RemoteSite{}).Where("secret = ?", site.Secret).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateSecret
		}
		return tx.Create(&site).Error
	})
	if err != nil {
		return RemoteSite{}, err
	}

	s.logger.Info("remote site added",
		zap.String("site", site.Name),
		zap.String("mode", string(site.Mode)),
		zap.String("url", site.URL))
	return site, nil
}

// SourceSite returns the single SOURCE site configured on a TARGET installation.
func (s *Service) SourceSite(ctx context.Context) (RemoteSite, error) {
	var site RemoteSite
	err := s.db.WithContext(ctx).Where("mode = ?", ModeSource).Order("id ASC").Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RemoteSite{}, ErrNoSourceSite
	}
	if err != nil {
		return RemoteSite{}, err
	}
	return site, nil
}

// SiteBySecret returns the TARGET site authenticating with secret.
func (s *Service) SiteBySecret(ctx context.Context, secret string) (RemoteSite, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return RemoteSite{}, ErrSiteNotFound
	}
	var site RemoteSite
	err := s.db.WithContext(ctx).Where("secret = ? AND mode = ?", secret, ModeTarget).Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RemoteSite{}, ErrSiteNotFound
	}
	if err != nil {
		return RemoteSite{}, err
	}
	return site, nil
}

// SiteByName returns the site registered under name.
func (s *Service) SiteByName(ctx context.Context, name string) (RemoteSite, error) {
	var site RemoteSite
	err := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RemoteSite{}, fmt.Errorf("%w: %s", ErrSiteNotFound, name)
	}
	if err != nil {
		return RemoteSite{}, err
	}
	return site, nil
}

// SetProjectAccess grants a site the given wire level on a project. A revoked grant
// keeps its last level.
func (s *Service) SetProjectAccess(ctx context.Context, siteID uint, projectUUID string, rawLevel string) (RemoteProject, error) {
	level, revoked, err := ParseLevel(rawLevel)
	if err != nil {
		return RemoteProject{}, err
	}
	projectUUID = strings.TrimSpace(projectUUID)
	if projectUUID == "" {
		return RemoteProject{}, fmt.Errorf("remotesites: project uuid required")
	}

	var grant RemoteProject
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("site_id = ? AND project_uuid = ?", siteID, projectUUID).Take(&grant).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			grant = RemoteProject{SiteID: siteID, ProjectUUID: projectUUID, Available: true}
		} else if err != nil {
			return err
		}
		grant.Revoked = revoked
		if !revoked {
			grant.Level = level
		}
		return tx.Save(&grant).Error
	})
	if err != nil {
		return RemoteProject{}, err
	}
	return grant, nil
}

// ProjectGrants lists every remote project record of a site.
func (s *Service) ProjectGrants(ctx context.Context, siteID uint) ([]RemoteProject, error) {
	var grants []RemoteProject
	if err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("project_uuid ASC").
		Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}
