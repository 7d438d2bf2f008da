package remotesites

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SiteMode describes the role a remote site plays relative to this installation.
type SiteMode string

const (
	// ModeSource is the authoritative site that owns project and role data.
	ModeSource SiteMode = "SOURCE"
	// ModeTarget mirrors a subset of the source's projects.
	ModeTarget SiteMode = "TARGET"
	// ModePeer is another target of the same source, known through sync.
	ModePeer SiteMode = "PEER"
)

// ErrInvalidMode indicates a site mode string that is not recognized.
var ErrInvalidMode = errors.New("remotesites: invalid site mode")

// ParseMode validates a site mode name.
func ParseMode(raw string) (SiteMode, error) {
	mode := SiteMode(strings.ToUpper(strings.TrimSpace(raw)))
	switch mode {
	case ModeSource, ModeTarget, ModePeer:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// RemoteSite is a peer installation this site exchanges project data with.
type RemoteSite struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UUID        string    `gorm:"column:uuid;size:36;not null;uniqueIndex"`
	Name        string    `gorm:"column:name;size:255;not null;uniqueIndex"`
	URL         string    `gorm:"column:url;size:2000;not null"`
	Mode        SiteMode  `gorm:"column:mode;size:16;not null;index"`
	Description string    `gorm:"column:description;type:text"`
	Secret      string    `gorm:"column:secret;size:255;not null;default:'';index"`
	UserDisplay bool      `gorm:"column:user_display;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (RemoteSite) TableName() string {
	return "remote_sites"
}

// RemoteProject records what a remote site may see of a project.
type RemoteProject struct {
	ID          uint        `gorm:"column:id;primaryKey;autoIncrement"`
	SiteID      uint        `gorm:"column:site_id;not null;uniqueIndex:idx_remote_projects_site_project,priority:1"`
	ProjectUUID string      `gorm:"column:project_uuid;size:36;not null;uniqueIndex:idx_remote_projects_site_project,priority:2;index"`
	Level       AccessLevel `gorm:"column:level;size:16;not null"`
	Revoked     bool        `gorm:"column:revoked;not null;default:false"`
	Available   bool        `gorm:"column:available;not null;default:false"`
	DateAccess  *time.Time  `gorm:"column:date_access"`
	CreatedAt   time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (RemoteProject) TableName() string {
	return "remote_projects"
}

// LevelName returns the wire level, REVOKED when the revoked flag is set.
func (p RemoteProject) LevelName() string {
	if p.Revoked {
		return RevokedName
	}
	return p.Level.String()
}
