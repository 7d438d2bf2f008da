package remotesites

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// AccessLevel is the ordered part of a remote project's visibility.
// REVOKED is not a level; it is carried separately as a flag.
type AccessLevel int

const (
	// LevelNone means the site does not know about the project.
	LevelNone AccessLevel = iota
	// LevelInfo exposes the existence and basic metadata of the project.
	LevelInfo
	// LevelViewAvail keeps project metadata in sync with the source.
	LevelViewAvail
	// LevelReadRoles additionally mirrors the project's role assignments.
	LevelReadRoles
)

// RevokedName is the wire name of a revoked remote project.
const RevokedName = "REVOKED"

// ErrInvalidLevel indicates an access level string that is not recognized.
var ErrInvalidLevel = errors.New("remotesites: invalid access level")

var levelNames = map[AccessLevel]string{
	LevelNone:      "NONE",
	LevelInfo:      "INFO",
	LevelViewAvail: "VIEW_AVAIL",
	LevelReadRoles: "READ_ROLES",
}

// ParseLevel parses a wire level. The revoked flag is set for REVOKED, in which case the
// returned level is LevelNone and must not be compared.
func ParseLevel(raw string) (AccessLevel, bool, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NONE":
		return LevelNone, false, nil
	case "INFO", "READ_INFO":
		return LevelInfo, false, nil
	case "VIEW_AVAIL":
		return LevelViewAvail, false, nil
	case "READ_ROLES":
		return LevelReadRoles, false, nil
	case RevokedName:
		return LevelNone, true, nil
	default:
		return LevelNone, false, fmt.Errorf("%w: %q", ErrInvalidLevel, raw)
	}
}

// String returns the wire name of the level.
func (l AccessLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("AccessLevel(%d)", int(l))
}

// AtLeast reports whether l grants everything other grants.
func (l AccessLevel) AtLeast(other AccessLevel) bool {
	return l >= other
}

// MinLevel returns the lower of two levels.
func MinLevel(a, b AccessLevel) AccessLevel {
	if a < b {
		return a
	}
	return b
}

// GormDataType stores levels as their wire names.
func (AccessLevel) GormDataType() string {
	return "string"
}

// Value implements driver.Valuer.
func (l AccessLevel) Value() (driver.Value, error) {
	if _, ok := levelNames[l]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	return l.String(), nil
}

// Scan implements sql.Scanner.
func (l *AccessLevel) Scan(src interface{}) error {
	var raw string
	switch value := src.(type) {
	case string:
		raw = value
	case []byte:
		raw = string(value)
	case nil:
		*l = LevelNone
		return nil
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidLevel, src)
	}
	level, revoked, err := ParseLevel(raw)
	if err != nil {
		return err
	}
	if revoked {
		return fmt.Errorf("%w: revoked is not a stored level", ErrInvalidLevel)
	}
	*l = level
	return nil
}
