package remotesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/sodar-core/sodar-sync/internal/validation"
)

// Payload is the snapshot a source site serves to one of its targets.
type Payload struct {
	Users     map[string]UserData     `json:"users" validate:"required"`
	Projects  map[string]ProjectData  `json:"projects" validate:"required"`
	PeerSites map[string]PeerSiteData `json:"peer_sites,omitempty"`
}

// UserData is the profile of a user referenced by project roles.
type UserData struct {
	Username string   `json:"username" validate:"required,max=150"`
	Name     string   `json:"name,omitempty" validate:"max=255"`
	Email    string   `json:"email,omitempty" validate:"max=320"`
	Groups   []string `json:"groups,omitempty"`
}

// ProjectData describes one category or project. Roles map user uuids to role names.
type ProjectData struct {
	Title       string            `json:"title" validate:"required,max=255"`
	Type        string            `json:"type" validate:"required"`
	ParentUUID  *string           `json:"parent_uuid"`
	Description string            `json:"description,omitempty"`
	Readme      string            `json:"readme,omitempty"`
	Roles       map[string]string `json:"roles,omitempty"`
	Level       string            `json:"level" validate:"required"`
	Available   bool              `json:"available"`
	RemoteSites map[string]string `json:"remote_sites,omitempty"`
}

// PeerSiteData describes another target of the same source.
type PeerSiteData struct {
	Name        string `json:"name" validate:"required,max=255"`
	URL         string `json:"url" validate:"required,max=2000"`
	Description string `json:"description,omitempty"`
	UserDisplay bool   `json:"user_display"`
}

// DecodePayload parses a payload body. Structural problems are reported by Apply.
func DecodePayload(body []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %s", ErrMalformedPayload, validation.Format(err))
	}
	return payload, nil
}

func (p ProjectData) parent() string {
	if p.ParentUUID == nil {
		return ""
	}
	return strings.TrimSpace(*p.ParentUUID)
}

func sortedKeys[V any](values map[string]V) []string {
	keys := lo.Keys(values)
	sort.Strings(keys)
	return keys
}

// checkStructure validates everything that can be decided without the database.
func (s *Service) checkStructure(payload Payload, problems *problemSet) {
	if err := s.validate.Struct(payload); err != nil {
		problems.add(ProblemPayload, "", "%s", validation.Format(err))
		return
	}

	for _, userUUID := range sortedKeys(payload.Users) {
		if strings.TrimSpace(userUUID) == "" {
			problems.add(ProblemUser, userUUID, "empty user uuid")
			continue
		}
		if err := s.validate.Struct(payload.Users[userUUID]); err != nil {
			problems.add(ProblemUser, userUUID, "%s", validation.Format(err))
		}
	}

	for _, projectUUID := range sortedKeys(payload.Projects) {
		data := payload.Projects[projectUUID]
		if strings.TrimSpace(projectUUID) == "" {
			problems.add(ProblemProject, projectUUID, "empty project uuid")
			continue
		}
		if err := s.validate.Struct(data); err != nil {
			problems.add(ProblemProject, projectUUID, "%s", validation.Format(err))
			continue
		}
		if _, err := projects.ParseType(data.Type); err != nil {
			problems.add(ProblemProject, projectUUID, "unknown project type %q", data.Type)
		}
		if _, _, err := remotesites.ParseLevel(data.Level); err != nil {
			problems.add(ProblemProject, projectUUID, "unknown access level %q", data.Level)
		}
		for _, userUUID := range sortedKeys(data.Roles) {
			if strings.TrimSpace(userUUID) == "" || strings.TrimSpace(data.Roles[userUUID]) == "" {
				problems.add(ProblemProject, projectUUID, "role entry %q is incomplete", userUUID)
			}
		}
		for _, siteUUID := range sortedKeys(data.RemoteSites) {
			if _, _, err := remotesites.ParseLevel(data.RemoteSites[siteUUID]); err != nil {
				problems.add(ProblemProject, projectUUID, "unknown access level %q for peer site %s", data.RemoteSites[siteUUID], siteUUID)
			}
		}
	}

	for _, siteUUID := range sortedKeys(payload.PeerSites) {
		if err := s.validate.Struct(payload.PeerSites[siteUUID]); err != nil {
			problems.add(ProblemPeerSite, siteUUID, "%s", validation.Format(err))
		}
	}
}
