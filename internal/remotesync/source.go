package remotesync

import (
	"context"

	"github.com/samber/lo"
	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sourceEntry struct {
	project   projects.Project
	level     remotesites.AccessLevel
	revoked   bool
	available bool
	explicit  bool
	ownerOnly bool
	grant     *remotesites.RemoteProject
}

// BuildSourceData assembles the payload served to target. Ancestor categories of every
// granted project are included so the target can rebuild the hierarchy.
func (s *Service) BuildSourceData(ctx context.Context, target remotesites.RemoteSite) (Payload, error) {
	if s.db == nil {
		return Payload{}, newServiceError(opSourceData, reasonMissingDatabase, errMissingDatabase)
	}

	payload := Payload{
		Users:    make(map[string]UserData),
		Projects: make(map[string]ProjectData),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		builder := &sourceBuilder{
			service: s,
			tx:      tx,
			target:  target,
			entries: make(map[string]*sourceEntry),
			byID:    make(map[uint]projects.Project),
		}
		return builder.build(&payload)
	})
	if err != nil {
		s.logError(opSourceData, "build_failed", err, zap.String("site", target.Name))
		return Payload{}, err
	}

	s.logger.Info("source payload built",
		zap.String("site", target.Name),
		zap.Int("projects", len(payload.Projects)),
		zap.Int("users", len(payload.Users)))
	return payload, nil
}

type sourceBuilder struct {
	service *Service
	tx      *gorm.DB
	target  remotesites.RemoteSite
	entries map[string]*sourceEntry
	byID    map[uint]projects.Project
}

func (b *sourceBuilder) build(payload *Payload) error {
	var grants []remotesites.RemoteProject
	if err := b.tx.Where("site_id = ?", b.target.ID).Order("project_uuid ASC").Find(&grants).Error; err != nil {
		return newServiceError(opSourceData, "grant_select_failed", err)
	}

	for i := range grants {
		grant := &grants[i]
		if !grant.Revoked && grant.Level == remotesites.LevelNone {
			continue
		}
		project, found, err := projects.FindByUUID(b.tx, grant.ProjectUUID)
		if err != nil {
			return newServiceError(opSourceData, "project_select_failed", err)
		}
		if !found {
			b.service.logger.Warn("granted project missing locally",
				zap.String("site", b.target.Name),
				zap.String("project_uuid", grant.ProjectUUID))
			continue
		}
		b.byID[project.ID] = project
		b.entries[project.UUID] = &sourceEntry{
			project:   project,
			level:     grant.Level,
			revoked:   grant.Revoked,
			available: grant.Available,
			explicit:  true,
			grant:     grant,
		}
	}

	for _, projectUUID := range sortedKeys(b.entries) {
		entry := b.entries[projectUUID]
		if !entry.explicit || entry.revoked {
			continue
		}
		if err := b.addAncestors(entry); err != nil {
			return err
		}
	}

	catalogue, err := projects.LoadCatalogue(b.tx)
	if err != nil {
		return newServiceError(opSourceData, "role_catalogue_failed", err)
	}
	userIDs := make(map[uint]struct{})
	roleUsers := make(map[uint]map[uint]string)

	for _, projectUUID := range sortedKeys(b.entries) {
		entry := b.entries[projectUUID]
		data := ProjectData{
			Title:       entry.project.Title,
			Type:        string(entry.project.Type),
			Description: entry.project.Description,
			Readme:      entry.project.Readme,
			Available:   entry.available,
			Level:       entry.level.String(),
		}
		if entry.revoked {
			data.Level = remotesites.RevokedName
		}
		if entry.project.ParentID != nil {
			parent, err := b.projectByID(*entry.project.ParentID)
			if err != nil {
				return err
			}
			parentUUID := parent.UUID
			data.ParentUUID = &parentUUID
		}

		if !entry.revoked && entry.level == remotesites.LevelReadRoles {
			assignments, err := projects.Assignments(b.tx, entry.project.ID)
			if err != nil {
				return newServiceError(opSourceData, "role_select_failed", err)
			}
			roles := make(map[uint]string, len(assignments))
			for _, assignment := range assignments {
				role, ok := catalogue.ByID(assignment.RoleID)
				if !ok {
					continue
				}
				if entry.ownerOnly && role.Name != projects.RoleOwner {
					continue
				}
				roles[assignment.UserID] = role.Name
				userIDs[assignment.UserID] = struct{}{}
			}
			roleUsers[entry.project.ID] = roles
		}
		payload.Projects[projectUUID] = data
	}

	found, err := b.service.users.FindByIDs(b.tx, lo.Keys(userIDs))
	if err != nil {
		return newServiceError(opSourceData, "user_select_failed", err)
	}
	userUUIDs := make(map[uint]string, len(found))
	for _, user := range found {
		userUUIDs[user.ID] = user.UUID
		payload.Users[user.UUID] = UserData{
			Username: user.Username,
			Name:     user.Name,
			Email:    user.Email,
			Groups:   []string(user.Groups),
		}
	}
	for _, projectUUID := range sortedKeys(b.entries) {
		roles, ok := roleUsers[b.entries[projectUUID].project.ID]
		if !ok {
			continue
		}
		data := payload.Projects[projectUUID]
		data.Roles = make(map[string]string, len(roles))
		for userID, roleName := range roles {
			if userUUID, ok := userUUIDs[userID]; ok {
				data.Roles[userUUID] = roleName
			}
		}
		payload.Projects[projectUUID] = data
	}

	if err := b.addPeerSites(payload); err != nil {
		return err
	}
	return b.touchServed()
}

// addAncestors includes the parent categories of entry. Categories above a READ_ROLES
// project carry only their owner role, others are sent at INFO.
func (b *sourceBuilder) addAncestors(entry *sourceEntry) error {
	ancestors, err := projects.Ancestors(b.tx, entry.project)
	if err != nil {
		return newServiceError(opSourceData, "ancestor_select_failed", err)
	}
	level := remotesites.LevelInfo
	if entry.level == remotesites.LevelReadRoles {
		level = remotesites.LevelReadRoles
	}
	for _, ancestor := range ancestors {
		b.byID[ancestor.ID] = ancestor
		existing, ok := b.entries[ancestor.UUID]
		if ok && existing.explicit {
			continue
		}
		if ok {
			if level > existing.level {
				existing.level = level
				existing.ownerOnly = level == remotesites.LevelReadRoles
			}
			continue
		}
		b.entries[ancestor.UUID] = &sourceEntry{
			project:   ancestor,
			level:     level,
			ownerOnly: level == remotesites.LevelReadRoles,
		}
	}
	return nil
}

func (b *sourceBuilder) projectByID(id uint) (projects.Project, error) {
	if project, ok := b.byID[id]; ok {
		return project, nil
	}
	var project projects.Project
	if err := b.tx.Where("id = ?", id).Take(&project).Error; err != nil {
		return projects.Project{}, newServiceError(opSourceData, "project_select_failed", err)
	}
	b.byID[id] = project
	return project, nil
}

// addPeerSites advertises the other targets holding visible grants on served projects.
func (b *sourceBuilder) addPeerSites(payload *Payload) error {
	served := lo.Filter(sortedKeys(b.entries), func(projectUUID string, _ int) bool {
		return !b.entries[projectUUID].revoked
	})
	if len(served) == 0 {
		return nil
	}

	var grants []remotesites.RemoteProject
	err := b.tx.
		Joins("JOIN remote_sites ON remote_sites.id = remote_projects.site_id").
		Where("remote_projects.project_uuid IN ? AND remote_projects.site_id <> ? AND remote_sites.mode = ?", served, b.target.ID, remotesites.ModeTarget).
		Where("remote_projects.revoked = ? AND remote_projects.level <> ?", false, remotesites.LevelNone.String()).
		Order("remote_projects.id ASC").
		Find(&grants).Error
	if err != nil {
		return newServiceError(opSourceData, "peer_grant_select_failed", err)
	}
	if len(grants) == 0 {
		return nil
	}

	var sites []remotesites.RemoteSite
	siteIDs := lo.Uniq(lo.Map(grants, func(grant remotesites.RemoteProject, _ int) uint {
		return grant.SiteID
	}))
	if err := b.tx.Where("id IN ?", siteIDs).Find(&sites).Error; err != nil {
		return newServiceError(opSourceData, "peer_select_failed", err)
	}
	siteByID := lo.KeyBy(sites, func(site remotesites.RemoteSite) uint {
		return site.ID
	})

	payload.PeerSites = make(map[string]PeerSiteData, len(sites))
	for _, grant := range grants {
		site, ok := siteByID[grant.SiteID]
		if !ok {
			continue
		}
		payload.PeerSites[site.UUID] = PeerSiteData{
			Name:        site.Name,
			URL:         site.URL,
			Description: site.Description,
			UserDisplay: site.UserDisplay,
		}
		data := payload.Projects[grant.ProjectUUID]
		if data.RemoteSites == nil {
			data.RemoteSites = make(map[string]string)
		}
		data.RemoteSites[site.UUID] = grant.LevelName()
		payload.Projects[grant.ProjectUUID] = data
	}
	return nil
}

func (b *sourceBuilder) touchServed() error {
	now := b.service.clock().UTC()
	ids := make([]uint, 0, len(b.entries))
	for _, entry := range b.entries {
		if entry.grant != nil {
			ids = append(ids, entry.grant.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := b.tx.Model(&remotesites.RemoteProject{}).Where("id IN ?", ids).Update("date_access", now).Error; err != nil {
		return newServiceError(opSourceData, "grant_touch_failed", err)
	}
	return nil
}
