package remotesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/sodar-core/sodar-sync/internal/users"
	"github.com/sodar-core/sodar-sync/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the sync engine.
type ServiceConfig struct {
	Database *gorm.DB
	Users    *users.Service
	Clock    func() time.Time
	Logger   *zap.Logger
	// LevelCap limits every incoming level. LevelNone means no cap.
	LevelCap remotesites.AccessLevel
	// DelegateLimit bounds delegates per project; zero is unlimited.
	DelegateLimit int
}

// Service reconciles source payloads into the local store and builds payloads for targets.
type Service struct {
	db            *gorm.DB
	users         *users.Service
	clock         func() time.Time
	logger        *zap.Logger
	levelCap      remotesites.AccessLevel
	delegateLimit int
	validate      *validator.Validate
}

// NewService constructs the sync engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Users == nil {
		return nil, newServiceError(opServiceNew, "missing_users", errMissingUsers)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	levelCap := cfg.LevelCap
	if levelCap == remotesites.LevelNone {
		levelCap = remotesites.LevelReadRoles
	}

	return &Service{
		db:            cfg.Database,
		users:         cfg.Users,
		clock:         clock,
		logger:        logger,
		levelCap:      levelCap,
		delegateLimit: cfg.DelegateLimit,
		validate:      validation.New(),
	}, nil
}

// RunStatus is the overall outcome of a sync.
type RunStatus string

const (
	RunOK     RunStatus = "OK"
	RunFailed RunStatus = "FAILED"
)

// ProjectOutcome records what happened to one payload project.
type ProjectOutcome struct {
	ProjectUUID  string
	Title        string
	Level        string
	Status       ProjectStatus
	RolesCreated int
	RolesUpdated int
	RolesDeleted int
}

// SyncResult summarizes a sync run.
type SyncResult struct {
	Site            string
	Status          RunStatus
	Outcomes        []ProjectOutcome
	UsersCreated    int
	PeerSitesSynced int
}

// Count returns the number of projects with the given status.
func (r SyncResult) Count(status ProjectStatus) int {
	return lo.CountBy(r.Outcomes, func(outcome ProjectOutcome) bool {
		return outcome.Status == status
	})
}

// Apply reconciles payload from site into the local store in a single transaction.
// Any problem rolls back every change and the result is reported as FAILED.
func (s *Service) Apply(ctx context.Context, site remotesites.RemoteSite, payload Payload) (SyncResult, error) {
	failed := SyncResult{Site: site.Name, Status: RunFailed}
	if s.db == nil {
		s.logError(opApply, reasonMissingDatabase, errMissingDatabase)
		return failed, newServiceError(opApply, reasonMissingDatabase, errMissingDatabase)
	}

	problems := &problemSet{}
	s.checkStructure(payload, problems)
	if !problems.empty() {
		err := problems.err()
		s.logError(opApply, "payload_invalid", err, zap.String("site", site.Name))
		return failed, err
	}
	ordered := orderProjects(payload.Projects, problems)
	if !problems.empty() {
		err := problems.err()
		s.logError(opApply, "payload_invalid", err, zap.String("site", site.Name))
		return failed, err
	}

	var result SyncResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.newSyncRun(tx, site, payload, problems)
		if err != nil {
			return err
		}
		if err := run.checkReferences(); err != nil {
			return err
		}
		if err := run.syncPeerSites(); err != nil {
			return err
		}
		for _, projectUUID := range ordered {
			if err := run.syncProject(projectUUID); err != nil {
				return err
			}
		}
		if !problems.empty() {
			return problems.err()
		}
		result = run.result
		return nil
	})
	if txErr != nil {
		var syncErr *SyncError
		if errors.As(txErr, &syncErr) {
			s.logError(opApply, "payload_invalid", txErr, zap.String("site", site.Name))
		} else {
			s.logError(opApply, "transaction_failed", txErr, zap.String("site", site.Name))
		}
		return failed, txErr
	}

	result.Status = RunOK
	s.logger.Info("remote sync applied",
		zap.String("site", site.Name),
		zap.Int("created", result.Count(StatusCreated)),
		zap.Int("updated", result.Count(StatusUpdated)),
		zap.Int("unchanged", result.Count(StatusUnchanged)),
		zap.Int("revoked", result.Count(StatusRevoked)),
		zap.Int("skipped", result.Count(StatusSkipped)),
		zap.Int("users_created", result.UsersCreated))
	return result, nil
}

type syncRun struct {
	service   *Service
	tx        *gorm.DB
	site      remotesites.RemoteSite
	payload   Payload
	problems  *problemSet
	now       time.Time
	catalogue projects.Catalogue
	grants    map[string]remotesites.RemoteProject
	peers     map[string]uint
	failed    map[string]struct{}
	result    SyncResult
}

func (s *Service) newSyncRun(tx *gorm.DB, site remotesites.RemoteSite, payload Payload, problems *problemSet) (*syncRun, error) {
	catalogue, err := projects.LoadCatalogue(tx)
	if err != nil {
		return nil, newServiceError(opApply, "role_catalogue_failed", err)
	}

	var grants []remotesites.RemoteProject
	if err := tx.Where("site_id = ?", site.ID).Find(&grants).Error; err != nil {
		return nil, newServiceError(opApply, "grant_select_failed", err)
	}

	return &syncRun{
		service:   s,
		tx:        tx,
		site:      site,
		payload:   payload,
		problems:  problems,
		now:       s.clock().UTC(),
		catalogue: catalogue,
		grants: lo.KeyBy(grants, func(grant remotesites.RemoteProject) string {
			return grant.ProjectUUID
		}),
		peers:  make(map[string]uint),
		failed: make(map[string]struct{}),
		result: SyncResult{Site: site.Name},
	}, nil
}

// fail records a project problem. Descendants of a failed project are skipped without
// further reports.
func (r *syncRun) fail(projectUUID string, format string, args ...interface{}) {
	r.problems.add(ProblemProject, projectUUID, format, args...)
	r.failed[projectUUID] = struct{}{}
}

// effectiveLevel applies the local cap to a validated wire level.
func (r *syncRun) effectiveLevel(data ProjectData) (remotesites.AccessLevel, bool) {
	level, revoked, _ := remotesites.ParseLevel(data.Level)
	if revoked {
		return remotesites.LevelNone, true
	}
	return remotesites.MinLevel(level, r.service.levelCap), false
}

// checkReferences reports role names and users that cannot be resolved before any write.
func (r *syncRun) checkReferences() error {
	missingUsers := make(map[string][]string)
	for _, projectUUID := range sortedKeys(r.payload.Projects) {
		data := r.payload.Projects[projectUUID]
		if grant, ok := r.grants[projectUUID]; ok && grant.Revoked {
			continue
		}
		level, revoked := r.effectiveLevel(data)
		if revoked || level != remotesites.LevelReadRoles {
			continue
		}
		for _, userUUID := range sortedKeys(data.Roles) {
			if _, err := r.catalogue.ByName(data.Roles[userUUID]); err != nil {
				r.fail(projectUUID, "unknown role %q for user %s", data.Roles[userUUID], userUUID)
			}
			if _, ok := r.payload.Users[userUUID]; !ok {
				missingUsers[userUUID] = append(missingUsers[userUUID], projectUUID)
			}
		}
	}
	if len(missingUsers) == 0 {
		return nil
	}

	var localUUIDs []string
	if err := r.tx.Model(&users.User{}).
		Where("uuid IN ?", lo.Keys(missingUsers)).
		Pluck("uuid", &localUUIDs).Error; err != nil {
		return newServiceError(opApply, "user_select_failed", err)
	}
	local := lo.SliceToMap(localUUIDs, func(userUUID string) (string, struct{}) {
		return userUUID, struct{}{}
	})
	for _, userUUID := range sortedKeys(missingUsers) {
		if _, ok := local[userUUID]; ok {
			continue
		}
		for _, projectUUID := range missingUsers[userUUID] {
			r.fail(projectUUID, "user %s is not resolvable", userUUID)
		}
	}
	return nil
}

func (r *syncRun) syncPeerSites() error {
	for _, siteUUID := range sortedKeys(r.payload.PeerSites) {
		data := r.payload.PeerSites[siteUUID]

		var site remotesites.RemoteSite
		err := r.tx.Where("uuid = ?", siteUUID).Take(&site).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opApply, "peer_select_failed", err)
		}
		found := err == nil
		if found && site.Mode != remotesites.ModePeer {
			r.service.logger.Warn("peer site matches a non-peer site, skipping",
				zap.String("site_uuid", siteUUID),
				zap.String("mode", string(site.Mode)))
			continue
		}

		var nameTaken int64
		if err := r.tx.Model(&remotesites.RemoteSite{}).
			Where("name = ? AND uuid <> ?", data.Name, siteUUID).
			Count(&nameTaken).Error; err != nil {
			return newServiceError(opApply, "peer_select_failed", err)
		}
		if nameTaken > 0 {
			r.problems.add(ProblemPeerSite, siteUUID, "site name %q already in use", data.Name)
			continue
		}

		if !found {
			site = remotesites.RemoteSite{UUID: siteUUID, Mode: remotesites.ModePeer}
		}
		site.Name = data.Name
		site.URL = data.URL
		site.Description = data.Description
		site.UserDisplay = data.UserDisplay
		if err := r.tx.Save(&site).Error; err != nil {
			return newServiceError(opApply, "peer_save_failed", err)
		}
		r.peers[siteUUID] = site.ID
		r.result.PeerSitesSynced++
	}
	return nil
}

func (r *syncRun) syncProject(projectUUID string) error {
	data := r.payload.Projects[projectUUID]
	if _, ok := r.failed[projectUUID]; ok {
		return nil
	}
	if _, ok := r.failed[data.parent()]; ok {
		r.failed[projectUUID] = struct{}{}
		return nil
	}
	outcome := ProjectOutcome{ProjectUUID: projectUUID, Title: data.Title, Level: data.Level}
	grant, grantExists := r.grants[projectUUID]

	if grantExists && grant.Revoked {
		outcome.Level = remotesites.RevokedName
		outcome.Status = StatusRevoked
		if err := r.touchGrant(&grant); err != nil {
			return err
		}
		r.result.Outcomes = append(r.result.Outcomes, outcome)
		return nil
	}

	level, revoked := r.effectiveLevel(data)
	if revoked {
		if !grantExists {
			grant = remotesites.RemoteProject{SiteID: r.site.ID, ProjectUUID: projectUUID, Level: remotesites.LevelNone}
		}
		grant.Revoked = true
		grant.Available = data.Available
		outcome.Level = remotesites.RevokedName
		outcome.Status = StatusRevoked
		if err := r.touchGrant(&grant); err != nil {
			return err
		}
		r.service.logger.Info("remote project revoked", zap.String("project_uuid", projectUUID))
		r.result.Outcomes = append(r.result.Outcomes, outcome)
		return nil
	}
	outcome.Level = level.String()

	if level == remotesites.LevelNone {
		outcome.Status = StatusSkipped
		r.result.Outcomes = append(r.result.Outcomes, outcome)
		return nil
	}

	projectType, _ := projects.ParseType(data.Type)
	var parentID *uint
	if parentUUID := data.parent(); parentUUID != "" {
		parent, found, err := projects.FindByUUID(r.tx, parentUUID)
		if err != nil {
			return newServiceError(opApply, "project_select_failed", err)
		}
		if !found {
			r.fail(projectUUID, "parent %s is not resolvable", parentUUID)
			return nil
		}
		if err := projects.ValidateParent(&parent); err != nil {
			r.fail(projectUUID, "%v", err)
			return nil
		}
		parentID = &parent.ID
	}

	existing, found, err := projects.FindByUUID(r.tx, projectUUID)
	if err != nil {
		return newServiceError(opApply, "project_select_failed", err)
	}
	var existingPtr *projects.Project
	if found {
		if existing.Type != projectType {
			r.fail(projectUUID, "type %s does not match local type %s", projectType, existing.Type)
			return nil
		}
		existingPtr = &existing
	}

	resolution := resolveProject(existingPtr, projectUUID, data, projectType, parentID, level)
	project := resolution.project
	switch resolution.status {
	case StatusCreated:
		if err := r.tx.Create(&project).Error; err != nil {
			r.service.logError(opApply, "project_create_failed", err, zap.String("project_uuid", projectUUID))
			return newServiceError(opApply, "project_create_failed", err)
		}
	case StatusUpdated:
		if err := r.tx.Save(&project).Error; err != nil {
			r.service.logError(opApply, "project_save_failed", err, zap.String("project_uuid", projectUUID))
			return newServiceError(opApply, "project_save_failed", err)
		}
	}
	outcome.Status = resolution.status

	previousLevel := remotesites.LevelNone
	if grantExists {
		previousLevel = grant.Level
	} else {
		grant = remotesites.RemoteProject{SiteID: r.site.ID, ProjectUUID: projectUUID}
	}
	grant.Level = level
	grant.Available = data.Available
	if err := r.touchGrant(&grant); err != nil {
		return err
	}

	if level == remotesites.LevelReadRoles {
		changes, err := r.syncRoles(project, data.Roles)
		if err != nil {
			return err
		}
		outcome.RolesCreated = len(changes.create)
		outcome.RolesUpdated = len(changes.update)
		outcome.RolesDeleted = len(changes.remove)
	} else if previousLevel == remotesites.LevelReadRoles {
		removed, err := r.dropNonOwnerRoles(project)
		if err != nil {
			return err
		}
		outcome.RolesDeleted = removed
	}
	if outcome.Status == StatusUnchanged && outcome.RolesCreated+outcome.RolesUpdated+outcome.RolesDeleted > 0 {
		outcome.Status = StatusUpdated
	}

	if err := r.syncPeerGrants(projectUUID, data.RemoteSites); err != nil {
		return err
	}

	r.result.Outcomes = append(r.result.Outcomes, outcome)
	return nil
}

func (r *syncRun) touchGrant(grant *remotesites.RemoteProject) error {
	accessed := r.now
	grant.DateAccess = &accessed
	if err := r.tx.Save(grant).Error; err != nil {
		r.service.logError(opApply, "grant_save_failed", err, zap.String("project_uuid", grant.ProjectUUID))
		return newServiceError(opApply, "grant_save_failed", err)
	}
	r.grants[grant.ProjectUUID] = *grant
	return nil
}

func (r *syncRun) syncRoles(project projects.Project, roles map[string]string) (roleChanges, error) {
	before := len(r.problems.problems)
	desired := make(map[uint]projects.Role, len(roles))
	for _, userUUID := range sortedKeys(roles) {
		role, err := r.catalogue.ByName(roles[userUUID])
		if err != nil {
			r.fail(project.UUID, "unknown role %q for user %s", roles[userUUID], userUUID)
			continue
		}

		var profile *users.Profile
		if data, ok := r.payload.Users[userUUID]; ok {
			profile = &users.Profile{
				Username: data.Username,
				Name:     data.Name,
				Email:    data.Email,
				Groups:   data.Groups,
			}
		}
		user, created, err := r.service.users.ResolveSyncUser(r.tx, userUUID, profile)
		if err != nil {
			if errors.Is(err, users.ErrUnresolvableUser) || errors.Is(err, users.ErrUsernameTaken) || errors.Is(err, users.ErrInvalidProfile) {
				r.fail(project.UUID, "user %s: %v", userUUID, err)
				continue
			}
			return roleChanges{}, newServiceError(opApply, "user_resolve_failed", err)
		}
		if created {
			r.result.UsersCreated++
		}
		desired[user.ID] = role
	}
	if len(r.problems.problems) > before {
		return roleChanges{}, nil
	}

	ancestors, err := projects.Ancestors(r.tx, project)
	if err != nil {
		return roleChanges{}, newServiceError(opApply, "ancestor_select_failed", err)
	}
	inherited, err := projects.OwnerUserIDs(r.tx, r.catalogue, lo.Map(ancestors, func(ancestor projects.Project, _ int) uint {
		return ancestor.ID
	}))
	if err != nil {
		return roleChanges{}, newServiceError(opApply, "owner_select_failed", err)
	}
	existing, err := projects.Assignments(r.tx, project.ID)
	if err != nil {
		return roleChanges{}, newServiceError(opApply, "role_select_failed", err)
	}

	changes := planRoleChanges(project.ID, existing, desired, inherited, r.catalogue)
	if err := projects.ValidateRoleSet(changes.final, r.service.delegateLimit, inherited); err != nil {
		return roleChanges{}, newServiceError(opApply, "role_set_invalid", fmt.Errorf("project %s: %w", project.UUID, err))
	}
	if changes.count() == 0 {
		return changes, nil
	}

	if len(changes.remove) > 0 {
		ids := lo.Map(changes.remove, func(assignment projects.RoleAssignment, _ int) uint {
			return assignment.ID
		})
		if err := r.tx.Where("id IN ?", ids).Delete(&projects.RoleAssignment{}).Error; err != nil {
			return roleChanges{}, newServiceError(opApply, "role_delete_failed", err)
		}
	}
	for _, assignment := range changes.update {
		if err := r.tx.Model(&projects.RoleAssignment{}).
			Where("id = ?", assignment.ID).
			Update("role_id", assignment.RoleID).Error; err != nil {
			return roleChanges{}, newServiceError(opApply, "role_update_failed", err)
		}
	}
	if len(changes.create) > 0 {
		if err := r.tx.Create(&changes.create).Error; err != nil {
			return roleChanges{}, newServiceError(opApply, "role_create_failed", err)
		}
	}
	return changes, nil
}

// dropNonOwnerRoles removes role grants no longer justified below READ_ROLES.
func (r *syncRun) dropNonOwnerRoles(project projects.Project) (int, error) {
	ownerRole, err := r.catalogue.ByName(projects.RoleOwner)
	if err != nil {
		return 0, newServiceError(opApply, "role_catalogue_failed", err)
	}
	deleted := r.tx.Where("project_id = ? AND role_id <> ?", project.ID, ownerRole.ID).Delete(&projects.RoleAssignment{})
	if deleted.Error != nil {
		return 0, newServiceError(opApply, "role_delete_failed", deleted.Error)
	}
	if deleted.RowsAffected > 0 {
		r.service.logger.Info("roles removed after access downgrade",
			zap.String("project_uuid", project.UUID),
			zap.Int64("removed", deleted.RowsAffected))
	}
	return int(deleted.RowsAffected), nil
}

// syncPeerGrants records the levels other targets hold on a project.
func (r *syncRun) syncPeerGrants(projectUUID string, levels map[string]string) error {
	for _, siteUUID := range sortedKeys(levels) {
		siteID, ok := r.peers[siteUUID]
		if !ok {
			var site remotesites.RemoteSite
			err := r.tx.Where("uuid = ? AND mode = ?", siteUUID, remotesites.ModePeer).Take(&site).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				r.service.logger.Warn("unknown peer site in project grants",
					zap.String("project_uuid", projectUUID),
					zap.String("site_uuid", siteUUID))
				continue
			}
			if err != nil {
				return newServiceError(opApply, "peer_select_failed", err)
			}
			siteID = site.ID
			r.peers[siteUUID] = siteID
		}

		level, revoked, _ := remotesites.ParseLevel(levels[siteUUID])
		var grant remotesites.RemoteProject
		err := r.tx.Where("site_id = ? AND project_uuid = ?", siteID, projectUUID).Take(&grant).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			grant = remotesites.RemoteProject{SiteID: siteID, ProjectUUID: projectUUID}
		} else if err != nil {
			return newServiceError(opApply, "peer_grant_select_failed", err)
		}
		if grant.ID != 0 && grant.Level == level && grant.Revoked == revoked {
			continue
		}
		grant.Level = level
		grant.Revoked = revoked
		if err := r.tx.Save(&grant).Error; err != nil {
			return newServiceError(opApply, "peer_grant_save_failed", err)
		}
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	logger.Error("remote sync error", attrs...)
}
