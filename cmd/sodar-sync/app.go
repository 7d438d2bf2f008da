package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sodar-core/sodar-sync/internal/config"
	"github.com/sodar-core/sodar-sync/internal/database"
	"github.com/sodar-core/sodar-sync/internal/logging"
	"github.com/sodar-core/sodar-sync/internal/metrics"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/sodar-core/sodar-sync/internal/remotesync"
	"github.com/sodar-core/sodar-sync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	msgCategoriesDisabled = "Categories disabled, unable to sync"
	msgNotTargetSite      = "Site not in TARGET mode, unable to sync"
	msgNoSourceSite       = "No source site defined, unable to sync"
	msgFetchFailed        = "Unable to retrieve data from remote site"
	msgSyncFailed         = "Remote sync failed"
	msgSyncOK             = "Syncremote command OK"
)

// commandError is an operator-facing failure printed verbatim before exiting with status 1.
type commandError struct {
	message string
	cause   error
}

func (e *commandError) Error() string {
	if e.cause == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *commandError) Unwrap() error {
	return e.cause
}

// application holds the services shared by the subcommands.
type application struct {
	config   config.AppConfig
	siteMode remotesites.SiteMode
	logger   *zap.Logger
	db       *gorm.DB
	sites    *remotesites.Service
	sync     *remotesync.Service
	fetcher  *remotesync.Fetcher
	signer   *remotesync.PayloadSigner
	registry *prometheus.Registry
	metrics  *metrics.Collectors
}

func newApplication(cfg config.AppConfig) (*application, error) {
	siteMode, err := remotesites.ParseMode(cfg.SiteMode)
	if err != nil {
		return nil, err
	}
	levelCap, _, err := remotesites.ParseLevel(cfg.RemoteMaxLevel)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}

	app := &application{
		config:   cfg,
		siteMode: siteMode,
		logger:   logger,
		db:       db,
	}

	app.sites, err = remotesites.NewService(remotesites.ServiceConfig{
		Database:   db,
		IDProvider: remotesites.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("init site service: %w", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("init user service: %w", err)
	}

	app.sync, err = remotesync.NewService(remotesync.ServiceConfig{
		Database:      db,
		Users:         userService,
		Logger:        logger,
		LevelCap:      levelCap,
		DelegateLimit: cfg.DelegateLimit,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("init sync service: %w", err)
	}

	app.fetcher = remotesync.NewFetcher(remotesync.FetcherConfig{
		Timeout:         cfg.RemoteHTTPTimeout,
		VerifySignature: cfg.VerifySignature,
		Logger:          logger,
	})
	app.signer = remotesync.NewPayloadSigner(0, nil)

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics, err = metrics.NewCollectors(app.registry)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return app, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

// syncRemote fetches the source payload and applies it. Every failure is a commandError.
func (a *application) syncRemote(ctx context.Context) (remotesync.SyncResult, error) {
	if !a.config.CategoriesEnabled {
		return remotesync.SyncResult{}, &commandError{message: msgCategoriesDisabled}
	}
	if a.siteMode != remotesites.ModeTarget {
		return remotesync.SyncResult{}, &commandError{message: msgNotTargetSite}
	}

	source, err := a.sites.SourceSite(ctx)
	if errors.Is(err, remotesites.ErrNoSourceSite) {
		return remotesync.SyncResult{}, &commandError{message: msgNoSourceSite}
	}
	if err != nil {
		return remotesync.SyncResult{}, err
	}

	started := time.Now()
	payload, err := a.fetcher.Fetch(ctx, source)
	if err != nil {
		a.metrics.ObserveSync(string(remotesync.RunFailed), time.Since(started), nil)
		a.logger.Error("remote sync fetch failed", zap.String("site", source.Name), zap.Error(err))
		return remotesync.SyncResult{}, &commandError{message: msgFetchFailed, cause: err}
	}

	result, err := a.sync.Apply(ctx, source, payload)
	if err != nil {
		a.metrics.ObserveSync(string(remotesync.RunFailed), time.Since(started), nil)
		return result, &commandError{message: msgSyncFailed, cause: err}
	}

	a.metrics.ObserveSync(string(result.Status), time.Since(started), projectCounts(result))
	a.logger.Info("remote sync completed",
		zap.String("site", source.Name),
		zap.Int("projects", len(result.Outcomes)),
		zap.Int("users_created", result.UsersCreated),
	)
	return result, nil
}

var reportedStatuses = []remotesync.ProjectStatus{
	remotesync.StatusCreated,
	remotesync.StatusUpdated,
	remotesync.StatusUnchanged,
	remotesync.StatusRevoked,
	remotesync.StatusSkipped,
}

func projectCounts(result remotesync.SyncResult) map[string]int {
	counts := make(map[string]int, len(reportedStatuses))
	for _, status := range reportedStatuses {
		if count := result.Count(status); count > 0 {
			counts[string(status)] = count
		}
	}
	return counts
}
