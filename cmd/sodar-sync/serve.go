package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/sodar-core/sodar-sync/internal/scheduler"
	"github.com/sodar-core/sodar-sync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve sync payloads to TARGET sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(c.appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			return app.serveHTTP(cmd.Context())
		},
	}
}

func newScheduleCommand(c *cli) *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run syncremote periodically on a TARGET site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(c.appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			if !app.config.CategoriesEnabled {
				return &commandError{message: msgCategoriesDisabled}
			}
			if app.siteMode != remotesites.ModeTarget {
				return &commandError{message: msgNotTargetSite}
			}

			syncScheduler, err := scheduler.New(scheduler.Config{
				Spec:   app.config.SyncCron,
				Name:   "syncremote",
				Logger: app.logger,
				Job: func(ctx context.Context) error {
					_, err := app.syncRemote(ctx)
					return err
				},
			})
			if err != nil {
				return err
			}

			if runNow {
				if err := syncScheduler.Trigger(cmd.Context()); err != nil {
					app.logger.Warn("initial remote sync failed", zap.Error(err))
				}
			}
			syncScheduler.Start()
			defer syncScheduler.Stop()

			return app.serveHTTP(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&runNow, "run-now", false, "Run one sync before the first scheduled tick")
	return cmd
}

// serveHTTP runs the HTTP surface until SIGINT or SIGTERM.
func (a *application) serveHTTP(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sites:    a.sites,
		Payloads: a.sync,
		Signer:   a.signer,
		SiteMode: a.siteMode,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              a.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.String("address", a.config.HTTPAddress),
			zap.String("mode", string(a.siteMode)),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
