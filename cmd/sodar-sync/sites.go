package main

import (
	"fmt"

	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAddRemoteSiteCommand(c *cli) *cobra.Command {
	var (
		input         remotesites.SiteInput
		rawMode       string
		suppressError bool
	)

	cmd := &cobra.Command{
		Use:   "addremotesite",
		Short: "Register a remote site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(c.appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			mode, err := remotesites.ParseMode(rawMode)
			if err != nil {
				return err
			}
			input.Mode = mode

			site, err := app.sites.AddSite(cmd.Context(), app.siteMode, input)
			if err != nil {
				if suppressError {
					app.logger.Warn("remote site not added", zap.String("name", input.Name), zap.Error(err))
					return nil
				}
				return err
			}
			fmt.Fprintf(c.stdout, "Added remote site %q (%s)\n", site.Name, site.Mode)
			fmt.Fprintf(c.stdout, "UUID: %s\nSecret: %s\n", site.UUID, site.Secret)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&input.Name, "name", "", "Site name")
	flags.StringVar(&input.URL, "url", "", "Site URL")
	flags.StringVar(&rawMode, "mode", "", "Site mode (SOURCE or TARGET)")
	flags.StringVar(&input.Description, "description", "", "Site description")
	flags.StringVar(&input.Secret, "secret", "", "Shared secret, generated when empty")
	flags.BoolVar(&input.UserDisplay, "user-display", false, "Display the site to users")
	flags.BoolVar(&suppressError, "suppress-error", false, "Log failures instead of exiting with an error")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("mode")
	return cmd
}

func newSetRemoteProjectCommand(c *cli) *cobra.Command {
	var siteName, projectUUID, level string

	cmd := &cobra.Command{
		Use:   "setremoteproject",
		Short: "Grant a remote site an access level on a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(c.appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			site, err := app.sites.SiteByName(cmd.Context(), siteName)
			if err != nil {
				return err
			}
			grant, err := app.sites.SetProjectAccess(cmd.Context(), site.ID, projectUUID, level)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Set %s on project %s for site %q\n", grant.LevelName(), grant.ProjectUUID, site.Name)

			grants, err := app.sites.ProjectGrants(cmd.Context(), site.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Projects granted to %q:\n", site.Name)
			for _, granted := range grants {
				fmt.Fprintf(c.stdout, "  %s %s\n", granted.ProjectUUID, granted.LevelName())
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&siteName, "site", "", "Remote site name")
	flags.StringVar(&projectUUID, "project", "", "Project UUID")
	flags.StringVar(&level, "level", "", "Access level (NONE, INFO, VIEW_AVAIL, READ_ROLES, REVOKED)")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}
