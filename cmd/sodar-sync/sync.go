package main

import (
	"fmt"

	"github.com/sodar-core/sodar-sync/internal/remotesync"
	"github.com/spf13/cobra"
)

func newSyncRemoteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "syncremote",
		Short: "Synchronize projects, roles and users from the SOURCE site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(c.appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			result, err := app.syncRemote(cmd.Context())
			if err != nil {
				return err
			}
			printSyncSummary(c, result)
			fmt.Fprintln(c.stdout, msgSyncOK)
			return nil
		},
	}
}

func printSyncSummary(c *cli, result remotesync.SyncResult) {
	fmt.Fprintf(c.stdout, "Synced %d project(s) from %s\n", len(result.Outcomes), result.Site)
	for _, status := range reportedStatuses {
		if count := result.Count(status); count > 0 {
			fmt.Fprintf(c.stdout, "  %s: %d\n", status, count)
		}
	}
	if result.UsersCreated > 0 {
		fmt.Fprintf(c.stdout, "  users created: %d\n", result.UsersCreated)
	}
	if result.PeerSitesSynced > 0 {
		fmt.Fprintf(c.stdout, "  peer sites: %d\n", result.PeerSitesSynced)
	}
}
