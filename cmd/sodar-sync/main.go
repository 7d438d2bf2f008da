package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/sodar-core/sodar-sync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCommand(stdout, stderr)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// cli carries per-invocation state shared by every subcommand.
type cli struct {
	viper      *viper.Viper
	configFile string
	envFile    string
	appConfig  config.AppConfig
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{
		viper:  config.NewViper(),
		stdout: stdout,
		stderr: stderr,
	}

	rootCmd := &cobra.Command{
		Use:           "sodar-sync",
		Short:         "SODAR remote project synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	c.setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSyncRemoteCommand(c),
		newAddRemoteSiteCommand(c),
		newSetRemoteProjectCommand(c),
		newServeCommand(c),
		newScheduleCommand(c),
	)
	return rootCmd
}

func (c *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "Path to configuration file")
	flags.StringVar(&c.envFile, "env-file", "", "Path to a .env file loaded before configuration")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres, mysql)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("site-mode", defaults.GetString("site.mode"), "Local site mode (SOURCE or TARGET)")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")

	c.bindFlag(cmd, "database.driver", "database-driver")
	c.bindFlag(cmd, "database.dsn", "database-dsn")
	c.bindFlag(cmd, "log.level", "log-level")
	c.bindFlag(cmd, "site.mode", "site-mode")
	c.bindFlag(cmd, "http.address", "http-address")
}

func (c *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := c.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (c *cli) initConfig() error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	if c.configFile != "" {
		c.viper.SetConfigFile(c.configFile)
		if err := c.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	appConfig, err := config.Load(c.viper)
	if err != nil {
		return err
	}
	c.appConfig = appConfig
	return nil
}
