package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "SODAR"
	defaultHTTPAddress    = "0.0.0.0:8000"
	defaultDatabaseDriver = "sqlite"
	defaultDatabaseDSN    = "sodar.db"
	defaultLogLevel       = "info"
	defaultSiteMode       = "SOURCE"
	defaultSiteName       = "SODAR"
	defaultMaxLevel       = "READ_ROLES"
	defaultHTTPTimeout    = 30 * time.Second
	defaultDelegateLimit  = 1
	defaultSyncCron       = "0 */30 * * * *"
)

// AppConfig captures runtime configuration for the sync tooling.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	SiteMode          string
	SiteName          string
	CategoriesEnabled bool
	RemoteMaxLevel    string
	RemoteHTTPTimeout time.Duration
	VerifySignature   bool
	DelegateLimit     int
	SyncCron          string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("site.mode", defaultSiteMode)
	configViper.SetDefault("site.name", defaultSiteName)
	configViper.SetDefault("categories.enabled", true)
	configViper.SetDefault("remote.max_level", defaultMaxLevel)
	configViper.SetDefault("remote.http_timeout", defaultHTTPTimeout)
	configViper.SetDefault("remote.verify_signature", false)
	configViper.SetDefault("project.delegate_limit", defaultDelegateLimit)
	configViper.SetDefault("sync.cron", defaultSyncCron)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		SiteMode:          strings.ToUpper(strings.TrimSpace(configViper.GetString("site.mode"))),
		SiteName:          configViper.GetString("site.name"),
		CategoriesEnabled: configViper.GetBool("categories.enabled"),
		RemoteMaxLevel:    strings.ToUpper(strings.TrimSpace(configViper.GetString("remote.max_level"))),
		RemoteHTTPTimeout: configViper.GetDuration("remote.http_timeout"),
		VerifySignature:   configViper.GetBool("remote.verify_signature"),
		DelegateLimit:     configViper.GetInt("project.delegate_limit"),
		SyncCron:          configViper.GetString("sync.cron"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.SiteMode {
	case "SOURCE", "TARGET":
	default:
		return fmt.Errorf("site.mode must be SOURCE or TARGET, got %q", c.SiteMode)
	}
	switch c.RemoteMaxLevel {
	case "INFO", "READ_INFO", "VIEW_AVAIL", "READ_ROLES":
	default:
		return fmt.Errorf("remote.max_level %q is not a valid access level", c.RemoteMaxLevel)
	}
	if c.RemoteHTTPTimeout <= 0 {
		return fmt.Errorf("remote.http_timeout must be positive")
	}
	if c.DelegateLimit < 0 {
		return fmt.Errorf("project.delegate_limit must not be negative")
	}
	return nil
}
