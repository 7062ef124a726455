package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "SITECRAFT"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "sitecraft.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "sitecraft-auth"
	defaultAuthAudience      = "sitecraft-api"
	defaultCookieName        = "sitecraft_session"
	defaultTokenTTL          = time.Hour
	defaultRoleCacheTTL      = 30 * time.Second
	defaultOutboxCapacity    = 64
	defaultSnapshotChat      = 50
	defaultKeepAliveInterval = 25 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultReadLimitBytes    = 1 << 20
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel string

	SigningSecret string
	Issuer        string
	Audience      string
	CookieName    string
	TokenTTL      time.Duration

	RoleCacheTTL time.Duration
	Presence     presence.Policy

	OutboxCapacity     int
	SnapshotChat       int
	OriginPatterns     []string
	KeepAliveInterval  time.Duration
	WriteTimeout       time.Duration
	ReadLimitBytes     int64
	InsecureSkipVerify bool
}

// LoadDotEnv reads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("membership.role_cache_ttl", defaultRoleCacheTTL)
	configViper.SetDefault("presence.idle_after", presence.DefaultIdleAfter)
	configViper.SetDefault("presence.away_after", presence.DefaultAwayAfter)
	configViper.SetDefault("presence.evict_after", presence.DefaultEvictAfter)
	configViper.SetDefault("presence.sweep_interval", presence.DefaultSweepInterval)
	configViper.SetDefault("realtime.outbox_capacity", defaultOutboxCapacity)
	configViper.SetDefault("realtime.snapshot_chat", defaultSnapshotChat)
	configViper.SetDefault("realtime.origin_patterns", []string{})
	configViper.SetDefault("realtime.keepalive_interval", defaultKeepAliveInterval)
	configViper.SetDefault("realtime.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("realtime.read_limit_bytes", defaultReadLimitBytes)
	configViper.SetDefault("realtime.insecure_skip_verify", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		Audience:       configViper.GetString("auth.audience"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		RoleCacheTTL:   configViper.GetDuration("membership.role_cache_ttl"),
		Presence: presence.Policy{
			IdleAfter:     configViper.GetDuration("presence.idle_after"),
			AwayAfter:     configViper.GetDuration("presence.away_after"),
			EvictAfter:    configViper.GetDuration("presence.evict_after"),
			SweepInterval: configViper.GetDuration("presence.sweep_interval"),
		},
		OutboxCapacity:     configViper.GetInt("realtime.outbox_capacity"),
		SnapshotChat:       configViper.GetInt("realtime.snapshot_chat"),
		OriginPatterns:     configViper.GetStringSlice("realtime.origin_patterns"),
		KeepAliveInterval:  configViper.GetDuration("realtime.keepalive_interval"),
		WriteTimeout:       configViper.GetDuration("realtime.write_timeout"),
		ReadLimitBytes:     configViper.GetInt64("realtime.read_limit_bytes"),
		InsecureSkipVerify: configViper.GetBool("realtime.insecure_skip_verify"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses only the settings needed to reach the database, for
// commands that do not serve traffic.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
	}
	if err := cfg.validateStorage(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.Presence.Validate(); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	if c.OutboxCapacity <= 0 {
		return fmt.Errorf("realtime.outbox_capacity must be positive")
	}
	if c.SnapshotChat < 0 {
		return fmt.Errorf("realtime.snapshot_chat must not be negative")
	}
	return nil
}

func (c AppConfig) validateStorage() error {
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
