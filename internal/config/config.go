package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "TEAMSHARE"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabasePath           = "teamshare.db"
	defaultLogLevel               = "info"
	defaultAuthIssuer             = "teamshare-auth"
	defaultCookieName             = "app_session"
	defaultTokenTTLMinutes        = 60
	defaultMaxWorkspaces          = 100
	defaultMaxMembers             = 50
	defaultMaxAuditLogSize        = 10000
	defaultExpirationHours        = 24
	defaultExpireByDefault        = true
	defaultPruneInterval          = time.Duration(0)
	defaultAllowedOrigin          = ""
	defaultNotificationBufferSize = 64
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	MaxWorkspaces          int
	MaxMembers             int
	MaxAuditLogSize        int
	DefaultExpiration      time.Duration
	ExpireByDefault        bool
	PruneInterval          time.Duration
	NotificationBufferSize int
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sharing.max_workspaces", defaultMaxWorkspaces)
	configViper.SetDefault("sharing.max_members", defaultMaxMembers)
	configViper.SetDefault("sharing.max_audit_log_size", defaultMaxAuditLogSize)
	configViper.SetDefault("sharing.default_expiration_hours", defaultExpirationHours)
	configViper.SetDefault("sharing.expire_by_default", defaultExpireByDefault)
	configViper.SetDefault("sharing.prune_interval", defaultPruneInterval)
	configViper.SetDefault("notify.buffer_size", defaultNotificationBufferSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		AllowedOrigins:         splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		AuthSigningSecret:      configViper.GetString("auth.signing_secret"),
		AuthIssuer:             configViper.GetString("auth.issuer"),
		AuthCookieName:         configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		MaxWorkspaces:          configViper.GetInt("sharing.max_workspaces"),
		MaxMembers:             configViper.GetInt("sharing.max_members"),
		MaxAuditLogSize:        configViper.GetInt("sharing.max_audit_log_size"),
		DefaultExpiration:      time.Duration(configViper.GetInt("sharing.default_expiration_hours")) * time.Hour,
		ExpireByDefault:        configViper.GetBool("sharing.expire_by_default"),
		PruneInterval:          configViper.GetDuration("sharing.prune_interval"),
		NotificationBufferSize: configViper.GetInt("notify.buffer_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MaxWorkspaces <= 0 {
		return fmt.Errorf("sharing.max_workspaces must be positive")
	}
	if c.MaxMembers <= 0 {
		return fmt.Errorf("sharing.max_members must be positive")
	}
	if c.MaxAuditLogSize <= 0 {
		return fmt.Errorf("sharing.max_audit_log_size must be positive")
	}
	if c.DefaultExpiration <= 0 {
		return fmt.Errorf("sharing.default_expiration_hours must be positive")
	}
	if c.PruneInterval < 0 {
		return fmt.Errorf("sharing.prune_interval must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
